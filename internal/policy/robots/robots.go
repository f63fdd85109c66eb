// Package robots enforces robots.txt directives with a per-host TTL cache.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/local-radar/internal/crawler"
)

// FailurePolicy decides the verdict when robots.txt cannot be obtained.
type FailurePolicy string

// Failure policies accepted in configuration.
const (
	FailOpen   FailurePolicy = "allow"
	FailClosed FailurePolicy = "deny"
)

// ParseFailurePolicy validates a configured policy name.
func ParseFailurePolicy(raw string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	default:
		return "", fmt.Errorf("unknown robots failure policy %q", raw)
	}
}

const (
	// DefaultTTL is how long a robots verdict is cached per host.
	DefaultTTL     = time.Hour
	maxRobotsBytes = 1 << 20
	defaultTimeout = 10 * time.Second
)

// Config controls robots.txt enforcement.
type Config struct {
	UserAgent     string
	TTL           time.Duration
	FailurePolicy FailurePolicy
	Client        *http.Client
}

type entry struct {
	data    *robotstxt.RobotsData
	verdict *bool
	expires time.Time
}

// Cache enforces robots.txt directives per host.
type Cache struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	failure   FailurePolicy
	clock     crawler.Clock
	logger    *zap.Logger

	mu      sync.RWMutex
	entries map[string]entry
}

// New builds a robots Cache.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) *Cache {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	failure := cfg.FailurePolicy
	if failure == "" {
		failure = FailOpen
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		client:    client,
		userAgent: cfg.UserAgent,
		ttl:       ttl,
		failure:   failure,
		clock:     clock,
		logger:    logger,
		entries:   make(map[string]entry),
	}
}

// Allowed implements crawler.RobotsPolicy.
func (c *Cache) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	e := c.load(ctx, parsed)
	if e.verdict != nil {
		return *e.verdict
	}
	return e.data.TestAgent(parsed.RequestURI(), c.userAgent)
}

func (c *Cache) load(ctx context.Context, parsed *url.URL) entry {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	now := c.clock.Now()

	c.mu.RLock()
	cached, ok := c.entries[hostKey]
	c.mu.RUnlock()
	if ok && now.Before(cached.expires) {
		return cached
	}

	fresh := entry{expires: now.Add(c.ttl)}
	data, err := c.fetch(ctx, parsed)
	if err != nil {
		allowed := c.failure == FailOpen
		c.logger.Warn("robots fetch failed; applying failure policy",
			zap.String("host", parsed.Host),
			zap.String("policy", string(c.failure)),
			zap.Error(err),
		)
		fresh.verdict = &allowed
		if ctx.Err() != nil {
			// The run is going away; do not pin a verdict caused by cancellation.
			return fresh
		}
	} else {
		fresh.data = data
	}

	c.mu.Lock()
	c.entries[hostKey] = fresh
	c.mu.Unlock()
	return fresh
}

func (c *Cache) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("fetch robots: server status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}
