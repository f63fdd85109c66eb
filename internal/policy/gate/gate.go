// Package gate composes per-domain rate limiting, per-domain and global
// concurrency caps, robots.txt compliance and a domain blocklist into the
// single admission point used by the fetcher.
package gate

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/local-radar/internal/crawler"
	"github.com/JakeFAU/local-radar/internal/policy/ratelimit"
)

// Config captures gate construction options.
type Config struct {
	// MaxConcurrency bounds in-flight requests across all domains. Zero or less means unbounded.
	MaxConcurrency int
	// BlockedDomains lists exact, "*." and "." host patterns that are never fetched.
	BlockedDomains []string
}

// Gate is the DomainGate: every network request must hold a Permit.
type Gate struct {
	global    *semaphore.Weighted
	limiter   *ratelimit.Limiter
	robots    crawler.RobotsPolicy
	blocklist *crawler.DomainBlocklist
	logger    *zap.Logger
}

// Permit is held for the duration of one request.
type Permit struct {
	Domain string
	// Waited is the time spent waiting for a token or a Retry-After window.
	Waited time.Duration

	release func()
	once    sync.Once
}

// Release returns the domain and global slots. It is safe to call more than once.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.release)
}

// New builds a Gate.
func New(cfg Config, limiter *ratelimit.Limiter, robots crawler.RobotsPolicy, logger *zap.Logger) *Gate {
	var global *semaphore.Weighted
	if cfg.MaxConcurrency > 0 {
		global = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		global:    global,
		limiter:   limiter,
		robots:    robots,
		blocklist: crawler.NewDomainBlocklist(cfg.BlockedDomains),
		logger:    logger,
	}
}

// Allowed reports whether rawURL may be fetched at all this run.
func (g *Gate) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if g.blocklist.IsBlocked(parsed.Host) {
		g.logger.Debug("domain blocked by configuration", zap.String("url", rawURL))
		return false
	}
	if g.robots == nil {
		return true
	}
	return g.robots.Allowed(ctx, rawURL)
}

// Acquire blocks until the domain has a free slot, its bucket yields a token,
// any Retry-After window has passed, and the global cap has capacity.
func (g *Gate) Acquire(ctx context.Context, domain string) (*Permit, error) {
	releaseDomain, err := g.limiter.AcquireSlot(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("acquire permit: %w", err)
	}
	waited, err := g.limiter.WaitToken(ctx, domain)
	if err != nil {
		releaseDomain()
		return nil, fmt.Errorf("acquire permit: %w", err)
	}
	if g.global != nil {
		if err := g.global.Acquire(ctx, 1); err != nil {
			releaseDomain()
			return nil, fmt.Errorf("acquire global slot: %w", err)
		}
	}
	release := func() {
		if g.global != nil {
			g.global.Release(1)
		}
		releaseDomain()
	}
	return &Permit{Domain: domain, Waited: waited, release: release}, nil
}

// Respect records server-asserted backpressure for domain.
func (g *Gate) Respect(domain string, retryAfter time.Duration) time.Duration {
	applied := g.limiter.Respect(domain, retryAfter)
	if applied > 0 {
		g.logger.Info("honoring server backpressure",
			zap.String("domain", domain),
			zap.Duration("retry_after", applied),
		)
	}
	return applied
}

// Failure records a failed attempt against domain.
func (g *Gate) Failure(domain string) int {
	return g.limiter.Failure(domain)
}

// Success resets domain backoff state after a successful request.
func (g *Gate) Success(domain string) {
	g.limiter.Success(domain)
}
