// Package fetcher retrieves watchlist targets under DomainGate control, with
// bounded retries, Retry-After handling, size caps and a pluggable scheduler.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/local-radar/internal/crawler"
	"github.com/JakeFAU/local-radar/internal/metrics"
	"github.com/JakeFAU/local-radar/internal/policy/gate"
)

const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries     = 3
	defaultRequestTimeout = 20 * time.Second
	drainLimit            = 64 << 10
	// maxRedirects bounds same-host redirects within one request, as net/http does.
	maxRedirects = 10
	// maxHostRedirects bounds redirects that move a target to another host.
	maxHostRedirects = 5
)

// Gate is the admission control the fetcher depends on.
type Gate interface {
	Allowed(ctx context.Context, rawURL string) bool
	Acquire(ctx context.Context, domain string) (*gate.Permit, error)
	Respect(domain string, retryAfter time.Duration) time.Duration
	Failure(domain string) int
	Success(domain string)
}

// Config controls request behavior.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	MaxRetries     int
	// MaxBytes caps downloaded and local payloads. Zero or less disables the cap.
	MaxBytes int64
	Backoff  BackoffConfig
}

// Handler consumes one finished fetch. Returning an error aborts the batch.
type Handler func(ctx context.Context, result crawler.FetchResult) error

// Fetcher retrieves feeds, pages and local files.
type Fetcher struct {
	cfg       Config
	client    *http.Client
	gate      Gate
	scheduler Scheduler
	backoff   *Backoff
	clock     crawler.Clock
	logger    *zap.Logger
}

// New builds a Fetcher. A nil client gets a pooled transport; a nil scheduler
// runs sequentially. Unless the client sets its own CheckRedirect, redirects to
// another host go back through the gate as a new request for that host.
func New(cfg Config, client *http.Client, g Gate, scheduler Scheduler, clock crawler.Clock, logger *zap.Logger) *Fetcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if client == nil {
		client = &http.Client{Transport: newHTTPTransport()}
	}
	if client.CheckRedirect == nil {
		c := *client
		c.CheckRedirect = checkRedirect
		client = &c
	}
	if scheduler == nil {
		scheduler = SequentialScheduler{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:       cfg,
		client:    client,
		gate:      g,
		scheduler: scheduler,
		backoff:   NewBackoff(cfg.Backoff),
		clock:     clock,
		logger:    logger,
	}
}

// WithBackoff replaces the retry delay policy.
func (f *Fetcher) WithBackoff(b *Backoff) *Fetcher {
	f.backoff = b
	return f
}

// FetchAll fetches every target and returns the results keyed by URI.
func (f *Fetcher) FetchAll(ctx context.Context, targets []crawler.FetchTarget) map[string]crawler.FetchResult {
	results := make([]crawler.FetchResult, len(targets))
	_ = f.scheduler.Run(ctx, len(targets), func(ctx context.Context, i int) error {
		results[i] = f.Fetch(ctx, targets[i])
		return nil
	})
	out := make(map[string]crawler.FetchResult, len(targets))
	for _, res := range results {
		out[res.Target.URI] = res
	}
	return out
}

// Each fetches every target and hands each result to handle as soon as it is ready.
// Per-target failures are delivered as results; only handler errors abort the batch.
func (f *Fetcher) Each(ctx context.Context, targets []crawler.FetchTarget, handle Handler) error {
	err := f.scheduler.Run(ctx, len(targets), func(ctx context.Context, i int) error {
		return handle(ctx, f.Fetch(ctx, targets[i]))
	})
	if err != nil {
		return fmt.Errorf("fetch targets: %w", err)
	}
	return nil
}

// Fetch retrieves a single target.
func (f *Fetcher) Fetch(ctx context.Context, target crawler.FetchTarget) crawler.FetchResult {
	var result crawler.FetchResult
	if target.Kind == crawler.KindLocal {
		result = f.fetchLocal(ctx, target)
	} else {
		result = f.fetchRemote(ctx, target)
	}
	outcome := "success"
	if result.Err != nil {
		outcome = string(result.Failure())
	}
	metrics.ObserveFetch(target.URI, outcome, len(result.Document.Content))
	return result
}

type attemptOutcome struct {
	doc        crawler.RawDocument
	kind       crawler.FailureKind
	status     int
	retryAfter time.Duration
	retryable  bool
	redirect   string
	err        error
}

// hostRedirect stops the client at a redirect that leaves the current host.
type hostRedirect struct {
	location string
}

func (r *hostRedirect) Error() string {
	return "redirect to another host: " + r.location
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if !strings.EqualFold(req.URL.Host, via[0].URL.Host) {
		return &hostRedirect{location: req.URL.String()}
	}
	return nil
}

func (f *Fetcher) fetchRemote(ctx context.Context, target crawler.FetchTarget) crawler.FetchResult {
	result := crawler.FetchResult{Target: target}
	if err := ctx.Err(); err != nil {
		result.Err = canceled(target, 0, err)
		return result
	}
	domain, err := crawler.DomainOf(target.URI)
	if err != nil {
		result.Err = &crawler.FetchError{Kind: crawler.FailureNetwork, URL: target.URI, Err: err}
		return result
	}
	if !f.gate.Allowed(ctx, target.URI) {
		f.logger.Info("target excluded by crawl policy", zap.String("target", target.Name), zap.String("url", target.URI))
		result.Err = &crawler.FetchError{Kind: crawler.FailureDisallowed, URL: target.URI, Err: crawler.ErrDisallowed}
		return result
	}

	rawURL := target.URI
	hops := 0
	for attempt := 0; ; attempt++ {
		result.Attempts++
		permit, err := f.gate.Acquire(ctx, domain)
		if err != nil {
			result.Err = canceled(target, result.Attempts, err)
			return result
		}
		out := f.attempt(ctx, target, rawURL)
		permit.Release()

		if out.redirect != "" {
			f.gate.Success(domain)
			hops++
			next, err := crawler.DomainOf(out.redirect)
			switch {
			case hops > maxHostRedirects:
				result.Err = &crawler.FetchError{
					Kind:     crawler.FailureHTTP,
					URL:      target.URI,
					Attempts: result.Attempts,
					Err:      fmt.Errorf("more than %d cross-host redirects", maxHostRedirects),
				}
				return result
			case err != nil:
				result.Err = &crawler.FetchError{Kind: crawler.FailureNetwork, URL: target.URI, Attempts: result.Attempts, Err: err}
				return result
			case !f.gate.Allowed(ctx, out.redirect):
				f.logger.Info("redirect excluded by crawl policy",
					zap.String("target", target.Name),
					zap.String("from", rawURL),
					zap.String("to", out.redirect),
				)
				result.Err = &crawler.FetchError{
					Kind:     crawler.FailureDisallowed,
					URL:      out.redirect,
					Attempts: result.Attempts,
					Err:      fmt.Errorf("redirect from %s: %w", rawURL, crawler.ErrDisallowed),
				}
				return result
			}
			f.logger.Debug("following redirect to another host", zap.String("target", target.Name), zap.String("to", out.redirect))
			rawURL, domain = out.redirect, next
			// The new host gets its own retry budget.
			attempt = -1
			continue
		}
		if out.err == nil {
			f.gate.Success(domain)
			result.Document = out.doc
			return result
		}
		if ctx.Err() != nil {
			result.Err = canceled(target, result.Attempts, ctx.Err())
			return result
		}
		f.gate.Failure(domain)
		if out.retryAfter > 0 {
			f.gate.Respect(domain, out.retryAfter)
		}
		if !out.retryable || attempt >= f.cfg.MaxRetries {
			result.Err = &crawler.FetchError{
				Kind:     out.kind,
				URL:      target.URI,
				Status:   out.status,
				Attempts: result.Attempts,
				Err:      out.err,
			}
			return result
		}

		delay := f.backoff.Delay(attempt)
		metrics.ObserveRetry(target.URI, string(out.kind))
		f.logger.Debug("retrying target",
			zap.String("target", target.Name),
			zap.Int("attempt", result.Attempts),
			zap.Int("status", out.status),
			zap.Duration("backoff", delay),
			zap.Duration("retry_after", out.retryAfter),
			zap.Error(out.err),
		)
		if err := f.clock.Sleep(ctx, delay); err != nil {
			result.Err = canceled(target, result.Attempts, err)
			return result
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, target crawler.FetchTarget, rawURL string) attemptOutcome {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return attemptOutcome{kind: crawler.FailureNetwork, err: fmt.Errorf("new request: %w", err)}
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	req.Header.Set("Accept", acceptHeader(target.Kind))

	metrics.IncFetchesInFlight()
	defer metrics.DecFetchesInFlight()
	resp, err := f.client.Do(req)
	var redirect *hostRedirect
	if errors.As(err, &redirect) {
		return attemptOutcome{redirect: redirect.location}
	}
	if err != nil {
		return attemptOutcome{kind: crawler.FailureNetwork, retryable: true, err: fmt.Errorf("do request: %w", err)}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("Failed to close response body", zap.Error(cerr))
		}
	}()

	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		f.drain(resp.Body)
		return attemptOutcome{
			kind:       crawler.FailureRateLimited,
			status:     status,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), f.clock.Now()),
			retryable:  true,
			err:        fmt.Errorf("server backpressure: %s", resp.Status),
		}
	case status < 200 || status >= 300:
		f.drain(resp.Body)
		return attemptOutcome{kind: crawler.FailureHTTP, status: status, err: fmt.Errorf("unexpected status: %s", resp.Status)}
	}

	if f.cfg.MaxBytes > 0 && resp.ContentLength > f.cfg.MaxBytes {
		return attemptOutcome{
			kind:   crawler.FailureSizeExceeded,
			status: status,
			err:    fmt.Errorf("content length %d: %w", resp.ContentLength, crawler.ErrSizeExceeded),
		}
	}
	body, err := readCapped(resp.Body, f.cfg.MaxBytes)
	if err != nil {
		if errors.Is(err, crawler.ErrSizeExceeded) {
			return attemptOutcome{kind: crawler.FailureSizeExceeded, status: status, err: err}
		}
		return attemptOutcome{kind: crawler.FailureNetwork, status: status, retryable: true, err: err}
	}

	contentType := resp.Header.Get("Content-Type")
	if target.Kind == crawler.KindPage {
		body = toUTF8(body, contentType)
	}
	return attemptOutcome{
		doc: crawler.RawDocument{
			Target:      target,
			FinalURL:    resp.Request.URL.String(),
			Content:     body,
			FetchedAt:   f.clock.Now(),
			HTTPStatus:  status,
			ContentType: contentType,
		},
	}
}

func (f *Fetcher) drain(body io.Reader) {
	if _, err := io.Copy(io.Discard, io.LimitReader(body, drainLimit)); err != nil {
		f.logger.Debug("Failed to drain response body", zap.Error(err))
	}
}

// readCapped reads at most limit bytes and fails with ErrSizeExceeded as soon
// as one more byte is available.
func readCapped(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("read body over %d bytes: %w", limit, crawler.ErrSizeExceeded)
	}
	return data, nil
}

func toUTF8(body []byte, contentType string) []byte {
	reader, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return body
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return body
	}
	return decoded
}

func acceptHeader(kind crawler.TargetKind) string {
	if kind == crawler.KindFeed {
		return "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8"
	}
	return "text/html, application/xhtml+xml, */*;q=0.8"
}

func canceled(target crawler.FetchTarget, attempts int, err error) error {
	return &crawler.FetchError{Kind: crawler.FailureCanceled, URL: target.URI, Attempts: attempts, Err: err}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
