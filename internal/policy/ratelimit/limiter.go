// Package ratelimit implements per-domain token buckets, concurrency slots and
// server-asserted backpressure.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/local-radar/internal/crawler"
	"github.com/JakeFAU/local-radar/internal/metrics"
)

// DefaultRetryAfterCap bounds how long a server may push a domain back.
const DefaultRetryAfterCap = 300 * time.Second

// Config holds rate limiter configuration.
type Config struct {
	// RatePerMinute is the refill rate of each domain bucket. Zero or less disables rate limiting.
	RatePerMinute float64
	// Capacity caps the bucket. Zero defaults to the per-minute rate.
	Capacity int
	// PerDomainMax bounds in-flight requests per domain. Zero or less means unbounded.
	PerDomainMax int
	// RetryAfterCap bounds Respect delays. Zero uses DefaultRetryAfterCap.
	RetryAfterCap time.Duration
}

// DomainState is the politeness state of one domain. It is created lazily and
// lives for the lifetime of the Limiter.
type DomainState struct {
	Domain string

	limiter *rate.Limiter
	slots   *semaphore.Weighted

	mu         sync.Mutex
	notBefore  time.Time
	retryDelay time.Duration
	attempts   int
}

// Snapshot is a point-in-time view of a DomainState.
type Snapshot struct {
	Domain     string
	Tokens     float64
	NotBefore  time.Time
	RetryDelay time.Duration
	Attempts   int
}

// Limiter manages per-domain rate limits.
type Limiter struct {
	mu     sync.Mutex
	states map[string]*DomainState

	limit         rate.Limit
	burst         int
	perDomainMax  int64
	retryAfterCap time.Duration
	clock         crawler.Clock
}

// New creates a new Limiter.
func New(cfg Config, clock crawler.Clock) *Limiter {
	limit := rate.Inf
	burst := cfg.Capacity
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(cfg.RatePerMinute / 60)
		if burst <= 0 {
			burst = int(math.Ceil(cfg.RatePerMinute))
		}
	}
	if burst <= 0 {
		burst = 1
	}
	retryCap := cfg.RetryAfterCap
	if retryCap <= 0 {
		retryCap = DefaultRetryAfterCap
	}
	return &Limiter{
		states:        make(map[string]*DomainState),
		limit:         limit,
		burst:         burst,
		perDomainMax:  int64(cfg.PerDomainMax),
		retryAfterCap: retryCap,
		clock:         clock,
	}
}

// State returns the state for domain, creating it on first use.
func (l *Limiter) State(domain string) *DomainState {
	key := strings.ToLower(domain)
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[key]
	if !ok {
		st = &DomainState{
			Domain:  key,
			limiter: rate.NewLimiter(l.limit, l.burst),
		}
		if l.perDomainMax > 0 {
			st.slots = semaphore.NewWeighted(l.perDomainMax)
		}
		l.states[key] = st
	}
	return st
}

// AcquireSlot blocks until the domain has fewer than PerDomainMax requests in flight.
// The returned func releases the slot.
func (l *Limiter) AcquireSlot(ctx context.Context, domain string) (func(), error) {
	st := l.State(domain)
	if st.slots == nil {
		return func() {}, nil
	}
	if err := st.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire domain slot %s: %w", st.Domain, err)
	}
	var once sync.Once
	return func() { once.Do(func() { st.slots.Release(1) }) }, nil
}

// WaitToken blocks until the domain bucket yields a token and any Retry-After
// window has passed. It returns the time spent waiting.
func (l *Limiter) WaitToken(ctx context.Context, domain string) (time.Duration, error) {
	st := l.State(domain)
	now := l.clock.Now()
	reservation := st.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return 0, fmt.Errorf("reserve token for %s: bucket capacity exhausted", st.Domain)
	}
	delay := reservation.DelayFrom(now)
	if pushback := st.pushback(now); pushback > delay {
		delay = pushback
	}
	if delay <= 0 {
		return 0, nil
	}
	if err := l.clock.Sleep(ctx, delay); err != nil {
		reservation.CancelAt(l.clock.Now())
		return 0, fmt.Errorf("wait for %s: %w", st.Domain, err)
	}
	metrics.ObserveRateLimitDelay(st.Domain, delay)
	return delay, nil
}

// Respect forces the next token for domain to wait at least retryAfter,
// capped at the configured maximum. It returns the applied delay.
func (l *Limiter) Respect(domain string, retryAfter time.Duration) time.Duration {
	if retryAfter <= 0 {
		return 0
	}
	if retryAfter > l.retryAfterCap {
		retryAfter = l.retryAfterCap
	}
	st := l.State(domain)
	until := l.clock.Now().Add(retryAfter)
	st.mu.Lock()
	defer st.mu.Unlock()
	if until.After(st.notBefore) {
		st.notBefore = until
	}
	st.retryDelay = retryAfter
	return retryAfter
}

// Failure increments the domain's consecutive failure counter and returns it.
func (l *Limiter) Failure(domain string) int {
	st := l.State(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.attempts++
	return st.attempts
}

// Success resets the domain's attempt counter and retry delay.
func (l *Limiter) Success(domain string) {
	st := l.State(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.attempts = 0
	st.retryDelay = 0
}

// Snapshot returns the current state of domain, if it has been observed.
func (l *Limiter) Snapshot(domain string) (Snapshot, bool) {
	key := strings.ToLower(domain)
	l.mu.Lock()
	st, ok := l.states[key]
	l.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return Snapshot{
		Domain:     st.Domain,
		Tokens:     st.limiter.TokensAt(l.clock.Now()),
		NotBefore:  st.notBefore,
		RetryDelay: st.retryDelay,
		Attempts:   st.attempts,
	}, true
}

func (s *DomainState) pushback(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notBefore.After(now) {
		return s.notBefore.Sub(now)
	}
	return 0
}
