package fetcher

import (
	"crypto/rand"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// BackoffConfig parameterizes exponential retry delays.
type BackoffConfig struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	// Jitter is the symmetric fraction applied to each delay, e.g. 0.1 for ±10%.
	Jitter float64
}

// DefaultBackoff is 1s doubling to a 60s cap with ±10% jitter.
var DefaultBackoff = BackoffConfig{
	Base:   time.Second,
	Factor: 2,
	Max:    60 * time.Second,
	Jitter: 0.1,
}

// Backoff computes jittered exponential delays.
type Backoff struct {
	cfg  BackoffConfig
	rand func() float64
}

// NewBackoff builds a Backoff. Unset Base, Factor and Max come from
// DefaultBackoff. A zero Jitter disables jitter; a Jitter outside [0, 1)
// falls back to the default.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBackoff.Base
	}
	if cfg.Factor < 1 {
		cfg.Factor = DefaultBackoff.Factor
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultBackoff.Max
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = DefaultBackoff.Jitter
	}
	return &Backoff{cfg: cfg, rand: randomUnit}
}

// WithRand replaces the jitter source; r must return values in [0, 1).
func (b *Backoff) WithRand(r func() float64) *Backoff {
	b.rand = r
	return b
}

// Delay returns the wait before retry number attempt+1 (attempt counts from 0).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(b.cfg.Base) * math.Pow(b.cfg.Factor, float64(attempt))
	if delay > float64(b.cfg.Max) {
		delay = float64(b.cfg.Max)
	}
	if b.cfg.Jitter > 0 {
		delay *= 1 + b.cfg.Jitter*(2*b.rand()-1)
	}
	return time.Duration(delay)
}

func randomUnit() float64 {
	const precision = 1 << 53
	n, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / precision
}

// parseRetryAfter reads a Retry-After header given as delta seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	if d := when.Sub(now); d > 0 {
		return d
	}
	return 0
}
