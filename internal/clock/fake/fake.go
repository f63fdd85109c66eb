// Package fake provides a deterministic clock for tests.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Clock implements crawler.Clock without real timers. Sleep records the
// requested duration and, unless frozen, advances the clock by it.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	frozen bool
	sleeps []time.Duration
}

// New returns a clock starting at now that advances on Sleep.
func New(now time.Time) *Clock {
	return &Clock{now: now.UTC()}
}

// NewFrozen returns a clock that never advances on its own.
func NewFrozen(now time.Time) *Clock {
	return &Clock{now: now.UTC(), frozen: true}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep records d and returns immediately, failing only when ctx is done.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sleep: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if !c.frozen && d > 0 {
		c.now = c.now.Add(d)
	}
	return nil
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleeps returns the durations passed to Sleep so far.
func (c *Clock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}
