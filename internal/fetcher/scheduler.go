package fetcher

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Scheduling modes accepted in configuration.
const (
	ModePool       = "pool"
	ModeSequential = "sequential"
)

// Scheduler runs n indexed tasks. A task error cancels the context seen by the
// remaining tasks and is returned once every task has finished. Both
// implementations give each task the same inputs; only interleaving differs.
type Scheduler interface {
	Run(ctx context.Context, n int, task func(ctx context.Context, i int) error) error
}

// NewScheduler selects the scheduling strategy once, at construction time.
func NewScheduler(mode string, workers int) (Scheduler, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModePool:
		return NewPoolScheduler(workers), nil
	case ModeSequential:
		return SequentialScheduler{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduling mode %q", mode)
	}
}

// PoolScheduler runs tasks on a bounded goroutine pool.
type PoolScheduler struct {
	workers int
}

// NewPoolScheduler bounds the pool at workers goroutines (at least one).
func NewPoolScheduler(workers int) *PoolScheduler {
	if workers <= 0 {
		workers = 1
	}
	return &PoolScheduler{workers: workers}
}

// Run implements Scheduler.
func (p *PoolScheduler) Run(ctx context.Context, n int, task func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return task(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("run pool: %w", err)
	}
	return nil
}

// SequentialScheduler runs tasks one at a time on the calling goroutine.
type SequentialScheduler struct{}

// Run implements Scheduler.
func (SequentialScheduler) Run(ctx context.Context, n int, task func(ctx context.Context, i int) error) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var firstErr error
	for i := 0; i < n; i++ {
		if err := task(sctx, i); err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	if firstErr != nil {
		return fmt.Errorf("run sequential: %w", firstErr)
	}
	return nil
}
