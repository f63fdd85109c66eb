package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/local-radar/internal/crawler"
)

// RunStore tracks pipeline runs in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]crawler.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]crawler.Run)}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run crawler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("run already exists")
	}
	s.runs[run.ID] = run
	return nil
}

// FinishRun records the terminal status and report of a run.
func (s *RunStore) FinishRun(
	_ context.Context,
	runID string,
	status crawler.RunStatus,
	finished time.Time,
	report crawler.RunReport,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("finish run %s: %w", runID, crawler.ErrNotFound)
	}
	run.Status = status
	run.Finished = pointerTime(finished)
	run.Report = &report
	s.runs[runID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.Run{}, fmt.Errorf("get run %s: %w", runID, crawler.ErrNotFound)
	}
	return run, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t.UTC()
	return &ts
}
