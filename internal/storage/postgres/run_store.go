package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/local-radar/internal/crawler"
)

// DefaultRunsTable holds the run registry.
const DefaultRunsTable = "radar_runs"

type queryExecCloser interface {
	execCloser
	QueryRow(context.Context, string, ...any) pgx.Row
}

// RunStore implements crawler.RunStore on Postgres so run status survives restarts.
type RunStore struct {
	pool  queryExecCloser
	table string
}

// NewRunStoreWithPool constructs a RunStore on an existing pool.
func NewRunStoreWithPool(pool queryExecCloser, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, DefaultRunsTable)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, table: name}, nil
}

// EnsureSchema creates the runs table if it does not exist.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          TEXT        PRIMARY KEY,
	status      TEXT        NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	report      JSONB
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// CreateRun inserts a run in its initial state.
func (s *RunStore) CreateRun(ctx context.Context, run crawler.Run) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, status, started_at) VALUES ($1, $2, $3)`, s.table)
	if _, err := s.pool.Exec(ctx, query, run.ID, string(run.Status), run.Started); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun records the terminal status and report of a run.
func (s *RunStore) FinishRun(
	ctx context.Context,
	runID string,
	status crawler.RunStatus,
	finished time.Time,
	report crawler.RunReport,
) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, finished_at = $2, report = $3
WHERE id = $4`, s.table)
	tag, err := s.pool.Exec(ctx, query, string(status), finished, payload, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: %w", runID, crawler.ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (crawler.Run, error) {
	query := fmt.Sprintf(`
SELECT id, status, started_at, finished_at, report
FROM %s
WHERE id = $1`, s.table)
	var (
		run      crawler.Run
		status   string
		finished *time.Time
		report   []byte
	)
	err := s.pool.QueryRow(ctx, query, runID).Scan(&run.ID, &status, &run.Started, &finished, &report)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Run{}, fmt.Errorf("get run %s: %w", runID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Run{}, fmt.Errorf("get run: %w", err)
	}
	run.Status = crawler.RunStatus(status)
	run.Finished = finished
	if len(report) > 0 {
		var r crawler.RunReport
		if err := json.Unmarshal(report, &r); err != nil {
			return crawler.Run{}, fmt.Errorf("decode run report: %w", err)
		}
		run.Report = &r
	}
	return run, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
