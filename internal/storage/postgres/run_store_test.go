package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/local-radar/internal/crawler"
)

func newRunStore(t *testing.T) (*RunStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewRunStoreWithPool(mock, "")
	require.NoError(t, err)
	return store, mock
}

// TestRunStoreCreateAndFinish writes the run lifecycle.
func TestRunStoreCreateAndFinish(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)

	mock.ExpectExec("INSERT INTO radar_runs").
		WithArgs("run-1", "running", started).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE radar_runs").
		WithArgs("succeeded", finished, pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, crawler.Run{ID: "run-1", Status: crawler.RunStatusRunning, Started: started}))
	require.NoError(t, store.FinishRun(ctx, "run-1", crawler.RunStatusSucceeded, finished, crawler.RunReport{RunID: "run-1"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRunStoreFinishUnknownRun maps zero affected rows to ErrNotFound.
func TestRunStoreFinishUnknownRun(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)
	mock.ExpectExec("UPDATE radar_runs").
		WithArgs("failed", pgxmock.AnyArg(), pgxmock.AnyArg(), "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.FinishRun(context.Background(), "ghost", crawler.RunStatusFailed, time.Now(), crawler.RunReport{})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRunStoreGetRun decodes the stored report.
func TestRunStoreGetRun(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)

	rows := pgxmock.NewRows([]string{"id", "status", "started_at", "finished_at", "report"}).
		AddRow("run-1", "succeeded", started, &finished, []byte(`{"run_id":"run-1","fetched":4}`))
	mock.ExpectQuery("SELECT id, status, started_at, finished_at, report").
		WithArgs("run-1").
		WillReturnRows(rows)

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusSucceeded, run.Status)
	assert.Equal(t, started, run.Started)
	require.NotNil(t, run.Finished)
	assert.Equal(t, finished, *run.Finished)
	require.NotNil(t, run.Report)
	assert.Equal(t, 4, run.Report.Fetched)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRunStoreGetMissingRun maps no rows to ErrNotFound.
func TestRunStoreGetMissingRun(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)
	mock.ExpectQuery("SELECT id").WithArgs("ghost").WillReturnError(pgx.ErrNoRows)

	_, err := store.GetRun(context.Background(), "ghost")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRunStoreEnsureSchema creates the runs table.
func TestRunStoreEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS radar_runs").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
