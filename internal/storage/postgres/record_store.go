// Package postgres mirrors changed snapshot records into Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/local-radar/internal/crawler"
)

// DefaultTable receives mirrored records when no table is configured.
const DefaultTable = "snapshot_records"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RecordStoreConfig controls the Postgres connection pool used for mirrored records.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RecordStore writes snapshot records into Postgres.
type RecordStore struct {
	pool  execCloser
	table string
}

// Connect opens a connection pool shared by the record and run stores.
func Connect(ctx context.Context, cfg RecordStoreConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sinks.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	table, err := tableName(cfg.Table, DefaultTable)
	if err != nil {
		return nil, err
	}
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool execCloser, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, DefaultTable)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: name}, nil
}

func tableName(table, fallback string) (string, error) {
	if table == "" {
		table = fallback
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the mirror table if it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	name        TEXT        NOT NULL,
	hash        TEXT        NOT NULL,
	run_id      TEXT        NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	kind        TEXT        NOT NULL,
	tags        JSONB       NOT NULL,
	metadata    JSONB       NOT NULL,
	content     TEXT        NOT NULL,
	diff        TEXT        NOT NULL,
	PRIMARY KEY (name, hash, recorded_at)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// StoreRecord inserts one changed record. Replays of the same record are ignored.
func (s *RecordStore) StoreRecord(ctx context.Context, runID string, record crawler.SnapshotRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("record store is not configured")
	}
	if record.Name == "" || record.Hash == "" {
		return fmt.Errorf("record name and hash are required")
	}
	recordedAt, err := time.Parse(time.RFC3339Nano, record.Timestamp)
	if err != nil {
		return fmt.Errorf("parse record timestamp: %w", err)
	}
	tags := record.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	metadata := record.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	name,
	hash,
	run_id,
	recorded_at,
	kind,
	tags,
	metadata,
	content,
	diff
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
) ON CONFLICT DO NOTHING`, s.table)

	args := []any{
		record.Name,
		record.Hash,
		runID,
		recordedAt,
		string(record.Type),
		tagsJSON,
		metadataJSON,
		record.Content,
		record.Diff,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}
