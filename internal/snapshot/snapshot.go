// Package snapshot maintains the append-only, content-addressed change ledger.
//
// Each normalized unit is hashed; a record is appended only when the hash
// differs from the last record stored under the same name, so consecutive
// records for a name never share a hash. Records carry a unified diff against
// the previous content and a provenance copy is written through a BlobStore.
package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/local-radar/internal/crawler"
	"github.com/JakeFAU/local-radar/internal/hash/sha256"
)

const (
	// IndexFile is the ledger file name under the base directory.
	IndexFile = "snapshots_index.jsonl"
	// ProvenanceDir is the blob prefix for provenance copies.
	ProvenanceDir = "snapshots"
	// DefaultContextLines is the unified diff context.
	DefaultContextLines = 3

	maxLedgerLine = 64 << 20
)

// Config locates the ledger.
type Config struct {
	BaseDir      string
	ContextLines int
}

// Store is the SnapshotStore.
type Store struct {
	cfg    Config
	blobs  crawler.BlobStore
	clock  crawler.Clock
	logger *zap.Logger

	mu     sync.Mutex
	ledger *os.File
	index  map[string]crawler.SnapshotRecord
}

// Open replays the ledger at cfg.BaseDir into a last-record-per-name index and
// opens it for appending. A nil blobs disables provenance copies.
func Open(ctx context.Context, cfg Config, blobs crawler.BlobStore, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("open snapshot store: base directory is required")
	}
	if cfg.ContextLines <= 0 {
		cfg.ContextLines = DefaultContextLines
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base dir: %w: %w", crawler.ErrStorage, err)
	}
	s := &Store{
		cfg:    cfg,
		blobs:  blobs,
		clock:  clock,
		logger: logger,
		index:  make(map[string]crawler.SnapshotRecord),
	}
	err := s.scan(ctx, func(rec crawler.SnapshotRecord) bool {
		s.index[rec.Name] = rec
		return true
	})
	if err != nil {
		return nil, err
	}
	ledger, err := os.OpenFile(s.ledgerPath(), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w: %w", crawler.ErrStorage, err)
	}
	if err := terminateLastLine(ledger); err != nil {
		_ = ledger.Close()
		return nil, fmt.Errorf("repair ledger: %w: %w", crawler.ErrStorage, err)
	}
	s.ledger = ledger
	logger.Info("Snapshot ledger opened",
		zap.String("path", s.ledgerPath()),
		zap.Int("sources", len(s.index)),
	)
	return s, nil
}

func (s *Store) ledgerPath() string {
	return filepath.Join(s.cfg.BaseDir, IndexFile)
}

// terminateLastLine appends a newline when a previous process died mid-write,
// so the next record starts on its own line.
func terminateLastLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("read ledger tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("terminate ledger: %w", err)
	}
	return nil
}

// scan replays the ledger in order, skipping corrupt lines. visit returns
// false to stop early.
func (s *Store) scan(ctx context.Context, visit func(crawler.SnapshotRecord) bool) error {
	file, err := os.Open(s.ledgerPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open ledger: %w: %w", crawler.ErrStorage, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			s.logger.Debug("Failed to close ledger reader", zap.Error(cerr))
		}
	}()

	reader := bufio.NewScanner(file)
	reader.Buffer(make([]byte, 0, 256<<10), maxLedgerLine)
	line := 0
	for reader.Scan() {
		line++
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("replay ledger: %w", err)
			}
		}
		raw := reader.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var rec crawler.SnapshotRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.Name == "" || rec.Hash == "" {
			s.logger.Warn("Skipping corrupt ledger line", zap.Int("line", line), zap.Error(err))
			continue
		}
		if !visit(rec) {
			return nil
		}
	}
	if err := reader.Err(); err != nil {
		return fmt.Errorf("read ledger: %w: %w", crawler.ErrStorage, err)
	}
	return nil
}

// Persist appends a record for every unit whose content changed and returns
// the new records. A ledger failure stops the batch and wraps ErrStorage.
func (s *Store) Persist(ctx context.Context, units []crawler.NormalizedUnit) ([]crawler.SnapshotRecord, error) {
	changed := make([]crawler.SnapshotRecord, 0, len(units))
	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			return changed, fmt.Errorf("persist snapshots: %w", err)
		}
		rec, ok, err := s.persistOne(ctx, unit)
		if err != nil {
			return changed, err
		}
		if ok {
			changed = append(changed, rec)
		}
	}
	return changed, nil
}

func (s *Store) persistOne(ctx context.Context, unit crawler.NormalizedUnit) (crawler.SnapshotRecord, bool, error) {
	hash := sha256.Sum([]byte(unit.Text), sha256.ShortLen)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledger == nil {
		return crawler.SnapshotRecord{}, false, fmt.Errorf("persist %s: %w: store closed", unit.SourceName, crawler.ErrStorage)
	}
	prev, seen := s.index[unit.SourceName]
	if seen && prev.Hash == hash {
		return crawler.SnapshotRecord{}, false, nil
	}

	diff, err := UnifiedDiff(prev.Content, unit.Text, s.cfg.ContextLines)
	if err != nil {
		return crawler.SnapshotRecord{}, false, fmt.Errorf("diff %s: %w", unit.SourceName, err)
	}
	ts := s.clock.Now().UTC().Format(time.RFC3339Nano)
	rec := crawler.SnapshotRecord{
		Name:      unit.SourceName,
		Hash:      hash,
		Timestamp: ts,
		Type:      unit.Kind,
		Tags:      unit.Tags,
		Metadata:  copyMetadata(unit.Metadata),
		Content:   unit.Text,
		Diff:      diff,
		Status:    crawler.RecordStatusChanged,
	}
	if uri := s.writeProvenance(ctx, rec); uri != "" {
		rec.Metadata["provenance"] = uri
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return crawler.SnapshotRecord{}, false, fmt.Errorf("encode record %s: %w", rec.Name, err)
	}
	line = append(line, '\n')
	if _, err := s.ledger.Write(line); err != nil {
		return crawler.SnapshotRecord{}, false, fmt.Errorf("append record %s: %w: %w", rec.Name, crawler.ErrStorage, err)
	}
	if err := s.ledger.Sync(); err != nil {
		return crawler.SnapshotRecord{}, false, fmt.Errorf("sync ledger: %w: %w", crawler.ErrStorage, err)
	}
	s.index[rec.Name] = rec
	return rec, true, nil
}

// ProvenancePath is the blob path of a record's provenance copy.
func ProvenancePath(rec crawler.SnapshotRecord) string {
	stamp := strings.ReplaceAll(rec.Timestamp, ":", "-")
	return path.Join(ProvenanceDir, crawler.SanitizeName(rec.Name), stamp+"_"+rec.Hash+".txt")
}

func (s *Store) writeProvenance(ctx context.Context, rec crawler.SnapshotRecord) string {
	if s.blobs == nil {
		return ""
	}
	uri, err := s.blobs.PutObject(ctx, ProvenancePath(rec), "text/plain; charset=utf-8", strings.NewReader(rec.Content))
	if err != nil {
		s.logger.Warn("Failed to write provenance",
			zap.String("name", rec.Name),
			zap.String("hash", rec.Hash),
			zap.Error(err),
		)
		return ""
	}
	return uri
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Latest returns the last record of every name, sorted by name.
func (s *Store) Latest() []crawler.SnapshotRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.SnapshotRecord, 0, len(s.index))
	for _, rec := range s.index {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the last record stored under name.
func (s *Store) Get(name string) (crawler.SnapshotRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.index[name]
	return rec, ok
}

// History returns every record stored under name, oldest first.
func (s *Store) History(ctx context.Context, name string) ([]crawler.SnapshotRecord, error) {
	if _, ok := s.Get(name); !ok {
		return nil, fmt.Errorf("history %s: %w", name, crawler.ErrNotFound)
	}
	var out []crawler.SnapshotRecord
	err := s.scan(ctx, func(rec crawler.SnapshotRecord) bool {
		if rec.Name == name {
			out = append(out, rec)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close syncs and closes the ledger. Further Persist calls fail with ErrStorage.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledger == nil {
		return nil
	}
	ledger := s.ledger
	s.ledger = nil
	if err := ledger.Sync(); err != nil && !errors.Is(err, os.ErrClosed) {
		_ = ledger.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := ledger.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}
