package boilerplate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/local-radar/internal/crawler"
)

const maxHistoryLine = 4 << 20

// FileHistory stores one JSONL file per source under a directory.
type FileHistory struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFileHistory returns a FileHistory rooted at dir.
func NewFileHistory(dir string, logger *zap.Logger) *FileHistory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileHistory{dir: dir, logger: logger}
}

func (h *FileHistory) path(source string) string {
	return filepath.Join(h.dir, crawler.SanitizeName(source)+".jsonl")
}

// Load implements History. Corrupt lines are skipped.
func (h *FileHistory) Load(ctx context.Context, source string, limit int) ([]HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	path := h.path(source)
	file, err := os.Open(path) // #nosec G304 -- path is derived from a sanitized source name.
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			h.logger.Debug("Failed to close history file", zap.String("path", path), zap.Error(cerr))
		}
	}()

	var entries []HistoryEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64<<10), maxHistoryLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry HistoryEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			h.logger.Debug("Skipping corrupt history line", zap.String("path", path), zap.Int("line", line), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) > limit {
			entries = entries[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("read history: %w", err)
	}
	return entries, nil
}

// Append implements History.
func (h *FileHistory) Append(ctx context.Context, source string, entry HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	payload = append(payload, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := os.MkdirAll(h.dir, 0o750); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	file, err := os.OpenFile(h.path(source), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if _, err := file.Write(payload); err != nil {
		_ = file.Close()
		return fmt.Errorf("write history: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close history: %w", err)
	}
	return nil
}

// MemoryHistory keeps entries in process memory.
type MemoryHistory struct {
	mu      sync.Mutex
	entries map[string][]HistoryEntry
}

// NewMemoryHistory returns an empty MemoryHistory.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{entries: make(map[string][]HistoryEntry)}
}

// Load implements History.
func (m *MemoryHistory) Load(_ context.Context, source string, limit int) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.entries[source]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]HistoryEntry, len(all))
	copy(out, all)
	return out, nil
}

// Append implements History.
func (m *MemoryHistory) Append(_ context.Context, source string, entry HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[source] = append(m.entries[source], entry)
	return nil
}
