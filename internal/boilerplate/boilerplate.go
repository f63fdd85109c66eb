// Package boilerplate removes recurring template blocks (navigation, footers,
// cookie banners) from a source's text using a rolling block-frequency model.
package boilerplate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/local-radar/internal/crawler"
	"github.com/JakeFAU/local-radar/internal/hash/sha256"
	"github.com/JakeFAU/local-radar/internal/metrics"
)

// Defaults for Config fields left at zero.
const (
	DefaultHistoryWindow      = 30
	DefaultFrequencyThreshold = 0.85
	DefaultMinBlockChars      = 40
	DefaultMinHistory         = 8
)

// Config tunes the frequency model. Zero HistoryWindow and FrequencyThreshold
// take the defaults, as do negative MinBlockChars and MinHistory.
type Config struct {
	// HistoryWindow is the number of most recent entries consulted.
	HistoryWindow int
	// FrequencyThreshold is the share of entries a block must appear in to be removed.
	FrequencyThreshold float64
	// MinBlockChars is the size below which blocks are kept without classification.
	MinBlockChars int
	// MinHistory is the number of entries required before anything is removed.
	MinHistory int
}

// HistoryEntry records the block hashes observed for a source in one run.
type HistoryEntry struct {
	Timestamp   int64    `json:"ts"`
	BlockHashes []string `json:"block_hashes"`
}

// History persists per-source entries.
type History interface {
	// Load returns at most limit of the most recent entries, oldest first.
	Load(ctx context.Context, source string, limit int) ([]HistoryEntry, error)
	Append(ctx context.Context, source string, entry HistoryEntry) error
}

// Result describes one filtering pass.
type Result struct {
	Text    string
	Removed int
	Total   int
	Kept    int
}

// Filter applies the frequency model.
type Filter struct {
	cfg     Config
	history History
	clock   crawler.Clock
	logger  *zap.Logger
}

// New builds a Filter.
func New(cfg Config, history History, clock crawler.Clock, logger *zap.Logger) *Filter {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.FrequencyThreshold <= 0 || cfg.FrequencyThreshold > 1 {
		cfg.FrequencyThreshold = DefaultFrequencyThreshold
	}
	if cfg.MinBlockChars < 0 {
		cfg.MinBlockChars = DefaultMinBlockChars
	}
	if cfg.MinHistory < 0 {
		cfg.MinHistory = DefaultMinHistory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{cfg: cfg, history: history, clock: clock, logger: logger}
}

type block struct {
	text string
	hash string
}

// Apply removes frequent blocks from text and records this run's blocks in
// the source's history. History read and write failures are logged and do
// not fail the pass.
func (f *Filter) Apply(ctx context.Context, source, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("apply boilerplate filter: %w", err)
	}
	blocks := f.split(text)

	history, err := f.history.Load(ctx, source, f.cfg.HistoryWindow)
	if err != nil {
		f.logger.Warn("Failed to load boilerplate history", zap.String("source", source), zap.Error(err))
		history = nil
	}
	frequent := f.frequent(history)

	kept := make([]string, 0, len(blocks))
	hashes := make([]string, 0, len(blocks))
	seen := make(map[string]struct{}, len(blocks))
	removed := 0
	for _, b := range blocks {
		if b.hash == "" {
			kept = append(kept, b.text)
			continue
		}
		if _, ok := seen[b.hash]; !ok {
			seen[b.hash] = struct{}{}
			hashes = append(hashes, b.hash)
		}
		if _, ok := frequent[b.hash]; ok {
			removed++
			continue
		}
		kept = append(kept, b.text)
	}

	entry := HistoryEntry{Timestamp: f.clock.Now().Unix(), BlockHashes: hashes}
	if err := f.history.Append(ctx, source, entry); err != nil {
		f.logger.Warn("Failed to record boilerplate history", zap.String("source", source), zap.Error(err))
	}
	if removed > 0 {
		metrics.AddBoilerplateRemoved(removed)
		f.logger.Debug("removed boilerplate blocks", zap.String("source", source), zap.Int("removed", removed))
	}
	return Result{
		Text:    strings.Join(kept, "\n\n"),
		Removed: removed,
		Total:   len(blocks),
		Kept:    len(kept),
	}, nil
}

// split breaks text into blank-line separated blocks of trimmed lines. Blocks
// shorter than MinBlockChars get no hash.
func (f *Filter) split(text string) []block {
	var (
		blocks  []block
		current []string
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		b := block{text: strings.Join(current, "\n")}
		if len(b.text) >= f.cfg.MinBlockChars {
			b.hash = BlockHash(b.text)
		}
		blocks = append(blocks, b)
		current = current[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return blocks
}

func (f *Filter) frequent(history []HistoryEntry) map[string]struct{} {
	if len(history) == 0 || len(history) < f.cfg.MinHistory {
		return nil
	}
	counts := make(map[string]int)
	for _, entry := range history {
		unique := make(map[string]struct{}, len(entry.BlockHashes))
		for _, h := range entry.BlockHashes {
			unique[h] = struct{}{}
		}
		for h := range unique {
			counts[h]++
		}
	}
	total := float64(len(history))
	out := make(map[string]struct{})
	for h, n := range counts {
		if float64(n)/total >= f.cfg.FrequencyThreshold {
			out[h] = struct{}{}
		}
	}
	return out
}

// BlockHash is the 16 hex character digest of a block's trimmed, lowercased text.
func BlockHash(text string) string {
	return sha256.Sum([]byte(strings.ToLower(strings.TrimSpace(text))), sha256.ShortLen)
}
