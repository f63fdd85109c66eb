package boilerplate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/local-radar/internal/clock/fake"
	"github.com/JakeFAU/local-radar/internal/crawler"
)

const navBlock = "Home | About | Contact | Newsletter\nCopyright 2024 Example County"

func newFilter(cfg Config, history History) *Filter {
	return New(cfg, history, fake.NewFrozen(time.Unix(1714560000, 0)), nil)
}

func pageText(i int) string {
	return fmt.Sprintf("  %s  \n\nAgenda item %d: the planning board will review zoning changes.\n\nOK", navBlock, i)
}

// TestApplyConvergesOnRecurringBlock removes a block seen in every run starting at its 9th occurrence.
func TestApplyConvergesOnRecurringBlock(t *testing.T) {
	t.Parallel()

	f := newFilter(Config{HistoryWindow: 30, FrequencyThreshold: 0.85, MinBlockChars: 40, MinHistory: 8}, NewMemoryHistory())
	ctx := context.Background()

	for run := 1; run <= 8; run++ {
		res, err := f.Apply(ctx, "county", pageText(run))
		require.NoError(t, err)
		assert.Zero(t, res.Removed, "run %d", run)
		assert.Equal(t, 3, res.Total)
		assert.Contains(t, res.Text, "Home | About")
	}

	res, err := f.Apply(ctx, "county", pageText(9))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Kept)
	assert.Equal(t, "Agenda item 9: the planning board will review zoning changes.\n\nOK", res.Text)
}

// TestApplyKeepsShortBlocks never classifies blocks below MinBlockChars.
func TestApplyKeepsShortBlocks(t *testing.T) {
	t.Parallel()

	f := newFilter(Config{MinBlockChars: 40, MinHistory: 0}, NewMemoryHistory())
	for i := 0; i < 5; i++ {
		res, err := f.Apply(context.Background(), "short", "Menu\n\nSearch")
		require.NoError(t, err)
		assert.Equal(t, "Menu\n\nSearch", res.Text)
		assert.Zero(t, res.Removed)
	}
}

// TestApplyWithoutWarmup removes a block once it meets the threshold.
func TestApplyWithoutWarmup(t *testing.T) {
	t.Parallel()

	history := NewMemoryHistory()
	f := newFilter(Config{MinHistory: 0, MinBlockChars: 10}, history)
	ctx := context.Background()

	res, err := f.Apply(ctx, "src", "Subscribe to our newsletter\n\nFirst story body")
	require.NoError(t, err)
	assert.Zero(t, res.Removed)

	res, err = f.Apply(ctx, "src", "subscribe to our NEWSLETTER\n\nSecond story body")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, "Second story body", res.Text)

	entries, err := history.Load(ctx, "src", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1714560000), entries[0].Timestamp)
	assert.Len(t, entries[1].BlockHashes, 2)
}

// TestApplyRespectsWindow ignores entries older than the history window.
func TestApplyRespectsWindow(t *testing.T) {
	t.Parallel()

	history := NewMemoryHistory()
	ctx := context.Background()
	old := BlockHash("Old banner that used to be everywhere")
	for i := 0; i < 3; i++ {
		require.NoError(t, history.Append(ctx, "src", HistoryEntry{BlockHashes: []string{old}}))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, history.Append(ctx, "src", HistoryEntry{BlockHashes: []string{"other"}}))
	}

	f := newFilter(Config{HistoryWindow: 3, MinHistory: 0, MinBlockChars: 10}, history)
	res, err := f.Apply(ctx, "src", "Old banner that used to be everywhere")
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
}

// TestBlockHashIgnoresCaseAndPadding normalizes before hashing.
func TestBlockHashIgnoresCaseAndPadding(t *testing.T) {
	t.Parallel()

	assert.Equal(t, BlockHash("Hello World"), BlockHash("  hello world \n"))
	assert.Len(t, BlockHash("x"), 16)
	assert.NotEqual(t, BlockHash("a"), BlockHash("b"))
}

// TestFileHistoryRoundTrip persists entries per source and skips corrupt lines.
func TestFileHistoryRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	h := NewFileHistory(filepath.Join(dir, "boilerplate"), nil)
	ctx := context.Background()

	entries, err := h.Load(ctx, "City Hall / News", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	for i := 1; i <= 4; i++ {
		require.NoError(t, h.Append(ctx, "City Hall / News", HistoryEntry{Timestamp: int64(i), BlockHashes: []string{"h"}}))
	}

	path := filepath.Join(dir, "boilerplate", crawler.SanitizeName("City Hall / News")+".jsonl")
	assert.True(t, strings.HasPrefix(filepath.Base(path), "City_Hall_News_"))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, h.Append(ctx, "City Hall / News", HistoryEntry{Timestamp: 5}))

	entries, err = h.Load(ctx, "City Hall / News", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{entries[0].Timestamp, entries[1].Timestamp, entries[2].Timestamp})

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"block_hashes":["h"]`)
	assert.Contains(t, string(raw), `"ts":1`)
	assert.Equal(t, 7, strings.Count(string(raw), "\n"))
}

// TestFilterWithFileHistory survives a restart by reading the persisted history.
func TestFilterWithFileHistory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := Config{MinHistory: 2, MinBlockChars: 10}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := newFilter(cfg, NewFileHistory(dir, nil)).Apply(ctx, "src", fmt.Sprintf("Site navigation footer\n\nstory %d", i))
		require.NoError(t, err)
	}
	res, err := newFilter(cfg, NewFileHistory(dir, nil)).Apply(ctx, "src", "Site navigation footer\n\nstory 3")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, "story 3", res.Text)
}
