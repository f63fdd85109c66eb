// Package normalize turns fetched documents into normalized text units.
package normalize

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/JakeFAU/local-radar/internal/crawler"
)

// DefaultMaxFeedEntries caps the units produced from one feed.
const DefaultMaxFeedEntries = 50

// Config controls normalization.
type Config struct {
	MaxFeedEntries int
	// PDF extracts text from local PDF files. Nil disables PDF support.
	PDF PDFExtractor
}

// Normalizer converts RawDocuments into NormalizedUnits.
type Normalizer struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Normalizer.
func New(cfg Config, logger *zap.Logger) *Normalizer {
	if cfg.MaxFeedEntries <= 0 {
		cfg.MaxFeedEntries = DefaultMaxFeedEntries
	}
	if cfg.PDF == nil {
		cfg.PDF = NoopExtractor{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{cfg: cfg, logger: logger}
}

// Normalize dispatches on the target kind. Units with no text are dropped.
func (n *Normalizer) Normalize(ctx context.Context, doc crawler.RawDocument) ([]crawler.NormalizedUnit, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("normalize %s: %w", doc.Target.Name, err)
	}
	switch doc.Target.Kind {
	case crawler.KindFeed:
		return n.normalizeFeed(ctx, doc)
	case crawler.KindPage:
		return n.normalizePage(doc)
	case crawler.KindLocal:
		return n.normalizeLocal(ctx, doc)
	default:
		return nil, fmt.Errorf("normalize %s: unknown kind %q", doc.Target.Name, doc.Target.Kind)
	}
}

func (n *Normalizer) normalizeFeed(ctx context.Context, doc crawler.RawDocument) ([]crawler.NormalizedUnit, error) {
	feed, err := gofeed.NewParser().ParseString(string(doc.Content))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	target := doc.Target
	units := make([]crawler.NormalizedUnit, 0, min(len(feed.Items), n.cfg.MaxFeedEntries))
	seen := make(map[string]struct{}, len(feed.Items))
	for _, item := range feed.Items {
		if len(units) >= n.cfg.MaxFeedEntries {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("normalize feed %s: %w", target.Name, err)
		}
		key := entryKey(item)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		text := entryText(item)
		if text == "" {
			continue
		}
		seen[key] = struct{}{}
		units = append(units, crawler.NormalizedUnit{
			SourceName: target.Name + "::" + key,
			Kind:       crawler.KindFeed,
			Tags:       target.Tags,
			Text:       text,
			Metadata: map[string]string{
				"title":     strings.TrimSpace(item.Title),
				"link":      canonicalURL(item.Link),
				"guid":      item.GUID,
				"published": published(item),
				"source":    target.Name,
			},
		})
	}
	n.logger.Debug("normalized feed",
		zap.String("target", target.Name),
		zap.Int("entries", len(feed.Items)),
		zap.Int("units", len(units)),
	)
	return units, nil
}

func entryKey(item *gofeed.Item) string {
	for _, candidate := range []string{item.GUID, item.Link, item.Title} {
		if c := strings.TrimSpace(candidate); c != "" {
			return c
		}
	}
	return ""
}

// entryText joins title, description and content, skipping repeated parts.
func entryText(item *gofeed.Item) string {
	parts := make([]string, 0, 3)
	for _, raw := range []string{item.Title, item.Description, item.Content} {
		text := FragmentText(raw)
		if text == "" {
			continue
		}
		duplicate := false
		for _, p := range parts {
			if p == text {
				duplicate = true
				break
			}
		}
		if !duplicate {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func published(item *gofeed.Item) string {
	switch {
	case item.PublishedParsed != nil:
		return item.PublishedParsed.UTC().Format(time.RFC3339)
	case item.UpdatedParsed != nil:
		return item.UpdatedParsed.UTC().Format(time.RFC3339)
	case item.Published != "":
		return item.Published
	default:
		return item.Updated
	}
}

func (n *Normalizer) normalizePage(doc crawler.RawDocument) ([]crawler.NormalizedUnit, error) {
	page, err := HTMLToText(bytes.NewReader(doc.Content))
	if err != nil {
		return nil, err
	}
	pageURL := doc.FinalURL
	if pageURL == "" {
		pageURL = doc.Target.URI
	}
	return single(doc.Target, page.Text, map[string]string{"title": page.Title, "url": canonicalURL(pageURL)}), nil
}

// canonicalURL normalizes link metadata, keeping the raw value when it does not parse.
func canonicalURL(raw string) string {
	if raw == "" {
		return ""
	}
	canonical, err := crawler.NormalizeURL(raw)
	if err != nil {
		return raw
	}
	return canonical
}

func (n *Normalizer) normalizeLocal(ctx context.Context, doc crawler.RawDocument) ([]crawler.NormalizedUnit, error) {
	path := doc.FinalURL
	if path == "" {
		path = doc.Target.URI
	}
	meta := map[string]string{"path": path}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		text, err := n.cfg.PDF.Extract(ctx, doc.Content)
		if err != nil {
			return nil, fmt.Errorf("extract pdf %s: %w", path, err)
		}
		return single(doc.Target, PlainText(text), meta), nil
	case ".html", ".htm":
		page, err := HTMLToText(bytes.NewReader(doc.Content))
		if err != nil {
			return nil, err
		}
		meta["title"] = page.Title
		return single(doc.Target, page.Text, meta), nil
	default:
		return single(doc.Target, PlainText(string(doc.Content)), meta), nil
	}
}

func single(target crawler.FetchTarget, text string, meta map[string]string) []crawler.NormalizedUnit {
	if text == "" {
		return nil
	}
	return []crawler.NormalizedUnit{{
		SourceName: target.Name,
		Kind:       target.Kind,
		Tags:       target.Tags,
		Text:       text,
		Metadata:   meta,
	}}
}

// FilterUnits keeps the units whose text satisfies filter and reports how many were dropped.
func FilterUnits(units []crawler.NormalizedUnit, filter crawler.KeywordFilter) ([]crawler.NormalizedUnit, int) {
	if filter.Empty() {
		return units, 0
	}
	kept := make([]crawler.NormalizedUnit, 0, len(units))
	for _, u := range units {
		if filter.Match(u.Text) {
			kept = append(kept, u)
		}
	}
	return kept, len(units) - len(kept)
}
