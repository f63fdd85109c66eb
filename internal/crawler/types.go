// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// TargetKind identifies how a target is fetched and normalized.
type TargetKind string

// Target kinds accepted in the watchlist.
const (
	KindFeed  TargetKind = "feed"
	KindPage  TargetKind = "page"
	KindLocal TargetKind = "local"
)

// Valid reports whether k is a known target kind.
func (k TargetKind) Valid() bool {
	switch k {
	case KindFeed, KindPage, KindLocal:
		return true
	default:
		return false
	}
}

// KeywordFilter drops units that do not mention the configured terms.
type KeywordFilter struct {
	Any []string `json:"any,omitempty" mapstructure:"any"`
	All []string `json:"all,omitempty" mapstructure:"all"`
}

// Empty reports whether the filter has no terms.
func (f KeywordFilter) Empty() bool {
	return len(f.Any) == 0 && len(f.All) == 0
}

// Match applies the any/all terms to text using case-insensitive substring matching.
func (f KeywordFilter) Match(text string) bool {
	if f.Empty() {
		return true
	}
	if len(f.Any) > 0 {
		found := false
		for _, term := range f.Any {
			if containsLower(text, term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, term := range f.All {
		if !containsLower(text, term) {
			return false
		}
	}
	return true
}

// FetchTarget is one externally configured source.
type FetchTarget struct {
	Name     string        `json:"name"`
	Kind     TargetKind    `json:"kind"`
	URI      string        `json:"uri"`
	Tags     []string      `json:"tags,omitempty"`
	Keywords KeywordFilter `json:"keywords"`
}

// RawDocument is the payload produced by a successful fetch.
type RawDocument struct {
	Target      FetchTarget
	FinalURL    string
	Content     []byte
	FetchedAt   time.Time
	HTTPStatus  int
	ContentType string
}

// NormalizedUnit is one canonical text unit derived from a document.
type NormalizedUnit struct {
	SourceName string            `json:"source_name"`
	Kind       TargetKind        `json:"kind"`
	Tags       []string          `json:"tags,omitempty"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RecordStatusChanged is the only status written to the ledger.
const RecordStatusChanged = "changed"

// SnapshotRecord is one append-only ledger entry.
type SnapshotRecord struct {
	Name      string            `json:"name"`
	Hash      string            `json:"hash"`
	Timestamp string            `json:"timestamp"`
	Type      TargetKind        `json:"type"`
	Tags      []string          `json:"tags"`
	Metadata  map[string]string `json:"metadata"`
	Content   string            `json:"content"`
	Diff      string            `json:"diff"`
	Status    string            `json:"status"`
}

// FetchResult is the outcome of fetching a single target.
type FetchResult struct {
	Target   FetchTarget
	Document RawDocument
	Err      error
	Attempts int
}

// OK reports whether the fetch produced a document.
func (r FetchResult) OK() bool {
	return r.Err == nil
}

// Failure returns the failure kind, or an empty kind on success.
func (r FetchResult) Failure() FailureKind {
	return KindOf(r.Err)
}

// TargetFailure summarizes a failed target in a run report.
type TargetFailure struct {
	Target   string      `json:"target"`
	URI      string      `json:"uri"`
	Kind     FailureKind `json:"kind"`
	Status   int         `json:"status,omitempty"`
	Attempts int         `json:"attempts,omitempty"`
	Error    string      `json:"error"`
}

// RunReport describes the outcome of one pipeline run.
type RunReport struct {
	RunID              string           `json:"run_id"`
	StartedAt          time.Time        `json:"started_at"`
	FinishedAt         time.Time        `json:"finished_at"`
	Targets            int              `json:"targets"`
	Fetched            int              `json:"fetched"`
	Units              int              `json:"units"`
	Excluded           int              `json:"excluded"`
	BoilerplateRemoved int              `json:"boilerplate_removed"`
	Changed            []SnapshotRecord `json:"changed"`
	Failures           []TargetFailure  `json:"failures"`
	Error              string           `json:"error,omitempty"`
}

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

// Run status values tracked by the run store.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the metadata kept for runs triggered through the API.
type Run struct {
	ID       string     `json:"id"`
	Status   RunStatus  `json:"status"`
	Started  time.Time  `json:"started_at"`
	Finished *time.Time `json:"finished_at,omitempty"`
	Report   *RunReport `json:"report,omitempty"`
}

// ChangeEvent is the payload published for each changed record.
type ChangeEvent struct {
	RunID     string     `json:"run_id"`
	Name      string     `json:"name"`
	Hash      string     `json:"hash"`
	Timestamp string     `json:"timestamp"`
	Type      TargetKind `json:"type"`
	Tags      []string   `json:"tags"`
	Diff      string     `json:"diff"`
}

// Attributes returns the message attributes used for subscription filtering.
func (e ChangeEvent) Attributes() map[string]string {
	return map[string]string{
		"run_id": e.RunID,
		"name":   e.Name,
		"type":   string(e.Type),
	}
}
