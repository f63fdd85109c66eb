package crawler

import (
	"context"
	"io"
	"time"
)

// Clock returns the current time and sleeps on behalf of rate limiting and backoff.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Hasher computes content digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// BlobStore writes provenance artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RecordMirror copies changed records into a secondary store.
type RecordMirror interface {
	StoreRecord(ctx context.Context, runID string, record SnapshotRecord) error
}

// RobotsPolicy decides whether a URL may be fetched.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// RunStore tracks runs triggered through the API.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, runID string, status RunStatus, finished time.Time, report RunReport) error
	GetRun(ctx context.Context, runID string) (Run, error)
}
