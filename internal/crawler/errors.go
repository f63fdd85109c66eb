package crawler

import (
	"errors"
	"fmt"
)

// FailureKind tags a per-target failure.
type FailureKind string

// Failure kinds reported in fetch results and run reports.
const (
	FailureDisallowed   FailureKind = "disallowed"
	FailureRateLimited  FailureKind = "rate-limited-exhausted"
	FailureHTTP         FailureKind = "http-error"
	FailureNetwork      FailureKind = "network-error"
	FailureSizeExceeded FailureKind = "size-exceeded"
	FailureCanceled     FailureKind = "canceled"
	FailureIO           FailureKind = "io-error"
	FailureNormalize    FailureKind = "normalize-error"
	FailureUnknown      FailureKind = "unknown"
)

var (
	// ErrDisallowed marks a target excluded by robots.txt or the domain blocklist.
	ErrDisallowed = errors.New("disallowed by crawl policy")
	// ErrSizeExceeded marks a payload larger than the configured cap.
	ErrSizeExceeded = errors.New("payload exceeds size cap")
	// ErrStorage marks a ledger failure; it aborts the whole run.
	ErrStorage = errors.New("snapshot storage failure")
	// ErrNotFound is returned by stores when a record or run does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRunInProgress rejects a run while another one is active.
	ErrRunInProgress = errors.New("run already in progress")
)

// FetchError is the terminal failure of a single target.
type FetchError struct {
	Kind     FailureKind
	URL      string
	Status   int
	Attempts int
	Err      error
}

// Error implements error.
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.URL)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind carried by err.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, ErrDisallowed):
		return FailureDisallowed
	case errors.Is(err, ErrSizeExceeded):
		return FailureSizeExceeded
	default:
		return FailureUnknown
	}
}

// NewTargetFailure converts a failed fetch into its report form.
func NewTargetFailure(target FetchTarget, err error, attempts int) TargetFailure {
	failure := TargetFailure{
		Target:   target.Name,
		URI:      target.URI,
		Kind:     KindOf(err),
		Attempts: attempts,
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		failure.Status = fe.Status
		if fe.Attempts > 0 {
			failure.Attempts = fe.Attempts
		}
	}
	if err != nil {
		failure.Error = err.Error()
	}
	return failure
}
