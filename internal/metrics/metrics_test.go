package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if radarFetchesTotal == nil || radarRecordsChangedTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservers(t *testing.T) {
	Init()
	before := testutil.ToFloat64(radarFetchesTotal.WithLabelValues("metrics-test.example", "success"))
	ObserveFetch("https://metrics-test.example/feed", "success", 512)
	if got := testutil.ToFloat64(radarFetchesTotal.WithLabelValues("metrics-test.example", "success")); got != before+1 {
		t.Errorf("expected fetch counter to increase by 1, got %f -> %f", before, got)
	}
	if got := testutil.ToFloat64(radarFetchBytesTotal.WithLabelValues("metrics-test.example")); got < 512 {
		t.Errorf("expected at least 512 bytes recorded, got %f", got)
	}

	changedBefore := testutil.ToFloat64(radarRecordsChangedTotal)
	AddRecordsChanged(3)
	AddRecordsChanged(0)
	if got := testutil.ToFloat64(radarRecordsChangedTotal); got != changedBefore+3 {
		t.Errorf("expected records changed to increase by 3, got %f -> %f", changedBefore, got)
	}

	ObserveRetry("https://metrics-test.example", "backpressure")
	ObserveRateLimitDelay("https://metrics-test.example", 2*time.Second)
	AddBoilerplateRemoved(2)
	ObserveRun("succeeded", time.Second)
	IncFetchesInFlight()
	DecFetchesInFlight()
	if got := testutil.ToFloat64(radarFetchesInFlight); got != 0 {
		t.Errorf("expected in-flight gauge to return to 0, got %f", got)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
