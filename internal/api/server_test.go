package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/local-radar/internal/crawler"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(Config{}), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(Config{}), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	failing := newTestServer(Config{Ready: func(context.Context) error { return errors.New("ledger closed") }})
	rec = serve(t, failing, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "ledger closed")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(Config{})
	serve(t, server, http.MethodGet, "/healthz", nil)
	rec := serve(t, server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_ListRecords(t *testing.T) {
	t.Parallel()

	server := newTestServer(Config{})
	rec := serve(t, server, http.MethodGet, "/v1/records", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body recordsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Count)
	assert.Equal(t, "council::https://example.com/a", body.Records[0].Name)

	rec = serve(t, server, http.MethodGet, "/v1/records?tag=city&type=page", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "notices", body.Records[0].Name)

	rec = serve(t, server, http.MethodGet, "/v1/records?type=video", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetRecord(t *testing.T) {
	t.Parallel()

	server := newTestServer(Config{})
	rec := serve(t, server, http.MethodGet, "/v1/records/notices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Record crawler.SnapshotRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "h-notices", body.Record.Hash)

	escaped := "/v1/records/" + url.PathEscape("council::https://example.com/a")
	rec = serve(t, server, http.MethodGet, escaped, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "h-council")

	rec = serve(t, server, http.MethodGet, "/v1/records/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetRecordHistory(t *testing.T) {
	t.Parallel()

	server := newTestServer(Config{})
	rec := serve(t, server, http.MethodGet, "/v1/records/notices/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body recordsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "h-old", body.Records[0].Hash)

	rec = serve(t, server, http.MethodGet, "/v1/records/missing/history", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_StartRun(t *testing.T) {
	t.Parallel()

	runs := newFakeRuns()
	server := NewServer(newFakeRecords(), runs, Config{}, zap.NewNop())

	rec := serve(t, server, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"run_id":"run-1"}`, rec.Body.String())
	require.Equal(t, "/v1/runs/run-1", rec.Header().Get("Location"))

	rec = serve(t, server, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "run already in progress")

	runs.failWith(errors.New("id generator broken"))
	rec = serve(t, server, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_GetRun(t *testing.T) {
	t.Parallel()

	runs := newFakeRuns()
	server := NewServer(newFakeRecords(), runs, Config{}, zap.NewNop())
	serve(t, server, http.MethodPost, "/v1/runs", nil)

	rec := serve(t, server, http.MethodGet, "/v1/runs/run-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run crawler.Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, crawler.RunStatusRunning, body.Run.Status)

	rec = serve(t, server, http.MethodGet, "/v1/runs/unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(Config{APIKey: "secret"})

	rec := serve(t, server, http.MethodGet, "/v1/records", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, server, http.MethodGet, "/v1/records", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, server, http.MethodGet, "/v1/records?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	server := NewServer(panickingRecords{}, newFakeRuns(), Config{}, zap.NewNop())
	rec := serve(t, server, http.MethodGet, "/v1/records", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(Config{}), http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(t, newTestServer(Config{}), http.MethodGet, "/healthz", map[string]string{"X-Request-ID": "abc"})
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func serve(t *testing.T, server *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func newTestServer(cfg Config) *Server {
	return NewServer(newFakeRecords(), newFakeRuns(), cfg, zap.NewNop())
}

type fakeRecords struct {
	latest  []crawler.SnapshotRecord
	history map[string][]crawler.SnapshotRecord
}

func newFakeRecords() *fakeRecords {
	latest := []crawler.SnapshotRecord{
		{Name: "council::https://example.com/a", Hash: "h-council", Type: crawler.KindFeed, Tags: []string{"city"}},
		{Name: "library", Hash: "h-library", Type: crawler.KindPage},
		{Name: "notices", Hash: "h-notices", Type: crawler.KindPage, Tags: []string{"city"}},
	}
	return &fakeRecords{
		latest: latest,
		history: map[string][]crawler.SnapshotRecord{
			"notices": {{Name: "notices", Hash: "h-old"}, latest[2]},
		},
	}
}

func (f *fakeRecords) Latest() []crawler.SnapshotRecord {
	return f.latest
}

func (f *fakeRecords) Get(name string) (crawler.SnapshotRecord, bool) {
	for _, rec := range f.latest {
		if rec.Name == name {
			return rec, true
		}
	}
	return crawler.SnapshotRecord{}, false
}

func (f *fakeRecords) History(_ context.Context, name string) ([]crawler.SnapshotRecord, error) {
	history, ok := f.history[name]
	if !ok {
		return nil, fmt.Errorf("history %s: %w", name, crawler.ErrNotFound)
	}
	return history, nil
}

type panickingRecords struct{}

func (panickingRecords) Latest() []crawler.SnapshotRecord { panic("ledger exploded") }

func (panickingRecords) Get(string) (crawler.SnapshotRecord, bool) { return crawler.SnapshotRecord{}, false }

func (panickingRecords) History(context.Context, string) ([]crawler.SnapshotRecord, error) {
	return nil, nil
}

type fakeRuns struct {
	mu     sync.Mutex
	runs   map[string]crawler.Run
	active bool
	next   int
	err    error
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: make(map[string]crawler.Run)}
}

func (f *fakeRuns) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.active = false
}

func (f *fakeRuns) StartRun(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.active {
		return "", crawler.ErrRunInProgress
	}
	f.active = true
	f.next++
	id := fmt.Sprintf("run-%d", f.next)
	f.runs[id] = crawler.Run{ID: id, Status: crawler.RunStatusRunning, Started: time.Unix(100, 0).UTC()}
	return id, nil
}

func (f *fakeRuns) GetRun(_ context.Context, runID string) (crawler.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return crawler.Run{}, fmt.Errorf("get run %s: %w", runID, crawler.ErrNotFound)
	}
	return run, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
