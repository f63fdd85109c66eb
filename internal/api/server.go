package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/local-radar/internal/crawler"
	"github.com/JakeFAU/local-radar/internal/metrics"
)

const defaultRequestTimeout = 60 * time.Second

// Records reads the snapshot ledger.
type Records interface {
	Latest() []crawler.SnapshotRecord
	Get(name string) (crawler.SnapshotRecord, bool)
	History(ctx context.Context, name string) ([]crawler.SnapshotRecord, error)
}

// Runs starts and inspects pipeline runs.
type Runs interface {
	StartRun(ctx context.Context) (string, error)
	GetRun(ctx context.Context, runID string) (crawler.Run, error)
}

// Config controls server behavior.
type Config struct {
	// APIKey guards the /v1 routes when set.
	APIKey string
	// RequestTimeout bounds each request. Zero uses 60s.
	RequestTimeout time.Duration
	// Ready reports whether downstream dependencies are usable. Nil is always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the ledger and the run controller.
type Server struct {
	router  chi.Router
	records Records
	runs    Runs
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(records Records, runs Runs, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		records: records,
		runs:    runs,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/records", func(r chi.Router) {
			r.Get("/", s.listRecords)
			r.Get("/{name}", s.getRecord)
			r.Get("/{name}/history", s.getRecordHistory)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Get("/{run_id}", s.getRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type recordsResponse struct {
	Count   int                      `json:"count"`
	Records []crawler.SnapshotRecord `json:"records"`
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	kind := crawler.TargetKind(r.URL.Query().Get("type"))
	if kind != "" && !kind.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown type")
		return
	}
	latest := s.records.Latest()
	out := make([]crawler.SnapshotRecord, 0, len(latest))
	for _, rec := range latest {
		if kind != "" && rec.Type != kind {
			continue
		}
		if tag != "" && !hasTag(rec.Tags, tag) {
			continue
		}
		out = append(out, rec)
	}
	s.writeJSON(w, http.StatusOK, recordsResponse{Count: len(out), Records: out})
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}

// recordName unescapes the {name} parameter; feed entry names may contain '/'.
func recordName(r *http.Request) (string, error) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		return "", fmt.Errorf("decode record name: %w", err)
	}
	return name, nil
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	name, err := recordName(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid record name")
		return
	}
	rec, ok := s.records.Get(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "record not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"record": rec})
}

func (s *Server) getRecordHistory(w http.ResponseWriter, r *http.Request) {
	name, err := recordName(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid record name")
		return
	}
	history, err := s.records.History(r.Context(), name)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "record not found")
		return
	case err != nil:
		s.logger.Error("read record history failed", zap.String("name", name), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	s.writeJSON(w, http.StatusOK, recordsResponse{Count: len(history), Records: history})
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	runID, err := s.runs.StartRun(r.Context())
	switch {
	case errors.Is(err, crawler.ErrRunInProgress):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("start run failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	w.Header().Set("Location", "/v1/runs/"+runID)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.runs.GetRun(r.Context(), runID)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	case err != nil:
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read run")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
