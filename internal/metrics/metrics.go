// Package metrics exposes Prometheus collectors for the radar pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	radarFetchesTotal             *prometheus.CounterVec
	radarFetchBytesTotal          *prometheus.CounterVec
	radarFetchRetriesTotal        *prometheus.CounterVec
	radarRateLimitDelaySeconds    *prometheus.HistogramVec
	radarRecordsChangedTotal      prometheus.Counter
	radarBoilerplateBlocksRemoved prometheus.Counter
	radarRunsTotal                *prometheus.CounterVec
	radarRunDurationSeconds       prometheus.Histogram
	radarFetchesInFlight          prometheus.Gauge
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		radarFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_fetches_total",
				Help: "Total number of target fetches, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		radarFetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		radarFetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_fetch_retries_total",
				Help: "Total number of fetch retries, labeled by site and reason.",
			},
			[]string{"site", "reason"},
		)

		radarRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "radar_rate_limit_delay_seconds",
				Help:    "Histogram of per-domain token bucket and Retry-After waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"site"},
		)

		radarRecordsChangedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "radar_records_changed_total",
				Help: "Total number of snapshot records appended to the ledger.",
			},
		)

		radarBoilerplateBlocksRemoved = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "radar_boilerplate_blocks_removed_total",
				Help: "Total number of text blocks removed as boilerplate.",
			},
		)

		radarRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_runs_total",
				Help: "Total number of pipeline runs, labeled by status.",
			},
			[]string{"status"},
		)

		radarRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "radar_run_duration_seconds",
				Help:    "Histogram of pipeline run durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		radarFetchesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "radar_fetches_in_flight",
				Help: "Number of HTTP requests currently in flight.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch records the terminal outcome of one target fetch.
func ObserveFetch(site string, outcome string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	radarFetchesTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		radarFetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRetry counts a retry scheduled for site.
func ObserveRetry(site string, reason string) {
	Init()
	radarFetchRetriesTotal.WithLabelValues(SanitizeSite(site), reason).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	radarRateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// AddRecordsChanged adds n appended ledger records.
func AddRecordsChanged(n int) {
	Init()
	if n > 0 {
		radarRecordsChangedTotal.Add(float64(n))
	}
}

// AddBoilerplateRemoved adds n removed boilerplate blocks.
func AddBoilerplateRemoved(n int) {
	Init()
	if n > 0 {
		radarBoilerplateBlocksRemoved.Add(float64(n))
	}
}

// ObserveRun records a finished pipeline run.
func ObserveRun(status string, duration time.Duration) {
	Init()
	radarRunsTotal.WithLabelValues(status).Inc()
	radarRunDurationSeconds.Observe(duration.Seconds())
}

// IncFetchesInFlight increments the in-flight gauge.
func IncFetchesInFlight() {
	Init()
	radarFetchesInFlight.Inc()
}

// DecFetchesInFlight decrements the in-flight gauge.
func DecFetchesInFlight() {
	Init()
	radarFetchesInFlight.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
