// Package metrics exposes Prometheus collectors for the render service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsCreatedTotal       prometheus.Counter
	sessionsDestroyedTotal     *prometheus.CounterVec
	poolSessions               *prometheus.GaugeVec
	poolAcquireSeconds         prometheus.Histogram
	poolExhaustedTotal         prometheus.Counter
	renderJobsTotal            *prometheus.CounterVec
	renderDurationSeconds      *prometheus.HistogramVec
	renderOutputBytesTotal     *prometheus.CounterVec
	captureTilesTotal          prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sessionsCreatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "html2image_sessions_created_total",
				Help: "Total number of browser sessions attached.",
			},
		)

		sessionsDestroyedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "html2image_sessions_destroyed_total",
				Help: "Total number of browser sessions destroyed, labeled by reason.",
			},
			[]string{"reason"},
		)

		poolSessions = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "html2image_pool_sessions",
				Help: "Sessions currently held by the pool, labeled by state.",
			},
			[]string{"state"},
		)

		poolAcquireSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "html2image_pool_acquire_seconds",
				Help:    "Histogram of time spent waiting for a browser session.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		)

		poolExhaustedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "html2image_pool_exhausted_total",
				Help: "Total number of acquires that gave up waiting for a session.",
			},
		)

		renderJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "html2image_render_jobs_total",
				Help: "Total number of render jobs, labeled by action and outcome kind.",
			},
			[]string{"action", "kind"},
		)

		renderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "html2image_render_duration_seconds",
				Help:    "Histogram of render job latencies, labeled by action.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"action"},
		)

		renderOutputBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "html2image_render_output_bytes_total",
				Help: "Total bytes of rendered output, labeled by MIME type.",
			},
			[]string{"mime"},
		)

		captureTilesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "html2image_capture_tiles_total",
				Help: "Total number of screenshots taken as tiles of an oversized capture.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSessionCreated counts an attached session.
func ObserveSessionCreated() {
	Init()
	sessionsCreatedTotal.Inc()
}

// ObserveSessionDestroyed counts a destroyed session.
func ObserveSessionDestroyed(reason string) {
	Init()
	sessionsDestroyedTotal.WithLabelValues(reason).Inc()
}

// SetPoolSessions publishes the pool's per-state session counts.
func SetPoolSessions(counts map[string]int) {
	Init()
	for state, n := range counts {
		poolSessions.WithLabelValues(state).Set(float64(n))
	}
}

// ObserveAcquire records how long an acquire waited.
func ObserveAcquire(wait time.Duration) {
	Init()
	poolAcquireSeconds.Observe(wait.Seconds())
}

// ObservePoolExhausted counts an acquire that timed out.
func ObservePoolExhausted() {
	Init()
	poolExhaustedTotal.Inc()
}

// ObserveRender records a finished render job. kind is "ok" on success.
func ObserveRender(action, kind string, duration time.Duration) {
	Init()
	renderJobsTotal.WithLabelValues(action, kind).Inc()
	renderDurationSeconds.WithLabelValues(action).Observe(duration.Seconds())
}

// ObserveOutput adds rendered bytes for a MIME type.
func ObserveOutput(mime string, n int) {
	Init()
	if n > 0 {
		renderOutputBytesTotal.WithLabelValues(mime).Add(float64(n))
	}
}

// ObserveTiles counts tiled screenshots.
func ObserveTiles(n int) {
	Init()
	if n > 0 {
		captureTilesTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
