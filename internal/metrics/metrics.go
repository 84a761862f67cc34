// Package metrics provides Prometheus instrumentation for the settlement
// engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SettlementsTotal counts settlement runs by outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperfund_settlements_total",
		Help: "Total settlement runs",
	}, []string{"result"})

	// SettledUsers counts users written during settlement, by path.
	SettledUsers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperfund_settled_users_total",
		Help: "Users settled, partitioned by allocation vs carry-forward",
	}, []string{"mode"})

	// SettlementDuration tracks wall time of a single-week settlement.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paperfund_settlement_duration_seconds",
		Help:    "Single-week settlement duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// RecomputeWeeks counts weeks visited by the recompute pipeline.
	RecomputeWeeks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperfund_recompute_weeks_total",
		Help: "Weeks processed by recompute, partitioned by outcome",
	}, []string{"result"})

	// BatchCommits counts committed atomic write batches.
	BatchCommits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperfund_batch_commits_total",
		Help: "Atomic write batches committed",
	})

	// BatchRotations counts writer rotations forced by the op limit.
	BatchRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperfund_batch_rotations_total",
		Help: "Batched-writer rotations at the op-count threshold",
	})

	// ChangeEvents counts change-notification events consumed by the
	// recompute worker.
	ChangeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperfund_change_events_total",
		Help: "Market-data change events received",
	}, []string{"collection"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paperfund_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperfund_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paperfund_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
