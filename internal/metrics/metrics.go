// Package metrics provides Prometheus instrumentation for the ledger engine.
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
	// CommitmentsTotal counts commitments created, partitioned by result.
	CommitmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_commitments_total",
		Help: "Total commitments created",
	}, []string{"result"})

	// PayoutsTotal counts individual payout credits applied during
	// settlement, partitioned by type (win/refund).
	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_payouts_total",
		Help: "Total payout credits applied",
	}, []string{"type"})

	// SettlementsTotal counts completed settlement jobs by final status.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_settlements_total",
		Help: "Total settlement jobs finished",
	}, []string{"status"})

	// SettlementDuration tracks end-to-end settlement job duration.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_settlement_duration_seconds",
		Help:    "Settlement job duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// VersionConflicts counts optimistic-concurrency conflicts observed
	// by the balance ledger's compare-and-swap loop.
	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_version_conflicts_total",
		Help: "Balance version conflicts detected",
	})

	// InsufficientBalance counts commitments rejected for insufficient
	// available tokens.
	InsufficientBalance = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_insufficient_balance_total",
		Help: "Operations rejected for insufficient balance",
	})

	// RollbacksTotal counts transaction rollbacks applied.
	RollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_rollbacks_total",
		Help: "Transaction rollbacks applied",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
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

		// Use the raw path for the label; the API surface is small
		// enough that cardinality stays bounded.
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
