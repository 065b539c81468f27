// Package metrics provides Prometheus instrumentation for the position engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksProcessed counts ticks applied to a position, by lifecycle state
	// before the tick.
	TicksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optguard_ticks_processed_total",
		Help: "Ticks applied to monitored positions",
	}, []string{"state"})

	// TicksRejected counts ticks refused without a state change.
	TicksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optguard_ticks_rejected_total",
		Help: "Ticks rejected by the engine",
	}, []string{"reason"})

	// TickLatency is the time to apply one tick including persistence and
	// intent hand-off.
	TickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "optguard_tick_latency_seconds",
		Help:    "Tick processing latency in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	// IntentsEmitted counts order intents, by side and reason.
	IntentsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optguard_intents_emitted_total",
		Help: "Order intents emitted",
	}, []string{"side", "reason"})

	// ExecutorFailures counts intents the executor refused.
	ExecutorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optguard_executor_failures_total",
		Help: "Intents the execution collaborator failed to accept",
	})

	// ReentriesDeferred counts re-entries held back by the cooldown.
	ReentriesDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optguard_reentries_deferred_total",
		Help: "Re-entry trigger matches held back by the cooldown",
	})

	// Positions tracks monitored positions by lifecycle state.
	Positions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "optguard_positions",
		Help: "Monitored positions by lifecycle state",
	}, []string{"state"})

	// PausedPositions tracks pending positions that will not re-enter on
	// their own, by pause reason.
	PausedPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "optguard_paused_positions",
		Help: "Pending positions paused, by reason",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optguard_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optguard_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optguard_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
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

// Hijack lets the websocket upgrade through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
