// Package metrics provides Prometheus instrumentation for the cover engine.
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
	// ReadingsTotal counts oracle submissions by outcome
	// (inserted, duplicate, corrected, rejected).
	ReadingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_readings_total",
		Help: "Oracle reading submissions by outcome",
	}, []string{"outcome"})

	// QuotesTotal counts quote lifecycle steps.
	QuotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_quotes_total",
		Help: "Quotes by lifecycle step",
	}, []string{"version", "step"})

	// PoliciesIssued counts issued policies by protocol version.
	PoliciesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_policies_issued_total",
		Help: "Policies issued",
	}, []string{"version"})

	// SettlementsTotal counts settlements by version and outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_settlements_total",
		Help: "Policies settled",
	}, []string{"version", "outcome"})

	// PayoutAmount tracks cumulative holder payouts per version.
	PayoutAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_payout_amount_total",
		Help: "Cumulative amount paid to policyholders",
	}, []string{"version"})

	// SettlementLatency tracks the duration of the settlement transaction.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_settlement_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"version"})

	// OrderFills counts share fills on the capital orderbook.
	OrderFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_order_fills_total",
		Help: "Capital share order fills",
	}, []string{"side"})

	// RequestEvents counts V3 underwrite request transitions.
	RequestEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_request_events_total",
		Help: "Underwrite request transitions",
	}, []string{"event"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsDropped counts events not delivered to a slow subscriber.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_events_dropped_total",
		Help: "Events dropped because a subscriber buffer was full",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// ExposureLimitRejections counts issuances rejected by the exposure limiter.
	ExposureLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_exposure_limit_rejections_total",
		Help: "Issuances rejected by the exposure limiter",
	}, []string{"scope"})

	// KeeperSweeps counts keeper runs and the transitions they caused.
	KeeperSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_keeper_actions_total",
		Help: "Keeper sweep actions",
	}, []string{"action"})
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

		// Label by route pattern so IDs in the path do not explode cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return hj.Hijack()
}
