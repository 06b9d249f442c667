// Package metrics provides Prometheus instrumentation for the rebase engine.
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

	"github.com/atmx/rebase-engine/internal/model"
)

var (
	// TradesTotal counts committed buys and sells, partitioned by kind and side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebase_trades_total",
		Help: "Total number of buys and sells committed",
	}, []string{"kind", "side"})

	// TradeLatency tracks operation latency from lock to commit.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rebase_trade_latency_seconds",
		Help:    "Operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// RebasesTotal counts committed divisor updates, standalone or as part of a trade.
	RebasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebase_rebases_total",
		Help: "Total number of divisor updates committed",
	})

	// FaultsTotal counts aborted operations by reason.
	FaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebase_faults_total",
		Help: "Operations aborted with no state change",
	}, []string{"kind", "reason"})

	// Divisor tracks the current divisor of each side.
	Divisor = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rebase_divisor",
		Help: "Current divisor per side",
	}, []string{"market_id", "side"})

	// LastPrice tracks the most recently settled price.
	LastPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rebase_last_price",
		Help: "Most recently settled price",
	}, []string{"market_id"})

	// FeeReserve tracks the accumulated fee reserve.
	FeeReserve = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rebase_fee_reserve",
		Help: "Accumulated fee reserve",
	}, []string{"market_id"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rebase_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebase_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rebase_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveMarket publishes the market's gauges. Values above float64
// precision are approximated; the gauges are for dashboards only.
func ObserveMarket(m *model.Market) {
	Divisor.WithLabelValues(m.ID, string(model.SideLong)).Set(m.LongDivisor.Float64())
	Divisor.WithLabelValues(m.ID, string(model.SideShort)).Set(m.ShortDivisor.Float64())
	LastPrice.WithLabelValues(m.ID).Set(m.LastPrice.Float64())
	FeeReserve.WithLabelValues(m.ID).Set(m.FeeReserve.Float64())
}

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

// Hijack lets the WebSocket upgrade reach the underlying connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
