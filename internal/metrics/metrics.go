// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TradesTotal counts executed trades, partitioned by kind and side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predictsim_trades_total",
		Help: "Total number of trades executed",
	}, []string{"kind", "side"})

	// TradeRejections counts rejected orders by error code.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predictsim_trade_rejections_total",
		Help: "Orders rejected before execution",
	}, []string{"code"})

	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predictsim_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// DustTrades counts buys whose amount bought zero shares.
	DustTrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predictsim_dust_trades_total",
		Help: "Buys that truncated to zero shares",
	})

	// MarketVolume tracks cumulative cash volume per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predictsim_market_volume_total",
		Help: "Cumulative cash volume traded",
	}, []string{"market_id", "side"})

	PriceTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predictsim_price_ticks_total",
		Help: "Price process ticks completed",
	})

	PriceTickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "predictsim_price_tick_seconds",
		Help:    "Time to advance every market one tick",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})

	// RegisteredUsers tracks the number of accounts.
	RegisteredUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predictsim_registered_users",
		Help: "Number of registered users",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predictsim_open_positions",
		Help: "Number of open positions across all users",
	})

	// LeaderboardLatency tracks leaderboard computation time.
	LeaderboardLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "predictsim_leaderboard_seconds",
		Help:    "Leaderboard computation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predictsim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predictsim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predictsim_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(duration)
	})
}

// routePattern prefers the chi route pattern over the raw path to keep
// label cardinality bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
