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
	// StoreCommits counts committed protocol store updates, including the
	// initial load.
	StoreCommits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poseng_store_commits_total",
		Help: "Committed protocol store updates",
	})

	// StoreFieldChanges counts changed fields per commit, by field.
	StoreFieldChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poseng_store_field_changes_total",
		Help: "Store fields whose value changed on commit",
	}, []string{"field"})

	RefreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poseng_refresh_failures_total",
		Help: "Ledger refresh cycles that failed and were not committed",
	})

	// StaleFetchesDropped counts fetch results discarded because a newer
	// tick had already been committed or the store was stopped.
	StaleFetchesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poseng_stale_fetches_dropped_total",
		Help: "Fetch results dropped as stale",
	})

	RefreshLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "poseng_refresh_latency_seconds",
		Help:    "Duration of one ledger refresh cycle",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// HintTrials tracks the sampling trials spent per hint search.
	HintTrials = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "poseng_hint_trials",
		Help:    "Sampling trials per insertion hint search",
		Buckets: prometheus.ExponentialBuckets(10, 4, 8),
	})

	HintLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poseng_hint_latency_seconds",
		Help:    "Hint search latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// LedgerCacheLookups counts pinned-block cache lookups by result.
	LedgerCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poseng_ledger_cache_lookups_total",
		Help: "Pinned-block ledger cache lookups",
	}, []string{"result"})

	HistoryRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poseng_history_records_total",
		Help: "Change records appended to the history store",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poseng_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poseng_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poseng_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "route"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics labelled by chi route pattern, so
// addresses in paths do not blow up cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
