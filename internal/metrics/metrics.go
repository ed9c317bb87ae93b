// Package metrics provides Prometheus instrumentation for the history
// pipeline.
package metrics

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	// CyclesTotal counts ingestion cycles by region, shard kind and outcome.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ahdb_cycles_total",
		Help: "Total number of ingestion cycles",
	}, []string{"region", "shard", "status"})

	// CycleDuration tracks the wall time of one shard cycle.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ahdb_cycle_duration_seconds",
		Help:    "Ingestion cycle duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"region"})

	// RecordsAppended counts records merged into shard stores.
	RecordsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ahdb_records_appended_total",
		Help: "Market-value records appended to history stores",
	}, []string{"region"})

	// RecordsPruned counts records dropped by retention.
	RecordsPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ahdb_records_pruned_total",
		Help: "Market-value records removed by retention",
	}, []string{"region"})

	// ItemsPerCycle is the number of distinct items in the last snapshot
	// of a shard.
	ItemsPerCycle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ahdb_items_per_cycle",
		Help: "Distinct items in the last ingested snapshot",
	}, []string{"region", "shard"})

	// ExportBytes tracks the size of the last export file.
	ExportBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ahdb_export_bytes",
		Help: "Size of the last export in bytes",
	}, []string{"region", "mode"})

	// MirrorFailures counts mirror writes that failed; the file store is
	// still authoritative.
	MirrorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ahdb_mirror_failures_total",
		Help: "Failed writes to the database mirror",
	})

	// UpstreamRequests counts snapshot-source requests by endpoint and
	// whether they were served from cache.
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ahdb_upstream_requests_total",
		Help: "Snapshot source requests",
	}, []string{"endpoint", "cache"})

	// LogMessages counts warnings and errors logged per component.
	LogMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ahdb_log_messages_total",
		Help: "Warnings and errors logged",
	}, []string{"component", "level"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ahdb_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ahdb_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ahdb_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Push sends the default registry to a Pushgateway, grouped by region.
// One-shot runs use it since nothing scrapes them.
func Push(gatewayURL, job, region string) error {
	err := push.New(gatewayURL, job).
		Gatherer(prometheus.DefaultGatherer).
		Grouping("region", region).
		Push()
	if err != nil {
		return fmt.Errorf("push metrics to %s: %w", gatewayURL, err)
	}
	return nil
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
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
