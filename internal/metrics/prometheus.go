// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is a valid no-op sink.
type Metrics struct {
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	requestsInFlight    prometheus.Gauge
	dispatchAttempts    *prometheus.CounterVec
	dispatchResults     *prometheus.CounterVec
	dispatchDuration    *prometheus.HistogramVec
	identityMismatches  *prometheus.CounterVec
	cacheLookups        *prometheus.CounterVec
	cacheEntries        prometheus.Gauge
	rateLimited         *prometheus.CounterVec
	registryPolls       *prometheus.CounterVec
	registryVersion     prometheus.Gauge
	registryNodes       prometheus.Gauge
	probesTotal         *prometheus.CounterVec
	probeDuration       prometheus.Histogram
	healthTransitions   *prometheus.CounterVec
	snapshotGeneration  prometheus.Gauge
	eligibleNodes       *prometheus.GaugeVec
	persistSaves        *prometheus.CounterVec
}

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// NewMetrics creates and registers the gateway metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"method", "route"},
		),
		requestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),
		dispatchAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_attempts_total",
				Help: "Upstream attempts by outcome",
			},
			[]string{"subnet", "outcome"},
		),
		dispatchResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_results_total",
				Help: "Dispatch results by kind",
			},
			[]string{"subnet", "method", "result"},
		),
		dispatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_dispatch_duration_seconds",
				Help:    "Total dispatch duration including retries",
				Buckets: latencyBuckets,
			},
			[]string{"subnet", "method"},
		),
		identityMismatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_identity_mismatches_total",
				Help: "TLS identities that did not match the registry pin",
			},
			[]string{"node_id"},
		),
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_lookups_total",
				Help: "Response cache lookups by result",
			},
			[]string{"result"},
		),
		cacheEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_cache_entries",
				Help: "Number of entries in the response cache",
			},
		),
		rateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Requests rejected by admission control",
			},
			[]string{"key_mode"},
		),
		registryPolls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_registry_polls_total",
				Help: "Registry polls by source and result",
			},
			[]string{"source", "result"},
		),
		registryVersion: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_registry_version",
				Help: "Last observed registry version",
			},
		),
		registryNodes: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_registry_nodes",
				Help: "Nodes in the last observed registry version",
			},
		),
		probesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_health_probes_total",
				Help: "Health probes by result",
			},
			[]string{"result"},
		),
		probeDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_health_probe_duration_seconds",
				Help:    "Health probe latency",
				Buckets: latencyBuckets,
			},
		),
		healthTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_health_transitions_total",
				Help: "Node health state transitions",
			},
			[]string{"from", "to"},
		),
		snapshotGeneration: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_snapshot_generation",
				Help: "Generation of the published routing snapshot",
			},
		),
		eligibleNodes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_snapshot_eligible_nodes",
				Help: "Eligible nodes per subnet in the published snapshot",
			},
			[]string{"subnet"},
		),
		persistSaves: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_snapshot_persist_total",
				Help: "Snapshot persistence attempts by result",
			},
			[]string{"result"},
		),
	}
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncRequestsInFlight increments the in-flight requests gauge.
func (m *Metrics) IncRequestsInFlight() {
	if m == nil {
		return
	}
	m.requestsInFlight.Inc()
}

// DecRequestsInFlight decrements the in-flight requests gauge.
func (m *Metrics) DecRequestsInFlight() {
	if m == nil {
		return
	}
	m.requestsInFlight.Dec()
}

// RecordAttempt records one upstream attempt.
func (m *Metrics) RecordAttempt(subnet, outcome string) {
	if m == nil {
		return
	}
	m.dispatchAttempts.WithLabelValues(subnet, outcome).Inc()
}

// RecordDispatch records the final result of a dispatch.
func (m *Metrics) RecordDispatch(subnet, method, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatchResults.WithLabelValues(subnet, method, result).Inc()
	m.dispatchDuration.WithLabelValues(subnet, method).Observe(duration.Seconds())
}

// RecordIdentityMismatch counts a pinned identity violation.
func (m *Metrics) RecordIdentityMismatch(nodeID string) {
	if m == nil {
		return
	}
	m.identityMismatches.WithLabelValues(nodeID).Inc()
}

// RecordCacheLookup records a cache hit, miss or bypass.
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// SetCacheEntries sets the cache size gauge.
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

// RecordRateLimited counts a rejected admission.
func (m *Metrics) RecordRateLimited(keyMode string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(keyMode).Inc()
}

// RecordRegistryPoll records a registry poll result.
func (m *Metrics) RecordRegistryPoll(source, result string) {
	if m == nil {
		return
	}
	m.registryPolls.WithLabelValues(source, result).Inc()
}

// SetRegistryVersion records the last observed registry version.
func (m *Metrics) SetRegistryVersion(version uint64, nodes int) {
	if m == nil {
		return
	}
	m.registryVersion.Set(float64(version))
	m.registryNodes.Set(float64(nodes))
}

// RecordProbe records a health probe result.
func (m *Metrics) RecordProbe(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.probesTotal.WithLabelValues(result).Inc()
	m.probeDuration.Observe(duration.Seconds())
}

// RecordHealthTransition counts a node state change.
func (m *Metrics) RecordHealthTransition(from, to string) {
	if m == nil {
		return
	}
	m.healthTransitions.WithLabelValues(from, to).Inc()
}

// SetSnapshot records the published generation and per-subnet eligibility.
func (m *Metrics) SetSnapshot(generation uint64, eligible map[string]int) {
	if m == nil {
		return
	}
	m.snapshotGeneration.Set(float64(generation))
	m.eligibleNodes.Reset()
	for subnet, n := range eligible {
		m.eligibleNodes.WithLabelValues(subnet).Set(float64(n))
	}
}

// RecordPersist records a snapshot persistence attempt.
func (m *Metrics) RecordPersist(result string) {
	if m == nil {
		return
	}
	m.persistSaves.WithLabelValues(result).Inc()
}

// MetricsServer provides a separate HTTP server for Prometheus metrics.
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a new metrics server.
func NewMetricsServer(port int, path string, gatherer prometheus.Gatherer, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start starts the metrics server.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("starting metrics server", zap.String("addr", ms.server.Addr))
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// MetricsMiddleware creates middleware that records HTTP metrics. route
// resolves the low-cardinality route label for a request.
func MetricsMiddleware(m *Metrics, route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.IncRequestsInFlight()
			defer m.DecRequestsInFlight()

			start := time.Now()
			rw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			m.RecordHTTPRequest(r.Method, route(r), rw.statusCode, time.Since(start))
		})
	}
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code.
func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
