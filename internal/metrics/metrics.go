// Package metrics provides Prometheus metrics for the mediasync server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediasync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediasync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Artifact cache metrics
	artifactLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediasync_artifact_lookups_total",
			Help: "Artifact cache lookups by operation kind and result (hit, disk, miss)",
		},
		[]string{"kind", "result"},
	)

	artifactComputesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediasync_artifact_computes_total",
			Help: "Artifact computations by operation kind and status",
		},
		[]string{"kind", "status"},
	)

	artifactComputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediasync_artifact_compute_duration_seconds",
			Help:    "Artifact computation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	artifactsInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediasync_artifacts_inflight",
			Help: "Number of artifact computations currently running",
		},
	)

	artifactsReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediasync_artifacts_reclaimed_total",
			Help: "Artifact payloads reclaimed from storage, by reason",
		},
		[]string{"reason"},
	)

	// Watcher metrics
	watchEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediasync_watch_events_total",
			Help: "Change events emitted by the content watcher",
		},
		[]string{"kind"},
	)

	watchEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediasync_watch_events_dropped_total",
			Help: "Change events dropped because the consumer was behind",
		},
	)

	namespacesRegistered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediasync_namespaces_registered",
			Help: "Registered namespaces by availability",
		},
		[]string{"available"},
	)

	// WebSocket metrics
	wsConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediasync_ws_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	wsEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediasync_ws_events_total",
			Help: "Total change events published to the hub",
		},
		[]string{"kind"},
	)

	wsSendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediasync_ws_send_failures_total",
			Help: "Per-connection send failures by reason",
		},
		[]string{"reason"},
	)

	// Processor metrics
	processorQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediasync_processor_queue_dropped_total",
			Help: "Warm-up jobs dropped because the queue was full",
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediasync_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediasync_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordArtifactLookup records an artifact cache lookup result.
func RecordArtifactLookup(kind, result string) {
	artifactLookupsTotal.WithLabelValues(kind, result).Inc()
}

// RecordArtifactCompute records a finished computation.
func RecordArtifactCompute(kind string, duration time.Duration, success bool) {
	artifactComputeDuration.WithLabelValues(kind).Observe(duration.Seconds())
	artifactComputesTotal.WithLabelValues(kind, statusLabel(success)).Inc()
}

// AddArtifactsInflight adjusts the in-flight computation gauge.
func AddArtifactsInflight(delta float64) {
	artifactsInflight.Add(delta)
}

// RecordArtifactReclaimed records a reclaimed artifact payload.
func RecordArtifactReclaimed(reason string) {
	artifactsReclaimedTotal.WithLabelValues(reason).Inc()
}

// RecordWatchEvent records an emitted watcher event.
func RecordWatchEvent(kind string) {
	watchEventsTotal.WithLabelValues(kind).Inc()
}

// RecordWatchEventDropped records a dropped watcher event.
func RecordWatchEventDropped() {
	watchEventsDropped.Inc()
}

// SetNamespacesRegistered sets the namespace gauges.
func SetNamespacesRegistered(available, unavailable int) {
	namespacesRegistered.WithLabelValues("true").Set(float64(available))
	namespacesRegistered.WithLabelValues("false").Set(float64(unavailable))
}

// SetWSConnectionsActive sets the number of active WebSocket connections.
func SetWSConnectionsActive(count int64) {
	wsConnectionsActive.Set(float64(count))
}

// RecordWSEvent records an event publication.
func RecordWSEvent(kind string) {
	wsEventsTotal.WithLabelValues(kind).Inc()
}

// RecordWSSendFailure records a failed or dropped per-connection send.
func RecordWSSendFailure(reason string) {
	wsSendFailures.WithLabelValues(reason).Inc()
}

// RecordProcessorDrop records a dropped warm-up job.
func RecordProcessorDrop() {
	processorQueueDropped.Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Paths are labelled with the matched route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
