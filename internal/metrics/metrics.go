// Package metrics provides Prometheus metrics for the myCloud server.
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
			Name: "mycloud_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mycloud_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mycloud_content_bytes_downloaded_total",
			Help: "Total bytes served from the content endpoint",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mycloud_content_bytes_uploaded_total",
			Help: "Total bytes accepted by upload batches",
		},
	)

	uploadBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycloud_upload_batches_total",
			Help: "Total upload batches by outcome",
		},
		[]string{"status"},
	)

	// Tree metrics
	nodesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycloud_nodes_created_total",
			Help: "Total nodes created",
		},
		[]string{"kind"},
	)

	nodesDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycloud_nodes_deleted_total",
			Help: "Total nodes deleted",
		},
		[]string{"kind"},
	)

	metadataTreeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mycloud_metadata_tree_size",
			Help: "Number of files and folders in the metadata tree",
		},
	)

	byteReleaseFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mycloud_byte_release_failures_total",
			Help: "Backing objects that could not be released during subtree deletion",
		},
	)

	// Quota metrics
	storageUsedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mycloud_storage_used_bytes",
			Help: "Bytes used by all files",
		},
	)

	storageLimitBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mycloud_storage_limit_bytes",
			Help: "Configured storage ceiling (0 = unlimited)",
		},
	)

	quotaExceededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mycloud_quota_exceeded_total",
			Help: "Total upload batches rejected by the storage ceiling",
		},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mycloud_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mycloud_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mycloud_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Byte store metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mycloud_storage_operation_duration_seconds",
			Help:    "Byte store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycloud_storage_operations_total",
			Help: "Total byte store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mycloud_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycloud_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordContentDownload records bytes streamed to a client.
func RecordContentDownload(bytes int64) {
	contentBytesDownloaded.Add(float64(bytes))
}

// RecordUploadBatch records the outcome of an upload batch.
func RecordUploadBatch(bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	} else {
		contentBytesUploaded.Add(float64(bytes))
	}
	uploadBatchesTotal.WithLabelValues(status).Inc()
}

// RecordNodeCreated counts a new file or folder.
func RecordNodeCreated(kind string) {
	nodesCreatedTotal.WithLabelValues(kind).Inc()
}

// RecordNodeDeleted counts a removed file or folder.
func RecordNodeDeleted(kind string) {
	nodesDeletedTotal.WithLabelValues(kind).Inc()
}

// SetMetadataTreeSize sets the current metadata tree size.
func SetMetadataTreeSize(size int64) {
	metadataTreeSize.Set(float64(size))
}

// RecordByteReleaseFailure counts a backing object that could not be released.
func RecordByteReleaseFailure() {
	byteReleaseFailuresTotal.Inc()
}

// SetStorageUsed sets the cached global usage.
func SetStorageUsed(bytes int64) {
	storageUsedBytes.Set(float64(bytes))
}

// SetStorageLimit sets the configured ceiling.
func SetStorageLimit(bytes int64) {
	storageLimitBytes.Set(float64(bytes))
}

// RecordQuotaExceeded records a rejected upload batch.
func RecordQuotaExceeded() {
	quotaExceededTotal.Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordStorageOperation records a byte store operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled with the matched route pattern to keep node IDs
// out of the label set.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
