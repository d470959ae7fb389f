// Package metrics provides Prometheus metrics for the backup client and store.
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
	// QueueDepth is the number of actions waiting in the action queue.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bsync_queue_depth",
			Help: "Number of actions waiting in the action queue",
		},
	)

	// ActionsTotal counts live actions by kind and outcome.
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsync_actions_total",
			Help: "Total number of live actions processed",
		},
		[]string{"kind", "outcome"},
	)

	// DebouncedTotal counts watcher events by whether they armed a new timer.
	DebouncedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsync_watch_events_total",
			Help: "Total number of watcher events seen by the debouncer",
		},
		[]string{"armed"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsync_uploads_total",
			Help: "Total number of file uploads",
		},
		[]string{"status"},
	)

	deletesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bsync_deleted_files_total",
			Help: "Total number of files soft-deleted remotely",
		},
	)

	passDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bsync_pass_duration_seconds",
			Help:    "Duration of reconciliation passes",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"status"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsync_store_http_requests_total",
			Help: "Total number of backup store HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bsync_store_http_request_duration_seconds",
			Help:    "Backup store HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	blobOperations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bsync_store_blob_operation_duration_seconds",
			Help:    "Blob backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation", "status"},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordUpload records the outcome of one file upload.
func RecordUpload(success bool) {
	uploadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordDeletes records a batch of soft-deleted files.
func RecordDeletes(n int) {
	deletesTotal.Add(float64(n))
}

// RecordPass records the duration of a reconciliation pass.
func RecordPass(duration time.Duration, success bool) {
	passDuration.WithLabelValues(statusLabel(success)).Observe(duration.Seconds())
}

// RecordBlobOperation records a blob backend call.
func RecordBlobOperation(backend, operation string, duration time.Duration, success bool) {
	blobOperations.WithLabelValues(backend, operation, statusLabel(success)).Observe(duration.Seconds())
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency for every route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		// ServeMux fills in the matched pattern, which keeps ids out of the labels.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
