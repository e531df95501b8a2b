// Package metrics provides Prometheus metrics for the lanshare server and scanner.
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
			Name: "lanshare_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lanshare_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	connectionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lanshare_connections_in_flight",
			Help: "Number of open client connections",
		},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lanshare_content_bytes_downloaded_total",
			Help: "Total bytes served by the content endpoint",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lanshare_content_bytes_uploaded_total",
			Help: "Total bytes written by the upload endpoint",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanshare_content_downloads_total",
			Help: "Total number of content downloads",
		},
		[]string{"status"},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanshare_content_uploads_total",
			Help: "Total number of content uploads",
		},
		[]string{"status"},
	)

	listingsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lanshare_listings_total",
			Help: "Total number of directory listings served",
		},
	)

	pathRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanshare_path_rejections_total",
			Help: "Requests rejected by the path resolver",
		},
		[]string{"kind"},
	)

	// SSE
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lanshare_sse_connections_active",
			Help: "Number of connected event stream subscribers",
		},
	)

	// Discovery
	discoveryProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanshare_discovery_probes_total",
			Help: "Discovery probes by result",
		},
		[]string{"result"},
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

// ConnectionOpened increments the in-flight connection gauge.
func ConnectionOpened() {
	connectionsInFlight.Inc()
}

// ConnectionClosed decrements the in-flight connection gauge.
func ConnectionClosed() {
	connectionsInFlight.Dec()
}

// RecordContentDownload records a content download.
func RecordContentDownload(bytes int64, success bool) {
	contentBytesDownloaded.Add(float64(bytes))
	contentDownloadsTotal.WithLabelValues(status(success)).Inc()
}

// RecordContentUpload records a content upload.
func RecordContentUpload(bytes int64, success bool) {
	contentBytesUploaded.Add(float64(bytes))
	contentUploadsTotal.WithLabelValues(status(success)).Inc()
}

// RecordListing records a served directory listing.
func RecordListing() {
	listingsTotal.Inc()
}

// RecordPathRejection records a request refused by the resolver.
func RecordPathRejection(kind string) {
	pathRejectionsTotal.WithLabelValues(kind).Inc()
}

// SetSSEConnectionsActive sets the number of event stream subscribers.
func SetSSEConnectionsActive(n int64) {
	sseConnectionsActive.Set(float64(n))
}

// RecordProbe records the outcome of one discovery probe.
func RecordProbe(verified bool) {
	result := "miss"
	if verified {
		result = "peer"
	}
	discoveryProbesTotal.WithLabelValues(result).Inc()
}

func status(success bool) string {
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// The route pattern is used as the path label to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
