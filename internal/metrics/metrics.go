// Package metrics provides Prometheus metrics for the unifile server.
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
			Name: "unifile_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unifile_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Command metrics
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unifile_commands_total",
			Help: "Total dispatched commands by name, backend and result kind",
		},
		[]string{"command", "backend", "result"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unifile_command_duration_seconds",
			Help:    "Command duration in seconds, including lease wait",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command", "backend"},
	)

	// Transfer metrics
	bytesDownloaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unifile_bytes_downloaded_total",
			Help: "Total bytes streamed from backends to callers",
		},
		[]string{"backend"},
	)

	bytesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unifile_bytes_uploaded_total",
			Help: "Total bytes streamed from callers to backends",
		},
		[]string{"backend"},
	)

	transfersAborted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unifile_transfers_aborted_total",
			Help: "Transfers aborted by caller disconnect or backend failure",
		},
		[]string{"direction"},
	)

	// Session metrics
	sessionsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unifile_sessions",
			Help: "Number of sessions by state",
		},
		[]string{"state"},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unifile_auth_attempts_total",
			Help: "Total credential submissions",
		},
		[]string{"backend", "result"},
	)

	// Pool metrics
	liveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unifile_pool_live_connections",
			Help: "Number of live backend connections",
		},
	)

	reconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unifile_pool_reconnects_total",
			Help: "Backend reconnects by reason",
		},
		[]string{"reason"},
	)

	// Backend API metrics
	backendOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unifile_backend_operation_duration_seconds",
			Help:    "Backend API call duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"backend", "operation", "status"},
	)

	leaseWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unifile_pool_lease_wait_seconds",
			Help:    "Time spent queued behind another command on the same session",
			Buckets: []float64{.001, .005, .025, .1, .5, 1, 5, 30},
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordCommand records a dispatched command and its outcome ("ok" or an error kind).
func RecordCommand(command, backend, result string, duration time.Duration) {
	commandsTotal.WithLabelValues(command, backend, result).Inc()
	commandDuration.WithLabelValues(command, backend).Observe(duration.Seconds())
}

// RecordDownload records bytes streamed to a caller.
func RecordDownload(backend string, bytes int64) {
	bytesDownloaded.WithLabelValues(backend).Add(float64(bytes))
}

// RecordUpload records bytes streamed to a backend.
func RecordUpload(backend string, bytes int64) {
	bytesUploaded.WithLabelValues(backend).Add(float64(bytes))
}

// RecordTransferAborted records an aborted upload or download.
func RecordTransferAborted(direction string) {
	transfersAborted.WithLabelValues(direction).Inc()
}

// SetSessions sets the session gauge for a state.
func SetSessions(state string, count int) {
	sessionsByState.WithLabelValues(state).Set(float64(count))
}

// RecordAuthAttempt records a credential submission.
func RecordAuthAttempt(backend string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(backend, result).Inc()
}

// ConnectionOpened increments the live connection gauge.
func ConnectionOpened() { liveConnections.Inc() }

// ConnectionClosed decrements the live connection gauge.
func ConnectionClosed() { liveConnections.Dec() }

// RecordReconnect records a reconnect ("stale", "broken", "probe", "missing").
func RecordReconnect(reason string) {
	reconnectsTotal.WithLabelValues(reason).Inc()
}

// RecordLeaseWait records how long a command queued for its session.
func RecordLeaseWait(d time.Duration) {
	leaseWait.Observe(d.Seconds())
}

// RecordBackendOperation records a backend API call.
func RecordBackendOperation(backend, operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	backendOpDuration.WithLabelValues(backend, operation, status).Observe(duration.Seconds())
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
// Paths are not used as labels: they embed user file names.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, rw.statusCode, time.Since(start))
	})
}
