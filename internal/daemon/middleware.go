package daemon

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rhpman/rhpman-sim/internal/rhpman/telemetry"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler wraps an HTTP handler with Prometheus metrics. If
// metrics is nil, the handler is returned unchanged (zero overhead).
func InstrumentHandler(next http.Handler, metrics *telemetry.Metrics) http.Handler {
	if metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rec.status)

		metrics.DaemonRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		metrics.DaemonRequestDurationSeconds.WithLabelValues(r.Method, r.URL.Path, status).Observe(duration)
	})
}
