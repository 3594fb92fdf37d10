package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arborlabs/arbor/internal/metrics"
)

// statusWriter wraps http.ResponseWriter to capture status code. It forwards
// Flush so SSE streaming keeps working behind the wrapper.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Metrics returns middleware that records Prometheus metrics.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		metrics.HTTPRequestsTotal.WithLabelValues(
			r.Method, path, strconv.Itoa(wrapped.status),
		).Inc()

		metrics.HTTPRequestDuration.WithLabelValues(
			r.Method, path,
		).Observe(duration)
	})
}

// normalizePath collapses chat ids to avoid high cardinality in metrics.
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/chats/") {
		rest := strings.TrimPrefix(path, "/chats/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return "/chats/:id" + rest[i:]
		}
		return "/chats/:id"
	}
	if strings.HasPrefix(path, "/shared/") {
		return "/shared/:id"
	}
	return path
}
