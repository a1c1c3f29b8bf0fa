package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// wrapResponseWriter wraps http.ResponseWriter to capture the status code
// and the number of body bytes written.
type wrapResponseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func newWrapResponseWriter(w http.ResponseWriter) *wrapResponseWriter {
	return &wrapResponseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *wrapResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *wrapResponseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// StructuredLogger returns middleware that logs each request with the given
// logger. It records the request ID set by chi's RequestID middleware, the
// method, path, response status, size and duration. Webhook traffic is
// logged at debug level since every caller keypress produces one.
func StructuredLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("subsystem", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newWrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			level := slog.LevelInfo
			if isWebhook(r) && wrapped.status < http.StatusBadRequest {
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "http request",
				"request_id", chimw.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"bytes", wrapped.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

func isWebhook(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/webhooks/")
}
