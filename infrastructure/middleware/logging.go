// Package middleware provides HTTP middleware for the service layer.
package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/r3e-network/investment-core/infrastructure/logging"
)

// LoggingMiddleware logs HTTP requests with trace ID.
func LoggingMiddleware(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Generate or extract the request's correlation id. X-Request-ID is
			// the client-facing name (spec contract); X-Trace-ID is accepted as
			// an alias for callers still using the older header. Both are
			// carried by the same underlying trace id in the logging context
			// and in ServiceError's request_id field.
			traceID := r.Header.Get("X-Request-ID")
			if traceID == "" {
				traceID = r.Header.Get("X-Trace-ID")
			}
			if traceID == "" {
				traceID = logging.NewTraceID()
			}

			// Add trace ID to context
			ctx := logging.WithTraceID(r.Context(), traceID)
			r = r.WithContext(ctx)

			// Ensure downstream handlers (including reverse proxies) can forward the trace ID.
			r.Header.Set("X-Request-ID", traceID)
			r.Header.Set("X-Trace-ID", traceID)

			// Add trace ID to response headers
			w.Header().Set("X-Request-ID", traceID)
			w.Header().Set("X-Trace-ID", traceID)

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			// Process request
			next.ServeHTTP(wrapped, r)

			// Log request
			duration := time.Since(start)
			logger.LogRequest(ctx, r.Method, r.URL.Path, wrapped.statusCode, duration)
		})
	}
}

// requestIDFromRequest returns the request's correlation id for stamping
// onto an error response written before LoggingMiddleware has run (e.g. a
// gate middleware that rejects a request earlier in the chain).
func requestIDFromRequest(r *http.Request) string {
	if id := logging.GetTraceID(r.Context()); id != "" {
		return id
	}
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return r.Header.Get("X-Trace-ID")
}
