// Package middleware provides HTTP middleware components for the ForgeSight API.
package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery converts handler panics into RFC 7807 500 responses. The panic
// value and stack are logged with the request's correlation id so the failing
// request can be traced end to end.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				cause := recover()
				if cause == nil {
					return
				}

				correlationID := GetCorrelationID(r.Context())

				logger.Error("HTTP request panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
					slog.Any("panic", cause),
					slog.String("stack_trace", string(debug.Stack())),
				)

				detail := "An unexpected error occurred while processing the request"
				if err := writeRFC7807Error(w, r, http.StatusInternalServerError, detail, correlationID); err != nil {
					logger.Error("Failed to encode error response",
						slog.Any("error", err),
						slog.String("correlation_id", correlationID),
					)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
