// Package middleware provides HTTP middleware components for the ForgeSight API.
package middleware

import (
	"log/slog"
	"net/http"
)

// Option wraps a handler with one middleware layer.
type Option func(http.Handler) http.Handler

// Apply composes middleware around a base handler. Options are listed
// outermost first, so
//
//	middleware.Apply(mux,
//	    middleware.WithCorrelationID(),
//	    middleware.WithRateLimit(limiter, logger),
//	    middleware.WithRequestLogger(logger),
//	    middleware.WithRecovery(logger),
//	)
//
// runs correlation id assignment before anything else and keeps recovery
// closest to the handler.
func Apply(handler http.Handler, options ...Option) http.Handler {
	// Wrap inside out: the last option ends up innermost.
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// WithCorrelationID adds correlation id assignment to the chain.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery adds panic recovery to the chain.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithRateLimit adds rate limiting to the chain. A nil limiter disables the
// layer entirely rather than failing open on every request.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger adds request logging to the chain.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}
