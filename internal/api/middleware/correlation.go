// Package middleware provides HTTP middleware components for the ForgeSight API.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

const (
	correlationIDBytes = 8

	// correlationIDLength is the hex-encoded length of a generated id.
	correlationIDLength = 2 * correlationIDBytes
)

type correlationIDKey struct{}

// CorrelationID assigns every request a correlation id: the client-supplied
// X-Correlation-ID header when present, a generated one otherwise. The id is
// echoed on the response header and stored in the request context.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Correlation-ID")
			if id == "" {
				id = newCorrelationID()
			}

			w.Header().Set("X-Correlation-ID", id)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID returns the request's correlation id, or "unknown" when the
// middleware did not run (background jobs, tests).
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}

	return "unknown"
}

// newCorrelationID draws from crypto/rand, falling back to a timestamp so a
// starved entropy pool still yields traceable requests.
func newCorrelationID() string {
	buf := make([]byte, correlationIDBytes)
	if _, err := rand.Read(buf); err != nil {
		stamp := fmt.Sprintf("%x", time.Now().UnixNano())
		if len(stamp) > correlationIDLength {
			stamp = stamp[:correlationIDLength]
		}

		return fmt.Sprintf("%-*s", correlationIDLength, stamp)
	}

	return hex.EncodeToString(buf)
}
