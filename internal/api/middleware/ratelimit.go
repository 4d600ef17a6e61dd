// Package middleware provides HTTP middleware components for the ForgeSight API.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    = 2
	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterIdleTimeout     = 1 * time.Hour
)

type (
	// RateLimiter provides rate limiting for incoming requests.
	//
	// Implementations may use in-memory token buckets (single-node deployment)
	// or distributed stores like Redis (multi-node deployment).
	RateLimiter interface {
		// Allow checks if a request should be allowed based on rate limits.
		// tenantID is empty for requests without tenant identification.
		Allow(tenantID string) bool
	}

	// InMemoryRateLimiter implements RateLimiter using golang.org/x/time/rate.
	//
	// Two-tier token buckets: a global limit applied to every request, and a
	// lazily created per-tenant limit. Idle tenant limiters are cleaned up
	// periodically to keep memory bounded.
	InMemoryRateLimiter struct {
		global        *rate.Limiter
		perTenant     map[string]*tenantLimiter
		anonymous     *rate.Limiter
		mu            sync.RWMutex
		cleanupTicker *time.Ticker
		done          chan struct{}

		tenantRPS   int
		tenantBurst int
	}

	// tenantLimiter tracks rate limit state for a single tenant.
	tenantLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a two-tier in-memory rate limiter. Burst
// capacity is 2 × rate unless overridden in config.
func NewInMemoryRateLimiter(config *RateLimitConfig) *InMemoryRateLimiter {
	rl := &InMemoryRateLimiter{
		global:      rate.NewLimiter(rate.Limit(config.GlobalRPS), computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)),
		perTenant:   make(map[string]*tenantLimiter),
		anonymous:   rate.NewLimiter(rate.Limit(config.AnonymousRPS), computeBurstCapacity(config.AnonymousRPS, 0)),
		done:        make(chan struct{}),
		tenantRPS:   config.TenantRPS,
		tenantBurst: computeBurstCapacity(config.TenantRPS, config.TenantBurst),
	}

	rl.startCleanup()

	return rl
}

func computeBurstCapacity(rps, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rps * burstCapacityMultiplier
}

// Allow implements the RateLimiter interface.
func (rl *InMemoryRateLimiter) Allow(tenantID string) bool {
	if !rl.global.Allow() {
		return false
	}

	if tenantID == "" {
		return rl.anonymous.Allow()
	}

	rl.mu.RLock()
	tl, ok := rl.perTenant[tenantID]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()
		// Double-check after acquiring write lock (avoid race)
		if tl, ok = rl.perTenant[tenantID]; !ok {
			tl = &tenantLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.tenantRPS), rl.tenantBurst),
				lastAccess: time.Now(),
			}

			rl.perTenant[tenantID] = tl
		}
		rl.mu.Unlock()
	}

	tl.mu.Lock()
	tl.lastAccess = time.Now()
	tl.mu.Unlock()

	return tl.limiter.Allow()
}

// Close stops the cleanup goroutine and releases resources.
func (rl *InMemoryRateLimiter) Close() {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)
}

func (rl *InMemoryRateLimiter) startCleanup() {
	rl.cleanupTicker = time.NewTicker(rateLimiterCleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes tenant limiters that haven't been accessed recently.
func (rl *InMemoryRateLimiter) cleanup() {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for tenantID, tl := range rl.perTenant {
		tl.mu.Lock()
		lastAccess := tl.lastAccess
		tl.mu.Unlock()

		if now.Sub(lastAccess) > rateLimiterIdleTimeout {
			delete(rl.perTenant, tenantID)
		}
	}
}

// RateLimit returns a middleware that enforces rate limits on incoming
// requests. The tenant id comes from the X-Tenant-ID header; requests without
// one share the anonymous bucket. Exceeding a limit yields a 429 with an
// RFC 7807 body.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := r.Header.Get("X-Tenant-ID")

			if !limiter.Allow(tenantID) {
				correlationID := GetCorrelationID(r.Context())

				detail := "Rate limit exceeded. Please retry after some time."
				if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
					logger.Error("failed to write response with RFC 7807 error format",
						slog.String("correlation_id", correlationID),
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)

					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
