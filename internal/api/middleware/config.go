// Package middleware provides HTTP middleware components for the ForgeSight API.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/forgesight/forgesight/internal/config"
)

const (
	defaultGlobalRPS    = 100
	defaultTenantRPS    = 50
	defaultAnonymousRPS = 10
)

// RateLimitConfig holds rate limiter configuration. Burst values of zero mean
// 2 × the corresponding rate.
type RateLimitConfig struct {
	GlobalRPS    int
	GlobalBurst  int
	TenantRPS    int
	TenantBurst  int
	AnonymousRPS int
}

// LoadRateLimitConfig reads the rate limiter configuration from the environment.
func LoadRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalRPS:    config.GetEnvInt("RATE_LIMIT_GLOBAL_RPS", defaultGlobalRPS),
		GlobalBurst:  config.GetEnvInt("RATE_LIMIT_GLOBAL_BURST", 0),
		TenantRPS:    config.GetEnvInt("RATE_LIMIT_TENANT_RPS", defaultTenantRPS),
		TenantBurst:  config.GetEnvInt("RATE_LIMIT_TENANT_BURST", 0),
		AnonymousRPS: config.GetEnvInt("RATE_LIMIT_ANONYMOUS_RPS", defaultAnonymousRPS),
	}
}

// writeRFC7807Error writes a minimal RFC 7807 problem response from within
// middleware, where the api package's richer helpers are unavailable.
func writeRFC7807Error(w http.ResponseWriter, r *http.Request, status int, detail, correlationID string) error {
	problem := struct {
		Type          string `json:"type"`
		Title         string `json:"title"`
		Status        int    `json:"status"`
		Detail        string `json:"detail"`
		Instance      string `json:"instance"`
		CorrelationID string `json:"correlationId"`
	}{
		Type:          fmt.Sprintf("https://forgesight.io/problems/%d", status),
		Title:         http.StatusText(status),
		Status:        status,
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(problem)
}
