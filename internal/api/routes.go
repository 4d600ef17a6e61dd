// Package api provides the HTTP API server for the ForgeSight service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgesight/forgesight/internal/api/middleware"
)

const (
	healthCheckTimeout = 2 * time.Second
	serviceVersion     = "v1.0.0"
)

// HealthStatus represents the health check response structure.
type HealthStatus struct {
	Status      string `json:"status"`
	ServiceName string `json:"serviceName"`
	Version     string `json:"version"`
	Uptime      string `json:"uptime,omitempty"`
}

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Probes and observability
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /health", s.handleHealth)

	if s.deps.MetricsRegistry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(
			s.deps.MetricsRegistry, promhttp.HandlerOpts{},
		))
	}

	// Predictions
	mux.HandleFunc("POST /api/v1/predictions/print-time", s.handlePredictPrintTime)
	mux.HandleFunc("POST /api/v1/predictions/demand", s.handleForecastDemand)

	// Model registry and lifecycle
	mux.HandleFunc("GET /api/v1/models", s.handleListModels)
	mux.HandleFunc("GET /api/v1/models/{id}", s.handleGetModel)
	mux.HandleFunc("POST /api/v1/models/{id}/validate", s.handleValidateModel)
	mux.HandleFunc("POST /api/v1/models/{id}/promote", s.handlePromoteModel)

	// Training
	mux.HandleFunc("POST /api/v1/training/jobs", s.handleCreateTrainingJob)
	mux.HandleFunc("GET /api/v1/training/jobs/{id}", s.handleGetTrainingJob)

	// Audit trail
	mux.HandleFunc("GET /api/v1/audit/{correlationId}", s.handleGetAuditTrail)
	mux.HandleFunc("PATCH /api/v1/audit/{id}/outcome", s.handleAmendOutcome)

	// Catch-all handler for 404 responses
	mux.HandleFunc("/", s.handleNotFound)
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleHealthz responds to readiness probes with a storage health check.
// Returns 503 while the database is unreachable so the pod receives no traffic.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.deps.Health.HealthCheck(ctx); err != nil {
		s.logger.Error("Storage health check failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("storage unavailable"))

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleHealth returns detailed health status information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string

	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: "forgesight",
		Version:     serviceVersion,
		Uptime:      uptime,
	})
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// writeJSON marshals a response body and writes it with the given status.
// Marshal failures degrade to a 500 problem response.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// hasJSONContentType checks if Content-Type header starts with "application/json".
// This allows charset parameters (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}
