// Package api provides the HTTP API server for the ForgeSight service.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/forgesight/forgesight/internal/api/middleware"
	"github.com/forgesight/forgesight/internal/pipeline"
)

// ProblemDetail represents an RFC 7807 Problem Details structure.
// See https://tools.ietf.org/html/rfc7807 for specification.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// NewProblemDetail creates a new RFC 7807 Problem Detail.
func NewProblemDetail(status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:      fmt.Sprintf("https://forgesight.io/problems/%d", status),
		Title:     title,
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// WriteErrorResponse writes an RFC 7807 compliant error response.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if problem.CorrelationID == "" {
		problem.CorrelationID = correlationID
	}

	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("encode_error", err),
			slog.Int("status", problem.Status),
		)

		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Common error constructors for frequently used errors.

// InternalServerError creates a 500 Internal Server Error problem.
func InternalServerError(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusInternalServerError, "Internal Server Error", detail)
}

// BadRequest creates a 400 Bad Request problem.
func BadRequest(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusBadRequest, "Bad Request", detail)
}

// NotFound creates a 404 Not Found problem.
func NotFound(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusNotFound, "Not Found", detail)
}

// Conflict creates a 409 Conflict problem.
func Conflict(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusConflict, "Conflict", detail)
}

// ServiceUnavailable creates a 503 Service Unavailable problem.
func ServiceUnavailable(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusServiceUnavailable, "Service Unavailable", detail)
}

// problemFromPipeline maps the pipeline's discriminated error kinds to HTTP
// problems: validation → 400, no active model or exhausted infrastructure
// retries → 503, everything else → 500.
func problemFromPipeline(err error) *ProblemDetail {
	switch pipeline.KindOf(err) {
	case pipeline.KindValidation:
		return BadRequest(err.Error())
	case pipeline.KindUnavailable, pipeline.KindTransient:
		return ServiceUnavailable(err.Error())
	default:
		return InternalServerError("prediction failed")
	}
}
