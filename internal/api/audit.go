package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/forgesight/forgesight/internal/storage"
)

// amendOutcomeRequest is the JSON contract for writing a realized outcome
// onto an audit record.
type amendOutcomeRequest struct {
	ActualOutcome map[string]any `json:"actualOutcome"`
}

// handleGetAuditTrail serves GET /api/v1/audit/{correlationId}, returning
// every audit record emitted under one correlation id.
func (s *Server) handleGetAuditTrail(w http.ResponseWriter, r *http.Request) {
	correlationID := r.PathValue("correlationId")

	records, err := s.deps.Audits.GetByCorrelationID(r.Context(), correlationID)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, auditProblem(err))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"correlationId": correlationID,
		"records":       records,
	})
}

// handleAmendOutcome serves PATCH /api/v1/audit/{id}/outcome. The outcome is
// first-write-wins: a second amendment yields 409.
func (s *Server) handleAmendOutcome(w http.ResponseWriter, r *http.Request) {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, BadRequest("Content-Type must be application/json"))

		return
	}

	var body amendOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(fmt.Sprintf("invalid request body: %v", err)))

		return
	}

	if len(body.ActualOutcome) == 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("actualOutcome is required"))

		return
	}

	id := r.PathValue("id")

	if err := s.deps.Audits.AmendOutcome(r.Context(), id, body.ActualOutcome); err != nil {
		WriteErrorResponse(w, r, s.logger, auditProblem(err))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"recordId":      id,
		"actualOutcome": body.ActualOutcome,
	})
}

// auditProblem maps audit store errors to HTTP problems.
func auditProblem(err error) *ProblemDetail {
	switch {
	case errors.Is(err, storage.ErrAuditRecordNotFound):
		return NotFound(err.Error())
	case errors.Is(err, storage.ErrOutcomeAlreadySet):
		return Conflict(err.Error())
	default:
		return InternalServerError(fmt.Sprintf("audit operation failed: %v", err))
	}
}
