package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/forgesight/forgesight/internal/mlmodel"
	"github.com/forgesight/forgesight/internal/storage"
	"github.com/forgesight/forgesight/internal/training"
)

// trainingJobRequest is the JSON contract for manually triggered training.
type trainingJobRequest struct {
	Family          string             `json:"family"`
	Hyperparameters map[string]float64 `json:"hyperparameters,omitempty"`
}

// handleCreateTrainingJob serves POST /api/v1/training/jobs. Jobs created
// here carry the manual trigger; the response returns immediately with the
// queued job id.
func (s *Server) handleCreateTrainingJob(w http.ResponseWriter, r *http.Request) {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, BadRequest("Content-Type must be application/json"))

		return
	}

	var body trainingJobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(fmt.Sprintf("invalid request body: %v", err)))

		return
	}

	family, err := mlmodel.ParseFamily(body.Family)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	jobID, err := s.deps.Training.Enqueue(r.Context(), family, mlmodel.TriggerManual, body.Hyperparameters)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, trainingProblem(err))

		return
	}

	s.writeJSON(w, r, http.StatusAccepted, map[string]any{
		"jobId":  jobID,
		"family": family,
		"status": mlmodel.JobQueued,
	})
}

// handleGetTrainingJob serves GET /api/v1/training/jobs/{id}.
func (s *Server) handleGetTrainingJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Training.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, trainingProblem(err))

		return
	}

	s.writeJSON(w, r, http.StatusOK, job)
}

// trainingProblem maps dispatcher and training store errors to HTTP problems.
func trainingProblem(err error) *ProblemDetail {
	switch {
	case errors.Is(err, storage.ErrJobNotFound):
		return NotFound(err.Error())
	case errors.Is(err, training.ErrNoTrainer):
		return BadRequest(err.Error())
	case errors.Is(err, training.ErrFamilyBusy):
		return Conflict(err.Error())
	case errors.Is(err, training.ErrDispatcherClosed):
		return ServiceUnavailable(err.Error())
	default:
		return InternalServerError(fmt.Sprintf("training operation failed: %v", err))
	}
}
