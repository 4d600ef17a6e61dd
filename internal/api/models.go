package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/forgesight/forgesight/internal/mlmodel"
	"github.com/forgesight/forgesight/internal/storage"
)

// handleListModels serves GET /api/v1/models?family=<family>.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	family, err := mlmodel.ParseFamily(r.URL.Query().Get("family"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	models, err := s.deps.Registry.ListByFamily(r.Context(), family)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("could not list models"))

		return
	}

	if models == nil {
		models = []*mlmodel.Model{}
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"family": family,
		"models": models,
	})
}

// handleGetModel serves GET /api/v1/models/{id}.
func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	model, err := s.deps.Registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, modelProblem(err))

		return
	}

	s.writeJSON(w, r, http.StatusOK, model)
}

// handleValidateModel serves POST /api/v1/models/{id}/validate, advancing a
// Draft model to Testing.
func (s *Server) handleValidateModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.deps.Lifecycle.Validate(r.Context(), id); err != nil {
		WriteErrorResponse(w, r, s.logger, modelProblem(err))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"modelId": id,
		"status":  mlmodel.StatusTesting,
	})
}

// handlePromoteModel serves POST /api/v1/models/{id}/promote, installing the
// model as its family's Active version.
func (s *Server) handlePromoteModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.deps.Lifecycle.Promote(r.Context(), id); err != nil {
		WriteErrorResponse(w, r, s.logger, modelProblem(err))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"modelId": id,
		"status":  mlmodel.StatusActive,
	})
}

// modelProblem maps registry and lifecycle errors to HTTP problems.
func modelProblem(err error) *ProblemDetail {
	switch {
	case errors.Is(err, storage.ErrModelNotFound):
		return NotFound(err.Error())
	case errors.Is(err, mlmodel.ErrInvalidTransition), errors.Is(err, mlmodel.ErrArchivedImmutable):
		return Conflict(err.Error())
	default:
		return InternalServerError(fmt.Sprintf("model operation failed: %v", err))
	}
}
