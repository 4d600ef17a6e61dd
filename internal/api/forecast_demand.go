package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/forgesight/forgesight/internal/pipeline"
	"github.com/forgesight/forgesight/internal/predict"
)

// demandForecastRequest is the JSON contract for demand forecasts. The API
// payload is decoupled from the pipeline's domain request.
type demandForecastRequest struct {
	ProductID    string `json:"productId"`
	Horizon      int    `json:"horizon"`
	Granularity  string `json:"granularity"`
	BaselineDate string `json:"baselineDate"` // YYYY-MM-DD
}

// handleForecastDemand serves POST /api/v1/predictions/demand.
func (s *Server) handleForecastDemand(w http.ResponseWriter, r *http.Request) {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, BadRequest("Content-Type must be application/json"))

		return
	}

	var body demandForecastRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(fmt.Sprintf("invalid request body: %v", err)))

		return
	}

	req := &pipeline.DemandRequest{
		ProductID:   body.ProductID,
		Horizon:     body.Horizon,
		Granularity: predict.Granularity(body.Granularity),
	}

	if body.BaselineDate != "" {
		baseline, err := time.Parse("2006-01-02", body.BaselineDate)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("baselineDate must be formatted YYYY-MM-DD"))

			return
		}

		req.BaselineDate = baseline
	}

	response, err := s.deps.Predictor.ForecastDemand(r.Context(), req, requestMeta(r))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromPipeline(err))

		return
	}

	s.writeJSON(w, r, http.StatusOK, response)
}
