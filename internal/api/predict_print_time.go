package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/forgesight/forgesight/internal/pipeline"
)

// multipartMemoryLimit bounds how much of the upload is buffered in memory;
// the rest spills to temp files.
const multipartMemoryLimit = 8 << 20

// handlePredictPrintTime serves POST /api/v1/predictions/print-time.
//
// The request is multipart/form-data: the geometry file under the "model"
// field, slicing parameters as form values. Full constraint validation
// happens in the pipeline; this handler only gets the bytes and numbers out
// of the transport.
func (s *Server) handlePredictPrintTime(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes+multipartMemoryLimit)

	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(fmt.Sprintf("invalid multipart request: %v", err)))

		return
	}

	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("model")
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(`geometry file is required under the "model" field`))

		return
	}

	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(fmt.Sprintf("could not read geometry file: %v", err)))

		return
	}

	req := &pipeline.PrintTimeRequest{
		STLData:  data,
		Filename: header.Filename,
		Material: r.FormValue("material"),
		Printer:  r.FormValue("printer"),
	}

	numeric := []struct {
		field string
		dest  *float64
	}{
		{"density_gcm3", &req.DensityGCM3},
		{"speed_mms", &req.SpeedMMS},
		{"layer_height_mm", &req.LayerHeight},
		{"nozzle_temp_c", &req.NozzleTemp},
		{"bed_temp_c", &req.BedTemp},
		{"infill_pct", &req.InfillPct},
	}

	for _, f := range numeric {
		value := r.FormValue(f.field)
		if value == "" {
			continue
		}

		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest(fmt.Sprintf("%s must be a number", f.field)))

			return
		}

		*f.dest = parsed
	}

	response, err := s.deps.Predictor.PredictPrintTime(r.Context(), req, requestMeta(r))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromPipeline(err))

		return
	}

	s.writeJSON(w, r, http.StatusOK, response)
}
