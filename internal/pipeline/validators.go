package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/forgesight/forgesight/internal/predict"
)

// Request constraint bounds.
const (
	MaxSTLBytes        = 50 << 20 // 50 MB
	maxPrinterNameLen  = 100
	maxDensityGCM3     = 20.0
	maxSpeedMMS        = 500.0
	maxLayerHeightMM   = 1.0
	minNozzleTempC     = 150.0
	maxNozzleTempC     = 300.0
	maxBedTempC        = 150.0
	maxInfillPct       = 100.0
	maxBaselineAge     = 2 * 365 * 24 * time.Hour
	minWeeklyHorizon   = 30
)

// validMaterials is the accepted filament material set.
var validMaterials = map[string]bool{
	"PLA": true, "ABS": true, "PETG": true, "TPU": true,
	"Nylon": true, "HIPS": true, "ASA": true, "PC": true,
}

// productIDPattern constrains demand forecast product ids.
var productIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

// validHorizons are the accepted forecast horizons in periods.
var validHorizons = map[int]bool{7: true, 30: true, 90: true}

// PrintTimeRequest is the validated input for a print-time prediction.
// STLData carries the raw uploaded file bytes.
type PrintTimeRequest struct {
	STLData     []byte
	Filename    string
	Material    string
	DensityGCM3 float64
	Printer     string
	SpeedMMS    float64
	LayerHeight float64
	NozzleTemp  float64
	BedTemp     float64
	InfillPct   float64
}

// Params converts the request into predictor parameters.
func (r *PrintTimeRequest) Params() predict.PrintParams {
	return predict.PrintParams{
		Material:    r.Material,
		DensityGCM3: r.DensityGCM3,
		Printer:     r.Printer,
		SpeedMMS:    r.SpeedMMS,
		LayerHeight: r.LayerHeight,
		NozzleTemp:  r.NozzleTemp,
		BedTemp:     r.BedTemp,
		InfillPct:   r.InfillPct,
	}
}

// Validate returns every violated constraint; an empty slice means valid.
func (r *PrintTimeRequest) Validate() []string {
	var messages []string

	switch {
	case len(r.STLData) == 0:
		messages = append(messages, "geometry file is required")
	case len(r.STLData) > MaxSTLBytes:
		messages = append(messages, fmt.Sprintf("geometry file exceeds %d bytes", MaxSTLBytes))
	}

	if !strings.HasSuffix(strings.ToLower(r.Filename), ".stl") {
		messages = append(messages, "geometry file must have .stl extension")
	}

	if !validMaterials[r.Material] {
		messages = append(messages, fmt.Sprintf("material %q is not supported", r.Material))
	}

	if r.DensityGCM3 <= 0 || r.DensityGCM3 > maxDensityGCM3 {
		messages = append(messages, fmt.Sprintf("density must be in (0, %g] g/cm3", maxDensityGCM3))
	}

	if len(r.Printer) > maxPrinterNameLen {
		messages = append(messages, fmt.Sprintf("printer name exceeds %d characters", maxPrinterNameLen))
	}

	if r.SpeedMMS <= 0 || r.SpeedMMS > maxSpeedMMS {
		messages = append(messages, fmt.Sprintf("print speed must be in (0, %g] mm/s", maxSpeedMMS))
	}

	if r.LayerHeight <= 0 || r.LayerHeight > maxLayerHeightMM {
		messages = append(messages, fmt.Sprintf("layer height must be in (0, %g] mm", maxLayerHeightMM))
	}

	if r.NozzleTemp < minNozzleTempC || r.NozzleTemp > maxNozzleTempC {
		messages = append(messages, fmt.Sprintf("nozzle temperature must be in [%g, %g] C", minNozzleTempC, maxNozzleTempC))
	}

	if r.BedTemp < 0 || r.BedTemp > maxBedTempC {
		messages = append(messages, fmt.Sprintf("bed temperature must be in [0, %g] C", maxBedTempC))
	}

	if r.InfillPct < 0 || r.InfillPct > maxInfillPct {
		messages = append(messages, "infill must be in [0, 100] percent")
	}

	return messages
}

// DemandRequest is the validated input for a demand forecast.
type DemandRequest struct {
	ProductID    string
	Horizon      int
	Granularity  predict.Granularity
	BaselineDate time.Time
}

// Validate returns every violated constraint; an empty slice means valid.
// now is injected so boundary tests are deterministic.
func (r *DemandRequest) Validate(now time.Time) []string {
	var messages []string

	if !productIDPattern.MatchString(r.ProductID) {
		messages = append(messages, "product id must match [a-zA-Z0-9_-]{1,100}")
	}

	if !validHorizons[r.Horizon] {
		messages = append(messages, "horizon must be one of 7, 30, 90")
	}

	if !r.Granularity.IsValid() {
		messages = append(messages, "granularity must be daily or weekly")
	} else if r.Granularity == predict.GranularityWeekly && r.Horizon < minWeeklyHorizon {
		messages = append(messages, fmt.Sprintf("weekly granularity requires horizon >= %d", minWeeklyHorizon))
	}

	switch {
	case r.BaselineDate.IsZero():
		messages = append(messages, "baseline date is required")
	case r.BaselineDate.After(now):
		messages = append(messages, "baseline date cannot be in the future")
	case r.BaselineDate.Before(now.Add(-maxBaselineAge)):
		messages = append(messages, "baseline date cannot be older than 2 years")
	}

	return messages
}
