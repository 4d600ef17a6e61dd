package predict

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/forgesight/forgesight/internal/features"
)

// DefaultConfidenceMargin is the symmetric 95% band width as a fraction of
// the prediction. A documented default, not a fitted interval.
const DefaultConfidenceMargin = 0.15

// PrintParams are the validated slicing parameters for a print-time request.
type PrintParams struct {
	Material    string
	DensityGCM3 float64
	Printer     string
	SpeedMMS    float64
	LayerHeight float64
	NozzleTemp  float64
	BedTemp     float64
	InfillPct   float64
}

// PrintTimePredictor turns geometry features and a loaded print-time model
// into a normalized result in minutes.
type PrintTimePredictor struct {
	// Margin is the relative half-width of the confidence band.
	Margin float64
}

// NewPrintTimePredictor returns a predictor with the given confidence margin;
// a non-positive margin falls back to the default.
func NewPrintTimePredictor(margin float64) *PrintTimePredictor {
	if margin <= 0 {
		margin = DefaultConfidenceMargin
	}

	return &PrintTimePredictor{Margin: margin}
}

// FeatureNames lists the print-time feature space in a stable order. Trainers
// record these as dataset feature columns.
func FeatureNames() []string {
	return []string{
		"volume_cm3", "surface_area_cm2", "height_mm", "layer_count",
		"support_percent", "complexity", "triangle_count", "density_gcm3",
		"speed_mms", "layer_height_mm", "nozzle_temp_c", "bed_temp_c", "infill_pct",
	}
}

// FeatureVector flattens geometry and slicing parameters into the model's
// feature space. Names are part of the artifact contract with the trainer.
func FeatureVector(geo *features.Geometry, params PrintParams) map[string]float64 {
	return map[string]float64{
		"volume_cm3":       geo.VolumeCM3,
		"surface_area_cm2": geo.SurfaceAreaCM2,
		"height_mm":        geo.HeightMM,
		"layer_count":      float64(geo.LayerCount),
		"support_percent":  geo.SupportPercent,
		"complexity":       geo.Complexity,
		"triangle_count":   float64(geo.TriangleCount),
		"density_gcm3":     params.DensityGCM3,
		"speed_mms":        params.SpeedMMS,
		"layer_height_mm":  params.LayerHeight,
		"nozzle_temp_c":    params.NozzleTemp,
		"bed_temp_c":       params.BedTemp,
		"infill_pct":       params.InfillPct,
	}
}

// Predict evaluates the model and builds the normalized result. Confidence
// bounds are predicted ± margin·predicted, clamped to ≥ 0. The explanation
// names the dominant contributing features.
func (p *PrintTimePredictor) Predict(
	geo *features.Geometry,
	params PrintParams,
	model *PrintTimeModel,
	modelVersion string,
) Result {
	vector := FeatureVector(geo, params)
	predicted := model.Predict(vector)
	margin := p.Margin * predicted

	return Result{
		Predicted:    predicted,
		Unit:         "minutes",
		LowerBound:   math.Max(0, predicted-margin),
		UpperBound:   predicted + margin,
		Explanation:  explainPrintTime(model, vector),
		ModelVersion: modelVersion,
		Metadata: map[string]any{
			"volume_cm3":       geo.VolumeCM3,
			"surface_area_cm2": geo.SurfaceAreaCM2,
			"layer_count":      geo.LayerCount,
			"support_percent":  geo.SupportPercent,
			"complexity":       geo.Complexity,
			"triangle_count":   geo.TriangleCount,
			"material":         params.Material,
			"infill_pct":       params.InfillPct,
			"speed_mms":        params.SpeedMMS,
		},
	}
}

// explainPrintTime ranks features by absolute contribution and names the top
// drivers in a short sentence.
func explainPrintTime(model *PrintTimeModel, vector map[string]float64) string {
	type contribution struct {
		name  string
		value float64
	}

	contributions := make([]contribution, 0, len(vector))
	for name, v := range vector {
		if coef, ok := model.Coefficients[name]; ok {
			contributions = append(contributions, contribution{name, math.Abs(coef * v)})
		}
	}

	sort.Slice(contributions, func(i, j int) bool {
		if contributions[i].value != contributions[j].value {
			return contributions[i].value > contributions[j].value
		}

		return contributions[i].name < contributions[j].name
	})

	const topDrivers = 3

	names := make([]string, 0, topDrivers)
	for i, c := range contributions {
		if i == topDrivers {
			break
		}

		names = append(names, strings.ReplaceAll(c.name, "_", " "))
	}

	if len(names) == 0 {
		return "estimate from baseline model"
	}

	return fmt.Sprintf("estimate driven primarily by %s", strings.Join(names, ", "))
}
