package predict

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forgesight/forgesight/internal/features"
)

func testGeometry() *features.Geometry {
	return &features.Geometry{
		TriangleCount:  1200,
		VolumeCM3:      25,
		SurfaceAreaCM2: 80,
		WidthMM:        40,
		DepthMM:        40,
		HeightMM:       60,
		LayerCount:     300,
		SupportPercent: 12,
		Complexity:     55,
	}
}

func TestNewPrintTimePredictor_DefaultsMargin(t *testing.T) {
	assert.Equal(t, DefaultConfidenceMargin, NewPrintTimePredictor(0).Margin)
	assert.Equal(t, DefaultConfidenceMargin, NewPrintTimePredictor(-1).Margin)
	assert.Equal(t, 0.25, NewPrintTimePredictor(0.25).Margin)
}

func TestFeatureVector_CoversFeatureNames(t *testing.T) {
	vector := FeatureVector(testGeometry(), PrintParams{
		DensityGCM3: 1.24,
		SpeedMMS:    60,
		LayerHeight: 0.2,
		NozzleTemp:  210,
		BedTemp:     60,
		InfillPct:   20,
	})

	for _, name := range FeatureNames() {
		_, ok := vector[name]
		assert.True(t, ok, "feature %q missing from vector", name)
	}

	assert.Len(t, vector, len(FeatureNames()))
}

func TestPrintTimePredictor_Predict(t *testing.T) {
	model := &PrintTimeModel{
		Intercept: 10,
		Coefficients: map[string]float64{
			"volume_cm3":  4,
			"layer_count": 0.4,
		},
	}

	predictor := NewPrintTimePredictor(0.1)
	result := predictor.Predict(testGeometry(), PrintParams{Material: "PLA"}, model, "1.3.0")

	expected := 10 + 4*25 + 0.4*300 // 230 minutes
	assert.InDelta(t, expected, result.Predicted, 1e-9)
	assert.Equal(t, "minutes", result.Unit)
	assert.InDelta(t, expected*0.9, result.LowerBound, 1e-9)
	assert.InDelta(t, expected*1.1, result.UpperBound, 1e-9)
	assert.Equal(t, "1.3.0", result.ModelVersion)
	assert.Equal(t, "PLA", result.Metadata["material"])

	// Layer count (120) is the dominant contribution over volume (100).
	assert.Contains(t, result.Explanation, "layer count")
}

func TestPrintTimePredictor_Predict_BoundsNeverNegative(t *testing.T) {
	model := &PrintTimeModel{Intercept: 0, Coefficients: map[string]float64{}}

	result := NewPrintTimePredictor(0.5).Predict(testGeometry(), PrintParams{}, model, "1.0.0")

	assert.Equal(t, 0.0, result.Predicted)
	assert.GreaterOrEqual(t, result.LowerBound, 0.0)
	assert.Equal(t, "estimate from baseline model", result.Explanation)
}
