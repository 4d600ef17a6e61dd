// Package predict provides the family predictors and the serialized model
// artifact formats they consume. The sophisticated training algorithms
// (gradient-boosted trees, singular-spectrum analysis) are external
// collaborators; this package owns the baseline artifact schema the service
// trains and serves on its own.
package predict

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/forgesight/forgesight/internal/mlmodel"
)

// artifactSchemaVersion guards against decoding artifacts written by an
// incompatible release.
const artifactSchemaVersion = 1

// Sentinel errors for artifact decoding.
var (
	// ErrArtifactSchema is returned when an artifact declares an unknown schema version.
	ErrArtifactSchema = errors.New("unsupported model artifact schema")

	// ErrArtifactFamily is returned when an artifact's family does not match the decoder.
	ErrArtifactFamily = errors.New("model artifact family mismatch")
)

// artifactEnvelope is the common JSON frame around every artifact.
type artifactEnvelope struct {
	Schema    int            `json:"schema"`
	Family    mlmodel.Family `json:"family"`
	Algorithm string         `json:"algorithm"`
	Payload   json.RawMessage `json:"payload"`
}

// PrintTimeModel is a linear regression over geometry and slicing features.
// Prediction unit is minutes.
type PrintTimeModel struct {
	Intercept    float64            `json:"intercept"`
	Coefficients map[string]float64 `json:"coefficients"`
}

// Predict evaluates the linear model over the feature vector. Features absent
// from the coefficient map contribute nothing; the result is clamped to ≥ 0.
func (m *PrintTimeModel) Predict(features map[string]float64) float64 {
	sum := m.Intercept
	for name, coef := range m.Coefficients {
		sum += coef * features[name]
	}

	return math.Max(0, sum)
}

// DemandModel is a seasonal baseline: per-weekday multipliers over a linear
// level/trend, with additive residual quantiles for the 95% band.
type DemandModel struct {
	Level        float64    `json:"level"`
	Trend        float64    `json:"trend"` // per day
	Weekday      [7]float64 `json:"weekday"`
	ResidualLow  float64    `json:"residualLow"`  // 2.5% residual quantile (≤ 0)
	ResidualHigh float64    `json:"residualHigh"` // 97.5% residual quantile (≥ 0)
}

// Forecast generates days daily points starting the day after baseline,
// returning parallel forecast, lower-bound, and upper-bound series.
// Values are clamped to ≥ 0.
func (m *DemandModel) Forecast(baseline time.Time, days int) (forecast, lower, upper []float64) {
	forecast = make([]float64, days)
	lower = make([]float64, days)
	upper = make([]float64, days)

	for i := range days {
		date := baseline.AddDate(0, 0, i+1)
		base := m.Level + m.Trend*float64(i+1)
		value := base * m.Weekday[int(date.Weekday())]

		forecast[i] = math.Max(0, value)
		lower[i] = math.Max(0, value+m.ResidualLow)
		upper[i] = math.Max(0, value+m.ResidualHigh)
	}

	return forecast, lower, upper
}

// EncodePrintTimeArtifact serializes a print-time model into artifact bytes.
func EncodePrintTimeArtifact(m *PrintTimeModel, algorithm string) ([]byte, error) {
	return encodeArtifact(mlmodel.FamilyPrintTime, algorithm, m)
}

// EncodeDemandArtifact serializes a demand model into artifact bytes.
func EncodeDemandArtifact(m *DemandModel, algorithm string) ([]byte, error) {
	return encodeArtifact(mlmodel.FamilyDemandForecast, algorithm, m)
}

// DecodePrintTimeArtifact deserializes print-time artifact bytes.
func DecodePrintTimeArtifact(data []byte) (*PrintTimeModel, error) {
	var m PrintTimeModel
	if err := decodeArtifact(data, mlmodel.FamilyPrintTime, &m); err != nil {
		return nil, err
	}

	return &m, nil
}

// DecodeDemandArtifact deserializes demand artifact bytes.
func DecodeDemandArtifact(data []byte) (*DemandModel, error) {
	var m DemandModel
	if err := decodeArtifact(data, mlmodel.FamilyDemandForecast, &m); err != nil {
		return nil, err
	}

	return &m, nil
}

// DecodeArtifact deserializes any known artifact, dispatching on the
// envelope's family tag. The model store's loader uses this so one cache
// serves every family.
func DecodeArtifact(data []byte) (any, error) {
	var env artifactEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode artifact envelope: %w", err)
	}

	switch env.Family {
	case mlmodel.FamilyPrintTime:
		return DecodePrintTimeArtifact(data)
	case mlmodel.FamilyDemandForecast:
		return DecodeDemandArtifact(data)
	default:
		return nil, fmt.Errorf("%w: no decoder for %s", ErrArtifactFamily, env.Family)
	}
}

func encodeArtifact(family mlmodel.Family, algorithm string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s artifact payload: %w", family, err)
	}

	data, err := json.Marshal(artifactEnvelope{
		Schema:    artifactSchemaVersion,
		Family:    family,
		Algorithm: algorithm,
		Payload:   raw,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s artifact: %w", family, err)
	}

	return data, nil
}

func decodeArtifact(data []byte, family mlmodel.Family, payload any) error {
	var env artifactEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode artifact envelope: %w", err)
	}

	if env.Schema != artifactSchemaVersion {
		return fmt.Errorf("%w: %d", ErrArtifactSchema, env.Schema)
	}

	if env.Family != family {
		return fmt.Errorf("%w: got %s, want %s", ErrArtifactFamily, env.Family, family)
	}

	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return fmt.Errorf("decode %s artifact payload: %w", family, err)
	}

	return nil
}
