package predict

import "time"

// Result is the normalized prediction produced by every family predictor.
// Family-specific fields live in Metadata; the HTTP adapter serializes the
// whole struct as the response body.
type Result struct {
	Predicted    float64        `json:"predicted"`
	Unit         string         `json:"unit"`
	LowerBound   float64        `json:"lowerBound"`
	UpperBound   float64        `json:"upperBound"`
	Explanation  string         `json:"explanation"`
	ModelVersion string         `json:"modelVersion"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ForecastPoint is one dated demand forecast with its confidence band.
type ForecastPoint struct {
	Date      time.Time `json:"date"`
	Forecast  float64   `json:"forecast"`
	Lower     float64   `json:"lower"`
	Upper     float64   `json:"upper"`
	Anomalous bool      `json:"anomalous"`
}
