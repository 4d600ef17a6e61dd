package predict

import (
	"fmt"
	"math"
	"time"
)

// DefaultAnomalyThresholdPercent flags forecast points whose lower confidence
// bound deviates from the forecast by more than this percentage.
const DefaultAnomalyThresholdPercent = 40.0

// Granularity is the demand forecast sampling granularity.
type Granularity string

// Supported granularities. Weekly sampling takes every 7th daily point.
const (
	GranularityDaily  Granularity = "daily"
	GranularityWeekly Granularity = "weekly"
)

// Stride returns the daily-series stride for the granularity.
func (g Granularity) Stride() int {
	if g == GranularityWeekly {
		return 7
	}

	return 1
}

// IsValid reports whether the granularity is supported.
func (g Granularity) IsValid() bool {
	return g == GranularityDaily || g == GranularityWeekly
}

// DemandForecaster samples a demand model's daily series into the requested
// horizon and granularity and annotates anomalous points.
type DemandForecaster struct {
	// AnomalyThresholdPercent is the confidence-deviation percentage above
	// which a point is flagged anomalous.
	AnomalyThresholdPercent float64
}

// NewDemandForecaster returns a forecaster with the given anomaly threshold;
// a non-positive threshold falls back to the default.
func NewDemandForecaster(threshold float64) *DemandForecaster {
	if threshold <= 0 {
		threshold = DefaultAnomalyThresholdPercent
	}

	return &DemandForecaster{AnomalyThresholdPercent: threshold}
}

// Forecast produces horizon periods at the given granularity starting after
// baseline. The result's scalar is the mean forecast across points; metadata
// carries the full per-date list and the anomaly count.
func (f *DemandForecaster) Forecast(
	productID string,
	baseline time.Time,
	horizon int,
	granularity Granularity,
	model *DemandModel,
	modelVersion string,
) Result {
	stride := granularity.Stride()

	// The model emits a daily series long enough to sample every period.
	forecast, lower, upper := model.Forecast(baseline, horizon*stride)

	points := make([]ForecastPoint, 0, horizon)

	var (
		sum       float64
		anomalies int
	)

	for k := range horizon {
		idx := k * stride
		point := ForecastPoint{
			Date:      baseline.AddDate(0, 0, idx+1),
			Forecast:  forecast[idx],
			Lower:     lower[idx],
			Upper:     upper[idx],
			Anomalous: f.isAnomalous(forecast[idx], lower[idx]),
		}

		if point.Anomalous {
			anomalies++
		}

		sum += point.Forecast
		points = append(points, point)
	}

	mean := sum / float64(horizon)

	return Result{
		Predicted:    mean,
		Unit:         "units",
		LowerBound:   minLower(points),
		UpperBound:   maxUpper(points),
		Explanation:  explainDemand(productID, horizon, granularity, anomalies),
		ModelVersion: modelVersion,
		Metadata: map[string]any{
			"product_id":     productID,
			"granularity":    string(granularity),
			"horizon":        horizon,
			"forecast_count": len(points),
			"anomaly_count":  anomalies,
			"forecast":       points,
		},
	}
}

// isAnomalous applies the confidence-deviation rule. A zero forecast with a
// differing lower bound has an unbounded deviation and is always anomalous;
// zero forecast with zero deviation is not.
func (f *DemandForecaster) isAnomalous(forecast, lower float64) bool {
	deviation := math.Abs(forecast - lower)
	if forecast == 0 {
		return deviation > 0
	}

	return deviation/forecast*100 > f.AnomalyThresholdPercent
}

func explainDemand(productID string, horizon int, granularity Granularity, anomalies int) string {
	base := fmt.Sprintf("%d-period %s demand forecast for %s", horizon, granularity, productID)
	if anomalies > 0 {
		return fmt.Sprintf("%s; %d point(s) with high forecast uncertainty", base, anomalies)
	}

	return base
}

func minLower(points []ForecastPoint) float64 {
	low := math.Inf(1)
	for _, p := range points {
		low = math.Min(low, p.Lower)
	}

	if math.IsInf(low, 1) {
		return 0
	}

	return low
}

func maxUpper(points []ForecastPoint) float64 {
	high := 0.0
	for _, p := range points {
		high = math.Max(high, p.Upper)
	}

	return high
}
