// Package training runs the retraining machinery: baseline trainers, the
// single-consumer job dispatcher, and the staleness sweep.
package training

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/forgesight/forgesight/internal/features"
	"github.com/forgesight/forgesight/internal/mlmodel"
	"github.com/forgesight/forgesight/internal/predict"
	"github.com/forgesight/forgesight/internal/storage"
)

// Sentinel errors for trainers.
var (
	// ErrInsufficientData is returned when a family lacks the minimum history
	// for a meaningful fit.
	ErrInsufficientData = errors.New("insufficient training data")

	// ErrNoTrainer is returned when a family has no registered trainer.
	ErrNoTrainer = errors.New("no trainer registered for family")
)

// Result is the output of one training run: the serialized artifact plus the
// validation metrics and dataset snapshot the dispatcher records.
type Result struct {
	Artifact  []byte
	Algorithm string
	Metrics   map[string]float64
	Dataset   *mlmodel.TrainingDataset
}

// Trainer fits one family's baseline model.
//
// Trainers must be deterministic for a fixed input history; the dispatcher
// relies on dataset-hash deduplication to skip snapshots it has seen before.
type Trainer interface {
	Family() mlmodel.Family
	Train(ctx context.Context, job *mlmodel.TrainingJob) (*Result, error)
}

// auditSource is the audit read surface the print-time trainer calibrates
// against.
//
// Implemented by: storage.AuditStore.
type auditSource interface {
	Query(ctx context.Context, family mlmodel.Family, from, to time.Time, limit int) ([]*mlmodel.AuditRecord, error)
}

// demandSource is the record read surface the demand trainer fits over.
//
// Implemented by: storage.TrainingStore.
type demandSource interface {
	DemandSeries(ctx context.Context, since time.Time) ([]storage.DemandObservation, error)
}

const (
	printTimeAlgorithm = "linear-baseline"
	demandAlgorithm    = "seasonal-baseline"

	// calibrationWindow bounds how far back the print-time trainer looks for
	// audited predictions with recorded actual outcomes.
	calibrationWindow = 90 * 24 * time.Hour
	calibrationLimit  = 5000

	// minDemandSamples is the shortest history the seasonal fit accepts: two
	// full weekly cycles.
	minDemandSamples = 14

	defaultDemandWindowDays = 180
)

// basePrintCoefficients is the physics-informed starting point for the linear
// print-time model, in minutes per feature unit.
var basePrintCoefficients = map[string]float64{
	"volume_cm3":       1.8,
	"surface_area_cm2": 0.05,
	"layer_count":      0.9,
	"support_percent":  0.4,
	"complexity":       0.35,
	"infill_pct":       0.25,
	"speed_mms":        -0.12,
}

const basePrintIntercept = 12.0 // heat-up and homing overhead

// PrintTimeTrainer fits the linear print-time baseline. The coefficients start
// from the physics-informed defaults, take per-feature overrides from the
// job's hyperparameters, and are calibrated by a global scale factor derived
// from audited predictions whose actual print time was reported back.
type PrintTimeTrainer struct {
	audits auditSource
	now    func() time.Time
}

// Compile-time interface assertion.
var _ Trainer = (*PrintTimeTrainer)(nil)

// NewPrintTimeTrainer creates the print-time baseline trainer.
func NewPrintTimeTrainer(audits auditSource) *PrintTimeTrainer {
	return &PrintTimeTrainer{audits: audits, now: time.Now}
}

// Family implements Trainer.
func (t *PrintTimeTrainer) Family() mlmodel.Family { return mlmodel.FamilyPrintTime }

// Train implements Trainer.
func (t *PrintTimeTrainer) Train(ctx context.Context, job *mlmodel.TrainingJob) (*Result, error) {
	coefficients := make(map[string]float64, len(basePrintCoefficients))
	for name, coef := range basePrintCoefficients {
		coefficients[name] = coef
	}

	intercept := basePrintIntercept

	// Hyperparameters override individual coefficients by feature name.
	for name, value := range job.Hyperparameters {
		if name == "intercept" {
			intercept = value

			continue
		}

		if _, ok := coefficients[name]; ok {
			coefficients[name] = value
		}
	}

	to := t.now()
	from := to.Add(-calibrationWindow)

	pairs, err := t.calibrationPairs(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load calibration data: %w", err)
	}

	scale, mape := calibrate(pairs)

	for name := range coefficients {
		coefficients[name] *= scale
	}

	intercept *= scale

	artifact, err := predict.EncodePrintTimeArtifact(
		&predict.PrintTimeModel{Intercept: intercept, Coefficients: coefficients},
		printTimeAlgorithm,
	)
	if err != nil {
		return nil, err
	}

	metrics := map[string]float64{
		"calibration_samples": float64(len(pairs)),
		"calibration_scale":   scale,
	}
	if len(pairs) > 0 {
		metrics["mape"] = mape
	}

	return &Result{
		Artifact:  artifact,
		Algorithm: printTimeAlgorithm,
		Metrics:   metrics,
		Dataset: datasetSnapshot(
			mlmodel.FamilyPrintTime, int64(len(pairs)), from, to,
			predict.FeatureNames(), "print_minutes",
		),
	}, nil
}

// calibrationPair is one audited prediction with its reported actual outcome.
type calibrationPair struct {
	predicted float64
	actual    float64
}

// calibrationPairs extracts (predicted, actual) pairs from audit records that
// carry an amended actual outcome.
func (t *PrintTimeTrainer) calibrationPairs(ctx context.Context, from, to time.Time) ([]calibrationPair, error) {
	records, err := t.audits.Query(ctx, mlmodel.FamilyPrintTime, from, to, calibrationLimit)
	if err != nil {
		return nil, err
	}

	var pairs []calibrationPair

	for _, r := range records {
		if r.ActualOutcome == nil || r.Output == nil {
			continue
		}

		predicted, ok := asFloat(r.Output["predicted"])
		if !ok || predicted <= 0 {
			continue
		}

		actual, ok := asFloat(r.ActualOutcome["actual_minutes"])
		if !ok || actual <= 0 {
			continue
		}

		pairs = append(pairs, calibrationPair{predicted: predicted, actual: actual})
	}

	return pairs, nil
}

// calibrate derives a global correction scale from calibration pairs, clamped
// to [0.5, 2.0] so a handful of outliers cannot wreck the model, and reports
// the mean absolute percentage error over the pairs.
func calibrate(pairs []calibrationPair) (scale, mape float64) {
	if len(pairs) == 0 {
		return 1.0, 0
	}

	var sumActual, sumPredicted, sumAPE float64

	for _, p := range pairs {
		sumActual += p.actual
		sumPredicted += p.predicted
		sumAPE += math.Abs(p.actual-p.predicted) / p.actual
	}

	scale = sumActual / sumPredicted
	scale = math.Min(2.0, math.Max(0.5, scale))

	return scale, sumAPE / float64(len(pairs)) * 100
}

// DemandTrainer fits the seasonal demand baseline: a linear level/trend over
// the training window, per-weekday multipliers, and empirical residual
// quantiles for the 95% band. Holidays are excluded from the weekday fit.
type DemandTrainer struct {
	records  demandSource
	calendar *features.Calendar
	now      func() time.Time
}

// Compile-time interface assertion.
var _ Trainer = (*DemandTrainer)(nil)

// NewDemandTrainer creates the demand baseline trainer.
func NewDemandTrainer(records demandSource, calendar *features.Calendar) *DemandTrainer {
	return &DemandTrainer{records: records, calendar: calendar, now: time.Now}
}

// Family implements Trainer.
func (t *DemandTrainer) Family() mlmodel.Family { return mlmodel.FamilyDemandForecast }

// Train implements Trainer.
func (t *DemandTrainer) Train(ctx context.Context, job *mlmodel.TrainingJob) (*Result, error) {
	windowDays := defaultDemandWindowDays
	if v, ok := job.Hyperparameters["window_days"]; ok && v >= minDemandSamples {
		windowDays = int(v)
	}

	to := t.now()
	since := to.AddDate(0, 0, -windowDays)

	observations, err := t.records.DemandSeries(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load demand series: %w", err)
	}

	if len(observations) < minDemandSamples {
		return nil, fmt.Errorf("%w: %d daily samples, need %d",
			ErrInsufficientData, len(observations), minDemandSamples)
	}

	points := make([]features.DemandPoint, len(observations))
	for i, o := range observations {
		points[i] = features.DemandPoint{Date: o.Day, Demand: o.Demand}
	}

	series := features.DeriveTimeSeries(points, t.calendar)
	model, mae := fitSeasonal(series)

	artifact, err := predict.EncodeDemandArtifact(model, demandAlgorithm)
	if err != nil {
		return nil, err
	}

	return &Result{
		Artifact:  artifact,
		Algorithm: demandAlgorithm,
		Metrics: map[string]float64{
			"samples":       float64(len(series)),
			"mae":           mae,
			"residual_low":  model.ResidualLow,
			"residual_high": model.ResidualHigh,
		},
		Dataset: datasetSnapshot(
			mlmodel.FamilyDemandForecast, int64(len(series)),
			series[0].Date, series[len(series)-1].Date,
			[]string{"day_of_week", "day_of_month", "month", "is_weekend", "is_holiday", "lag_1", "lag_7", "rolling_mean_7"},
			"demand",
		),
	}, nil
}

// fitSeasonal fits level, trend, weekday multipliers, and residual quantiles
// over a derived time series. Callers guarantee len(series) >= minDemandSamples.
func fitSeasonal(series []features.TimeSeriesFeatures) (*predict.DemandModel, float64) {
	n := float64(len(series))

	// Least-squares line over the day index.
	var sumT, sumY, sumTY, sumTT float64

	for i, p := range series {
		t := float64(i)
		sumT += t
		sumY += p.Demand
		sumTY += t * p.Demand
		sumTT += t * t
	}

	trend := (n*sumTY - sumT*sumY) / (n*sumTT - sumT*sumT)
	interceptAt0 := (sumY - trend*sumT) / n
	level := interceptAt0 + trend*(n-1) // level at the end of the window
	mean := sumY / n

	// Per-weekday multipliers over the detrended series, holidays excluded.
	var (
		weekdaySum   [7]float64
		weekdayCount [7]int
	)

	for i, p := range series {
		if p.IsHoliday || mean == 0 {
			continue
		}

		expected := interceptAt0 + trend*float64(i)
		if expected <= 0 {
			continue
		}

		weekdaySum[p.DayOfWeek] += p.Demand / expected
		weekdayCount[p.DayOfWeek]++
	}

	var weekday [7]float64

	for d := range weekday {
		weekday[d] = 1.0
		if weekdayCount[d] > 0 {
			weekday[d] = weekdaySum[d] / float64(weekdayCount[d])
		}
	}

	// Empirical residual quantiles against the fitted seasonal curve.
	residuals := make([]float64, len(series))

	var sumAbs float64

	for i, p := range series {
		fitted := (interceptAt0 + trend*float64(i)) * weekday[p.DayOfWeek]
		residuals[i] = p.Demand - fitted
		sumAbs += math.Abs(residuals[i])
	}

	sort.Float64s(residuals)

	model := &predict.DemandModel{
		Level:        math.Max(0, level),
		Trend:        trend,
		Weekday:      weekday,
		ResidualLow:  math.Min(0, quantile(residuals, 0.025)),
		ResidualHigh: math.Max(0, quantile(residuals, 0.975)),
	}

	return model, sumAbs / n
}

// quantile returns the q-quantile of sorted values by nearest-rank.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}

	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}

	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}

// datasetSnapshot builds the dataset record describing one training run's
// input. The hash covers family, size, and range so identical snapshots
// deduplicate on insert.
func datasetSnapshot(
	family mlmodel.Family, count int64, start, end time.Time,
	featureColumns []string, target string,
) *mlmodel.TrainingDataset {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%d|%d",
		family, count, start.Unix(), end.Unix()))
	hash := hex.EncodeToString(sum[:])

	return &mlmodel.TrainingDataset{
		ID:             uuid.NewString(),
		Family:         family,
		RecordCount:    count,
		RangeStart:     start,
		RangeEnd:       end,
		FeatureColumns: featureColumns,
		TargetColumn:   target,
		DatasetHash:    &hash,
		Location:       "postgres://training_records",
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
