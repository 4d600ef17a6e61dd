package training

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesight/forgesight/internal/features"
	"github.com/forgesight/forgesight/internal/mlmodel"
	"github.com/forgesight/forgesight/internal/predict"
	"github.com/forgesight/forgesight/internal/storage"
)

// fakeAudits serves canned audit records to the print-time trainer.
type fakeAudits struct {
	records []*mlmodel.AuditRecord
	err     error
}

func (f *fakeAudits) Query(
	_ context.Context, _ mlmodel.Family, _, _ time.Time, _ int,
) ([]*mlmodel.AuditRecord, error) {
	return f.records, f.err
}

// fakeDemand serves a canned demand series to the demand trainer.
type fakeDemand struct {
	observations []storage.DemandObservation
	err          error
}

func (f *fakeDemand) DemandSeries(_ context.Context, _ time.Time) ([]storage.DemandObservation, error) {
	return f.observations, f.err
}

func auditPair(predicted, actual float64) *mlmodel.AuditRecord {
	return &mlmodel.AuditRecord{
		Output:        map[string]any{"predicted": predicted},
		ActualOutcome: map[string]any{"actual_minutes": actual},
	}
}

func TestPrintTimeTrainer_NoCalibrationData(t *testing.T) {
	trainer := NewPrintTimeTrainer(&fakeAudits{})

	result, err := trainer.Train(context.Background(), &mlmodel.TrainingJob{Family: mlmodel.FamilyPrintTime})
	require.NoError(t, err)

	assert.Equal(t, "linear-baseline", result.Algorithm)
	assert.Equal(t, 0.0, result.Metrics["calibration_samples"])
	assert.Equal(t, 1.0, result.Metrics["calibration_scale"])

	model, err := predict.DecodePrintTimeArtifact(result.Artifact)
	require.NoError(t, err)

	// With no calibration the physics-informed defaults pass through unscaled.
	assert.InDelta(t, 12.0, model.Intercept, 1e-9)
	assert.InDelta(t, 1.8, model.Coefficients["volume_cm3"], 1e-9)

	require.NotNil(t, result.Dataset)
	assert.Equal(t, mlmodel.FamilyPrintTime, result.Dataset.Family)
	assert.Equal(t, int64(0), result.Dataset.RecordCount)
	assert.NotNil(t, result.Dataset.DatasetHash)
}

func TestPrintTimeTrainer_CalibratesFromAuditedOutcomes(t *testing.T) {
	// Actuals consistently run 50% above predictions.
	audits := &fakeAudits{records: []*mlmodel.AuditRecord{
		auditPair(100, 150),
		auditPair(200, 300),
		// Records without outcomes or with non-positive values are ignored.
		{Output: map[string]any{"predicted": 50.0}},
		auditPair(0, 60),
		auditPair(80, 0),
	}}

	trainer := NewPrintTimeTrainer(audits)

	result, err := trainer.Train(context.Background(), &mlmodel.TrainingJob{Family: mlmodel.FamilyPrintTime})
	require.NoError(t, err)

	assert.Equal(t, 2.0, result.Metrics["calibration_samples"])
	assert.InDelta(t, 1.5, result.Metrics["calibration_scale"], 1e-9)
	assert.InDelta(t, 100.0/3, result.Metrics["mape"], 1e-9)

	model, err := predict.DecodePrintTimeArtifact(result.Artifact)
	require.NoError(t, err)
	assert.InDelta(t, 12.0*1.5, model.Intercept, 1e-9)
	assert.InDelta(t, 1.8*1.5, model.Coefficients["volume_cm3"], 1e-9)
}

func TestPrintTimeTrainer_HyperparameterOverrides(t *testing.T) {
	trainer := NewPrintTimeTrainer(&fakeAudits{})

	job := &mlmodel.TrainingJob{
		Family: mlmodel.FamilyPrintTime,
		Hyperparameters: map[string]float64{
			"intercept":  20,
			"volume_cm3": 2.5,
			"not_a_coef": 99, // unknown names are ignored
		},
	}

	result, err := trainer.Train(context.Background(), job)
	require.NoError(t, err)

	model, err := predict.DecodePrintTimeArtifact(result.Artifact)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, model.Intercept, 1e-9)
	assert.InDelta(t, 2.5, model.Coefficients["volume_cm3"], 1e-9)
	_, ok := model.Coefficients["not_a_coef"]
	assert.False(t, ok)
}

func TestPrintTimeTrainer_AuditFailure(t *testing.T) {
	trainer := NewPrintTimeTrainer(&fakeAudits{err: assert.AnError})

	_, err := trainer.Train(context.Background(), &mlmodel.TrainingJob{Family: mlmodel.FamilyPrintTime})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestCalibrate_ClampsScale(t *testing.T) {
	// 10x underestimate clamps at 2.0.
	scale, _ := calibrate([]calibrationPair{{predicted: 10, actual: 100}})
	assert.Equal(t, 2.0, scale)

	// 10x overestimate clamps at 0.5.
	scale, _ = calibrate([]calibrationPair{{predicted: 100, actual: 10}})
	assert.Equal(t, 0.5, scale)

	// No data leaves the model untouched.
	scale, mape := calibrate(nil)
	assert.Equal(t, 1.0, scale)
	assert.Equal(t, 0.0, mape)
}

func TestDemandTrainer_InsufficientData(t *testing.T) {
	trainer := NewDemandTrainer(&fakeDemand{observations: demandDays(10, 10)}, features.NewCalendar(nil))

	_, err := trainer.Train(context.Background(), &mlmodel.TrainingJob{Family: mlmodel.FamilyDemandForecast})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestDemandTrainer_ConstantDemand(t *testing.T) {
	trainer := NewDemandTrainer(&fakeDemand{observations: demandDays(28, 40)}, features.NewCalendar(nil))

	result, err := trainer.Train(context.Background(), &mlmodel.TrainingJob{Family: mlmodel.FamilyDemandForecast})
	require.NoError(t, err)

	assert.Equal(t, "seasonal-baseline", result.Algorithm)
	assert.Equal(t, 28.0, result.Metrics["samples"])
	assert.InDelta(t, 0.0, result.Metrics["mae"], 1e-6)

	model, err := predict.DecodeDemandArtifact(result.Artifact)
	require.NoError(t, err)

	assert.InDelta(t, 40.0, model.Level, 1e-6)
	assert.InDelta(t, 0.0, model.Trend, 1e-6)

	for d, w := range model.Weekday {
		assert.InDelta(t, 1.0, w, 1e-6, "weekday %d", d)
	}

	assert.InDelta(t, 0.0, model.ResidualLow, 1e-6)
	assert.InDelta(t, 0.0, model.ResidualHigh, 1e-6)
}

func TestDemandTrainer_WindowDaysHyperparameter(t *testing.T) {
	trainer := NewDemandTrainer(&fakeDemand{observations: demandDays(28, 10)}, features.NewCalendar(nil))

	job := &mlmodel.TrainingJob{
		Family:          mlmodel.FamilyDemandForecast,
		Hyperparameters: map[string]float64{"window_days": 30},
	}

	_, err := trainer.Train(context.Background(), job)
	assert.NoError(t, err)
}

func TestFitSeasonal_LinearTrend(t *testing.T) {
	// Demand rises by 2 per day from 100.
	points := make([]features.DemandPoint, 28)
	start := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)

	for i := range points {
		points[i] = features.DemandPoint{Date: start.AddDate(0, 0, i), Demand: 100 + 2*float64(i)}
	}

	series := features.DeriveTimeSeries(points, nil)
	model, mae := fitSeasonal(series)

	assert.InDelta(t, 2.0, model.Trend, 1e-6)
	assert.InDelta(t, 100+2*27, model.Level, 1e-6, "level at the window end")
	assert.InDelta(t, 0.0, mae, 1e-6)
}

func TestFitSeasonal_WeekdayMultipliers(t *testing.T) {
	// Flat demand of 10, except Mondays at 20.
	points := make([]features.DemandPoint, 28)
	start := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC) // a Monday

	for i := range points {
		demand := 10.0
		if start.AddDate(0, 0, i).Weekday() == time.Monday {
			demand = 20
		}

		points[i] = features.DemandPoint{Date: start.AddDate(0, 0, i), Demand: demand}
	}

	series := features.DeriveTimeSeries(points, nil)
	model, _ := fitSeasonal(series)

	// The Monday multiplier sits clearly above the rest.
	monday := model.Weekday[int(time.Monday)]
	tuesday := model.Weekday[int(time.Tuesday)]
	assert.Greater(t, monday, 1.2)
	assert.Less(t, tuesday, 1.0)
	assert.Greater(t, monday, tuesday*1.5)
}

func TestQuantile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	assert.Equal(t, 1.0, quantile(sorted, 0.025))
	assert.Equal(t, 5.0, quantile(sorted, 0.5))
	assert.Equal(t, 10.0, quantile(sorted, 0.975))
	assert.Equal(t, 0.0, quantile(nil, 0.5))
}

// demandDays builds n consecutive days of constant demand, starting on a
// Monday well clear of default holidays.
func demandDays(n int, demand float64) []storage.DemandObservation {
	start := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	observations := make([]storage.DemandObservation, n)

	for i := range n {
		observations[i] = storage.DemandObservation{Day: start.AddDate(0, 0, i), Demand: demand}
	}

	return observations
}
