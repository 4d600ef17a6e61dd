package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesight/forgesight/internal/mlmodel"
)

func queuedJob(family mlmodel.Family) *mlmodel.TrainingJob {
	return &mlmodel.TrainingJob{
		ID:              uuid.NewString(),
		Family:          family,
		Status:          mlmodel.JobQueued,
		Trigger:         mlmodel.TriggerManual,
		Hyperparameters: map[string]float64{"window_days": 90},
	}
}

func testDataset(family mlmodel.Family, hash string) *mlmodel.TrainingDataset {
	now := time.Now().UTC()

	d := &mlmodel.TrainingDataset{
		ID:             uuid.NewString(),
		Family:         family,
		RecordCount:    42,
		RangeStart:     now.Add(-30 * 24 * time.Hour),
		RangeEnd:       now,
		FeatureColumns: []string{"quantity", "is_holiday"},
		TargetColumn:   "demand",
		QualityMetrics: map[string]float64{"completeness": 1.0},
		Location:       "postgres://training_records",
	}

	if hash != "" {
		d.DatasetHash = &hash
	}

	return d
}

func TestTrainingStore_JobLifecycle(t *testing.T) {
	conn := setupConnection(t)
	ctx := context.Background()

	store, err := NewTrainingStore(conn, testLogger())
	require.NoError(t, err)

	job := queuedJob(mlmodel.FamilyPrintTime)
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, mlmodel.JobQueued, got.Status)
	assert.Equal(t, mlmodel.TriggerManual, got.Trigger)
	assert.Equal(t, 90.0, got.Hyperparameters["window_days"])
	assert.Nil(t, got.StartedAt)

	require.NoError(t, store.MarkRunning(ctx, job.ID))

	got, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, mlmodel.JobRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	modelID := uuid.NewString()
	require.NoError(t, store.MarkCompleted(ctx, job.ID, modelID, map[string]float64{"mape": 9.5}))

	got, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, mlmodel.JobCompleted, got.Status)
	require.NotNil(t, got.ResultModelID)
	assert.Equal(t, modelID, *got.ResultModelID)
	assert.Equal(t, 9.5, got.ValidationResults["mape"])
	require.NotNil(t, got.FinishedAt)
}

func TestTrainingStore_MarkRunning_RequiresQueuedState(t *testing.T) {
	conn := setupConnection(t)
	ctx := context.Background()

	store, err := NewTrainingStore(conn, testLogger())
	require.NoError(t, err)

	job := queuedJob(mlmodel.FamilyPrintTime)
	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, store.MarkRunning(ctx, job.ID))

	// Already running: the conditional update matches no row.
	err = store.MarkRunning(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestTrainingStore_MarkCompleted_RequiresModel(t *testing.T) {
	conn := setupConnection(t)

	store, err := NewTrainingStore(conn, testLogger())
	require.NoError(t, err)

	err = store.MarkCompleted(context.Background(), uuid.NewString(), "", nil)
	assert.ErrorIs(t, err, mlmodel.ErrCompletedJobWithoutModel)
}

func TestTrainingStore_MarkFailed(t *testing.T) {
	conn := setupConnection(t)
	ctx := context.Background()

	store, err := NewTrainingStore(conn, testLogger())
	require.NoError(t, err)

	assert.ErrorIs(t, store.MarkFailed(ctx, uuid.NewString(), ""), mlmodel.ErrFailedJobWithoutError)

	job := queuedJob(mlmodel.FamilyDemandForecast)
	require.NoError(t, store.CreateJob(ctx, job))

	// Failing straight from Queued is allowed; dispatch can fail pre-run.
	require.NoError(t, store.MarkFailed(ctx, job.ID, "insufficient training data"))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, mlmodel.JobFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "insufficient training data", *got.ErrorMessage)

	// Terminal: another failure update matches no row.
	err = store.MarkFailed(ctx, job.ID, "again")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestTrainingStore_GetJob_NotFound(t *testing.T) {
	conn := setupConnection(t)

	store, err := NewTrainingStore(conn, testLogger())
	require.NoError(t, err)

	_, err = store.GetJob(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestTrainingStore_SaveDataset_DeduplicatesOnHash(t *testing.T) {
	conn := setupConnection(t)
	ctx := context.Background()

	store, err := NewTrainingStore(conn, testLogger())
	require.NoError(t, err)

	first := testDataset(mlmodel.FamilyDemandForecast, "abc123")

	inserted, err := store.SaveDataset(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	duplicate := testDataset(mlmodel.FamilyDemandForecast, "abc123")

	inserted, err = store.SaveDataset(ctx, duplicate)
	require.NoError(t, err)
	assert.False(t, inserted, "identical hash must be skipped")

	other := testDataset(mlmodel.FamilyDemandForecast, "def456")

	inserted, err = store.SaveDataset(ctx, other)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestTrainingStore_SaveDataset_NilHashAlwaysInserts(t *testing.T) {
	conn := setupConnection(t)
	ctx := context.Background()

	store, err := NewTrainingStore(conn, testLogger())
	require.NoError(t, err)

	// The hash unique index is partial (dataset_hash IS NOT NULL), so
	// hashless snapshots never collide with each other.
	for i := 0; i < 2; i++ {
		inserted, err := store.SaveDataset(ctx, testDataset(mlmodel.FamilyPrintTime, ""))
		require.NoError(t, err)
		assert.True(t, inserted)
	}
}

func TestTrainingStore_LatestDataset(t *testing.T) {
	conn := setupConnection(t)
	ctx := context.Background()

	store, err := NewTrainingStore(conn, testLogger())
	require.NoError(t, err)

	_, err = store.LatestDataset(ctx, mlmodel.FamilyPrintTime)
	assert.ErrorIs(t, err, ErrDatasetNotFound)

	older := testDataset(mlmodel.FamilyPrintTime, "older")
	require.NoError(t, insertDatasetAt(ctx, conn, older, time.Now().Add(-time.Hour)))

	newer := testDataset(mlmodel.FamilyPrintTime, "newer")
	inserted, err := store.SaveDataset(ctx, newer)
	require.NoError(t, err)
	require.True(t, inserted)

	got, err := store.LatestDataset(ctx, mlmodel.FamilyPrintTime)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
	assert.Equal(t, []string{"quantity", "is_holiday"}, got.FeatureColumns)
	assert.Equal(t, "demand", got.TargetColumn)
	assert.Equal(t, 1.0, got.QualityMetrics["completeness"])
}

// insertDatasetAt backdates created_at, which SaveDataset always stamps now().
func insertDatasetAt(ctx context.Context, conn *Connection, d *mlmodel.TrainingDataset, at time.Time) error {
	query := `
		INSERT INTO training_datasets (
			id, family, record_count, range_start, range_end,
			target_column, dataset_hash, location, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := conn.ExecContext(ctx, query,
		d.ID, d.Family.String(), d.RecordCount, d.RangeStart, d.RangeEnd,
		d.TargetColumn, d.DatasetHash, d.Location, at,
	)

	return err
}

func demandRecord(productID, orderID string, quantity int, occurredAt time.Time) TrainingRecord {
	return TrainingRecord{
		Family:     mlmodel.FamilyDemandForecast,
		ProductID:  productID,
		OrderID:    orderID,
		CustomerID: "c-1",
		Quantity:   quantity,
		UnitPrice:  19.99,
		OccurredAt: occurredAt,
	}
}

func TestTrainingStore_AppendRecords(t *testing.T) {
	conn := setupConnection(t)
	ctx := context.Background()

	store, err := NewTrainingStore(conn, testLogger())
	require.NoError(t, err)

	now := time.Now().UTC()

	total, err := store.AppendRecords(ctx, []TrainingRecord{
		demandRecord("p-1", "o-1", 3, now),
		demandRecord("p-2", "o-1", 1, now),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	total, err = store.AppendRecords(ctx, []TrainingRecord{
		demandRecord("p-1", "o-2", 5, now),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total, "append returns the family's running total")

	count, err := store.RecordCount(ctx, mlmodel.FamilyDemandForecast)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = store.RecordCount(ctx, mlmodel.FamilyPrintTime)
	require.NoError(t, err)
	assert.Zero(t, count, "counts are per family")
}

func TestTrainingStore_AppendRecords_EmptyIsNoOp(t *testing.T) {
	conn := setupConnection(t)

	store, err := NewTrainingStore(conn, testLogger())
	require.NoError(t, err)

	total, err := store.AppendRecords(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestTrainingStore_DemandHistory_AggregatesPerDay(t *testing.T) {
	conn := setupConnection(t)
	ctx := context.Background()

	store, err := NewTrainingStore(conn, testLogger())
	require.NoError(t, err)

	day1 := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 11, 14, 0, 0, 0, time.UTC)

	records := []TrainingRecord{
		demandRecord("p-1", "o-1", 3, day1),
		demandRecord("p-1", "o-2", 2, day1.Add(5*time.Hour)),
		demandRecord("p-1", "o-3", 7, day2),
		demandRecord("p-2", "o-4", 99, day1),
	}
	records[2].IsHoliday = true

	_, err = store.AppendRecords(ctx, records)
	require.NoError(t, err)

	history, err := store.DemandHistory(ctx, "p-1", day1.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, 5.0, history[0].Demand, "same-day orders sum")
	assert.False(t, history[0].IsHoliday)
	assert.True(t, history[0].Day.Before(history[1].Day), "days ascend")
	assert.Equal(t, 7.0, history[1].Demand)
	assert.True(t, history[1].IsHoliday)
}

func TestTrainingStore_DemandSeries_SpansProducts(t *testing.T) {
	conn := setupConnection(t)
	ctx := context.Background()

	store, err := NewTrainingStore(conn, testLogger())
	require.NoError(t, err)

	day := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)

	_, err = store.AppendRecords(ctx, []TrainingRecord{
		demandRecord("p-1", "o-1", 3, day),
		demandRecord("p-2", "o-2", 4, day.Add(2*time.Hour)),
	})
	require.NoError(t, err)

	series, err := store.DemandSeries(ctx, day.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, 7.0, series[0].Demand)

	// A later window excludes everything.
	series, err = store.DemandSeries(ctx, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, series)
}

func TestNewTrainingStore_NilConnection(t *testing.T) {
	_, err := NewTrainingStore(nil, testLogger())
	assert.ErrorIs(t, err, ErrNoDatabaseConnection)
}
