package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/forgesight/forgesight/internal/mlmodel"
)

// Sentinel errors for training storage operations.
var (
	// ErrJobNotFound is returned when a training job id does not exist.
	ErrJobNotFound = errors.New("training job not found")

	// ErrDatasetNotFound is returned when a family has no dataset snapshot.
	ErrDatasetNotFound = errors.New("training dataset not found")

	// ErrTrainingStore is returned when a training storage operation fails.
	ErrTrainingStore = errors.New("training storage failed")
)

// TrainingStore persists training jobs, dataset snapshots, and the raw
// training records accumulated by the event consumers.
//
// Records accumulate monotonically; nothing in this store deletes them.
type TrainingStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewTrainingStore creates a PostgreSQL-backed training store.
func NewTrainingStore(conn *Connection, logger *slog.Logger) (*TrainingStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &TrainingStore{conn: conn, logger: logger}, nil
}

// CreateJob inserts a job in Queued state.
func (s *TrainingStore) CreateJob(ctx context.Context, job *mlmodel.TrainingJob) error {
	hyper, err := json.Marshal(orEmptyFloatMap(job.Hyperparameters))
	if err != nil {
		return fmt.Errorf("%w: encode hyperparameters: %w", ErrTrainingStore, err)
	}

	query := `
		INSERT INTO training_jobs (
			id, family, status, trigger_source, dataset_id, hyperparameters,
			validation_results, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, '{}', now())`

	_, err = s.conn.ExecContext(ctx, query,
		job.ID, job.Family.String(), mlmodel.JobQueued, string(job.Trigger),
		job.DatasetID, hyper,
	)
	if err != nil {
		return fmt.Errorf("%w: insert job %s: %w", ErrTrainingStore, job.ID, err)
	}

	return nil
}

// MarkRunning transitions a job to Running and stamps its start time.
func (s *TrainingStore) MarkRunning(ctx context.Context, jobID string) error {
	query := `
		UPDATE training_jobs SET status = $1, started_at = now()
		WHERE id = $2 AND status = $3`

	return s.execJobUpdate(ctx, jobID, query, mlmodel.JobRunning, jobID, mlmodel.JobQueued)
}

// MarkCompleted transitions a job to Completed with its resulting model and
// validation metrics. A missing model id is rejected before touching the row.
func (s *TrainingStore) MarkCompleted(
	ctx context.Context, jobID, modelID string, validation map[string]float64,
) error {
	if modelID == "" {
		return mlmodel.ErrCompletedJobWithoutModel
	}

	results, err := json.Marshal(orEmptyFloatMap(validation))
	if err != nil {
		return fmt.Errorf("%w: encode validation results: %w", ErrTrainingStore, err)
	}

	query := `
		UPDATE training_jobs
		SET status = $1, result_model_id = $2, validation_results = $3, finished_at = now()
		WHERE id = $4 AND status = $5`

	return s.execJobUpdate(ctx, jobID, query,
		mlmodel.JobCompleted, modelID, results, jobID, mlmodel.JobRunning)
}

// MarkFailed transitions a job to Failed with a non-empty error message.
func (s *TrainingStore) MarkFailed(ctx context.Context, jobID, errorMessage string) error {
	if errorMessage == "" {
		return mlmodel.ErrFailedJobWithoutError
	}

	query := `
		UPDATE training_jobs
		SET status = $1, error_message = $2, finished_at = now()
		WHERE id = $3 AND status IN ($4, $5)`

	return s.execJobUpdate(ctx, jobID, query,
		mlmodel.JobFailed, errorMessage, jobID, mlmodel.JobQueued, mlmodel.JobRunning)
}

// GetJob returns a training job by id.
func (s *TrainingStore) GetJob(ctx context.Context, jobID string) (*mlmodel.TrainingJob, error) {
	query := `
		SELECT id, family, status, trigger_source, dataset_id, result_model_id,
		       error_message, hyperparameters, validation_results,
		       started_at, finished_at, created_at
		FROM training_jobs WHERE id = $1`

	var (
		job     mlmodel.TrainingJob
		family  string
		status  string
		trigger string
		hyper   []byte
		valres  []byte
	)

	err := s.conn.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &family, &status, &trigger, &job.DatasetID, &job.ResultModelID,
		&job.ErrorMessage, &hyper, &valres, &job.StartedAt, &job.FinishedAt, &job.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: get job %s: %w", ErrTrainingStore, jobID, err)
	}

	job.Family = mlmodel.Family(family)
	job.Status = mlmodel.JobStatus(status)
	job.Trigger = mlmodel.Trigger(trigger)

	if err := json.Unmarshal(hyper, &job.Hyperparameters); err != nil {
		return nil, fmt.Errorf("%w: decode hyperparameters: %w", ErrTrainingStore, err)
	}

	if err := json.Unmarshal(valres, &job.ValidationResults); err != nil {
		return nil, fmt.Errorf("%w: decode validation results: %w", ErrTrainingStore, err)
	}

	return &job, nil
}

// SaveDataset inserts a dataset snapshot. A snapshot whose dataset_hash
// already exists is skipped (deduplication) and reported via the bool.
func (s *TrainingStore) SaveDataset(ctx context.Context, d *mlmodel.TrainingDataset) (bool, error) {
	quality, err := json.Marshal(orEmptyFloatMap(d.QualityMetrics))
	if err != nil {
		return false, fmt.Errorf("%w: encode quality metrics: %w", ErrTrainingStore, err)
	}

	query := `
		INSERT INTO training_datasets (
			id, family, record_count, range_start, range_end, feature_columns,
			target_column, dataset_hash, quality_metrics, location, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (dataset_hash) WHERE dataset_hash IS NOT NULL DO NOTHING`

	result, err := s.conn.ExecContext(ctx, query,
		d.ID, d.Family.String(), d.RecordCount, d.RangeStart, d.RangeEnd,
		pq.Array(d.FeatureColumns), d.TargetColumn, d.DatasetHash, quality, d.Location,
	)
	if err != nil {
		return false, fmt.Errorf("%w: insert dataset %s: %w", ErrTrainingStore, d.ID, err)
	}

	n, _ := result.RowsAffected()

	return n > 0, nil
}

// LatestDataset returns the most recent dataset snapshot for a family.
func (s *TrainingStore) LatestDataset(ctx context.Context, family mlmodel.Family) (*mlmodel.TrainingDataset, error) {
	query := `
		SELECT id, family, record_count, range_start, range_end, feature_columns,
		       target_column, dataset_hash, quality_metrics, location, created_at
		FROM training_datasets
		WHERE family = $1
		ORDER BY created_at DESC
		LIMIT 1`

	var (
		d       mlmodel.TrainingDataset
		fam     string
		quality []byte
	)

	err := s.conn.QueryRowContext(ctx, query, family.String()).Scan(
		&d.ID, &fam, &d.RecordCount, &d.RangeStart, &d.RangeEnd,
		pq.Array(&d.FeatureColumns), &d.TargetColumn, &d.DatasetHash, &quality,
		&d.Location, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: family %s", ErrDatasetNotFound, family)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: latest dataset for %s: %w", ErrTrainingStore, family, err)
	}

	d.Family = mlmodel.Family(fam)

	if err := json.Unmarshal(quality, &d.QualityMetrics); err != nil {
		return nil, fmt.Errorf("%w: decode quality metrics: %w", ErrTrainingStore, err)
	}

	return &d, nil
}

// TrainingRecord is one ingested observation, typically one order line item.
type TrainingRecord struct {
	Family     mlmodel.Family
	ProductID  string
	OrderID    string
	CustomerID string
	Quantity   int
	UnitPrice  float64
	IsHoliday  bool
	OccurredAt time.Time
}

// AppendRecords inserts training records and returns the family's new total
// record count. The insert and count run in one transaction so the retrain
// threshold check observes a consistent count.
func (s *TrainingStore) AppendRecords(ctx context.Context, records []TrainingRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin append: %w", ErrTrainingStore, err)
	}

	defer func() { _ = tx.Rollback() }()

	insert := `
		INSERT INTO training_records (
			family, product_id, order_id, customer_id, quantity, unit_price,
			is_holiday, occurred_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`

	for _, r := range records {
		if _, err := tx.ExecContext(ctx, insert,
			r.Family.String(), r.ProductID, r.OrderID, r.CustomerID,
			r.Quantity, r.UnitPrice, r.IsHoliday, r.OccurredAt,
		); err != nil {
			return 0, fmt.Errorf("%w: insert record for order %s: %w", ErrTrainingStore, r.OrderID, err)
		}
	}

	var count int64

	countQuery := `SELECT COUNT(*) FROM training_records WHERE family = $1`
	if err := tx.QueryRowContext(ctx, countQuery, records[0].Family.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count records: %w", ErrTrainingStore, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit append: %w", ErrTrainingStore, err)
	}

	return count, nil
}

// RecordCount returns the number of training records for a family.
func (s *TrainingStore) RecordCount(ctx context.Context, family mlmodel.Family) (int64, error) {
	var count int64

	query := `SELECT COUNT(*) FROM training_records WHERE family = $1`
	if err := s.conn.QueryRowContext(ctx, query, family.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count records for %s: %w", ErrTrainingStore, family, err)
	}

	return count, nil
}

// DemandHistory aggregates training records into a per-day demand series for
// a product, ready for time-series feature derivation.
func (s *TrainingStore) DemandHistory(
	ctx context.Context, productID string, since time.Time,
) ([]DemandObservation, error) {
	query := `
		SELECT date_trunc('day', occurred_at) AS day,
		       SUM(quantity)::float8 AS demand,
		       bool_or(is_holiday) AS is_holiday
		FROM training_records
		WHERE family = $1 AND product_id = $2 AND occurred_at >= $3
		GROUP BY day
		ORDER BY day`

	rows, err := s.conn.QueryContext(ctx, query,
		mlmodel.FamilyDemandForecast.String(), productID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: demand history for %s: %w", ErrTrainingStore, productID, err)
	}

	defer func() { _ = rows.Close() }()

	var observations []DemandObservation

	for rows.Next() {
		var o DemandObservation
		if err := rows.Scan(&o.Day, &o.Demand, &o.IsHoliday); err != nil {
			return nil, fmt.Errorf("%w: scan demand history: %w", ErrTrainingStore, err)
		}

		observations = append(observations, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate demand history: %w", ErrTrainingStore, err)
	}

	return observations, nil
}

// DemandSeries aggregates demand across all products into a per-day series.
// The demand trainer fits its seasonal baseline over this series.
func (s *TrainingStore) DemandSeries(ctx context.Context, since time.Time) ([]DemandObservation, error) {
	query := `
		SELECT date_trunc('day', occurred_at) AS day,
		       SUM(quantity)::float8 AS demand,
		       bool_or(is_holiday) AS is_holiday
		FROM training_records
		WHERE family = $1 AND occurred_at >= $2
		GROUP BY day
		ORDER BY day`

	rows, err := s.conn.QueryContext(ctx, query, mlmodel.FamilyDemandForecast.String(), since)
	if err != nil {
		return nil, fmt.Errorf("%w: demand series: %w", ErrTrainingStore, err)
	}

	defer func() { _ = rows.Close() }()

	var observations []DemandObservation

	for rows.Next() {
		var o DemandObservation
		if err := rows.Scan(&o.Day, &o.Demand, &o.IsHoliday); err != nil {
			return nil, fmt.Errorf("%w: scan demand series: %w", ErrTrainingStore, err)
		}

		observations = append(observations, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate demand series: %w", ErrTrainingStore, err)
	}

	return observations, nil
}

// DemandObservation is one aggregated day of demand for a product.
type DemandObservation struct {
	Day       time.Time
	Demand    float64
	IsHoliday bool
}

// execJobUpdate runs a conditional job status update and maps the zero-rows
// case to ErrJobNotFound (either the id is unknown or the job already left
// the expected state).
func (s *TrainingStore) execJobUpdate(ctx context.Context, jobID, query string, args ...any) error {
	result, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: update job %s: %w", ErrTrainingStore, jobID, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s (or not in expected state)", ErrJobNotFound, jobID)
	}

	return nil
}
