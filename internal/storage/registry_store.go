package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgesight/forgesight/internal/mlmodel"
)

// Sentinel errors for registry operations.
var (
	// ErrModelNotFound is returned when a model id does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrNoActiveModel is returned when a family has no Active model.
	ErrNoActiveModel = errors.New("no active model for family")

	// ErrModelStore is returned when a registry storage operation fails.
	ErrModelStore = errors.New("model registry storage failed")
)

// modelColumns is the select list shared by all registry reads.
const modelColumns = `
	id, family, version, status, algorithm, metrics, training_date,
	deployment_date, artifact_handle, training_job_id, metadata,
	created_at, updated_at`

// RegistryStore persists mlmodel.Model entities in PostgreSQL.
//
// The single-Active invariant is enforced at two layers: the lifecycle manager
// serializes swaps per family, and the partial unique index
// uq_models_single_active backstops it at the database.
type RegistryStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRegistryStore creates a PostgreSQL-backed model registry store.
func NewRegistryStore(conn *Connection, logger *slog.Logger) (*RegistryStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RegistryStore{conn: conn, logger: logger}, nil
}

// Save inserts a new model row.
func (s *RegistryStore) Save(ctx context.Context, m *mlmodel.Model) error {
	metrics, err := json.Marshal(orEmptyFloatMap(m.Metrics))
	if err != nil {
		return fmt.Errorf("%w: encode metrics: %w", ErrModelStore, err)
	}

	metadata, err := json.Marshal(orEmptyStringMap(m.Metadata))
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %w", ErrModelStore, err)
	}

	query := `
		INSERT INTO models (
			id, family, version, status, algorithm, metrics, training_date,
			deployment_date, artifact_handle, training_job_id, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())`

	return withRetry(ctx, func() error {
		_, err := s.conn.ExecContext(ctx, query,
			m.ID, m.Family.String(), m.Version.String(), m.Status.String(),
			m.Algorithm, metrics, m.TrainingDate, m.DeploymentDate,
			m.ArtifactHandle, m.TrainingJobID, metadata,
		)
		if err != nil {
			return fmt.Errorf("%w: insert model %s: %w", ErrModelStore, m.ID, err)
		}

		return nil
	})
}

// Get returns a model by id, or ErrModelNotFound.
func (s *RegistryStore) Get(ctx context.Context, id string) (*mlmodel.Model, error) {
	query := `SELECT` + modelColumns + ` FROM models WHERE id = $1`

	var model *mlmodel.Model

	err := withRetry(ctx, func() error {
		m, err := scanModel(s.conn.QueryRowContext(ctx, query, id))
		if errors.Is(err, sql.ErrNoRows) {
			return backoffPermanent(fmt.Errorf("%w: %s", ErrModelNotFound, id))
		}

		if err != nil {
			return fmt.Errorf("%w: get model %s: %w", ErrModelStore, id, err)
		}

		model = m

		return nil
	})

	return model, err
}

// ActiveModel returns the family's single Active model, or ErrNoActiveModel.
func (s *RegistryStore) ActiveModel(ctx context.Context, family mlmodel.Family) (*mlmodel.Model, error) {
	query := `SELECT` + modelColumns + ` FROM models WHERE family = $1 AND status = $2`

	var model *mlmodel.Model

	err := withRetry(ctx, func() error {
		m, err := scanModel(s.conn.QueryRowContext(ctx, query, family.String(), mlmodel.StatusActive.String()))
		if errors.Is(err, sql.ErrNoRows) {
			return backoffPermanent(fmt.Errorf("%w: %s", ErrNoActiveModel, family))
		}

		if err != nil {
			return fmt.Errorf("%w: active model for %s: %w", ErrModelStore, family, err)
		}

		model = m

		return nil
	})

	return model, err
}

// ListByFamily returns all models of a family, newest first.
func (s *RegistryStore) ListByFamily(ctx context.Context, family mlmodel.Family) ([]*mlmodel.Model, error) {
	query := `SELECT` + modelColumns + ` FROM models WHERE family = $1 ORDER BY created_at DESC`

	rows, err := s.conn.QueryContext(ctx, query, family.String())
	if err != nil {
		return nil, fmt.Errorf("%w: list models for %s: %w", ErrModelStore, family, err)
	}

	defer func() { _ = rows.Close() }()

	return collectModels(rows)
}

// ListStaleActive returns Active models whose TrainingDate is older than the
// cutoff. The staleness sweep enqueues retraining for each.
func (s *RegistryStore) ListStaleActive(ctx context.Context, olderThan time.Time) ([]*mlmodel.Model, error) {
	query := `SELECT` + modelColumns + `
		FROM models WHERE status = $1 AND training_date < $2`

	rows, err := s.conn.QueryContext(ctx, query, mlmodel.StatusActive.String(), olderThan)
	if err != nil {
		return nil, fmt.Errorf("%w: list stale active models: %w", ErrModelStore, err)
	}

	defer func() { _ = rows.Close() }()

	return collectModels(rows)
}

// UpdateStatus transitions a model to a new lifecycle state after validating
// the edge. The update is conditional on the current status so a concurrent
// transition loses cleanly instead of clobbering.
func (s *RegistryStore) UpdateStatus(ctx context.Context, id string, to mlmodel.ModelStatus) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := mlmodel.ValidateStatusTransition(current.Status, to); err != nil {
		return err
	}

	query := `UPDATE models SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`

	result, err := s.conn.ExecContext(ctx, query, to.String(), id, current.Status.String())
	if err != nil {
		return fmt.Errorf("%w: update status of %s: %w", ErrModelStore, id, err)
	}

	if n, _ := result.RowsAffected(); n == 0 && current.Status != to {
		return fmt.Errorf("%w: concurrent transition on %s", mlmodel.ErrInvalidTransition, id)
	}

	return nil
}

// SwapActive promotes newID to Active (setting DeploymentDate) and demotes
// oldID to Deprecated in one transaction. oldID may be empty when the family
// has no prior Active model. Callers must hold the family's lifecycle mutex.
func (s *RegistryStore) SwapActive(ctx context.Context, family mlmodel.Family, newID, oldID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin swap for %s: %w", ErrModelStore, family, err)
	}

	defer func() { _ = tx.Rollback() }()

	if oldID != "" {
		demote := `
			UPDATE models SET status = $1, updated_at = now()
			WHERE id = $2 AND family = $3 AND status = $4`

		if _, err := tx.ExecContext(ctx, demote,
			mlmodel.StatusDeprecated.String(), oldID, family.String(), mlmodel.StatusActive.String(),
		); err != nil {
			return fmt.Errorf("%w: demote %s: %w", ErrModelStore, oldID, err)
		}
	}

	promote := `
		UPDATE models
		SET status = $1, deployment_date = COALESCE(deployment_date, now()), updated_at = now()
		WHERE id = $2 AND family = $3`

	result, err := tx.ExecContext(ctx, promote, mlmodel.StatusActive.String(), newID, family.String())
	if err != nil {
		return fmt.Errorf("%w: promote %s: %w", ErrModelStore, newID, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrModelNotFound, newID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit swap for %s: %w", ErrModelStore, family, err)
	}

	s.logger.Info("active model swapped",
		slog.String("family", family.String()),
		slog.String("new_model_id", newID),
		slog.String("old_model_id", oldID),
	)

	return nil
}

// UpdateTrained records the outcome of a retraining run on an existing model
// row: new version, metrics, artifact handle, training date and job reference.
func (s *RegistryStore) UpdateTrained(ctx context.Context, m *mlmodel.Model) error {
	metrics, err := json.Marshal(orEmptyFloatMap(m.Metrics))
	if err != nil {
		return fmt.Errorf("%w: encode metrics: %w", ErrModelStore, err)
	}

	query := `
		UPDATE models
		SET version = $1, metrics = $2, training_date = $3, artifact_handle = $4,
		    training_job_id = $5, algorithm = $6, updated_at = now()
		WHERE id = $7`

	result, err := s.conn.ExecContext(ctx, query,
		m.Version.String(), metrics, m.TrainingDate, m.ArtifactHandle,
		m.TrainingJobID, m.Algorithm, m.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: update trained model %s: %w", ErrModelStore, m.ID, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrModelNotFound, m.ID)
	}

	return nil
}

// ArchiveDeprecated ages out Deprecated models not updated since the cutoff.
// Returns the number of models archived.
func (s *RegistryStore) ArchiveDeprecated(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		UPDATE models SET status = $1, updated_at = now()
		WHERE status = $2 AND updated_at < $3`

	result, err := s.conn.ExecContext(ctx, query,
		mlmodel.StatusArchived.String(), mlmodel.StatusDeprecated.String(), olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: archive deprecated models: %w", ErrModelStore, err)
	}

	n, _ := result.RowsAffected()

	return n, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (*mlmodel.Model, error) {
	var (
		m            mlmodel.Model
		family       string
		version      string
		status       string
		metricsJSON  []byte
		metadataJSON []byte
	)

	err := row.Scan(
		&m.ID, &family, &version, &status, &m.Algorithm, &metricsJSON,
		&m.TrainingDate, &m.DeploymentDate, &m.ArtifactHandle,
		&m.TrainingJobID, &metadataJSON, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Family = mlmodel.Family(family)
	m.Status = mlmodel.ModelStatus(status)

	if m.Version, err = mlmodel.ParseSemVer(version); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(metricsJSON, &m.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}

	if err := json.Unmarshal(metadataJSON, &m.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	return &m, nil
}

func collectModels(rows *sql.Rows) ([]*mlmodel.Model, error) {
	var models []*mlmodel.Model

	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan model: %w", ErrModelStore, err)
		}

		models = append(models, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate models: %w", ErrModelStore, err)
	}

	return models, nil
}

func orEmptyFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}

	return m
}

func orEmptyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}

	return m
}
