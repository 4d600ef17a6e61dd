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

// Sentinel errors for audit log operations.
var (
	// ErrAuditRecordNotFound is returned when no record matches the lookup.
	ErrAuditRecordNotFound = errors.New("audit record not found")

	// ErrOutcomeAlreadySet is returned when amending a record whose actual
	// outcome has already been written. The first write wins.
	ErrOutcomeAlreadySet = errors.New("actual outcome already set")

	// ErrAuditStore is returned when an audit storage operation fails.
	ErrAuditStore = errors.New("audit storage failed")
)

const auditColumns = `
	id, correlation_id, family, model_version, input_features, output,
	cache_status, response_time_ms, user_id, tenant_id, actual_outcome,
	error_message, created_at`

// AuditStore persists append-only prediction audit records.
//
// Records are never mutated after insert except the one-shot actual-outcome
// amendment, which is a conditional update on (id, actual_outcome IS NULL).
type AuditStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewAuditStore creates a PostgreSQL-backed audit store.
func NewAuditStore(conn *Connection, logger *slog.Logger) (*AuditStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &AuditStore{conn: conn, logger: logger}, nil
}

// Append inserts one audit record. Appends are retried with the store backoff
// policy; semantic rejection does not exist for audit records.
func (s *AuditStore) Append(ctx context.Context, r *mlmodel.AuditRecord) error {
	inputs, err := json.Marshal(orEmptyAnyMap(r.InputFeatures))
	if err != nil {
		return fmt.Errorf("%w: encode input features: %w", ErrAuditStore, err)
	}

	output, err := json.Marshal(orEmptyAnyMap(r.Output))
	if err != nil {
		return fmt.Errorf("%w: encode output: %w", ErrAuditStore, err)
	}

	query := `
		INSERT INTO prediction_audit (
			id, correlation_id, family, model_version, input_features, output,
			cache_status, response_time_ms, user_id, tenant_id, error_message,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())`

	return withRetry(ctx, func() error {
		_, err := s.conn.ExecContext(ctx, query,
			r.ID, r.CorrelationID, r.Family.String(), r.ModelVersion, inputs, output,
			string(r.CacheStatus), r.ResponseTimeMS, r.UserID, r.TenantID, r.ErrorMessage,
		)
		if err != nil {
			return fmt.Errorf("%w: append record %s: %w", ErrAuditStore, r.ID, err)
		}

		return nil
	})
}

// GetByCorrelationID returns all records sharing a correlation id, oldest first.
func (s *AuditStore) GetByCorrelationID(ctx context.Context, correlationID string) ([]*mlmodel.AuditRecord, error) {
	query := `SELECT` + auditColumns + `
		FROM prediction_audit WHERE correlation_id = $1 ORDER BY created_at`

	rows, err := s.conn.QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("%w: query by correlation id %s: %w", ErrAuditStore, correlationID, err)
	}

	defer func() { _ = rows.Close() }()

	records, err := collectAuditRecords(rows)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: correlation id %s", ErrAuditRecordNotFound, correlationID)
	}

	return records, nil
}

// Query returns records for a family within [from, to), newest first, capped
// at limit.
func (s *AuditStore) Query(
	ctx context.Context, family mlmodel.Family, from, to time.Time, limit int,
) ([]*mlmodel.AuditRecord, error) {
	query := `SELECT` + auditColumns + `
		FROM prediction_audit
		WHERE family = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4`

	rows, err := s.conn.QueryContext(ctx, query, family.String(), from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s window: %w", ErrAuditStore, family, err)
	}

	defer func() { _ = rows.Close() }()

	return collectAuditRecords(rows)
}

// AmendOutcome writes the late-arriving actual outcome exactly once.
// A second amendment returns ErrOutcomeAlreadySet; an unknown id returns
// ErrAuditRecordNotFound. Amendments that fail leave the record intact.
func (s *AuditStore) AmendOutcome(ctx context.Context, id string, outcome map[string]any) error {
	encoded, err := json.Marshal(orEmptyAnyMap(outcome))
	if err != nil {
		return fmt.Errorf("%w: encode outcome: %w", ErrAuditStore, err)
	}

	query := `
		UPDATE prediction_audit SET actual_outcome = $1
		WHERE id = $2 AND actual_outcome IS NULL`

	result, err := s.conn.ExecContext(ctx, query, encoded, id)
	if err != nil {
		return fmt.Errorf("%w: amend record %s: %w", ErrAuditStore, id, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		var exists bool

		check := `SELECT EXISTS (SELECT 1 FROM prediction_audit WHERE id = $1)`
		if err := s.conn.QueryRowContext(ctx, check, id).Scan(&exists); err != nil {
			return fmt.Errorf("%w: verify record %s: %w", ErrAuditStore, id, err)
		}

		if !exists {
			return fmt.Errorf("%w: %s", ErrAuditRecordNotFound, id)
		}

		return fmt.Errorf("%w: %s", ErrOutcomeAlreadySet, id)
	}

	return nil
}

func collectAuditRecords(rows *sql.Rows) ([]*mlmodel.AuditRecord, error) {
	var records []*mlmodel.AuditRecord

	for rows.Next() {
		var (
			r           mlmodel.AuditRecord
			family      string
			cacheStatus string
			inputs      []byte
			output      []byte
			outcome     []byte
		)

		err := rows.Scan(
			&r.ID, &r.CorrelationID, &family, &r.ModelVersion, &inputs, &output,
			&cacheStatus, &r.ResponseTimeMS, &r.UserID, &r.TenantID, &outcome,
			&r.ErrorMessage, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: scan audit record: %w", ErrAuditStore, err)
		}

		r.Family = mlmodel.Family(family)
		r.CacheStatus = mlmodel.CacheStatus(cacheStatus)

		if err := json.Unmarshal(inputs, &r.InputFeatures); err != nil {
			return nil, fmt.Errorf("%w: decode input features: %w", ErrAuditStore, err)
		}

		if err := json.Unmarshal(output, &r.Output); err != nil {
			return nil, fmt.Errorf("%w: decode output: %w", ErrAuditStore, err)
		}

		if outcome != nil {
			if err := json.Unmarshal(outcome, &r.ActualOutcome); err != nil {
				return nil, fmt.Errorf("%w: decode outcome: %w", ErrAuditStore, err)
			}
		}

		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate audit records: %w", ErrAuditStore, err)
	}

	return records, nil
}

func orEmptyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	return m
}
