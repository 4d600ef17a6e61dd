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

func auditRecord(correlationID string) *mlmodel.AuditRecord {
	userID := "u-1"
	tenantID := "t-1"

	return &mlmodel.AuditRecord{
		ID:             uuid.NewString(),
		CorrelationID:  correlationID,
		Family:         mlmodel.FamilyPrintTime,
		ModelVersion:   "1.2.0",
		InputFeatures:  map[string]any{"volume_cm3": 120.5},
		Output:         map[string]any{"estimated_minutes": 245.0},
		CacheStatus:    mlmodel.CacheSuccess,
		ResponseTimeMS: 18,
		UserID:         &userID,
		TenantID:       &tenantID,
	}
}

func TestAuditStore_AppendAndGetByCorrelationID(t *testing.T) {
	conn := setupConnection(t)
	ctx := context.Background()

	store, err := NewAuditStore(conn, testLogger())
	require.NoError(t, err)

	first := auditRecord("corr-1")
	require.NoError(t, store.Append(ctx, first))

	second := auditRecord("corr-1")
	second.CacheStatus = mlmodel.CacheCachedHit
	require.NoError(t, store.Append(ctx, second))

	require.NoError(t, store.Append(ctx, auditRecord("corr-other")))

	records, err := store.GetByCorrelationID(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, first.ID, records[0].ID, "oldest first")
	assert.Equal(t, mlmodel.FamilyPrintTime, records[0].Family)
	assert.Equal(t, "1.2.0", records[0].ModelVersion)
	assert.Equal(t, 120.5, records[0].InputFeatures["volume_cm3"])
	assert.Equal(t, 245.0, records[0].Output["estimated_minutes"])
	assert.Equal(t, mlmodel.CacheSuccess, records[0].CacheStatus)
	require.NotNil(t, records[0].UserID)
	assert.Equal(t, "u-1", *records[0].UserID)
	assert.Nil(t, records[0].ActualOutcome)
	assert.Nil(t, records[0].ErrorMessage)
}

func TestAuditStore_GetByCorrelationID_NotFound(t *testing.T) {
	conn := setupConnection(t)

	store, err := NewAuditStore(conn, testLogger())
	require.NoError(t, err)

	_, err = store.GetByCorrelationID(context.Background(), "corr-missing")
	assert.ErrorIs(t, err, ErrAuditRecordNotFound)
}

func TestAuditStore_Append_FailureRecord(t *testing.T) {
	conn := setupConnection(t)
	ctx := context.Background()

	store, err := NewAuditStore(conn, testLogger())
	require.NoError(t, err)

	failed := auditRecord("corr-fail")
	failed.CacheStatus = mlmodel.CacheFailure
	failed.Output = nil
	msg := "no active model for family"
	failed.ErrorMessage = &msg

	require.NoError(t, store.Append(ctx, failed))

	records, err := store.GetByCorrelationID(ctx, "corr-fail")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, mlmodel.CacheFailure, records[0].CacheStatus)
	require.NotNil(t, records[0].ErrorMessage)
	assert.Equal(t, msg, *records[0].ErrorMessage)
	assert.Empty(t, records[0].Output)
}

func TestAuditStore_Query_WindowAndLimit(t *testing.T) {
	conn := setupConnection(t)
	ctx := context.Background()

	store, err := NewAuditStore(conn, testLogger())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(ctx, auditRecord("corr-q")))
	}

	demand := auditRecord("corr-q")
	demand.Family = mlmodel.FamilyDemandForecast
	require.NoError(t, store.Append(ctx, demand))

	now := time.Now().UTC()

	records, err := store.Query(ctx, mlmodel.FamilyPrintTime, now.Add(-time.Hour), now.Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Len(t, records, 3, "other families are excluded")

	records, err = store.Query(ctx, mlmodel.FamilyPrintTime, now.Add(-time.Hour), now.Add(time.Hour), 2)
	require.NoError(t, err)
	assert.Len(t, records, 2, "limit caps the result")

	records, err = store.Query(ctx, mlmodel.FamilyPrintTime, now.Add(time.Hour), now.Add(2*time.Hour), 100)
	require.NoError(t, err)
	assert.Empty(t, records, "window excludes everything")
}

func TestAuditStore_AmendOutcome_FirstWriteWins(t *testing.T) {
	conn := setupConnection(t)
	ctx := context.Background()

	store, err := NewAuditStore(conn, testLogger())
	require.NoError(t, err)

	record := auditRecord("corr-amend")
	require.NoError(t, store.Append(ctx, record))

	outcome := map[string]any{"actual_minutes": 260.0, "completed_at": "2026-08-24T08:30:00Z"}
	require.NoError(t, store.AmendOutcome(ctx, record.ID, outcome))

	records, err := store.GetByCorrelationID(ctx, "corr-amend")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].ActualOutcome)
	assert.Equal(t, 260.0, records[0].ActualOutcome["actual_minutes"])

	err = store.AmendOutcome(ctx, record.ID, map[string]any{"actual_minutes": 999.0})
	assert.ErrorIs(t, err, ErrOutcomeAlreadySet)

	records, err = store.GetByCorrelationID(ctx, "corr-amend")
	require.NoError(t, err)
	assert.Equal(t, 260.0, records[0].ActualOutcome["actual_minutes"], "first write survives")
}

func TestAuditStore_AmendOutcome_UnknownRecord(t *testing.T) {
	conn := setupConnection(t)

	store, err := NewAuditStore(conn, testLogger())
	require.NoError(t, err)

	err = store.AmendOutcome(context.Background(), uuid.NewString(), map[string]any{"actual_minutes": 1.0})
	assert.ErrorIs(t, err, ErrAuditRecordNotFound)
}

func TestNewAuditStore_NilConnection(t *testing.T) {
	_, err := NewAuditStore(nil, testLogger())
	assert.ErrorIs(t, err, ErrNoDatabaseConnection)
}
