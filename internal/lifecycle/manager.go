// Package lifecycle enforces the model state machine and the active-swap
// protocol: per-family mutual exclusion, registry transitions, and
// best-effort cache invalidation after a swap.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgesight/forgesight/internal/cache"
	"github.com/forgesight/forgesight/internal/metrics"
	"github.com/forgesight/forgesight/internal/mlmodel"
	"github.com/forgesight/forgesight/internal/storage"
)

// Registry is the registry surface the lifecycle manager mutates.
//
// Implemented by: storage.RegistryStore.
type Registry interface {
	Get(ctx context.Context, id string) (*mlmodel.Model, error)
	ActiveModel(ctx context.Context, family mlmodel.Family) (*mlmodel.Model, error)
	UpdateStatus(ctx context.Context, id string, to mlmodel.ModelStatus) error
	SwapActive(ctx context.Context, family mlmodel.Family, newID, oldID string) error
	ArchiveDeprecated(ctx context.Context, olderThan time.Time) (int64, error)
}

// Manager serializes lifecycle transitions per family.
//
// Every transition except Draft → Testing runs under the family's mutex, so
// active-swaps are linearizable per family. Cache invalidation
// happens after the registry transaction and is best-effort: keys embed the
// model version, so a missed invalidation can only leave dead entries, never
// stale answers.
type Manager struct {
	registry Registry
	cache    cache.Cache
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	familyMu map[mlmodel.Family]*sync.Mutex
}

// NewManager creates a lifecycle manager.
func NewManager(registry Registry, c cache.Cache, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		registry: registry,
		cache:    c,
		metrics:  m,
		logger:   logger,
		familyMu: make(map[mlmodel.Family]*sync.Mutex),
	}
}

// Validate advances a Draft model to Testing. This is the one transition that
// does not require the family mutex.
func (m *Manager) Validate(ctx context.Context, modelID string) error {
	return m.registry.UpdateStatus(ctx, modelID, mlmodel.StatusTesting)
}

// Promote installs a model as its family's Active version.
//
// Swap protocol: acquire the family mutex, load the current Active (if any),
// promote the new model and demote the old one in a single registry
// transaction, then invalidate the family's cache namespace.
//
// Promoting from Deprecated is the rollback path and follows the same
// protocol.
func (m *Manager) Promote(ctx context.Context, modelID string) error {
	model, err := m.registry.Get(ctx, modelID)
	if err != nil {
		return err
	}

	lock := m.familyLock(model.Family)
	lock.Lock()
	defer lock.Unlock()

	if err := mlmodel.ValidateStatusTransition(model.Status, mlmodel.StatusActive); err != nil {
		return err
	}

	oldID := ""

	current, err := m.registry.ActiveModel(ctx, model.Family)

	switch {
	case err == nil:
		if current.ID == modelID {
			return nil // already active, idempotent
		}

		oldID = current.ID
	case errors.Is(err, storage.ErrNoActiveModel):
		// First activation for the family.
	default:
		return err
	}

	if err := m.registry.SwapActive(ctx, model.Family, modelID, oldID); err != nil {
		return err
	}

	m.invalidateFamily(ctx, model.Family)

	return nil
}

// ActivateTrained effects the active-swap for a freshly retrained model whose
// registry row was already updated by the dispatcher. The model keeps its id
// across retraining, so when it is already Active the swap reduces to cache
// invalidation: the version bump re-keys every new cache entry.
func (m *Manager) ActivateTrained(ctx context.Context, model *mlmodel.Model) error {
	lock := m.familyLock(model.Family)
	lock.Lock()
	defer lock.Unlock()

	oldID := ""

	current, err := m.registry.ActiveModel(ctx, model.Family)

	switch {
	case err == nil:
		if current.ID != model.ID {
			oldID = current.ID
		}
	case errors.Is(err, storage.ErrNoActiveModel):
	default:
		return err
	}

	if current == nil || current.ID != model.ID {
		if err := m.registry.SwapActive(ctx, model.Family, model.ID, oldID); err != nil {
			return err
		}
	}

	m.invalidateFamily(ctx, model.Family)

	return nil
}

// ArchiveAged ages out Deprecated models older than the retention cutoff.
func (m *Manager) ArchiveAged(ctx context.Context, olderThan time.Time) (int64, error) {
	archived, err := m.registry.ArchiveDeprecated(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("archive aged models: %w", err)
	}

	if archived > 0 {
		m.logger.Info("archived deprecated models", slog.Int64("count", archived))
	}

	return archived, nil
}

// invalidateFamily clears the family's cache namespace. Failures are logged
// and swallowed; correctness rests on version-embedded keys.
func (m *Manager) invalidateFamily(ctx context.Context, family mlmodel.Family) {
	deleted, err := m.cache.InvalidatePattern(ctx, cache.Pattern(family))
	if err != nil {
		m.logger.Warn("cache invalidation failed",
			slog.String("family", family.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	m.metrics.ObserveCacheInvalidation()
	m.logger.Info("cache namespace invalidated",
		slog.String("family", family.String()),
		slog.Int64("deleted", deleted),
	)
}

// familyLock returns the mutex guarding a family's transitions.
func (m *Manager) familyLock(family mlmodel.Family) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.familyMu[family]
	if !ok {
		lock = &sync.Mutex{}
		m.familyMu[family] = lock
	}

	return lock
}
