package training

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/forgesight/forgesight/internal/config"
	"github.com/forgesight/forgesight/internal/mlmodel"
)

// staleLister is the registry read surface the sweep scans.
//
// Implemented by: storage.RegistryStore.
type staleLister interface {
	ListStaleActive(ctx context.Context, olderThan time.Time) ([]*mlmodel.Model, error)
}

// archiver ages out long-deprecated models.
//
// Implemented by: lifecycle.Manager.
type archiver interface {
	ArchiveAged(ctx context.Context, olderThan time.Time) (int64, error)
}

// enqueuer accepts scheduled retraining jobs.
//
// Implemented by: Dispatcher.
type enqueuer interface {
	Enqueue(ctx context.Context, family mlmodel.Family, trigger mlmodel.Trigger,
		hyperparameters map[string]float64) (string, error)
}

// SweepConfig holds the sweep tunables.
type SweepConfig struct {
	// Interval is how often the sweep runs.
	Interval time.Duration

	// StaleAfter is the model age past which an Active model is retrained.
	StaleAfter time.Duration

	// ArchiveAfter is the Deprecated age past which a model is archived.
	ArchiveAfter time.Duration
}

// LoadSweepConfig reads the sweep configuration from the environment.
func LoadSweepConfig() *SweepConfig {
	return &SweepConfig{
		Interval:     config.GetEnvDuration("SWEEP_INTERVAL", 6*time.Hour),
		StaleAfter:   config.GetEnvDuration("STALE_AFTER", 720*time.Hour),
		ArchiveAfter: config.GetEnvDuration("ARCHIVE_AFTER", 2160*time.Hour),
	}
}

// Sweeper periodically retrains stale Active models and archives aged
// Deprecated ones. One sweep failure never stops the loop.
type Sweeper struct {
	registry   staleLister
	dispatcher enqueuer
	lifecycle  archiver
	cfg        *SweepConfig
	logger     *slog.Logger
	now        func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewSweeper wires the staleness sweep. Call Start to begin.
func NewSweeper(
	registry staleLister,
	dispatcher enqueuer,
	lc archiver,
	cfg *SweepConfig,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		registry:   registry,
		dispatcher: dispatcher,
		lifecycle:  lc,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep happens after one interval,
// not at startup, so a restart storm does not trigger mass retraining.
func (s *Sweeper) Start() {
	go s.run()
}

// Close stops the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Close() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep runs one pass: enqueue scheduled retraining for every stale Active
// model, then archive aged Deprecated models.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	stale, err := s.registry.ListStaleActive(ctx, now.Add(-s.cfg.StaleAfter))
	if err != nil {
		s.logger.Error("staleness sweep failed", slog.String("error", err.Error()))

		return
	}

	for _, model := range stale {
		jobID, err := s.dispatcher.Enqueue(ctx, model.Family, mlmodel.TriggerScheduled, nil)
		if errors.Is(err, ErrFamilyBusy) || errors.Is(err, ErrNoTrainer) {
			s.logger.Debug("stale model skipped",
				slog.String("family", model.Family.String()),
				slog.String("reason", err.Error()),
			)

			continue
		}

		if err != nil {
			s.logger.Error("scheduled retraining not enqueued",
				slog.String("family", model.Family.String()),
				slog.String("error", err.Error()),
			)

			continue
		}

		s.logger.Info("scheduled retraining enqueued",
			slog.String("family", model.Family.String()),
			slog.String("model_id", model.ID),
			slog.String("job_id", jobID),
			slog.Time("training_date", model.TrainingDate),
		)
	}

	if _, err := s.lifecycle.ArchiveAged(ctx, now.Add(-s.cfg.ArchiveAfter)); err != nil {
		s.logger.Error("archive pass failed", slog.String("error", err.Error()))
	}
}
