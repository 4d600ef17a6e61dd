package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgesight/forgesight/internal/artifacts"
	"github.com/forgesight/forgesight/internal/config"
	"github.com/forgesight/forgesight/internal/metrics"
	"github.com/forgesight/forgesight/internal/mlmodel"
	"github.com/forgesight/forgesight/internal/storage"
)

// Sentinel errors for the dispatcher.
var (
	// ErrFamilyBusy is returned when a family already has a queued or running job.
	ErrFamilyBusy = errors.New("training already pending for family")

	// ErrDispatcherClosed is returned when enqueueing after shutdown.
	ErrDispatcherClosed = errors.New("training dispatcher closed")
)

// registryWriter is the registry surface the dispatcher mutates after a
// successful run.
//
// Implemented by: storage.RegistryStore.
type registryWriter interface {
	ActiveModel(ctx context.Context, family mlmodel.Family) (*mlmodel.Model, error)
	Save(ctx context.Context, m *mlmodel.Model) error
	UpdateTrained(ctx context.Context, m *mlmodel.Model) error
}

// jobStore is the training persistence surface.
//
// Implemented by: storage.TrainingStore.
type jobStore interface {
	CreateJob(ctx context.Context, job *mlmodel.TrainingJob) error
	MarkRunning(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID, modelID string, validation map[string]float64) error
	MarkFailed(ctx context.Context, jobID, errorMessage string) error
	SaveDataset(ctx context.Context, d *mlmodel.TrainingDataset) (bool, error)
}

// activator swaps a retrained model in as its family's Active version.
//
// Implemented by: lifecycle.Manager.
type activator interface {
	ActivateTrained(ctx context.Context, model *mlmodel.Model) error
}

// DispatcherConfig holds the dispatcher's tunables.
type DispatcherConfig struct {
	// JobTimeout bounds one training run end to end.
	JobTimeout time.Duration
}

// LoadDispatcherConfig reads the dispatcher configuration from the environment.
func LoadDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		JobTimeout: config.GetEnvDuration("TRAINING_JOB_TIMEOUT", 10*time.Minute),
	}
}

// Dispatcher owns the training job queue: many producers (API, sweep, event
// consumers) enqueue, a single consumer goroutine trains.
//
// Enqueue never blocks on training. Jobs run strictly in FIFO order, one at a
// time; a failed job is recorded and not retried automatically. At most one
// job per family may be queued or running, which keeps repeated threshold
// crossings and overlapping sweeps from piling up duplicate work.
type Dispatcher struct {
	registry  registryWriter
	jobs      jobStore
	artifacts artifacts.Store
	lifecycle activator
	trainers  map[mlmodel.Family]Trainer
	cfg       *DispatcherConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*mlmodel.TrainingJob
	pending map[mlmodel.Family]bool
	closed  bool

	done chan struct{}
}

// NewDispatcher wires the dispatcher. Call Start to begin consuming.
func NewDispatcher(
	registry registryWriter,
	jobs jobStore,
	artifactStore artifacts.Store,
	lc activator,
	trainers []Trainer,
	cfg *DispatcherConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Dispatcher {
	byFamily := make(map[mlmodel.Family]Trainer, len(trainers))
	for _, t := range trainers {
		byFamily[t.Family()] = t
	}

	d := &Dispatcher{
		registry:  registry,
		jobs:      jobs,
		artifacts: artifactStore,
		lifecycle: lc,
		trainers:  byFamily,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		pending:   make(map[mlmodel.Family]bool),
		done:      make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)

	return d
}

// Enqueue records a job in Queued state and hands it to the consumer. It
// returns the job id immediately; training happens asynchronously.
func (d *Dispatcher) Enqueue(
	ctx context.Context, family mlmodel.Family, trigger mlmodel.Trigger,
	hyperparameters map[string]float64,
) (string, error) {
	if _, ok := d.trainers[family]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNoTrainer, family)
	}

	job := &mlmodel.TrainingJob{
		ID:              uuid.NewString(),
		Family:          family,
		Status:          mlmodel.JobQueued,
		Trigger:         trigger,
		Hyperparameters: hyperparameters,
	}

	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()

		return "", ErrDispatcherClosed
	}

	if d.pending[family] {
		d.mu.Unlock()

		return "", fmt.Errorf("%w: %s", ErrFamilyBusy, family)
	}

	d.pending[family] = true
	d.mu.Unlock()

	if err := d.jobs.CreateJob(ctx, job); err != nil {
		d.mu.Lock()
		delete(d.pending, family)
		d.mu.Unlock()

		return "", err
	}

	d.mu.Lock()
	d.queue = append(d.queue, job)
	d.cond.Signal()
	d.mu.Unlock()

	d.logger.Info("training job enqueued",
		slog.String("job_id", job.ID),
		slog.String("family", family.String()),
		slog.String("trigger", string(trigger)),
	)

	return job.ID, nil
}

// Start launches the single consumer goroutine.
func (d *Dispatcher) Start() {
	go d.run()
}

// Close stops accepting jobs and waits for the consumer to drain the queue.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return
	}

	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()

	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for {
		job, ok := d.next()
		if !ok {
			return
		}

		d.process(job)

		d.mu.Lock()
		delete(d.pending, job.Family)
		d.mu.Unlock()
	}
}

// next blocks until a job is available or the dispatcher is closed with an
// empty queue.
func (d *Dispatcher) next() (*mlmodel.TrainingJob, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(d.queue) == 0 {
		if d.closed {
			return nil, false
		}

		d.cond.Wait()
	}

	job := d.queue[0]
	d.queue = d.queue[1:]

	return job, true
}

// process runs one job to a terminal state. All persistence failures on the
// success path mark the job Failed; nothing is retried automatically.
func (d *Dispatcher) process(job *mlmodel.TrainingJob) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.JobTimeout)
	defer cancel()

	logger := d.logger.With(
		slog.String("job_id", job.ID),
		slog.String("family", job.Family.String()),
	)

	if err := d.jobs.MarkRunning(ctx, job.ID); err != nil {
		logger.Error("training job could not start", slog.String("error", err.Error()))
		d.fail(ctx, job, fmt.Errorf("mark running: %w", err))

		return
	}

	logger.Info("training job started", slog.String("trigger", string(job.Trigger)))

	result, err := d.trainers[job.Family].Train(ctx, job)
	if err != nil {
		logger.Error("training failed", slog.String("error", err.Error()))
		d.fail(ctx, job, err)

		return
	}

	model, err := d.install(ctx, job, result)
	if err != nil {
		logger.Error("trained model installation failed", slog.String("error", err.Error()))
		d.fail(ctx, job, err)

		return
	}

	if result.Dataset != nil {
		inserted, err := d.jobs.SaveDataset(ctx, result.Dataset)
		if err != nil {
			logger.Warn("dataset snapshot not saved", slog.String("error", err.Error()))
		} else if !inserted {
			logger.Debug("dataset snapshot deduplicated",
				slog.String("dataset_id", result.Dataset.ID))
		}
	}

	if err := d.jobs.MarkCompleted(ctx, job.ID, model.ID, result.Metrics); err != nil {
		logger.Error("training job completion not recorded", slog.String("error", err.Error()))

		return
	}

	d.metrics.ObserveTrainingJob(job.Family.String(), string(mlmodel.JobCompleted))
	logger.Info("training job completed",
		slog.String("model_id", model.ID),
		slog.String("version", model.Version.String()),
	)
}

// install persists the artifact, updates or creates the registry row, and
// swaps the model in as Active. A family with no Active model is deliberately
// bootstrapped with a fresh 1.0.0 Draft rather than skipped, so the first
// successful training run brings the family online without manual seeding.
func (d *Dispatcher) install(
	ctx context.Context, job *mlmodel.TrainingJob, result *Result,
) (*mlmodel.Model, error) {
	model, err := d.registry.ActiveModel(ctx, job.Family)

	fresh := false

	switch {
	case err == nil:
		model.Version = model.Version.BumpMinor()
	case errors.Is(err, storage.ErrNoActiveModel):
		// First model for the family.
		fresh = true
		model = &mlmodel.Model{
			ID:      uuid.NewString(),
			Family:  job.Family,
			Version: mlmodel.SemVer{Major: 1},
			Status:  mlmodel.StatusDraft,
		}
	default:
		return nil, fmt.Errorf("resolve model for %s: %w", job.Family, err)
	}

	handle, err := d.artifacts.Persist(result.Artifact, job.Family, model.Version)
	if err != nil {
		return nil, fmt.Errorf("persist artifact: %w", err)
	}

	model.Algorithm = result.Algorithm
	model.Metrics = result.Metrics
	model.TrainingDate = d.now()
	model.ArtifactHandle = handle
	model.TrainingJobID = &job.ID

	if fresh {
		err = d.registry.Save(ctx, model)
	} else {
		err = d.registry.UpdateTrained(ctx, model)
	}

	if err != nil {
		return nil, fmt.Errorf("record trained model: %w", err)
	}

	if err := d.lifecycle.ActivateTrained(ctx, model); err != nil {
		return nil, fmt.Errorf("activate trained model: %w", err)
	}

	return model, nil
}

// fail marks a job Failed and counts it. A failure to record the failure is
// logged; the job row stays in its last state for operators to inspect.
func (d *Dispatcher) fail(ctx context.Context, job *mlmodel.TrainingJob, cause error) {
	if err := d.jobs.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		d.logger.Error("training job failure not recorded",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	d.metrics.ObserveTrainingJob(job.Family.String(), string(mlmodel.JobFailed))
}
