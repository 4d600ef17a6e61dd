package training

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesight/forgesight/internal/mlmodel"
	"github.com/forgesight/forgesight/internal/storage"
)

// stubTrainer returns a canned result for one family.
type stubTrainer struct {
	family mlmodel.Family
	result *Result
	err    error
	gate   chan struct{} // when non-nil, Train blocks until the gate closes
}

func (s *stubTrainer) Family() mlmodel.Family { return s.family }

func (s *stubTrainer) Train(context.Context, *mlmodel.TrainingJob) (*Result, error) {
	if s.gate != nil {
		<-s.gate
	}

	return s.result, s.err
}

// fakeRegistryWriter records dispatcher registry writes.
type fakeRegistryWriter struct {
	mu      sync.Mutex
	active  map[mlmodel.Family]*mlmodel.Model
	saved   []*mlmodel.Model
	updated []*mlmodel.Model
}

func (f *fakeRegistryWriter) ActiveModel(_ context.Context, family mlmodel.Family) (*mlmodel.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.active[family]; ok {
		copied := *m

		return &copied, nil
	}

	return nil, storage.ErrNoActiveModel
}

func (f *fakeRegistryWriter) Save(_ context.Context, m *mlmodel.Model) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	copied := *m
	f.saved = append(f.saved, &copied)

	return nil
}

func (f *fakeRegistryWriter) UpdateTrained(_ context.Context, m *mlmodel.Model) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	copied := *m
	f.updated = append(f.updated, &copied)

	return nil
}

// fakeJobStore records job state transitions in call order.
type fakeJobStore struct {
	mu        sync.Mutex
	createErr error
	created   []*mlmodel.TrainingJob
	running   []string
	completed []string // "jobID:modelID"
	failed    map[string]string
	datasets  []*mlmodel.TrainingDataset
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{failed: make(map[string]string)}
}

func (f *fakeJobStore) CreateJob(_ context.Context, job *mlmodel.TrainingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return f.createErr
	}

	f.created = append(f.created, job)

	return nil
}

func (f *fakeJobStore) MarkRunning(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = append(f.running, jobID)

	return nil
}

func (f *fakeJobStore) MarkCompleted(_ context.Context, jobID, modelID string, _ map[string]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID+":"+modelID)

	return nil
}

func (f *fakeJobStore) MarkFailed(_ context.Context, jobID, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[jobID] = errorMessage

	return nil
}

func (f *fakeJobStore) SaveDataset(_ context.Context, d *mlmodel.TrainingDataset) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasets = append(f.datasets, d)

	return true, nil
}

// fakeActivator records activations.
type fakeActivator struct {
	mu        sync.Mutex
	activated []*mlmodel.Model
}

func (f *fakeActivator) ActivateTrained(_ context.Context, m *mlmodel.Model) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	copied := *m
	f.activated = append(f.activated, &copied)

	return nil
}

// memArtifacts keeps persisted artifacts in memory.
type memArtifacts struct {
	mu       sync.Mutex
	persists []string
}

func (f *memArtifacts) Persist(_ []byte, family mlmodel.Family, version mlmodel.SemVer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	handle := family.String() + "/" + version.String() + "/artifact.model"
	f.persists = append(f.persists, handle)

	return handle, nil
}

func (f *memArtifacts) Load(string) ([]byte, error) { return nil, nil }

func (f *memArtifacts) ModTime(string) (time.Time, error) { return time.Time{}, nil }

type dispatcherFixture struct {
	dispatcher *Dispatcher
	registry   *fakeRegistryWriter
	jobs       *fakeJobStore
	lifecycle  *fakeActivator
	artifacts  *memArtifacts
}

func newDispatcherFixture(trainers ...Trainer) *dispatcherFixture {
	fx := &dispatcherFixture{
		registry:  &fakeRegistryWriter{active: make(map[mlmodel.Family]*mlmodel.Model)},
		jobs:      newFakeJobStore(),
		lifecycle: &fakeActivator{},
		artifacts: &memArtifacts{},
	}

	fx.dispatcher = NewDispatcher(
		fx.registry, fx.jobs, fx.artifacts, fx.lifecycle, trainers,
		&DispatcherConfig{JobTimeout: time.Minute},
		nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	return fx
}

func printResult() *Result {
	return &Result{
		Artifact:  []byte(`{"schema":1}`),
		Algorithm: "linear-baseline",
		Metrics:   map[string]float64{"calibration_scale": 1},
	}
}

func TestDispatcher_Enqueue_UnknownFamily(t *testing.T) {
	fx := newDispatcherFixture()

	_, err := fx.dispatcher.Enqueue(
		context.Background(), mlmodel.FamilyPrintTime, mlmodel.TriggerManual, nil)
	assert.ErrorIs(t, err, ErrNoTrainer)
}

func TestDispatcher_Enqueue_FamilyBusy(t *testing.T) {
	fx := newDispatcherFixture(&stubTrainer{family: mlmodel.FamilyPrintTime, result: printResult()})

	_, err := fx.dispatcher.Enqueue(
		context.Background(), mlmodel.FamilyPrintTime, mlmodel.TriggerManual, nil)
	require.NoError(t, err)

	_, err = fx.dispatcher.Enqueue(
		context.Background(), mlmodel.FamilyPrintTime, mlmodel.TriggerManual, nil)
	assert.ErrorIs(t, err, ErrFamilyBusy)

	fx.dispatcher.Start()
	fx.dispatcher.Close()

	// The slot frees once the job reaches a terminal state.
	assert.Len(t, fx.jobs.completed, 1)
}

func TestDispatcher_Enqueue_AfterClose(t *testing.T) {
	fx := newDispatcherFixture(&stubTrainer{family: mlmodel.FamilyPrintTime, result: printResult()})

	fx.dispatcher.Start()
	fx.dispatcher.Close()

	_, err := fx.dispatcher.Enqueue(
		context.Background(), mlmodel.FamilyPrintTime, mlmodel.TriggerManual, nil)
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestDispatcher_Enqueue_CreateJobFailureFreesSlot(t *testing.T) {
	fx := newDispatcherFixture(&stubTrainer{family: mlmodel.FamilyPrintTime, result: printResult()})
	fx.jobs.createErr = assert.AnError

	_, err := fx.dispatcher.Enqueue(
		context.Background(), mlmodel.FamilyPrintTime, mlmodel.TriggerManual, nil)
	require.ErrorIs(t, err, assert.AnError)

	fx.jobs.createErr = nil

	_, err = fx.dispatcher.Enqueue(
		context.Background(), mlmodel.FamilyPrintTime, mlmodel.TriggerManual, nil)
	assert.NoError(t, err, "a failed enqueue must not leave the family blocked")

	fx.dispatcher.Start()
	fx.dispatcher.Close()
}

func TestDispatcher_ProcessesInFIFOOrder(t *testing.T) {
	fx := newDispatcherFixture(
		&stubTrainer{family: mlmodel.FamilyPrintTime, result: printResult()},
		&stubTrainer{family: mlmodel.FamilyDemandForecast, result: printResult()},
	)

	first, err := fx.dispatcher.Enqueue(
		context.Background(), mlmodel.FamilyPrintTime, mlmodel.TriggerScheduled, nil)
	require.NoError(t, err)

	second, err := fx.dispatcher.Enqueue(
		context.Background(), mlmodel.FamilyDemandForecast, mlmodel.TriggerScheduled, nil)
	require.NoError(t, err)

	fx.dispatcher.Start()
	fx.dispatcher.Close()

	require.Len(t, fx.jobs.running, 2)
	assert.Equal(t, []string{first, second}, fx.jobs.running)
}

func TestDispatcher_FreshFamilyCreatesInitialModel(t *testing.T) {
	result := printResult()
	result.Dataset = &mlmodel.TrainingDataset{ID: "ds-1", Family: mlmodel.FamilyPrintTime}

	fx := newDispatcherFixture(&stubTrainer{family: mlmodel.FamilyPrintTime, result: result})

	jobID, err := fx.dispatcher.Enqueue(
		context.Background(), mlmodel.FamilyPrintTime, mlmodel.TriggerManual, nil)
	require.NoError(t, err)

	fx.dispatcher.Start()
	fx.dispatcher.Close()

	require.Len(t, fx.registry.saved, 1)
	saved := fx.registry.saved[0]
	assert.Equal(t, mlmodel.SemVer{Major: 1}, saved.Version)
	assert.Equal(t, mlmodel.StatusDraft, saved.Status)
	assert.Equal(t, "linear-baseline", saved.Algorithm)
	assert.Equal(t, "print_time/1.0.0/artifact.model", saved.ArtifactHandle)
	require.NotNil(t, saved.TrainingJobID)
	assert.Equal(t, jobID, *saved.TrainingJobID)

	assert.Empty(t, fx.registry.updated)

	require.Len(t, fx.lifecycle.activated, 1)
	assert.Equal(t, saved.ID, fx.lifecycle.activated[0].ID)

	require.Len(t, fx.jobs.datasets, 1)
	assert.Equal(t, "ds-1", fx.jobs.datasets[0].ID)

	require.Len(t, fx.jobs.completed, 1)
	assert.Equal(t, jobID+":"+saved.ID, fx.jobs.completed[0])
}

func TestDispatcher_RetrainBumpsMinorVersion(t *testing.T) {
	fx := newDispatcherFixture(&stubTrainer{family: mlmodel.FamilyPrintTime, result: printResult()})
	fx.registry.active[mlmodel.FamilyPrintTime] = &mlmodel.Model{
		ID:      "m-active",
		Family:  mlmodel.FamilyPrintTime,
		Version: mlmodel.SemVer{Major: 1, Minor: 4, Patch: 7},
		Status:  mlmodel.StatusActive,
	}

	_, err := fx.dispatcher.Enqueue(
		context.Background(), mlmodel.FamilyPrintTime, mlmodel.TriggerAutoRetrain, nil)
	require.NoError(t, err)

	fx.dispatcher.Start()
	fx.dispatcher.Close()

	assert.Empty(t, fx.registry.saved, "retraining reuses the existing registry row")
	require.Len(t, fx.registry.updated, 1)

	updated := fx.registry.updated[0]
	assert.Equal(t, "m-active", updated.ID)
	assert.Equal(t, mlmodel.SemVer{Major: 1, Minor: 5}, updated.Version)
	assert.Equal(t, "print_time/1.5.0/artifact.model", updated.ArtifactHandle)

	require.Len(t, fx.lifecycle.activated, 1)
	assert.Equal(t, "m-active", fx.lifecycle.activated[0].ID)
}

func TestDispatcher_TrainerFailureMarksJobFailed(t *testing.T) {
	fx := newDispatcherFixture(&stubTrainer{family: mlmodel.FamilyDemandForecast, err: ErrInsufficientData})

	jobID, err := fx.dispatcher.Enqueue(
		context.Background(), mlmodel.FamilyDemandForecast, mlmodel.TriggerScheduled, nil)
	require.NoError(t, err)

	fx.dispatcher.Start()
	fx.dispatcher.Close()

	assert.Empty(t, fx.jobs.completed)
	assert.Contains(t, fx.jobs.failed[jobID], "insufficient training data")
	assert.Empty(t, fx.lifecycle.activated)
}

func TestDispatcher_FamilySlotFreesAfterFailure(t *testing.T) {
	gate := make(chan struct{})
	trainer := &stubTrainer{family: mlmodel.FamilyPrintTime, err: assert.AnError, gate: gate}
	fx := newDispatcherFixture(trainer)

	fx.dispatcher.Start()
	defer fx.dispatcher.Close()

	_, err := fx.dispatcher.Enqueue(
		context.Background(), mlmodel.FamilyPrintTime, mlmodel.TriggerManual, nil)
	require.NoError(t, err)

	close(gate)

	require.Eventually(t, func() bool {
		_, err := fx.dispatcher.Enqueue(
			context.Background(), mlmodel.FamilyPrintTime, mlmodel.TriggerManual, nil)

		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "family slot must free once the job fails")
}
