// Package mlmodel provides the domain entities for the model registry:
// prediction families, model versions, lifecycle states, training jobs,
// training datasets, and prediction audit records.
package mlmodel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for registry entity validation.
var (
	// ErrInvalidFamily is returned when a family tag is not one of the known values.
	ErrInvalidFamily = errors.New("invalid prediction family")

	// ErrInvalidVersion is returned when a semantic version string cannot be parsed.
	ErrInvalidVersion = errors.New("invalid semantic version")

	// ErrCompletedJobWithoutModel is returned when a training job is marked Completed
	// without a resulting model reference.
	ErrCompletedJobWithoutModel = errors.New("completed training job requires a resulting model")

	// ErrFailedJobWithoutError is returned when a training job is marked Failed
	// without an error message.
	ErrFailedJobWithoutError = errors.New("failed training job requires an error message")
)

// Family identifies one prediction category. Families key models, cache
// namespaces, audit records, and trainers.
type Family string

// Known prediction families.
const (
	FamilyPrintTime           Family = "print_time"
	FamilyDemandForecast      Family = "demand_forecast"
	FamilyPriceOptimization   Family = "price_optimization"
	FamilyChurnPrediction     Family = "churn_prediction"
	FamilyMaterialDemand      Family = "material_demand"
	FamilyBottleneckDetection Family = "bottleneck_detection"
)

// Families lists all known prediction families in a stable order.
func Families() []Family {
	return []Family{
		FamilyPrintTime,
		FamilyDemandForecast,
		FamilyPriceOptimization,
		FamilyChurnPrediction,
		FamilyMaterialDemand,
		FamilyBottleneckDetection,
	}
}

// IsValid reports whether the family is one of the known values.
func (f Family) IsValid() bool {
	switch f {
	case FamilyPrintTime, FamilyDemandForecast, FamilyPriceOptimization,
		FamilyChurnPrediction, FamilyMaterialDemand, FamilyBottleneckDetection:
		return true
	default:
		return false
	}
}

// String returns the family tag as stored in the database and cache keys.
func (f Family) String() string { return string(f) }

// ParseFamily converts a family tag to a Family, or returns ErrInvalidFamily.
func ParseFamily(s string) (Family, error) {
	f := Family(strings.ToLower(strings.TrimSpace(s)))
	if !f.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidFamily, s)
	}

	return f, nil
}

// ModelStatus is the lifecycle state of a registered model.
type ModelStatus string

// Model lifecycle states. See ValidateStatusTransition for the allowed edges.
const (
	StatusDraft      ModelStatus = "draft"
	StatusTesting    ModelStatus = "testing"
	StatusActive     ModelStatus = "active"
	StatusDeprecated ModelStatus = "deprecated"
	StatusArchived   ModelStatus = "archived"
)

// IsValid reports whether the status is a known lifecycle state.
func (s ModelStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusTesting, StatusActive, StatusDeprecated, StatusArchived:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s ModelStatus) IsTerminal() bool { return s == StatusArchived }

// String returns the status tag as stored in the database.
func (s ModelStatus) String() string { return string(s) }

// SemVer is a semantic model version (major.minor.patch).
type SemVer struct {
	Major int
	Minor int
	Patch int
}

const semVerParts = 3

// String renders the version as "major.minor.patch".
func (v SemVer) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// BumpMinor returns the next minor version (patch reset to zero).
// Retraining produces a minor bump; schema-incompatible artifacts bump major.
func (v SemVer) BumpMinor() SemVer {
	return SemVer{Major: v.Major, Minor: v.Minor + 1, Patch: 0}
}

// ParseSemVer parses a "major.minor.patch" string.
func ParseSemVer(s string) (SemVer, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != semVerParts {
		return SemVer{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}

	nums := make([]int, semVerParts)

	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return SemVer{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
		}

		nums[i] = n
	}

	return SemVer{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// Model is a registry entry for one trained model version.
//
// Mutation is restricted to the lifecycle manager and the training dispatcher;
// the prediction pipeline only reads models.
type Model struct {
	ID             string             `json:"id"`
	Family         Family             `json:"family"`
	Version        SemVer             `json:"version"`
	Status         ModelStatus        `json:"status"`
	Algorithm      string             `json:"algorithm"`
	Metrics        map[string]float64 `json:"metrics"`
	TrainingDate   time.Time          `json:"trainingDate"`
	DeploymentDate *time.Time         `json:"deploymentDate,omitempty"`
	ArtifactHandle string             `json:"artifactHandle"`
	TrainingJobID  *string            `json:"trainingJobId,omitempty"`
	Metadata       map[string]string  `json:"metadata,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// JobStatus is the state of a training job.
type JobStatus string

// Training job states. Queued and Running are transient; the rest are terminal.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Trigger records what caused a training job to be enqueued.
type Trigger string

// Training triggers.
const (
	TriggerManual      Trigger = "manual"
	TriggerScheduled   Trigger = "scheduled"
	TriggerAutoRetrain Trigger = "auto-retrain"
)

// TrainingJob tracks one retraining run from enqueue to terminal state.
type TrainingJob struct {
	ID                string             `json:"id"`
	Family            Family             `json:"family"`
	Status            JobStatus          `json:"status"`
	Trigger           Trigger            `json:"trigger"`
	DatasetID         *string            `json:"datasetId,omitempty"`
	ResultModelID     *string            `json:"resultModelId,omitempty"`
	ErrorMessage      *string            `json:"errorMessage,omitempty"`
	Hyperparameters   map[string]float64 `json:"hyperparameters,omitempty"`
	ValidationResults map[string]float64 `json:"validationResults,omitempty"`
	StartedAt         *time.Time         `json:"startedAt,omitempty"`
	FinishedAt        *time.Time         `json:"finishedAt,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
}

// Validate enforces the job terminal-state invariants: Completed requires a
// resulting model, Failed requires an error message.
func (j *TrainingJob) Validate() error {
	if j.Status == JobCompleted && (j.ResultModelID == nil || *j.ResultModelID == "") {
		return ErrCompletedJobWithoutModel
	}

	if j.Status == JobFailed && (j.ErrorMessage == nil || *j.ErrorMessage == "") {
		return ErrFailedJobWithoutError
	}

	return nil
}

// TrainingDataset describes one accumulated dataset snapshot for a family.
// Datasets grow monotonically; the core never deletes records.
type TrainingDataset struct {
	ID             string             `json:"id"`
	Family         Family             `json:"family"`
	RecordCount    int64              `json:"recordCount"`
	RangeStart     time.Time          `json:"rangeStart"`
	RangeEnd       time.Time          `json:"rangeEnd"`
	FeatureColumns []string           `json:"featureColumns"`
	TargetColumn   string             `json:"targetColumn"`
	DatasetHash    *string            `json:"datasetHash,omitempty"`
	QualityMetrics map[string]float64 `json:"qualityMetrics,omitempty"`
	Location       string             `json:"location"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// CacheStatus records how a prediction was served.
type CacheStatus string

// Cache statuses recorded on audit entries.
const (
	CacheSuccess   CacheStatus = "success"
	CacheCachedHit CacheStatus = "cached_hit"
	CacheFailure   CacheStatus = "failure"
)

// AuditRecord is one append-only prediction audit entry.
//
// Records are immutable after insert, except ActualOutcome which may be written
// exactly once (see storage.AuditStore.AmendOutcome).
type AuditRecord struct {
	ID             string         `json:"id"`
	CorrelationID  string         `json:"correlationId"`
	Family         Family         `json:"family"`
	ModelVersion   string         `json:"modelVersion"`
	InputFeatures  map[string]any `json:"inputFeatures"`
	Output         map[string]any `json:"output"`
	CacheStatus    CacheStatus    `json:"cacheStatus"`
	ResponseTimeMS int64          `json:"responseTimeMs"`
	UserID         *string        `json:"userId,omitempty"`
	TenantID       *string        `json:"tenantId,omitempty"`
	ActualOutcome  map[string]any `json:"actualOutcome,omitempty"`
	ErrorMessage   *string        `json:"errorMessage,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}
