package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/forgesight/forgesight/internal/cache"
	"github.com/forgesight/forgesight/internal/features"
	"github.com/forgesight/forgesight/internal/metrics"
	"github.com/forgesight/forgesight/internal/mlmodel"
	"github.com/forgesight/forgesight/internal/predict"
	"github.com/forgesight/forgesight/internal/storage"
)

// auditTimeout bounds the detached audit append once a record is emitted.
// Request cancellation does not abort an audit already in flight.
const auditTimeout = 5 * time.Second

// Registry is the read-side of the model registry the pipeline depends on.
//
// Implemented by: storage.RegistryStore.
type Registry interface {
	// ActiveModel returns the family's single Active model or
	// storage.ErrNoActiveModel.
	ActiveModel(ctx context.Context, family mlmodel.Family) (*mlmodel.Model, error)
}

// Auditor appends prediction audit records.
//
// Implemented by: storage.AuditStore.
type Auditor interface {
	Append(ctx context.Context, record *mlmodel.AuditRecord) error
}

// ModelLoader serves deserialized models by artifact handle.
//
// Implemented by: artifacts.ModelCache.
type ModelLoader interface {
	Get(handle string) (any, error)
}

// Meta carries the per-request identity the HTTP adapter resolves before
// calling the pipeline.
type Meta struct {
	CorrelationID string
	UserID        string
	TenantID      string
}

// Response is the normalized prediction response returned to the adapter.
type Response struct {
	predict.Result

	CacheStatus   string `json:"cacheStatus"` // "hit" or "miss"
	CorrelationID string `json:"correlationId"`
}

// Service runs the prediction pipeline for every family.
//
// Concurrency: identical in-flight requests (same fingerprint) are coalesced
// through a single-flight group, so an N-way burst performs exactly one
// predictor invocation. Every caller still appends its own audit record.
type Service struct {
	registry   Registry
	cache      cache.Cache
	cacheCfg   *cache.Config
	loader     ModelLoader
	auditor    Auditor
	printer    *predict.PrintTimePredictor
	forecaster *predict.DemandForecaster
	metrics    *metrics.Metrics
	logger     *slog.Logger

	flight singleflight.Group
	now    func() time.Time
}

// ServiceOption configures optional Service behavior.
type ServiceOption func(*Service)

// WithClock injects a clock for deterministic validation in tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService wires the pipeline dependencies. All arguments are required
// except metrics, which may be nil in tests.
func NewService(
	registry Registry,
	predictionCache cache.Cache,
	cacheCfg *cache.Config,
	loader ModelLoader,
	auditor Auditor,
	printer *predict.PrintTimePredictor,
	forecaster *predict.DemandForecaster,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		registry:   registry,
		cache:      predictionCache,
		cacheCfg:   cacheCfg,
		loader:     loader,
		auditor:    auditor,
		printer:    printer,
		forecaster: forecaster,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// PredictPrintTime runs the print-time pipeline for one validated request.
//
// The geometry portion of the cache fingerprint is the SHA-256 of the raw STL
// bytes, not of parsed features, so cache hits skip geometry parsing entirely.
func (s *Service) PredictPrintTime(ctx context.Context, req *PrintTimeRequest, meta Meta) (*Response, error) {
	started := s.now()

	if messages := req.Validate(); len(messages) > 0 {
		return nil, NewValidationError(messages)
	}

	family := mlmodel.FamilyPrintTime

	model, err := s.resolveActive(ctx, family)
	if err != nil {
		return nil, err
	}

	inputs := map[string]any{
		"stl_sha256":      cache.FileFingerprint(req.STLData),
		"material":        req.Material,
		"density_gcm3":    req.DensityGCM3,
		"printer":         req.Printer,
		"speed_mms":       req.SpeedMMS,
		"layer_height_mm": req.LayerHeight,
		"nozzle_temp_c":   req.NozzleTemp,
		"bed_temp_c":      req.BedTemp,
		"infill_pct":      req.InfillPct,
	}

	return s.serve(ctx, family, model, inputs, meta, started, func() (*predict.Result, error) {
		geo, err := features.ParseSTL(req.STLData)
		if err != nil {
			// Structurally invalid geometry is a client error, not a predictor fault.
			return nil, NewValidationError([]string{err.Error()})
		}

		printModel, err := modelAs[*predict.PrintTimeModel](s.loader, model.ArtifactHandle)
		if err != nil {
			return nil, NewFatalError("load print-time model", err)
		}

		result := s.printer.Predict(geo, req.Params(), printModel, model.Version.String())

		return &result, nil
	})
}

// ForecastDemand runs the demand forecast pipeline for one validated request.
func (s *Service) ForecastDemand(ctx context.Context, req *DemandRequest, meta Meta) (*Response, error) {
	started := s.now()

	if messages := req.Validate(s.now()); len(messages) > 0 {
		return nil, NewValidationError(messages)
	}

	family := mlmodel.FamilyDemandForecast

	model, err := s.resolveActive(ctx, family)
	if err != nil {
		return nil, err
	}

	inputs := map[string]any{
		"product_id":    req.ProductID,
		"horizon":       req.Horizon,
		"granularity":   string(req.Granularity),
		"baseline_date": req.BaselineDate.Format("2006-01-02"),
	}

	return s.serve(ctx, family, model, inputs, meta, started, func() (*predict.Result, error) {
		demandModel, err := modelAs[*predict.DemandModel](s.loader, model.ArtifactHandle)
		if err != nil {
			return nil, NewFatalError("load demand model", err)
		}

		result := s.forecaster.Forecast(
			req.ProductID, req.BaselineDate, req.Horizon, req.Granularity,
			demandModel, model.Version.String(),
		)

		return &result, nil
	})
}

// serve is the shared pipeline tail: cache lookup, single-flight computation,
// cache write-back, audit, response assembly.
func (s *Service) serve(
	ctx context.Context,
	family mlmodel.Family,
	model *mlmodel.Model,
	inputs map[string]any,
	meta Meta,
	started time.Time,
	compute func() (*predict.Result, error),
) (*Response, error) {
	key := cache.Key(family, inputs, model.Version.String())

	if cached := s.cacheLookup(ctx, key); cached != nil {
		response := &Response{Result: *cached, CacheStatus: "hit", CorrelationID: meta.CorrelationID}
		s.audit(ctx, family, model, inputs, response, meta, started, mlmodel.CacheCachedHit, nil)
		s.observe(family, "hit", started)

		return response, nil
	}

	value, err, _ := s.flight.Do(key, func() (any, error) {
		result, err := compute()
		if err != nil {
			return nil, err
		}

		s.cacheWrite(ctx, key, family, result)

		return result, nil
	})
	if err != nil {
		if KindOf(err) == KindFatal {
			s.logger.Error("prediction failed",
				slog.String("family", family.String()),
				slog.String("correlation_id", meta.CorrelationID),
				slog.String("error", err.Error()),
			)
			s.audit(ctx, family, model, inputs, nil, meta, started, mlmodel.CacheFailure, err)
			s.observe(family, "failure", started)
		}

		return nil, err
	}

	result, ok := value.(*predict.Result)
	if !ok {
		return nil, NewFatalError("single-flight result", fmt.Errorf("unexpected type %T", value))
	}

	response := &Response{Result: *result, CacheStatus: "miss", CorrelationID: meta.CorrelationID}
	s.audit(ctx, family, model, inputs, response, meta, started, mlmodel.CacheSuccess, nil)
	s.observe(family, "miss", started)

	return response, nil
}

// resolveActive loads the family's Active model, mapping absence to the
// Unavailable kind and everything else to Transient.
func (s *Service) resolveActive(ctx context.Context, family mlmodel.Family) (*mlmodel.Model, error) {
	model, err := s.registry.ActiveModel(ctx, family)
	if err == nil {
		return model, nil
	}

	if isNotActive(err) {
		return nil, NewUnavailableError(family.String(), err)
	}

	return nil, NewTransientError("resolve active model", err)
}

// cacheLookup returns the cached result for key, or nil on miss or cache
// failure. Cache failures are logged and swallowed: the pipeline proceeds as
// if the key were absent.
func (s *Service) cacheLookup(ctx context.Context, key string) *predict.Result {
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache lookup failed", slog.String("key", key), slog.String("error", err.Error()))

		return nil
	}

	if data == nil {
		return nil
	}

	var result predict.Result
	if err := json.Unmarshal(data, &result); err != nil {
		s.logger.Warn("cache entry corrupt", slog.String("key", key), slog.String("error", err.Error()))

		return nil
	}

	return &result
}

// cacheWrite stores a computed result with the family TTL. Failures are
// logged and swallowed.
func (s *Service) cacheWrite(ctx context.Context, key string, family mlmodel.Family, result *predict.Result) {
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("cache encode failed", slog.String("key", key), slog.String("error", err.Error()))

		return
	}

	if err := s.cache.Set(ctx, key, data, s.cacheCfg.TTL(family)); err != nil {
		s.logger.Warn("cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// audit appends one prediction audit record. The append runs on a context
// detached from request cancellation: once the pipeline decides to emit a
// record, cancellation no longer aborts it. Audit failures never fail a
// prediction.
func (s *Service) audit(
	ctx context.Context,
	family mlmodel.Family,
	model *mlmodel.Model,
	inputs map[string]any,
	response *Response,
	meta Meta,
	started time.Time,
	status mlmodel.CacheStatus,
	cause error,
) {
	record := &mlmodel.AuditRecord{
		ID:             uuid.NewString(),
		CorrelationID:  meta.CorrelationID,
		Family:         family,
		ModelVersion:   model.Version.String(),
		InputFeatures:  inputs,
		CacheStatus:    status,
		ResponseTimeMS: s.now().Sub(started).Milliseconds(),
	}

	if meta.UserID != "" {
		record.UserID = &meta.UserID
	}

	if meta.TenantID != "" {
		record.TenantID = &meta.TenantID
	}

	if response != nil {
		record.Output = map[string]any{
			"predicted":   response.Predicted,
			"unit":        response.Unit,
			"lower_bound": response.LowerBound,
			"upper_bound": response.UpperBound,
			"explanation": response.Explanation,
		}
	}

	if cause != nil {
		message := cause.Error()
		record.ErrorMessage = &message
	}

	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	if err := s.auditor.Append(detached, record); err != nil {
		s.logger.Warn("audit append failed",
			slog.String("correlation_id", meta.CorrelationID),
			slog.String("family", family.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) observe(family mlmodel.Family, status string, started time.Time) {
	s.metrics.ObservePrediction(family.String(), status, s.now().Sub(started).Seconds())
}

// isNotActive reports whether err means the family has no Active model.
func isNotActive(err error) bool {
	return errors.Is(err, storage.ErrNoActiveModel)
}

// modelAs loads an artifact through the model cache and asserts its type.
func modelAs[T any](loader ModelLoader, handle string) (T, error) {
	var zero T

	value, err := loader.Get(handle)
	if err != nil {
		return zero, err
	}

	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("%w: artifact %q decoded as %T", predict.ErrArtifactFamily, handle, value)
	}

	return typed, nil
}
