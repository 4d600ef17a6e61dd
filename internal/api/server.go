// Package api provides the HTTP API server for the ForgeSight service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgesight/forgesight/internal/api/middleware"
	"github.com/forgesight/forgesight/internal/mlmodel"
	"github.com/forgesight/forgesight/internal/pipeline"
)

type (
	// Predictor runs the prediction pipeline.
	//
	// Implemented by: pipeline.Service.
	Predictor interface {
		PredictPrintTime(ctx context.Context, req *pipeline.PrintTimeRequest, meta pipeline.Meta) (*pipeline.Response, error)
		ForecastDemand(ctx context.Context, req *pipeline.DemandRequest, meta pipeline.Meta) (*pipeline.Response, error)
	}

	// ModelRegistry is the read surface for model listings.
	//
	// Implemented by: storage.RegistryStore.
	ModelRegistry interface {
		Get(ctx context.Context, id string) (*mlmodel.Model, error)
		ListByFamily(ctx context.Context, family mlmodel.Family) ([]*mlmodel.Model, error)
	}

	// LifecycleManager performs model state transitions.
	//
	// Implemented by: lifecycle.Manager.
	LifecycleManager interface {
		Validate(ctx context.Context, modelID string) error
		Promote(ctx context.Context, modelID string) error
	}

	// TrainingService accepts manual training jobs and serves their status.
	//
	// Implemented by: training.Dispatcher (Enqueue) + storage.TrainingStore (GetJob),
	// joined in cmd wiring.
	TrainingService interface {
		Enqueue(ctx context.Context, family mlmodel.Family, trigger mlmodel.Trigger,
			hyperparameters map[string]float64) (string, error)
		GetJob(ctx context.Context, jobID string) (*mlmodel.TrainingJob, error)
	}

	// AuditService serves and amends prediction audit records.
	//
	// Implemented by: storage.AuditStore.
	AuditService interface {
		GetByCorrelationID(ctx context.Context, correlationID string) ([]*mlmodel.AuditRecord, error)
		AmendOutcome(ctx context.Context, id string, outcome map[string]any) error
	}

	// HealthChecker reports storage backend health for readiness probes.
	//
	// Implemented by: storage.Connection.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// Dependencies are the collaborators the server exposes over HTTP.
	// MetricsRegistry and RateLimiter may be nil (endpoint and middleware
	// disabled respectively).
	Dependencies struct {
		Predictor       Predictor
		Registry        ModelRegistry
		Lifecycle       LifecycleManager
		Training        TrainingService
		Audits          AuditService
		Health          HealthChecker
		MetricsRegistry *prometheus.Registry
		RateLimiter     middleware.RateLimiter
	}
)

// Server represents the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	config     *ServerConfig
	startTime  time.Time
	deps       Dependencies
}

// NewServer creates the HTTP server with structured logging and the
// middleware stack. Configuration (what) is separated from dependencies (how).
func NewServer(cfg *ServerConfig, deps Dependencies, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	server := &Server{
		logger: logger,
		config: cfg,
		deps:   deps,
	}

	server.setupRoutes(mux)

	if deps.RateLimiter == nil {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. RateLimit - block requests before expensive operations (optional)
	//   3. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   4. Recovery - catch panics in handlers
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithRecovery(logger),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting ForgeSight API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}

// requestMeta builds the pipeline metadata from request headers and the
// correlation middleware.
func requestMeta(r *http.Request) pipeline.Meta {
	return pipeline.Meta{
		CorrelationID: middleware.GetCorrelationID(r.Context()),
		UserID:        r.Header.Get("X-User-ID"),
		TenantID:      r.Header.Get("X-Tenant-ID"),
	}
}
