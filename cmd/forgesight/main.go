// Package main provides the ForgeSight prediction service.
//
// The binary wires the whole service: PostgreSQL stores, Redis prediction
// cache, filesystem artifact store with an in-process model cache, the
// prediction pipeline, the training dispatcher with its staleness sweep, the
// Kafka event consumer, and the HTTP API server.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/forgesight/forgesight/internal/api"
	"github.com/forgesight/forgesight/internal/api/middleware"
	"github.com/forgesight/forgesight/internal/artifacts"
	"github.com/forgesight/forgesight/internal/cache"
	"github.com/forgesight/forgesight/internal/config"
	"github.com/forgesight/forgesight/internal/events"
	"github.com/forgesight/forgesight/internal/features"
	"github.com/forgesight/forgesight/internal/lifecycle"
	"github.com/forgesight/forgesight/internal/metrics"
	"github.com/forgesight/forgesight/internal/mlmodel"
	"github.com/forgesight/forgesight/internal/pipeline"
	"github.com/forgesight/forgesight/internal/predict"
	"github.com/forgesight/forgesight/internal/storage"
	"github.com/forgesight/forgesight/internal/training"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "forgesight"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting ForgeSight service",
		slog.String("service", name),
		slog.String("version", version),
	)

	// Database
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() { _ = dbConn.Close() }()

	logger.Info("Database connected",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
	)

	registryStore, err := storage.NewRegistryStore(dbConn, logger)
	if err != nil {
		logger.Error("Failed to create model registry store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	trainingStore, err := storage.NewTrainingStore(dbConn, logger)
	if err != nil {
		logger.Error("Failed to create training store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	auditStore, err := storage.NewAuditStore(dbConn, logger)
	if err != nil {
		logger.Error("Failed to create audit store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Observability
	serviceMetrics := metrics.New()

	// Prediction cache
	cacheConfig := cache.LoadConfig()

	predictionCache, err := cache.NewRedisCache(cacheConfig, logger)
	if err != nil {
		logger.Error("Failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() { _ = predictionCache.Close() }()

	// Artifact store and model cache
	artifactStore, err := artifacts.NewFSStore(artifacts.LoadStoreConfig())
	if err != nil {
		logger.Error("Failed to open artifact store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	modelCache := artifacts.NewModelCache(artifactStore,
		func(handle string) (any, error) {
			data, err := artifactStore.Load(handle)
			if err != nil {
				return nil, err
			}

			return predict.DecodeArtifact(data)
		},
		artifacts.WithCapacity(config.GetEnvInt("MODEL_CACHE_CAPACITY", artifacts.DefaultCacheCapacity)),
		artifacts.WithEvictionCallback(func(key string, reason artifacts.EvictionReason) {
			logger.Debug("model cache eviction",
				slog.String("handle", key),
				slog.String("reason", string(reason)),
			)
		}),
	)
	defer modelCache.Close()

	// Holiday calendar
	calendar, err := features.LoadCalendar(config.GetEnvStr("HOLIDAY_CALENDAR", ""))
	if err != nil {
		logger.Error("Failed to load holiday calendar", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Prediction pipeline
	printer := predict.NewPrintTimePredictor(
		config.GetEnvFloat("CONFIDENCE_MARGIN", predict.DefaultConfidenceMargin),
	)
	forecaster := predict.NewDemandForecaster(
		config.GetEnvFloat("ANOMALY_THRESHOLD_PERCENT", predict.DefaultAnomalyThresholdPercent),
	)

	predictionService := pipeline.NewService(
		registryStore, predictionCache, cacheConfig, modelCache, auditStore,
		printer, forecaster, serviceMetrics, logger,
	)

	// Lifecycle and training
	lifecycleManager := lifecycle.NewManager(registryStore, predictionCache, serviceMetrics, logger)

	dispatcher := training.NewDispatcher(
		registryStore, trainingStore, artifactStore, lifecycleManager,
		[]training.Trainer{
			training.NewPrintTimeTrainer(auditStore),
			training.NewDemandTrainer(trainingStore, calendar),
		},
		training.LoadDispatcherConfig(), serviceMetrics, logger,
	)
	dispatcher.Start()

	defer dispatcher.Close()

	sweeper := training.NewSweeper(
		registryStore, dispatcher, lifecycleManager, training.LoadSweepConfig(), logger,
	)
	sweeper.Start()

	defer sweeper.Close()

	// Event consumer
	backgroundCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	group, groupCtx := errgroup.WithContext(backgroundCtx)

	if config.GetEnvBool("EVENTS_ENABLED", true) {
		consumerConfig := events.LoadConsumerConfig()

		consumer, err := events.NewConsumer(
			events.NewReader(consumerConfig), trainingStore, auditStore, dispatcher,
			calendar, consumerConfig, serviceMetrics, logger,
		)
		if err != nil {
			logger.Error("Failed to create event consumer", slog.String("error", err.Error()))
			os.Exit(1)
		}

		group.Go(func() error { return consumer.Run(groupCtx) })

		logger.Info("Event consumer started",
			slog.String("topic", consumerConfig.Topic),
			slog.String("group_id", consumerConfig.GroupID),
		)
	} else {
		logger.Warn("Event consumption disabled - training data will not accumulate")
	}

	// HTTP server
	rateLimiter := middleware.NewInMemoryRateLimiter(middleware.LoadRateLimitConfig())
	defer rateLimiter.Close()

	server := api.NewServer(serverConfig, api.Dependencies{
		Predictor: predictionService,
		Registry:  registryStore,
		Lifecycle: lifecycleManager,
		Training: &trainingService{
			dispatcher: dispatcher,
			jobs:       trainingStore,
		},
		Audits:          auditStore,
		Health:          dbConn,
		MetricsRegistry: serviceMetrics.Registry(),
		RateLimiter:     rateLimiter,
	}, logger)

	if err := server.Start(); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	cancelBackground()

	if err := group.Wait(); err != nil {
		logger.Error("Background worker failed", slog.String("error", err.Error()))
	}

	logger.Info("ForgeSight service stopped")
}

// trainingService joins the dispatcher's enqueue with the training store's
// job reads behind the API's TrainingService interface.
type trainingService struct {
	dispatcher *training.Dispatcher
	jobs       *storage.TrainingStore
}

func (s *trainingService) Enqueue(
	ctx context.Context, family mlmodel.Family, trigger mlmodel.Trigger,
	hyperparameters map[string]float64,
) (string, error) {
	return s.dispatcher.Enqueue(ctx, family, trigger, hyperparameters)
}

func (s *trainingService) GetJob(ctx context.Context, jobID string) (*mlmodel.TrainingJob, error) {
	return s.jobs.GetJob(ctx, jobID)
}
