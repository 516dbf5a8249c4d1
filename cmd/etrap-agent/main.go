// Package main provides the entry point for the etrap-agent daemon. It
// reads change events from Redis Streams, batches them, anchors each batch
// on chain, and serves metrics and health endpoints while it runs.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/etrap/agent/internal/anchor"
	"github.com/etrap/agent/internal/batcher"
	"github.com/etrap/agent/internal/ingest"
	"github.com/etrap/agent/internal/objectstore"
	"github.com/etrap/agent/pkg/config"
	"github.com/etrap/agent/pkg/health"
	"github.com/etrap/agent/pkg/logging"
	"github.com/etrap/agent/pkg/metrics"
	"github.com/etrap/agent/pkg/service"
)

func main() {
	opts := config.DefaultLoadOptions()
	cfg, err := config.LoadWithOptions(opts)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logCfg := logging.Config{
		Level:       logging.LogLevel(cfg.Log.Level),
		Output:      os.Stdout,
		ServiceName: cfg.Log.ServiceName,
		Environment: cfg.Log.Environment,
	}
	logger := logging.New(logCfg)

	metricsCollector := metrics.New(metrics.Config{
		Namespace:   cfg.Metrics.Namespace,
		ServiceName: cfg.Metrics.ServiceName,
	})

	healthRegistry := health.NewRegistry(logger)

	if cfg.Metrics.Enabled {
		go startMetricsServer(cfg, metricsCollector, logger)
	}
	if cfg.Health.Enabled {
		go startHealthServer(cfg, healthRegistry, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uptimeDone := make(chan struct{})
	metricsCollector.RecordUptime(uptimeDone)
	defer close(uptimeDone)

	stdLogger := log.New(os.Stdout, "[ETRAP-AGENT] ", log.LstdFlags)
	registry := service.NewRegistry(stdLogger)

	logger.Info("Initializing components...")

	consumer := ingest.NewConsumer(
		cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB,
		cfg.Batcher.ConsumerGroup, cfg.Batcher.ConsumerName, cfg.Batcher.StreamPattern,
		logger,
	)

	store := objectstore.NewFilesystemStore(cfg.ObjectStore.RootDir, cfg.ObjectStore.OrganisationID, logger)

	anchorClient, err := anchor.NewClient(anchor.Config{
		RPCURL:          cfg.Anchor.RPCURL,
		ChainID:         cfg.Anchor.ChainID,
		ContractAddress: cfg.Anchor.ContractAddress,
		PrivateKeyHex:   cfg.Anchor.PrivateKeyHex,
		ReceiverAddress: cfg.Anchor.ReceiverAddress,
		GasLimit:        cfg.Anchor.GasLimit,
		CallTimeout:     cfg.Anchor.CallTimeout,
		MaxAttempts:     cfg.Anchor.MaxAttempts,
		BackoffBase:     cfg.Anchor.BackoffBase,
		BackoffFactor:   cfg.Anchor.BackoffFactor,
	}, logger)
	if err != nil {
		logger.Error("Failed to initialize anchor client", "error", err)
		os.Exit(1)
	}

	batcherSvc := batcher.New(batcher.Config{
		MaxBatchSize:   cfg.Batcher.MaxBatchSize,
		MinBatchSize:   cfg.Batcher.MinBatchSize,
		ReadTimeout:    time.Duration(cfg.Batcher.ReadTimeoutSeconds) * time.Second,
		ForceFlush:     time.Duration(cfg.Batcher.ForceFlushSeconds) * time.Second,
		SnapshotEvery:  cfg.Batcher.SnapshotEvery,
		OrganisationID: cfg.ObjectStore.OrganisationID,
		StoreBucket:    cfg.ObjectStore.OrganisationID,
	}, consumer, store, anchorClient, logger, metricsCollector)

	if err := registry.Register(batcherSvc); err != nil {
		logger.Error("Failed to register batcher service", "error", err)
		os.Exit(1)
	}

	healthRegistry.Register("batcher", health.ServiceChecker("batcher", func(ctx context.Context) error {
		return batcherSvc.Health()
	}))
	healthRegistry.Register("redis", health.RedisChecker(cfg.Redis.Address, func(ctx context.Context) error {
		return consumer.Health(ctx)
	}))
	healthRegistry.Register("objectstore", health.ObjectStoreChecker(cfg.ObjectStore.RootDir, func(ctx context.Context) error {
		return os.MkdirAll(cfg.ObjectStore.RootDir, 0o755)
	}))
	healthRegistry.Register("chain", health.ChainChecker(cfg.Anchor.RPCURL, func(ctx context.Context) error {
		return anchorClient.Health(ctx)
	}))

	logger.Info("Starting all services...")
	if err := registry.StartAll(ctx); err != nil {
		logger.Error("Failed to start services", "error", err)
		os.Exit(1)
	}
	logger.Info("All services started successfully")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	logger.Info("Shutting down gracefully...")
	cancel()

	if err := registry.StopAll(context.Background()); err != nil {
		logger.Error("Error during shutdown", "error", err)
	}

	logger.Info("Shutdown complete")
}

func startMetricsServer(cfg *config.Config, metricsCollector *metrics.Metrics, logger *logging.Logger) {
	addr := fmt.Sprintf(":%s", cfg.Metrics.Port)
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Endpoint, metricsCollector.Handler())

	server := &http.Server{Addr: addr, Handler: mux}
	metricsCollector.ServiceLastStarted.Set(float64(time.Now().Unix()))

	logger.Info("Starting metrics server", "addr", addr, "endpoint", cfg.Metrics.Endpoint)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server failed", "error", err)
	}
}

func startHealthServer(cfg *config.Config, healthRegistry *health.Registry, logger *logging.Logger) {
	addr := fmt.Sprintf(":%s", cfg.Health.Port)
	mux := http.NewServeMux()
	mux.Handle(cfg.Health.Endpoint, healthRegistry.Handler())

	server := &http.Server{Addr: addr, Handler: mux}

	logger.Info("Starting health check server", "addr", addr, "endpoint", cfg.Health.Endpoint)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Health check server failed", "error", err)
	}
}
