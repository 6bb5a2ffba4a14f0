package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/client"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/config"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/health"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/metrics"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/service"
	"github.com/ttt-huong/He-thong-chia-se-file-tu-huy/internal/store"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting storage coordination gateway")

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("gateway_host", cfg.Gateway.Host),
		zap.Int("gateway_port", cfg.Gateway.Port),
		zap.String("database_host", cfg.Database.Host),
		zap.Int("database_port", cfg.Database.Port),
		zap.String("database_name", cfg.Database.Database),
		zap.Int("replica_count", cfg.Storage.ReplicaCount))

	// Initialize metrics
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Metrics initialized")

	// Initialize metadata store (PostgreSQL)
	metadataStore, err := store.NewPostgresMetadataStore(
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize metadata store", zap.Error(err))
	}
	logger.Info("Metadata store initialized")

	// Initialize KV store (Redis) for locks, counters and upload manifests
	kvStore, err := store.NewRedisKVStore(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize KV store", zap.Error(err))
	}
	logger.Info("KV store initialized")

	// Initialize storage node client pool
	clients := client.NewPool(cfg.Storage.NodeTimeout, logger)
	logger.Info("Storage node client pool initialized")

	// Initialize services
	logger.Info("Initializing services")

	monitor := service.NewHealthMonitor(
		metadataStore,
		clients,
		cfg.Storage.HealthCheckInterval,
		cfg.Storage.NodeTimeout,
		cfg.Storage.ErrorThreshold,
		m,
		logger,
	)

	selector := service.NewNodeSelector(
		monitor,
		cfg.Storage.SafetyMarginBytes,
		time.Now().UnixNano(),
		m,
		logger,
	)

	replication := service.NewReplicationService(metadataStore, clients, cfg.Storage.NodeTimeout, m, logger)
	locks := service.NewLockService(kvStore, m, logger)
	limiter := service.NewRateLimitService(kvStore, m, logger)
	expiry := service.NewExpiryService(kvStore, logger)

	uploads := service.NewUploadService(
		kvStore,
		metadataStore,
		locks,
		selector,
		monitor,
		replication,
		clients,
		limiter,
		expiry,
		service.UploadConfig{
			ReplicaCount:         cfg.Storage.ReplicaCount,
			ScratchDir:           cfg.Storage.ScratchDir,
			SessionTTL:           cfg.Storage.SessionTTL,
			DefaultChunkSize:     cfg.Storage.ChunkSize,
			DefaultDownloadLimit: cfg.Storage.DefaultDownloadLimit,
			DefaultFileTTL:       cfg.Storage.DefaultFileTTL,
		},
		m,
		logger,
	)

	logger.Info("All services initialized")

	// Start the node health monitor
	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := monitor.Start(startCtx); err != nil {
		startCancel()
		logger.Fatal("Failed to start health monitor", zap.Error(err))
	}
	startCancel()
	logger.Info("Health monitor started",
		zap.Duration("interval", cfg.Storage.HealthCheckInterval))

	// Start metrics server
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Start health check server
	healthChecker := health.NewHealthChecker(metadataStore, kvStore, monitor, logger)
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
		mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
		addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
		logger.Info("Starting health check server", zap.String("address", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("Health check server failed", zap.Error(err))
		}
	}()

	// Sweep scratch directories of expired upload sessions
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Storage.SessionTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := uploads.SweepScratch(context.Background()); err != nil {
					logger.Error("Scratch sweep failed", zap.Error(err))
				}
			case <-sweepDone:
				return
			}
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received signal", zap.String("signal", sig.String()))

	// Graceful shutdown
	logger.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
	defer cancel()

	close(sweepDone)

	stopped := make(chan struct{})
	go func() {
		monitor.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.Info("Health monitor stopped")
	case <-shutdownCtx.Done():
		logger.Warn("Health monitor stop timeout")
	}

	// Close stores
	metadataStore.Close()
	kvStore.Close()

	logger.Info("Gateway stopped")
}
