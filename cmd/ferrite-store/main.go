package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aykutalparslan/ferrite/internal/backend"
	"github.com/aykutalparslan/ferrite/internal/config"
	"github.com/aykutalparslan/ferrite/internal/health"
	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/model"
	"github.com/aykutalparslan/ferrite/internal/server"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Server.NodeID == "" {
		cfg.Server.NodeID = uuid.NewString()
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Ferrite store node failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("sequence_backend", cfg.Sequence.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(cfg.Server.NodeID, prometheus.DefaultRegisterer)

	backends, err := backend.Connect(ctx, cfg, logger, m)
	if err != nil {
		return fmt.Errorf("failed to connect backends: %w", err)
	}

	if cfg.Store.TablesFile != "" {
		defs, err := model.LoadTableDefinitions(cfg.Store.TablesFile)
		if err != nil {
			_ = backends.Close(context.Background())
			return fmt.Errorf("failed to load table definitions: %w", err)
		}
		if err := backends.RegisterTables(ctx, defs); err != nil {
			_ = backends.Close(context.Background())
			return fmt.Errorf("failed to register tables: %w", err)
		}
		logger.Info("Tables registered", zap.Int("count", len(defs)))
	}

	dataDir := ""
	if cfg.Store.Backend == config.BackendPebble && !cfg.Pebble.InMemory {
		dataDir = cfg.Pebble.Dir
	}
	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:        cfg.Server.NodeID,
		DataDir:       dataDir,
		CheckInterval: cfg.Health.CheckInterval,
		ProbeTimeout:  cfg.Health.ProbeTimeout,
	}, backends.Probes(), logger, m)

	healthCtx, cancelHealth := context.WithCancel(context.Background())
	healthDone := make(chan struct{})
	go func() {
		defer close(healthDone)
		checker.Start(healthCtx)
	}()
	stopHealth := func() {
		cancelHealth()
		<-healthDone
	}

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, prometheus.DefaultGatherer, checker, logger)
		if err := metricsServer.Start(); err != nil {
			stopHealth()
			_ = backends.Close(context.Background())
			return err
		}
	}

	logger.Info("Ferrite store node started", zap.String("node_id", cfg.Server.NodeID))
	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	n := node{checker: checker, stopHealth: stopHealth, backends: backends}
	if metricsServer != nil {
		n.metrics = metricsServer
	}
	n.shutdown(shutdownCtx, logger)
	logger.Info("Ferrite store node stopped")
	return nil
}

// node holds what run tears down on exit
type node struct {
	checker    interface{ SetDraining(bool) }
	stopHealth func()
	backends   interface{ Close(context.Context) error }
	metrics    interface{ Stop(context.Context) error }
}

// shutdown reports not-ready and waits for the health loop to exit before
// the backends close. The metrics server goes last so /ready keeps answering
// while queued writes are committed.
func (n node) shutdown(ctx context.Context, logger *zap.Logger) {
	n.checker.SetDraining(true)
	n.stopHealth()
	if err := n.backends.Close(ctx); err != nil {
		logger.Error("Failed to close backends cleanly", zap.Error(err))
	}
	if n.metrics != nil {
		if err := n.metrics.Stop(ctx); err != nil {
			logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}
}

// initLogger builds the zap logger from the logging configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
