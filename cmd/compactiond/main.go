package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/config"
	"github.com/kbr-scylla/scylladb-sub001/internal/health"
	"github.com/kbr-scylla/scylladb-sub001/internal/metrics"
	"github.com/kbr-scylla/scylladb-sub001/internal/server"
	"github.com/kbr-scylla/scylladb-sub001/internal/service"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/diskmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Bootstrap logger until the configured one is built
	bootstrap, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(config.Path())
	if err != nil {
		bootstrap.Fatal("Failed to load config", zap.Error(err))
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		bootstrap.Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync()
	logger = logger.With(zap.String("node_id", cfg.Server.NodeID))

	logger.Info("Configuration loaded",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int("tables", len(cfg.Tables)),
		zap.String("strategy", cfg.Compaction.Strategy))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Server.NodeID, reg)

	diskMgr, err := diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
		DataDir:                 cfg.Storage.DataDir,
		CheckInterval:           cfg.Disk.CheckInterval,
		WarningThreshold:        cfg.Disk.WarningThreshold,
		ThrottleThreshold:       cfg.Disk.ThrottleThreshold,
		CircuitBreakerThreshold: min(cfg.Disk.CircuitBreakerThreshold, cfg.Storage.MaxDiskUsage*100),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize disk manager", zap.Error(err))
	}

	compactionSvc := service.NewCompactionService(service.CompactionConfig{
		Workers:               cfg.Compaction.Workers,
		QueueSize:             cfg.Compaction.QueueSize,
		Interval:              cfg.Compaction.Interval,
		ThroughputBytesPerSec: cfg.Compaction.ThroughputBytesPerSec(),
		RetryInitialInterval:  cfg.Compaction.RetryInitialInterval,
		RetryMaxInterval:      cfg.Compaction.RetryMaxInterval,
		StopTimeout:           cfg.Server.ShutdownTimeout,
	}, diskMgr, m, logger)

	var tables []*service.Table
	for _, tc := range cfg.Tables {
		strategy, options, minThreshold, maxThreshold := cfg.StrategyFor(tc)
		table, err := service.OpenTable(service.TableConfig{
			Name:                tc.Name,
			Dir:                 cfg.TableDir(tc.Name),
			Strategy:            strategy,
			StrategyOptions:     options,
			MinThreshold:        minThreshold,
			MaxThreshold:        maxThreshold,
			EnforceMinThreshold: *cfg.Compaction.EnforceMinThreshold,
			GCGrace:             cfg.Compaction.GCGrace(),
			Shard:               cfg.Server.Shard,
			BloomFilterFP:       cfg.SSTable.BloomFilterFP,
			Compression:         cfg.SSTable.Compression,
			FlushThreshold:      cfg.MemTable.FlushThreshold,
		}, m, logger)
		if err != nil {
			logger.Fatal("Failed to open table", zap.String("table", tc.Name), zap.Error(err))
		}
		if err := compactionSvc.Register(table); err != nil {
			logger.Fatal("Failed to register table", zap.String("table", tc.Name), zap.Error(err))
		}
		tables = append(tables, table)
	}
	compactionSvc.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:        cfg.Server.NodeID,
		DataDir:       cfg.Storage.DataDir,
		CheckInterval: cfg.Health.CheckInterval,
		MaxBacklog:    cfg.Health.MaxBacklog,
		Disk:          diskMgr,
		Compaction:    compactionSvc,
	}, logger)
	go healthChecker.Start(ctx)
	go flushLoop(ctx, tables, cfg.MemTable.FlushInterval, logger)

	adminCfg := &server.AdminServerConfig{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		DataDir:      cfg.Storage.DataDir,
		MetricsPath:  cfg.Metrics.Path,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	if cfg.Metrics.Enabled {
		adminCfg.Gatherer = reg
	}
	adminServer := server.NewAdminServer(adminCfg, compactionSvc, healthChecker, m, logger)
	if err := adminServer.Start(); err != nil {
		logger.Fatal("Failed to start admin server", zap.Error(err))
	}

	logger.Info("Compaction daemon started", zap.String("address", adminCfg.Addr))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	healthChecker.SetReadiness(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := adminServer.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop admin server", zap.Error(err))
	}
	if err := compactionSvc.Stop(); err != nil {
		logger.Error("Failed to stop compaction service", zap.Error(err))
	}
	cancel()
	for _, table := range tables {
		if err := table.Close(shutdownCtx); err != nil {
			logger.Error("Failed to close table", zap.String("table", table.Name()), zap.Error(err))
		}
	}
	logger.Info("Compaction daemon stopped")
}

// flushLoop flushes memtables that reached their threshold
func flushLoop(ctx context.Context, tables []*service.Table, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, table := range tables {
				if !table.ShouldFlush() {
					continue
				}
				if _, err := table.Flush(ctx); err != nil {
					logger.Error("Background flush failed", zap.String("table", table.Name()), zap.Error(err))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// initLogger builds the zap logger from the logging configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
