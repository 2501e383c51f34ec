package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/unixian97/openbmp/internal/config"
	"github.com/unixian97/openbmp/internal/db"
	"github.com/unixian97/openbmp/internal/events"
	openbmphttp "github.com/unixian97/openbmp/internal/http"
	"github.com/unixian97/openbmp/internal/kafka"
	"github.com/unixian97/openbmp/internal/maintenance"
	"github.com/unixian97/openbmp/internal/metrics"
	"github.com/unixian97/openbmp/internal/rib"
	"github.com/unixian97/openbmp/internal/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: openbmp-ingester <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the ingestion service")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run partition maintenance (create ahead, drop expired)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
	fmt.Println("  --dry-run         Maintenance only: log actions without executing them")
}

func parseFlags(args []string) (configPath, logLevel string, dryRun bool) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		case "--dry-run":
			dryRun = true
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger, bool) {
	configPath, logLevelOverride, dryRun := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger, dryRun
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting openbmp-ingester",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database.
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	// Ensure event partitions exist on startup.
	pm := maintenance.NewPartitionManager(pool, cfg.Maintenance.RetentionDays, cfg.Maintenance.DaysAhead, cfg.Maintenance.Timezone, false, logger)
	if err := pm.CreatePartitions(ctx); err != nil {
		logger.Fatal("failed to create partitions on startup", zap.Error(err))
	}

	// Build TLS and SASL from config.
	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	saslMech := cfg.Kafka.BuildSASLMechanism()

	// --- RIB pipeline ---
	// Each pipeline keeps its own session registry: the two consumer
	// groups read the topic at independent offsets, so they can hold
	// different views of which sessions are up.
	ribRegistry := session.NewRegistry(cfg.BGP.AssumeAddPath)
	ribWriter := rib.NewWriter(pool, logger.Named("rib.writer"))
	ribPipeline := rib.NewPipeline(ribWriter, ribRegistry,
		cfg.Pipeline.BatchSize, cfg.Pipeline.FlushIntervalMs, cfg.Pipeline.MaxPayloadBytes,
		logger.Named("rib.pipeline"))

	ribRecords := make(chan []*kgo.Record, cfg.Pipeline.ChannelBufferSize)
	ribFlushed := make(chan []*kgo.Record, cfg.Pipeline.ChannelBufferSize)

	ribConsumer, err := kafka.NewConsumer("rib",
		cfg.Kafka.Brokers, cfg.Kafka.RIBGroup, cfg.Kafka.Topic,
		cfg.Kafka.ClientID+"-rib", cfg.Kafka.FetchMaxBytes, cfg.Pipeline.CommitIntervalMs,
		tlsCfg, saslMech, logger.Named("kafka.rib"),
	)
	if err != nil {
		logger.Fatal("failed to create rib consumer", zap.Error(err))
	}
	defer ribConsumer.Close()

	var wg sync.WaitGroup
	var commitWg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); ribConsumer.Run(ctx, ribRecords, ribFlushed, &commitWg) }()
	go func() {
		defer wg.Done()
		ribPipeline.Run(ctx, ribRecords, ribFlushed)
		close(ribFlushed)
	}()

	logger.Info("rib pipeline started",
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("group_id", cfg.Kafka.RIBGroup),
	)

	// --- Events pipeline ---
	eventsRegistry := session.NewRegistry(cfg.BGP.AssumeAddPath)
	eventsWriter := events.NewWriter(pool, logger.Named("events.writer"),
		cfg.Pipeline.StoreRawFrames, cfg.Pipeline.CompressRawFrames)
	eventsPipeline := events.NewPipeline(eventsWriter, eventsRegistry,
		cfg.Pipeline.BatchSize, cfg.Pipeline.FlushIntervalMs, cfg.Pipeline.MaxPayloadBytes,
		logger.Named("events.pipeline"))

	eventsRecords := make(chan []*kgo.Record, cfg.Pipeline.ChannelBufferSize)
	eventsFlushed := make(chan []*kgo.Record, cfg.Pipeline.ChannelBufferSize)

	eventsConsumer, err := kafka.NewConsumer("events",
		cfg.Kafka.Brokers, cfg.Kafka.EventsGroup, cfg.Kafka.Topic,
		cfg.Kafka.ClientID+"-events", cfg.Kafka.FetchMaxBytes, cfg.Pipeline.CommitIntervalMs,
		tlsCfg, saslMech, logger.Named("kafka.events"),
	)
	if err != nil {
		logger.Fatal("failed to create events consumer", zap.Error(err))
	}
	defer eventsConsumer.Close()

	wg.Add(2)
	go func() { defer wg.Done(); eventsConsumer.Run(ctx, eventsRecords, eventsFlushed, &commitWg) }()
	go func() {
		defer wg.Done()
		eventsPipeline.Run(ctx, eventsRecords, eventsFlushed)
		close(eventsFlushed)
	}()

	logger.Info("events pipeline started",
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("group_id", cfg.Kafka.EventsGroup),
	)

	// --- HTTP server ---
	httpServer := openbmphttp.NewServer(cfg.Service.HTTPListen, pool, ribConsumer, eventsConsumer, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("all pipelines and HTTP server started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel context to stop pipelines.
	cancel()

	// Wait for consumer and pipeline goroutines to finish their final flush/commit.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		commitWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all pipelines stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("openbmp-ingester stopped")
}

func runMigrate() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger, dryRun := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Maintenance.RetentionDays),
		zap.Int("days_ahead", cfg.Maintenance.DaysAhead),
		zap.String("timezone", cfg.Maintenance.Timezone),
		zap.Bool("dry_run", dryRun),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Maintenance.RetentionDays, cfg.Maintenance.DaysAhead, cfg.Maintenance.Timezone, dryRun, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value format: redact the password=... portion
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
