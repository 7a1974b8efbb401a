package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homeschedule/internal/api"
	"homeschedule/internal/changestate"
	"homeschedule/internal/clock"
	"homeschedule/internal/config"
	"homeschedule/internal/docstore"
	"homeschedule/internal/entity"
	"homeschedule/internal/ha"
	"homeschedule/internal/mqtt"
	"homeschedule/internal/presence"
	"homeschedule/internal/schedule"
	"homeschedule/internal/scheduler"
	"homeschedule/internal/shadowstate"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load environment variables
	envErr := godotenv.Load()

	settings := config.NewSettings()
	loadErr := settings.LoadFromEnv()
	settings.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	logger, err := newLogger(settings.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Warn("No .env file found, using environment variables")
	}
	if loadErr != nil {
		logger.Fatal("Failed to read settings from environment", zap.Error(loadErr))
	}
	if err := settings.Validate(); err != nil {
		logger.Fatal("Invalid settings", zap.Error(err))
	}

	logger.Info("Starting Home Schedule",
		zap.String("url", settings.HAURL),
		zap.Bool("read_only", settings.ReadOnly),
		zap.String("schedule_file", settings.ScheduleFile),
		zap.String("state_backend", settings.StateBackend),
		zap.String("presence_source", settings.PresenceSource))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create HA client
	client := ha.NewClient(settings.HAURL, settings.HAToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	adapter := entity.NewAdapter(client, logger, settings.ReadOnly)
	if settings.ReadOnly {
		logger.Info("Running in READ-ONLY mode - no changes will be made to Home Assistant")
	}

	// Change state
	persister, closePersister, err := newPersister(ctx, settings)
	if err != nil {
		logger.Fatal("Failed to set up change-state backend", zap.Error(err))
	}
	defer closePersister()

	store := changestate.NewStore(persister, logger)
	if err := store.Load(ctx); err != nil {
		logger.Fatal("Failed to load change state", zap.Error(err))
	}

	// Schedule document
	docs := docstore.NewFileStore(settings.ScheduleFile, logger)
	doc, err := docs.Load(ctx)
	if err != nil {
		logger.Fatal("Failed to load schedule document", zap.Error(err))
	}

	// Presence
	var source scheduler.PresenceSource
	switch settings.PresenceSource {
	case "mqtt":
		mqttClient := mqtt.NewClient(mqtt.Options{
			Broker:   settings.MQTTBroker,
			ClientID: "homeschedule",
			Username: settings.MQTTUsername,
			Password: settings.MQTTPassword,
		}, logger)
		mqttSource := presence.NewMQTTSource(mqttClient, settings.MQTTTopic, time.Now, logger)
		if err := mqttSource.Start(ctx); err != nil {
			logger.Fatal("Failed to start MQTT presence source", zap.Error(err))
		}
		defer mqttSource.Stop()
		source = mqttSource
	default:
		source = presence.NewHASource(client, settings.PresenceEntities, logger)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	location, _ := settings.Location()
	opts := scheduler.DefaultOptions()
	opts.ApplyTimeout = settings.ApplyTimeout
	opts.ApplyRetries = settings.ApplyRetries
	opts.RetryBackoff = settings.RetryBackoff
	opts.Location = location
	opts.Metrics = scheduler.NewMetrics(registry)

	clk := clock.NewRealClock()
	evaluator := scheduler.NewEvaluator(doc, adapter, source, docs, store, shadowstate.NewTracker(), clk, logger, opts)
	runner := scheduler.NewRunner(evaluator, client, clk, settings.TickInterval, logger)

	if err := runner.Start(ctx); err != nil {
		logger.Fatal("Failed to start schedule runner", zap.Error(err))
	}

	if err := docs.Watch(ctx, func(next *schedule.Document) {
		if err := runner.Reload(ctx, next); err != nil {
			logger.Error("Failed to apply reloaded schedule document", zap.Error(err))
		}
	}); err != nil {
		logger.Warn("Schedule document hot reload disabled", zap.Error(err))
	}

	server := api.NewServer(evaluator, registry, logger, settings.HTTPPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start HTTP API server", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop HTTP API server", zap.Error(err))
	}
	if err := runner.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop schedule runner", zap.Error(err))
	}
	cancel()

	logger.Info("Shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if lvl == zapcore.DebugLevel {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// newPersister builds the configured change-state backend. The returned
// close func is always safe to call.
func newPersister(ctx context.Context, settings *config.Settings) (changestate.Persister, func(), error) {
	switch settings.StateBackend {
	case "redis":
		client := changestate.NewRedisClient(settings.RedisAddr, settings.RedisPassword, settings.RedisDB)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx); err != nil {
			client.Close()
			return nil, func() {}, fmt.Errorf("failed to reach redis at %s: %w", settings.RedisAddr, err)
		}
		return changestate.NewRedisPersister(client, changestate.DefaultRedisKey), func() { client.Close() }, nil
	case "memory":
		return changestate.MemoryPersister{}, func() {}, nil
	default:
		return changestate.NewFilePersister(settings.StateFile), func() {}, nil
	}
}
