package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"garagecover/internal/api"
	"garagecover/internal/clock"
	"garagecover/internal/config"
	"garagecover/internal/configentry"
	"garagecover/internal/history"
	"garagecover/internal/metrics"
	"garagecover/internal/mqttpub"
	"garagecover/internal/platform"
	"garagecover/pkg/integration"

	// Integrations register themselves in init()
	_ "garagecover/internal/aladdinconnect"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const configReloadInterval = 5 * time.Minute

func main() {
	// Initialize logger; the level is adjusted once configuration is read
	zapConfig := zap.NewProductionConfig()
	logger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	configDir := os.Getenv("GARAGE_CONFIG_DIR")
	if configDir == "" {
		configDir = "./config"
	}

	loader := config.NewLoader(configDir, logger)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	zapConfig.Level.SetLevel(cfg.ZapLevel().Level())

	logger.Info("Starting garagecover",
		zap.String("version", version),
		zap.String("config_dir", configDir),
		zap.Bool("read_only", cfg.ReadOnly))
	if cfg.ReadOnly {
		logger.Info("Running in READ-ONLY mode - no commands will be sent to the cloud")
	}

	ctx := context.Background()

	// Config entries
	store, err := configentry.OpenStore(cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to open config entry store", zap.Error(err))
	}
	defer store.Close()

	entries := configentry.NewManager(store, logger)
	if err := entries.Load(ctx); err != nil {
		logger.Fatal("Failed to load config entries", zap.Error(err))
	}

	// Metrics
	m, err := metrics.New(version)
	if err != nil {
		logger.Fatal("Failed to create metrics", zap.Error(err))
	}

	// Integrations
	clk := clock.NewRealClock()
	integrations, err := integration.CreateAll(integration.NewContext(logger, clk, cfg.ReadOnly, configDir))
	if err != nil {
		logger.Fatal("Failed to create integrations", zap.Error(err))
	}
	logger.Info("Integrations registered", zap.Strings("domains", integration.Domains()))

	hub := platform.NewHub(platform.HubConfig{
		Logger:               logger,
		Clock:                clk,
		Entries:              entries,
		ReadOnly:             cfg.ReadOnly,
		ScanInterval:         cfg.Polling.Interval(),
		PollObserver:         m.ObservePoll,
		EntryStateObserver:   m.ObserveEntryState,
		EntryRemovedObserver: m.ForgetEntry,
	}, integrations)
	metricsSub := m.Attach(hub.States(), hub.Services())
	defer metricsSub.Unsubscribe()

	// Optional outputs
	if cfg.MQTT.Enabled() {
		client, err := mqttpub.Connect(cfg.MQTT, logger)
		if err != nil {
			logger.Error("MQTT disabled, could not connect to broker", zap.Error(err))
		} else {
			bridge := mqttpub.NewBridge(client, hub.States(), hub.Services(), cfg.MQTT.TopicPrefix, cfg.MQTT.QoS, logger)
			if err := bridge.Start(); err != nil {
				logger.Error("Failed to start MQTT bridge", zap.Error(err))
			}
			defer bridge.Stop()
		}
	}

	recorder, err := history.Connect(cfg.InfluxDB, logger)
	switch {
	case errors.Is(err, history.ErrDisabled):
	case err != nil:
		logger.Error("State history disabled, could not reach InfluxDB", zap.Error(err))
	default:
		recorder.Attach(hub.States())
		defer recorder.Close()
	}

	// Legacy YAML first so imported entries exist, then every stored entry
	for _, domain := range cfg.ComponentDomains() {
		if _, err := hub.SetupComponent(ctx, domain, cfg.Components()[domain]); err != nil {
			logger.Error("Failed to set up component", zap.String("domain", domain), zap.Error(err))
		}
	}
	hub.SetupEntries(ctx)
	logger.Info("Components loaded", zap.Strings("components", hub.Components()))

	// HTTP API
	server := api.NewServer(hub, m.Registry(), logger, cfg.HTTP.ServerPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	loader.StartAutoReload(configReloadInterval, func(reloaded *config.Config) {
		zapConfig.Level.SetLevel(reloaded.ZapLevel().Level())
	})

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")

	loader.Stop()
	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	hub.Shutdown(shutdownCtx)
}
