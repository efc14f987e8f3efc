// Quarry research server: HTTP API, WebSocket event streaming, and the
// engine that drives multi-phase research runs.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quarrylabs/quarry/pkg/api"
	"github.com/quarrylabs/quarry/pkg/cleanup"
	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/graph"
	"github.com/quarrylabs/quarry/pkg/llm"
	"github.com/quarrylabs/quarry/pkg/masking"
	"github.com/quarrylabs/quarry/pkg/run"
	"github.com/quarrylabs/quarry/pkg/services"
	"github.com/quarrylabs/quarry/pkg/slack"
	"github.com/quarrylabs/quarry/pkg/store"
	"github.com/quarrylabs/quarry/pkg/tools"
	"github.com/quarrylabs/quarry/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// setupLogging installs the process-wide slog handler from the logging
// config. Unknown levels fall back to info, unknown formats to text.
func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config",
		getEnv("QUARRY_CONFIG", "quarry.yaml"),
		"Path to configuration file")
	flag.Parse()

	// Load .env from the config file's directory
	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting Quarry",
		"version", version.Full(),
		"config", *configPath)

	// Cancelled on SIGTERM/SIGINT; startup and the cleanup loop hang off it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 1. Initialize configuration
	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging)
	if cfg.Auth.DevMode() {
		slog.Warn("Auth dev mode active, identity comes from the X-User-ID header")
	}

	// 2. Open the store
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()
	slog.Info("Store opened", "driver", cfg.Database.Driver)

	// 3. Initialize domain services
	runs := services.NewRunService(st)
	approvals := services.NewApprovalService(st)
	eventService := services.NewEventService(st)
	slog.Info("Services initialized")

	// 4. Initialize streaming infrastructure
	broker := events.NewBroker()
	publisher := events.NewPublisher(eventService, broker)
	catchupQuerier := events.NewEventServiceAdapter(eventService)
	connManager := events.NewConnectionManager(broker, catchupQuerier, 10*time.Second)
	slog.Info("Streaming infrastructure initialized")

	// 5. Create LLM client and research engine
	llmClient, err := llm.New(cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM client initialized",
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model)

	engine := graph.NewEngine(graph.EngineDeps{
		LLM:       llmClient,
		Search:    tools.NewWebSearch(cfg.Search),
		Terminal:  tools.NewTerminal(cfg.Engine),
		FileRead:  tools.NewFileRead(cfg.Engine),
		Knowledge: tools.NewKnowledge(),
		Publisher: publisher,
		Approvals: approvals,
		Tokens:    runs,
		Masking:   masking.NewService(),
		Config:    cfg.Engine,
	})

	// 6. Initialize Slack notifier (nil when not configured)
	notifier := slack.NewService(slack.ServiceConfig{
		Token:        cfg.Slack.Token,
		Channel:      cfg.Slack.Channel,
		DashboardURL: cfg.Slack.DashboardURL,
	})
	if notifier != nil {
		slog.Info("Slack notifications enabled", "channel", cfg.Slack.Channel)
	} else {
		slog.Info("Slack notifications disabled")
	}

	// 7. Create run manager and recover stranded runs
	manager := run.NewManager(engine, st, runs, approvals, publisher, notifier, cfg.Engine)
	connManager.SetStateProvider(manager)

	if err := manager.MarkInterruptedAtBoot(ctx); err != nil {
		slog.Error("Failed to mark interrupted runs", "error", err)
		// Non-fatal, continue
	}

	// 8. Start retention cleanup
	cleanupService := cleanup.NewService(cfg.Retention, runs, eventService)
	cleanupService.Start(ctx)

	// 9. Start HTTP server (non-blocking)
	httpServer := api.NewServer(api.Deps{
		Config:       *cfg,
		Store:        st,
		Runs:         runs,
		Approvals:    approvals,
		EventService: eventService,
		Manager:      manager,
		ConnManager:  connManager,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Quarry started",
		"addr", cfg.Server.Addr(),
		"max_concurrent_runs", cfg.Engine.MaxConcurrentRuns)

	// 10. Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop intake first, then drain live runs.
	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	managerDone := make(chan struct{})
	go func() {
		manager.Close()
		close(managerDone)
	}()

	select {
	case <-managerDone:
		slog.Info("Run manager stopped gracefully")
	case <-time.After(30 * time.Second):
		slog.Warn("Run manager shutdown timeout exceeded, live runs will be recovered at next boot")
	}

	cleanupService.Stop()
	broker.Close()

	slog.Info("Shutdown complete")
}
