package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/shaket-dev/shaket/internal/api"
	"github.com/shaket-dev/shaket/internal/config"
	"github.com/shaket-dev/shaket/internal/coordinator"
	"github.com/shaket-dev/shaket/internal/eventlog"
	"github.com/shaket-dev/shaket/internal/messenger"
	"github.com/shaket-dev/shaket/internal/policy"
	"github.com/shaket-dev/shaket/internal/transport"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting shaketd",
		"http_port", cfg.HTTPPort,
		"database", cfg.DatabaseURL)

	// Initialize event store
	store, err := eventlog.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize event store: %v", err)
	}
	defer store.Close()

	stateManager := eventlog.NewStateManager(store, logger)

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize transport and messenger
	a2a := transport.NewA2ATransport(cfg.A2ATimeout)
	m := messenger.New(a2a, logger)

	// Session registry
	registry := coordinator.NewRegistry(stateManager)

	// Initialize handler
	h := api.NewHandler(stateManager, m, registry, policyEngine, cfg, logger)

	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	h.RegisterRoutes(e)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	logger.Info("session API started", "port", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down shaketd")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown was not graceful", "error", err)
	}

	logger.Info("shaketd stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
