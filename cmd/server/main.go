package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulseforge/workspace-pipeline/internal/alignment"
	"github.com/pulseforge/workspace-pipeline/internal/blocker"
	"github.com/pulseforge/workspace-pipeline/internal/config"
	"github.com/pulseforge/workspace-pipeline/internal/conflict"
	"github.com/pulseforge/workspace-pipeline/internal/eventbus"
	"github.com/pulseforge/workspace-pipeline/internal/feature"
	"github.com/pulseforge/workspace-pipeline/internal/health"
	"github.com/pulseforge/workspace-pipeline/internal/ratelimit"
	"github.com/pulseforge/workspace-pipeline/internal/repository"
	"github.com/pulseforge/workspace-pipeline/internal/webhook"
	"go.uber.org/zap"
)

// dispatchQueueSize bounds each workspace's async task queue (§9).
const dispatchQueueSize = 64

type App struct {
	Server     *http.Server
	Repository *repository.Repository
	Dispatcher *webhook.Dispatcher
	Bus        *eventbus.Bus
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	app := &App{}

	cfg, err := config.NewConfig()
	if err != nil {
		zap.L().Fatal("failed to get config", zap.Error(err))
	}

	repo, err := repository.NewRepository(cfg.PostgresCfg)
	if err != nil {
		zap.L().Fatal("failed to create repository", zap.Error(err))
	}
	app.Repository = repo

	var analyzer alignment.Analyzer
	if cfg.LMEndpoint != "" {
		lmLimiter := ratelimit.NewWindowed(cfg.LMRateWindow, cfg.LMRateMax)
		analyzer = alignment.NewHTTPAnalyzer(cfg.LMEndpoint, cfg.LMModel, cfg.LMTimeout, cfg.LMMaxRetries, cfg.LMRetryDelay, lmLimiter)
	}

	blockerStore := blocker.NewStore(repo)
	bus := eventbus.NewBus()
	app.Bus = bus

	conflictEngine := conflict.NewEngine(repo, blockerStore, bus, analyzer)
	featureEngine := feature.NewEngine(repo, blockerStore, bus)
	healthEngine := health.NewEngine(repo, bus)

	webhookLimiter := ratelimit.NewKeyed(cfg.WebhookRateLimitPerSec, cfg.WebhookRateLimitBurst)
	dispatcher := webhook.NewDispatcher(dispatchQueueSize)
	app.Dispatcher = dispatcher

	webhookHandler := webhook.NewHandler(repo, conflictEngine, featureEngine, healthEngine, dispatcher, webhookLimiter, cfg.WebhookSecret)
	wsHandler := eventbus.NewWSHandler(bus)

	mux := http.NewServeMux()
	mux.Handle("/webhook/github", webhookHandler)
	mux.Handle("/ws", wsHandler)

	server := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: mux,
	}
	app.Server = server

	zap.L().Info("starting server...", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Fatal("server failed", zap.Error(err))
		}
	}()

	app.gracefulShutdown()
}

func (app *App) gracefulShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	<-quit
	zap.L().Info("shutdown signal received")

	const defaultShutdownTTL = time.Second * 10
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTTL)
	defer cancel()

	zap.L().Info("shutting down HTTP server...")
	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("failed to shutdown HTTP server", zap.Error(err))
	}

	zap.L().Info("draining dispatch queues...")
	app.Dispatcher.Shutdown()

	zap.L().Info("closing database connection...")
	app.Repository.CloseConnection()

	zap.L().Info("app shutdown completed")
}
