package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/app"
	"github.com/celebthumb-ai/internal/config"
	"github.com/celebthumb-ai/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Stage, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required to run the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}
	queue, err := app.OpenQueue(ctx, cfg.DatabaseURL, a.Orchestrator, cfg.JobTimeout, logger)
	if err != nil {
		logger.Fatal("failed to open job queue", zap.Error(err))
	}
	defer queue.Close()

	if err := queue.Client.Start(ctx); err != nil {
		logger.Fatal("failed to start worker", zap.Error(err))
	}
	logger.Info("worker started")

	<-ctx.Done()
	logger.Info("shutting down worker")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := queue.Client.Stop(stopCtx); err != nil {
		logger.Error("worker did not stop cleanly", zap.Error(err))
	}
}
