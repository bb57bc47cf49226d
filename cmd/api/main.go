package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/app"
	"github.com/celebthumb-ai/internal/config"
	"github.com/celebthumb-ai/internal/jobs"
	"github.com/celebthumb-ai/internal/logging"
)

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

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}

	var dispatcher jobs.Dispatcher
	if cfg.DatabaseURL != "" {
		queue, err := app.OpenQueue(ctx, cfg.DatabaseURL, nil, 0, logger)
		if err != nil {
			logger.Fatal("failed to open job queue", zap.Error(err))
		}
		defer queue.Close()
		dispatcher = jobs.NewRiverDispatcher(queue.Client, logger)
	} else {
		logger.Warn("DATABASE_URL not set, running generation in-process")
		dispatcher = jobs.NewInlineDispatcher(a.Orchestrator, logger)
	}

	lambda.Start(a.API(dispatcher).Handle)
}
