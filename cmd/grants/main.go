package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/app"
	"github.com/celebthumb-ai/internal/billing"
	"github.com/celebthumb-ai/internal/config"
	"github.com/celebthumb-ai/internal/logging"
)

type granter interface {
	GrantDue(ctx context.Context, now time.Time) ([]billing.Grant, error)
}

type reconciler interface {
	Reconcile(ctx context.Context, cutoff time.Time) (int, error)
}

type handler struct {
	billing    granter
	generation reconciler
	// staleAfter is the age at which a held reservation is released.
	staleAfter time.Duration
	logger     *zap.Logger
}

// handle runs one grant pass and one reconcile pass for a scheduled event.
// A partial failure of either is returned so the invocation is retried;
// periods already granted are not granted again and settled reservations
// are not listed again.
func (h *handler) handle(ctx context.Context, event events.CloudWatchEvent) (int, error) {
	now := event.Time
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	grants, grantErr := h.billing.GrantDue(ctx, now)
	if grantErr != nil {
		grantErr = fmt.Errorf("grant run incomplete: %w", grantErr)
	} else {
		h.logger.Info("grants applied", zap.Int("count", len(grants)), zap.Time("as_of", now))
	}

	released, reconcileErr := h.generation.Reconcile(ctx, now.Add(-h.staleAfter))
	if reconcileErr != nil {
		reconcileErr = fmt.Errorf("reconcile run incomplete: %w", reconcileErr)
	} else if released > 0 {
		h.logger.Warn("stale reservations released", zap.Int("count", released))
	}
	return len(grants), errors.Join(grantErr, reconcileErr)
}

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

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}

	h := &handler{
		billing:    a.Billing,
		generation: a.Orchestrator,
		staleAfter: cfg.StaleReservationAfter,
		logger:     logger,
	}
	lambda.Start(h.handle)
}
