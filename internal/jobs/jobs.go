// Package jobs hands accepted generation requests to whatever runs the
// pipeline: a River queue backed by Postgres in production, or a goroutine
// in the same process for local runs.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/apperr"
	"github.com/celebthumb-ai/internal/logging"
)

// Processor drives one accepted request to a terminal state.
type Processor interface {
	Process(ctx context.Context, userID, idempotencyKey string) error
}

// Dispatcher schedules Process for an accepted request.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID, idempotencyKey string) error
}

type GenerateArgs struct {
	UserID         string `json:"user_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (GenerateArgs) Kind() string { return "generate_thumbnail" }

// InsertOpts makes re-dispatching a request while its job is still queued a
// no-op. Work left behind by a discarded job is released by
// Orchestrator.Reconcile.
func (GenerateArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 10,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

type GenerateWorker struct {
	river.WorkerDefaults[GenerateArgs]
	processor Processor
	timeout   time.Duration
	logger    *zap.Logger
}

func NewGenerateWorker(processor Processor, timeout time.Duration, logger *zap.Logger) *GenerateWorker {
	return &GenerateWorker{
		processor: processor,
		timeout:   timeout,
		logger:    logging.OrNop(logger).Named("worker"),
	}
}

func (w *GenerateWorker) Timeout(*river.Job[GenerateArgs]) time.Duration {
	return w.timeout
}

// Work returns an error only when the request did not reach a terminal
// state, which makes River retry the job.
func (w *GenerateWorker) Work(ctx context.Context, job *river.Job[GenerateArgs]) error {
	err := w.processor.Process(ctx, job.Args.UserID, job.Args.IdempotencyKey)
	if err != nil {
		w.logger.Warn("generation job will be retried",
			zap.Int64("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
		return err
	}
	return nil
}

// Inserter is the part of *river.Client used to enqueue jobs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

type RiverDispatcher struct {
	client Inserter
	logger *zap.Logger
}

func NewRiverDispatcher(client Inserter, logger *zap.Logger) *RiverDispatcher {
	return &RiverDispatcher{client: client, logger: logging.OrNop(logger).Named("dispatch")}
}

func (d *RiverDispatcher) Dispatch(ctx context.Context, userID, idempotencyKey string) error {
	res, err := d.client.Insert(ctx, GenerateArgs{UserID: userID, IdempotencyKey: idempotencyKey}, nil)
	if err != nil {
		return apperr.Transient(fmt.Errorf("failed to enqueue generation: %w", err))
	}
	if res.UniqueSkippedAsDuplicate {
		d.logger.Debug("generation already queued", zap.String("user_id", userID), zap.String("key", idempotencyKey))
		return nil
	}
	d.logger.Debug("generation queued", zap.Int64("job_id", res.Job.ID), zap.String("user_id", userID))
	return nil
}

// InlineDispatcher runs each request on its own goroutine, detached from
// the caller's cancellation.
type InlineDispatcher struct {
	processor Processor
	logger    *zap.Logger
	wg        sync.WaitGroup
}

func NewInlineDispatcher(processor Processor, logger *zap.Logger) *InlineDispatcher {
	return &InlineDispatcher{processor: processor, logger: logging.OrNop(logger).Named("dispatch")}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, userID, idempotencyKey string) error {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.processor.Process(ctx, userID, idempotencyKey); err != nil {
			d.logger.Error("inline generation did not finish",
				zap.String("user_id", userID), zap.String("key", idempotencyKey), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every dispatched request has returned.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
