package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"

	"github.com/celebthumb-ai/internal/jobs"
)

const queueWorkers = 10

// Queue is a River client over its Postgres pool.
type Queue struct {
	Pool   *pgxpool.Pool
	Client *river.Client[pgx.Tx]
}

// OpenQueue connects to Postgres. With a processor the client also works
// generation jobs, and River's migrations are applied first; without one
// the client only inserts.
func OpenQueue(ctx context.Context, databaseURL string, processor jobs.Processor, jobTimeout time.Duration, logger *zap.Logger) (*Queue, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	riverConfig := &river.Config{}
	if processor != nil {
		migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create migrator: %w", err)
		}
		if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to migrate river schema: %w", err)
		}

		workers := river.NewWorkers()
		river.AddWorker(workers, jobs.NewGenerateWorker(processor, jobTimeout, logger))
		riverConfig.Workers = workers
		riverConfig.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: queueWorkers},
		}
	}

	client, err := river.NewClient(riverpgxv5.New(pool), riverConfig)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create river client: %w", err)
	}
	return &Queue{Pool: pool, Client: client}, nil
}

func (q *Queue) Close() {
	q.Pool.Close()
}
