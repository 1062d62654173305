package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

const defaultCancellationBatch = 100

// CancellationRetryJobParams configures the provider cancellation retry job.
type CancellationRetryJobParams struct {
	Logger    *logger.Logger
	Retrier   cancellationRetrier
	BatchSize int
}

type cancellationRetrier interface {
	RetryDue(ctx context.Context, limit int) (int, error)
}

// NewCancellationRetryJob drains provider cancellations of superseded
// subscriptions whose first attempt failed.
func NewCancellationRetryJob(params CancellationRetryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Retrier == nil {
		return nil, fmt.Errorf("cancellation retrier required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultCancellationBatch
	}
	return &cancellationRetryJob{logg: params.Logger, retrier: params.Retrier, batch: batch}, nil
}

type cancellationRetryJob struct {
	logg    *logger.Logger
	retrier cancellationRetrier
	batch   int
}

func (j *cancellationRetryJob) Name() string { return "provider-cancellation-retry" }

func (j *cancellationRetryJob) Run(ctx context.Context) error {
	done, err := j.retrier.RetryDue(ctx, j.batch)
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"completed": done,
		"failures":  len(multierr.Errors(err)),
	}), "provider cancellation retry complete")
	if err != nil {
		return fmt.Errorf("retry provider cancellations: %w", err)
	}
	return nil
}
