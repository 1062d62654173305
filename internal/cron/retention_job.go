package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

const (
	defaultOutboxRetention  = 30 * 24 * time.Hour
	defaultWebhookRetention = 30 * 24 * time.Hour
	defaultDLQRetention     = 90 * 24 * time.Hour
	defaultMinAttempts      = 5
)

type outboxPruner interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttemptCount int) (int64, error)
}

type deadLetterPruner interface {
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type webhookLedgerPruner interface {
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type RetentionJobParams struct {
	Logger *logger.Logger
	DB     txRunner
	Outbox outboxPruner
	// MinAttempts is the attempt count at which an unpublished row counts as
	// parked and becomes prunable.
	MinAttempts     int
	OutboxRetention time.Duration
	// Webhooks and DeadLetters are optional.
	Webhooks         webhookLedgerPruner
	WebhookRetention time.Duration
	DeadLetters      deadLetterPruner
	DLQRetention     time.Duration
}

// pruneTarget is one table the job trims on its own window.
type pruneTarget struct {
	name   string
	window time.Duration
	prune  func(ctx context.Context, cutoff time.Time) (int64, error)
}

type retentionJob struct {
	logg    *logger.Logger
	targets []pruneTarget
	now     func() time.Time
}

// NewRetentionJob prunes relayed outbox rows, the webhook ledger and the
// dead-letter table. Each table is pruned independently so one failure does
// not hold back the others.
func NewRetentionJob(params RetentionJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger required")
	case params.DB == nil:
		return nil, errors.New("db runner required")
	case params.Outbox == nil:
		return nil, errors.New("outbox repository required")
	}

	minAttempts := params.MinAttempts
	if minAttempts <= 0 {
		minAttempts = defaultMinAttempts
	}
	targets := []pruneTarget{{
		name:   "outbox_events",
		window: windowOr(params.OutboxRetention, defaultOutboxRetention),
		prune: func(ctx context.Context, cutoff time.Time) (int64, error) {
			var deleted int64
			err := params.DB.WithTx(ctx, func(tx *gorm.DB) error {
				n, err := params.Outbox.DeletePublishedBefore(ctx, tx, cutoff, minAttempts)
				deleted = n
				return err
			})
			return deleted, err
		},
	}}
	if params.Webhooks != nil {
		targets = append(targets, pruneTarget{
			name:   "webhook_events",
			window: windowOr(params.WebhookRetention, defaultWebhookRetention),
			prune:  params.Webhooks.DeleteProcessedBefore,
		})
	}
	if params.DeadLetters != nil {
		targets = append(targets, pruneTarget{
			name:   "outbox_dlq",
			window: windowOr(params.DLQRetention, defaultDLQRetention),
			prune:  params.DeadLetters.DeleteFailedBefore,
		})
	}
	return &retentionJob{logg: params.Logger, targets: targets, now: time.Now}, nil
}

func windowOr(window, fallback time.Duration) time.Duration {
	if window > 0 {
		return window
	}
	return fallback
}

func (j *retentionJob) Name() string { return "retention" }

func (j *retentionJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	var errs error
	for _, target := range j.targets {
		cutoff := now.Add(-target.window)
		deleted, err := target.prune(ctx, cutoff)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("prune %s: %w", target.name, err))
			continue
		}
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"table":        target.name,
			"cutoff":       cutoff,
			"rows_deleted": deleted,
		}), "retention pruning complete")
	}
	return errs
}
