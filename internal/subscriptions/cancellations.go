package subscriptions

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

const (
	cancelRetryBase    = time.Minute
	maxCancelDelay     = time.Hour
	defaultCancelBatch = 100
)

// CancellationRepository stores provider cancellations that are still owed.
type CancellationRepository interface {
	WithTx(tx *gorm.DB) CancellationRepository
	Enqueue(ctx context.Context, rows []models.ProviderCancellation) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.ProviderCancellation, error)
	MarkCompleted(ctx context.Context, providerSubscriptionID string, at time.Time, note *string) error
	MarkFailed(ctx context.Context, providerSubscriptionID, lastErr string, next time.Time) error
}

type cancellationRepository struct {
	db *gorm.DB
}

// NewCancellationRepository returns a provider cancellation repository.
func NewCancellationRepository(db *gorm.DB) CancellationRepository {
	return &cancellationRepository{db: db}
}

func (r *cancellationRepository) WithTx(tx *gorm.DB) CancellationRepository {
	if tx == nil {
		return r
	}
	return &cancellationRepository{db: tx}
}

// Enqueue keeps the first row when the same subscription is superseded twice.
func (r *cancellationRepository) Enqueue(ctx context.Context, rows []models.ProviderCancellation) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_subscription_id"}},
			DoNothing: true,
		}).
		Create(&rows).Error
}

func (r *cancellationRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.ProviderCancellation, error) {
	var rows []models.ProviderCancellation
	err := r.db.WithContext(ctx).
		Where("completed_at IS NULL AND next_attempt_at <= ?", now.UTC()).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *cancellationRepository) MarkCompleted(ctx context.Context, providerSubscriptionID string, at time.Time, note *string) error {
	return r.db.WithContext(ctx).
		Model(&models.ProviderCancellation{}).
		Where("provider_subscription_id = ? AND completed_at IS NULL", providerSubscriptionID).
		Updates(map[string]any{
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"completed_at":  at.UTC(),
			"last_error":    note,
		}).Error
}

func (r *cancellationRepository) MarkFailed(ctx context.Context, providerSubscriptionID, lastErr string, next time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.ProviderCancellation{}).
		Where("provider_subscription_id = ? AND completed_at IS NULL", providerSubscriptionID).
		Updates(map[string]any{
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_error":      lastErr,
			"next_attempt_at": next.UTC(),
		}).Error
}

type providerCanceler interface {
	CancelSubscription(ctx context.Context, accountID, subscriptionID string) error
}

// CancelerParams groups dependencies for the provider canceler.
type CancelerParams struct {
	Repo    CancellationRepository
	Gateway providerCanceler
	Logger  *logger.Logger
}

// Canceler cancels superseded subscriptions at the provider. Every
// cancellation is queued in the transaction that supersedes the local row, so
// a failed or interrupted provider call is retried until it lands.
type Canceler struct {
	repo    CancellationRepository
	gateway providerCanceler
	logg    *logger.Logger
	now     func() time.Time
}

func NewCanceler(params CancelerParams) (*Canceler, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("cancellation repository required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Canceler{
		repo:    params.Repo,
		gateway: params.Gateway,
		logg:    params.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Queue records the cancellations inside tx.
func (c *Canceler) Queue(ctx context.Context, tx *gorm.DB, superseded []Superseded) error {
	if len(superseded) == 0 {
		return nil
	}
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	now := c.now()
	rows := make([]models.ProviderCancellation, 0, len(superseded))
	for _, item := range superseded {
		rows = append(rows, models.ProviderCancellation{
			ProviderAccountID:      item.AccountID,
			ProviderSubscriptionID: item.ProviderSubscriptionID,
			NextAttemptAt:          now,
		})
	}
	if err := c.repo.WithTx(tx).Enqueue(ctx, rows); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue provider cancellations")
	}
	return nil
}

// Cancel calls the provider for each item right away. Failures are aggregated
// so one stuck cancellation does not block the rest; the queued rows keep
// them for RetryDue.
func (c *Canceler) Cancel(ctx context.Context, superseded []Superseded) error {
	var errs error
	for _, item := range superseded {
		errs = multierr.Append(errs, c.attempt(ctx, item, 0))
	}
	return errs
}

// RetryDue attempts queued cancellations whose backoff has elapsed and
// reports how many completed.
func (c *Canceler) RetryDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCancelBatch
	}
	rows, err := c.repo.ListDue(ctx, c.now(), limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list due provider cancellations")
	}
	var errs error
	done := 0
	for _, row := range rows {
		item := Superseded{AccountID: row.ProviderAccountID, ProviderSubscriptionID: row.ProviderSubscriptionID}
		if err := c.attempt(ctx, item, row.AttemptCount); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		done++
	}
	return done, errs
}

func (c *Canceler) attempt(ctx context.Context, item Superseded, attempts int) error {
	logCtx := c.logg.WithField(ctx, "provider_subscription_id", item.ProviderSubscriptionID)
	err := c.gateway.CancelSubscription(ctx, item.AccountID, item.ProviderSubscriptionID)
	now := c.now()
	switch {
	case err == nil:
		return c.record(c.repo.MarkCompleted(ctx, item.ProviderSubscriptionID, now, nil))
	case !pkgerrors.IsRetryable(err):
		// Rejected outright, usually because the subscription is already gone.
		note := err.Error()
		c.logg.Warn(c.logg.WithField(logCtx, "error", note), "provider cancellation rejected, not retrying")
		return c.record(c.repo.MarkCompleted(ctx, item.ProviderSubscriptionID, now, &note))
	}

	c.logg.Warn(c.logg.WithFields(logCtx, map[string]any{
		"error":    err.Error(),
		"attempts": attempts + 1,
	}), "cancel superseded subscription failed")
	if markErr := c.repo.MarkFailed(ctx, item.ProviderSubscriptionID, err.Error(), now.Add(cancelDelay(attempts))); markErr != nil {
		return multierr.Append(err, c.record(markErr))
	}
	return err
}

func (c *Canceler) record(err error) error {
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update provider cancellation")
	}
	return nil
}

// cancelDelay doubles cancelRetryBase per prior attempt, capped at maxCancelDelay.
func cancelDelay(attempts int) time.Duration {
	delay := cancelRetryBase
	for i := 0; i < attempts && delay < maxCancelDelay; i++ {
		delay *= 2
	}
	return min(delay, maxCancelDelay)
}
