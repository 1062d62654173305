package stripewebhook

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
)

// EventLedger is the durable record of applied provider events.
type EventLedger interface {
	WithTx(tx *gorm.DB) EventLedger
	Record(ctx context.Context, event *models.WebhookEvent) (bool, error)
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type eventLedger struct {
	db *gorm.DB
}

// NewEventLedger returns a ledger bound to the provided database.
func NewEventLedger(db *gorm.DB) EventLedger {
	return &eventLedger{db: db}
}

func (l *eventLedger) WithTx(tx *gorm.DB) EventLedger {
	if tx == nil {
		return l
	}
	return &eventLedger{db: tx}
}

// Record inserts the event id and reports false when it was already present.
// Running it inside the mutation transaction makes a concurrent second
// delivery block on the unique key until the first commits or rolls back.
func (l *eventLedger) Record(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	res := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (l *eventLedger) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := l.db.WithContext(ctx).
		Where("processed_at < ?", cutoff.UTC()).
		Delete(&models.WebhookEvent{})
	return res.RowsAffected, res.Error
}
