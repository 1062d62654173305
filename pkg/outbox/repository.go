package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
)

const lastErrorLimit = 1024

// Repository owns outbox_events. Writes that belong to a relay batch take the
// batch transaction explicitly.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(tx *gorm.DB, event models.OutboxEvent) error {
	if tx == nil {
		return ErrTxRequired
	}
	return tx.Create(&event).Error
}

// ClaimDue locks up to limit unpublished rows that are below maxAttempts and
// whose retry delay has passed at now, oldest first. Rows another publisher
// holds are skipped rather than waited on.
func (r *Repository) ClaimDue(tx *gorm.DB, now time.Time, limit, maxAttempts int) ([]models.OutboxEvent, error) {
	if tx == nil {
		return nil, ErrTxRequired
	}
	query := tx.
		Where("published_at IS NULL").
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now)
	if maxAttempts > 0 {
		query = query.Where("attempt_count < ?", maxAttempts)
	}
	var rows []models.OutboxEvent
	err := query.
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Find(&rows).Error
	return rows, err
}

func (r *Repository) MarkPublishedTx(tx *gorm.DB, id uuid.UUID, at time.Time) error {
	return r.update(tx, id, map[string]any{
		"published_at":    at,
		"next_attempt_at": nil,
		"last_error":      nil,
	})
}

// MarkFailedTx counts a failed attempt and holds the row until retryAt.
func (r *Repository) MarkFailedTx(tx *gorm.DB, id uuid.UUID, cause error, retryAt time.Time) error {
	return r.update(tx, id, map[string]any{
		"attempt_count":   gorm.Expr("attempt_count + 1"),
		"next_attempt_at": retryAt,
		"last_error":      lastError(cause),
	})
}

// MarkTerminalTx parks a row at the attempt ceiling so it is never claimed
// again. The row stays unpublished; its DLQ entry is the source of truth.
func (r *Repository) MarkTerminalTx(tx *gorm.DB, id uuid.UUID, cause error, terminalAttempts int) error {
	return r.update(tx, id, map[string]any{
		"attempt_count":   terminalAttempts,
		"next_attempt_at": nil,
		"last_error":      lastError(cause),
	})
}

func (r *Repository) update(tx *gorm.DB, id uuid.UUID, fields map[string]any) error {
	if tx == nil {
		return ErrTxRequired
	}
	return tx.Model(&models.OutboxEvent{}).Where("id = ?", id).Updates(fields).Error
}

// DeletePublishedBefore prunes rows published before cutoff, plus parked rows
// that reached minAttemptCount before cutoff.
func (r *Repository) DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttemptCount int) (int64, error) {
	conn := r.db
	if tx != nil {
		conn = tx
	}
	res := conn.WithContext(ctx).
		Where("(published_at IS NOT NULL AND published_at < ?) OR (published_at IS NULL AND attempt_count >= ? AND created_at < ?)",
			cutoff, minAttemptCount, cutoff).
		Delete(&models.OutboxEvent{})
	return res.RowsAffected, res.Error
}

// ListByAggregate returns the events queued for one aggregate, oldest first.
func (r *Repository) ListByAggregate(ctx context.Context, aggregateID uuid.UUID) ([]models.OutboxEvent, error) {
	var rows []models.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func lastError(err error) *string {
	if err == nil {
		return nil
	}
	msg := clipMessage(err.Error(), lastErrorLimit)
	return &msg
}
