package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	"github.com/angelmondragon/communitypay-backend/pkg/pagination"
)

// Repository manages persistence for payment transactions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	InsertIfAbsent(ctx context.Context, txn *models.PaymentTransaction) (bool, error)
	FindByReference(ctx context.Context, reference string) (*models.PaymentTransaction, error)
	FindByPaymentID(ctx context.Context, paymentID string) (*models.PaymentTransaction, error)
	FillPaymentID(ctx context.Context, reference, paymentID string) error
	MarkRefunded(ctx context.Context, id uuid.UUID, at time.Time) error
	SumSucceeded(ctx context.Context, communityID uuid.UUID, start, end time.Time) (*RevenueAnalytics, error)
	List(ctx context.Context, query ListQuery) ([]models.PaymentTransaction, *pagination.Cursor, error)
}

// ListQuery configures transaction list queries.
type ListQuery struct {
	CommunityID uuid.UUID
	Status      *enums.TransactionStatus
	Cursor      *pagination.Cursor
	Limit       int
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// InsertIfAbsent appends the row unless its provider reference was already
// recorded. The boolean reports whether a new row was written.
func (r *repository) InsertIfAbsent(ctx context.Context, txn *models.PaymentTransaction) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_reference"}},
			DoNothing: true,
		}).
		Create(txn)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) FindByReference(ctx context.Context, reference string) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	err := r.db.WithContext(ctx).Where("provider_reference = ?", reference).First(&txn).Error
	return found(&txn, err)
}

func (r *repository) FindByPaymentID(ctx context.Context, paymentID string) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("provider_payment_id = ?", paymentID).
		Order("occurred_at DESC").
		First(&txn).Error
	return found(&txn, err)
}

// FillPaymentID sets the provider payment id on a row recorded without one.
// A checkout session carries the invoice but not its payment intent; the
// invoice event that follows supplies it.
func (r *repository) FillPaymentID(ctx context.Context, reference, paymentID string) error {
	return r.db.WithContext(ctx).
		Model(&models.PaymentTransaction{}).
		Where("provider_reference = ? AND provider_payment_id IS NULL", reference).
		Update("provider_payment_id", paymentID).Error
}

// MarkRefunded is, with FillPaymentID, the only mutation a ledger row ever
// receives. Amounts are left untouched.
func (r *repository) MarkRefunded(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.PaymentTransaction{}).
		Where("id = ? AND status <> ?", id, enums.TransactionStatusRefunded).
		Updates(map[string]any{
			"status":      enums.TransactionStatusRefunded,
			"refunded_at": at,
		}).Error
}

func (r *repository) SumSucceeded(ctx context.Context, communityID uuid.UUID, start, end time.Time) (*RevenueAnalytics, error) {
	var out RevenueAnalytics
	err := r.db.WithContext(ctx).
		Model(&models.PaymentTransaction{}).
		Select(`COALESCE(SUM(amount_cents), 0) AS total_revenue,
			COALESCE(SUM(platform_amount_cents), 0) AS platform_revenue,
			COALESCE(SUM(creator_amount_cents), 0) AS creator_revenue,
			COUNT(*) AS transaction_count`).
		Where("community_id = ? AND status = ?", communityID, enums.TransactionStatusSucceeded).
		Where("occurred_at >= ? AND occurred_at < ?", start.UTC(), end.UTC()).
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *repository) List(ctx context.Context, params ListQuery) ([]models.PaymentTransaction, *pagination.Cursor, error) {
	limit := pagination.NormalizeLimit(params.Limit)
	query := r.db.WithContext(ctx).
		Model(&models.PaymentTransaction{}).
		Where("community_id = ?", params.CommunityID)
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Cursor != nil {
		query = query.Where("(created_at, id) < (?, ?)", params.Cursor.CreatedAt.UTC(), params.Cursor.ID)
	}

	var rows []models.PaymentTransaction
	if err := query.Order("created_at DESC, id DESC").Limit(pagination.LimitWithBuffer(limit)).Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	page, next := pagination.Trim(rows, limit, func(row models.PaymentTransaction) pagination.Cursor {
		return pagination.Cursor{CreatedAt: row.CreatedAt, ID: row.ID}
	})
	return page, next, nil
}

func found(txn *models.PaymentTransaction, err error) (*models.PaymentTransaction, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return txn, nil
}
