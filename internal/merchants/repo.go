package merchants

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
)

// Repository persists merchant accounts.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, account *models.MerchantAccount) error
	Update(ctx context.Context, account *models.MerchantAccount) error
	FindByCommunity(ctx context.Context, communityID uuid.UUID) (*models.MerchantAccount, error)
	FindByProviderAccountID(ctx context.Context, providerAccountID string) (*models.MerchantAccount, error)
	ListNotVerified(ctx context.Context, limit int) ([]models.MerchantAccount, error)
	ListVerified(ctx context.Context, after uuid.UUID, limit int) ([]models.MerchantAccount, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a merchant account repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, account *models.MerchantAccount) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *repository) Update(ctx context.Context, account *models.MerchantAccount) error {
	return r.db.WithContext(ctx).Save(account).Error
}

func (r *repository) FindByCommunity(ctx context.Context, communityID uuid.UUID) (*models.MerchantAccount, error) {
	var account models.MerchantAccount
	err := r.db.WithContext(ctx).Where("community_id = ?", communityID).First(&account).Error
	return found(&account, err)
}

func (r *repository) FindByProviderAccountID(ctx context.Context, providerAccountID string) (*models.MerchantAccount, error) {
	if providerAccountID == "" {
		return nil, nil
	}
	var account models.MerchantAccount
	err := r.db.WithContext(ctx).Where("provider_account_id = ?", providerAccountID).First(&account).Error
	return found(&account, err)
}

// ListNotVerified returns accounts still waiting on the provider, least
// recently synced first.
func (r *repository) ListNotVerified(ctx context.Context, limit int) ([]models.MerchantAccount, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []models.MerchantAccount
	err := r.db.WithContext(ctx).
		Where("verification_status <> ?", enums.VerificationStatusVerified).
		Order("last_synced_at ASC NULLS FIRST").
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ListVerified pages verified accounts by id. Pass uuid.Nil for the first
// page and the last returned id after that.
func (r *repository) ListVerified(ctx context.Context, after uuid.UUID, limit int) ([]models.MerchantAccount, error) {
	if limit <= 0 {
		limit = 200
	}
	q := r.db.WithContext(ctx).
		Where("verification_status = ?", enums.VerificationStatusVerified)
	if after != uuid.Nil {
		q = q.Where("id > ?", after)
	}
	var rows []models.MerchantAccount
	err := q.Order("id ASC").Limit(limit).Find(&rows).Error
	return rows, err
}

func found(account *models.MerchantAccount, err error) (*models.MerchantAccount, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return account, nil
}
