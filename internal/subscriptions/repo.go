package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
)

// Repository persists platform and member subscriptions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreatePlatform(ctx context.Context, sub *models.PlatformSubscription) error
	SavePlatform(ctx context.Context, sub *models.PlatformSubscription) error
	FindPlatformByProviderID(ctx context.Context, providerSubscriptionID string) (*models.PlatformSubscription, error)
	FindOpenPlatform(ctx context.Context, communityID uuid.UUID) (*models.PlatformSubscription, error)
	FindLatestPlatform(ctx context.Context, communityID uuid.UUID) (*models.PlatformSubscription, error)
	CancelOpenPlatform(ctx context.Context, communityID uuid.UUID, keepProviderID string, at time.Time) ([]models.PlatformSubscription, error)

	CreateMember(ctx context.Context, sub *models.MemberSubscription) error
	SaveMember(ctx context.Context, sub *models.MemberSubscription) error
	FindMemberByProviderID(ctx context.Context, providerSubscriptionID string) (*models.MemberSubscription, error)
	FindOpenMember(ctx context.Context, communityID, userID uuid.UUID) (*models.MemberSubscription, error)
	ListMembersByCommunity(ctx context.Context, communityID uuid.UUID) ([]models.MemberSubscription, error)
	ListMembersByUser(ctx context.Context, userID uuid.UUID) ([]models.MemberSubscription, error)
	CancelOpenMember(ctx context.Context, communityID, userID uuid.UUID, keepProviderID string, at time.Time) ([]models.MemberSubscription, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a subscription repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreatePlatform(ctx context.Context, sub *models.PlatformSubscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *repository) SavePlatform(ctx context.Context, sub *models.PlatformSubscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

// FindPlatformByProviderID locks the row when running inside a transaction so
// concurrent deliveries for the same subscription apply one at a time.
func (r *repository) FindPlatformByProviderID(ctx context.Context, providerSubscriptionID string) (*models.PlatformSubscription, error) {
	var sub models.PlatformSubscription
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider_subscription_id = ?", providerSubscriptionID).
		First(&sub).Error
	return foundPlatform(&sub, err)
}

func (r *repository) FindOpenPlatform(ctx context.Context, communityID uuid.UUID) (*models.PlatformSubscription, error) {
	var sub models.PlatformSubscription
	err := r.db.WithContext(ctx).
		Where("community_id = ? AND status <> ?", communityID, enums.SubscriptionStatusCanceled).
		Order("created_at DESC").
		First(&sub).Error
	return foundPlatform(&sub, err)
}

func (r *repository) FindLatestPlatform(ctx context.Context, communityID uuid.UUID) (*models.PlatformSubscription, error) {
	var sub models.PlatformSubscription
	err := r.db.WithContext(ctx).
		Where("community_id = ?", communityID).
		Order("created_at DESC").
		First(&sub).Error
	return foundPlatform(&sub, err)
}

// CancelOpenPlatform closes every open platform subscription of the community
// other than keepProviderID. The returned rows carry their status from before
// the update.
func (r *repository) CancelOpenPlatform(ctx context.Context, communityID uuid.UUID, keepProviderID string, at time.Time) ([]models.PlatformSubscription, error) {
	var rows []models.PlatformSubscription
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("community_id = ? AND status <> ? AND provider_subscription_id <> ?",
			communityID, enums.SubscriptionStatusCanceled, keepProviderID).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(rows))
	for i := range rows {
		ids = append(ids, rows[i].ID)
	}
	err = r.db.WithContext(ctx).
		Model(&models.PlatformSubscription{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":      enums.SubscriptionStatusCanceled,
			"canceled_at": at,
		}).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) CreateMember(ctx context.Context, sub *models.MemberSubscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *repository) SaveMember(ctx context.Context, sub *models.MemberSubscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *repository) FindMemberByProviderID(ctx context.Context, providerSubscriptionID string) (*models.MemberSubscription, error) {
	var sub models.MemberSubscription
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider_subscription_id = ?", providerSubscriptionID).
		First(&sub).Error
	return foundMember(&sub, err)
}

func (r *repository) FindOpenMember(ctx context.Context, communityID, userID uuid.UUID) (*models.MemberSubscription, error) {
	var sub models.MemberSubscription
	err := r.db.WithContext(ctx).
		Where("community_id = ? AND user_id = ? AND status <> ?", communityID, userID, enums.SubscriptionStatusCanceled).
		Order("created_at DESC").
		First(&sub).Error
	return foundMember(&sub, err)
}

func (r *repository) ListMembersByCommunity(ctx context.Context, communityID uuid.UUID) ([]models.MemberSubscription, error) {
	var rows []models.MemberSubscription
	err := r.db.WithContext(ctx).
		Where("community_id = ?", communityID).
		Order("created_at DESC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) ListMembersByUser(ctx context.Context, userID uuid.UUID) ([]models.MemberSubscription, error) {
	var rows []models.MemberSubscription
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) CancelOpenMember(ctx context.Context, communityID, userID uuid.UUID, keepProviderID string, at time.Time) ([]models.MemberSubscription, error) {
	var rows []models.MemberSubscription
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("community_id = ? AND user_id = ? AND status <> ? AND provider_subscription_id <> ?",
			communityID, userID, enums.SubscriptionStatusCanceled, keepProviderID).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(rows))
	for i := range rows {
		ids = append(ids, rows[i].ID)
	}
	err = r.db.WithContext(ctx).
		Model(&models.MemberSubscription{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":      enums.SubscriptionStatusCanceled,
			"canceled_at": at,
		}).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func foundPlatform(sub *models.PlatformSubscription, err error) (*models.PlatformSubscription, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

func foundMember(sub *models.MemberSubscription, err error) (*models.MemberSubscription, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}
