package plans

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
)

// Repository persists member and platform plans.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, plan *models.SubscriptionPlan) error
	UpdateProviderIDs(ctx context.Context, plan *models.SubscriptionPlan) error
	FindByID(ctx context.Context, communityID, planID uuid.UUID) (*models.SubscriptionPlan, error)
	ListByCommunity(ctx context.Context, communityID uuid.UUID, activeOnly bool) ([]models.SubscriptionPlan, error)
	ListUnsynced(ctx context.Context, communityID uuid.UUID) ([]models.SubscriptionPlan, error)
	ListCommunitiesWithUnsynced(ctx context.Context, communityIDs []uuid.UUID) ([]uuid.UUID, error)
	FindPlatformPlan(ctx context.Context, planID uuid.UUID) (*models.PlatformPlan, error)
	FindPlatformPlanByPriceID(ctx context.Context, priceID string) (*models.PlatformPlan, error)
	ListPlatformPlans(ctx context.Context) ([]models.PlatformPlan, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a plan repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, plan *models.SubscriptionPlan) error {
	return r.db.WithContext(ctx).Create(plan).Error
}

// UpdateProviderIDs writes only the provider identifiers so a concurrent
// edit of the plan's display fields is not clobbered.
func (r *repository) UpdateProviderIDs(ctx context.Context, plan *models.SubscriptionPlan) error {
	return r.db.WithContext(ctx).
		Model(&models.SubscriptionPlan{}).
		Where("id = ?", plan.ID).
		Updates(map[string]any{
			"provider_product_id": plan.ProviderProductID,
			"provider_price_id":   plan.ProviderPriceID,
		}).Error
}

func (r *repository) FindByID(ctx context.Context, communityID, planID uuid.UUID) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	err := r.db.WithContext(ctx).
		Where("id = ? AND community_id = ?", planID, communityID).
		First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repository) ListByCommunity(ctx context.Context, communityID uuid.UUID, activeOnly bool) ([]models.SubscriptionPlan, error) {
	query := r.db.WithContext(ctx).Where("community_id = ?", communityID)
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	var rows []models.SubscriptionPlan
	if err := query.Order("price_cents ASC").Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListUnsynced(ctx context.Context, communityID uuid.UUID) ([]models.SubscriptionPlan, error) {
	var rows []models.SubscriptionPlan
	if err := r.db.WithContext(ctx).
		Where("community_id = ? AND is_active = ?", communityID, true).
		Where(unsyncedCondition).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListCommunitiesWithUnsynced narrows the candidate communities to those that
// still have active plans without provider identifiers.
func (r *repository) ListCommunitiesWithUnsynced(ctx context.Context, communityIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(communityIDs) == 0 {
		return nil, nil
	}
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).
		Model(&models.SubscriptionPlan{}).
		Distinct("community_id").
		Where("community_id IN ? AND is_active = ?", communityIDs, true).
		Where(unsyncedCondition).
		Pluck("community_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repository) FindPlatformPlan(ctx context.Context, planID uuid.UUID) (*models.PlatformPlan, error) {
	var plan models.PlatformPlan
	err := r.db.WithContext(ctx).Where("id = ?", planID).First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repository) FindPlatformPlanByPriceID(ctx context.Context, priceID string) (*models.PlatformPlan, error) {
	if priceID == "" {
		return nil, nil
	}
	var plan models.PlatformPlan
	err := r.db.WithContext(ctx).Where("provider_price_id = ?", priceID).First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repository) ListPlatformPlans(ctx context.Context) ([]models.PlatformPlan, error) {
	var rows []models.PlatformPlan
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("price_cents ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

const unsyncedCondition = "(provider_price_id IS NULL OR provider_price_id = '' OR provider_product_id IS NULL OR provider_product_id = '')"
