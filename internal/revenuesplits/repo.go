package revenuesplits

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
)

// Repository persists revenue split versions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, split *models.RevenueSplit) error
	DeactivateActive(ctx context.Context, communityID uuid.UUID, at time.Time) error
	FindActive(ctx context.Context, communityID uuid.UUID) (*models.RevenueSplit, error)
	FindActiveAt(ctx context.Context, communityID uuid.UUID, at time.Time) (*models.RevenueSplit, error)
	ListByCommunity(ctx context.Context, communityID uuid.UUID) ([]models.RevenueSplit, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a revenue split repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, split *models.RevenueSplit) error {
	return r.db.WithContext(ctx).Create(split).Error
}

func (r *repository) DeactivateActive(ctx context.Context, communityID uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.RevenueSplit{}).
		Where("community_id = ? AND is_active = ?", communityID, true).
		Updates(map[string]any{
			"is_active":  false,
			"updated_at": at,
		}).Error
}

func (r *repository) FindActive(ctx context.Context, communityID uuid.UUID) (*models.RevenueSplit, error) {
	var split models.RevenueSplit
	err := r.db.WithContext(ctx).
		Where("community_id = ? AND is_active = ?", communityID, true).
		First(&split).Error
	return found(&split, err)
}

// FindActiveAt returns the newest split created at or before at. Rows are
// immutable apart from is_active, so creation order is activation order.
func (r *repository) FindActiveAt(ctx context.Context, communityID uuid.UUID, at time.Time) (*models.RevenueSplit, error) {
	var split models.RevenueSplit
	err := r.db.WithContext(ctx).
		Where("community_id = ? AND created_at <= ?", communityID, at.UTC()).
		Order("created_at DESC").
		First(&split).Error
	return found(&split, err)
}

func (r *repository) ListByCommunity(ctx context.Context, communityID uuid.UUID) ([]models.RevenueSplit, error) {
	var rows []models.RevenueSplit
	if err := r.db.WithContext(ctx).
		Where("community_id = ?", communityID).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func found(split *models.RevenueSplit, err error) (*models.RevenueSplit, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return split, nil
}
