package revenuesplits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/internal/communities"
	dbpkg "github.com/angelmondragon/communitypay-backend/pkg/db"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

var hundred = decimal.NewFromInt(100)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service manages per-community revenue splits.
type Service interface {
	SetSplit(ctx context.Context, communityID uuid.UUID, platformPercentage decimal.Decimal) (*models.RevenueSplit, error)
	GetActive(ctx context.Context, communityID uuid.UUID) (*models.RevenueSplit, error)
	ActiveAt(ctx context.Context, communityID uuid.UUID, at time.Time) (*models.RevenueSplit, error)
	History(ctx context.Context, communityID uuid.UUID) ([]models.RevenueSplit, error)
}

type ServiceParams struct {
	Repo              Repository
	Communities       communities.Repository
	DB                txRunner
	DefaultPercentage decimal.Decimal
	Logger            *logger.Logger
}

type service struct {
	repo        Repository
	communities communities.Repository
	db          txRunner
	defaultPct  decimal.Decimal
	logg        *logger.Logger
	now         func() time.Time
}

// NewService wires the revenue split service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("revenue split repository required")
	}
	if params.Communities == nil {
		return nil, fmt.Errorf("community lookup required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if err := ValidatePercentage(params.DefaultPercentage); err != nil {
		return nil, fmt.Errorf("default platform percentage: %w", err)
	}
	return &service{
		repo:        params.Repo,
		communities: params.Communities,
		db:          params.DB,
		defaultPct:  params.DefaultPercentage,
		logg:        params.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// ValidatePercentage accepts 0 through 100 with at most two decimal places.
func ValidatePercentage(pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return pkgerrors.New(pkgerrors.CodeValidation, "platform percentage must be between 0 and 100").
			WithDetails(map[string]any{"platform_percentage": pct.String()})
	}
	if !pct.Equal(pct.Round(2)) {
		return pkgerrors.New(pkgerrors.CodeValidation, "platform percentage allows at most two decimal places").
			WithDetails(map[string]any{"platform_percentage": pct.String()})
	}
	return nil
}

func (s *service) SetSplit(ctx context.Context, communityID uuid.UUID, platformPercentage decimal.Decimal) (*models.RevenueSplit, error) {
	if communityID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "community id is required")
	}
	if err := ValidatePercentage(platformPercentage); err != nil {
		return nil, err
	}

	var created *models.RevenueSplit
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		// Serializes concurrent writers for the same community.
		if _, err := s.communities.WithTx(tx).LockByID(ctx, communityID); err != nil {
			return err
		}
		now := s.now()
		repo := s.repo.WithTx(tx)
		if err := repo.DeactivateActive(ctx, communityID, now); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "deactivate revenue split")
		}
		pct := platformPercentage.Round(2)
		split := &models.RevenueSplit{
			CommunityID:        communityID,
			PlatformPercentage: pct,
			CreatorPercentage:  hundred.Sub(pct),
			IsActive:           true,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := repo.Create(ctx, split); err != nil {
			if dbpkg.IsUniqueViolation(err, "") {
				return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "revenue split changed concurrently")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create revenue split")
		}
		created = split
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithCommunityID(ctx, communityID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"revenue_split_id":    created.ID.String(),
			"platform_percentage": created.PlatformPercentage.String(),
		})
		s.logg.Info(logCtx, "revenue split activated")
	}
	return created, nil
}

// GetActive returns the active split, seeding the configured default for
// communities that never set one.
func (s *service) GetActive(ctx context.Context, communityID uuid.UUID) (*models.RevenueSplit, error) {
	if communityID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "community id is required")
	}
	split, err := s.repo.FindActive(ctx, communityID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load revenue split")
	}
	if split != nil {
		return split, nil
	}

	split, err = s.SetSplit(ctx, communityID, s.defaultPct)
	if err == nil {
		return split, nil
	}
	if !pkgerrors.IsCode(err, pkgerrors.CodeConflict) {
		return nil, err
	}
	// Another request seeded first.
	split, err = s.repo.FindActive(ctx, communityID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load revenue split")
	}
	if split == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "revenue split missing after seed")
	}
	return split, nil
}

func (s *service) ActiveAt(ctx context.Context, communityID uuid.UUID, at time.Time) (*models.RevenueSplit, error) {
	if communityID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "community id is required")
	}
	split, err := s.repo.FindActiveAt(ctx, communityID, at)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load historical revenue split")
	}
	if split != nil {
		return split, nil
	}
	// Nothing existed yet at that time; the first split ever set applies.
	history, err := s.repo.ListByCommunity(ctx, communityID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list revenue splits")
	}
	if len(history) > 0 {
		return &history[len(history)-1], nil
	}
	return s.GetActive(ctx, communityID)
}

func (s *service) History(ctx context.Context, communityID uuid.UUID) ([]models.RevenueSplit, error) {
	if communityID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "community id is required")
	}
	rows, err := s.repo.ListByCommunity(ctx, communityID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list revenue splits")
	}
	return rows, nil
}
