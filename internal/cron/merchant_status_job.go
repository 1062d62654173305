package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

const defaultMerchantRefreshLimit = 200

// MerchantStatusJobParams configures the merchant status refresh job.
type MerchantStatusJobParams struct {
	Logger    *logger.Logger
	Accounts  pendingMerchantLister
	Refresher merchantStatusRefresher
	Limit     int
}

type pendingMerchantLister interface {
	ListNotVerified(ctx context.Context, limit int) ([]models.MerchantAccount, error)
}

type merchantStatusRefresher interface {
	RefreshStatus(ctx context.Context, communityID uuid.UUID) (*models.MerchantAccount, error)
}

// NewMerchantStatusJob polls the provider for every merchant account that is
// not yet verified, covering account.updated events that never arrived.
func NewMerchantStatusJob(params MerchantStatusJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Accounts == nil {
		return nil, fmt.Errorf("merchant repository required")
	}
	if params.Refresher == nil {
		return nil, fmt.Errorf("merchant service required")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultMerchantRefreshLimit
	}
	return &merchantStatusJob{
		logg:      params.Logger,
		accounts:  params.Accounts,
		refresher: params.Refresher,
		limit:     limit,
	}, nil
}

type merchantStatusJob struct {
	logg      *logger.Logger
	accounts  pendingMerchantLister
	refresher merchantStatusRefresher
	limit     int
}

func (j *merchantStatusJob) Name() string { return "merchant-status-refresh" }

func (j *merchantStatusJob) Run(ctx context.Context) error {
	pending, err := j.accounts.ListNotVerified(ctx, j.limit)
	if err != nil {
		return fmt.Errorf("list pending merchants: %w", err)
	}

	var errs error
	verified := 0
	for _, account := range pending {
		accountCtx := j.logg.WithCommunityID(ctx, account.CommunityID.String())
		updated, err := j.refresher.RefreshStatus(accountCtx, account.CommunityID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("community %s: %w", account.CommunityID, err))
			continue
		}
		if updated.CanAcceptPayments() {
			verified++
			j.logg.Info(j.logg.WithField(accountCtx, "account_id", updated.ProviderAccountID), "merchant account verified by refresh")
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"candidates":    len(pending),
		"newly_enabled": verified,
		"failures":      len(multierr.Errors(errs)),
	}), "merchant status refresh complete")
	return errs
}
