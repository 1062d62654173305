package cron

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/communitypay-backend/internal/plans"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

const defaultPlanSyncPageSize = 500

// PlanSyncJobParams configures the plan sync retry job.
type PlanSyncJobParams struct {
	Logger    *logger.Logger
	Merchants verifiedMerchantLister
	Plans     unsyncedPlanFinder
	Syncer    planSyncer
	PageSize  int
}

type verifiedMerchantLister interface {
	ListVerified(ctx context.Context, after uuid.UUID, limit int) ([]models.MerchantAccount, error)
}

type unsyncedPlanFinder interface {
	ListCommunitiesWithUnsynced(ctx context.Context, communityIDs []uuid.UUID) ([]uuid.UUID, error)
}

type planSyncer interface {
	SyncPlans(ctx context.Context, input plans.SyncPlansInput) ([]plans.SyncResult, error)
}

// NewPlanSyncJob retries plan synchronization for verified communities that
// still have plans without provider prices.
func NewPlanSyncJob(params PlanSyncJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Merchants == nil {
		return nil, fmt.Errorf("merchant repository required")
	}
	if params.Plans == nil {
		return nil, fmt.Errorf("plan repository required")
	}
	if params.Syncer == nil {
		return nil, fmt.Errorf("plan service required")
	}
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = defaultPlanSyncPageSize
	}
	return &planSyncJob{
		logg:      params.Logger,
		merchants: params.Merchants,
		plans:     params.Plans,
		syncer:    params.Syncer,
		pageSize:  pageSize,
	}, nil
}

type planSyncJob struct {
	logg      *logger.Logger
	merchants verifiedMerchantLister
	plans     unsyncedPlanFinder
	syncer    planSyncer
	pageSize  int
}

func (j *planSyncJob) Name() string { return "plan-sync-retry" }

// Run walks every verified merchant page by page so no community is starved
// once the verified set outgrows one page.
func (j *planSyncJob) Run(ctx context.Context) error {
	var (
		errs        error
		after       uuid.UUID
		communities int
		synced      int
	)
	for {
		accounts, err := j.merchants.ListVerified(ctx, after, j.pageSize)
		if err != nil {
			return multierr.Append(errs, fmt.Errorf("list verified merchants: %w", err))
		}
		if len(accounts) == 0 {
			break
		}
		pending, n, err := j.syncPage(ctx, accounts)
		communities += pending
		synced += n
		errs = multierr.Append(errs, err)
		if len(accounts) < j.pageSize {
			break
		}
		after = accounts[len(accounts)-1].ID
	}

	if communities > 0 || errs != nil {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"communities":  communities,
			"plans_synced": synced,
			"failures":     len(multierr.Errors(errs)),
		}), "plan sync retry complete")
	}
	return errs
}

// syncPage retries the communities in accounts that still have unsynced
// plans. It returns how many communities were retried and plans synced.
func (j *planSyncJob) syncPage(ctx context.Context, accounts []models.MerchantAccount) (int, int, error) {
	ids := make([]uuid.UUID, 0, len(accounts))
	for _, account := range accounts {
		ids = append(ids, account.CommunityID)
	}
	pending, err := j.plans.ListCommunitiesWithUnsynced(ctx, ids)
	if err != nil {
		return 0, 0, fmt.Errorf("list communities with unsynced plans: %w", err)
	}

	var errs error
	synced := 0
	for _, communityID := range pending {
		communityCtx := j.logg.WithCommunityID(ctx, communityID.String())
		results, err := j.syncer.SyncPlans(communityCtx, plans.SyncPlansInput{CommunityID: communityID})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("community %s: %w", communityID, err))
			continue
		}
		for _, result := range results {
			switch {
			case result.Synced:
				synced++
			case result.Error != "":
				errs = multierr.Append(errs, fmt.Errorf("community %s plan %s: %w", communityID, result.Plan.ID, errors.New(result.Error)))
			}
		}
	}
	return len(pending), synced, errs
}
