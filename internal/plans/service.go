package plans

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/multierr"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	"github.com/angelmondragon/communitypay-backend/pkg/metrics"
	pkgstripe "github.com/angelmondragon/communitypay-backend/pkg/stripe"
)

// Gateway creates catalog objects on a connected account.
type Gateway interface {
	CreateProduct(ctx context.Context, input pkgstripe.ProductInput) (string, error)
	CreatePrice(ctx context.Context, input pkgstripe.PriceInput) (string, error)
}

type merchantLookup interface {
	Get(ctx context.Context, communityID uuid.UUID) (*models.MerchantAccount, error)
}

type syncMetrics interface {
	IncPlanSync(outcome string)
}

// Service manages subscription plans and their provider catalog entries.
type Service interface {
	CreatePlan(ctx context.Context, input CreatePlanInput) (*models.SubscriptionPlan, error)
	ListPlans(ctx context.Context, communityID uuid.UUID, activeOnly bool) ([]models.SubscriptionPlan, error)
	GetPlan(ctx context.Context, communityID, planID uuid.UUID) (*models.SubscriptionPlan, error)
	ListPlatformPlans(ctx context.Context) ([]models.PlatformPlan, error)
	GetPlatformPlan(ctx context.Context, planID uuid.UUID) (*models.PlatformPlan, error)
	SyncPlans(ctx context.Context, input SyncPlansInput) ([]SyncResult, error)
}

type ServiceParams struct {
	Repo      Repository
	Merchants merchantLookup
	Gateway   Gateway
	Metrics   syncMetrics
	Logger    *logger.Logger
}

type service struct {
	repo      Repository
	merchants merchantLookup
	gateway   Gateway
	metrics   syncMetrics
	logg      *logger.Logger
}

// CreatePlanInput describes a new member plan.
type CreatePlanInput struct {
	CommunityID uuid.UUID
	Name        string
	Description string
	PriceCents  int64
	Currency    string
	Interval    enums.BillingInterval
	Features    []string
}

// SyncPlansInput selects the plans to push to the provider. An empty PlanIDs
// means every active plan of the community. MerchantAccountID, when set, must
// match the community's connected account.
type SyncPlansInput struct {
	CommunityID       uuid.UUID
	MerchantAccountID string
	PlanIDs           []uuid.UUID
}

// SyncResult reports the outcome for one plan.
type SyncResult struct {
	Plan    models.SubscriptionPlan `json:"plan"`
	Synced  bool                    `json:"synced"`
	Skipped bool                    `json:"skipped"`
	Error   string                  `json:"error,omitempty"`
}

// NewService wires the plan synchronizer.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("plan repository required")
	}
	if params.Merchants == nil {
		return nil, fmt.Errorf("merchant lookup required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	syncCounter := params.Metrics
	if syncCounter == nil {
		syncCounter = (*metrics.BillingMetrics)(nil)
	}
	return &service{
		repo:      params.Repo,
		merchants: params.Merchants,
		gateway:   params.Gateway,
		metrics:   syncCounter,
		logg:      params.Logger,
	}, nil
}

func (s *service) CreatePlan(ctx context.Context, input CreatePlanInput) (*models.SubscriptionPlan, error) {
	if input.CommunityID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "community id is required")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan name is required")
	}
	if input.PriceCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan price must be positive")
	}
	if !input.Interval.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid billing interval").
			WithDetails(map[string]any{"interval": input.Interval})
	}
	currency := enums.CurrencyUSD
	if strings.TrimSpace(input.Currency) != "" {
		parsed, err := enums.ParseCurrency(input.Currency)
		if err != nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "unsupported currency").
				WithDetails(map[string]any{"currency": input.Currency})
		}
		currency = parsed
	}

	plan := &models.SubscriptionPlan{
		CommunityID: input.CommunityID,
		Name:        name,
		PriceCents:  input.PriceCents,
		Currency:    currency.String(),
		Interval:    input.Interval,
		Features:    pq.StringArray(append([]string{}, input.Features...)),
		IsActive:    true,
	}
	if desc := strings.TrimSpace(input.Description); desc != "" {
		plan.Description = &desc
	}
	if err := s.repo.Create(ctx, plan); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create plan")
	}
	return plan, nil
}

func (s *service) ListPlans(ctx context.Context, communityID uuid.UUID, activeOnly bool) ([]models.SubscriptionPlan, error) {
	if communityID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "community id is required")
	}
	rows, err := s.repo.ListByCommunity(ctx, communityID, activeOnly)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list plans")
	}
	return rows, nil
}

func (s *service) GetPlan(ctx context.Context, communityID, planID uuid.UUID) (*models.SubscriptionPlan, error) {
	plan, err := s.repo.FindByID(ctx, communityID, planID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
	}
	return plan, nil
}

func (s *service) ListPlatformPlans(ctx context.Context) ([]models.PlatformPlan, error) {
	rows, err := s.repo.ListPlatformPlans(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list platform plans")
	}
	return rows, nil
}

func (s *service) GetPlatformPlan(ctx context.Context, planID uuid.UUID) (*models.PlatformPlan, error) {
	plan, err := s.repo.FindPlatformPlan(ctx, planID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load platform plan")
	}
	if plan == nil || !plan.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "platform plan not found")
	}
	return plan, nil
}

// SyncPlans creates a product and price for every selected plan that lacks
// them. Plans are independent: one failure leaves that plan unsynced and the
// loop continues.
func (s *service) SyncPlans(ctx context.Context, input SyncPlansInput) ([]SyncResult, error) {
	if input.CommunityID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "community id is required")
	}
	ctx = s.logg.WithCommunityID(ctx, input.CommunityID.String())

	merchant, err := s.merchants.Get(ctx, input.CommunityID)
	if err != nil {
		return nil, err
	}
	if input.MerchantAccountID != "" && input.MerchantAccountID != merchant.ProviderAccountID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "merchant account does not belong to community")
	}

	candidates, err := s.selectPlans(ctx, input)
	if err != nil {
		return nil, err
	}

	results := make([]SyncResult, 0, len(candidates))
	var failures error
	for i := range candidates {
		plan := candidates[i]
		if plan.IsSynced() {
			s.metrics.IncPlanSync(metrics.PlanSkipped)
			results = append(results, SyncResult{Plan: plan, Skipped: true})
			continue
		}
		if err := s.syncOne(ctx, merchant.ProviderAccountID, &plan); err != nil {
			failures = multierr.Append(failures, fmt.Errorf("plan %s: %w", plan.ID, err))
			s.metrics.IncPlanSync(metrics.PlanFailed)
			results = append(results, SyncResult{Plan: plan, Error: publicMessage(err)})
			continue
		}
		s.metrics.IncPlanSync(metrics.PlanSynced)
		results = append(results, SyncResult{Plan: plan, Synced: true})
	}

	if failures != nil {
		logCtx := s.logg.WithField(ctx, "failed_plans", len(multierr.Errors(failures)))
		s.logg.Warn(s.logg.WithField(logCtx, "error", failures.Error()), "plan sync finished with failures")
	}
	return results, nil
}

func (s *service) selectPlans(ctx context.Context, input SyncPlansInput) ([]models.SubscriptionPlan, error) {
	rows, err := s.repo.ListByCommunity(ctx, input.CommunityID, true)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list plans")
	}
	if len(input.PlanIDs) == 0 {
		return rows, nil
	}
	byID := make(map[uuid.UUID]models.SubscriptionPlan, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	selected := make([]models.SubscriptionPlan, 0, len(input.PlanIDs))
	for _, id := range input.PlanIDs {
		plan, ok := byID[id]
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found").
				WithDetails(map[string]any{"plan_id": id})
		}
		selected = append(selected, plan)
	}
	return selected, nil
}

// syncOne persists the product id before creating the price so a failed price
// call does not orphan a second product on retry.
func (s *service) syncOne(ctx context.Context, accountID string, plan *models.SubscriptionPlan) error {
	metadata := map[string]string{
		"community_id": plan.CommunityID.String(),
		"plan_id":      plan.ID.String(),
	}
	if plan.ProviderProductID == nil || *plan.ProviderProductID == "" {
		description := ""
		if plan.Description != nil {
			description = *plan.Description
		}
		productID, err := s.gateway.CreateProduct(ctx, pkgstripe.ProductInput{
			AccountID:      accountID,
			Name:           plan.Name,
			Description:    description,
			Metadata:       metadata,
			IdempotencyKey: "plan-product:" + plan.ID.String(),
		})
		if err != nil {
			return err
		}
		plan.ProviderProductID = &productID
		if err := s.repo.UpdateProviderIDs(ctx, plan); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store product id")
		}
	}

	priceID, err := s.gateway.CreatePrice(ctx, pkgstripe.PriceInput{
		AccountID:      accountID,
		ProductID:      *plan.ProviderProductID,
		UnitAmount:     plan.PriceCents,
		Currency:       plan.Currency,
		Interval:       plan.Interval.String(),
		Metadata:       metadata,
		IdempotencyKey: "plan-price:" + plan.ID.String() + ":" + strconv.FormatInt(plan.PriceCents, 10) + ":" + plan.Interval.String(),
	})
	if err != nil {
		return err
	}
	plan.ProviderPriceID = &priceID
	if err := s.repo.UpdateProviderIDs(ctx, plan); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store price id")
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"plan_id":    plan.ID.String(),
		"product_id": *plan.ProviderProductID,
		"price_id":   priceID,
	})
	s.logg.Info(logCtx, "plan synced")
	return nil
}

func publicMessage(err error) string {
	if typed := pkgerrors.As(err); typed != nil {
		return pkgerrors.MetadataFor(typed.Code()).PublicMessage
	}
	return pkgerrors.MetadataFor(pkgerrors.CodeInternal).PublicMessage
}
