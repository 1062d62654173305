package subscriptions

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/internal/communities"
	"github.com/angelmondragon/communitypay-backend/internal/plans"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox"
	pkgstripe "github.com/angelmondragon/communitypay-backend/pkg/stripe"
)

// maxTrialDays is the longest trial the provider accepts.
const maxTrialDays = 730

// Gateway is the provider surface used to start and stop subscriptions.
type Gateway interface {
	CreateCustomer(ctx context.Context, input pkgstripe.CustomerInput) (string, error)
	CreateCheckoutSession(ctx context.Context, input pkgstripe.CheckoutInput) (*pkgstripe.CheckoutSession, error)
	CancelSubscription(ctx context.Context, accountID, subscriptionID string) error
}

type communityLookup interface {
	GetCreatorContact(ctx context.Context, id uuid.UUID) (*communities.CreatorContact, error)
}

type merchantLookup interface {
	Get(ctx context.Context, communityID uuid.UUID) (*models.MerchantAccount, error)
}

type splitLookup interface {
	GetActive(ctx context.Context, communityID uuid.UUID) (*models.RevenueSplit, error)
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service starts platform and member subscriptions, answers subscription
// queries and applies provider lifecycle changes.
type Service interface {
	SubscribeCommunityToPlatform(ctx context.Context, input PlatformCheckoutInput) (*pkgstripe.CheckoutSession, error)
	SubscribeMember(ctx context.Context, input MemberCheckoutInput) (*pkgstripe.CheckoutSession, error)
	GetPlatformSubscription(ctx context.Context, communityID uuid.UUID) (*models.PlatformSubscription, error)
	ListMemberSubscriptions(ctx context.Context, communityID uuid.UUID) ([]models.MemberSubscription, error)
	ListUserSubscriptions(ctx context.Context, userID uuid.UUID) ([]models.MemberSubscription, error)

	CompleteCheckout(ctx context.Context, tx *gorm.DB, completion CheckoutCompletion) (*Outcome, error)
	ApplyProviderState(ctx context.Context, tx *gorm.DB, state ProviderState) (*Outcome, error)
	FindMember(ctx context.Context, providerSubscriptionID string) (*models.MemberSubscription, error)
	QueueCancellations(ctx context.Context, tx *gorm.DB, superseded []Superseded) error
	CancelSuperseded(ctx context.Context, superseded []Superseded) error
}

// ServiceParams groups dependencies for the subscription service.
type ServiceParams struct {
	Repo          Repository
	Customers     CustomerRepository
	Cancellations CancellationRepository
	Communities   communityLookup
	Merchants     merchantLookup
	Plans         plans.Repository
	Splits        splitLookup
	Gateway       Gateway
	Outbox        outboxEmitter
	PublicBaseURL string
	Logger        *logger.Logger
}

// PlatformCheckoutInput starts the platform to creator subscription.
type PlatformCheckoutInput struct {
	CommunityID     uuid.UUID
	PlatformPlanID  uuid.UUID
	TrialDays       int64
	ReplaceExisting bool
}

// MemberCheckoutInput starts a member subscription to a community plan.
type MemberCheckoutInput struct {
	CommunityID     uuid.UUID
	UserID          uuid.UUID
	Email           string
	PlanID          uuid.UUID
	TrialDays       int64
	ReplaceExisting bool
}

type service struct {
	repo          Repository
	customers     CustomerRepository
	communities   communityLookup
	merchants     merchantLookup
	plans         plans.Repository
	splits        splitLookup
	gateway       Gateway
	canceler      *Canceler
	outbox        outboxEmitter
	publicBaseURL string
	logg          *logger.Logger
	now           func() time.Time
}

// NewService builds a subscription service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("subscription repository required")
	}
	if params.Customers == nil {
		return nil, fmt.Errorf("customer repository required")
	}
	if params.Communities == nil {
		return nil, fmt.Errorf("community lookup required")
	}
	if params.Merchants == nil {
		return nil, fmt.Errorf("merchant lookup required")
	}
	if params.Plans == nil {
		return nil, fmt.Errorf("plan repository required")
	}
	if params.Splits == nil {
		return nil, fmt.Errorf("revenue split lookup required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if strings.TrimSpace(params.PublicBaseURL) == "" {
		return nil, fmt.Errorf("public base url required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	canceler, err := NewCanceler(CancelerParams{
		Repo:    params.Cancellations,
		Gateway: params.Gateway,
		Logger:  params.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &service{
		repo:          params.Repo,
		customers:     params.Customers,
		communities:   params.Communities,
		merchants:     params.Merchants,
		plans:         params.Plans,
		splits:        params.Splits,
		gateway:       params.Gateway,
		canceler:      canceler,
		outbox:        params.Outbox,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(params.PublicBaseURL), "/"),
		logg:          params.Logger,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// SubscribeCommunityToPlatform opens a platform checkout billed to the
// community's creator. Status changes arrive later through webhooks.
func (s *service) SubscribeCommunityToPlatform(ctx context.Context, input PlatformCheckoutInput) (*pkgstripe.CheckoutSession, error) {
	if input.CommunityID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "community id is required")
	}
	if err := validateTrialDays(input.TrialDays); err != nil {
		return nil, err
	}

	contact, err := s.communities.GetCreatorContact(ctx, input.CommunityID)
	if err != nil {
		return nil, err
	}
	plan, err := s.plans.FindPlatformPlan(ctx, input.PlatformPlanID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load platform plan")
	}
	if plan == nil || !plan.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "platform plan not found")
	}

	if !input.ReplaceExisting {
		open, err := s.repo.FindOpenPlatform(ctx, input.CommunityID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load platform subscription")
		}
		if open != nil {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "community already has a platform subscription").
				WithDetails(map[string]any{"status": open.Status})
		}
	}

	tags := CheckoutTags{
		CommunityID: input.CommunityID,
		Type:        enums.SubscriptionTypePlatform,
		PlanID:      &plan.ID,
		TrialDays:   input.TrialDays,
	}
	customerID, err := s.resolveCustomer(ctx, customerRequest{
		CommunityID: input.CommunityID,
		UserID:      contact.ID,
		Email:       contact.Email,
		Metadata:    map[string]string{MetaCommunityID: input.CommunityID.String()},
	})
	if err != nil {
		return nil, err
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, pkgstripe.CheckoutInput{
		CustomerID: customerID,
		PriceID:    plan.ProviderPriceID,
		TrialDays:  input.TrialDays,
		Metadata:   tags.Metadata(),
		SuccessURL: s.checkoutURL(input.CommunityID, "success"),
		CancelURL:  s.checkoutURL(input.CommunityID, "canceled"),
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithCommunityID(ctx, input.CommunityID.String())
	s.logg.Info(s.logg.WithField(logCtx, "checkout_session_id", session.ID), "platform checkout opened")
	return session, nil
}

// SubscribeMember opens a checkout on the community's connected account. The
// active revenue split is captured in the checkout so later changes do not
// affect this subscription.
func (s *service) SubscribeMember(ctx context.Context, input MemberCheckoutInput) (*pkgstripe.CheckoutSession, error) {
	if input.CommunityID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "community id is required")
	}
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if err := validateTrialDays(input.TrialDays); err != nil {
		return nil, err
	}

	merchant, err := s.merchants.Get(ctx, input.CommunityID)
	if err != nil {
		return nil, err
	}
	if !merchant.CanAcceptPayments() {
		return nil, pkgerrors.New(pkgerrors.CodeAccountNotOnboarded, "community cannot accept payments yet").
			WithDetails(map[string]any{"verification_status": merchant.VerificationStatus})
	}

	plan, err := s.plans.FindByID(ctx, input.CommunityID, input.PlanID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	if plan == nil || !plan.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
	}
	if !plan.IsSynced() {
		return nil, pkgerrors.New(pkgerrors.CodePlanNotSynced, "plan not available for purchase").
			WithDetails(map[string]any{"plan_id": plan.ID})
	}

	if !input.ReplaceExisting {
		open, err := s.repo.FindOpenMember(ctx, input.CommunityID, input.UserID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load member subscription")
		}
		if open != nil {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "member already has an open subscription").
				WithDetails(map[string]any{"subscription_id": open.ID, "status": open.Status})
		}
	}

	split, err := s.splits.GetActive(ctx, input.CommunityID)
	if err != nil {
		return nil, err
	}

	pct := split.PlatformPercentage
	tags := CheckoutTags{
		CommunityID:        input.CommunityID,
		Type:               enums.SubscriptionTypeMember,
		UserID:             &input.UserID,
		PlanID:             &plan.ID,
		PlatformPercentage: &pct,
		RevenueSplitID:     &split.ID,
		TrialDays:          input.TrialDays,
	}
	customerID, err := s.resolveCustomer(ctx, customerRequest{
		CommunityID:       input.CommunityID,
		UserID:            input.UserID,
		ProviderAccountID: merchant.ProviderAccountID,
		Email:             strings.TrimSpace(input.Email),
		Metadata: map[string]string{
			MetaCommunityID: input.CommunityID.String(),
			MetaUserID:      input.UserID.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	fee := feePercent(pct)
	session, err := s.gateway.CreateCheckoutSession(ctx, pkgstripe.CheckoutInput{
		AccountID:             merchant.ProviderAccountID,
		CustomerID:            customerID,
		PriceID:               *plan.ProviderPriceID,
		TrialDays:             input.TrialDays,
		ApplicationFeePercent: &fee,
		Metadata:              tags.Metadata(),
		SuccessURL:            s.checkoutURL(input.CommunityID, "success"),
		CancelURL:             s.checkoutURL(input.CommunityID, "canceled"),
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithCommunityID(ctx, input.CommunityID.String())
	logCtx = s.logg.WithUserID(logCtx, input.UserID.String())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"checkout_session_id": session.ID,
		"plan_id":             plan.ID.String(),
		"platform_percentage": pct.StringFixed(2),
	})
	s.logg.Info(logCtx, "member checkout opened")
	return session, nil
}

func (s *service) GetPlatformSubscription(ctx context.Context, communityID uuid.UUID) (*models.PlatformSubscription, error) {
	if communityID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "community id is required")
	}
	sub, err := s.repo.FindOpenPlatform(ctx, communityID)
	if err == nil && sub == nil {
		sub, err = s.repo.FindLatestPlatform(ctx, communityID)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load platform subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeSubscriptionNotFound, "platform subscription not found")
	}
	return sub, nil
}

func (s *service) ListMemberSubscriptions(ctx context.Context, communityID uuid.UUID) ([]models.MemberSubscription, error) {
	if communityID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "community id is required")
	}
	rows, err := s.repo.ListMembersByCommunity(ctx, communityID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list member subscriptions")
	}
	return rows, nil
}

func (s *service) ListUserSubscriptions(ctx context.Context, userID uuid.UUID) ([]models.MemberSubscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	rows, err := s.repo.ListMembersByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list user subscriptions")
	}
	return rows, nil
}

func (s *service) FindMember(ctx context.Context, providerSubscriptionID string) (*models.MemberSubscription, error) {
	sub, err := s.repo.FindMemberByProviderID(ctx, providerSubscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load member subscription")
	}
	return sub, nil
}

// checkoutURL keeps the provider's session placeholder unescaped.
func (s *service) checkoutURL(communityID uuid.UUID, outcome string) string {
	base := fmt.Sprintf("%s/communities/%s/billing?checkout=%s", s.publicBaseURL, url.PathEscape(communityID.String()), outcome)
	if outcome == "success" {
		base += "&session_id={CHECKOUT_SESSION_ID}"
	}
	return base
}

func validateTrialDays(days int64) error {
	if days < 0 || days > maxTrialDays {
		return pkgerrors.New(pkgerrors.CodeValidation, "trial days must be between 0 and 730").
			WithDetails(map[string]any{"trial_days": days})
	}
	return nil
}

func feePercent(pct decimal.Decimal) float64 {
	f, _ := pct.Round(2).Float64()
	return f
}
