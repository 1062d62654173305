package merchants

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/internal/communities"
	dbpkg "github.com/angelmondragon/communitypay-backend/pkg/db"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox/payloads"
	pkgstripe "github.com/angelmondragon/communitypay-backend/pkg/stripe"
)

// Gateway is the provider surface the merchant manager needs.
type Gateway interface {
	CreateConnectedAccount(ctx context.Context, input pkgstripe.CreateAccountInput) (string, error)
	GetAccount(ctx context.Context, accountID string) (*pkgstripe.AccountState, error)
	CreateOnboardingLink(ctx context.Context, accountID, returnURL, refreshURL string) (string, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service manages connected merchant accounts.
type Service interface {
	BeginOnboarding(ctx context.Context, input BeginOnboardingInput) (*OnboardingResult, error)
	RefreshOnboardingLink(ctx context.Context, communityID uuid.UUID, returnURL, refreshURL string) (string, error)
	GetStatus(ctx context.Context, communityID uuid.UUID) (*AccountStatus, error)
	RefreshStatus(ctx context.Context, communityID uuid.UUID) (*models.MerchantAccount, error)
	ApplyAccountState(ctx context.Context, tx *gorm.DB, state *pkgstripe.AccountState, observedAt time.Time) (*models.MerchantAccount, error)
	Get(ctx context.Context, communityID uuid.UUID) (*models.MerchantAccount, error)
}

type ServiceParams struct {
	Repo        Repository
	Communities communities.Repository
	Gateway     Gateway
	DB          txRunner
	Outbox      outboxEmitter
	AccountType string
	Logger      *logger.Logger
}

type service struct {
	repo        Repository
	communities communities.Repository
	gateway     Gateway
	db          txRunner
	outbox      outboxEmitter
	accountType string
	logg        *logger.Logger
	now         func() time.Time
}

// BeginOnboardingInput carries the creator details for a new connected account.
// Email and country default to the community owner's contact.
type BeginOnboardingInput struct {
	CommunityID  uuid.UUID
	CreatorEmail string
	Country      string
	BusinessType string
	ReturnURL    string
	RefreshURL   string
}

// OnboardingResult is returned to the creator's browser.
type OnboardingResult struct {
	AccountID     string `json:"account_id"`
	OnboardingURL string `json:"onboarding_url"`
}

// Requirements lists outstanding provider verification items.
type Requirements struct {
	CurrentlyDue        []string `json:"currently_due"`
	PastDue             []string `json:"past_due"`
	PendingVerification []string `json:"pending_verification"`
}

// AccountStatus is the live provider view of a merchant account.
type AccountStatus struct {
	AccountID          string                   `json:"account_id"`
	ChargesEnabled     bool                     `json:"charges_enabled"`
	PayoutsEnabled     bool                     `json:"payouts_enabled"`
	VerificationStatus enums.VerificationStatus `json:"verification_status"`
	Requirements       Requirements             `json:"requirements"`
}

// NewService wires the merchant account manager.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("merchant repository required")
	}
	if params.Communities == nil {
		return nil, fmt.Errorf("community repository required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:        params.Repo,
		communities: params.Communities,
		gateway:     params.Gateway,
		db:          params.DB,
		outbox:      params.Outbox,
		accountType: params.AccountType,
		logg:        params.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// DeriveVerificationStatus collapses provider capability flags and
// requirement lists into the local verification status.
func DeriveVerificationStatus(state *pkgstripe.AccountState) enums.VerificationStatus {
	if state == nil {
		return enums.VerificationStatusPending
	}
	outstanding := len(state.CurrentlyDue) > 0 || len(state.PastDue) > 0
	switch {
	case outstanding:
		return enums.VerificationStatusRestricted
	case state.ChargesEnabled && state.PayoutsEnabled:
		return enums.VerificationStatusVerified
	default:
		return enums.VerificationStatusPending
	}
}

func (s *service) BeginOnboarding(ctx context.Context, input BeginOnboardingInput) (*OnboardingResult, error) {
	if input.CommunityID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "community id is required")
	}
	if strings.TrimSpace(input.ReturnURL) == "" || strings.TrimSpace(input.RefreshURL) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "return and refresh urls are required")
	}
	ctx = s.logg.WithCommunityID(ctx, input.CommunityID.String())

	account, err := s.repo.FindByCommunity(ctx, input.CommunityID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load merchant account")
	}
	if account.CanAcceptPayments() {
		return nil, pkgerrors.New(pkgerrors.CodeAlreadyOnboarded, "merchant account already verified").
			WithDetails(map[string]any{"account_id": account.ProviderAccountID})
	}
	if account == nil {
		account, err = s.createAccount(ctx, input)
		if err != nil {
			return nil, err
		}
	}

	url, err := s.gateway.CreateOnboardingLink(ctx, account.ProviderAccountID, input.ReturnURL, input.RefreshURL)
	if err != nil {
		return nil, err
	}
	account.OnboardingURL = &url
	if err := s.repo.Update(ctx, account); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store onboarding link")
	}

	s.logg.Info(s.logg.WithField(ctx, "account_id", account.ProviderAccountID), "merchant onboarding link issued")
	return &OnboardingResult{AccountID: account.ProviderAccountID, OnboardingURL: url}, nil
}

func (s *service) createAccount(ctx context.Context, input BeginOnboardingInput) (*models.MerchantAccount, error) {
	email := strings.TrimSpace(input.CreatorEmail)
	country := strings.TrimSpace(input.Country)
	if email == "" || country == "" {
		contact, err := s.communities.GetCreatorContact(ctx, input.CommunityID)
		if err != nil {
			return nil, err
		}
		if email == "" {
			email = contact.Email
		}
		if country == "" {
			country = contact.Country
		}
	} else if _, err := s.communities.FindByID(ctx, input.CommunityID); err != nil {
		return nil, err
	}

	// The key is stable per community, so a retry after a crash between the
	// provider call and the insert below gets the same account back.
	providerID, err := s.gateway.CreateConnectedAccount(ctx, pkgstripe.CreateAccountInput{
		CommunityID:    input.CommunityID.String(),
		Email:          email,
		Country:        country,
		BusinessType:   input.BusinessType,
		AccountType:    s.accountType,
		IdempotencyKey: "merchant-account:" + input.CommunityID.String(),
	})
	if err != nil {
		return nil, err
	}

	account := &models.MerchantAccount{
		CommunityID:        input.CommunityID,
		ProviderAccountID:  providerID,
		VerificationStatus: enums.VerificationStatusPending,
		RequirementsDue:    pq.StringArray{},
	}
	if err := s.repo.Create(ctx, account); err != nil {
		if dbpkg.IsUniqueViolation(err, "") {
			existing, findErr := s.repo.FindByCommunity(ctx, input.CommunityID)
			if findErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store merchant account")
	}
	s.logg.Info(s.logg.WithField(ctx, "account_id", providerID), "merchant account created")
	return account, nil
}

func (s *service) RefreshOnboardingLink(ctx context.Context, communityID uuid.UUID, returnURL, refreshURL string) (string, error) {
	if strings.TrimSpace(returnURL) == "" || strings.TrimSpace(refreshURL) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "return and refresh urls are required")
	}
	account, err := s.Get(ctx, communityID)
	if err != nil {
		return "", err
	}
	if account.CanAcceptPayments() {
		return "", pkgerrors.New(pkgerrors.CodeAlreadyOnboarded, "merchant account already verified").
			WithDetails(map[string]any{"account_id": account.ProviderAccountID})
	}
	return s.gateway.CreateOnboardingLink(ctx, account.ProviderAccountID, returnURL, refreshURL)
}

// GetStatus reads the account from the provider without persisting anything.
func (s *service) GetStatus(ctx context.Context, communityID uuid.UUID) (*AccountStatus, error) {
	account, err := s.Get(ctx, communityID)
	if err != nil {
		return nil, err
	}
	state, err := s.gateway.GetAccount(ctx, account.ProviderAccountID)
	if err != nil {
		return nil, err
	}
	return &AccountStatus{
		AccountID:          account.ProviderAccountID,
		ChargesEnabled:     state.ChargesEnabled,
		PayoutsEnabled:     state.PayoutsEnabled,
		VerificationStatus: DeriveVerificationStatus(state),
		Requirements: Requirements{
			CurrentlyDue:        nonNil(state.CurrentlyDue),
			PastDue:             nonNil(state.PastDue),
			PendingVerification: nonNil(state.PendingVerification),
		},
	}, nil
}

// RefreshStatus pulls the provider view and persists it.
func (s *service) RefreshStatus(ctx context.Context, communityID uuid.UUID) (*models.MerchantAccount, error) {
	account, err := s.Get(ctx, communityID)
	if err != nil {
		return nil, err
	}
	state, err := s.gateway.GetAccount(ctx, account.ProviderAccountID)
	if err != nil {
		return nil, err
	}
	observedAt := s.now()
	var updated *models.MerchantAccount
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var applyErr error
		updated, applyErr = s.ApplyAccountState(ctx, tx, state, observedAt)
		return applyErr
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ApplyAccountState writes provider account fields inside tx. observedAt is
// when the provider produced the state; a state older than the stored one is
// skipped and the stored row returned. Unknown accounts return nil without
// error.
func (s *service) ApplyAccountState(ctx context.Context, tx *gorm.DB, state *pkgstripe.AccountState, observedAt time.Time) (*models.MerchantAccount, error) {
	if state == nil || state.AccountID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account state is required")
	}
	repo := s.repo.WithTx(tx)
	account, err := repo.FindByProviderAccountID(ctx, state.AccountID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load merchant account")
	}
	if account == nil {
		s.logg.Warn(s.logg.WithField(ctx, "account_id", state.AccountID), "account state for unknown merchant ignored")
		return nil, nil
	}

	observedAt = observedAt.UTC()
	if account.StatusUpdatedAt != nil && observedAt.Before(*account.StatusUpdatedAt) {
		s.logg.Debug(s.logg.WithFields(ctx, map[string]any{
			"account_id":        state.AccountID,
			"observed_at":       observedAt,
			"status_updated_at": *account.StatusUpdatedAt,
		}), "stale account state skipped")
		return account, nil
	}

	previous := account.VerificationStatus
	changed := previous != DeriveVerificationStatus(state) ||
		account.ChargesEnabled != state.ChargesEnabled ||
		account.PayoutsEnabled != state.PayoutsEnabled

	now := s.now()
	account.ChargesEnabled = state.ChargesEnabled
	account.PayoutsEnabled = state.PayoutsEnabled
	account.VerificationStatus = DeriveVerificationStatus(state)
	account.OnboardingCompleted = state.DetailsSubmitted || account.VerificationStatus == enums.VerificationStatusVerified
	account.RequirementsDue = pq.StringArray(append(append([]string{}, state.CurrentlyDue...), state.PastDue...))
	account.LastSyncedAt = &now
	account.StatusUpdatedAt = &observedAt
	if err := repo.Update(ctx, account); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update merchant account")
	}

	if changed {
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventMerchantAccountUpdated,
			AggregateType: enums.AggregateMerchantAccount,
			AggregateID:   account.ID,
			Actor:         &outbox.ActorRef{CommunityID: &account.CommunityID},
			Data: payloads.MerchantAccountUpdatedEvent{
				MerchantAccountID:  account.ID,
				CommunityID:        account.CommunityID,
				ProviderAccountID:  account.ProviderAccountID,
				PreviousStatus:     previous,
				VerificationStatus: account.VerificationStatus,
				ChargesEnabled:     account.ChargesEnabled,
				PayoutsEnabled:     account.PayoutsEnabled,
			},
			OccurredAt: now,
		}); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit merchant account event")
		}
		logCtx := s.logg.WithCommunityID(ctx, account.CommunityID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"account_id":          account.ProviderAccountID,
			"previous_status":     previous,
			"verification_status": account.VerificationStatus,
		})
		s.logg.Info(logCtx, "merchant verification status changed")
	}
	return account, nil
}

func (s *service) Get(ctx context.Context, communityID uuid.UUID) (*models.MerchantAccount, error) {
	if communityID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "community id is required")
	}
	account, err := s.repo.FindByCommunity(ctx, communityID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load merchant account")
	}
	if account == nil {
		return nil, pkgerrors.New(pkgerrors.CodeAccountNotOnboarded, "community has no merchant account").
			WithDetails(map[string]any{"community_id": communityID})
	}
	return account, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
