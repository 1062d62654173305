package subscriptions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox/payloads"
)

// CheckoutCompletion describes a finished hosted checkout.
type CheckoutCompletion struct {
	Tags                   CheckoutTags
	ProviderSubscriptionID string
	ProviderCustomerID     string
	// ProviderAccountID is the connected account that owns member
	// subscriptions. It is empty for platform subscriptions.
	ProviderAccountID  string
	PlatformPercentage decimal.Decimal
	RevenueSplitID     *uuid.UUID
	EventAt            time.Time
	ProviderEventID    string
}

// ProviderState is a subscription snapshot taken from a provider event.
type ProviderState struct {
	ProviderSubscriptionID string
	ProviderCustomerID     string
	ProviderAccountID      string
	Status                 enums.SubscriptionStatus
	CurrentPeriodEnd       *time.Time
	CanceledAt             *time.Time
	EventAt                time.Time
	ProviderEventID        string
	// Tags and the split fields let a subscription unknown locally be
	// created from its own metadata.
	Tags               *CheckoutTags
	PlatformPercentage *decimal.Decimal
	RevenueSplitID     *uuid.UUID
}

// Superseded identifies a provider subscription that was replaced locally and
// must be canceled at the provider once the transaction commits.
type Superseded struct {
	AccountID              string
	ProviderSubscriptionID string
}

// Outcome reports what a lifecycle call did.
type Outcome struct {
	Type       enums.SubscriptionType
	Member     *models.MemberSubscription
	Platform   *models.PlatformSubscription
	Created    bool
	Changed    bool
	Stale      bool
	Superseded []Superseded
}

// CompleteCheckout upserts the subscription created by a checkout. Any other
// open subscription of the same owner is canceled in the same transaction.
func (s *service) CompleteCheckout(ctx context.Context, tx *gorm.DB, c CheckoutCompletion) (*Outcome, error) {
	if c.ProviderSubscriptionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout has no subscription")
	}
	state := ProviderState{
		ProviderSubscriptionID: c.ProviderSubscriptionID,
		ProviderCustomerID:     c.ProviderCustomerID,
		ProviderAccountID:      c.ProviderAccountID,
		Status:                 InitialStatus(c.Tags.TrialDays),
		EventAt:                c.EventAt,
		ProviderEventID:        c.ProviderEventID,
		Tags:                   &c.Tags,
		RevenueSplitID:         c.RevenueSplitID,
	}
	pct := c.PlatformPercentage
	state.PlatformPercentage = &pct
	return s.ApplyProviderState(ctx, tx, state)
}

// ApplyProviderState moves a known subscription to the reported status, or
// creates it from metadata when it is unknown. Snapshots older than the last
// applied event are ignored and a canceled subscription stays canceled.
func (s *service) ApplyProviderState(ctx context.Context, tx *gorm.DB, state ProviderState) (*Outcome, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	if state.ProviderSubscriptionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider subscription id is required")
	}
	if !state.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid subscription status").
			WithDetails(map[string]any{"status": state.Status})
	}
	state.EventAt = state.EventAt.UTC()
	repo := s.repo.WithTx(tx)

	member, err := repo.FindMemberByProviderID(ctx, state.ProviderSubscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load member subscription")
	}
	if member != nil {
		return s.applyMember(ctx, tx, member, state)
	}
	platform, err := repo.FindPlatformByProviderID(ctx, state.ProviderSubscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load platform subscription")
	}
	if platform != nil {
		return s.applyPlatform(ctx, tx, platform, state)
	}

	if state.Tags == nil {
		return &Outcome{}, nil
	}
	switch state.Tags.Type {
	case enums.SubscriptionTypeMember:
		return s.createMember(ctx, tx, state)
	case enums.SubscriptionTypePlatform:
		return s.createPlatform(ctx, tx, state)
	}
	return &Outcome{}, nil
}

func (s *service) createMember(ctx context.Context, tx *gorm.DB, state ProviderState) (*Outcome, error) {
	tags := state.Tags
	if tags.UserID == nil || tags.PlanID == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "member subscription metadata requires user_id and plan_id")
	}
	if state.PlatformPercentage == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "platform percentage is required")
	}
	plan, err := s.plans.WithTx(tx).FindByID(ctx, tags.CommunityID, *tags.PlanID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found").
			WithDetails(map[string]any{"plan_id": tags.PlanID})
	}

	out := &Outcome{Type: enums.SubscriptionTypeMember, Created: true, Changed: true}
	repo := s.repo.WithTx(tx)
	if state.Status.IsOpen() {
		closed, err := repo.CancelOpenMember(ctx, tags.CommunityID, *tags.UserID, state.ProviderSubscriptionID, state.EventAt)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "supersede member subscriptions")
		}
		for i := range closed {
			prev := closed[i]
			prevStatus := prev.Status
			canceled := state.EventAt
			prev.Status = enums.SubscriptionStatusCanceled
			prev.CanceledAt = &canceled
			if err := s.emitMember(ctx, tx, &prev, prevStatus, state.ProviderEventID); err != nil {
				return nil, err
			}
			out.Superseded = append(out.Superseded, Superseded{
				AccountID:              state.ProviderAccountID,
				ProviderSubscriptionID: prev.ProviderSubscriptionID,
			})
		}
	}

	eventAt := state.EventAt
	sub := &models.MemberSubscription{
		CommunityID:            tags.CommunityID,
		UserID:                 *tags.UserID,
		PlanID:                 plan.ID,
		ProviderSubscriptionID: state.ProviderSubscriptionID,
		ProviderCustomerID:     optional(state.ProviderCustomerID),
		Status:                 state.Status,
		AmountCents:            plan.PriceCents,
		Currency:               plan.Currency,
		IntervalType:           plan.Interval,
		RevenueSplitID:         firstUUID(state.RevenueSplitID, tags.RevenueSplitID),
		PlatformPercentage:     *state.PlatformPercentage,
		CurrentPeriodEnd:       state.CurrentPeriodEnd,
		LastEventAt:            &eventAt,
	}
	if state.Status == enums.SubscriptionStatusCanceled {
		sub.CanceledAt = canceledAt(state)
	}
	if err := repo.CreateMember(ctx, sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create member subscription")
	}
	if err := s.emitMember(ctx, tx, sub, "", state.ProviderEventID); err != nil {
		return nil, err
	}
	out.Member = sub

	logCtx := s.logg.WithCommunityID(ctx, sub.CommunityID.String())
	logCtx = s.logg.WithUserID(logCtx, sub.UserID.String())
	s.logg.Info(s.logg.WithField(logCtx, "provider_subscription_id", sub.ProviderSubscriptionID), "member subscription created")
	return out, nil
}

func (s *service) createPlatform(ctx context.Context, tx *gorm.DB, state ProviderState) (*Outcome, error) {
	tags := state.Tags
	out := &Outcome{Type: enums.SubscriptionTypePlatform, Created: true, Changed: true}
	repo := s.repo.WithTx(tx)
	if state.Status.IsOpen() {
		closed, err := repo.CancelOpenPlatform(ctx, tags.CommunityID, state.ProviderSubscriptionID, state.EventAt)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "supersede platform subscriptions")
		}
		for i := range closed {
			prev := closed[i]
			prevStatus := prev.Status
			canceled := state.EventAt
			prev.Status = enums.SubscriptionStatusCanceled
			prev.CanceledAt = &canceled
			if err := s.emitPlatform(ctx, tx, &prev, prevStatus, state.ProviderEventID); err != nil {
				return nil, err
			}
			out.Superseded = append(out.Superseded, Superseded{ProviderSubscriptionID: prev.ProviderSubscriptionID})
		}
	}

	eventAt := state.EventAt
	sub := &models.PlatformSubscription{
		CommunityID:            tags.CommunityID,
		ProviderSubscriptionID: state.ProviderSubscriptionID,
		ProviderCustomerID:     optional(state.ProviderCustomerID),
		PlanID:                 tags.PlanID,
		Status:                 state.Status,
		CurrentPeriodEnd:       state.CurrentPeriodEnd,
		LastEventAt:            &eventAt,
	}
	if state.Status == enums.SubscriptionStatusCanceled {
		sub.CanceledAt = canceledAt(state)
	}
	if err := repo.CreatePlatform(ctx, sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create platform subscription")
	}
	if err := s.emitPlatform(ctx, tx, sub, "", state.ProviderEventID); err != nil {
		return nil, err
	}
	out.Platform = sub

	logCtx := s.logg.WithCommunityID(ctx, sub.CommunityID.String())
	s.logg.Info(s.logg.WithField(logCtx, "provider_subscription_id", sub.ProviderSubscriptionID), "platform subscription created")
	return out, nil
}

func (s *service) applyMember(ctx context.Context, tx *gorm.DB, sub *models.MemberSubscription, state ProviderState) (*Outcome, error) {
	out := &Outcome{Type: enums.SubscriptionTypeMember, Member: sub}
	backfilled := false
	if sub.ProviderCustomerID == nil && state.ProviderCustomerID != "" {
		sub.ProviderCustomerID = optional(state.ProviderCustomerID)
		backfilled = true
	}

	prev := sub.Status
	transition := decide(prev, sub.LastEventAt, state)
	out.Stale = transition.stale
	if transition.apply {
		sub.Status = transition.status
		if state.CurrentPeriodEnd != nil {
			sub.CurrentPeriodEnd = state.CurrentPeriodEnd
		}
		if sub.Status == enums.SubscriptionStatusCanceled && sub.CanceledAt == nil {
			sub.CanceledAt = canceledAt(state)
		}
		eventAt := state.EventAt
		sub.LastEventAt = &eventAt
	}
	if !transition.apply && !backfilled {
		return out, nil
	}
	if err := s.repo.WithTx(tx).SaveMember(ctx, sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update member subscription")
	}
	if transition.apply && prev != sub.Status {
		out.Changed = true
		if err := s.emitMember(ctx, tx, sub, prev, state.ProviderEventID); err != nil {
			return nil, err
		}
		logCtx := s.logg.WithCommunityID(ctx, sub.CommunityID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"subscription_id": sub.ID.String(),
			"previous_status": string(prev),
			"status":          string(sub.Status),
		})
		s.logg.Info(logCtx, "member subscription status changed")
	}
	return out, nil
}

func (s *service) applyPlatform(ctx context.Context, tx *gorm.DB, sub *models.PlatformSubscription, state ProviderState) (*Outcome, error) {
	out := &Outcome{Type: enums.SubscriptionTypePlatform, Platform: sub}
	backfilled := false
	if sub.ProviderCustomerID == nil && state.ProviderCustomerID != "" {
		sub.ProviderCustomerID = optional(state.ProviderCustomerID)
		backfilled = true
	}
	if sub.PlanID == nil && state.Tags != nil && state.Tags.PlanID != nil {
		sub.PlanID = state.Tags.PlanID
		backfilled = true
	}

	prev := sub.Status
	transition := decide(prev, sub.LastEventAt, state)
	out.Stale = transition.stale
	if transition.apply {
		sub.Status = transition.status
		if state.CurrentPeriodEnd != nil {
			sub.CurrentPeriodEnd = state.CurrentPeriodEnd
		}
		if sub.Status == enums.SubscriptionStatusCanceled && sub.CanceledAt == nil {
			sub.CanceledAt = canceledAt(state)
		}
		eventAt := state.EventAt
		sub.LastEventAt = &eventAt
	}
	if !transition.apply && !backfilled {
		return out, nil
	}
	if err := s.repo.WithTx(tx).SavePlatform(ctx, sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update platform subscription")
	}
	if transition.apply && prev != sub.Status {
		out.Changed = true
		if err := s.emitPlatform(ctx, tx, sub, prev, state.ProviderEventID); err != nil {
			return nil, err
		}
		logCtx := s.logg.WithCommunityID(ctx, sub.CommunityID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"subscription_id": sub.ID.String(),
			"previous_status": string(prev),
			"status":          string(sub.Status),
		})
		s.logg.Info(logCtx, "platform subscription status changed")
	}
	return out, nil
}

type transition struct {
	apply  bool
	stale  bool
	status enums.SubscriptionStatus
}

// decide orders snapshots by the provider's event time rather than arrival.
func decide(current enums.SubscriptionStatus, lastEventAt *time.Time, state ProviderState) transition {
	if lastEventAt != nil && state.EventAt.Before(*lastEventAt) {
		return transition{stale: true}
	}
	if current == enums.SubscriptionStatusCanceled && state.Status != enums.SubscriptionStatusCanceled {
		return transition{}
	}
	return transition{apply: true, status: state.Status}
}

// QueueCancellations stores the replaced subscriptions in tx so their
// provider cancellation outlives a failed call or a crash after commit.
func (s *service) QueueCancellations(ctx context.Context, tx *gorm.DB, superseded []Superseded) error {
	return s.canceler.Queue(ctx, tx, superseded)
}

// CancelSuperseded cancels replaced subscriptions at the provider. Failed
// calls stay queued for the retry job.
func (s *service) CancelSuperseded(ctx context.Context, superseded []Superseded) error {
	return s.canceler.Cancel(ctx, superseded)
}

func (s *service) emitMember(ctx context.Context, tx *gorm.DB, sub *models.MemberSubscription, prev enums.SubscriptionStatus, providerEventID string) error {
	userID := sub.UserID
	return s.emitStatus(ctx, tx, enums.AggregateMemberSubscription, payloads.SubscriptionStatusChangedEvent{
		SubscriptionID:         sub.ID,
		SubscriptionType:       enums.SubscriptionTypeMember,
		CommunityID:            sub.CommunityID,
		UserID:                 &userID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		PreviousStatus:         prev,
		Status:                 sub.Status,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
	}, providerEventID)
}

func (s *service) emitPlatform(ctx context.Context, tx *gorm.DB, sub *models.PlatformSubscription, prev enums.SubscriptionStatus, providerEventID string) error {
	return s.emitStatus(ctx, tx, enums.AggregatePlatformSubscription, payloads.SubscriptionStatusChangedEvent{
		SubscriptionID:         sub.ID,
		SubscriptionType:       enums.SubscriptionTypePlatform,
		CommunityID:            sub.CommunityID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		PreviousStatus:         prev,
		Status:                 sub.Status,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
	}, providerEventID)
}

func (s *service) emitStatus(ctx context.Context, tx *gorm.DB, aggregate enums.OutboxAggregateType, data payloads.SubscriptionStatusChangedEvent, providerEventID string) error {
	communityID := data.CommunityID
	err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventSubscriptionStatusChanged,
		AggregateType: aggregate,
		AggregateID:   data.SubscriptionID,
		Actor:         &outbox.ActorRef{UserID: data.UserID, CommunityID: &communityID, ProviderEventID: providerEventID},
		Data:          data,
		OccurredAt:    s.now(),
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit subscription event")
	}
	return nil
}

func canceledAt(state ProviderState) *time.Time {
	if state.CanceledAt != nil {
		at := state.CanceledAt.UTC()
		return &at
	}
	at := state.EventAt
	return &at
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func firstUUID(values ...*uuid.UUID) *uuid.UUID {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
