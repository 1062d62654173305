package stripewebhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/internal/ledger"
	"github.com/angelmondragon/communitypay-backend/internal/subscriptions"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	"github.com/angelmondragon/communitypay-backend/pkg/metrics"
	pkgstripe "github.com/angelmondragon/communitypay-backend/pkg/stripe"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type subscriptionLifecycle interface {
	CompleteCheckout(ctx context.Context, tx *gorm.DB, completion subscriptions.CheckoutCompletion) (*subscriptions.Outcome, error)
	ApplyProviderState(ctx context.Context, tx *gorm.DB, state subscriptions.ProviderState) (*subscriptions.Outcome, error)
	FindMember(ctx context.Context, providerSubscriptionID string) (*models.MemberSubscription, error)
	QueueCancellations(ctx context.Context, tx *gorm.DB, superseded []subscriptions.Superseded) error
	CancelSuperseded(ctx context.Context, superseded []subscriptions.Superseded) error
}

type paymentLedger interface {
	RecordTransaction(ctx context.Context, tx *gorm.DB, input ledger.RecordTransactionInput) (*models.PaymentTransaction, bool, error)
	MarkRefunded(ctx context.Context, tx *gorm.DB, paymentID string, refundedAt time.Time) (*models.PaymentTransaction, error)
}

type merchantStates interface {
	ApplyAccountState(ctx context.Context, tx *gorm.DB, state *pkgstripe.AccountState, observedAt time.Time) (*models.MerchantAccount, error)
}

type splitHistory interface {
	ActiveAt(ctx context.Context, communityID uuid.UUID, at time.Time) (*models.RevenueSplit, error)
}

type inflightGuard interface {
	Claim(ctx context.Context, eventID, eventType string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type webhookMetrics interface {
	IncWebhookEvent(eventType, outcome string)
}

type ServiceParams struct {
	Secrets       []string
	Guard         inflightGuard
	Ledger        EventLedger
	DB            txRunner
	Subscriptions subscriptionLifecycle
	Payments      paymentLedger
	Merchants     merchantStates
	Splits        splitHistory
	Metrics       webhookMetrics
	Logger        *logger.Logger
}

// Service verifies provider webhooks and applies them at most once.
type Service struct {
	secrets   []string
	guard     inflightGuard
	ledger    EventLedger
	db        txRunner
	subs      subscriptionLifecycle
	payments  paymentLedger
	merchants merchantStates
	splits    splitHistory
	metrics   webhookMetrics
	logg      *logger.Logger
	now       func() time.Time
}

// Result summarizes one delivery.
type Result struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Outcome   string `json:"outcome"`
}

// applyFunc runs inside the ledger transaction and returns provider
// subscriptions to cancel. They are queued in the same transaction and
// canceled once it commits.
type applyFunc func(ctx context.Context, tx *gorm.DB) ([]subscriptions.Superseded, error)

func NewService(params ServiceParams) (*Service, error) {
	secrets := make([]string, 0, len(params.Secrets))
	for _, secret := range params.Secrets {
		if s := strings.TrimSpace(secret); s != "" {
			secrets = append(secrets, s)
		}
	}
	if len(secrets) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "webhook signing secret required")
	}
	if params.Guard == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "idempotency guard required")
	}
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "event ledger required")
	}
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Subscriptions == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription service required")
	}
	if params.Payments == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment ledger required")
	}
	if params.Merchants == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "merchant service required")
	}
	if params.Splits == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "revenue split service required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	counter := params.Metrics
	if counter == nil {
		counter = (*metrics.BillingMetrics)(nil)
	}
	return &Service{
		secrets:   secrets,
		guard:     params.Guard,
		ledger:    params.Ledger,
		db:        params.DB,
		subs:      params.Subscriptions,
		payments:  params.Payments,
		merchants: params.Merchants,
		splits:    params.Splits,
		metrics:   counter,
		logg:      params.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// HandlePayload verifies the raw delivery and applies it.
func (s *Service) HandlePayload(ctx context.Context, payload []byte, signature string) (*Result, error) {
	event, err := s.Verify(payload, signature)
	if err != nil {
		s.metrics.IncWebhookEvent("unknown", metrics.WebhookRejected)
		s.logg.Warn(ctx, "webhook signature rejected")
		return nil, err
	}
	return s.HandleEvent(ctx, event, payload)
}

// Verify checks the signature against every configured secret. The platform
// and connected-account endpoints are signed with different secrets.
func (s *Service) Verify(payload []byte, signature string) (*stripe.Event, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidSignature, "webhook signature missing")
	}
	var lastErr error
	for _, secret := range s.secrets {
		event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err == nil {
			return &event, nil
		}
		lastErr = err
	}
	return nil, pkgerrors.Wrap(pkgerrors.CodeInvalidSignature, lastErr, "webhook signature verification failed")
}

// HandleEvent applies a verified event. The event id is written to the
// durable ledger in the same transaction as every state change it causes.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event, payload []byte) (*Result, error) {
	if event == nil || event.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event id required")
	}
	eventType := string(event.Type)
	result := &Result{EventID: event.ID, EventType: eventType}
	ctx = s.logg.WithEvent(ctx, event.ID, eventType)

	claimed, err := s.guard.Claim(ctx, event.ID, eventType)
	if err != nil {
		// The durable ledger still deduplicates when the guard is down.
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "delivery guard unavailable")
		claimed = true
	}
	if !claimed {
		result.Outcome = metrics.WebhookDuplicate
		s.metrics.IncWebhookEvent(eventType, result.Outcome)
		s.logg.Debug(ctx, "duplicate delivery skipped")
		return result, nil
	}

	apply, err := s.prepare(ctx, event)
	if err != nil {
		return nil, s.fail(ctx, event, err)
	}
	if apply == nil {
		result.Outcome = metrics.WebhookIgnored
		s.metrics.IncWebhookEvent(eventType, result.Outcome)
		s.logg.Info(ctx, "webhook event ignored")
		return result, nil
	}

	superseded, duplicate, err := s.commit(ctx, event, payload, apply)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		// A missing plan never reappears, so redelivery cannot succeed. The
		// event is recorded without its effects and acknowledged.
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "webhook target missing, event recorded as ignored")
		_, duplicate, err = s.commit(ctx, event, payload, nil)
		if err == nil && !duplicate {
			result.Outcome = metrics.WebhookIgnored
			s.metrics.IncWebhookEvent(eventType, result.Outcome)
			return result, nil
		}
	}
	if err != nil {
		return nil, s.fail(ctx, event, err)
	}
	if duplicate {
		result.Outcome = metrics.WebhookDuplicate
		s.metrics.IncWebhookEvent(eventType, result.Outcome)
		s.logg.Debug(ctx, "event already in ledger")
		return result, nil
	}

	// Failed cancellations stay queued for the retry job.
	if len(superseded) > 0 {
		if err := s.subs.CancelSuperseded(ctx, superseded); err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "provider cancellation deferred to retry")
		}
	}

	result.Outcome = metrics.WebhookProcessed
	s.metrics.IncWebhookEvent(eventType, result.Outcome)
	s.logg.Info(ctx, "webhook event processed")
	return result, nil
}

// commit records the event in the ledger and runs apply in one transaction.
// A nil apply records the event alone. duplicate reports an event the ledger
// already holds, in which case nothing is applied.
func (s *Service) commit(ctx context.Context, event *stripe.Event, payload []byte, apply applyFunc) (superseded []subscriptions.Superseded, duplicate bool, err error) {
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		recorded, err := s.ledger.WithTx(tx).Record(ctx, &models.WebhookEvent{
			ProviderEventID: event.ID,
			EventType:       string(event.Type),
			PayloadDigest:   digest(payload),
			EventCreatedAt:  eventTime(event),
			ProcessedAt:     s.now(),
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record webhook event")
		}
		if !recorded {
			duplicate = true
			return nil
		}
		if apply == nil {
			return nil
		}
		superseded, err = apply(ctx, tx)
		if err != nil {
			return err
		}
		return s.subs.QueueCancellations(ctx, tx, superseded)
	})
	if err != nil {
		return nil, false, err
	}
	return superseded, duplicate, nil
}

// fail releases the delivery claim so the provider's redelivery is applied.
func (s *Service) fail(ctx context.Context, event *stripe.Event, err error) error {
	if relErr := s.guard.Release(ctx, event.ID); relErr != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", relErr.Error()), "release delivery claim")
	}
	s.metrics.IncWebhookEvent(string(event.Type), metrics.WebhookFailed)
	s.logg.Error(ctx, "webhook event failed", err)
	return err
}

// prepare decodes the event and resolves everything that needs reads outside
// the transaction. A nil applyFunc means the event is ignored.
func (s *Service) prepare(ctx context.Context, event *stripe.Event) (applyFunc, error) {
	if event.Data == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event data required")
	}
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		return s.prepareCheckout(ctx, event)
	case stripe.EventTypeCustomerSubscriptionCreated,
		stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionDeleted:
		return s.prepareSubscription(ctx, event)
	case stripe.EventTypeInvoicePaid,
		stripe.EventTypeInvoicePaymentSucceeded,
		stripe.EventTypeInvoicePaymentFailed:
		return s.prepareInvoice(ctx, event)
	case stripe.EventTypeAccountUpdated:
		return s.prepareAccount(event)
	case stripe.EventTypeChargeRefunded:
		return s.prepareRefund(event)
	}
	return nil, nil
}

func (s *Service) prepareCheckout(ctx context.Context, event *stripe.Event) (applyFunc, error) {
	var session checkoutSessionObject
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode checkout session")
	}
	if session.Mode != "subscription" || session.Subscription == "" {
		return nil, nil
	}
	tags, err := subscriptions.ParseTags(session.Metadata)
	if err != nil {
		s.logg.Debug(s.logg.WithField(ctx, "reason", err.Error()), "checkout not created by this service")
		return nil, nil
	}

	at := eventTime(event)
	completion := subscriptions.CheckoutCompletion{
		Tags:                   *tags,
		ProviderSubscriptionID: string(session.Subscription),
		ProviderCustomerID:     string(session.Customer),
		ProviderAccountID:      event.Account,
		EventAt:                at,
		ProviderEventID:        event.ID,
	}
	if tags.Type == enums.SubscriptionTypeMember {
		pct, splitID, err := s.resolveSplit(ctx, tags, at)
		if err != nil {
			return nil, err
		}
		completion.PlatformPercentage = pct
		completion.RevenueSplitID = splitID
	}

	paid := session.PaymentStatus == "paid" && session.AmountTotal > 0
	return func(ctx context.Context, tx *gorm.DB) ([]subscriptions.Superseded, error) {
		out, err := s.subs.CompleteCheckout(ctx, tx, completion)
		if err != nil {
			return nil, err
		}
		if paid && out.Member != nil {
			reference := string(session.Invoice)
			if reference == "" {
				reference = session.ID
			}
			if err := s.recordPayment(ctx, tx, out.Member, payment{
				amountCents: session.AmountTotal,
				currency:    session.Currency,
				reference:   reference,
				paymentID:   string(session.PaymentIntent),
				at:          at,
				eventID:     event.ID,
			}); err != nil {
				return nil, err
			}
		}
		return out.Superseded, nil
	}, nil
}

func (s *Service) prepareSubscription(ctx context.Context, event *stripe.Event) (applyFunc, error) {
	var sub subscriptionObject
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode subscription")
	}
	if sub.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id missing")
	}
	status, err := enums.SubscriptionStatusFromProvider(sub.Status)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "provider_status", sub.Status), "unmapped subscription status")
		return nil, nil
	}
	if event.Type == stripe.EventTypeCustomerSubscriptionDeleted {
		status = enums.SubscriptionStatusCanceled
	}

	at := eventTime(event)
	state := subscriptions.ProviderState{
		ProviderSubscriptionID: sub.ID,
		ProviderCustomerID:     string(sub.Customer),
		ProviderAccountID:      event.Account,
		Status:                 status,
		CurrentPeriodEnd:       sub.periodEnd(),
		CanceledAt:             unixPtr(sub.CanceledAt),
		EventAt:                at,
		ProviderEventID:        event.ID,
	}
	if tags, err := subscriptions.ParseTags(sub.Metadata); err == nil {
		state.Tags = tags
		if tags.Type == enums.SubscriptionTypeMember {
			pct, splitID, err := s.resolveSplit(ctx, tags, at)
			if err != nil {
				return nil, err
			}
			state.PlatformPercentage = &pct
			state.RevenueSplitID = splitID
		}
	}

	return func(ctx context.Context, tx *gorm.DB) ([]subscriptions.Superseded, error) {
		out, err := s.subs.ApplyProviderState(ctx, tx, state)
		if err != nil {
			return nil, err
		}
		return out.Superseded, nil
	}, nil
}

func (s *Service) prepareInvoice(ctx context.Context, event *stripe.Event) (applyFunc, error) {
	var inv invoiceObject
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode invoice")
	}
	subID := inv.subscriptionID()
	if subID == "" {
		return nil, nil
	}

	at := eventTime(event)
	state := subscriptions.ProviderState{
		ProviderSubscriptionID: subID,
		ProviderCustomerID:     string(inv.Customer),
		ProviderAccountID:      event.Account,
		CurrentPeriodEnd:       inv.periodEnd(),
		EventAt:                at,
		ProviderEventID:        event.ID,
	}
	failed := event.Type == stripe.EventTypeInvoicePaymentFailed
	paid := !failed && inv.AmountPaid > 0
	switch {
	case failed:
		state.Status = enums.SubscriptionStatusPastDue
	case paid:
		state.Status = enums.SubscriptionStatusActive
	default:
		// Zero-amount invoices open trials and change nothing locally.
		return nil, nil
	}

	tags, tagErr := subscriptions.ParseTags(inv.metadata())
	if tagErr == nil {
		state.Tags = tags
	}
	// Renewals are split with the percentage stored on the subscription.
	member, err := s.subs.FindMember(ctx, subID)
	if err != nil {
		return nil, err
	}
	switch {
	case member != nil:
		pct := member.PlatformPercentage
		state.PlatformPercentage = &pct
		state.RevenueSplitID = member.RevenueSplitID
	case state.Tags != nil && state.Tags.Type == enums.SubscriptionTypeMember:
		pct, splitID, err := s.resolveSplit(ctx, state.Tags, at)
		if err != nil {
			return nil, err
		}
		state.PlatformPercentage = &pct
		state.RevenueSplitID = splitID
	}

	return func(ctx context.Context, tx *gorm.DB) ([]subscriptions.Superseded, error) {
		out, err := s.subs.ApplyProviderState(ctx, tx, state)
		if err != nil {
			return nil, err
		}
		if paid && out.Member != nil {
			if err := s.recordPayment(ctx, tx, out.Member, payment{
				amountCents:    inv.AmountPaid,
				currency:       inv.Currency,
				reference:      inv.ID,
				paymentID:      inv.paymentID(),
				at:             at,
				eventID:        event.ID,
				pct:            state.PlatformPercentage,
				revenueSplitID: state.RevenueSplitID,
			}); err != nil {
				return nil, err
			}
		}
		return out.Superseded, nil
	}, nil
}

func (s *Service) prepareAccount(event *stripe.Event) (applyFunc, error) {
	var acct stripe.Account
	if err := json.Unmarshal(event.Data.Raw, &acct); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode account")
	}
	state := pkgstripe.AccountStateFromStripe(&acct)
	if state == nil || state.AccountID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id missing")
	}
	at := eventTime(event)
	return func(ctx context.Context, tx *gorm.DB) ([]subscriptions.Superseded, error) {
		_, err := s.merchants.ApplyAccountState(ctx, tx, state, at)
		return nil, err
	}, nil
}

// prepareRefund handles full refunds only. A partially refunded payment keeps
// its succeeded status and original amounts.
func (s *Service) prepareRefund(event *stripe.Event) (applyFunc, error) {
	var charge chargeObject
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode charge")
	}
	if !charge.Refunded {
		return nil, nil
	}
	at := eventTime(event)
	// Payments first recorded from a checkout session are keyed by invoice
	// until the invoice event supplies the payment intent.
	candidates := []string{string(charge.PaymentIntent), string(charge.Invoice), charge.ID}
	return func(ctx context.Context, tx *gorm.DB) ([]subscriptions.Superseded, error) {
		for _, id := range candidates {
			if id == "" {
				continue
			}
			row, err := s.payments.MarkRefunded(ctx, tx, id, at)
			if err != nil {
				return nil, err
			}
			if row != nil {
				return nil, nil
			}
		}
		return nil, nil
	}, nil
}

type payment struct {
	amountCents    int64
	currency       string
	reference      string
	paymentID      string
	at             time.Time
	eventID        string
	pct            *decimal.Decimal
	revenueSplitID *uuid.UUID
}

func (s *Service) recordPayment(ctx context.Context, tx *gorm.DB, sub *models.MemberSubscription, p payment) error {
	pct := sub.PlatformPercentage
	if p.pct != nil {
		pct = *p.pct
	}
	splitID := sub.RevenueSplitID
	if p.revenueSplitID != nil {
		splitID = p.revenueSplitID
	}
	currency := p.currency
	if currency == "" {
		currency = sub.Currency
	}
	subID := sub.ID
	userID := sub.UserID
	_, _, err := s.payments.RecordTransaction(ctx, tx, ledger.RecordTransactionInput{
		CommunityID:          sub.CommunityID,
		MemberSubscriptionID: &subID,
		UserID:               &userID,
		RevenueSplitID:       splitID,
		AmountCents:          p.amountCents,
		PlatformPercentage:   pct,
		Currency:             currency,
		ProviderReference:    p.reference,
		ProviderPaymentID:    p.paymentID,
		OccurredAt:           p.at,
		ProviderEventID:      p.eventID,
	})
	return err
}

// resolveSplit prefers the percentage captured at checkout and falls back to
// the split that was active when the event happened.
func (s *Service) resolveSplit(ctx context.Context, tags *subscriptions.CheckoutTags, at time.Time) (decimal.Decimal, *uuid.UUID, error) {
	if tags.PlatformPercentage != nil {
		return *tags.PlatformPercentage, tags.RevenueSplitID, nil
	}
	split, err := s.splits.ActiveAt(ctx, tags.CommunityID, at)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return split.PlatformPercentage, &split.ID, nil
}

func eventTime(event *stripe.Event) time.Time {
	if event.Created > 0 {
		return time.Unix(event.Created, 0).UTC()
	}
	return time.Now().UTC()
}

func digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// String is used in log lines.
func (r Result) String() string {
	return fmt.Sprintf("%s %s %s", r.EventID, r.EventType, r.Outcome)
}
