package stripewebhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/internal/communities"
	"github.com/angelmondragon/communitypay-backend/internal/ledger"
	"github.com/angelmondragon/communitypay-backend/internal/merchants"
	"github.com/angelmondragon/communitypay-backend/internal/plans"
	"github.com/angelmondragon/communitypay-backend/internal/revenuesplits"
	"github.com/angelmondragon/communitypay-backend/internal/subscriptions"
	"github.com/angelmondragon/communitypay-backend/internal/testdb"
	dbpkg "github.com/angelmondragon/communitypay-backend/pkg/db"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	"github.com/angelmondragon/communitypay-backend/pkg/metrics"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox"
	pkgstripe "github.com/angelmondragon/communitypay-backend/pkg/stripe"
)

const (
	platformSecret = "whsec_platform"
	connectSecret  = "whsec_connect"
)

type fixture struct {
	conn     *gorm.DB
	svc      *Service
	store    *inMemoryStore
	metrics  *recordingMetrics
	cancels  *cancelGateway
	canceler *subscriptions.Canceler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := testdb.Open(t)
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	client := dbpkg.FromConn(conn)
	emitter := outbox.NewService(outbox.NewRepository(conn), nil)
	communityRepo := communities.NewRepository(conn)

	splits, err := revenuesplits.NewService(revenuesplits.ServiceParams{
		Repo:              revenuesplits.NewRepository(conn),
		Communities:       communityRepo,
		DB:                client,
		DefaultPercentage: decimal.NewFromInt(10),
		Logger:            logg,
	})
	require.NoError(t, err)
	merchantSvc, err := merchants.NewService(merchants.ServiceParams{
		Repo:        merchants.NewRepository(conn),
		Communities: communityRepo,
		Gateway:     offlineGateway{},
		DB:          client,
		Outbox:      emitter,
		Logger:      logg,
	})
	require.NoError(t, err)
	cancels := &cancelGateway{}
	payments, err := ledger.NewService(ledger.ServiceParams{
		Repo:   ledger.NewRepository(conn),
		DB:     client,
		Outbox: emitter,
		Logger: logg,
	})
	require.NoError(t, err)
	subsSvc, err := subscriptions.NewService(subscriptions.ServiceParams{
		Repo:          subscriptions.NewRepository(conn),
		Customers:     subscriptions.NewCustomerRepository(conn),
		Cancellations: subscriptions.NewCancellationRepository(conn),
		Communities:   communityRepo,
		Merchants:     merchantSvc,
		Plans:         plans.NewRepository(conn),
		Splits:        splits,
		Gateway:       cancels,
		Outbox:        emitter,
		PublicBaseURL: "https://app.example.com",
		Logger:        logg,
	})
	require.NoError(t, err)

	store := newInMemoryStore()
	guard, err := NewDeliveryGuard(store, time.Hour, "stripe-webhook")
	require.NoError(t, err)
	recorder := &recordingMetrics{counts: map[string]int{}}
	canceler, err := subscriptions.NewCanceler(subscriptions.CancelerParams{
		Repo:    subscriptions.NewCancellationRepository(conn),
		Gateway: cancels,
		Logger:  logg,
	})
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		Secrets:       []string{platformSecret, " ", connectSecret},
		Guard:         guard,
		Ledger:        NewEventLedger(conn),
		DB:            client,
		Subscriptions: subsSvc,
		Payments:      payments,
		Merchants:     merchantSvc,
		Splits:        splits,
		Metrics:       recorder,
		Logger:        logg,
	})
	require.NoError(t, err)
	return &fixture{conn: conn, svc: svc, store: store, metrics: recorder, cancels: cancels, canceler: canceler}
}

type memberSetup struct {
	community *models.Community
	merchant  *models.MerchantAccount
	plan      *models.SubscriptionPlan
	split     *models.RevenueSplit
	userID    uuid.UUID
}

func (f *fixture) seedMember(t *testing.T) memberSetup {
	t.Helper()
	community := testdb.SeedCommunity(t, f.conn)
	return memberSetup{
		community: community,
		merchant:  testdb.SeedMerchant(t, f.conn, community.ID, enums.VerificationStatusVerified),
		plan:      testdb.SeedPlan(t, f.conn, community.ID, 2500, "price_"+uuid.NewString()[:6]),
		split:     testdb.SeedSplit(t, f.conn, community.ID, "20", time.Now().Add(-24*time.Hour)),
		userID:    uuid.New(),
	}
}

func (m memberSetup) tags() map[string]string {
	userID := m.userID
	planID := m.plan.ID
	return subscriptions.CheckoutTags{
		CommunityID: m.community.ID,
		Type:        enums.SubscriptionTypeMember,
		UserID:      &userID,
		PlanID:      &planID,
	}.Metadata()
}

func (f *fixture) deliver(t *testing.T, secret string, event delivery) (*Result, error) {
	t.Helper()
	payload, header := event.sign(t, secret)
	return f.svc.HandlePayload(context.Background(), payload, header)
}

func (f *fixture) member(t *testing.T, providerID string) *models.MemberSubscription {
	t.Helper()
	var sub models.MemberSubscription
	require.NoError(t, f.conn.Where("provider_subscription_id = ?", providerID).First(&sub).Error)
	return &sub
}

func (f *fixture) payments(t *testing.T, communityID uuid.UUID) []models.PaymentTransaction {
	t.Helper()
	var rows []models.PaymentTransaction
	require.NoError(t, f.conn.Where("community_id = ?", communityID).Order("occurred_at ASC").Find(&rows).Error)
	return rows
}

func (f *fixture) ledgerCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.conn.Model(&models.WebhookEvent{}).Count(&n).Error)
	return n
}

func checkoutCompleted(id string, m memberSetup, subID string, created time.Time) delivery {
	return delivery{
		id:      id,
		typ:     stripe.EventTypeCheckoutSessionCompleted,
		account: m.merchant.ProviderAccountID,
		created: created,
		object: map[string]any{
			"id":             "cs_" + id,
			"object":         "checkout.session",
			"mode":           "subscription",
			"status":         "complete",
			"payment_status": "paid",
			"customer":       "cus_member",
			"subscription":   subID,
			"invoice":        "in_first_" + id,
			"amount_total":   2500,
			"currency":       "usd",
			"metadata":       m.tags(),
		},
	}
}

func TestCheckoutCompletionCreatesMemberAndRecordsPayment(t *testing.T) {
	f := newFixture(t)
	m := f.seedMember(t)
	at := time.Now().Add(-time.Minute)

	res, err := f.deliver(t, connectSecret, checkoutCompleted("evt_checkout", m, "sub_member", at))
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookProcessed, res.Outcome)

	sub := f.member(t, "sub_member")
	assert.Equal(t, enums.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, m.userID, sub.UserID)
	assert.True(t, sub.PlatformPercentage.Equal(decimal.NewFromInt(20)))
	require.NotNil(t, sub.RevenueSplitID)
	assert.Equal(t, m.split.ID, *sub.RevenueSplitID)

	rows := f.payments(t, m.community.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2500), rows[0].AmountCents)
	assert.Equal(t, int64(500), rows[0].PlatformAmountCents)
	assert.Equal(t, int64(2000), rows[0].CreatorAmountCents)
	assert.Equal(t, "in_first_evt_checkout", rows[0].ProviderReference)
	assert.Nil(t, rows[0].ProviderPaymentID)
	assert.Equal(t, int64(1), f.ledgerCount(t))
	assert.Equal(t, 1, f.metrics.get(string(stripe.EventTypeCheckoutSessionCompleted), metrics.WebhookProcessed))
}

func TestRedeliveryIsAppliedOnce(t *testing.T) {
	f := newFixture(t)
	m := f.seedMember(t)
	event := checkoutCompleted("evt_dupe", m, "sub_dupe", time.Now().Add(-time.Minute))

	_, err := f.deliver(t, connectSecret, event)
	require.NoError(t, err)

	res, err := f.deliver(t, connectSecret, event)
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookDuplicate, res.Outcome)

	// With the in-flight keys gone the durable ledger still rejects the event.
	f.store.clear()
	res, err = f.deliver(t, connectSecret, event)
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookDuplicate, res.Outcome)

	assert.Len(t, f.payments(t, m.community.ID), 1)
	assert.Equal(t, int64(1), f.ledgerCount(t))
	assert.Equal(t, 2, f.metrics.get(string(stripe.EventTypeCheckoutSessionCompleted), metrics.WebhookDuplicate))
}

func TestSignatureVerification(t *testing.T) {
	f := newFixture(t)
	event := delivery{id: "evt_sig", typ: "product.created", created: time.Now(), object: map[string]any{"id": "prod_1"}}

	_, err := f.deliver(t, "whsec_other", event)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidSignature))

	payload, _ := event.sign(t, platformSecret)
	_, err = f.svc.HandlePayload(context.Background(), payload, "")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidSignature))
	assert.Equal(t, 2, f.metrics.get("unknown", metrics.WebhookRejected))

	for _, secret := range []string{platformSecret, connectSecret} {
		f.store.clear()
		res, err := f.deliver(t, secret, event)
		require.NoError(t, err, secret)
		assert.Equal(t, metrics.WebhookIgnored, res.Outcome)
	}
	assert.Zero(t, f.ledgerCount(t))
}

func TestInvoiceEventsDriveRenewalsAndDunning(t *testing.T) {
	f := newFixture(t)
	m := f.seedMember(t)
	start := time.Now().Add(-time.Hour)
	_, err := f.deliver(t, connectSecret, checkoutCompleted("evt_start", m, "sub_renew", start))
	require.NoError(t, err)

	// A later split change does not reprice the existing subscription.
	testdb.SeedSplit(t, f.conn, m.community.ID, "30", start.Add(5*time.Minute))

	failed := invoiceDelivery("evt_failed", m, "sub_renew", "in_failed", 0, stripe.EventTypeInvoicePaymentFailed, start.Add(10*time.Minute))
	_, err = f.deliver(t, connectSecret, failed)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusPastDue, f.member(t, "sub_renew").Status)

	paid := invoiceDelivery("evt_paid", m, "sub_renew", "in_renewal", 2500, stripe.EventTypeInvoicePaid, start.Add(20*time.Minute))
	_, err = f.deliver(t, connectSecret, paid)
	require.NoError(t, err)

	sub := f.member(t, "sub_renew")
	assert.Equal(t, enums.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.CurrentPeriodEnd)

	rows := f.payments(t, m.community.ID)
	require.Len(t, rows, 2)
	renewal := rows[1]
	assert.Equal(t, "in_renewal", renewal.ProviderReference)
	assert.True(t, renewal.PlatformPercentage.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, int64(500), renewal.PlatformAmountCents)
	require.NotNil(t, renewal.ProviderPaymentID)
	assert.Equal(t, "pi_in_renewal", *renewal.ProviderPaymentID)
}

func TestZeroAmountInvoiceIsIgnored(t *testing.T) {
	f := newFixture(t)
	m := f.seedMember(t)
	res, err := f.deliver(t, connectSecret, invoiceDelivery("evt_trial", m, "sub_trial", "in_trial", 0, stripe.EventTypeInvoicePaid, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookIgnored, res.Outcome)
	assert.Empty(t, f.payments(t, m.community.ID))
}

func TestSubscriptionEvents(t *testing.T) {
	f := newFixture(t)
	m := f.seedMember(t)
	base := time.Now().Add(-time.Hour)

	created := subscriptionDelivery("evt_sub_created", m, "sub_lifecycle", "trialing", stripe.EventTypeCustomerSubscriptionCreated, base)
	_, err := f.deliver(t, connectSecret, created)
	require.NoError(t, err)
	sub := f.member(t, "sub_lifecycle")
	assert.Equal(t, enums.SubscriptionStatusTrialing, sub.Status)
	assert.True(t, sub.PlatformPercentage.Equal(decimal.NewFromInt(20)))

	deleted := subscriptionDelivery("evt_sub_deleted", m, "sub_lifecycle", "active", stripe.EventTypeCustomerSubscriptionDeleted, base.Add(time.Minute))
	_, err = f.deliver(t, connectSecret, deleted)
	require.NoError(t, err)
	sub = f.member(t, "sub_lifecycle")
	assert.Equal(t, enums.SubscriptionStatusCanceled, sub.Status)
	assert.NotNil(t, sub.CanceledAt)

	// An update sent before the deletion arrives late and changes nothing.
	late := subscriptionDelivery("evt_sub_late", m, "sub_lifecycle", "active", stripe.EventTypeCustomerSubscriptionUpdated, base.Add(30*time.Second))
	res, err := f.deliver(t, connectSecret, late)
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookProcessed, res.Outcome)
	assert.Equal(t, enums.SubscriptionStatusCanceled, f.member(t, "sub_lifecycle").Status)

	unknown := subscriptionDelivery("evt_sub_weird", m, "sub_lifecycle", "mystery", stripe.EventTypeCustomerSubscriptionUpdated, base.Add(2*time.Minute))
	res, err = f.deliver(t, connectSecret, unknown)
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookIgnored, res.Outcome)
}

func TestReplacementCancelsPreviousAtProvider(t *testing.T) {
	f := newFixture(t)
	m := f.seedMember(t)
	base := time.Now().Add(-time.Hour)

	_, err := f.deliver(t, connectSecret, checkoutCompleted("evt_first", m, "sub_old", base))
	require.NoError(t, err)
	_, err = f.deliver(t, connectSecret, checkoutCompleted("evt_second", m, "sub_new", base.Add(time.Minute)))
	require.NoError(t, err)

	assert.Equal(t, enums.SubscriptionStatusCanceled, f.member(t, "sub_old").Status)
	assert.Equal(t, enums.SubscriptionStatusActive, f.member(t, "sub_new").Status)
	require.Len(t, f.cancels.canceled, 1)
	assert.Equal(t, subscriptions.Superseded{AccountID: m.merchant.ProviderAccountID, ProviderSubscriptionID: "sub_old"}, f.cancels.canceled[0])

	var queued models.ProviderCancellation
	require.NoError(t, f.conn.Where("provider_subscription_id = ?", "sub_old").First(&queued).Error)
	assert.NotNil(t, queued.CompletedAt)
}

func TestFailedProviderCancellationIsRetried(t *testing.T) {
	f := newFixture(t)
	m := f.seedMember(t)
	base := time.Now().Add(-time.Hour)
	ctx := context.Background()

	_, err := f.deliver(t, connectSecret, checkoutCompleted("evt_keep", m, "sub_stale", base))
	require.NoError(t, err)
	f.cancels.err = errors.New("provider timeout")
	second := checkoutCompleted("evt_replace", m, "sub_fresh", base.Add(time.Minute))
	res, err := f.deliver(t, connectSecret, second)
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookProcessed, res.Outcome)
	require.Len(t, f.cancels.canceled, 1)

	var queued models.ProviderCancellation
	require.NoError(t, f.conn.Where("provider_subscription_id = ?", "sub_stale").First(&queued).Error)
	assert.Nil(t, queued.CompletedAt)
	assert.Equal(t, 1, queued.AttemptCount)

	// A redelivery is a duplicate; the queued row is what brings the cancel back.
	res, err = f.deliver(t, connectSecret, second)
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookDuplicate, res.Outcome)

	f.cancels.err = nil
	require.NoError(t, f.conn.Model(&models.ProviderCancellation{}).
		Where("id = ?", queued.ID).
		Update("next_attempt_at", time.Now().Add(-time.Second)).Error)
	done, err := f.canceler.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	require.Len(t, f.cancels.canceled, 2)
	assert.Equal(t, "sub_stale", f.cancels.canceled[1].ProviderSubscriptionID)

	require.NoError(t, f.conn.First(&queued, "id = ?", queued.ID).Error)
	assert.NotNil(t, queued.CompletedAt)
}

func TestAccountUpdatedRefreshesMerchant(t *testing.T) {
	f := newFixture(t)
	community := testdb.SeedCommunity(t, f.conn)
	merchant := testdb.SeedMerchant(t, f.conn, community.ID, enums.VerificationStatusPending)

	event := delivery{
		id:      "evt_account",
		typ:     stripe.EventTypeAccountUpdated,
		account: merchant.ProviderAccountID,
		created: time.Now(),
		object: map[string]any{
			"id":                merchant.ProviderAccountID,
			"object":            "account",
			"charges_enabled":   true,
			"payouts_enabled":   true,
			"details_submitted": true,
			"requirements": map[string]any{
				"currently_due":        []string{},
				"past_due":             []string{},
				"pending_verification": []string{},
			},
		},
	}
	_, err := f.deliver(t, connectSecret, event)
	require.NoError(t, err)

	var got models.MerchantAccount
	require.NoError(t, f.conn.First(&got, "id = ?", merchant.ID).Error)
	assert.Equal(t, enums.VerificationStatusVerified, got.VerificationStatus)
	assert.True(t, got.ChargesEnabled)
	assert.True(t, got.PayoutsEnabled)
}

func TestChargeRefundedMarksPayment(t *testing.T) {
	f := newFixture(t)
	m := f.seedMember(t)
	_, err := f.deliver(t, connectSecret, checkoutCompleted("evt_paid_once", m, "sub_refund", time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	partial := chargeDelivery("evt_partial", "pi_in_first_evt_paid_once", "in_first_evt_paid_once", 1000, false)
	res, err := f.deliver(t, connectSecret, partial)
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookIgnored, res.Outcome)
	assert.Equal(t, enums.TransactionStatusSucceeded, f.payments(t, m.community.ID)[0].Status)

	full := chargeDelivery("evt_full", "pi_in_first_evt_paid_once", "in_first_evt_paid_once", 2500, true)
	_, err = f.deliver(t, connectSecret, full)
	require.NoError(t, err)
	row := f.payments(t, m.community.ID)[0]
	assert.Equal(t, enums.TransactionStatusRefunded, row.Status)
	assert.Equal(t, int64(2500), row.AmountCents)
	assert.NotNil(t, row.RefundedAt)

	unknown := chargeDelivery("evt_unknown_refund", "pi_elsewhere", "", 100, true)
	res, err = f.deliver(t, connectSecret, unknown)
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookProcessed, res.Outcome)
}

func TestInvoicePaidFillsPaymentIntentForCheckoutPayment(t *testing.T) {
	f := newFixture(t)
	m := f.seedMember(t)
	start := time.Now().Add(-time.Hour)
	_, err := f.deliver(t, connectSecret, checkoutCompleted("evt_first", m, "sub_backfill", start))
	require.NoError(t, err)
	rows := f.payments(t, m.community.ID)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].ProviderPaymentID)

	_, err = f.deliver(t, connectSecret, invoiceDelivery("evt_first_invoice", m, "sub_backfill", "in_first_evt_first", 2500, stripe.EventTypeInvoicePaid, start.Add(time.Second)))
	require.NoError(t, err)
	rows = f.payments(t, m.community.ID)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ProviderPaymentID)
	assert.Equal(t, "pi_in_first_evt_first", *rows[0].ProviderPaymentID)

	_, err = f.deliver(t, connectSecret, chargeDelivery("evt_first_refund", "pi_in_first_evt_first", "", 2500, true))
	require.NoError(t, err)
	rows = f.payments(t, m.community.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, enums.TransactionStatusRefunded, rows[0].Status)
	assert.Equal(t, int64(2500), rows[0].AmountCents)
}

func TestFailureReleasesInflightKey(t *testing.T) {
	f := newFixture(t)
	m := f.seedMember(t)
	event := checkoutCompleted("evt_broken", m, "sub_broken", time.Now())
	require.NoError(t, f.conn.Exec("ALTER TABLE payment_transactions RENAME TO payment_transactions_off").Error)

	_, err := f.deliver(t, connectSecret, event)
	require.Error(t, err)
	assert.False(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	assert.Zero(t, f.store.len())
	assert.Zero(t, f.ledgerCount(t))
	assert.Equal(t, 1, f.metrics.get(string(stripe.EventTypeCheckoutSessionCompleted), metrics.WebhookFailed))

	// The redelivery is applied once the store is back.
	require.NoError(t, f.conn.Exec("ALTER TABLE payment_transactions_off RENAME TO payment_transactions").Error)
	res, err := f.deliver(t, connectSecret, event)
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookProcessed, res.Outcome)
	assert.Len(t, f.payments(t, m.community.ID), 1)
}

func TestMissingPlanIsRecordedAsIgnored(t *testing.T) {
	f := newFixture(t)
	m := f.seedMember(t)
	event := checkoutCompleted("evt_no_plan", m, "sub_no_plan", time.Now())
	planID := uuid.New()
	event.object["metadata"] = subscriptions.CheckoutTags{
		CommunityID: m.community.ID,
		Type:        enums.SubscriptionTypeMember,
		UserID:      &m.userID,
		PlanID:      &planID,
	}.Metadata()

	res, err := f.deliver(t, connectSecret, event)
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookIgnored, res.Outcome)
	assert.Equal(t, int64(1), f.ledgerCount(t))
	assert.Empty(t, f.payments(t, m.community.ID))
	assert.Zero(t, f.metrics.get(string(stripe.EventTypeCheckoutSessionCompleted), metrics.WebhookFailed))

	// The provider's retry is now a duplicate instead of another failure.
	f.store.clear()
	res, err = f.deliver(t, connectSecret, event)
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookDuplicate, res.Outcome)
}

func TestForeignCheckoutIsIgnored(t *testing.T) {
	f := newFixture(t)
	event := delivery{
		id:      "evt_foreign",
		typ:     stripe.EventTypeCheckoutSessionCompleted,
		created: time.Now(),
		object: map[string]any{
			"id":           "cs_foreign",
			"mode":         "subscription",
			"subscription": "sub_foreign",
			"metadata":     map[string]string{"order_id": "123"},
		},
	}
	res, err := f.deliver(t, platformSecret, event)
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookIgnored, res.Outcome)
}

func TestPlatformCheckoutCreatesPlatformSubscription(t *testing.T) {
	f := newFixture(t)
	community := testdb.SeedCommunity(t, f.conn)
	plan := testdb.SeedPlatformPlan(t, f.conn, 4900, "price_platform")
	planID := plan.ID
	event := delivery{
		id:      "evt_platform",
		typ:     stripe.EventTypeCheckoutSessionCompleted,
		created: time.Now(),
		object: map[string]any{
			"id":             "cs_platform",
			"mode":           "subscription",
			"payment_status": "no_payment_required",
			"customer":       "cus_creator",
			"subscription":   "sub_platform",
			"metadata": subscriptions.CheckoutTags{
				CommunityID: community.ID,
				Type:        enums.SubscriptionTypePlatform,
				PlanID:      &planID,
				TrialDays:   14,
			}.Metadata(),
		},
	}
	_, err := f.deliver(t, platformSecret, event)
	require.NoError(t, err)

	var sub models.PlatformSubscription
	require.NoError(t, f.conn.Where("provider_subscription_id = ?", "sub_platform").First(&sub).Error)
	assert.Equal(t, enums.SubscriptionStatusTrialing, sub.Status)
	assert.Equal(t, community.ID, sub.CommunityID)
	assert.Empty(t, f.payments(t, community.ID))
}

func invoiceDelivery(id string, m memberSetup, subID, invoiceID string, amountPaid int64, typ stripe.EventType, created time.Time) delivery {
	periodEnd := created.Add(30 * 24 * time.Hour).Unix()
	return delivery{
		id:      id,
		typ:     typ,
		account: m.merchant.ProviderAccountID,
		created: created,
		object: map[string]any{
			"id":             invoiceID,
			"object":         "invoice",
			"customer":       "cus_member",
			"amount_paid":    amountPaid,
			"amount_due":     2500,
			"currency":       "usd",
			"billing_reason": "subscription_cycle",
			"parent": map[string]any{
				"subscription_details": map[string]any{
					"subscription": subID,
					"metadata":     m.tags(),
				},
			},
			"payments": map[string]any{
				"data": []map[string]any{
					{"payment": map[string]any{"payment_intent": "pi_" + invoiceID}},
				},
			},
			"lines": map[string]any{
				"data": []map[string]any{
					{"period": map[string]any{"end": periodEnd}},
				},
			},
		},
	}
}

func subscriptionDelivery(id string, m memberSetup, subID, status string, typ stripe.EventType, created time.Time) delivery {
	return delivery{
		id:      id,
		typ:     typ,
		account: m.merchant.ProviderAccountID,
		created: created,
		object: map[string]any{
			"id":       subID,
			"object":   "subscription",
			"status":   status,
			"customer": "cus_member",
			"metadata": m.tags(),
			"items": map[string]any{
				"data": []map[string]any{
					{"current_period_end": created.Add(30 * 24 * time.Hour).Unix()},
				},
			},
		},
	}
}

func chargeDelivery(id, paymentIntent, invoiceID string, refunded int64, full bool) delivery {
	object := map[string]any{
		"id":              "ch_" + id,
		"object":          "charge",
		"payment_intent":  paymentIntent,
		"amount":          2500,
		"amount_refunded": refunded,
		"refunded":        full,
	}
	if invoiceID != "" {
		object["invoice"] = invoiceID
	}
	return delivery{
		id:      id,
		typ:     stripe.EventTypeChargeRefunded,
		created: time.Now(),
		object:  object,
	}
}

type delivery struct {
	id      string
	typ     stripe.EventType
	account string
	created time.Time
	object  map[string]any
}

func (d delivery) sign(t *testing.T, secret string) ([]byte, string) {
	t.Helper()
	raw, err := json.Marshal(d.object)
	require.NoError(t, err)
	event := &stripe.Event{
		ID:         d.id,
		Type:       d.typ,
		Object:     "event",
		APIVersion: stripe.APIVersion,
		Account:    d.account,
		Created:    d.created.Unix(),
		Data:       &stripe.EventData{Raw: raw},
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return payload, buildStripeSignatureHeader(payload, secret, time.Now().Unix())
}

func buildStripeSignatureHeader(payload []byte, secret string, ts int64) string {
	signedPayload := fmt.Sprintf("%d.%s", ts, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// cancelGateway records provider cancellations and fails while err is set.
type cancelGateway struct {
	offlineGateway
	canceled []subscriptions.Superseded
	err      error
}

func (g *cancelGateway) CancelSubscription(ctx context.Context, accountID, subscriptionID string) error {
	g.canceled = append(g.canceled, subscriptions.Superseded{AccountID: accountID, ProviderSubscriptionID: subscriptionID})
	return g.err
}

type offlineGateway struct{}

var errOffline = errors.New("provider offline")

func (offlineGateway) CreateConnectedAccount(context.Context, pkgstripe.CreateAccountInput) (string, error) {
	return "", errOffline
}

func (offlineGateway) GetAccount(context.Context, string) (*pkgstripe.AccountState, error) {
	return nil, errOffline
}

func (offlineGateway) CreateOnboardingLink(context.Context, string, string, string) (string, error) {
	return "", errOffline
}

func (offlineGateway) CreateCustomer(context.Context, pkgstripe.CustomerInput) (string, error) {
	return "", errOffline
}

func (offlineGateway) CreateCheckoutSession(context.Context, pkgstripe.CheckoutInput) (*pkgstripe.CheckoutSession, error) {
	return nil, errOffline
}

func (offlineGateway) CancelSubscription(context.Context, string, string) error {
	return errOffline
}

type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *recordingMetrics) IncWebhookEvent(eventType, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[eventType+"/"+outcome]++
}

func (r *recordingMetrics) get(eventType, outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[eventType+"/"+outcome]
}

type inMemoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newInMemoryStore() *inMemoryStore {
	return &inMemoryStore{data: make(map[string]string)}
}

func (s *inMemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key], nil
}

func (s *inMemoryStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; exists {
		return false, nil
	}
	s.data[key] = fmt.Sprintf("%v", value)
	return true, nil
}

func (s *inMemoryStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("cp:idempotency:%s:%s", scope, id)
}

func (s *inMemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

func (s *inMemoryStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]string)
}

func (s *inMemoryStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
