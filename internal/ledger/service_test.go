package ledger

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/internal/testdb"
	dbpkg "github.com/angelmondragon/communitypay-backend/pkg/db"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox"
)

func newTestService(t *testing.T) (*service, *gorm.DB) {
	t.Helper()
	conn := testdb.Open(t)
	svc, err := NewService(ServiceParams{
		Repo:   NewRepository(conn),
		DB:     dbpkg.FromConn(conn),
		Outbox: outbox.NewService(outbox.NewRepository(conn), nil),
		Logger: logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	require.NoError(t, err)
	return svc.(*service), conn
}

func paymentInput(communityID uuid.UUID, ref string, amount int64, pct string, at time.Time) RecordTransactionInput {
	return RecordTransactionInput{
		CommunityID:        communityID,
		AmountCents:        amount,
		PlatformPercentage: decimal.RequireFromString(pct),
		Currency:           "USD",
		ProviderReference:  ref,
		ProviderPaymentID:  "pi_" + ref,
		OccurredAt:         at,
	}
}

func TestApportion(t *testing.T) {
	cases := []struct {
		name     string
		amount   int64
		pct      string
		platform int64
		creator  int64
	}{
		{"default split", 10000, "20", 2000, 8000},
		{"fractional percent", 999, "12.5", 125, 874},
		{"half rounds up", 10, "25", 3, 7},
		{"zero percent", 4200, "0", 0, 4200},
		{"full percent", 4200, "100", 4200, 0},
		{"zero amount", 0, "20", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			platform, creator := Apportion(tc.amount, decimal.RequireFromString(tc.pct))
			assert.Equal(t, tc.platform, platform)
			assert.Equal(t, tc.creator, creator)
			assert.Equal(t, tc.amount, platform+creator)
		})
	}
}

func TestRecordTransactionSplitsAndEmits(t *testing.T) {
	svc, conn := newTestService(t)
	community := testdb.SeedCommunity(t, conn)
	ctx := context.Background()

	row, created, err := svc.RecordTransaction(ctx, nil, paymentInput(community.ID, "in_1", 10000, "20", time.Now()))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(2000), row.PlatformAmountCents)
	assert.Equal(t, int64(8000), row.CreatorAmountCents)
	assert.Equal(t, "usd", row.Currency)
	assert.Equal(t, enums.TransactionStatusSucceeded, row.Status)

	events, err := outbox.NewRepository(conn).ListByAggregate(ctx, row.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, enums.EventPaymentRecorded, events[0].EventType)
}

func TestRecordTransactionDuplicateReferenceIsNoop(t *testing.T) {
	svc, conn := newTestService(t)
	community := testdb.SeedCommunity(t, conn)
	ctx := context.Background()

	first, created, err := svc.RecordTransaction(ctx, nil, paymentInput(community.ID, "in_dup", 5000, "20", time.Now()))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := svc.RecordTransaction(ctx, nil, paymentInput(community.ID, "in_dup", 9999, "50", time.Now()))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(5000), second.AmountCents)

	var count int64
	require.NoError(t, conn.Model(&models.PaymentTransaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecordTransactionValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	communityID := uuid.New()

	_, _, err := svc.RecordTransaction(ctx, nil, paymentInput(communityID, "", 100, "20", time.Now()))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, _, err = svc.RecordTransaction(ctx, nil, paymentInput(communityID, "in_x", -1, "20", time.Now()))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, _, err = svc.RecordTransaction(ctx, nil, paymentInput(communityID, "in_x", 100, "101", time.Now()))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestMarkRefundedPreservesAmounts(t *testing.T) {
	svc, conn := newTestService(t)
	community := testdb.SeedCommunity(t, conn)
	ctx := context.Background()

	row, _, err := svc.RecordTransaction(ctx, nil, paymentInput(community.ID, "in_ref", 3000, "20", time.Now()))
	require.NoError(t, err)

	refundedAt := time.Now().UTC()
	err = dbpkg.FromConn(conn).WithTx(ctx, func(tx *gorm.DB) error {
		got, err := svc.MarkRefunded(ctx, tx, "pi_in_ref", refundedAt)
		require.NotNil(t, got)
		return err
	})
	require.NoError(t, err)

	stored, err := svc.repo.FindByReference(ctx, "in_ref")
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusRefunded, stored.Status)
	assert.Equal(t, int64(3000), stored.AmountCents)
	assert.Equal(t, int64(600), stored.PlatformAmountCents)
	require.NotNil(t, stored.RefundedAt)

	events, err := outbox.NewRepository(conn).ListByAggregate(ctx, row.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.ElementsMatch(t,
		[]enums.OutboxEventType{enums.EventPaymentRecorded, enums.EventPaymentRefunded},
		[]enums.OutboxEventType{events[0].EventType, events[1].EventType})

	// Unknown payments are not ledger rows.
	got, err := svc.MarkRefunded(ctx, nil, "pi_unknown", refundedAt)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetRevenueAnalytics(t *testing.T) {
	svc, conn := newTestService(t)
	community := testdb.SeedCommunity(t, conn)
	other := testdb.SeedCommunity(t, conn)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, _, err := svc.RecordTransaction(ctx, nil, paymentInput(community.ID, "in_a", 10000, "20", base.Add(24*time.Hour)))
	require.NoError(t, err)
	_, _, err = svc.RecordTransaction(ctx, nil, paymentInput(community.ID, "in_b", 5000, "10", base.Add(48*time.Hour)))
	require.NoError(t, err)
	_, _, err = svc.RecordTransaction(ctx, nil, paymentInput(community.ID, "in_late", 7000, "20", base.AddDate(0, 2, 0)))
	require.NoError(t, err)
	_, _, err = svc.RecordTransaction(ctx, nil, paymentInput(other.ID, "in_other", 7000, "20", base.Add(24*time.Hour)))
	require.NoError(t, err)
	_, _, err = svc.RecordTransaction(ctx, nil, paymentInput(community.ID, "in_refunded", 1000, "20", base.Add(72*time.Hour)))
	require.NoError(t, err)
	_, err = svc.MarkRefunded(ctx, nil, "pi_in_refunded", base.Add(96*time.Hour))
	require.NoError(t, err)

	out, err := svc.GetRevenueAnalytics(ctx, community.ID, base, base.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(15000), out.TotalRevenue)
	assert.Equal(t, int64(2500), out.PlatformRevenue)
	assert.Equal(t, int64(12500), out.CreatorRevenue)
	assert.Equal(t, int64(2), out.TransactionCount)

	empty, err := svc.GetRevenueAnalytics(ctx, community.ID, base.AddDate(1, 0, 0), base.AddDate(1, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, RevenueAnalytics{}, *empty)

	_, err = svc.GetRevenueAnalytics(ctx, community.ID, base, base)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestGetRevenueAnalyticsExcludesFailedPayments(t *testing.T) {
	svc, conn := newTestService(t)
	community := testdb.SeedCommunity(t, conn)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, _, err := svc.RecordTransaction(ctx, nil, paymentInput(community.ID, "in_ok", 4000, "25", base.Add(time.Hour)))
	require.NoError(t, err)
	for i, status := range []enums.TransactionStatus{enums.TransactionStatusFailed, enums.TransactionStatusPending} {
		platform, creator := Apportion(9000, decimal.NewFromInt(25))
		require.NoError(t, conn.Create(&models.PaymentTransaction{
			CommunityID:         community.ID,
			AmountCents:         9000,
			PlatformAmountCents: platform,
			CreatorAmountCents:  creator,
			PlatformPercentage:  decimal.NewFromInt(25),
			Currency:            "usd",
			Status:              status,
			ProviderReference:   fmt.Sprintf("in_unpaid_%d", i),
			OccurredAt:          base.Add(2 * time.Hour),
		}).Error)
	}

	out, err := svc.GetRevenueAnalytics(ctx, community.ID, base, base.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, RevenueAnalytics{
		TotalRevenue:     4000,
		PlatformRevenue:  1000,
		CreatorRevenue:   3000,
		TransactionCount: 1,
	}, *out)
}

func TestRecordTransactionFillsMissingPaymentID(t *testing.T) {
	svc, conn := newTestService(t)
	community := testdb.SeedCommunity(t, conn)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	first := paymentInput(community.ID, "in_checkout", 2500, "20", at)
	first.ProviderPaymentID = ""
	row, created, err := svc.RecordTransaction(ctx, nil, first)
	require.NoError(t, err)
	require.True(t, created)
	assert.Nil(t, row.ProviderPaymentID)

	again := paymentInput(community.ID, "in_checkout", 2500, "20", at)
	row, created, err = svc.RecordTransaction(ctx, nil, again)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, row.ProviderPaymentID)
	assert.Equal(t, "pi_in_checkout", *row.ProviderPaymentID)

	// A known payment id is never overwritten.
	other := paymentInput(community.ID, "in_checkout", 2500, "20", at)
	other.ProviderPaymentID = "pi_other"
	row, _, err = svc.RecordTransaction(ctx, nil, other)
	require.NoError(t, err)
	assert.Equal(t, "pi_in_checkout", *row.ProviderPaymentID)

	refunded, err := svc.MarkRefunded(ctx, nil, "pi_in_checkout", at.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, refunded)
	assert.Equal(t, enums.TransactionStatusRefunded, refunded.Status)
}

func TestListTransactionsPaginates(t *testing.T) {
	svc, conn := newTestService(t)
	community := testdb.SeedCommunity(t, conn)
	ctx := context.Background()

	for _, ref := range []string{"in_1", "in_2", "in_3", "in_4", "in_5"} {
		_, _, err := svc.RecordTransaction(ctx, nil, paymentInput(community.ID, ref, 1000, "20", time.Now()))
		require.NoError(t, err)
	}

	seen := map[uuid.UUID]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := svc.ListTransactions(ctx, ListTransactionsParams{CommunityID: community.ID, Cursor: cursor, Limit: 2})
		require.NoError(t, err)
		pages++
		for _, row := range page.Transactions {
			assert.False(t, seen[row.ID], "row returned twice")
			seen[row.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 5)
	assert.Equal(t, 3, pages)

	_, err := svc.ListTransactions(ctx, ListTransactionsParams{CommunityID: community.ID, Cursor: "%%%"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
