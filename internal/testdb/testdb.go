// Package testdb opens isolated SQLite databases with the billing schema for
// repository and service tests.
package testdb

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
)

var schema = []string{
	`CREATE TABLE communities (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  slug TEXT NOT NULL UNIQUE,
  owner_user_id TEXT NOT NULL,
  owner_email TEXT NOT NULL,
  country TEXT NOT NULL DEFAULT 'US',
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE merchant_accounts (
  id TEXT PRIMARY KEY,
  community_id TEXT NOT NULL UNIQUE,
  provider_account_id TEXT NOT NULL UNIQUE,
  onboarding_completed INTEGER NOT NULL DEFAULT 0,
  onboarding_url TEXT,
  charges_enabled INTEGER NOT NULL DEFAULT 0,
  payouts_enabled INTEGER NOT NULL DEFAULT 0,
  verification_status TEXT NOT NULL DEFAULT 'pending',
  requirements_due TEXT DEFAULT '{}',
  last_synced_at DATETIME,
  status_updated_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE revenue_splits (
  id TEXT PRIMARY KEY,
  community_id TEXT NOT NULL,
  platform_percentage TEXT NOT NULL,
  creator_percentage TEXT NOT NULL,
  is_active INTEGER NOT NULL,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE UNIQUE INDEX ux_revenue_splits_active ON revenue_splits (community_id) WHERE is_active = 1;`,
	`CREATE TABLE subscription_plans (
  id TEXT PRIMARY KEY,
  community_id TEXT NOT NULL,
  name TEXT NOT NULL,
  description TEXT,
  price_cents INTEGER NOT NULL,
  currency TEXT NOT NULL DEFAULT 'usd',
  billing_interval TEXT NOT NULL,
  features TEXT DEFAULT '{}',
  provider_product_id TEXT,
  provider_price_id TEXT,
  is_active INTEGER NOT NULL,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE platform_plans (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT,
  price_cents INTEGER NOT NULL,
  currency TEXT NOT NULL DEFAULT 'usd',
  billing_interval TEXT NOT NULL,
  features TEXT DEFAULT '{}',
  provider_price_id TEXT NOT NULL UNIQUE,
  is_active INTEGER NOT NULL,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE platform_subscriptions (
  id TEXT PRIMARY KEY,
  community_id TEXT NOT NULL,
  provider_subscription_id TEXT NOT NULL UNIQUE,
  provider_customer_id TEXT,
  plan_id TEXT,
  status TEXT NOT NULL,
  current_period_end DATETIME,
  canceled_at DATETIME,
  last_event_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE UNIQUE INDEX ux_platform_subscriptions_open ON platform_subscriptions (community_id) WHERE status <> 'canceled';`,
	`CREATE TABLE member_subscriptions (
  id TEXT PRIMARY KEY,
  community_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  plan_id TEXT NOT NULL,
  provider_subscription_id TEXT NOT NULL UNIQUE,
  provider_customer_id TEXT,
  status TEXT NOT NULL,
  amount_cents INTEGER NOT NULL,
  currency TEXT NOT NULL DEFAULT 'usd',
  interval_type TEXT NOT NULL,
  revenue_split_id TEXT,
  platform_percentage TEXT NOT NULL,
  current_period_end DATETIME,
  canceled_at DATETIME,
  last_event_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE UNIQUE INDEX ux_member_subscriptions_open ON member_subscriptions (community_id, user_id) WHERE status <> 'canceled';`,
	`CREATE TABLE payment_transactions (
  id TEXT PRIMARY KEY,
  community_id TEXT NOT NULL,
  member_subscription_id TEXT,
  user_id TEXT,
  revenue_split_id TEXT,
  amount_cents INTEGER NOT NULL,
  platform_amount_cents INTEGER NOT NULL,
  creator_amount_cents INTEGER NOT NULL,
  platform_percentage TEXT NOT NULL,
  currency TEXT NOT NULL DEFAULT 'usd',
  status TEXT NOT NULL,
  provider_reference TEXT NOT NULL UNIQUE,
  provider_payment_id TEXT,
  occurred_at DATETIME NOT NULL,
  refunded_at DATETIME,
  created_at DATETIME
);`,
	`CREATE TABLE webhook_events (
  id TEXT PRIMARY KEY,
  provider_event_id TEXT NOT NULL UNIQUE,
  event_type TEXT NOT NULL,
  payload_digest TEXT NOT NULL,
  event_created_at DATETIME NOT NULL,
  processed_at DATETIME NOT NULL
);`,
	`CREATE TABLE billing_customers (
  id TEXT PRIMARY KEY,
  community_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  provider_account_id TEXT NOT NULL DEFAULT '',
  provider_customer_id TEXT NOT NULL,
  email TEXT NOT NULL,
  created_at DATETIME,
  UNIQUE (community_id, user_id, provider_account_id)
);`,
	`CREATE TABLE outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  next_attempt_at DATETIME,
  last_error TEXT
);`,
	`CREATE TABLE outbox_dlq (
  id TEXT PRIMARY KEY,
  event_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  error_reason TEXT NOT NULL,
  error_message TEXT,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  failed_at DATETIME,
  created_at DATETIME
);`,
	`CREATE TABLE provider_cancellations (
  id TEXT PRIMARY KEY,
  provider_account_id TEXT NOT NULL DEFAULT '',
  provider_subscription_id TEXT NOT NULL UNIQUE,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT,
  next_attempt_at DATETIME NOT NULL,
  completed_at DATETIME,
  created_at DATETIME
);`,
}

// Open returns a private in-memory database with the full schema applied.
// The pool is pinned to one connection, so code running inside a
// transaction must only use the transaction handle.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		require.NoError(t, conn.Exec(stmt).Error)
	}
	return conn
}

// SeedCommunity inserts a community owned by a fresh user.
func SeedCommunity(t *testing.T, db *gorm.DB) *models.Community {
	t.Helper()
	id := uuid.New()
	community := &models.Community{
		ID:          id,
		Name:        "Community " + id.String()[:8],
		Slug:        "community-" + id.String()[:8],
		OwnerUserID: uuid.New(),
		OwnerEmail:  "owner-" + id.String()[:8] + "@example.com",
		Country:     "US",
	}
	require.NoError(t, db.Create(community).Error)
	return community
}

// SeedMerchant inserts a merchant account in the given verification state.
func SeedMerchant(t *testing.T, db *gorm.DB, communityID uuid.UUID, status enums.VerificationStatus) *models.MerchantAccount {
	t.Helper()
	verified := status == enums.VerificationStatusVerified
	account := &models.MerchantAccount{
		CommunityID:         communityID,
		ProviderAccountID:   "acct_" + uuid.NewString()[:12],
		OnboardingCompleted: verified,
		ChargesEnabled:      verified,
		PayoutsEnabled:      verified,
		VerificationStatus:  status,
	}
	require.NoError(t, db.Create(account).Error)
	return account
}

// SeedSplit inserts an active revenue split created at the given time.
func SeedSplit(t *testing.T, db *gorm.DB, communityID uuid.UUID, platformPct string, createdAt time.Time) *models.RevenueSplit {
	t.Helper()
	pct := decimal.RequireFromString(platformPct)
	require.NoError(t, db.Model(&models.RevenueSplit{}).
		Where("community_id = ? AND is_active = ?", communityID, true).
		Update("is_active", false).Error)
	split := &models.RevenueSplit{
		CommunityID:        communityID,
		PlatformPercentage: pct,
		CreatorPercentage:  decimal.NewFromInt(100).Sub(pct),
		IsActive:           true,
		CreatedAt:          createdAt.UTC(),
	}
	require.NoError(t, db.Create(split).Error)
	return split
}

// SeedPlan inserts a member plan, synced when priceID is non-empty.
func SeedPlan(t *testing.T, db *gorm.DB, communityID uuid.UUID, priceCents int64, priceID string) *models.SubscriptionPlan {
	t.Helper()
	plan := &models.SubscriptionPlan{
		CommunityID: communityID,
		Name:        "Tier " + uuid.NewString()[:6],
		PriceCents:  priceCents,
		Currency:    "usd",
		Interval:    enums.BillingIntervalMonth,
		IsActive:    true,
	}
	if priceID != "" {
		productID := "prod_" + priceID
		plan.ProviderProductID = &productID
		plan.ProviderPriceID = &priceID
	}
	require.NoError(t, db.Create(plan).Error)
	return plan
}

// SeedPlatformPlan inserts an active monthly platform plan.
func SeedPlatformPlan(t *testing.T, db *gorm.DB, priceCents int64, priceID string) *models.PlatformPlan {
	t.Helper()
	plan := &models.PlatformPlan{
		Name:            "Platform " + uuid.NewString()[:6],
		PriceCents:      priceCents,
		Currency:        "usd",
		Interval:        enums.BillingIntervalMonth,
		ProviderPriceID: priceID,
		IsActive:        true,
	}
	require.NoError(t, db.Create(plan).Error)
	return plan
}
