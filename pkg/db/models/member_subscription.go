package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/pkg/enums"
)

// MemberSubscription persists a member's paid access to a community. The
// platform percentage is captured when the subscription is created and
// applies to every renewal.
type MemberSubscription struct {
	ID                     uuid.UUID                `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CommunityID            uuid.UUID                `gorm:"column:community_id;type:uuid;not null;index"`
	UserID                 uuid.UUID                `gorm:"column:user_id;type:uuid;not null;index"`
	PlanID                 uuid.UUID                `gorm:"column:plan_id;type:uuid;not null"`
	ProviderSubscriptionID string                   `gorm:"column:provider_subscription_id;not null;uniqueIndex"`
	ProviderCustomerID     *string                  `gorm:"column:provider_customer_id"`
	Status                 enums.SubscriptionStatus `gorm:"column:status;type:subscription_status;not null"`
	AmountCents            int64                    `gorm:"column:amount_cents;not null"`
	Currency               string                   `gorm:"column:currency;not null;default:'usd'"`
	IntervalType           enums.BillingInterval    `gorm:"column:interval_type;type:billing_interval;not null"`
	RevenueSplitID         *uuid.UUID               `gorm:"column:revenue_split_id;type:uuid"`
	PlatformPercentage     decimal.Decimal          `gorm:"column:platform_percentage;type:numeric(5,2);not null"`
	CurrentPeriodEnd       *time.Time               `gorm:"column:current_period_end"`
	CanceledAt             *time.Time               `gorm:"column:canceled_at"`
	LastEventAt            *time.Time               `gorm:"column:last_event_at"`
	CreatedAt              time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (m *MemberSubscription) BeforeCreate(*gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
