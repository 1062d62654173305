package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/pkg/enums"
)

// PaymentTransaction is an append-only record of a member payment and its
// platform/creator breakdown. Only Status may change, and only to refunded,
// apart from filling in a ProviderPaymentID that was unknown when recorded.
type PaymentTransaction struct {
	ID                   uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CommunityID          uuid.UUID               `gorm:"column:community_id;type:uuid;not null;index"`
	MemberSubscriptionID *uuid.UUID              `gorm:"column:member_subscription_id;type:uuid"`
	UserID               *uuid.UUID              `gorm:"column:user_id;type:uuid"`
	RevenueSplitID       *uuid.UUID              `gorm:"column:revenue_split_id;type:uuid"`
	AmountCents          int64                   `gorm:"column:amount_cents;not null"`
	PlatformAmountCents  int64                   `gorm:"column:platform_amount_cents;not null"`
	CreatorAmountCents   int64                   `gorm:"column:creator_amount_cents;not null"`
	PlatformPercentage   decimal.Decimal         `gorm:"column:platform_percentage;type:numeric(5,2);not null"`
	Currency             string                  `gorm:"column:currency;not null;default:'usd'"`
	Status               enums.TransactionStatus `gorm:"column:status;type:transaction_status;not null"`
	ProviderReference    string                  `gorm:"column:provider_reference;not null;uniqueIndex"`
	ProviderPaymentID    *string                 `gorm:"column:provider_payment_id;index"`
	OccurredAt           time.Time               `gorm:"column:occurred_at;not null"`
	RefundedAt           *time.Time              `gorm:"column:refunded_at"`
	CreatedAt            time.Time               `gorm:"column:created_at;autoCreateTime"`
}

func (p *PaymentTransaction) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
