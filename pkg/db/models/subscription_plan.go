package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/pkg/enums"
)

// SubscriptionPlan is a community-defined paid tier sold to members.
type SubscriptionPlan struct {
	ID                uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CommunityID       uuid.UUID             `gorm:"column:community_id;type:uuid;not null;index"`
	Name              string                `gorm:"column:name;not null"`
	Description       *string               `gorm:"column:description"`
	PriceCents        int64                 `gorm:"column:price_cents;not null"`
	Currency          string                `gorm:"column:currency;not null;default:'usd'"`
	Interval          enums.BillingInterval `gorm:"column:billing_interval;type:billing_interval;not null"`
	Features          pq.StringArray        `gorm:"column:features;type:text[];default:ARRAY[]::text[]"`
	ProviderProductID *string               `gorm:"column:provider_product_id"`
	ProviderPriceID   *string               `gorm:"column:provider_price_id"`
	IsActive          bool                  `gorm:"column:is_active;not null"`
	CreatedAt         time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *SubscriptionPlan) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// IsSynced reports whether the plan has both provider identifiers.
func (p *SubscriptionPlan) IsSynced() bool {
	return p != nil &&
		p.ProviderProductID != nil && *p.ProviderProductID != "" &&
		p.ProviderPriceID != nil && *p.ProviderPriceID != ""
}
