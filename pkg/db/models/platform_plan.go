package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/pkg/enums"
)

// PlatformPlan is a hosting tier the platform bills community creators for.
// Prices live on the platform's own provider account.
type PlatformPlan struct {
	ID              uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Name            string                `gorm:"column:name;not null"`
	Description     *string               `gorm:"column:description"`
	PriceCents      int64                 `gorm:"column:price_cents;not null"`
	Currency        string                `gorm:"column:currency;not null;default:'usd'"`
	Interval        enums.BillingInterval `gorm:"column:billing_interval;type:billing_interval;not null"`
	Features        pq.StringArray        `gorm:"column:features;type:text[];default:ARRAY[]::text[]"`
	ProviderPriceID string                `gorm:"column:provider_price_id;not null;uniqueIndex"`
	IsActive        bool                  `gorm:"column:is_active;not null"`
	CreatedAt       time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *PlatformPlan) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
