package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/pkg/enums"
)

// PlatformSubscription persists the platform to creator billing relationship.
type PlatformSubscription struct {
	ID                     uuid.UUID                `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CommunityID            uuid.UUID                `gorm:"column:community_id;type:uuid;not null;index"`
	ProviderSubscriptionID string                   `gorm:"column:provider_subscription_id;not null;uniqueIndex"`
	ProviderCustomerID     *string                  `gorm:"column:provider_customer_id"`
	PlanID                 *uuid.UUID               `gorm:"column:plan_id;type:uuid"`
	Status                 enums.SubscriptionStatus `gorm:"column:status;type:subscription_status;not null"`
	CurrentPeriodEnd       *time.Time               `gorm:"column:current_period_end"`
	CanceledAt             *time.Time               `gorm:"column:canceled_at"`
	LastEventAt            *time.Time               `gorm:"column:last_event_at"`
	CreatedAt              time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *PlatformSubscription) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
