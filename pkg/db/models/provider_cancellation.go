package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProviderCancellation is a replaced subscription that still has to be
// canceled at the provider. Rows are written in the same transaction that
// supersedes the local subscription and completed once the provider call
// succeeds.
type ProviderCancellation struct {
	ID                     uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ProviderAccountID      string     `gorm:"column:provider_account_id;not null;default:''"`
	ProviderSubscriptionID string     `gorm:"column:provider_subscription_id;not null;uniqueIndex"`
	AttemptCount           int        `gorm:"column:attempt_count;not null;default:0"`
	LastError              *string    `gorm:"column:last_error"`
	NextAttemptAt          time.Time  `gorm:"column:next_attempt_at;not null"`
	CompletedAt            *time.Time `gorm:"column:completed_at"`
	CreatedAt              time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (ProviderCancellation) TableName() string { return "provider_cancellations" }

func (c *ProviderCancellation) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
