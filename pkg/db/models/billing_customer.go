package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BillingCustomer maps a local user to a provider customer within one
// provider account namespace. ProviderAccountID is empty for the platform
// account.
type BillingCustomer struct {
	ID                 uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CommunityID        uuid.UUID `gorm:"column:community_id;type:uuid;not null"`
	UserID             uuid.UUID `gorm:"column:user_id;type:uuid;not null"`
	ProviderAccountID  string    `gorm:"column:provider_account_id;not null;default:''"`
	ProviderCustomerID string    `gorm:"column:provider_customer_id;not null"`
	Email              string    `gorm:"column:email;not null"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (b *BillingCustomer) BeforeCreate(*gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}
