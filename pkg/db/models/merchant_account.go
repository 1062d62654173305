package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/pkg/enums"
)

// MerchantAccount tracks a community's connected payable account.
// StatusUpdatedAt is when the provider observed the stored state; older
// account states are dropped.
type MerchantAccount struct {
	ID                  uuid.UUID                `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CommunityID         uuid.UUID                `gorm:"column:community_id;type:uuid;not null;uniqueIndex"`
	ProviderAccountID   string                   `gorm:"column:provider_account_id;not null;uniqueIndex"`
	OnboardingCompleted bool                     `gorm:"column:onboarding_completed;not null;default:false"`
	OnboardingURL       *string                  `gorm:"column:onboarding_url"`
	ChargesEnabled      bool                     `gorm:"column:charges_enabled;not null;default:false"`
	PayoutsEnabled      bool                     `gorm:"column:payouts_enabled;not null;default:false"`
	VerificationStatus  enums.VerificationStatus `gorm:"column:verification_status;type:verification_status;not null;default:'pending'"`
	RequirementsDue     pq.StringArray           `gorm:"column:requirements_due;type:text[];default:ARRAY[]::text[]"`
	LastSyncedAt        *time.Time               `gorm:"column:last_synced_at"`
	StatusUpdatedAt     *time.Time               `gorm:"column:status_updated_at"`
	CreatedAt           time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (m *MerchantAccount) BeforeCreate(*gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// CanAcceptPayments reports whether member checkouts may target this account.
func (m *MerchantAccount) CanAcceptPayments() bool {
	return m != nil && m.VerificationStatus == enums.VerificationStatusVerified
}
