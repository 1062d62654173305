package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/communitypay-backend/pkg/enums"
)

// PaymentRecordedEvent is emitted when a member payment lands in the ledger.
type PaymentRecordedEvent struct {
	TransactionID        uuid.UUID       `json:"transaction_id"`
	CommunityID          uuid.UUID       `json:"community_id"`
	MemberSubscriptionID *uuid.UUID      `json:"member_subscription_id,omitempty"`
	UserID               *uuid.UUID      `json:"user_id,omitempty"`
	AmountCents          int64           `json:"amount_cents"`
	PlatformAmountCents  int64           `json:"platform_amount_cents"`
	CreatorAmountCents   int64           `json:"creator_amount_cents"`
	PlatformPercentage   decimal.Decimal `json:"platform_percentage"`
	Currency             string          `json:"currency"`
	ProviderReference    string          `json:"provider_reference"`
	OccurredAt           time.Time       `json:"occurred_at"`
}

// PaymentRefundedEvent is emitted when a recorded payment is refunded.
type PaymentRefundedEvent struct {
	TransactionID     uuid.UUID `json:"transaction_id"`
	CommunityID       uuid.UUID `json:"community_id"`
	AmountCents       int64     `json:"amount_cents"`
	ProviderReference string    `json:"provider_reference"`
	RefundedAt        time.Time `json:"refunded_at"`
}

// SubscriptionStatusChangedEvent reports a lifecycle transition of either
// subscription kind.
type SubscriptionStatusChangedEvent struct {
	SubscriptionID         uuid.UUID                `json:"subscription_id"`
	SubscriptionType       enums.SubscriptionType   `json:"subscription_type"`
	CommunityID            uuid.UUID                `json:"community_id"`
	UserID                 *uuid.UUID               `json:"user_id,omitempty"`
	ProviderSubscriptionID string                   `json:"provider_subscription_id"`
	PreviousStatus         enums.SubscriptionStatus `json:"previous_status,omitempty"`
	Status                 enums.SubscriptionStatus `json:"status"`
	CurrentPeriodEnd       *time.Time               `json:"current_period_end,omitempty"`
}

// MerchantAccountUpdatedEvent reports a change in a community's ability to
// accept payments.
type MerchantAccountUpdatedEvent struct {
	MerchantAccountID  uuid.UUID                `json:"merchant_account_id"`
	CommunityID        uuid.UUID                `json:"community_id"`
	ProviderAccountID  string                   `json:"provider_account_id"`
	PreviousStatus     enums.VerificationStatus `json:"previous_status"`
	VerificationStatus enums.VerificationStatus `json:"verification_status"`
	ChargesEnabled     bool                     `json:"charges_enabled"`
	PayoutsEnabled     bool                     `json:"payouts_enabled"`
}
