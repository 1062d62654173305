package subscriptions

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	pkgstripe "github.com/angelmondragon/communitypay-backend/pkg/stripe"
)

type checkoutResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

type platformSubscriptionResponse struct {
	ID                     uuid.UUID  `json:"id"`
	ProviderSubscriptionID string     `json:"provider_subscription_id"`
	PlanID                 *uuid.UUID `json:"plan_id,omitempty"`
	Status                 string     `json:"status"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	CanceledAt             *time.Time `json:"canceled_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
}

type memberSubscriptionResponse struct {
	ID                     uuid.UUID       `json:"id"`
	CommunityID            uuid.UUID       `json:"community_id"`
	UserID                 uuid.UUID       `json:"user_id"`
	PlanID                 uuid.UUID       `json:"plan_id"`
	ProviderSubscriptionID string          `json:"provider_subscription_id"`
	Status                 string          `json:"status"`
	AmountCents            int64           `json:"amount_cents"`
	Currency               string          `json:"currency"`
	Interval               string          `json:"interval"`
	PlatformPercentage     decimal.Decimal `json:"platform_percentage"`
	CurrentPeriodEnd       *time.Time      `json:"current_period_end,omitempty"`
	CanceledAt             *time.Time      `json:"canceled_at,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
}

func newCheckoutResponse(session *pkgstripe.CheckoutSession) checkoutResponse {
	return checkoutResponse{SessionID: session.ID, CheckoutURL: session.URL}
}

func newPlatformSubscriptionResponse(sub *models.PlatformSubscription) platformSubscriptionResponse {
	return platformSubscriptionResponse{
		ID:                     sub.ID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		PlanID:                 sub.PlanID,
		Status:                 string(sub.Status),
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		CanceledAt:             sub.CanceledAt,
		CreatedAt:              sub.CreatedAt,
	}
}

func newMemberSubscriptionResponses(subs []models.MemberSubscription) []memberSubscriptionResponse {
	items := make([]memberSubscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		items = append(items, memberSubscriptionResponse{
			ID:                     sub.ID,
			CommunityID:            sub.CommunityID,
			UserID:                 sub.UserID,
			PlanID:                 sub.PlanID,
			ProviderSubscriptionID: sub.ProviderSubscriptionID,
			Status:                 string(sub.Status),
			AmountCents:            sub.AmountCents,
			Currency:               sub.Currency,
			Interval:               sub.IntervalType.String(),
			PlatformPercentage:     sub.PlatformPercentage,
			CurrentPeriodEnd:       sub.CurrentPeriodEnd,
			CanceledAt:             sub.CanceledAt,
			CreatedAt:              sub.CreatedAt,
		})
	}
	return items
}
