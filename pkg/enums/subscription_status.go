package enums

import "fmt"

// SubscriptionStatus is the local lifecycle state shared by platform and
// member subscriptions.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

var subscriptionStatuses = set[SubscriptionStatus]{
	SubscriptionStatusTrialing,
	SubscriptionStatusActive,
	SubscriptionStatusPastDue,
	SubscriptionStatusCanceled,
}

func (s SubscriptionStatus) String() string { return string(s) }

func (s SubscriptionStatus) IsValid() bool { return subscriptionStatuses.has(s) }

// IsOpen reports whether the subscription still grants access.
func (s SubscriptionStatus) IsOpen() bool {
	return s.IsValid() && s != SubscriptionStatusCanceled
}

func ParseSubscriptionStatus(value string) (SubscriptionStatus, error) {
	return subscriptionStatuses.parse("subscription status", value)
}

// providerStatuses folds the provider's richer status set into the local
// four states.
var providerStatuses = map[string]SubscriptionStatus{
	"trialing":           SubscriptionStatusTrialing,
	"active":             SubscriptionStatusActive,
	"past_due":           SubscriptionStatusPastDue,
	"unpaid":             SubscriptionStatusPastDue,
	"incomplete":         SubscriptionStatusPastDue,
	"paused":             SubscriptionStatusPastDue,
	"canceled":           SubscriptionStatusCanceled,
	"incomplete_expired": SubscriptionStatusCanceled,
}

func SubscriptionStatusFromProvider(value string) (SubscriptionStatus, error) {
	if status, ok := providerStatuses[value]; ok {
		return status, nil
	}
	return "", fmt.Errorf("unknown provider subscription status %q", value)
}
