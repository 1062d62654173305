package enums

// SubscriptionType tags provider objects so webhooks can be routed back to
// the right local aggregate.
type SubscriptionType string

const (
	SubscriptionTypePlatform SubscriptionType = "platform"
	SubscriptionTypeMember   SubscriptionType = "member"
)

var subscriptionTypes = set[SubscriptionType]{SubscriptionTypePlatform, SubscriptionTypeMember}

func (s SubscriptionType) String() string { return string(s) }

func (s SubscriptionType) IsValid() bool { return subscriptionTypes.has(s) }

func ParseSubscriptionType(value string) (SubscriptionType, error) {
	return subscriptionTypes.parse("subscription type", value)
}
