package enums

// OutboxAggregateType names the entity an outbox row is about. Values match
// the aggregate_type Postgres enum.
type OutboxAggregateType string

const (
	AggregateMerchantAccount      OutboxAggregateType = "merchant_account"
	AggregateMemberSubscription   OutboxAggregateType = "member_subscription"
	AggregatePlatformSubscription OutboxAggregateType = "platform_subscription"
	AggregatePaymentTransaction   OutboxAggregateType = "payment_transaction"
)

var aggregateTypes = set[OutboxAggregateType]{
	AggregateMerchantAccount,
	AggregateMemberSubscription,
	AggregatePlatformSubscription,
	AggregatePaymentTransaction,
}

func (a OutboxAggregateType) IsValid() bool { return aggregateTypes.has(a) }

func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	return aggregateTypes.parse("aggregate type", value)
}

// OutboxEventType is the kind of change an outbox row announces. Values
// match the event_type Postgres enum.
type OutboxEventType string

const (
	EventPaymentRecorded           OutboxEventType = "payment_recorded"
	EventPaymentRefunded           OutboxEventType = "payment_refunded"
	EventSubscriptionStatusChanged OutboxEventType = "subscription_status_changed"
	EventMerchantAccountUpdated    OutboxEventType = "merchant_account_updated"
)

var outboxEventTypes = set[OutboxEventType]{
	EventPaymentRecorded,
	EventPaymentRefunded,
	EventSubscriptionStatusChanged,
	EventMerchantAccountUpdated,
}

func (e OutboxEventType) IsValid() bool { return outboxEventTypes.has(e) }

func ParseOutboxEventType(value string) (OutboxEventType, error) {
	return outboxEventTypes.parse("event type", value)
}
