package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/angelmondragon/communitypay-backend/pkg/config"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox/payloads"
	"github.com/google/uuid"
)

// EventDescriptor says where an event type is published, which aggregates
// may emit it, and how its data decodes.
type EventDescriptor struct {
	EventType  enums.OutboxEventType
	Aggregates []enums.OutboxAggregateType
	Topic      string
	newPayload func() any
}

// ResolvedEvent is a validated outbox row with its decoded payload.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

// EventRegistry maps each supported event type to its descriptor.
type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// NonRetryableError marks a failure that no amount of retrying will fix.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err carries a NonRetryableError.
func IsNonRetryable(err error) bool {
	var target NonRetryableError
	return errors.As(err, &target)
}

func payloadOf[T any]() func() any {
	return func() any { return new(T) }
}

// NewEventRegistry wires every billing event to the billing topic.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	topic := strings.TrimSpace(cfg.BillingTopic)
	if topic == "" {
		return nil, errors.New("billing topic is required")
	}

	reg := &EventRegistry{entries: map[enums.OutboxEventType]EventDescriptor{}}
	for _, desc := range []EventDescriptor{
		{
			EventType:  enums.EventPaymentRecorded,
			Aggregates: []enums.OutboxAggregateType{enums.AggregatePaymentTransaction},
			newPayload: payloadOf[payloads.PaymentRecordedEvent](),
		},
		{
			EventType:  enums.EventPaymentRefunded,
			Aggregates: []enums.OutboxAggregateType{enums.AggregatePaymentTransaction},
			newPayload: payloadOf[payloads.PaymentRefundedEvent](),
		},
		{
			EventType:  enums.EventMerchantAccountUpdated,
			Aggregates: []enums.OutboxAggregateType{enums.AggregateMerchantAccount},
			newPayload: payloadOf[payloads.MerchantAccountUpdatedEvent](),
		},
		{
			// One event type for both subscription kinds; the row's
			// aggregate type says which.
			EventType:  enums.EventSubscriptionStatusChanged,
			Aggregates: []enums.OutboxAggregateType{enums.AggregateMemberSubscription, enums.AggregatePlatformSubscription},
			newPayload: payloadOf[payloads.SubscriptionStatusChangedEvent](),
		},
	} {
		desc.Topic = topic
		reg.entries[desc.EventType] = desc
	}
	return reg, nil
}

// Lookup returns the descriptor for an event type.
func (r *EventRegistry) Lookup(eventType enums.OutboxEventType) (EventDescriptor, bool) {
	desc, ok := r.entries[eventType]
	return desc, ok
}

// Resolve validates the row against its descriptor and decodes the typed
// payload. Every failure is non-retryable: the row will not get better.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("unsupported event type %s", event.EventType))
	}
	if !slices.Contains(desc.Aggregates, event.AggregateType) {
		return nil, NewNonRetryableError(fmt.Errorf("%s cannot be emitted by aggregate %s", event.EventType, event.AggregateType))
	}
	if event.AggregateID == uuid.Nil {
		return nil, NewNonRetryableError(fmt.Errorf("%s row %s has no aggregate id", event.EventType, event.ID))
	}

	envelope, err := outbox.DecodeEnvelope(event.Payload)
	if err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("%s row %s: %w", event.EventType, event.ID, err))
	}
	payload := desc.newPayload()
	if err := json.Unmarshal(envelope.Data, payload); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s data: %w", event.EventType, err))
	}
	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}
