package outbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the schema version written by Emit. Readers accept
// any version from 1 up to this one.
const EnvelopeVersion = 1

var (
	ErrMalformedEnvelope   = errors.New("malformed outbox envelope")
	ErrUnsupportedEnvelope = errors.New("unsupported outbox envelope version")
)

// ActorRef identifies who produced the event. Provider-driven events carry
// the provider event id instead of a user.
type ActorRef struct {
	UserID          *uuid.UUID `json:"userId,omitempty"`
	CommunityID     *uuid.UUID `json:"communityId,omitempty"`
	ProviderEventID string     `json:"providerEventId,omitempty"`
}

// PayloadEnvelope is the JSON document stored in outbox_events.payload and
// relayed byte-for-byte to subscribers.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// sealEnvelope wraps data for storage. occurredAt is normalized to UTC.
func sealEnvelope(eventID string, occurredAt time.Time, actor *ActorRef, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	return json.Marshal(PayloadEnvelope{
		Version:    EnvelopeVersion,
		EventID:    eventID,
		OccurredAt: occurredAt.UTC(),
		Actor:      actor,
		Data:       raw,
	})
}

// DecodeEnvelope parses a stored payload and rejects envelopes that no
// subscriber could act on: unknown versions, no event id, or empty data.
func DecodeEnvelope(raw []byte) (PayloadEnvelope, error) {
	var env PayloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return PayloadEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Version < 1 || env.Version > EnvelopeVersion {
		return PayloadEnvelope{}, fmt.Errorf("%w: %d", ErrUnsupportedEnvelope, env.Version)
	}
	if env.EventID == "" {
		return PayloadEnvelope{}, fmt.Errorf("%w: missing event id", ErrMalformedEnvelope)
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return PayloadEnvelope{}, fmt.Errorf("%w: missing data", ErrMalformedEnvelope)
	}
	return env, nil
}
