package main

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	"github.com/angelmondragon/communitypay-backend/pkg/metrics"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox/registry"
	"gorm.io/gorm"
)

type disposition int

const (
	dispositionPublished disposition = iota
	dispositionRetry
	dispositionDeadLetter
)

// verdict is what happened to one row on this attempt.
type verdict struct {
	disposition disposition
	reason      enums.OutboxDLQErrorReason
	err         error
	resolved    *registry.ResolvedEvent
}

func (v verdict) topic() string {
	if v.resolved == nil {
		return ""
	}
	return v.resolved.Descriptor.Topic
}

// dispatch resolves and publishes one row without touching the database.
func (s *Service) dispatch(ctx context.Context, event models.OutboxEvent) verdict {
	resolved, err := s.registry.Resolve(event)
	if err != nil {
		return verdict{disposition: dispositionDeadLetter, reason: enums.OutboxDLQReasonUnresolvable, err: err}
	}

	err = s.publish(ctx, event, resolved)
	if err == nil {
		return verdict{disposition: dispositionPublished, resolved: resolved}
	}

	if registry.IsNonRetryable(err) {
		return verdict{disposition: dispositionDeadLetter, reason: enums.OutboxDLQReasonNonRetryable, err: err, resolved: resolved}
	}
	if event.AttemptCount+1 >= s.maxAttempts {
		return verdict{
			disposition: dispositionDeadLetter,
			reason:      enums.OutboxDLQReasonMaxAttempts,
			err:         fmt.Errorf("gave up after %d attempts: %w", event.AttemptCount+1, err),
			resolved:    resolved,
		}
	}
	return verdict{disposition: dispositionRetry, err: err, resolved: resolved}
}

// settle records the verdict on the row inside the batch transaction.
func (s *Service) settle(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, v verdict) error {
	ctx = s.logg.WithFields(ctx, s.logFields(event, v))

	switch v.disposition {
	case dispositionPublished:
		if err := s.repo.MarkPublishedTx(tx, event.ID, s.now().UTC()); err != nil {
			return fmt.Errorf("mark %s published: %w", event.ID, err)
		}
		s.logg.Info(ctx, "outbox event published")
		s.count(event, metrics.OutboxPublished)

	case dispositionRetry:
		retryAt := s.retryAt(event)
		if err := s.repo.MarkFailedTx(tx, event.ID, v.err, retryAt); err != nil {
			return fmt.Errorf("mark %s failed: %w", event.ID, err)
		}
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"error":    v.err.Error(),
			"retry_at": retryAt.Format(time.RFC3339),
		}), "outbox publish failed, will retry")
		s.count(event, metrics.OutboxRetried)

	case dispositionDeadLetter:
		if err := s.dlq.InsertTx(tx, deadLetterFor(event, v, s.now().UTC())); err != nil {
			return fmt.Errorf("dead-letter %s: %w", event.ID, err)
		}
		if err := s.repo.MarkTerminalTx(tx, event.ID, v.err, s.maxAttempts); err != nil {
			return fmt.Errorf("mark %s terminal: %w", event.ID, err)
		}
		s.logg.Warn(s.logg.WithField(ctx, "error", v.err.Error()), "outbox event dead-lettered")
		s.count(event, metrics.OutboxDeadLettered)
	}
	return nil
}

func deadLetterFor(event models.OutboxEvent, v verdict, at time.Time) models.OutboxDLQ {
	entry := models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   v.reason,
		AttemptCount:  event.AttemptCount,
		FailedAt:      at,
	}
	if v.err != nil {
		msg := v.err.Error()
		entry.ErrorMessage = &msg
	}
	return entry
}

func (s *Service) count(event models.OutboxEvent, outcome string) {
	if s.metrics != nil {
		s.metrics.IncPublish(string(event.EventType), outcome)
	}
}

func (s *Service) logFields(event models.OutboxEvent, v verdict) map[string]any {
	fields := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID.String(),
		"attempt":        event.AttemptCount + 1,
	}
	if topic := v.topic(); topic != "" {
		fields["topic"] = topic
	}
	if v.resolved != nil && v.resolved.Envelope.EventID != "" {
		fields["event_id"] = v.resolved.Envelope.EventID
	}
	if v.disposition == dispositionDeadLetter {
		fields["dlq_reason"] = v.reason
	}
	return fields
}
