package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox/registry"
)

const publishTimeout = 15 * time.Second

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type publisherFactory func(topic string) publisher

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

// publish sends the stored payload bytes as-is and waits for the server id.
// A missing publisher is a configuration fault and never retried.
func (s *Service) publish(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	topic := resolved.Descriptor.Topic
	pub := s.publisherFactory(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("no publisher for topic %q", topic))
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	result := pub.Publish(ctx, &gcppubsub.Message{
		Data:       event.Payload,
		Attributes: messageAttributes(event, resolved.Envelope),
	})
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("topic %q returned no publish result", topic))
	}
	_, err := result.Get(ctx)
	return err
}

// messageAttributes lets subscribers filter on community and event type
// without decoding the payload.
func messageAttributes(event models.OutboxEvent, envelope outbox.PayloadEnvelope) map[string]string {
	attrs := map[string]string{
		"event_id":         envelope.EventID,
		"event_type":       string(event.EventType),
		"aggregate_type":   string(event.AggregateType),
		"aggregate_id":     event.AggregateID.String(),
		"envelope_version": strconv.Itoa(envelope.Version),
		"created_at":       event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if actor := envelope.Actor; actor != nil {
		if actor.CommunityID != nil {
			attrs["community_id"] = actor.CommunityID.String()
		}
		if actor.ProviderEventID != "" {
			attrs["provider_event_id"] = actor.ProviderEventID
		}
	}
	return attrs
}

func pubSubPublisherFactory(client pubSubClient) publisherFactory {
	return func(topic string) publisher {
		p := client.Publisher(topic)
		if p == nil {
			return nil
		}
		return gcpPublisher{p}
	}
}

type gcpPublisher struct {
	p *gcppubsub.Publisher
}

func (g gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	res := g.p.Publish(ctx, msg)
	if res == nil {
		return nil
	}
	return gcpResult{res}
}

type gcpResult struct {
	r *gcppubsub.PublishResult
}

func (g gcpResult) Get(ctx context.Context) (string, error) {
	if g.r == nil {
		return "", errors.New("empty publish result")
	}
	return g.r.Get(ctx)
}
