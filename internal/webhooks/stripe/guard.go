package stripewebhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/communitypay-backend/pkg/redis"
)

const defaultGuardTTL = 24 * time.Hour

// DeliveryGuard lets one delivery of a provider event claim it in Redis before
// the durable ledger is consulted. It is an optimisation only: when Redis is
// down or a claim expires the ledger insert still rejects the duplicate.
type DeliveryGuard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
	scope string
}

func NewDeliveryGuard(store redis.IdempotencyStore, ttl time.Duration, scope string) (*DeliveryGuard, error) {
	if store == nil {
		return nil, errors.New("delivery guard needs a redis store")
	}
	if scope == "" {
		return nil, errors.New("delivery guard needs a key scope")
	}
	if ttl <= 0 {
		ttl = defaultGuardTTL
	}
	return &DeliveryGuard{store: store, ttl: ttl, scope: scope}, nil
}

// Claim returns true when this caller now owns eventID. The event type is
// stored as the value to make stuck claims readable in redis-cli.
func (g *DeliveryGuard) Claim(ctx context.Context, eventID, eventType string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	claimed, err := g.store.SetNX(ctx, g.store.IdempotencyKey(g.scope, eventID), eventType, g.ttl)
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	return claimed, nil
}

// Release drops a claim after a failed attempt so the provider's retry is
// processed instead of skipped.
func (g *DeliveryGuard) Release(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	if err := g.store.Del(ctx, g.store.IdempotencyKey(g.scope, eventID)); err != nil {
		return fmt.Errorf("release event %s: %w", eventID, err)
	}
	return nil
}
