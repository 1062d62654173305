package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/angelmondragon/communitypay-backend/pkg/config"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox/registry"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultBatchSize   = 50
	defaultPoll        = 500 * time.Millisecond
	defaultMaxAttempts = 10
	defaultRetryBase   = 2 * time.Second
	maxRetryDelay      = 5 * time.Minute
	maxIdleBackoff     = 10 * time.Second
	pollJitter         = 250 * time.Millisecond
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type publishMetrics interface {
	IncPublish(eventType, outcome string)
}

type outboxRepository interface {
	ClaimDue(tx *gorm.DB, now time.Time, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID, at time.Time) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, cause error, retryAt time.Time) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type ServiceParams struct {
	Config           *config.Config
	Logger           *logger.Logger
	DB               dbClient
	PubSub           pubSubClient
	Repository       outboxRepository
	Registry         registryResolver
	PublisherFactory publisherFactory
	DLQRepository    dlqRepository
	Metrics          publishMetrics
	Clock            func() time.Time
}

// Service relays committed outbox rows to Pub/Sub. Each batch is claimed
// under a row lock and settled in the same transaction, so a crash between
// publish and settle only ever causes a redelivery.
type Service struct {
	logg             *logger.Logger
	db               dbClient
	repo             outboxRepository
	pubsub           pubSubClient
	registry         registryResolver
	dlq              dlqRepository
	publisherFactory publisherFactory
	metrics          publishMetrics
	now              func() time.Time

	batchSize   int
	maxAttempts int
	poll        time.Duration
	retryBase   time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	required := []struct {
		ok   bool
		name string
	}{
		{params.Config != nil, "config"},
		{params.Logger != nil, "logger"},
		{params.DB != nil, "database client"},
		{params.PubSub != nil, "pubsub client"},
		{params.Repository != nil, "outbox repository"},
		{params.Registry != nil, "event registry"},
		{params.DLQRepository != nil, "dlq repository"},
	}
	for _, dep := range required {
		if !dep.ok {
			return nil, fmt.Errorf("%s is required", dep.name)
		}
	}

	factory := params.PublisherFactory
	if factory == nil {
		factory = pubSubPublisherFactory(params.PubSub)
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}

	cfg := params.Config.Outbox
	return &Service{
		logg:             params.Logger,
		db:               params.DB,
		repo:             params.Repository,
		pubsub:           params.PubSub,
		registry:         params.Registry,
		dlq:              params.DLQRepository,
		publisherFactory: factory,
		metrics:          params.Metrics,
		now:              clock,
		batchSize:        positiveOr(cfg.BatchSize, defaultBatchSize),
		maxAttempts:      positiveOr(cfg.MaxAttempts, defaultMaxAttempts),
		poll:             time.Duration(positiveOr(cfg.PollIntervalMS, int(defaultPoll/time.Millisecond))) * time.Millisecond,
		retryBase:        time.Duration(positiveOr(cfg.RetryBaseMS, int(defaultRetryBase/time.Millisecond))) * time.Millisecond,
	}, nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// Run polls until ctx is canceled. A full batch is followed immediately by
// another poll; an empty one waits one interval; a failed one backs off.
func (s *Service) Run(ctx context.Context) error {
	for name, ping := range map[string]func(context.Context) error{
		"database": s.db.Ping,
		"pubsub":   s.pubsub.Ping,
	} {
		if err := ping(ctx); err != nil {
			s.logg.Error(ctx, name+" not reachable", err)
			return fmt.Errorf("%s ping: %w", name, err)
		}
	}

	backoff := newPollBackoff(s.poll, maxIdleBackoff)
	for {
		if err := ctx.Err(); err != nil {
			s.logg.Info(ctx, "outbox publisher stopping")
			return err
		}

		processed, err := s.processBatch(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logg.Error(ctx, "outbox batch failed", err)
			wait = backoff.next()
		case processed:
			backoff.reset()
			continue
		default:
			backoff.reset()
			wait = s.poll
		}

		if err := sleepCtx(ctx, wait+rand.N(pollJitter)); err != nil {
			return err
		}
	}
}

// processBatch claims up to batchSize rows and settles each one. It reports
// whether any row was claimed.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	claimed := 0
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.ClaimDue(tx, s.now().UTC(), s.batchSize, s.maxAttempts)
		if err != nil {
			return fmt.Errorf("claim outbox rows: %w", err)
		}
		claimed = len(events)
		for _, event := range events {
			if err := s.settle(ctx, tx, event, s.dispatch(ctx, event)); err != nil {
				return err
			}
		}
		return nil
	})
	return claimed > 0, err
}

// retryAt schedules the next attempt after a failure: retryBase doubled per
// prior attempt, capped at maxRetryDelay.
func (s *Service) retryAt(event models.OutboxEvent) time.Time {
	delay := s.retryBase
	for i := 0; i < event.AttemptCount && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return s.now().UTC().Add(min(delay, maxRetryDelay))
}

// pollBackoff doubles from base up to ceiling on consecutive failures.
type pollBackoff struct {
	base    time.Duration
	ceiling time.Duration
	current time.Duration
}

func newPollBackoff(base, ceiling time.Duration) *pollBackoff {
	if base <= 0 {
		base = defaultPoll
	}
	return &pollBackoff{base: base, ceiling: ceiling, current: base}
}

func (b *pollBackoff) next() time.Duration {
	b.current = min(b.current*2, b.ceiling)
	return b.current
}

func (b *pollBackoff) reset() {
	b.current = b.base
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
