package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/angelmondragon/communitypay-backend/pkg/config"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	"github.com/angelmondragon/communitypay-backend/pkg/metrics"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox/registry"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func TestProcessBatchSettlesEachRowIndependently(t *testing.T) {
	first, second := paymentRow(t, 0), paymentRow(t, 0)
	repo := &fakeRepo{events: []models.OutboxEvent{first, second}}
	pub := &fakePublisher{results: []publishResult{
		fakePublishResult{err: errors.New("deadline exceeded")},
		fakePublishResult{},
	}}
	counter := &fakeMetrics{}
	h := newHarness(t, repo, pub, &fakeRegistry{resolved: billingResolution()}, nil)
	h.svc.metrics = counter

	processed, err := h.svc.processBatch(context.Background())
	if err != nil {
		t.Fatalf("processBatch: %v", err)
	}
	if !processed {
		t.Fatalf("expected claimed rows to report processed")
	}
	if len(repo.failed) != 1 || repo.failed[0] != first.ID {
		t.Fatalf("expected first row marked failed, got %v", repo.failed)
	}
	if want := fixedNow.Add(defaultRetryBase); !repo.retryAt[0].Equal(want) {
		t.Fatalf("retry scheduled at %s, want %s", repo.retryAt[0], want)
	}
	if len(repo.published) != 1 || repo.published[0] != second.ID {
		t.Fatalf("expected second row marked published, got %v", repo.published)
	}
	if counter.outcomes[metrics.OutboxRetried] != 1 || counter.outcomes[metrics.OutboxPublished] != 1 {
		t.Fatalf("unexpected outcomes %v", counter.outcomes)
	}
	if len(h.dlq.entries) != 0 {
		t.Fatalf("retryable failure must not dead-letter")
	}
}

func TestProcessBatchEmptyReportsIdle(t *testing.T) {
	h := newHarness(t, &fakeRepo{}, &fakePublisher{}, &fakeRegistry{resolved: billingResolution()}, nil)

	processed, err := h.svc.processBatch(context.Background())
	if err != nil {
		t.Fatalf("processBatch: %v", err)
	}
	if processed {
		t.Fatalf("expected idle batch")
	}
}

func TestProcessBatchPropagatesClaimError(t *testing.T) {
	repo := &fakeRepo{fetchErr: errors.New("connection reset")}
	h := newHarness(t, repo, &fakePublisher{}, &fakeRegistry{resolved: billingResolution()}, nil)

	if _, err := h.svc.processBatch(context.Background()); err == nil {
		t.Fatalf("expected claim error")
	}
}

func TestPublishedMessageCarriesCommunityAttributes(t *testing.T) {
	communityID := uuid.New()
	row := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventSubscriptionStatusChanged,
		AggregateType: enums.AggregateMemberSubscription,
		AggregateID:   uuid.New(),
		Payload:       envelopeBytes(t, "status-changed"),
	}
	resolved := billingResolution()
	resolved.Envelope.Version = 1
	resolved.Envelope.Actor = &outbox.ActorRef{CommunityID: &communityID, ProviderEventID: "evt_123"}
	resolved.Payload = &payloads.SubscriptionStatusChangedEvent{}

	pub := &fakePublisher{results: []publishResult{fakePublishResult{}}}
	h := newHarness(t, &fakeRepo{events: []models.OutboxEvent{row}}, pub, &fakeRegistry{resolved: resolved}, nil)

	if _, err := h.svc.processBatch(context.Background()); err != nil {
		t.Fatalf("processBatch: %v", err)
	}
	if len(pub.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(pub.sent))
	}
	msg := pub.sent[0]
	if !bytes.Equal(msg.Data, row.Payload) {
		t.Fatalf("payload must be relayed unchanged")
	}
	want := map[string]string{
		"community_id":      communityID.String(),
		"provider_event_id": "evt_123",
		"event_type":        string(enums.EventSubscriptionStatusChanged),
		"envelope_version":  "1",
		"aggregate_id":      row.AggregateID.String(),
	}
	for key, value := range want {
		if msg.Attributes[key] != value {
			t.Fatalf("attribute %s = %q, want %q", key, msg.Attributes[key], value)
		}
	}
}

func TestDeadLetterReasons(t *testing.T) {
	cases := []struct {
		name     string
		attempts int
		registry *fakeRegistry
		pub      *fakePublisher
		noPub    bool
		want     enums.OutboxDLQErrorReason
	}{
		{
			name:     "unresolvable envelope",
			registry: &fakeRegistry{err: registry.NewNonRetryableError(errors.New("invalid payload"))},
			pub:      &fakePublisher{},
			want:     enums.OutboxDLQReasonUnresolvable,
		},
		{
			name:     "missing publisher",
			registry: &fakeRegistry{resolved: billingResolution()},
			noPub:    true,
			want:     enums.OutboxDLQReasonNonRetryable,
		},
		{
			name:     "attempts exhausted",
			attempts: 1,
			registry: &fakeRegistry{resolved: billingResolution()},
			pub:      &fakePublisher{results: []publishResult{fakePublishResult{err: errors.New("unavailable")}}},
			want:     enums.OutboxDLQReasonMaxAttempts,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			row := paymentRow(t, tc.attempts)
			repo := &fakeRepo{events: []models.OutboxEvent{row}}
			counter := &fakeMetrics{}
			h := newHarness(t, repo, tc.pub, tc.registry, &config.OutboxConfig{BatchSize: 1, PollIntervalMS: 100, MaxAttempts: 2})
			h.svc.metrics = counter
			if tc.noPub {
				h.svc.publisherFactory = func(string) publisher { return nil }
			}

			if _, err := h.svc.processBatch(context.Background()); err != nil {
				t.Fatalf("processBatch: %v", err)
			}
			if len(h.dlq.entries) != 1 {
				t.Fatalf("expected one dlq entry, got %d", len(h.dlq.entries))
			}
			entry := h.dlq.entries[0]
			if entry.ErrorReason != tc.want {
				t.Fatalf("reason = %s, want %s", entry.ErrorReason, tc.want)
			}
			if entry.EventID != row.ID || !bytes.Equal(entry.Payload, row.Payload) {
				t.Fatalf("dlq entry does not mirror the outbox row")
			}
			if !entry.FailedAt.Equal(fixedNow) {
				t.Fatalf("failed_at = %s", entry.FailedAt)
			}
			if entry.ErrorMessage == nil || *entry.ErrorMessage == "" {
				t.Fatalf("expected error message on dlq entry")
			}
			if len(repo.terminal) != 1 || repo.terminal[0] != row.ID {
				t.Fatalf("expected row marked terminal")
			}
			if counter.outcomes[metrics.OutboxDeadLettered] != 1 {
				t.Fatalf("unexpected outcomes %v", counter.outcomes)
			}
		})
	}
}

func TestPollBackoffDoublesToCeiling(t *testing.T) {
	b := newPollBackoff(time.Second, 5*time.Second)
	got := []time.Duration{b.next(), b.next(), b.next(), b.next()}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d = %s, want %s", i, got[i], want[i])
		}
	}
	b.reset()
	if b.next() != 2*time.Second {
		t.Fatalf("reset should restart from base")
	}
}

func TestRetryDelayGrowsPerAttempt(t *testing.T) {
	h := newHarness(t, &fakeRepo{}, &fakePublisher{}, &fakeRegistry{resolved: billingResolution()},
		&config.OutboxConfig{BatchSize: 1, PollIntervalMS: 100, MaxAttempts: 50, RetryBaseMS: 1000})

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{20, maxRetryDelay},
	}
	for _, tt := range tests {
		got := h.svc.retryAt(paymentRow(t, tt.attempts)).Sub(fixedNow)
		if got != tt.want {
			t.Fatalf("attempt %d: delay %s, want %s", tt.attempts, got, tt.want)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, &fakeRepo{}, &fakePublisher{}, &fakeRegistry{resolved: billingResolution()}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.svc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceParams{}); err == nil {
		t.Fatalf("expected missing dependency error")
	}
}

type harness struct {
	svc *Service
	dlq *fakeDLQRepo
}

func newHarness(t *testing.T, repo outboxRepository, pub *fakePublisher, resolver registryResolver, override *config.OutboxConfig) harness {
	t.Helper()
	outboxCfg := config.OutboxConfig{BatchSize: 2, PollIntervalMS: 100, MaxAttempts: 5}
	if override != nil {
		outboxCfg = *override
	}
	dlq := &fakeDLQRepo{}
	svc, err := NewService(ServiceParams{
		Config:        &config.Config{Outbox: outboxCfg},
		Logger:        logger.New(logger.Options{ServiceName: "outbox-publisher-test", Output: io.Discard}),
		DB:            fakeDB{},
		PubSub:        fakePubSubClient{},
		Repository:    repo,
		Registry:      resolver,
		DLQRepository: dlq,
		PublisherFactory: func(string) publisher {
			if pub == nil {
				return nil
			}
			return pub
		},
		Clock: func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return harness{svc: svc, dlq: dlq}
}

func paymentRow(t *testing.T, attempts int) models.OutboxEvent {
	t.Helper()
	id := uuid.New()
	return models.OutboxEvent{
		ID:            id,
		EventType:     enums.EventPaymentRecorded,
		AggregateType: enums.AggregatePaymentTransaction,
		AggregateID:   uuid.New(),
		Payload:       envelopeBytes(t, id.String()),
		AttemptCount:  attempts,
	}
}

func billingResolution() *registry.ResolvedEvent {
	return &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{Topic: "billing-topic"},
		Envelope:   outbox.PayloadEnvelope{OccurredAt: fixedNow},
		Payload:    &payloads.PaymentRecordedEvent{},
	}
}

func envelopeBytes(t *testing.T, eventID string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    eventID,
		OccurredAt: fixedNow,
		Data:       json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

type fakeRepo struct {
	events    []models.OutboxEvent
	fetchErr  error
	published []uuid.UUID
	failed    []uuid.UUID
	retryAt   []time.Time
	terminal  []uuid.UUID
}

func (f *fakeRepo) ClaimDue(*gorm.DB, time.Time, int, int) ([]models.OutboxEvent, error) {
	return f.events, f.fetchErr
}

func (f *fakeRepo) MarkPublishedTx(_ *gorm.DB, id uuid.UUID, _ time.Time) error {
	f.published = append(f.published, id)
	return nil
}

func (f *fakeRepo) MarkFailedTx(_ *gorm.DB, id uuid.UUID, _ error, retryAt time.Time) error {
	f.failed = append(f.failed, id)
	f.retryAt = append(f.retryAt, retryAt)
	return nil
}

func (f *fakeRepo) MarkTerminalTx(_ *gorm.DB, id uuid.UUID, _ error, _ int) error {
	f.terminal = append(f.terminal, id)
	return nil
}

type fakeDB struct{}

func (fakeDB) Ping(context.Context) error { return nil }

func (fakeDB) WithTx(_ context.Context, fn func(*gorm.DB) error) error { return fn(nil) }

type fakePubSubClient struct{}

func (fakePubSubClient) Ping(context.Context) error { return nil }

func (fakePubSubClient) Publisher(string) *gcppubsub.Publisher { return nil }

type fakePublisher struct {
	results []publishResult
	sent    []*gcppubsub.Message
}

func (f *fakePublisher) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	f.sent = append(f.sent, msg)
	if len(f.results) == 0 {
		return nil
	}
	next := f.results[0]
	f.results = f.results[1:]
	return next
}

type fakePublishResult struct {
	err error
}

func (f fakePublishResult) Get(context.Context) (string, error) {
	return "server-id", f.err
}

type fakeRegistry struct {
	resolved *registry.ResolvedEvent
	err      error
}

func (f *fakeRegistry) Resolve(event models.OutboxEvent) (*registry.ResolvedEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := *f.resolved
	out.Descriptor.Aggregates = []enums.OutboxAggregateType{event.AggregateType}
	out.Envelope.EventID = event.ID.String()
	return &out, nil
}

type fakeDLQRepo struct {
	entries []models.OutboxDLQ
}

func (f *fakeDLQRepo) InsertTx(_ *gorm.DB, entry models.OutboxDLQ) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeMetrics struct {
	outcomes map[string]int
}

func (f *fakeMetrics) IncPublish(_ string, outcome string) {
	if f.outcomes == nil {
		f.outcomes = map[string]int{}
	}
	f.outcomes[outcome]++
}
