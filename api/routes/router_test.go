package routes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/communitypay-backend/internal/ledger"
	"github.com/angelmondragon/communitypay-backend/internal/merchants"
	"github.com/angelmondragon/communitypay-backend/internal/plans"
	"github.com/angelmondragon/communitypay-backend/internal/subscriptions"
	stripewebhook "github.com/angelmondragon/communitypay-backend/internal/webhooks/stripe"
	pkgAuth "github.com/angelmondragon/communitypay-backend/pkg/auth"
	"github.com/angelmondragon/communitypay-backend/pkg/config"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	"github.com/angelmondragon/communitypay-backend/pkg/metrics"
	pkgstripe "github.com/angelmondragon/communitypay-backend/pkg/stripe"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error {
	return nil
}

type stubSplitService struct{}

func (stubSplitService) SetSplit(ctx context.Context, communityID uuid.UUID, pct decimal.Decimal) (*models.RevenueSplit, error) {
	return &models.RevenueSplit{CommunityID: communityID, PlatformPercentage: pct, CreatorPercentage: decimal.NewFromInt(100).Sub(pct), IsActive: true}, nil
}

func (stubSplitService) GetActive(ctx context.Context, communityID uuid.UUID) (*models.RevenueSplit, error) {
	return &models.RevenueSplit{CommunityID: communityID, PlatformPercentage: decimal.NewFromInt(10), CreatorPercentage: decimal.NewFromInt(90), IsActive: true}, nil
}

func (s stubSplitService) ActiveAt(ctx context.Context, communityID uuid.UUID, at time.Time) (*models.RevenueSplit, error) {
	return s.GetActive(ctx, communityID)
}

func (stubSplitService) History(ctx context.Context, communityID uuid.UUID) ([]models.RevenueSplit, error) {
	return nil, nil
}

type stubPlanService struct {
	plans.Service
}

func (stubPlanService) CreatePlan(ctx context.Context, input plans.CreatePlanInput) (*models.SubscriptionPlan, error) {
	return &models.SubscriptionPlan{ID: uuid.New(), CommunityID: input.CommunityID, Name: input.Name, Interval: input.Interval, IsActive: true}, nil
}

func (stubPlanService) ListPlatformPlans(ctx context.Context) ([]models.PlatformPlan, error) {
	return []models.PlatformPlan{{ID: uuid.New(), Name: "Starter", Interval: enums.BillingIntervalMonth}}, nil
}

func (stubPlanService) GetPlatformPlan(ctx context.Context, planID uuid.UUID) (*models.PlatformPlan, error) {
	return &models.PlatformPlan{ID: planID, Name: "Starter", Interval: enums.BillingIntervalMonth}, nil
}

type stubSubscriptionService struct {
	subscriptions.Service
	mu          sync.Mutex
	memberCalls []subscriptions.MemberCheckoutInput
}

func (s *stubSubscriptionService) SubscribeMember(ctx context.Context, input subscriptions.MemberCheckoutInput) (*pkgstripe.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberCalls = append(s.memberCalls, input)
	return &pkgstripe.CheckoutSession{ID: "cs_member", URL: "https://checkout.example.com/cs_member"}, nil
}

func (s *stubSubscriptionService) ListUserSubscriptions(ctx context.Context, userID uuid.UUID) ([]models.MemberSubscription, error) {
	return nil, nil
}

type stubWebhookService struct {
	calls int
}

func (s *stubWebhookService) HandlePayload(ctx context.Context, payload []byte, signature string) (*stripewebhook.Result, error) {
	s.calls++
	return &stripewebhook.Result{EventID: "evt_1", EventType: "invoice.paid", Outcome: metrics.WebhookProcessed}, nil
}

// memoryCache is an in-memory CacheStore.
type memoryCache struct {
	mu       sync.Mutex
	values   map[string]string
	counters map[string]int64
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: map[string]string{}, counters: map[string]int64{}}
}

func (m *memoryCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", goredis.Nil
	}
	return v, nil
}

func (m *memoryCache) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = fmt.Sprint(value)
	return true, nil
}

func (m *memoryCache) IdempotencyKey(scope, id string) string {
	return "idem:" + scope + ":" + id
}

func (m *memoryCache) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *memoryCache) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *memoryCache) RateLimitKey(policy, scope, id string) string {
	return "rl:" + policy + ":" + scope + ":" + id
}

func (m *memoryCache) Ping(ctx context.Context) error {
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "test", CORSOrigins: []string{"http://localhost:3000"}},
		JWT: config.JWTConfig{Secret: "secret", Issuer: "issuer"},
		Billing: config.BillingConfig{
			CheckoutRateWindow:    time.Minute,
			CheckoutRateLimitIP:   100,
			CheckoutRateLimitUser: 2,
		},
	}
}

type routerFixture struct {
	cfg           *config.Config
	router        http.Handler
	subscriptions *stubSubscriptionService
	webhooks      *stubWebhookService
}

func newFixture(t *testing.T, cache CacheStore) *routerFixture {
	t.Helper()
	cfg := testConfig()
	logg := logger.New(logger.Options{ServiceName: "test-routing", Level: logger.ParseLevel("debug"), Output: io.Discard})

	registry := prometheus.NewRegistry()
	metrics.NewBillingMetrics(registry).IncWebhookEvent("invoice.paid", metrics.WebhookProcessed)

	subs := &stubSubscriptionService{}
	hooks := &stubWebhookService{}
	router := NewRouter(cfg, logg, stubPinger{}, cache, registry, Services{
		Merchants:     (merchants.Service)(nil),
		RevenueSplits: stubSplitService{},
		Plans:         stubPlanService{},
		Subscriptions: subs,
		Ledger:        (ledger.Service)(nil),
		Webhooks:      hooks,
	})
	return &routerFixture{cfg: cfg, router: router, subscriptions: subs, webhooks: hooks}
}

func buildToken(t *testing.T, cfg *config.Config, role enums.CommunityRole, communityID *uuid.UUID) string {
	t.Helper()
	token, err := pkgAuth.MintAccessToken(cfg.JWT, time.Now(), time.Hour, pkgAuth.AccessTokenPayload{
		UserID:            uuid.New(),
		Email:             "person@example.com",
		ActiveCommunityID: communityID,
		Role:              role,
	})
	require.NoError(t, err)
	return token
}

func (f *routerFixture) do(method, target, token, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	return resp
}

func TestHealthRoutesArePublic(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health/live", "", "", nil).Code)
	ready := f.do(http.MethodGet, "/health/ready", "", "", nil)
	assert.Equal(t, http.StatusOK, ready.Code)
	assert.Contains(t, ready.Body.String(), `"postgres":"up"`)
}

func TestMetricsEndpointExposesBillingCounters(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(http.MethodGet, "/metrics", "", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "webhook_events_total")
}

func TestWebhookRouteSkipsAuth(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(http.MethodPost, "/webhooks/payments", "", `{"id":"evt_1"}`, map[string]string{"Stripe-Signature": "t=1,v1=abc"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, f.webhooks.calls)
}

func TestCommunityRoutesRequireJWT(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(http.MethodGet, "/api/v1/community/revenue-split", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestCommunityRoutesRequireManagerRole(t *testing.T) {
	f := newFixture(t, nil)
	communityID := uuid.New()

	member := buildToken(t, f.cfg, enums.CommunityRoleMember, &communityID)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/v1/community/revenue-split", member, "", nil).Code)

	noCommunity := buildToken(t, f.cfg, "", nil)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/v1/community/revenue-split", noCommunity, "", nil).Code)

	admin := buildToken(t, f.cfg, enums.CommunityRoleAdmin, &communityID)
	resp := f.do(http.MethodGet, "/api/v1/community/revenue-split", admin, "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"platform_percentage":"10"`)
}

func TestPlatformPlansOpenToAnyCaller(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(http.MethodGet, "/api/v1/platform/plans", buildToken(t, f.cfg, "", nil), "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "Starter")
}

func TestPlatformPlanFetchByID(t *testing.T) {
	f := newFixture(t, nil)
	planID := uuid.New()

	resp := f.do(http.MethodGet, "/api/v1/platform/plans/"+planID.String(), buildToken(t, f.cfg, "", nil), "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), planID.String())

	resp = f.do(http.MethodGet, "/api/v1/platform/plans/latest", buildToken(t, f.cfg, "", nil), "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestMemberSubscribeUsesRouteCommunity(t *testing.T) {
	f := newFixture(t, nil)
	active := uuid.New()
	target := uuid.New()

	token := buildToken(t, f.cfg, enums.CommunityRoleOwner, &active)
	body := `{"plan_id":"` + uuid.NewString() + `"}`
	resp := f.do(http.MethodPost, "/api/v1/communities/"+target.String()+"/subscriptions", token, body, nil)

	require.Equal(t, http.StatusCreated, resp.Code)
	require.Len(t, f.subscriptions.memberCalls, 1)
	assert.Equal(t, target, f.subscriptions.memberCalls[0].CommunityID)
	assert.Equal(t, "person@example.com", f.subscriptions.memberCalls[0].Email)
}

func TestMemberSubscribeRejectsBadCommunityParam(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(http.MethodPost, "/api/v1/communities/not-a-uuid/subscriptions", buildToken(t, f.cfg, "", nil), `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestIdempotencyRequiredWhenCacheConfigured(t *testing.T) {
	f := newFixture(t, newMemoryCache())
	communityID := uuid.New()
	token := buildToken(t, f.cfg, enums.CommunityRoleOwner, &communityID)
	body := `{"platform_percentage": 15}`

	missing := f.do(http.MethodPut, "/api/v1/community/revenue-split", token, body, nil)
	assert.Equal(t, http.StatusBadRequest, missing.Code)

	first := f.do(http.MethodPut, "/api/v1/community/revenue-split", token, body, map[string]string{"Idempotency-Key": "split-1"})
	require.Equal(t, http.StatusOK, first.Code)

	replay := f.do(http.MethodPut, "/api/v1/community/revenue-split", token, body, map[string]string{"Idempotency-Key": "split-1"})
	require.Equal(t, http.StatusOK, replay.Code)
	assert.Equal(t, first.Body.String(), replay.Body.String())

	changed := f.do(http.MethodPut, "/api/v1/community/revenue-split", token, `{"platform_percentage": 20}`, map[string]string{"Idempotency-Key": "split-1"})
	assert.Equal(t, http.StatusConflict, changed.Code)
}

func TestCheckoutCreationIsRateLimited(t *testing.T) {
	f := newFixture(t, newMemoryCache())
	communityID := uuid.New()
	token := buildToken(t, f.cfg, "", nil)
	target := "/api/v1/communities/" + communityID.String() + "/subscriptions"

	for i := 0; i < 2; i++ {
		body := `{"plan_id":"` + uuid.NewString() + `"}`
		resp := f.do(http.MethodPost, target, token, body, map[string]string{"Idempotency-Key": fmt.Sprintf("checkout-%d", i)})
		require.Equal(t, http.StatusCreated, resp.Code)
	}

	resp := f.do(http.MethodPost, target, token, `{"plan_id":"`+uuid.NewString()+`"}`, map[string]string{"Idempotency-Key": "checkout-3"})
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Len(t, f.subscriptions.memberCalls, 2)
}
