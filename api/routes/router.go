package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/communitypay-backend/api/controllers"
	ledgercontrollers "github.com/angelmondragon/communitypay-backend/api/controllers/ledger"
	merchantcontrollers "github.com/angelmondragon/communitypay-backend/api/controllers/merchants"
	plancontrollers "github.com/angelmondragon/communitypay-backend/api/controllers/plans"
	splitcontrollers "github.com/angelmondragon/communitypay-backend/api/controllers/revenuesplits"
	subscriptionControllers "github.com/angelmondragon/communitypay-backend/api/controllers/subscriptions"
	webhookcontrollers "github.com/angelmondragon/communitypay-backend/api/controllers/webhooks"
	"github.com/angelmondragon/communitypay-backend/api/middleware"
	"github.com/angelmondragon/communitypay-backend/internal/ledger"
	"github.com/angelmondragon/communitypay-backend/internal/merchants"
	"github.com/angelmondragon/communitypay-backend/internal/plans"
	"github.com/angelmondragon/communitypay-backend/internal/revenuesplits"
	"github.com/angelmondragon/communitypay-backend/internal/subscriptions"
	"github.com/angelmondragon/communitypay-backend/pkg/config"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/communitypay-backend/pkg/redis"
)

// CacheStore is the redis surface used by the HTTP layer. A nil store turns
// off idempotency replay and rate limiting.
type CacheStore interface {
	pkgredis.IdempotencyStore
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	RateLimitKey(policy, scope, id string) string
	Ping(ctx context.Context) error
}

// Services groups the domain services exposed over HTTP.
type Services struct {
	Merchants     merchants.Service
	RevenueSplits revenuesplits.Service
	Plans         plans.Service
	Subscriptions subscriptions.Service
	Ledger        ledger.Service
	Webhooks      webhookcontrollers.PaymentWebhookService
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	cache CacheStore,
	gatherer prometheus.Gatherer,
	svcs Services,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.Recoverer(logg),
		middleware.CORS(cfg.App.CORSOrigins, logg),
	)

	checkoutPolicy := middleware.NewRateLimitPolicy(
		"checkout",
		cfg.Billing.CheckoutRateWindow,
		cfg.Billing.CheckoutRateLimitIP,
		cfg.Billing.CheckoutRateLimitUser,
	)

	var idempotencyStore pkgredis.IdempotencyStore
	var readiness = map[string]controllers.Pinger{"postgres": dbP}
	if cache != nil {
		idempotencyStore = cache
		readiness["redis"] = cache
	}
	rateLimit := func(next http.Handler) http.Handler { return next }
	if cache != nil {
		rateLimit = middleware.RateLimit(checkoutPolicy, cache, logg)
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness))
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/webhooks/payments", webhookcontrollers.PaymentWebhook(svcs.Webhooks, logg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Get("/platform/plans", plancontrollers.PlatformPlansList(svcs.Plans, logg))
		r.Get("/platform/plans/{planID}", plancontrollers.PlatformPlanFetch(svcs.Plans, logg))
		r.Get("/me/subscriptions", subscriptionControllers.MySubscriptions(svcs.Subscriptions, logg))

		r.Route("/community", func(r chi.Router) {
			r.Use(middleware.RequireCommunityManager(logg))
			r.Use(middleware.Idempotency(idempotencyStore, logg))

			r.Post("/merchant/onboarding", merchantcontrollers.MerchantOnboardingBegin(svcs.Merchants, logg))
			r.Post("/merchant/onboarding/refresh", merchantcontrollers.MerchantOnboardingRefresh(svcs.Merchants, logg))
			r.Get("/merchant/status", merchantcontrollers.MerchantStatus(svcs.Merchants, logg))

			r.Get("/revenue-split", splitcontrollers.RevenueSplitGet(svcs.RevenueSplits, logg))
			r.Put("/revenue-split", splitcontrollers.RevenueSplitSet(svcs.RevenueSplits, logg))
			r.Get("/revenue-split/history", splitcontrollers.RevenueSplitHistory(svcs.RevenueSplits, logg))

			r.Get("/plans", plancontrollers.CommunityPlansList(svcs.Plans, logg))
			r.Post("/plans", plancontrollers.CommunityPlanCreate(svcs.Plans, logg))
			r.Post("/plans/sync", plancontrollers.CommunityPlansSync(svcs.Plans, logg))
			r.Get("/plans/{planID}", plancontrollers.CommunityPlanFetch(svcs.Plans, logg))

			r.With(rateLimit).Post("/platform-subscription", subscriptionControllers.PlatformSubscriptionCreate(svcs.Subscriptions, logg))
			r.Get("/platform-subscription", subscriptionControllers.PlatformSubscriptionFetch(svcs.Subscriptions, logg))
			r.Get("/member-subscriptions", subscriptionControllers.CommunityMemberSubscriptions(svcs.Subscriptions, logg))

			r.Get("/analytics/revenue", ledgercontrollers.RevenueAnalytics(svcs.Ledger, logg))
			r.Get("/transactions", ledgercontrollers.TransactionsList(svcs.Ledger, logg))
		})

		r.Route("/communities/{communityID}", func(r chi.Router) {
			r.Use(middleware.CommunityFromRoute("communityID", logg))
			r.Use(middleware.Idempotency(idempotencyStore, logg))
			r.With(rateLimit).Post("/subscriptions", subscriptionControllers.MemberSubscriptionCreate(svcs.Subscriptions, logg))
		})
	})

	return r
}
