package main

import (
	"fmt"

	"github.com/angelmondragon/communitypay-backend/api/routes"
	"github.com/angelmondragon/communitypay-backend/internal/communities"
	"github.com/angelmondragon/communitypay-backend/internal/ledger"
	"github.com/angelmondragon/communitypay-backend/internal/merchants"
	"github.com/angelmondragon/communitypay-backend/internal/plans"
	"github.com/angelmondragon/communitypay-backend/internal/revenuesplits"
	"github.com/angelmondragon/communitypay-backend/internal/subscriptions"
	stripewebhook "github.com/angelmondragon/communitypay-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/communitypay-backend/pkg/config"
	"github.com/angelmondragon/communitypay-backend/pkg/db"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	"github.com/angelmondragon/communitypay-backend/pkg/metrics"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox"
	"github.com/angelmondragon/communitypay-backend/pkg/redis"
	pkgstripe "github.com/angelmondragon/communitypay-backend/pkg/stripe"
)

const webhookScope = "stripe-webhook"

// wiring is everything buildServices needs from bootstrap.
type wiring struct {
	cfg     *config.Config
	logg    *logger.Logger
	db      *db.Client
	cache   *redis.Client
	stripe  *pkgstripe.Client
	metrics *metrics.BillingMetrics
}

// buildServices constructs the domain services in dependency order:
// merchants and splits first, then plans and the ledger, then subscriptions
// and finally the webhook processor that drives all of them.
func buildServices(w wiring) (routes.Services, error) {
	gateway, err := pkgstripe.NewGateway(w.stripe)
	if err != nil {
		return routes.Services{}, fmt.Errorf("payment gateway: %w", err)
	}

	gormDB := w.db.DB()
	outboxService := outbox.NewService(outbox.NewRepository(gormDB), w.logg)
	communityRepo := communities.NewRepository(gormDB)
	planRepo := plans.NewRepository(gormDB)

	merchantService, err := merchants.NewService(merchants.ServiceParams{
		Repo:        merchants.NewRepository(gormDB),
		Communities: communityRepo,
		Gateway:     gateway,
		DB:          w.db,
		Outbox:      outboxService,
		AccountType: w.cfg.Billing.ConnectedAccountType,
		Logger:      w.logg,
	})
	if err != nil {
		return routes.Services{}, fmt.Errorf("merchant service: %w", err)
	}

	splitService, err := revenuesplits.NewService(revenuesplits.ServiceParams{
		Repo:              revenuesplits.NewRepository(gormDB),
		Communities:       communityRepo,
		DB:                w.db,
		DefaultPercentage: w.cfg.Billing.DefaultPercentage(),
		Logger:            w.logg,
	})
	if err != nil {
		return routes.Services{}, fmt.Errorf("revenue split service: %w", err)
	}

	planService, err := plans.NewService(plans.ServiceParams{
		Repo:      planRepo,
		Merchants: merchantService,
		Gateway:   gateway,
		Metrics:   w.metrics,
		Logger:    w.logg,
	})
	if err != nil {
		return routes.Services{}, fmt.Errorf("plan service: %w", err)
	}

	ledgerService, err := ledger.NewService(ledger.ServiceParams{
		Repo:   ledger.NewRepository(gormDB),
		DB:     w.db,
		Outbox: outboxService,
		Logger: w.logg,
	})
	if err != nil {
		return routes.Services{}, fmt.Errorf("ledger service: %w", err)
	}

	subscriptionService, err := subscriptions.NewService(subscriptions.ServiceParams{
		Repo:          subscriptions.NewRepository(gormDB),
		Customers:     subscriptions.NewCustomerRepository(gormDB),
		Cancellations: subscriptions.NewCancellationRepository(gormDB),
		Communities:   communityRepo,
		Merchants:     merchantService,
		Plans:         planRepo,
		Splits:        splitService,
		Gateway:       gateway,
		Outbox:        outboxService,
		PublicBaseURL: w.cfg.App.BaseURL(),
		Logger:        w.logg,
	})
	if err != nil {
		return routes.Services{}, fmt.Errorf("subscription service: %w", err)
	}

	guard, err := stripewebhook.NewDeliveryGuard(w.cache, w.cfg.Billing.WebhookIdempotencyTTL, webhookScope)
	if err != nil {
		return routes.Services{}, fmt.Errorf("webhook delivery guard: %w", err)
	}
	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Secrets:       w.stripe.SigningSecrets(),
		Guard:         guard,
		Ledger:        stripewebhook.NewEventLedger(gormDB),
		DB:            w.db,
		Subscriptions: subscriptionService,
		Payments:      ledgerService,
		Merchants:     merchantService,
		Splits:        splitService,
		Metrics:       w.metrics,
		Logger:        w.logg,
	})
	if err != nil {
		return routes.Services{}, fmt.Errorf("webhook service: %w", err)
	}

	return routes.Services{
		Merchants:     merchantService,
		RevenueSplits: splitService,
		Plans:         planService,
		Subscriptions: subscriptionService,
		Ledger:        ledgerService,
		Webhooks:      webhookService,
	}, nil
}
