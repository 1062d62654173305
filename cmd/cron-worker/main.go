package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/communitypay-backend/internal/communities"
	"github.com/angelmondragon/communitypay-backend/internal/cron"
	"github.com/angelmondragon/communitypay-backend/internal/merchants"
	"github.com/angelmondragon/communitypay-backend/internal/plans"
	"github.com/angelmondragon/communitypay-backend/internal/subscriptions"
	stripewebhook "github.com/angelmondragon/communitypay-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/communitypay-backend/pkg/config"
	"github.com/angelmondragon/communitypay-backend/pkg/db"
	"github.com/angelmondragon/communitypay-backend/pkg/instance"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	"github.com/angelmondragon/communitypay-backend/pkg/metrics"
	"github.com/angelmondragon/communitypay-backend/pkg/migrate"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox"
	"github.com/angelmondragon/communitypay-backend/pkg/redis"
	pkgstripe "github.com/angelmondragon/communitypay-backend/pkg/stripe"
)

const serviceName = "cron-worker"

func main() {
	bootLog := logger.New(logger.Options{ServiceName: serviceName})
	if err := godotenv.Load(); err != nil {
		bootLog.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		bootLog.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	logg := logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"instance": instance.GetID(),
		"interval": cfg.Cron.Interval.String(),
	})

	if err := run(ctx, cfg, logg); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		stop()
		os.Exit(1)
	}
	logg.Info(ctx, "cron worker shut down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) error {
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("bootstrap database: %w", err)
	}
	defer closeLogged(ctx, logg, "database", dbClient.Close)

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return fmt.Errorf("dev migrations: %w", err)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return fmt.Errorf("bootstrap redis: %w", err)
	}
	defer closeLogged(ctx, logg, "redis", redisClient.Close)

	stripeClient, err := pkgstripe.NewClient(ctx, cfg.Stripe, logg)
	if err != nil {
		return fmt.Errorf("bootstrap stripe: %w", err)
	}
	gateway, err := pkgstripe.NewGateway(stripeClient)
	if err != nil {
		return fmt.Errorf("payment gateway: %w", err)
	}

	jobs, err := buildJobs(cfg, logg, dbClient, gateway)
	if err != nil {
		return err
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockName(cfg.App.Env)), cfg.Cron.LockTTL, instance.GetID())
	if err != nil {
		return fmt.Errorf("cron lock: %w", err)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:     logg,
		Registry:   cron.NewRegistry(jobs...),
		Lock:       lock,
		Metrics:    metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval:   cfg.Cron.Interval,
		JobTimeout: cfg.Cron.JobTimeout,
	})
	if err != nil {
		return fmt.Errorf("cron service: %w", err)
	}

	logg.Info(ctx, "starting cron worker")
	return service.Run(ctx)
}

// buildJobs assembles the reconciliation and retention jobs in run order.
func buildJobs(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, gateway *pkgstripe.Gateway) ([]cron.Job, error) {
	gormDB := dbClient.DB()
	merchantRepo := merchants.NewRepository(gormDB)
	planRepo := plans.NewRepository(gormDB)
	outboxRepo := outbox.NewRepository(gormDB)

	merchantService, err := merchants.NewService(merchants.ServiceParams{
		Repo:        merchantRepo,
		Communities: communities.NewRepository(gormDB),
		Gateway:     gateway,
		DB:          dbClient,
		Outbox:      outbox.NewService(outboxRepo, logg),
		AccountType: cfg.Billing.ConnectedAccountType,
		Logger:      logg,
	})
	if err != nil {
		return nil, fmt.Errorf("merchant service: %w", err)
	}
	planService, err := plans.NewService(plans.ServiceParams{
		Repo:      planRepo,
		Merchants: merchantService,
		Gateway:   gateway,
		Metrics:   metrics.NewBillingMetrics(prometheus.DefaultRegisterer),
		Logger:    logg,
	})
	if err != nil {
		return nil, fmt.Errorf("plan service: %w", err)
	}

	merchantJob, err := cron.NewMerchantStatusJob(cron.MerchantStatusJobParams{
		Logger:    logg,
		Accounts:  merchantRepo,
		Refresher: merchantService,
		Limit:     cfg.Cron.MerchantBatchLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("merchant status job: %w", err)
	}
	planJob, err := cron.NewPlanSyncJob(cron.PlanSyncJobParams{
		Logger:    logg,
		Merchants: merchantRepo,
		Plans:     planRepo,
		Syncer:    planService,
		PageSize:  cfg.Cron.MerchantBatchLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("plan sync job: %w", err)
	}
	canceler, err := subscriptions.NewCanceler(subscriptions.CancelerParams{
		Repo:    subscriptions.NewCancellationRepository(gormDB),
		Gateway: gateway,
		Logger:  logg,
	})
	if err != nil {
		return nil, fmt.Errorf("provider canceler: %w", err)
	}
	cancellationJob, err := cron.NewCancellationRetryJob(cron.CancellationRetryJobParams{
		Logger:    logg,
		Retrier:   canceler,
		BatchSize: cfg.Cron.CancellationBatch,
	})
	if err != nil {
		return nil, fmt.Errorf("cancellation retry job: %w", err)
	}
	retentionJob, err := cron.NewRetentionJob(cron.RetentionJobParams{
		Logger:           logg,
		DB:               dbClient,
		Outbox:           outboxRepo,
		MinAttempts:      cfg.Outbox.MaxAttempts,
		OutboxRetention:  cfg.Cron.OutboxRetention,
		Webhooks:         stripewebhook.NewEventLedger(gormDB),
		WebhookRetention: cfg.Cron.WebhookRetention,
		DeadLetters:      outbox.NewDLQRepository(gormDB),
		DLQRetention:     cfg.Cron.DLQRetention,
	})
	if err != nil {
		return nil, fmt.Errorf("retention job: %w", err)
	}
	return []cron.Job{merchantJob, planJob, cancellationJob, retentionJob}, nil
}

func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return "cron-worker:" + env
}

func closeLogged(ctx context.Context, logg *logger.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logg.Error(context.WithoutCancel(ctx), "error closing "+name, err)
	}
}
