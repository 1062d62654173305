package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Stripe       StripeConfig
	Billing      BillingConfig
	Cron         CronConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate reports every invalid setting at once so a misconfigured deploy
// is fixed in one pass.
func (c *Config) validate() error {
	var errs error
	multierr.AppendInto(&errs, c.Billing.validate())
	if u, err := url.Parse(strings.TrimSpace(c.App.PublicBaseURL)); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		multierr.AppendInto(&errs, fmt.Errorf("%s must be an absolute http(s) url", EnvPublicBaseURL))
	}
	if env := c.Stripe.Environment(); env != StripeEnvTest && env != StripeEnvLive {
		multierr.AppendInto(&errs, fmt.Errorf("stripe environment %q must be %q or %q", env, StripeEnvTest, StripeEnvLive))
	}
	if c.Outbox.BatchSize < 1 || c.Outbox.MaxAttempts < 1 || c.Outbox.RetryBaseMS < 0 {
		multierr.AppendInto(&errs, fmt.Errorf("outbox batch size and max attempts must be positive, retry base non-negative"))
	}
	if c.Cron.LockTTL > 0 && c.Cron.JobTimeout >= c.Cron.LockTTL {
		multierr.AppendInto(&errs, fmt.Errorf("cron job timeout %s must be shorter than the lock ttl %s", c.Cron.JobTimeout, c.Cron.LockTTL))
	}
	for name, window := range map[string]time.Duration{
		"outbox":      c.Cron.OutboxRetention,
		"webhook":     c.Cron.WebhookRetention,
		"dead letter": c.Cron.DLQRetention,
	} {
		if window <= 0 {
			multierr.AppendInto(&errs, fmt.Errorf("%s retention must be positive", name))
		}
	}
	return errs
}

type AppConfig struct {
	Env           string   `envconfig:"COMMUNITYPAY_APP_ENV" required:"true"`
	Port          string   `envconfig:"COMMUNITYPAY_APP_PORT" required:"true"`
	LogLevel      string   `envconfig:"COMMUNITYPAY_LOG_LEVEL" default:"info"`
	LogWarnStack  bool     `envconfig:"COMMUNITYPAY_LOG_WARN_STACK" default:"false"`
	PublicBaseURL string   `envconfig:"COMMUNITYPAY_PUBLIC_BASE_URL" required:"true"`
	CORSOrigins   []string `envconfig:"COMMUNITYPAY_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// BaseURL returns the public base URL without a trailing slash.
func (a AppConfig) BaseURL() string {
	return strings.TrimRight(strings.TrimSpace(a.PublicBaseURL), "/")
}

type DBConfig struct {
	DSN    string `envconfig:"COMMUNITYPAY_DB_DSN"`
	Driver string `envconfig:"COMMUNITYPAY_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"COMMUNITYPAY_DB_HOST"`
	LegacyPort     int    `envconfig:"COMMUNITYPAY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"COMMUNITYPAY_DB_USER"`
	LegacyPassword string `envconfig:"COMMUNITYPAY_DB_PASSWORD"`
	LegacyName     string `envconfig:"COMMUNITYPAY_DB_NAME"`
	LegacySSLMode  string `envconfig:"COMMUNITYPAY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"COMMUNITYPAY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"COMMUNITYPAY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"COMMUNITYPAY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"COMMUNITYPAY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"COMMUNITYPAY_REDIS_URL" required:"true"`
	Address      string        `envconfig:"COMMUNITYPAY_REDIS_ADDR"`
	Password     string        `envconfig:"COMMUNITYPAY_REDIS_PASSWORD"`
	DB           int           `envconfig:"COMMUNITYPAY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"COMMUNITYPAY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"COMMUNITYPAY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"COMMUNITYPAY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"COMMUNITYPAY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"COMMUNITYPAY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig describes how bearer tokens issued by the surrounding
// application are verified. This service never issues tokens itself.
type JWTConfig struct {
	Secret string        `envconfig:"COMMUNITYPAY_JWT_SECRET" required:"true"`
	Issuer string        `envconfig:"COMMUNITYPAY_JWT_ISSUER" required:"true"`
	Leeway time.Duration `envconfig:"COMMUNITYPAY_JWT_LEEWAY" default:"30s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"COMMUNITYPAY_AUTO_MIGRATE" default:"false"`
}

type StripeConfig struct {
	APIKey               string `envconfig:"COMMUNITYPAY_STRIPE_API_KEY"`
	WebhookSecret        string `envconfig:"COMMUNITYPAY_STRIPE_WEBHOOK_SECRET"`
	ConnectWebhookSecret string `envconfig:"COMMUNITYPAY_STRIPE_CONNECT_WEBHOOK_SECRET"`
	Env                  string `envconfig:"COMMUNITYPAY_STRIPE_ENV" default:"test"`
	MaxNetworkRetries    int64  `envconfig:"COMMUNITYPAY_STRIPE_MAX_NETWORK_RETRIES" default:"2"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return StripeEnvTest
	}
	return env
}

// WebhookSecrets returns the configured signing secrets in verification order.
func (s StripeConfig) WebhookSecrets() []string {
	secrets := make([]string, 0, 2)
	for _, secret := range []string{s.WebhookSecret, s.ConnectWebhookSecret} {
		if trimmed := strings.TrimSpace(secret); trimmed != "" {
			secrets = append(secrets, trimmed)
		}
	}
	return secrets
}

type BillingConfig struct {
	DefaultPlatformPercentage string        `envconfig:"COMMUNITYPAY_DEFAULT_PLATFORM_PERCENTAGE" default:"10"`
	ConnectedAccountType      string        `envconfig:"COMMUNITYPAY_CONNECTED_ACCOUNT_TYPE" default:"express"`
	WebhookIdempotencyTTL     time.Duration `envconfig:"COMMUNITYPAY_WEBHOOK_IDEMPOTENCY_TTL" default:"720h"`
	Currency                  string        `envconfig:"COMMUNITYPAY_DEFAULT_CURRENCY" default:"usd"`
	CheckoutRateWindow        time.Duration `envconfig:"COMMUNITYPAY_CHECKOUT_RATE_WINDOW" default:"1m"`
	CheckoutRateLimitIP       int           `envconfig:"COMMUNITYPAY_CHECKOUT_RATE_LIMIT_IP" default:"30"`
	CheckoutRateLimitUser     int           `envconfig:"COMMUNITYPAY_CHECKOUT_RATE_LIMIT_USER" default:"10"`
}

// DefaultPercentage parses DefaultPlatformPercentage. Load has already
// validated it, so a zero value is returned only for hand-built configs.
func (b BillingConfig) DefaultPercentage() decimal.Decimal {
	pct, err := decimal.NewFromString(strings.TrimSpace(b.DefaultPlatformPercentage))
	if err != nil {
		return decimal.Zero
	}
	return pct
}

func (b BillingConfig) validate() error {
	pct, err := decimal.NewFromString(strings.TrimSpace(b.DefaultPlatformPercentage))
	if err != nil {
		return fmt.Errorf("%s must be a number: %w", EnvDefaultPlatformPercentage, err)
	}
	if pct.LessThan(decimal.Zero) || pct.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%s must be between 0 and 100", EnvDefaultPlatformPercentage)
	}
	return nil
}

type CronConfig struct {
	Interval           time.Duration `envconfig:"COMMUNITYPAY_CRON_INTERVAL" default:"15m"`
	MerchantBatchLimit int           `envconfig:"COMMUNITYPAY_CRON_MERCHANT_BATCH_LIMIT" default:"200"`
	CancellationBatch  int           `envconfig:"COMMUNITYPAY_CRON_CANCELLATION_BATCH" default:"100"`
	LockTTL            time.Duration `envconfig:"COMMUNITYPAY_CRON_LOCK_TTL" default:"10m"`
	JobTimeout         time.Duration `envconfig:"COMMUNITYPAY_CRON_JOB_TIMEOUT" default:"3m"`
	// Retention windows for the pruning job. The webhook window must outlast
	// the provider's redelivery horizon; dead letters stay longer because
	// operators replay from them.
	OutboxRetention  time.Duration `envconfig:"COMMUNITYPAY_CRON_OUTBOX_RETENTION" default:"720h"`
	WebhookRetention time.Duration `envconfig:"COMMUNITYPAY_CRON_WEBHOOK_RETENTION" default:"720h"`
	DLQRetention     time.Duration `envconfig:"COMMUNITYPAY_CRON_DLQ_RETENTION" default:"2160h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"COMMUNITYPAY_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"COMMUNITYPAY_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"COMMUNITYPAY_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	BillingTopic string `envconfig:"COMMUNITYPAY_PUBSUB_BILLING_TOPIC" default:"communitypay-billing-events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"COMMUNITYPAY_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"COMMUNITYPAY_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"COMMUNITYPAY_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetryBaseMS    int `envconfig:"COMMUNITYPAY_OUTBOX_RETRY_BASE_MS" default:"2000"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
