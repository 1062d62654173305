package config

const EnvPrefix = "COMMUNITYPAY"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	StripeEnvTest = "test"
	StripeEnvLive = "live"
)

const (
	EnvAppEnv        = "COMMUNITYPAY_APP_ENV"
	EnvPort          = "COMMUNITYPAY_APP_PORT"
	EnvPublicBaseURL = "COMMUNITYPAY_PUBLIC_BASE_URL"
	EnvDBDSN         = "COMMUNITYPAY_DB_DSN"
	EnvDBHost        = "COMMUNITYPAY_DB_HOST"
	EnvDBUser        = "COMMUNITYPAY_DB_USER"
	EnvDBName        = "COMMUNITYPAY_DB_NAME"
	EnvRedisURL      = "COMMUNITYPAY_REDIS_URL"
	EnvJWTSecret     = "COMMUNITYPAY_JWT_SECRET"
	EnvJWTIssuer     = "COMMUNITYPAY_JWT_ISSUER"

	EnvStripeAPIKey               = "COMMUNITYPAY_STRIPE_API_KEY"
	EnvStripeWebhookSecret        = "COMMUNITYPAY_STRIPE_WEBHOOK_SECRET"
	EnvStripeConnectWebhookSecret = "COMMUNITYPAY_STRIPE_CONNECT_WEBHOOK_SECRET"
	EnvDefaultPlatformPercentage  = "COMMUNITYPAY_DEFAULT_PLATFORM_PERCENTAGE"
	EnvPubSubBillingTopic         = "COMMUNITYPAY_PUBSUB_BILLING_TOPIC"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
