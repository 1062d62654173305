package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/communitypay-backend/pkg/config"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", config.StripeEnvTest, config.StripeEnvLive)
)

// keyPrefixes lists the secret and restricted key prefixes accepted per
// environment.
var keyPrefixes = map[string][]string{
	config.StripeEnvTest: {"sk_test_", "rk_test_"},
	config.StripeEnvLive: {"sk_live_", "rk_live_"},
}

// Client holds the process-wide Stripe configuration. The resource packages
// read stripe.Key and the registered backend, so NewClient must run once
// before any Gateway call.
type Client struct {
	environment    string
	signingSecrets []string
}

// NewClient checks the key against the environment, installs a backend with
// network retries and provider logs routed through logg, and records the
// webhook secrets. Binaries that verify webhooks check SigningSecrets
// themselves.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Env)
	if err != nil {
		return nil, err
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(max(cfg.MaxNetworkRetries, 0)),
	}
	if logg != nil {
		backendCfg.LeveledLogger = leveledLogger{logg: logg, ctx: context.WithoutCancel(ctx)}
	}
	stripe.Key = apiKey
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg))

	client := &Client{environment: env, signingSecrets: cfg.WebhookSecrets()}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"stripe_env":      env,
			"webhook_secrets": len(client.signingSecrets),
			"max_retries":     *backendCfg.MaxNetworkRetries,
		}), "stripe client initialized")
	}
	return client, nil
}

// Environment reports "test" or "live".
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecrets returns a copy of the webhook secrets, platform endpoint
// first.
func (c *Client) SigningSecrets() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.signingSecrets...)
}

func normalizeEnv(raw string) (string, error) {
	env := strings.ToLower(strings.TrimSpace(raw))
	if env == "" {
		return config.StripeEnvTest, nil
	}
	if _, ok := keyPrefixes[env]; !ok {
		return "", errInvalidStripeEnv
	}
	return env, nil
}

func validateAPIKey(env, key string) error {
	prefixes, ok := keyPrefixes[env]
	if !ok {
		return errInvalidStripeEnv
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(key, prefix) {
			return nil
		}
	}
	return fmt.Errorf("stripe %s environment needs a key starting with %s", env, strings.Join(prefixes, " or "))
}

// leveledLogger adapts the service logger to stripe-go's logging hook.
// Provider debug chatter is dropped.
type leveledLogger struct {
	logg *logger.Logger
	ctx  context.Context
}

func (l leveledLogger) Debugf(string, ...any) {}

func (l leveledLogger) Infof(format string, v ...any) {
	l.logg.Debug(l.ctx, "stripe: "+fmt.Sprintf(format, v...))
}

func (l leveledLogger) Warnf(format string, v ...any) {
	l.logg.Warn(l.ctx, "stripe: "+fmt.Sprintf(format, v...))
}

func (l leveledLogger) Errorf(format string, v ...any) {
	l.logg.Error(l.ctx, "stripe request failed", fmt.Errorf(format, v...))
}
