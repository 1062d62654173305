package stripe

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/communitypay-backend/pkg/config"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

func TestValidateAPIKey(t *testing.T) {
	cases := []struct {
		env, key string
		ok       bool
	}{
		{config.StripeEnvTest, "sk_test_123", true},
		{config.StripeEnvTest, "rk_test_123", true},
		{config.StripeEnvLive, "rk_live_123", true},
		{config.StripeEnvTest, "sk_live_123", false},
		{config.StripeEnvLive, "sk_test_123", false},
		{config.StripeEnvLive, "pk_live_123", false},
		{"staging", "sk_test_123", false},
	}
	for _, tc := range cases {
		err := validateAPIKey(tc.env, tc.key)
		if tc.ok {
			assert.NoError(t, err, "%s/%s", tc.env, tc.key)
		} else {
			assert.Error(t, err, "%s/%s", tc.env, tc.key)
		}
	}
}

func TestNormalizeEnv(t *testing.T) {
	env, err := normalizeEnv(" LIVE ")
	require.NoError(t, err)
	assert.Equal(t, config.StripeEnvLive, env)

	env, err = normalizeEnv("")
	require.NoError(t, err)
	assert.Equal(t, config.StripeEnvTest, env)

	_, err = normalizeEnv("staging")
	assert.ErrorIs(t, err, errInvalidStripeEnv)
}

func TestNewClientKeepsSecretsInOrder(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "stripe-test", Output: io.Discard})
	client, err := NewClient(context.Background(), config.StripeConfig{
		APIKey:               "sk_test_abc",
		WebhookSecret:        "whsec_platform",
		ConnectWebhookSecret: " whsec_connect ",
		MaxNetworkRetries:    -1,
	}, logg)
	require.NoError(t, err)
	assert.Equal(t, config.StripeEnvTest, client.Environment())

	secrets := client.SigningSecrets()
	assert.Equal(t, []string{"whsec_platform", "whsec_connect"}, secrets)
	secrets[0] = "mutated"
	assert.Equal(t, "whsec_platform", client.SigningSecrets()[0])

	_, err = NewClient(context.Background(), config.StripeConfig{}, nil)
	assert.True(t, errors.Is(err, errAPIKeyRequired))
}

func TestNilClientAccessors(t *testing.T) {
	var c *Client
	assert.Empty(t, c.Environment())
	assert.Nil(t, c.SigningSecrets())
}
