package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":         "postgres://localhost:5432/paysync",
		"REDIS_URL":            "redis://localhost:6379/0",
		"LEDYER_CLIENT_ID":     "client",
		"LEDYER_CLIENT_SECRET": "secret",
		"LEDYER_STORE_ID":      "store-1",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(baseEnv())
	require.NoError(t, err)

	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, "SEK", cfg.CurrencyCode)
	require.Equal(t, "sv-SE", cfg.LocaleCode)
	require.Equal(t, 60*time.Second, cfg.ConfirmationDelay)
	require.Equal(t, 120*time.Second, cfg.CaptureDelay)
	require.Equal(t, 48*time.Hour, cfg.SnapshotTTL)
	require.Equal(t, "paysync", cfg.QueueRedisPrefix)
	require.Equal(t, 5, cfg.QueueMaxAttempts)
	require.Equal(t, "120-M", cfg.CallbackRateLimit)
	require.EqualValues(t, 64<<10, cfg.CallbackBodyLimit)
	require.True(t, cfg.PaymentSandbox)
	require.Equal(t, "sandbox", cfg.Environment())
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["PORT"] = "9090"
	env["PAYMENT_SANDBOX"] = "false"
	env["CONFIRMATION_DELAY"] = "30s"
	env["CORS_ALLOWED_ORIGINS"] = "https://shop.example.com, https://admin.example.com"
	env["PUBLIC_BASE_URL"] = "https://pay.example.com/"

	cfg, err := LoadForTests(env)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.HTTPAddr())
	require.Equal(t, "live", cfg.Environment())
	require.Equal(t, 30*time.Second, cfg.ConfirmationDelay)
	require.Equal(t, []string{"https://shop.example.com", "https://admin.example.com"}, cfg.CORSAllowedOrigins)
	require.Equal(t, "https://pay.example.com", cfg.PublicBaseURL)
}

func TestLoadRequiresProviderCredentials(t *testing.T) {
	env := baseEnv()
	env["LEDYER_CLIENT_SECRET"] = ""

	_, err := LoadForTests(env)
	require.Error(t, err)
}
