package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	PublicBaseURL      string

	LedyerClientID      string
	LedyerClientSecret  string
	LedyerStoreID       string
	LedyerBaseURL       string
	LedyerAuthURL       string
	LedyerSecurityLevel int
	PaymentSandbox      bool

	CurrencyCode string
	LocaleCode   string

	ConfirmationDelay time.Duration
	CaptureDelay      time.Duration
	SnapshotTTL       time.Duration

	QueueRedisPrefix string
	QueueMaxAttempts int

	OutboundTimeout    time.Duration
	RetryBase          time.Duration
	RetryMaxAttempts   int
	RetryJitterPercent float64
	CircuitMinRequests int
	CircuitFailureRate float64
	CircuitOpenFor     time.Duration

	CallbackRateLimit string
	CallbackBodyLimit int64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		PublicBaseURL:      strings.TrimRight(k.String("PUBLIC_BASE_URL"), "/"),

		LedyerClientID:      k.String("LEDYER_CLIENT_ID"),
		LedyerClientSecret:  k.String("LEDYER_CLIENT_SECRET"),
		LedyerStoreID:       k.String("LEDYER_STORE_ID"),
		LedyerBaseURL:       strings.TrimRight(k.String("LEDYER_BASE_URL"), "/"),
		LedyerAuthURL:       strings.TrimRight(k.String("LEDYER_AUTH_URL"), "/"),
		LedyerSecurityLevel: intOrDefault(k.Int("LEDYER_SECURITY_LEVEL"), 100),
		PaymentSandbox:      parseBool(valueOrDefault(k.String("PAYMENT_SANDBOX"), "true")),

		CurrencyCode: valueOrDefault(k.String("CURRENCY_CODE"), "SEK"),
		LocaleCode:   valueOrDefault(k.String("LOCALE_CODE"), "sv-SE"),

		ConfirmationDelay: parseDuration(k.String("CONFIRMATION_DELAY"), "60s"),
		CaptureDelay:      parseDuration(k.String("CAPTURE_DELAY"), "120s"),
		SnapshotTTL:       parseDuration(k.String("SNAPSHOT_TTL"), "48h"),

		QueueRedisPrefix: valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "paysync"),
		QueueMaxAttempts: intOrDefault(k.Int("QUEUE_MAX_ATTEMPTS"), 5),

		OutboundTimeout:    parseDuration(k.String("OUTBOUND_TIMEOUT"), "10s"),
		RetryBase:          parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryMaxAttempts:   intOrDefault(k.Int("RETRY_MAX_ATTEMPTS"), 3),
		RetryJitterPercent: floatOrDefault(k.Float64("RETRY_JITTER_PERCENT"), 0.2),
		CircuitMinRequests: intOrDefault(k.Int("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRate: floatOrDefault(k.Float64("CIRCUIT_FAILURE_RATE"), 0.5),
		CircuitOpenFor:     parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		CallbackRateLimit: valueOrDefault(k.String("CALLBACK_RATE_LIMIT"), "120-M"),
		CallbackBodyLimit: int64(intOrDefault(k.Int("CALLBACK_BODY_LIMIT"), 64<<10)),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.LedyerClientID == "" || cfg.LedyerClientSecret == "" {
		return nil, errors.New("LEDYER_CLIENT_ID and LEDYER_CLIENT_SECRET are required")
	}
	if cfg.LedyerStoreID == "" {
		return nil, errors.New("LEDYER_STORE_ID is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// Environment reports the provider environment label persisted on orders.
func (c *Config) Environment() string {
	if c.PaymentSandbox {
		return "sandbox"
	}
	return "live"
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func intOrDefault(value, fallback int) int {
	if value == 0 {
		return fallback
	}
	return value
}

func floatOrDefault(value, fallback float64) float64 {
	if value == 0 {
		return fallback
	}
	return value
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
