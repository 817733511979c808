package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-paysync/internal/config"
	"github.com/noah-isme/backend-paysync/internal/events"
	"github.com/noah-isme/backend-paysync/internal/ledyer"
	"github.com/noah-isme/backend-paysync/internal/obs"
	"github.com/noah-isme/backend-paysync/internal/order"
	"github.com/noah-isme/backend-paysync/internal/payment"
	"github.com/noah-isme/backend-paysync/internal/queue"
	"github.com/noah-isme/backend-paysync/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	orders := order.NewStore(pool)
	bus := &events.Bus{Store: events.NewStore(pool)}

	provider := ledyer.NewClient(ledyer.Options{
		ClientID:     cfg.LedyerClientID,
		ClientSecret: cfg.LedyerClientSecret,
		StoreID:      cfg.LedyerStoreID,
		BaseURL:      cfg.LedyerBaseURL,
		AuthURL:      cfg.LedyerAuthURL,
		Sandbox:      cfg.PaymentSandbox,
		Timeout:      cfg.OutboundTimeout,
		RetryBase:    cfg.RetryBase,
		MaxAttempts:  cfg.RetryMaxAttempts,
		Jitter:       cfg.RetryJitterPercent,
		Breaker:      resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRate, cfg.CircuitOpenFor),
		Logger:       &logger,
	})

	confirmer := &payment.Confirmer{
		Provider:    provider,
		Orders:      orders,
		Bus:         bus,
		Environment: cfg.Environment(),
		Logger:      &logger,
	}
	processor := &payment.Processor{
		Orders:    orders,
		Confirmer: confirmer,
		Bus:       bus,
		Logger:    &logger,
	}

	dlqStore := queue.NewStore(pool)
	concurrency := envInt("QUEUE_CONCURRENCY", 4)
	visibility := envDurationMillis("QUEUE_VISIBILITY_TIMEOUT_MS", 30_000)

	confirmWorker := queue.Worker{
		R:                 redisClient,
		Prefix:            cfg.QueueRedisPrefix,
		Kind:              payment.KindConfirm,
		Concurrency:       concurrency,
		VisibilityTimeout: visibility,
		RetryBase:         cfg.RetryBase,
		RetryJitter:       cfg.RetryJitterPercent,
		DLQ:               dlqStore,
		Handler:           processor.HandleConfirm,
	}
	captureWorker := queue.Worker{
		R:                 redisClient,
		Prefix:            cfg.QueueRedisPrefix,
		Kind:              payment.KindCaptureReady,
		Concurrency:       concurrency,
		VisibilityTimeout: visibility,
		RetryBase:         cfg.RetryBase,
		RetryJitter:       cfg.RetryJitterPercent,
		DLQ:               dlqStore,
		Handler:           processor.HandleCaptureReady,
	}

	logger.Info().Msg("worker starting")
	var wg sync.WaitGroup
	for _, w := range []queue.Worker{confirmWorker, captureWorker} {
		wg.Add(1)
		go func(w queue.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("kind", w.Kind).Msg("worker stopped with error")
			}
		}(w)
	}
	wg.Wait()
	logger.Info().Msg("worker shutdown complete")
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "paysync-worker"
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}
