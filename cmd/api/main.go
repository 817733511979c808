package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	validator "github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterstdlib "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-paysync/internal/config"
	"github.com/noah-isme/backend-paysync/internal/events"
	"github.com/noah-isme/backend-paysync/internal/health"
	"github.com/noah-isme/backend-paysync/internal/ledyer"
	"github.com/noah-isme/backend-paysync/internal/obs"
	"github.com/noah-isme/backend-paysync/internal/order"
	"github.com/noah-isme/backend-paysync/internal/payment"
	"github.com/noah-isme/backend-paysync/internal/queue"
	"github.com/noah-isme/backend-paysync/internal/resilience"
	"github.com/noah-isme/backend-paysync/internal/security"
	"github.com/noah-isme/backend-paysync/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "paysync")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "paysync-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				ctx := context.Background()
				if err := shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "paysync-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	validate := validator.New()

	orders := order.NewStore(pool)
	bus := &events.Bus{Store: events.NewStore(pool)}

	breaker := resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRate, cfg.CircuitOpenFor)
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
		Breaker:      breaker,
		Logger:       &logger,
	})

	confirmationURL := envOrDefault("CHECKOUT_CONFIRMATION_URL", cfg.PublicBaseURL+"/checkout/confirmation")
	notificationURL := cfg.PublicBaseURL + "/api/v1/callback"

	snapshots := session.NewStores(redisClient, orders, cfg.QueueRedisPrefix, cfg.SnapshotTTL)
	sync := &session.Synchronizer{
		Provider:  provider,
		Snapshots: snapshots,
		Defaults: session.RequestDefaults{
			Currency:        cfg.CurrencyCode,
			Locale:          cfg.LocaleCode,
			SecurityLevel:   cfg.LedyerSecurityLevel,
			ConfirmationURL: confirmationURL,
			NotificationURL: notificationURL,
		},
		Logger: &logger,
	}
	sessionHandler := &session.Handler{Sync: sync, Orders: orders, Validate: validate}

	scheduler := queue.Scheduler{R: redisClient, Prefix: cfg.QueueRedisPrefix}
	callbackHandler := &payment.CallbackHandler{
		Orders:            orders,
		Scheduler:         scheduler,
		Validate:          validate,
		ConfirmationDelay: cfg.ConfirmationDelay,
		CaptureDelay:      cfg.CaptureDelay,
		MaxAttempts:       cfg.QueueMaxAttempts,
		Logger:            &logger,
	}

	confirmer := &payment.Confirmer{
		Provider:    provider,
		Orders:      orders,
		Bus:         bus,
		Environment: cfg.Environment(),
		Logger:      &logger,
	}
	paymentHandler := &payment.Handler{
		Orders:          orders,
		Provider:        provider,
		Confirmer:       confirmer,
		Validate:        validate,
		ConfirmationURL: confirmationURL,
		Currency:        cfg.CurrencyCode,
		Locale:          cfg.LocaleCode,
		Logger:          &logger,
	}

	queueAdmin := &queue.AdminHandler{Store: queue.NewStore(pool), Scheduler: scheduler}

	callbackRate, err := limiter.NewRateFromFormatted(cfg.CallbackRateLimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse callback rate limit")
	}
	limiterStore, err := limiterredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
		Prefix: cfg.QueueRedisPrefix + ":ratelimit",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter store")
	}
	callbackLimiter := limiterstdlib.NewMiddleware(limiter.New(limiterStore, callbackRate))
	callbackBodyLimit := security.BodyLimit{Max: cfg.CallbackBodyLimit}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	pprofEnabled := envBool("OBS_ENABLE_PPROF", true)
	if pprofEnabled {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectBasicAuth(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      health.Probes{Pool: pool, RDB: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Post("/checkout/session", sessionHandler.Synchronize)

		v.Group(func(cb chi.Router) {
			cb.Use(callbackBodyLimit.Middleware)
			cb.Use(callbackLimiter.Handler)
			cb.Post("/callback", callbackHandler.Handle)
		})

		v.Get("/orders/{id}/confirm", paymentHandler.ConfirmRedirect)
		v.Post("/orders/{key}/acknowledge", paymentHandler.Acknowledge)
		v.Post("/orders/{key}/pending", paymentHandler.PendingPayment)

		v.Route("/admin/queue", func(admin chi.Router) {
			user := envOrDefault("SECURE_ADMIN_BASIC_AUTH_USER", "")
			pass := envOrDefault("SECURE_ADMIN_BASIC_AUTH_PASS", "")
			admin.Use(func(next http.Handler) http.Handler {
				return protectBasicAuth(next, user, pass)
			})
			admin.Get("/dlq", queueAdmin.ListDLQ)
			admin.Post("/dlq/{id}/requeue", queueAdmin.RequeueDLQ)
		})
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
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

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/block", pprof.Handler("block"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	mux.Handle("/threadcreate", pprof.Handler("threadcreate"))
	return mux
}

func protectBasicAuth(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
