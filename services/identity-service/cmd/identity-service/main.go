package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/rbalashov/microshop/libs/config"
	"github.com/rbalashov/microshop/libs/consumer"
	"github.com/rbalashov/microshop/libs/db"
	"github.com/rbalashov/microshop/libs/httpx"
	"github.com/rbalashov/microshop/libs/inbox"
	"github.com/rbalashov/microshop/libs/kafkax"
	"github.com/rbalashov/microshop/libs/metrics"
	otelx "github.com/rbalashov/microshop/libs/otel"
	"github.com/rbalashov/microshop/libs/outbox"
	"github.com/rbalashov/microshop/libs/ratelimit"
	"github.com/rbalashov/microshop/libs/retry"
	"github.com/rbalashov/microshop/libs/runtime"
	"github.com/rbalashov/microshop/services/identity-service/internal/activation"
	"github.com/rbalashov/microshop/services/identity-service/internal/handlers"
	"github.com/rbalashov/microshop/services/identity-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "identity-service")
	port, err := config.Port("PORT", "8081")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	if config.Bool("RUN_MIGRATIONS", true) {
		if err := db.Migrate(dbURL, storage.MigrationsFS, "migrations"); err != nil {
			logger.Error("migrations failed", "err", err)
			panic(err)
		}
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	sink := metrics.NewOTel(otel.Meter(service))

	users := storage.NewUserRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	ledger := inbox.NewLedger(pool)

	brokers := config.String("KAFKA_BROKERS", "")
	relay := outbox.NewRelay(pool, outboxRepo, logger, sink, outbox.RelayConfig{
		Brokers:   brokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go relay.Run(ctx)

	limitCfg := ratelimit.ConfigFromEnv()
	limiter := ratelimit.NewLimiter(ratelimit.NewPostgresStore(pool), limitCfg)
	pruner := ratelimit.NewPruner(ratelimit.NewPostgresStore(pool), logger,
		limitCfg.Window, config.Seconds("RATE_LIMIT_PRUNE_INTERVAL_SECONDS", 10*time.Minute))
	go pruner.Run(ctx)

	exec := retry.NewExecutor(logger, retry.Policy{
		Base:       config.Seconds("RETRY_BASE_SECONDS", time.Second),
		Multiplier: 2.0,
		Cap:        config.Seconds("RETRY_CAP_SECONDS", 16*time.Second),
		MaxRetries: config.Int("RETRY_MAX_ATTEMPTS", 5),
	})

	activationHandler := activation.NewHandler(users, logger)
	activationConsumer := consumer.New(logger, pool, ledger, exec, sink, consumer.Config{
		Brokers:   brokers,
		GroupID:   config.String("KAFKA_GROUP_ID", "identity-service.customer-registered"),
		Topic:     config.String("KAFKA_CONSUME_TOPIC", "customer.events"),
		EventType: activation.EventCustomerRegistered,
	}, activationHandler.Handle)
	go func() {
		if err := activationConsumer.Run(ctx); err != nil {
			logger.Error("consumer stopped on inconsistent state", "err", err)
			stop()
		}
	}()

	identityHandler := handlers.NewIdentityHandler(pool, users, outboxRepo, limiter, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	mux.HandleFunc("/api/v1/register", identityHandler.Register)
	mux.HandleFunc("/api/v1/verification/resend", identityHandler.ResendVerification)
	mux.HandleFunc("/api/v1/users/", identityHandler.GetUser)

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
		httpx.WithTimeout(10 * time.Second),
	}
	if origins := strings.TrimSpace(config.String("CORS_ALLOWED_ORIGINS", "")); origins != "" {
		middlewares = append(middlewares, httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: strings.Split(origins, ","),
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         10 * time.Minute,
		}))
	}
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()
		rl := httpx.NewRedisRateLimiter(rdb, config.Int("HTTP_RATE_LIMIT_PER_MINUTE", 60), time.Minute, "identity")
		middlewares = append(middlewares, rl.Middleware(logger, config.Bool("HTTP_RATE_LIMIT_FAIL_OPEN", true)))
		logger.Info("http rate limiting enabled (redis)", "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(config.Int("HTTP_RATE_LIMIT_PER_MINUTE", 60), time.Minute)
		middlewares = append(middlewares, rl.Middleware())
	}

	handler := httpx.Chain(mux, middlewares...)
	handler = otelhttp.NewHandler(handler, "identity")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
