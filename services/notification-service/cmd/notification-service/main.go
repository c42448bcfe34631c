package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

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
	"github.com/rbalashov/microshop/libs/tasks"
	"github.com/rbalashov/microshop/services/notification-service/internal/email"
	"github.com/rbalashov/microshop/services/notification-service/internal/handlers"
	"github.com/rbalashov/microshop/services/notification-service/internal/sms"
	"github.com/rbalashov/microshop/services/notification-service/internal/storage"
	"github.com/rbalashov/microshop/services/notification-service/internal/verification"
	"github.com/rbalashov/microshop/services/notification-service/internal/welcome"
)

func smsSender(logger *slog.Logger) sms.Sender {
	url := strings.TrimSpace(config.String("SMS_WEBHOOK_URL", ""))
	if url == "" {
		logger.Info("sms webhook not configured, using noop sender")
		return sms.NewNoopSender()
	}
	return sms.NewWebhookSender(url, config.String("SMS_WEBHOOK_TOKEN", ""))
}

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8083")
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

	notifications := storage.NewRepository(pool)
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

	queue := tasks.NewQueue(logger, tasks.Config{
		Workers: config.Int("TASK_WORKERS", 4),
		Buffer:  config.Int("TASK_BUFFER", 64),
	})
	go queue.Run(ctx)

	emailSender := email.NewSMTPSender(
		config.String("SMTP_HOST", "localhost"),
		config.String("SMTP_PORT", "1025"),
		config.String("SMTP_FROM", ""),
	)
	textSender := smsSender(logger)

	exec := retry.NewExecutor(logger, retry.Policy{
		Base:       config.Seconds("RETRY_BASE_SECONDS", time.Second),
		Multiplier: 2.0,
		Cap:        config.Seconds("RETRY_CAP_SECONDS", 16*time.Second),
		MaxRetries: config.Int("RETRY_MAX_ATTEMPTS", 5),
	})

	welcomeHandler := welcome.NewHandler(notifications, outboxRepo, queue, emailSender, logger)
	welcomeConsumer := consumer.New(logger, pool, ledger, exec, sink, consumer.Config{
		Brokers:   brokers,
		GroupID:   config.String("KAFKA_WELCOME_GROUP_ID", "notification-service.customer-registered"),
		Topic:     config.String("KAFKA_WELCOME_TOPIC", "customer.events"),
		EventType: welcome.EventCustomerRegistered,
	}, welcomeHandler.Handle)
	go func() {
		if err := welcomeConsumer.Run(ctx); err != nil {
			logger.Error("welcome consumer stopped on inconsistent state", "err", err)
			stop()
		}
	}()

	verificationHandler := verification.NewHandler(notifications, outboxRepo, limiter, emailSender, textSender, logger)
	verificationConsumer := consumer.New(logger, pool, ledger, exec, sink, consumer.Config{
		Brokers:   brokers,
		GroupID:   config.String("KAFKA_VERIFICATION_GROUP_ID", "notification-service.verification-requested"),
		Topic:     config.String("KAFKA_VERIFICATION_TOPIC", "identity.events"),
		EventType: verification.EventVerificationRequested,
	}, verificationHandler.Handle)
	go func() {
		if err := verificationConsumer.Run(ctx); err != nil {
			logger.Error("verification consumer stopped on inconsistent state", "err", err)
			stop()
		}
	}()

	notificationHandler := handlers.NewNotificationHandler(notifications, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	mux.HandleFunc("/api/v1/notifications", notificationHandler.List)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(10*time.Second),
	)
	handler = otelhttp.NewHandler(handler, "notification")
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
