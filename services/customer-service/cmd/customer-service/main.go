package main

import (
	"context"
	"net/http"
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
	"github.com/rbalashov/microshop/libs/retry"
	"github.com/rbalashov/microshop/libs/runtime"
	"github.com/rbalashov/microshop/services/customer-service/internal/handlers"
	"github.com/rbalashov/microshop/services/customer-service/internal/identity"
	"github.com/rbalashov/microshop/services/customer-service/internal/registration"
	"github.com/rbalashov/microshop/services/customer-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "customer-service")
	port, err := config.Port("PORT", "8082")
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

	customers := storage.NewCustomerRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	ledger := inbox.NewLedger(pool)

	brokers := config.String("KAFKA_BROKERS", "")
	relay := outbox.NewRelay(pool, outboxRepo, logger, sink, outbox.RelayConfig{
		Brokers:   brokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go relay.Run(ctx)

	exec := retry.NewExecutor(logger, retry.Policy{
		Base:       config.Seconds("RETRY_BASE_SECONDS", time.Second),
		Multiplier: 2.0,
		Cap:        config.Seconds("RETRY_CAP_SECONDS", 16*time.Second),
		MaxRetries: config.Int("RETRY_MAX_ATTEMPTS", 5),
	})

	identityClient := identity.NewClient(config.String("IDENTITY_SERVICE_URL", "http://localhost:8081"))
	registrationHandler := registration.NewHandler(identityClient, customers, outboxRepo, logger)
	registrationConsumer := consumer.New(logger, pool, ledger, exec, sink, consumer.Config{
		Brokers:   brokers,
		GroupID:   config.String("KAFKA_GROUP_ID", "customer-service.user-registered"),
		Topic:     config.String("KAFKA_CONSUME_TOPIC", "identity.events"),
		EventType: registration.EventUserRegistered,
	}, registrationHandler.Handle)
	go func() {
		if err := registrationConsumer.Run(ctx); err != nil {
			logger.Error("consumer stopped on inconsistent state", "err", err)
			stop()
		}
	}()

	customerHandler := handlers.NewCustomerHandler(customers, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	mux.HandleFunc("/api/v1/customers/", customerHandler.GetCustomer)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(10*time.Second),
	)
	handler = otelhttp.NewHandler(handler, "customer")
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
