/**
 * @description
 * This is the main entry point for the payment-service.
 * It initializes and wires together all the components of the application,
 * including configuration, database connection, Redis, RabbitMQ, the provider
 * clients, the payment orchestration service, the reconciliation scheduler, and
 * the HTTP router. Finally, it starts the HTTP server to listen for incoming
 * requests and shuts everything down gracefully on SIGINT/SIGTERM.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bibek1414/nepdora-payment-service/internal/api"
	"github.com/bibek1414/nepdora-payment-service/internal/app"
	"github.com/bibek1414/nepdora-payment-service/internal/config"
	"github.com/bibek1414/nepdora-payment-service/internal/store"
	"github.com/bibek1414/nepdora-payment-service/pkg/esewa"
	"github.com/bibek1414/nepdora-payment-service/pkg/khalti"
	"github.com/bibek1414/nepdora-payment-service/pkg/rabbitmq"
	"github.com/bibek1414/nepdora-payment-service/pkg/tenantclient"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load application configuration from environment variables
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up channel to listen for OS signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Establish connection to the PostgreSQL database
	dbpool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	reconRepo := store.NewPostgresReconciliationRepository(dbpool)
	if err := reconRepo.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure database schema", "error", err)
		os.Exit(1)
	}

	// Redis backs the initiation rate limiter and the outcome idempotency
	// guard. Both degrade to no-ops when Redis is not configured.
	var redisClient redis.UniversalClient
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid redis URL", "error", err)
			os.Exit(1)
		}
		rc := redis.NewClient(redisOpts)
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, rate limiting and idempotency guard disabled", "error", err)
		} else {
			redisClient = rc
			defer rc.Close()
			logger.Info("redis connection established")
		}
	}
	limiter := app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	guard := app.NewRedisOutcomeGuard(redisClient, "", 0)

	// RabbitMQ carries payment lifecycle events. A broker outage must never
	// block payments, so fall back to a no-op publisher.
	var publisher rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		logger.Warn("rabbitmq unavailable, payment events disabled", "error", err)
		publisher = &rabbitmq.FallbackPublisher{}
	} else {
		publisher = producer
		defer producer.Close()
		logger.Info("rabbitmq connection established")
	}

	providerTimeout := time.Duration(cfg.ProviderTimeoutSeconds) * time.Second
	khaltiClient := khalti.NewClient(cfg.KhaltiBaseURL, providerTimeout)
	esewaClient := esewa.NewClient(cfg.EsewaBaseURL, providerTimeout)
	backend := tenantclient.NewClient(cfg.TenantAPITemplate, cfg.PlatformAPIURL, providerTimeout)

	credentials := store.NewCachedCredentialStore(backend, time.Duration(cfg.GatewayCacheTTLSeconds)*time.Second)

	service := app.NewService(
		app.Options{
			BaseDomain:                 cfg.BaseDomain,
			Protocol:                   cfg.Protocol,
			FrontendPort:               cfg.FrontendPort,
			WebsiteURL:                 cfg.WebsiteURL,
			InitiateRateLimitPerMinute: cfg.InitiateRateLimitPerMinute,
			ReconcileMaxAttempts:       cfg.ReconcileMaxAttempts,
			ReconcileBatchSize:         cfg.ReconcileBatchSize,
		},
		credentials,
		khaltiClient,
		esewaClient,
		backend,
		reconRepo,
		limiter,
		guard,
		publisher,
	)

	// Start the reconciliation sweeper that retries verified payments whose
	// downstream outcome has not been applied yet.
	scheduler := app.NewScheduler(service, logger, cfg.ReconcileSchedule)
	scheduler.Start()

	handlers := api.NewPaymentHandlers(service, reconRepo)
	router := api.NewRouter(handlers, cfg.InternalAPIKey)

	// Configure and start the HTTP server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for an OS signal
	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// Let an in-flight reconciliation run finish.
	<-scheduler.Stop().Done()

	logger.Info("server stopped")
}
