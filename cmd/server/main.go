package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/notify"
	"checkout-service/internal/payment"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer(cfg.Observ.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to apply migrations", zap.Error(err))
		}
		logger.Info("Migrations applied")
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	eventPublisher := broker.NewEventPublisher(producer)

	gateway := newGateway(cfg, logger)
	pricing := service.PricingFromConfig(cfg.Business)

	orderService := service.NewOrderService(service.OrderServiceDeps{
		Orders:         db,
		Gateway:        gateway,
		Locker:         redisClient,
		Idempotency:    redisClient,
		Events:         eventPublisher,
		Pricing:        pricing,
		LockTTL:        cfg.Business.OrderLockTTL,
		IdempotencyTTL: cfg.Business.IdempotencyTTL,
	})
	cartService := service.NewCartService(db, pricing, cfg.Business.MaxCartQuantity)
	paymentService := service.NewPaymentService(db, gateway,
		payment.NewStripeWebhook(cfg.Payment.StripeWebhookSecret), orderService, pricing)

	notifier := notify.NewNotifier(notify.NewMailer(cfg.SMTP), db)
	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(consumer, db, notifier)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := notificationWorker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, authenticated routes will reject every request")
	}

	router := gin.New()
	handler := api.NewHandler(api.HandlerDeps{
		Orders:    orderService,
		Carts:     cartService,
		Payments:  paymentService,
		JWTSecret: cfg.Auth.JWTSecret,
		Checks: map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	if err := notificationWorker.Stop(); err != nil {
		logger.Warn("Error stopping notification worker", zap.Error(err))
	}
	<-workerDone

	logger.Info("Server exited")
}

// newGateway returns the Stripe gateway bounded by the payment timeout, or
// the disabled gateway, which fails immediately, when no key is configured.
func newGateway(cfg *config.Config, logger *zap.Logger) payment.Gateway {
	if !cfg.PaymentsEnabled() {
		logger.Warn("STRIPE_SECRET_KEY not set, payment processing disabled")
		return payment.DisabledGateway{}
	}

	gw, err := payment.NewStripeGateway(payment.StripeConfig{
		SecretKey: cfg.Payment.StripeSecretKey,
		Logger:    logger.Named("stripe"),
	})
	if err != nil {
		logger.Fatal("Failed to initialize payment gateway", zap.Error(err))
	}
	return payment.WithTimeout(gw, cfg.Payment.Timeout)
}
