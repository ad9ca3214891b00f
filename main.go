package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abhirambsn/mo-ticket/internal/clock"
	"github.com/abhirambsn/mo-ticket/internal/di"
	"github.com/abhirambsn/mo-ticket/internal/gateway"
	"github.com/abhirambsn/mo-ticket/internal/middleware"
	"github.com/abhirambsn/mo-ticket/internal/ratelimit"
	"github.com/abhirambsn/mo-ticket/internal/repository"
	"github.com/abhirambsn/mo-ticket/internal/repository/migrations"
	"github.com/abhirambsn/mo-ticket/internal/service"
	"github.com/abhirambsn/mo-ticket/internal/worker"
	"github.com/abhirambsn/mo-ticket/pkg/config"
	"github.com/abhirambsn/mo-ticket/pkg/database"
	"github.com/abhirambsn/mo-ticket/pkg/logger"
	pkgredis "github.com/abhirambsn/mo-ticket/pkg/redis"
	"github.com/abhirambsn/mo-ticket/pkg/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       cfg.App.LogLevel,
		ServiceName: cfg.App.Name,
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting waitlist service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry
	telemetryCfg := &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	}
	if _, err := telemetry.Init(ctx, telemetryCfg); err != nil {
		appLog.Warn("Failed to initialize telemetry", zap.Error(err))
	} else if telemetryCfg.Enabled {
		appLog.Info("Telemetry initialized", zap.String("collector", telemetryCfg.CollectorAddr))
	}
	defer telemetry.Shutdown(context.Background())

	// Initialize database connection
	dbCfg := &database.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime: 30 * time.Minute,
		ConnectTimeout:  10 * time.Second,
		MaxRetries:      3,
		RetryInterval:   2 * time.Second,
		EnableTracing:   cfg.OTel.Enabled,
	}
	db, err := database.NewPostgres(ctx, dbCfg)
	if err != nil {
		appLog.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	appLog.Info("Database connected")

	if cfg.Database.Migrate {
		if err := database.Migrate(ctx, db.Pool(), migrations.FS); err != nil {
			appLog.Fatal("Failed to apply migrations", zap.Error(err))
		}
		appLog.Info("Migrations applied")
	}

	// Redis backs the join limiter and idempotent cancellations; the service
	// still runs without it
	redisCfg := &pkgredis.Config{
		Host:          cfg.Redis.Host,
		Port:          cfg.Redis.Port,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		PoolSize:      cfg.Redis.PoolSize,
		MinIdleConns:  cfg.Redis.MinIdleConns,
		DialTimeout:   cfg.Redis.DialTimeout,
		ReadTimeout:   cfg.Redis.ReadTimeout,
		WriteTimeout:  cfg.Redis.WriteTimeout,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
	}
	redis, err := pkgredis.NewClient(ctx, redisCfg)
	if err != nil {
		appLog.Warn("Redis connection failed, falling back to the local join limiter", zap.Error(err))
		redis = nil
	} else {
		defer redis.Close()
		appLog.Info("Redis connected")
	}

	clk := clock.NewSystem()

	limiterCfg := ratelimit.Config{Limit: cfg.Waitlist.JoinLimit, Window: cfg.Waitlist.JoinWindow}
	var limiter ratelimit.Limiter
	if cfg.Waitlist.RateLimiter == "redis" && redis != nil {
		limiter = ratelimit.NewRedisLimiter(redis, limiterCfg, clk)
		appLog.Info("Join limiter enabled (Redis-backed, distributed)")
	} else {
		local := ratelimit.NewLocalLimiter(limiterCfg, clk)
		defer local.Stop()
		limiter = local
		appLog.Info("Join limiter enabled (local, non-distributed)")
	}

	// Payment provider
	var payments interface {
		gateway.PaymentGateway
		gateway.RefundGateway
	}
	if cfg.Stripe.Enabled {
		stripeGateway, err := gateway.NewStripeGateway(&gateway.StripeGatewayConfig{
			SecretKey:             cfg.Stripe.SecretKey,
			Currency:              cfg.Stripe.Currency,
			ApplicationFeePercent: cfg.Stripe.ApplicationFeePercent,
			SuccessURL:            cfg.Stripe.SuccessURL,
			CancelURL:             cfg.Stripe.CancelURL,
		})
		if err != nil {
			appLog.Fatal("Failed to create Stripe gateway", zap.Error(err))
		}
		payments = stripeGateway
		appLog.Info("Stripe gateway enabled")
	} else {
		payments = gateway.NewMockGateway()
		appLog.Warn("Stripe disabled, using the mock payment gateway")
	}

	// Change publishers
	var publishers []service.ChangePublisher
	if cfg.Kafka.Enabled {
		kafkaPublisher, err := service.NewKafkaChangePublisher(ctx, &service.ChangePublisherConfig{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.Topic,
			ServiceName: cfg.App.Name,
			ClientID:    cfg.Kafka.ClientID,
		})
		if err != nil {
			appLog.Warn("Failed to create Kafka publisher, change events will not be streamed", zap.Error(err))
		} else {
			publishers = append(publishers, kafkaPublisher)
			appLog.Info("Kafka change publisher enabled", zap.String("topic", cfg.Kafka.Topic))
		}
	}
	if cfg.PubNub.Enabled {
		pubnubNotifier, err := service.NewPubNubNotifier(&service.PubNubConfig{
			PublishKey:   cfg.PubNub.PublishKey,
			SubscribeKey: cfg.PubNub.SubscribeKey,
			UserID:       cfg.PubNub.UserID,
		})
		if err != nil {
			appLog.Warn("Failed to create PubNub notifier", zap.Error(err))
		} else {
			publishers = append(publishers, pubnubNotifier)
			appLog.Info("PubNub requester notifications enabled")
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	container := di.NewContainer(&di.ContainerConfig{
		DB:              db,
		Redis:           redis,
		Store:           repository.NewPostgresStore(db.Pool()),
		Payments:        payments,
		Refunds:         payments,
		Limiter:         limiter,
		Publishers:      publishers,
		Clock:           clk,
		Logger:          appLog,
		Registry:        registry,
		Offers:          &service.OfferManagerConfig{OfferTTL: cfg.Waitlist.OfferTTL},
		DefaultCurrency: cfg.Stripe.Currency,
		WebhookSecret:   cfg.Stripe.WebhookSecret,
		Auth:            middleware.AuthConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer},
		Tracing:         cfg.OTel.Enabled,
	})
	defer container.Close()

	// In-process sweeper, for deployments without the offer-sweeper worker
	var sweeper *worker.Sweeper
	if cfg.Sweeper.Enabled {
		sweeper = worker.NewSweeper(container.OfferManager, &worker.SweeperConfig{
			Interval:  cfg.Sweeper.Interval,
			BatchSize: cfg.Sweeper.BatchSize,
		}, appLog)
		if err := sweeper.Start(ctx); err != nil {
			appLog.Fatal("Failed to start offer sweeper", zap.Error(err))
		}
		appLog.Info("Offer sweeper started", zap.Duration("interval", cfg.Sweeper.Interval))
	}

	// Setup Gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      container.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		appLog.Info(fmt.Sprintf("Waitlist service listening on %s", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down server...")

	if sweeper != nil {
		sweeper.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("Server forced to shutdown", zap.Error(err))
	}

	appLog.Info("Server exited gracefully")
}
