// Command offer-sweeper expires abandoned offers on a schedule and passes
// their slots to the next waiting requesters. With -reconcile it enqueues a
// one-off reconcile of a single resource and exits.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abhirambsn/mo-ticket/internal/clock"
	"github.com/abhirambsn/mo-ticket/internal/metrics"
	"github.com/abhirambsn/mo-ticket/internal/repository"
	"github.com/abhirambsn/mo-ticket/internal/service"
	"github.com/abhirambsn/mo-ticket/internal/tasks"
	"github.com/abhirambsn/mo-ticket/pkg/config"
	"github.com/abhirambsn/mo-ticket/pkg/database"
	"github.com/abhirambsn/mo-ticket/pkg/logger"
	pkgredis "github.com/abhirambsn/mo-ticket/pkg/redis"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	reconcile := flag.String("reconcile", "", "enqueue a reconcile of one resource and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       cfg.App.LogLevel,
		ServiceName: "offer-sweeper",
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()

	redisCfg := &pkgredis.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}
	redisOpt := redisCfg.AsynqOpt()

	if *reconcile != "" {
		if err := enqueueReconcile(redisOpt, *reconcile); err != nil {
			appLog.Fatal("Failed to enqueue reconcile", zap.String("resource_id", *reconcile), zap.Error(err))
		}
		appLog.Info("Reconcile enqueued", zap.String("resource_id", *reconcile))
		return
	}

	appLog.Info("Starting offer sweeper...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection
	dbCfg := &database.PostgresConfig{
		Host:          cfg.Database.Host,
		Port:          cfg.Database.Port,
		User:          cfg.Database.User,
		Password:      cfg.Database.Password,
		Database:      cfg.Database.DBName,
		SSLMode:       cfg.Database.SSLMode,
		MaxConns:      10,
		MinConns:      2,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
	}
	db, err := database.NewPostgres(ctx, dbCfg)
	if err != nil {
		appLog.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	appLog.Info("Database connected")

	// Promotions made by the sweeper are announced like any other
	var publishers []service.ChangePublisher
	if cfg.Kafka.Enabled {
		kafkaPublisher, err := service.NewKafkaChangePublisher(ctx, &service.ChangePublisherConfig{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.Topic,
			ServiceName: "offer-sweeper",
			ClientID:    cfg.Kafka.ClientID + "-sweeper",
		})
		if err != nil {
			appLog.Warn("Failed to create Kafka publisher", zap.Error(err))
		} else {
			publishers = append(publishers, kafkaPublisher)
		}
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	notifier := service.NewNotifier(appLog, m, publishers...)
	defer notifier.Close()

	offers := service.NewOfferManager(
		repository.NewPostgresStore(db.Pool()),
		notifier,
		clock.NewSystem(),
		appLog,
		m,
		&service.OfferManagerConfig{OfferTTL: cfg.Waitlist.OfferTTL},
	)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Sweeper.Concurrency,
		Queues: map[string]int{
			"default": 1,
		},
	})
	mux := asynq.NewServeMux()
	tasks.NewHandlers(offers, cfg.Sweeper.BatchSize, appLog).Register(mux)

	sweepTask, err := tasks.NewSweepTask(cfg.Sweeper.BatchSize)
	if err != nil {
		appLog.Fatal("Failed to build sweep task", zap.Error(err))
	}
	scheduler := asynq.NewScheduler(redisOpt, nil)
	entryID, err := scheduler.Register(cfg.Sweeper.Cron, sweepTask)
	if err != nil {
		appLog.Fatal("Failed to schedule sweep", zap.String("cron", cfg.Sweeper.Cron), zap.Error(err))
	}

	if err := scheduler.Start(); err != nil {
		appLog.Fatal("Scheduler failed to start", zap.Error(err))
	}
	if err := srv.Start(mux); err != nil {
		appLog.Fatal("Task server failed to start", zap.Error(err))
	}
	appLog.Info("Offer sweeper started",
		zap.String("cron", cfg.Sweeper.Cron),
		zap.String("schedule_entry", entryID),
		zap.Int("concurrency", cfg.Sweeper.Concurrency),
	)

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down offer sweeper...")
	scheduler.Shutdown()
	srv.Shutdown()
	appLog.Info("Offer sweeper stopped")
}

func enqueueReconcile(redisOpt asynq.RedisClientOpt, resourceID string) error {
	task, err := tasks.NewReconcileTask(resourceID)
	if err != nil {
		return err
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()

	_, err = client.Enqueue(task)
	return err
}
