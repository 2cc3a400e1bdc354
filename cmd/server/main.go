package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/api"
	"github.com/Priya8975/notification-dispatcher/internal/broker"
	"github.com/Priya8975/notification-dispatcher/internal/config"
	"github.com/Priya8975/notification-dispatcher/internal/engine"
	"github.com/Priya8975/notification-dispatcher/internal/mailer"
	"github.com/Priya8975/notification-dispatcher/internal/store"
	"github.com/Priya8975/notification-dispatcher/internal/subscription"
	ws "github.com/Priya8975/notification-dispatcher/internal/websocket"
	"github.com/Priya8975/notification-dispatcher/internal/worker"
	"github.com/Priya8975/notification-dispatcher/migrations"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence gateway
	var gateway store.Gateway
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		logger.Info("connected to PostgreSQL")

		if err := pgStore.RunMigrations(ctx, migrations.FS); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("database migrations applied")
		gateway = pgStore
	default:
		logger.Warn("using in-memory store; state is lost on restart")
		gateway = store.NewMemory()
	}

	// Optional Redis: per-target guards and cross-process index invalidation
	var (
		redisStore     *store.RedisStore
		circuitBreaker *engine.CircuitBreaker
		rateLimiter    *engine.RateLimiter
	)
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		logger.Info("connected to Redis")

		circuitBreaker = engine.NewCircuitBreaker(redisStore.Client(), cfg.CircuitFailureThreshold, cfg.CircuitCooldown, logger)
		rateLimiter = engine.NewRateLimiter(redisStore.Client(), cfg.TargetRateLimit, cfg.TargetRateWindow, logger)
	}

	// Broker: Kafka when configured, otherwise an in-process queue
	var (
		source    broker.Source
		publisher broker.Publisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		if err := broker.EnsureTopic(ctx, cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaPartitions); err != nil {
			logger.Warn("could not ensure kafka topic", "topic", cfg.KafkaTopic, "error", err)
		}
		consumer := broker.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, logger)
		defer consumer.Close()
		producer := broker.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		source, publisher = consumer, producer
		logger.Info("using kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic, "group", cfg.KafkaGroupID)
	} else {
		queue := broker.NewQueue(cfg.KafkaTopic, 1024)
		defer queue.Close()
		source, publisher = queue, queue
		logger.Warn("KAFKA_BROKERS not set; using in-process queue")
	}

	// Email
	var email worker.EmailSender
	if cfg.SMTPEnabled() {
		sender, err := mailer.NewSMTPSender(mailer.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			Timeout:  cfg.DeliveryTimeout,
		}, logger)
		if err != nil {
			logger.Error("failed to configure smtp", "error", err)
			os.Exit(1)
		}
		email = sender
	}

	// WebSocket hub for the live delivery feed
	hub := ws.NewHub(logger)

	deliverer := worker.NewDeliverer(worker.DelivererConfig{
		Timeout:        cfg.DeliveryTimeout,
		SigningSecret:  cfg.WebhookSigningSecret,
		Email:          email,
		CircuitBreaker: circuitBreaker,
		RateLimiter:    rateLimiter,
	}, logger)
	executor := worker.NewExecutor(gateway, deliverer, worker.ExecutorConfig{
		Backoff:     engine.Backoff{BaseDelay: cfg.RecoveryBaseDelay, MaxDelay: cfg.RecoveryMaxDelay},
		MaxAttempts: cfg.RecoveryMaxAttempts,
	}, hub, logger)

	pool := worker.NewPool(gateway, engine.NewMatcher(cfg.TypeWildcard), executor, worker.PoolConfig{
		BucketCount:   cfg.BucketCount,
		QueueSize:     cfg.BucketQueueSize,
		IndexRefresh:  cfg.IndexRefresh,
		SeriesMaxWait: cfg.SeriesMaxWait,
	}, logger)
	dispatcher := worker.NewDispatcher(source, gateway, pool, cfg.TypeWildcard, logger)
	sweeper := worker.NewSweeper(gateway, executor, worker.SweeperConfig{
		Interval:  cfg.RecoverySweepInterval,
		BatchSize: cfg.RecoveryBatchSize,
		Lease:     cfg.RecoveryLease,
	}, logger)
	invalidators := []subscription.Invalidator{pool}
	reapInvalidators := []worker.IndexInvalidator{pool}
	if redisStore != nil {
		invalidators = append(invalidators, redisStore)
		reapInvalidators = append(reapInvalidators, redisStore)
	}
	reaper := worker.NewReaper(gateway, cfg.ReaperInterval, logger, reapInvalidators...)
	subscriptions := subscription.NewService(gateway, cfg.BucketCount, logger, invalidators...)

	// Background work
	var wg sync.WaitGroup
	runLoop := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	runLoop(hub.Run)
	pool.Start(ctx)
	runLoop(dispatcher.Start)
	runLoop(sweeper.Start)
	runLoop(reaper.Start)
	if redisStore != nil {
		runLoop(func(ctx context.Context) {
			err := redisStore.SubscribeInvalidations(ctx, logger, func(bucket int) {
				pool.ApplyInvalidation(ctx, bucket)
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("index invalidation subscription ended", "error", err)
			}
		})
	}

	router := api.NewRouter(api.Deps{
		Subscriptions: subscriptions,
		Publisher:     publisher,
		Gateway:       gateway,
		Buckets:       pool,
		Hub:           hub,
		Version:       version,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server starting", "port", cfg.Port, "buckets", cfg.BucketCount)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Bucket workers finish their current step before returning.
	pool.Wait()
	wg.Wait()

	logger.Info("server stopped")
}
