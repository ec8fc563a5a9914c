package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"orderprocessor/internal/app/orders"
	"orderprocessor/internal/config"
	"orderprocessor/internal/handler/events"
	http_orders "orderprocessor/internal/handler/http/orders"
	"orderprocessor/internal/infrastructure/database"
	kafka_infra "orderprocessor/internal/infrastructure/kafka"
	"orderprocessor/internal/infrastructure/rabbitmq"
	"orderprocessor/internal/messaging"
	"orderprocessor/internal/outbox"
	"orderprocessor/internal/publisher"
	"orderprocessor/internal/repository"
	"orderprocessor/internal/repository/memory"
	"orderprocessor/internal/repository/sqlrepo"
)

const (
	maxRetries = 10
	retryDelay = 5 * time.Second
)

// transport is the broker side of the process: a publisher for outgoing
// events and a blocking consume loop for order.placed.
type transport struct {
	publisher messaging.Publisher
	consume   func(ctx context.Context) error
	close     func()
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	appLogger.Info("Order Processor starting...",
		zap.String("broker", cfg.Broker),
		zap.String("store", cfg.Store),
		zap.String("publish_mode", cfg.PublishMode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, appLogger)
	stop()

	if err != nil {
		appLogger.Error("Order Processor stopped with error", zap.Error(err))
		appLogger.Sync()
		os.Exit(1)
	}
	appLogger.Info("Order Processor stopped.")
	appLogger.Sync()
}

// run wires the process and blocks until ctx is cancelled or a component fails.
// Every resource it opens is closed before it returns.
func run(ctx context.Context, cfg *config.Config, appLogger *zap.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialise order store: %w", err)
	}
	defer closeStore()

	broker := transport{}
	handlerRef := &lateHandler{}
	switch cfg.Broker {
	case config.BrokerKafka:
		broker, err = newKafkaTransport(ctx, cfg, handlerRef, appLogger.With(zap.String("component", "Kafka")))
	default:
		broker, err = newRabbitMQTransport(ctx, cfg, handlerRef, appLogger.With(zap.String("component", "RabbitMQ")))
	}
	if err != nil {
		return fmt.Errorf("failed to initialise message broker: %w", err)
	}
	defer broker.close()

	var dedup publisher.Deduplicator
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis at %s: %w", cfg.RedisAddr, err)
		}
		dedup = publisher.NewRedisDeduplicator(redisClient, cfg.PublishDedupTTL)
		appLogger.Info("Publish deduplication enabled", zap.String("redis_addr", cfg.RedisAddr))
	}

	eventPublisher := publisher.NewProcessedPublisher(broker.publisher, dedup, appLogger.With(zap.String("component", "ProcessedPublisher")))
	orderService := orders.NewOrderService(
		store,
		eventPublisher,
		appLogger.With(zap.String("component", "OrderService")),
		orders.WithPublishMode(orders.PublishMode(cfg.PublishMode)),
	)
	handlerRef.Handler = events.NewOrderPlacedConsumer(orderService, cfg.MaxDeliveryAttempts, appLogger.With(zap.String("component", "OrderPlacedConsumer")))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	http_orders.RegisterRoutes(r, orderService, appLogger)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return broker.consume(gctx)
	})

	if cfg.PublishMode == config.PublishModeOutbox {
		processor := outbox.NewProcessor(
			store,
			broker.publisher,
			cfg.OutboxPollInterval,
			cfg.OutboxPollTimeout,
			cfg.OutboxBatchSize,
			appLogger.With(zap.String("component", "OutboxProcessor")),
		)
		g.Go(func() error {
			return processor.Start(gctx)
		})
		appLogger.Info("Transactional Outbox sender started.")
	}

	g.Go(func() error {
		appLogger.Info("HTTP server listening", zap.String("address", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down Order Processor...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(lvl)
	return zapConfig.Build()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("Using in-memory order store; state is lost on restart")
		return memory.NewStore(), func() {}, nil
	}

	dialect, err := sqlrepo.DialectFor(cfg.Store)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("Waiting for database to be available...")
	db, err := database.ConnectWithRetry(ctx, database.DBConfig{
		DriverName:      cfg.Store,
		DSN:             cfg.GetDBConnectionString(),
		MaxOpenConns:    cfg.ConsumerWorkers + 4,
		MaxIdleConns:    cfg.ConsumerWorkers,
		ConnMaxLifetime: 30 * time.Minute,
	}, maxRetries, retryDelay, logger)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			logger.Error("Error closing database connection", zap.Error(err))
		} else {
			logger.Info("Database connection closed.")
		}
	}

	if err := database.RunMigrations(cfg.GetMigrationsSource(), cfg.GetDBMigrationConnectionString(), logger); err != nil {
		closeDB()
		return nil, nil, err
	}

	return sqlrepo.NewStore(db, dialect, logger.With(zap.String("component", "OrderStore"))), closeDB, nil
}

func newRabbitMQTransport(ctx context.Context, cfg *config.Config, handler messaging.Handler, logger *zap.Logger) (transport, error) {
	conn, err := rabbitmq.Dial(ctx, cfg.AMQPURL, maxRetries, retryDelay, logger)
	if err != nil {
		return transport{}, err
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return transport{}, fmt.Errorf("failed to open consume channel: %w", err)
	}
	publishCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return transport{}, fmt.Errorf("failed to open publish channel: %w", err)
	}

	if err := rabbitmq.DeclareTopology(consumeCh, logger); err != nil {
		conn.Close()
		return transport{}, err
	}

	pub, err := rabbitmq.NewPublisher(publishCh, logger)
	if err != nil {
		conn.Close()
		return transport{}, err
	}

	consumer := rabbitmq.NewConsumer(consumeCh, messaging.OrderPlacedQueue, "order-processor", cfg.AMQPPrefetch, cfg.ConsumerWorkers, handler, logger)

	return transport{
		publisher: pub,
		consume:   consumer.Consume,
		close: func() {
			if err := conn.Close(); err != nil {
				logger.Error("Error closing RabbitMQ connection", zap.Error(err))
			} else {
				logger.Info("RabbitMQ connection closed.")
			}
		},
	}, nil
}

func newKafkaTransport(ctx context.Context, cfg *config.Config, handler messaging.Handler, logger *zap.Logger) (transport, error) {
	brokers := cfg.GetKafkaBrokers()
	topics := []string{messaging.OrderPlacedRoutingKey, messaging.OrderProcessedRoutingKey, messaging.DeadLetterQueue}
	if err := kafka_infra.EnsureTopics(ctx, brokers, topics, logger); err != nil {
		return transport{}, err
	}

	producer := kafka_infra.NewProducer(brokers, logger)
	reader := kafka_infra.NewReader(brokers, messaging.OrderPlacedRoutingKey, cfg.KafkaConsumerGroup, logger)
	consumer := kafka_infra.NewConsumer(reader, producer, handler, time.Second, logger)

	return transport{
		publisher: producer,
		consume:   consumer.Consume,
		close: func() {
			consumer.Close()
			producer.Close()
		},
	}, nil
}

// lateHandler lets the transport be built before the service that depends on its publisher.
type lateHandler struct {
	messaging.Handler
}
