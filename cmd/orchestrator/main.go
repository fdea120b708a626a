package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/chorusproject/chorus/internal/config"
	"github.com/chorusproject/chorus/internal/consumer"
	"github.com/chorusproject/chorus/internal/dispatch"
	"github.com/chorusproject/chorus/internal/manifest"
	"github.com/chorusproject/chorus/internal/objectstore"
	"github.com/chorusproject/chorus/internal/ops"
	"github.com/chorusproject/chorus/internal/queue"
	"github.com/chorusproject/chorus/internal/scheduler"
	"github.com/chorusproject/chorus/internal/session"
	"github.com/chorusproject/chorus/shared/logger"
	"github.com/chorusproject/chorus/shared/postgresql"
	"github.com/chorusproject/chorus/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("CHORUS_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/orchestrator/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting orchestrator",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize object store
	store, err := objectstore.NewFSStore(cfg.Storage.Root, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	// Initialize the optional session ledger
	ledger, dbClient, err := initLedger(cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	if dbClient != nil {
		defer dbClient.Close()
	}

	// Initialize scheduler adapter; one launch queue per job template
	sched, err := scheduler.NewAMQPScheduler(rabbitClient, scheduler.AMQPConfig{
		Cluster: cfg.Scheduler.Cluster,
		Placement: scheduler.Placement{
			Subnet:        cfg.Scheduler.Subnet,
			SecurityGroup: cfg.Scheduler.SecurityGroup,
		},
		MaxParameterBytes: cfg.Scheduler.MaxParameterBytes,
	}, cfg.Templates(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	// Wire the session pipeline
	fetcher := manifest.NewFetcher(store, manifest.FetcherConfig{
		MaxItems:         cfg.Batching.MaxManifestItems,
		NotFoundAttempts: cfg.Consumer.NotFoundAttempts,
		NotFoundDelay:    cfg.Consumer.NotFoundDelay,
	}, appLogger.Logger)

	dispatcher := dispatch.NewDispatcher(sched, cfg.Storage.Bucket, dispatch.DispatcherConfig{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BaseDelay:   cfg.Dispatch.BaseDelay,
	}, appLogger.Logger)

	engines := make([]dispatch.Engine, len(cfg.Engines))
	for i, eng := range cfg.Engines {
		engines[i] = dispatch.Engine{
			Name:      eng.Name,
			Template:  eng.Template,
			Container: eng.Container,
			BatchSize: eng.BatchSize,
		}
	}

	coordinator := dispatch.NewCoordinator(fetcher, dispatcher, ledger, cfg.Storage.Bucket, dispatch.CoordinatorConfig{
		Engines: engines,
		Aggregator: dispatch.AggregatorConfig{
			Template:  cfg.Aggregator.Template,
			Container: cfg.Aggregator.Container,
		},
		DefaultBatchSize: cfg.Batching.DefaultBatchSize,
		Concurrency:      cfg.Dispatch.Concurrency,
	}, appLogger.Logger)

	consumerID := fmt.Sprintf("orchestrator-%s", uuid.New().String()[:8])
	eventQueue := queue.NewAMQPQueue(rabbitClient, consumerID, appLogger.Logger)

	loop := consumer.New(eventQueue, coordinator, ledger, consumer.Config{
		ManifestSuffix: cfg.Consumer.ManifestSuffix,
		ReceiveWait:    cfg.Consumer.ReceiveWait,
		ExtendInterval: cfg.Consumer.ExtendInterval,
		ExtendBy:       cfg.Consumer.ExtendBy,
	}, consumerID, appLogger.Logger)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start the optional ops server
	var opsServer *ops.Server
	if cfg.Ops.Port != 0 {
		opsServer = ops.NewServer(cfg.Ops.Port, ledger, rabbitClient.IsConnected, appLogger.Logger)
		go func() {
			if err := opsServer.Start(); err != nil {
				appLogger.Error("Ops server error",
					slog.Any("error", err),
				)
			}
		}()
	}

	// Start the consumer loop
	errChan := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := loop.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Orchestrator started successfully",
		slog.String("consumer_id", consumerID),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Consumer loop error",
			slog.Any("error", err),
		)
		return err
	}

	// Stop accepting new messages; the in-flight session finishes
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case <-done:
		appLogger.Info("Consumer loop stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Shutdown timeout exceeded, forcing exit")
	}

	if opsServer != nil {
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Ops server shutdown failed",
				slog.Any("error", err),
			)
		}
	}

	appLogger.Info("Orchestrator shutdown complete")
	return nil
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initLedger connects the PostgreSQL session ledger when the database
// is configured; otherwise sessions are tracked in logs only
func initLedger(cfg *config.Config, logger *slog.Logger) (session.Ledger, *postgresql.Client, error) {
	if !cfg.Database.Enabled {
		logger.Info("Session ledger disabled, running without persistence")
		return session.NopLedger{}, nil, nil
	}

	dbClient, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ledger, err := session.NewPostgresLedger(ctx, dbClient.GetDB(), logger)
	if err != nil {
		dbClient.Close()
		return nil, nil, fmt.Errorf("failed to initialize session ledger: %w", err)
	}

	logger.Info("Session ledger connected")
	return ledger, dbClient, nil
}
