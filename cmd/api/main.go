package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/amillerrr/vod-transcoder/internal/api"
	"github.com/amillerrr/vod-transcoder/internal/auth"
	"github.com/amillerrr/vod-transcoder/internal/config"
	"github.com/amillerrr/vod-transcoder/internal/health"
	"github.com/amillerrr/vod-transcoder/internal/logger"
	"github.com/amillerrr/vod-transcoder/internal/observability"
	"github.com/amillerrr/vod-transcoder/internal/storage"
	"github.com/amillerrr/vod-transcoder/internal/worker"
)

const (
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
	AWSConfigTimeout      = 10 * time.Second
	StartupTimeout        = 30 * time.Second
)

type jobStore interface {
	api.JobStore
	health.Pinger
}

func main() {
	envErr := godotenv.Load()

	cfg, err := config.LoadAPI()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.SetDefault(log)
	if envErr != nil {
		log.Info("No .env file found, using system environment variables")
	}

	if err := run(cfg, log); err != nil {
		log.Error("API server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfig{
		ServiceName:  "vod-api",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		Enabled:      cfg.Observability.Enabled,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	awsCtx, cancel := context.WithTimeout(context.Background(), AWSConfigTimeout)
	awsCfg, err := awsconfig.LoadDefaultConfig(awsCtx, awsconfig.WithRegion(cfg.AWS.Region))
	cancel()
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), StartupTimeout)
	defer cancelStartup()

	var deps []health.Dependency

	// Job store
	var store jobStore
	switch cfg.Store.Driver {
	case config.StorePostgres:
		pg, err := storage.OpenPostgres(startupCtx, storage.PostgresConfig{
			DSN:             cfg.Store.DatabaseURL,
			OwnerTable:      cfg.Store.OwnerTable,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		}, log)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.EnsureSchema(startupCtx); err != nil {
			return err
		}
		store = pg
	default:
		store = storage.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.AWS.DynamoDBTable)
	}
	deps = append(deps, health.Ping("store", store))
	log.Info("Job store initialized", "driver", cfg.Store.Driver)

	// Queue
	var publisher api.JobPublisher
	switch cfg.Queue.Driver {
	case config.QueueRabbitMQ:
		rb, err := worker.DialRabbit(worker.RabbitConfig{
			URL:         cfg.Queue.RabbitMQURL,
			Queue:       cfg.Queue.RabbitMQQueue,
			PublishOnly: true,
		}, log)
		if err != nil {
			return err
		}
		defer rb.Close()
		publisher = rb
		deps = append(deps, health.Connected("rabbitmq", rb.IsConnected))
	default:
		sqsClient := sqs.NewFromConfig(awsCfg)
		publisher = worker.NewSQSPublisher(sqsClient, cfg.AWS.SQSQueueURL)
		deps = append(deps, health.SQSQueue(sqsClient, cfg.AWS.SQSQueueURL))
	}

	serverCfg := &api.ServerConfig{
		Config:      cfg,
		Logger:      log,
		Store:       store,
		Publisher:   publisher,
		RateLimiter: auth.NewRateLimiter(auth.DefaultRateLimiterConfig()),
	}

	// Live progress is optional
	if cfg.Redis.URL != "" {
		rdb, err := storage.OpenRedis(startupCtx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		progress := storage.NewRedisProgress(rdb, cfg.Redis.StatusTTL, log)
		serverCfg.Progress = progress
		deps = append(deps, health.Ping("redis", progress))
	}

	jwtSecret, err := cfg.GetJWTSecret()
	if err != nil {
		return err
	}
	serverCfg.JWTService, err = auth.NewJWTService(jwtSecret)
	if err != nil {
		return fmt.Errorf("failed to create JWT service: %w", err)
	}

	serverCfg.HealthChecker = health.NewChecker(health.DefaultConfig("vod-api", log, deps...))

	server, err := api.NewServer(serverCfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Server shutdown complete")
	return nil
}
