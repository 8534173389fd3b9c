package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/amillerrr/vod-transcoder/internal/config"
	"github.com/amillerrr/vod-transcoder/internal/health"
	"github.com/amillerrr/vod-transcoder/internal/logger"
	"github.com/amillerrr/vod-transcoder/internal/media"
	"github.com/amillerrr/vod-transcoder/internal/observability"
	"github.com/amillerrr/vod-transcoder/internal/pipeline"
	"github.com/amillerrr/vod-transcoder/internal/storage"
	"github.com/amillerrr/vod-transcoder/internal/transcoder"
	"github.com/amillerrr/vod-transcoder/internal/worker"
)

// Configuration constants
const (
	AWSConfigTimeout      = 10 * time.Second
	StartupTimeout        = 30 * time.Second
	ShutdownTimeout       = 5 * time.Second
	TracerShutdownTimeout = 5 * time.Second
	SweepInterval         = time.Hour
)

// jobStore is what the worker needs from either store backend.
type jobStore interface {
	pipeline.JobStore
	health.Pinger
}

func main() {
	envErr := godotenv.Load()

	cfg, err := config.LoadWorker()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.SetDefault(log)
	if envErr != nil {
		log.Info("No .env file found, relying on system ENV variables")
	}

	if err := run(cfg, log); err != nil {
		log.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:  "vod-worker",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		Enabled:      cfg.Observability.Enabled,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	awsCtx, cancel := context.WithTimeout(ctx, AWSConfigTimeout)
	awsCfg, err := awsconfig.LoadDefaultConfig(awsCtx, awsconfig.WithRegion(cfg.AWS.Region))
	cancel()
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	s3Client := storage.NewS3Client(awsCfg, storage.S3Options{
		Endpoint:     cfg.AWS.S3Endpoint,
		UsePathStyle: cfg.AWS.S3ForcePathStyle,
	})
	deps := []health.Dependency{health.S3Bucket(s3Client, cfg.AWS.OutputBucket)}

	startupCtx, cancelStartup := context.WithTimeout(ctx, StartupTimeout)
	defer cancelStartup()

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
	var broker worker.Broker
	switch cfg.Queue.Driver {
	case config.QueueRabbitMQ:
		rb, err := worker.DialRabbit(worker.RabbitConfig{
			URL:      cfg.Queue.RabbitMQURL,
			Queue:    cfg.Queue.RabbitMQQueue,
			Prefetch: cfg.Worker.MaxConcurrentJobs,
		}, log)
		if err != nil {
			return err
		}
		defer rb.Close()
		broker = rb
		deps = append(deps, health.Connected("rabbitmq", rb.IsConnected))
	default:
		sqsClient := sqs.NewFromConfig(awsCfg)
		broker = worker.NewSQSBroker(sqsClient, cfg.AWS.SQSQueueURL, cfg.AWS.SQSDLQURL, cfg.Worker.VisibilityTimeout, log)
		deps = append(deps, health.SQSQueue(sqsClient, cfg.AWS.SQSQueueURL))
	}

	ladder, err := transcoder.SelectLadder(cfg.Transcode.Renditions)
	if err != nil {
		return err
	}

	ffmpeg := media.NewFFmpeg(cfg.Transcode.FFmpegPath, cfg.Transcode.FFprobePath, log)
	workspaces := pipeline.NewWorkspaceManager(cfg.Worker.TempRoot, cfg.MinFreeDiskBytes())
	if err := os.MkdirAll(workspaces.Root(), 0755); err != nil {
		return fmt.Errorf("failed to create temp root: %w", err)
	}
	deps = append(deps, health.DiskSpace(workspaces.Root(), cfg.MinFreeDiskBytes()))

	// Never sweep a workspace that a running attempt could still own.
	sweepAge := max(cfg.Worker.WorkspaceMaxAge, 2*cfg.Worker.JobTimeout)
	if cfg.Worker.WorkspaceMaxAge > 0 {
		sweepWorkspaces(workspaces, sweepAge, log)
	}

	pipelineDeps := pipeline.Dependencies{
		Store:      store,
		Fetcher:    pipeline.NewDownloader(pipeline.NewHTTPClient(), s3Client, log),
		Inspector:  media.NewInspector(ffmpeg),
		Transcoder: transcoder.NewTranscoder(ffmpeg, log),
		Thumbnails: transcoder.NewThumbnailExtractor(ffmpeg),
		Uploader: storage.NewUploader(s3Client, storage.UploaderConfig{
			Bucket:        cfg.AWS.OutputBucket,
			PublicBaseURL: cfg.AWS.PublicBaseURL,
			Concurrency:   cfg.Worker.UploadConcurrency,
		}, log),
		Workspaces: workspaces,
		Logger:     log,
	}

	// Live progress is optional
	if cfg.Redis.URL != "" {
		rdb, err := storage.OpenRedis(startupCtx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		progress := storage.NewRedisProgress(rdb, cfg.Redis.StatusTTL, log)
		pipelineDeps.Progress = progress
		deps = append(deps, health.Ping("redis", progress))
	}

	orchestrator, err := pipeline.NewOrchestrator(pipelineDeps, pipeline.Config{
		Ladder:       ladder,
		OutputPrefix: cfg.AWS.OutputPrefix,
	})
	if err != nil {
		return err
	}

	checker := health.NewChecker(health.DefaultConfig("vod-worker", log, deps...))
	metricsServer := startMetricsServer(cfg.Worker.MetricsPort, checker, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Failed to shutdown metrics server", "error", err)
		}
	}()

	if cfg.Worker.WorkspaceMaxAge > 0 {
		go sweepLoop(ctx, workspaces, sweepAge, log)
	}

	w := worker.New(broker, orchestrator, worker.Config{
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		JobTimeout:        cfg.Worker.JobTimeout,
		VisibilityTimeout: cfg.Worker.VisibilityTimeout,
		Retry: worker.RetryPolicy{
			MaxAttempts: cfg.Worker.MaxAttempts,
			BaseDelay:   cfg.Worker.BaseRetryDelay,
			MaxDelay:    cfg.Worker.MaxRetryDelay,
			Jitter:      worker.DefaultRetryPolicy().Jitter,
		},
	}, log)

	log.Info("Worker started",
		"queue", cfg.Queue.Driver,
		"store", cfg.Store.Driver,
		"maxConcurrent", cfg.Worker.MaxConcurrentJobs,
		"renditions", len(ladder),
	)

	// Run returns once the signal context is done and in-flight jobs finish.
	w.Run(ctx)

	log.Info("Worker shutdown complete")
	return nil
}

func startMetricsServer(port int, checker *health.Checker, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", checker.Handler())
	mux.HandleFunc("GET /health/deep", checker.DeepHandler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Starting metrics server", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error", "error", err)
		}
	}()
	return server
}

// sweepLoop periodically removes workspaces abandoned by crashed attempts.
func sweepLoop(ctx context.Context, workspaces *pipeline.WorkspaceManager, maxAge time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepWorkspaces(workspaces, maxAge, log)
		}
	}
}

func sweepWorkspaces(workspaces *pipeline.WorkspaceManager, maxAge time.Duration, log *slog.Logger) {
	n, err := workspaces.SweepStale(maxAge)
	if err != nil {
		log.Warn("Failed to sweep stale workspaces", "error", err)
		return
	}
	if n > 0 {
		log.Info("Removed stale workspaces", "count", n, "root", workspaces.Root())
	}
}
