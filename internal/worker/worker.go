// Package worker runs transcode jobs from a durable queue with bounded
// concurrency, a per-attempt timeout and exponential-backoff redelivery.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-transcoder/internal/metrics"
	"github.com/amillerrr/vod-transcoder/pkg/models"
)

// Runtime defaults
const (
	DefaultMaxConcurrentJobs = 2
	DefaultJobTimeout        = 2 * time.Hour
	RetryBackoffPeriod       = 5 * time.Second
	// settleTimeout bounds the ack, retry or dead-letter call after a job.
	settleTimeout = 30 * time.Second
)

var tracer = otel.Tracer("vod-worker")

// Processor runs one attempt of a job.
type Processor interface {
	Process(ctx context.Context, msg models.JobMessage, attempt int) (*models.TranscodeResult, error)
}

// Config holds runtime settings.
type Config struct {
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	// VisibilityTimeout is how long a delivery stays hidden between
	// heartbeats. Zero disables heartbeats.
	VisibilityTimeout time.Duration
	Retry             RetryPolicy
}

// Worker pulls deliveries from a Broker and hands them to a Processor.
type Worker struct {
	broker    Broker
	processor Processor
	cfg       Config
	log       *slog.Logger
	wg        sync.WaitGroup
}

// New creates a new Worker.
func New(broker Broker, processor Processor, cfg Config, log *slog.Logger) *Worker {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Worker{broker: broker, processor: processor, cfg: cfg, log: log}
}

// Run polls the broker until ctx is cancelled, then waits for in-flight
// jobs. Jobs already running are not cancelled by ctx; each is bounded by
// the job timeout instead.
func (w *Worker) Run(ctx context.Context) {
	w.log.InfoContext(ctx, "Starting queue polling",
		"maxConcurrent", w.cfg.MaxConcurrentJobs,
		"jobTimeout", w.cfg.JobTimeout,
		"maxAttempts", w.cfg.Retry.maxAttempts(),
	)

	sem := make(chan struct{}, w.cfg.MaxConcurrentJobs)
	defer func() {
		w.log.InfoContext(ctx, "Waiting for in-progress jobs to complete...")
		w.wg.Wait()
		w.log.InfoContext(ctx, "All jobs completed, shutting down")
	}()

	for {
		// Wait for a free slot before taking a message off the queue.
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		free := 1 + w.cfg.MaxConcurrentJobs - len(sem)

		deliveries, err := w.broker.Receive(ctx, free)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return
			}
			w.log.ErrorContext(ctx, "Failed to receive messages", "error", err)
			select {
			case <-time.After(RetryBackoffPeriod):
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(deliveries) == 0 {
			<-sem
			continue
		}

		for i, d := range deliveries {
			if i > 0 {
				// Receive never returns more than the free slots.
				sem <- struct{}{}
			}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer func() { <-sem }()
				w.handle(ctx, d)
			}()
		}
	}
}

// handle processes one delivery and settles it with the broker.
func (w *Worker) handle(ctx context.Context, d *Delivery) {
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
	defer cancel()

	jobCtx, span := tracer.Start(jobCtx, "handle-delivery")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", d.ID),
		attribute.Int("job.attempt", d.Attempt),
	)

	log := w.log.With("messageId", d.ID, "attempt", d.Attempt)

	var msg models.JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		w.settle(jobCtx, log, d, models.Permanent(fmt.Errorf("%w: %v", models.ErrInvalidMessage, err)))
		return
	}
	log = log.With("jobId", msg.JobID, "ownerId", msg.OwnerID)
	span.SetAttributes(attribute.String("job.id", msg.JobID))

	stop := w.heartbeat(jobCtx, log, d)
	_, err := w.processor.Process(jobCtx, msg, d.Attempt)
	stop()

	w.settle(jobCtx, log, d, err)
}

// settle acks, retries or dead-letters d based on the attempt's outcome.
func (w *Worker) settle(ctx context.Context, log *slog.Logger, d *Delivery, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	outcome, delay := w.decide(err, d.Attempt)

	var settleErr error
	switch outcome {
	case metrics.OutcomeCompleted:
		log.InfoContext(ctx, "Job attempt succeeded")
		settleErr = w.broker.Ack(ctx, d)
	case metrics.OutcomeSkipped:
		log.InfoContext(ctx, "Skipping delivery", "reason", err)
		settleErr = w.broker.Ack(ctx, d)
	case metrics.OutcomeRetried:
		log.WarnContext(ctx, "Job attempt failed, scheduling retry", "error", err, "retryIn", delay)
		settleErr = w.broker.Retry(ctx, d, delay)
	default:
		log.ErrorContext(ctx, "Job failed permanently",
			"error", err,
			"permanent", models.IsPermanent(err),
		)
		settleErr = w.broker.DeadLetter(ctx, d, err.Error())
	}
	metrics.RecordOutcome(outcome)

	if settleErr != nil {
		// The broker redelivers the message once its lease runs out.
		log.ErrorContext(ctx, "Failed to settle message", "outcome", outcome, "error", settleErr)
	}
}

// decide maps an attempt's error to an outcome and, for retries, a delay.
func (w *Worker) decide(err error, attempt int) (string, time.Duration) {
	switch {
	case err == nil:
		return metrics.OutcomeCompleted, 0
	case errors.Is(err, models.ErrJobAlreadyCompleted),
		errors.Is(err, models.ErrJobAlreadyClaimed),
		errors.Is(err, models.ErrStaleAttempt):
		return metrics.OutcomeSkipped, 0
	case models.IsPermanent(err):
		return metrics.OutcomeDeadLettered, 0
	case w.cfg.Retry.ShouldRetry(attempt):
		return metrics.OutcomeRetried, w.cfg.Retry.Delay(attempt)
	default:
		return metrics.OutcomeDeadLettered, 0
	}
}

// heartbeat keeps d hidden from other consumers while the job runs. The
// returned func stops it.
func (w *Worker) heartbeat(ctx context.Context, log *slog.Logger, d *Delivery) func() {
	if w.cfg.VisibilityTimeout <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(w.cfg.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.broker.Extend(ctx, d, w.cfg.VisibilityTimeout); err != nil {
					log.WarnContext(ctx, "Failed to extend message visibility", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
