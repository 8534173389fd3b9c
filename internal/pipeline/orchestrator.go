// Package pipeline runs one transcode job attempt from source download to
// published HLS asset.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/vod-transcoder/internal/media"
	"github.com/amillerrr/vod-transcoder/internal/metrics"
	"github.com/amillerrr/vod-transcoder/internal/storage"
	"github.com/amillerrr/vod-transcoder/internal/transcoder"
	"github.com/amillerrr/vod-transcoder/pkg/models"
)

var tracer = otel.Tracer("vod-pipeline")

// Stage names, also used as metric and progress event labels.
const (
	StageDownloading  = "downloading"
	StageProbing      = "probing"
	StageTranscoding  = "transcoding"
	StageThumbnailing = "thumbnailing"
	StageUploading    = "uploading"
	StageFinalizing   = "finalizing"
)

// Progress allocation across stages.
const (
	progressDownloading    = 10
	progressProbing        = 20
	progressTranscodeStart = 30
	progressTranscodeEnd   = 80
	progressThumbnailing   = 80
	progressUploading      = 85
	progressFinalizing     = 95
)

// finalWriteTimeout bounds status writes made after the job context ended.
const finalWriteTimeout = 10 * time.Second

// JobStore persists job and owner status. Every write after AcquireJob
// names the attempt and returns models.ErrStaleAttempt once a newer attempt
// holds the job.
type JobStore interface {
	AcquireJob(ctx context.Context, jobID string, attempt int) (*models.TranscodeJob, error)
	UpdateProgress(ctx context.Context, jobID string, attempt, percent int) error
	CompleteJob(ctx context.Context, jobID string, attempt int) error
	FailJob(ctx context.Context, jobID string, attempt int, message string) error
	SetOwnerStatusForAttempt(ctx context.Context, jobID string, attempt int, ownerID string, status models.JobStatus) error
	CompleteOwner(ctx context.Context, jobID string, attempt int, ownerID string, result models.TranscodeResult) error
}

// SourceFetcher copies a source asset into a workspace.
type SourceFetcher interface {
	Download(ctx context.Context, sourceURL string, ws *Workspace) (string, error)
}

// MediaInspector reads source metadata.
type MediaInspector interface {
	Inspect(ctx context.Context, path string) (*media.Metadata, error)
}

// RenditionTranscoder encodes the rendition ladder.
type RenditionTranscoder interface {
	TranscodeToRenditions(ctx context.Context, inputPath, outputDir string, ladder []transcoder.Rendition, durationSeconds float64, onProgress transcoder.ProgressFunc) error
}

// ThumbnailExtractor writes a poster frame.
type ThumbnailExtractor interface {
	ExtractThumbnail(ctx context.Context, inputPath, outputPath string, durationSeconds float64) error
}

// TreeUploader publishes the output tree.
type TreeUploader interface {
	UploadTree(ctx context.Context, localDir, baseKey string) (*storage.UploadResult, error)
	ManifestURL(baseKey string) string
	ThumbnailURL(baseKey string) string
}

// ProgressPublisher fans progress out to live listeners.
type ProgressPublisher interface {
	Publish(ctx context.Context, ev models.ProgressEvent) error
}

// Dependencies are the collaborators of an Orchestrator. Progress is optional.
type Dependencies struct {
	Store      JobStore
	Fetcher    SourceFetcher
	Inspector  MediaInspector
	Transcoder RenditionTranscoder
	Thumbnails ThumbnailExtractor
	Uploader   TreeUploader
	Progress   ProgressPublisher
	Workspaces *WorkspaceManager
	Logger     *slog.Logger
}

// Config holds orchestrator settings.
type Config struct {
	Ladder       []transcoder.Rendition
	OutputPrefix string
}

// Orchestrator drives a job attempt through every stage.
type Orchestrator struct {
	deps Dependencies
	cfg  Config
	log  *slog.Logger
	now  func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Dependencies, cfg Config) (*Orchestrator, error) {
	if err := transcoder.ValidateLadder(cfg.Ladder); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Fetcher == nil || deps.Inspector == nil || deps.Transcoder == nil ||
		deps.Thumbnails == nil || deps.Uploader == nil || deps.Workspaces == nil {
		return nil, errors.New("orchestrator: missing dependency")
	}
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{deps: deps, cfg: cfg, log: log, now: time.Now}, nil
}

// Process runs one attempt of the job described by msg. On success the owner
// record carries the new asset and the job is completed; on failure the job
// and owner are marked failed and the error is returned for the caller to
// decide on redelivery. The workspace is removed on every path.
func (o *Orchestrator) Process(ctx context.Context, msg models.JobMessage, attempt int) (*models.TranscodeResult, error) {
	ctx, span := tracer.Start(ctx, "process-job", trace.WithAttributes(
		attribute.String("job.id", msg.JobID),
		attribute.String("owner.id", msg.OwnerID),
		attribute.Int("job.attempt", attempt),
	))
	defer span.End()

	if err := msg.Validate(); err != nil {
		return nil, models.Permanent(fmt.Errorf("%w: %v", models.ErrInvalidMessage, err))
	}

	job, err := o.deps.Store.AcquireJob(ctx, msg.JobID, attempt)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			return nil, models.Permanent(err)
		}
		return nil, err
	}
	if job.OwnerID == "" {
		job.OwnerID = msg.OwnerID
	}
	if job.SourceURL == "" {
		job.SourceURL = msg.SourceURL
	}
	job.Attempt = attempt

	start := time.Now()
	log := o.log.With("jobId", job.ID, "ownerId", job.OwnerID, "attempt", attempt)
	log.InfoContext(ctx, "Job acquired", "sourceUrl", job.SourceURL)

	if err := o.deps.Store.SetOwnerStatusForAttempt(ctx, job.ID, attempt, job.OwnerID, models.StatusProcessing); err != nil {
		if errors.Is(err, models.ErrStaleAttempt) {
			log.WarnContext(ctx, "Attempt superseded before it started")
			return nil, err
		}
		o.persistenceFailed(ctx, log, "owner_processing", err)
	}

	reporter := newProgressReporter(ctx, o.deps.Store, o.deps.Progress, log, *job)
	result, err := o.run(ctx, log, job, reporter)
	reporter.close()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		err = o.markFailed(ctx, log, job, err)
		metrics.ProcessingDuration.WithLabelValues(string(models.StatusFailed)).Observe(time.Since(start).Seconds())
		return nil, err
	}

	if err := o.markCompleted(ctx, log, job, *result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, models.ErrStaleAttempt) {
			log.WarnContext(ctx, "Attempt superseded, discarding its result", "manifestUrl", result.ManifestURL)
			return nil, err
		}
		err = o.markFailed(ctx, log, job, err)
		metrics.ProcessingDuration.WithLabelValues(string(models.StatusFailed)).Observe(time.Since(start).Seconds())
		return nil, err
	}

	metrics.ProcessingDuration.WithLabelValues(string(models.StatusCompleted)).Observe(time.Since(start).Seconds())
	log.InfoContext(ctx, "Job completed",
		"manifestUrl", result.ManifestURL,
		"durationSeconds", result.DurationSeconds,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// run executes the stages inside a fresh workspace.
func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, job *models.TranscodeJob, reporter *progressReporter) (*models.TranscodeResult, error) {
	ws, err := o.deps.Workspaces.Create(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			log.WarnContext(ctx, "Failed to remove workspace", "dir", ws.Dir, "error", err)
		}
	}()
	log.DebugContext(ctx, "Workspace created", "dir", ws.Dir)

	var sourcePath string
	err = o.stage(ctx, reporter, StageDownloading, progressDownloading, func(ctx context.Context) error {
		var err error
		sourcePath, err = o.deps.Fetcher.Download(ctx, job.SourceURL, ws)
		return err
	})
	if err != nil {
		return nil, err
	}

	var md *media.Metadata
	err = o.stage(ctx, reporter, StageProbing, progressProbing, func(ctx context.Context) error {
		var err error
		md, err = o.deps.Inspector.Inspect(ctx, sourcePath)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.SourceDuration.Observe(md.DurationSeconds)
	log.InfoContext(ctx, "Source probed",
		"durationSeconds", md.DurationSeconds,
		"width", md.Width,
		"height", md.Height,
		"codec", md.VideoCodec,
		"hasAudio", md.HasAudio,
	)

	err = o.stage(ctx, reporter, StageTranscoding, progressTranscodeStart, func(ctx context.Context) error {
		return o.deps.Transcoder.TranscodeToRenditions(ctx, sourcePath, ws.OutputDir(), o.cfg.Ladder, md.DurationSeconds,
			func(fraction float64) {
				width := progressTranscodeEnd - progressTranscodeStart
				reporter.set(StageTranscoding, progressTranscodeStart+int(fraction*float64(width)))
			})
	})
	if err != nil {
		return nil, err
	}

	hasThumbnail := true
	err = o.stage(ctx, reporter, StageThumbnailing, progressThumbnailing, func(ctx context.Context) error {
		return o.deps.Thumbnails.ExtractThumbnail(ctx, sourcePath, ws.ThumbnailPath(), md.DurationSeconds)
	})
	if err != nil {
		// A missing poster frame does not block publishing the video.
		hasThumbnail = false
		metrics.ThumbnailFailures.Inc()
		log.WarnContext(ctx, "Thumbnail extraction failed, continuing without one", "error", err)
		if rmErr := os.Remove(ws.ThumbnailPath()); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WarnContext(ctx, "Failed to remove partial thumbnail", "error", rmErr)
		}
	}

	baseKey := storage.VersionedBaseKey(o.cfg.OutputPrefix, job.OwnerID, o.now())
	err = o.stage(ctx, reporter, StageUploading, progressUploading, func(ctx context.Context) error {
		_, err := o.deps.Uploader.UploadTree(ctx, ws.OutputDir(), baseKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	reporter.set(StageFinalizing, progressFinalizing)

	result := &models.TranscodeResult{
		ManifestURL:     o.deps.Uploader.ManifestURL(baseKey),
		DurationSeconds: int(math.Round(md.DurationSeconds)),
	}
	if hasThumbnail {
		result.ThumbnailURL = o.deps.Uploader.ThumbnailURL(baseKey)
	}
	return result, nil
}

// stage reports the stage's starting progress, then runs fn in its own span.
func (o *Orchestrator) stage(ctx context.Context, reporter *progressReporter, name string, percent int, fn func(ctx context.Context) error) error {
	reporter.set(name, percent)

	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// markCompleted publishes the result on the owner, then completes the job.
// The owner write is retried since losing it would hide a finished asset.
// It returns models.ErrStaleAttempt untouched when a newer attempt holds the
// job.
func (o *Orchestrator) markCompleted(ctx context.Context, log *slog.Logger, job *models.TranscodeJob, result models.TranscodeResult) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := o.deps.Store.CompleteOwner(ctx, job.ID, job.Attempt, job.OwnerID, result)
		if errors.Is(err, models.ErrOwnerNotFound) || errors.Is(err, models.ErrStaleAttempt) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(finalWriteBackoff()), backoff.WithMaxTries(3))
	if errors.Is(err, models.ErrStaleAttempt) {
		return err
	}
	if err != nil {
		o.persistenceFailed(ctx, log, "owner_completed", err)
		return fmt.Errorf("%w: owner result: %v", models.ErrPersistenceFailed, err)
	}

	if err := o.deps.Store.CompleteJob(ctx, job.ID, job.Attempt); err != nil {
		// The asset is already live on the owner, so only the job row lags.
		o.persistenceFailed(ctx, log, "job_completed", err)
	}

	publish(ctx, o.deps.Progress, log, models.ProgressEvent{
		JobID:           job.ID,
		OwnerID:         job.OwnerID,
		Status:          models.StatusCompleted,
		ProgressPercent: 100,
		Timestamp:       time.Now().UTC(),
	})
	return nil
}

// markFailed records the failure on the owner, then the job, and returns the
// error the attempt ends with. It uses a context detached from the attempt so
// a timed out attempt can still be recorded. A superseded attempt records
// nothing and ends with models.ErrStaleAttempt.
func (o *Orchestrator) markFailed(ctx context.Context, log *slog.Logger, job *models.TranscodeJob, cause error) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()

	message := cause.Error()
	log.ErrorContext(ctx, "Job failed", "error", message)

	if err := o.deps.Store.SetOwnerStatusForAttempt(writeCtx, job.ID, job.Attempt, job.OwnerID, models.StatusFailed); err != nil {
		if errors.Is(err, models.ErrStaleAttempt) {
			log.WarnContext(ctx, "Attempt superseded, leaving job and owner to the newer attempt")
			return fmt.Errorf("%w: %w", models.ErrStaleAttempt, cause)
		}
		o.persistenceFailed(writeCtx, log, "owner_failed", err)
	}
	if err := o.deps.Store.FailJob(writeCtx, job.ID, job.Attempt, message); err != nil {
		if errors.Is(err, models.ErrStaleAttempt) {
			log.WarnContext(ctx, "Attempt superseded while recording its failure")
			return fmt.Errorf("%w: %w", models.ErrStaleAttempt, cause)
		}
		o.persistenceFailed(writeCtx, log, "job_failed", err)
	}

	publish(writeCtx, o.deps.Progress, log, models.ProgressEvent{
		JobID:        job.ID,
		OwnerID:      job.OwnerID,
		Status:       models.StatusFailed,
		ErrorMessage: message,
		Timestamp:    time.Now().UTC(),
	})
	return cause
}

func (o *Orchestrator) persistenceFailed(ctx context.Context, log *slog.Logger, operation string, err error) {
	metrics.RecordPersistenceFailure(operation)
	log.WarnContext(ctx, "Failed to persist job state", "operation", operation, "error", err)
}

func finalWriteBackoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     200 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         2 * time.Second,
	}
	b.Reset()
	return b
}
