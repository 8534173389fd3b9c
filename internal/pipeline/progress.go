package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/amillerrr/vod-transcoder/internal/metrics"
	"github.com/amillerrr/vod-transcoder/pkg/models"
)

type progressUpdate struct {
	stage   string
	percent int
}

// progressReporter persists progress off the caller's goroutine. Only the
// newest pending update is kept, so a slow store never stalls the encoder's
// output reader.
type progressReporter struct {
	store     JobStore
	publisher ProgressPublisher
	log       *slog.Logger
	job       models.TranscodeJob

	mu      sync.Mutex
	closed  bool
	last    int
	stage   string
	updates chan progressUpdate
	done    chan struct{}

	persisted int
}

func newProgressReporter(ctx context.Context, store JobStore, publisher ProgressPublisher, log *slog.Logger, job models.TranscodeJob) *progressReporter {
	r := &progressReporter{
		store:     store,
		publisher: publisher,
		log:       log,
		job:       job,
		updates:   make(chan progressUpdate, 1),
		done:      make(chan struct{}),
	}
	go r.run(ctx)
	return r
}

// set records that the job reached percent in stage. Lower values are ignored.
func (r *progressReporter) set(stage string, percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || percent < r.last || (percent == r.last && stage == r.stage) {
		return
	}
	r.last, r.stage = percent, stage

	u := progressUpdate{stage: stage, percent: percent}
	for {
		select {
		case r.updates <- u:
			return
		default:
			select {
			case <-r.updates:
			default:
			}
		}
	}
}

// close flushes the pending update and stops the writer.
func (r *progressReporter) close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.updates)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *progressReporter) run(ctx context.Context) {
	defer close(r.done)
	for u := range r.updates {
		r.write(ctx, u)
	}
}

func (r *progressReporter) write(ctx context.Context, u progressUpdate) {
	if u.percent > r.persisted {
		if err := r.store.UpdateProgress(ctx, r.job.ID, r.job.Attempt, u.percent); err != nil {
			metrics.RecordPersistenceFailure("progress")
			if r.log != nil {
				r.log.WarnContext(ctx, "Failed to persist progress",
					"jobId", r.job.ID,
					"percent", u.percent,
					"error", err,
				)
			}
		} else {
			r.persisted = u.percent
		}
	}

	publish(ctx, r.publisher, r.log, models.ProgressEvent{
		JobID:           r.job.ID,
		OwnerID:         r.job.OwnerID,
		Status:          models.StatusProcessing,
		Stage:           u.stage,
		ProgressPercent: u.percent,
		Timestamp:       time.Now().UTC(),
	})
}

func publish(ctx context.Context, publisher ProgressPublisher, log *slog.Logger, ev models.ProgressEvent) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, ev); err != nil && log != nil {
		log.WarnContext(ctx, "Failed to publish progress event", "jobId", ev.JobID, "error", err)
	}
}
