package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amillerrr/vod-transcoder/internal/metrics"
	"github.com/amillerrr/vod-transcoder/pkg/models"
)

type settled struct {
	id     string
	kind   string
	delay  time.Duration
	reason string
}

// fakeBroker hands out queued deliveries and records how each was settled.
type fakeBroker struct {
	mu       sync.Mutex
	queue    []*Delivery
	settled  []settled
	extended atomic.Int32
	done     chan struct{}
	expect   int
}

func newFakeBroker(expect int, ds ...*Delivery) *fakeBroker {
	return &fakeBroker{queue: ds, expect: expect, done: make(chan struct{})}
}

func (b *fakeBroker) Receive(ctx context.Context, max int) ([]*Delivery, error) {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return nil, nil
		}
	}
	defer b.mu.Unlock()
	n := min(max, len(b.queue))
	out := b.queue[:n]
	b.queue = b.queue[n:]
	return out, nil
}

func (b *fakeBroker) record(s settled) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settled = append(b.settled, s)
	if len(b.settled) == b.expect {
		close(b.done)
	}
	return nil
}

func (b *fakeBroker) Ack(ctx context.Context, d *Delivery) error {
	return b.record(settled{id: d.ID, kind: "ack"})
}

func (b *fakeBroker) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	return b.record(settled{id: d.ID, kind: "retry", delay: delay})
}

func (b *fakeBroker) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	return b.record(settled{id: d.ID, kind: "dead", reason: reason})
}

func (b *fakeBroker) Extend(ctx context.Context, d *Delivery, timeout time.Duration) error {
	b.extended.Add(1)
	return nil
}

func (b *fakeBroker) byID() map[string]settled {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]settled, len(b.settled))
	for _, s := range b.settled {
		out[s.id] = s
	}
	return out
}

type processFunc func(ctx context.Context, msg models.JobMessage, attempt int) (*models.TranscodeResult, error)

func (f processFunc) Process(ctx context.Context, msg models.JobMessage, attempt int) (*models.TranscodeResult, error) {
	return f(ctx, msg, attempt)
}

func delivery(t *testing.T, id string, attempt int) *Delivery {
	t.Helper()
	body, err := json.Marshal(models.JobMessage{JobID: id, OwnerID: "owner-" + id, SourceURL: "https://example.com/" + id + ".mp4"})
	require.NoError(t, err)
	return &Delivery{ID: id, Body: body, Attempt: attempt}
}

func runUntilSettled(t *testing.T, w *Worker, b *fakeBroker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	select {
	case <-b.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries to settle")
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
}

func TestWorker_SettlesByOutcome(t *testing.T) {
	b := newFakeBroker(6,
		delivery(t, "ok", 1),
		delivery(t, "flaky", 1),
		delivery(t, "exhausted", 3),
		delivery(t, "broken", 1),
		delivery(t, "done", 2),
		&Delivery{ID: "garbage", Body: []byte("{not json"), Attempt: 1},
	)

	p := processFunc(func(ctx context.Context, msg models.JobMessage, attempt int) (*models.TranscodeResult, error) {
		switch msg.JobID {
		case "ok":
			return &models.TranscodeResult{ManifestURL: "m", DurationSeconds: 1}, nil
		case "flaky", "exhausted":
			return nil, models.ErrUploadFailed
		case "broken":
			return nil, models.Permanent(models.ErrJobNotFound)
		case "done":
			return nil, models.ErrJobAlreadyCompleted
		}
		return nil, errors.New("unexpected job")
	})

	w := New(b, p, Config{MaxConcurrentJobs: 2, JobTimeout: time.Second, Retry: testPolicy()}, nil)
	runUntilSettled(t, w, b)

	got := b.byID()
	assert.Equal(t, "ack", got["ok"].kind)
	assert.Equal(t, "retry", got["flaky"].kind)
	assert.Equal(t, time.Second, got["flaky"].delay)
	assert.Equal(t, "dead", got["exhausted"].kind)
	assert.Equal(t, "dead", got["broken"].kind)
	assert.Equal(t, "ack", got["done"].kind)
	assert.Equal(t, "dead", got["garbage"].kind)
	assert.Contains(t, got["garbage"].reason, models.ErrInvalidMessage.Error())
}

func TestWorker_BoundsConcurrency(t *testing.T) {
	const jobs = 6
	var ds []*Delivery
	for i := 0; i < jobs; i++ {
		ds = append(ds, delivery(t, string(rune('a'+i)), 1))
	}
	b := newFakeBroker(jobs, ds...)

	var running, peak atomic.Int32
	p := processFunc(func(ctx context.Context, msg models.JobMessage, attempt int) (*models.TranscodeResult, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return &models.TranscodeResult{}, nil
	})

	w := New(b, p, Config{MaxConcurrentJobs: 2, JobTimeout: time.Second, Retry: testPolicy()}, nil)
	runUntilSettled(t, w, b)

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, b.byID(), jobs)
}

func TestWorker_AttemptTimeoutIsRetried(t *testing.T) {
	b := newFakeBroker(1, delivery(t, "slow", 1))
	p := processFunc(func(ctx context.Context, msg models.JobMessage, attempt int) (*models.TranscodeResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	w := New(b, p, Config{MaxConcurrentJobs: 1, JobTimeout: 20 * time.Millisecond, Retry: testPolicy()}, nil)
	runUntilSettled(t, w, b)

	assert.Equal(t, "retry", b.byID()["slow"].kind)
}

func TestWorker_HeartbeatExtendsVisibility(t *testing.T) {
	b := newFakeBroker(1, delivery(t, "long", 1))
	p := processFunc(func(ctx context.Context, msg models.JobMessage, attempt int) (*models.TranscodeResult, error) {
		time.Sleep(60 * time.Millisecond)
		return &models.TranscodeResult{}, nil
	})

	w := New(b, p, Config{MaxConcurrentJobs: 1, JobTimeout: time.Second, VisibilityTimeout: 20 * time.Millisecond, Retry: testPolicy()}, nil)
	runUntilSettled(t, w, b)

	assert.Positive(t, b.extended.Load())
}

func TestWorker_ShutdownWaitsForInFlightJobs(t *testing.T) {
	b := newFakeBroker(1, delivery(t, "inflight", 1))
	started := make(chan struct{})
	p := processFunc(func(ctx context.Context, msg models.JobMessage, attempt int) (*models.TranscodeResult, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return &models.TranscodeResult{}, ctx.Err()
	})

	w := New(b, p, Config{MaxConcurrentJobs: 1, JobTimeout: time.Second, Retry: testPolicy()}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	<-started
	cancel()
	<-finished

	assert.Equal(t, "ack", b.byID()["inflight"].kind, "shutdown must not cancel a running job")
}

func TestWorker_Decide(t *testing.T) {
	w := New(nil, nil, Config{Retry: testPolicy()}, nil)

	tests := []struct {
		name    string
		err     error
		attempt int
		want    string
	}{
		{"success", nil, 1, metrics.OutcomeCompleted},
		{"already completed", models.ErrJobAlreadyCompleted, 2, metrics.OutcomeSkipped},
		{"claimed elsewhere", models.ErrJobAlreadyClaimed, 1, metrics.OutcomeSkipped},
		{"permanent", models.Permanent(models.ErrInvalidMessage), 1, metrics.OutcomeDeadLettered},
		{"retryable", models.ErrDownloadFailed, 2, metrics.OutcomeRetried},
		{"exhausted", models.ErrDownloadFailed, 3, metrics.OutcomeDeadLettered},
		{"transcode error", &models.TranscodeError{Rendition: "480p", Err: errors.New("exit 1")}, 1, metrics.OutcomeRetried},
		{"superseded failure", fmt.Errorf("%w: %w", models.ErrStaleAttempt, models.ErrUploadFailed), 1, metrics.OutcomeSkipped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := w.decide(tt.err, tt.attempt)
			assert.Equal(t, tt.want, got)
		})
	}
}
