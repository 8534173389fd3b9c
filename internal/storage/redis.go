package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amillerrr/vod-transcoder/pkg/models"
)

// DefaultProgressTTL bounds how long a finished job's live status is kept.
const DefaultProgressTTL = 24 * time.Hour

// RedisProgress mirrors job progress into a Redis hash and fans every change
// out on a pub/sub channel for live listeners.
type RedisProgress struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// OpenRedis connects to the Redis server at url, e.g. redis://localhost:6379/0.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// NewRedisProgress creates a RedisProgress.
func NewRedisProgress(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisProgress {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &RedisProgress{client: client, ttl: ttl, logger: logger}
}

func progressStatusKey(jobID string) string {
	return "transcode:status:" + jobID
}

func progressChannel(jobID string) string {
	return "transcode:progress:" + jobID
}

// Publish stores the event as the job's latest status and broadcasts it.
func (p *RedisProgress) Publish(ctx context.Context, ev models.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}

	key := progressStatusKey(ev.JobID)
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, eventFields(ev))
		pipe.Expire(ctx, key, p.ttl)
		pipe.Publish(ctx, progressChannel(ev.JobID), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	return nil
}

// Latest returns the most recent event stored for a job.
func (p *RedisProgress) Latest(ctx context.Context, jobID string) (*models.ProgressEvent, error) {
	fields, err := p.client.HGetAll(ctx, progressStatusKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	if len(fields) == 0 {
		return nil, models.ErrJobNotFound
	}
	return eventFromFields(jobID, fields)
}

// Subscribe streams a job's progress events until ctx is done. The returned
// channel is closed when the subscription ends.
func (p *RedisProgress) Subscribe(ctx context.Context, jobID string) (<-chan models.ProgressEvent, error) {
	sub := p.client.Subscribe(ctx, progressChannel(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan models.ProgressEvent)
	go func() {
		defer close(out)
		defer sub.Close()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var ev models.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					if p.logger != nil {
						p.logger.WarnContext(ctx, "Dropping malformed progress event", "error", err)
					}
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping checks the Redis connection.
func (p *RedisProgress) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func eventFields(ev models.ProgressEvent) map[string]any {
	return map[string]any{
		"owner_id":         ev.OwnerID,
		"status":           string(ev.Status),
		"stage":            ev.Stage,
		"progress_percent": ev.ProgressPercent,
		"error":            ev.ErrorMessage,
		"updated_at":       ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func eventFromFields(jobID string, fields map[string]string) (*models.ProgressEvent, error) {
	percent, err := strconv.Atoi(fields["progress_percent"])
	if err != nil {
		return nil, fmt.Errorf("invalid progress_percent %q", fields["progress_percent"])
	}
	ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at %q", fields["updated_at"])
	}
	return &models.ProgressEvent{
		JobID:           jobID,
		OwnerID:         fields["owner_id"],
		Status:          models.JobStatus(fields["status"]),
		Stage:           fields["stage"],
		ProgressPercent: percent,
		ErrorMessage:    fields["error"],
		Timestamp:       ts,
	}, nil
}
