package worker

import (
	"context"
	"time"

	"github.com/amillerrr/vod-transcoder/pkg/models"
)

// Delivery is one received job message.
type Delivery struct {
	ID      string
	Body    []byte
	Attempt int

	// handle is the broker's own reference, such as an SQS receipt handle.
	handle any
}

// Broker is a durable job queue with at-least-once delivery.
type Broker interface {
	// Receive blocks until up to max messages are available or the broker's
	// wait time elapses. It may return no messages.
	Receive(ctx context.Context, max int) ([]*Delivery, error)
	// Ack removes a delivery from the queue.
	Ack(ctx context.Context, d *Delivery) error
	// Retry redelivers the message after delay with its attempt advanced.
	Retry(ctx context.Context, d *Delivery, delay time.Duration) error
	// DeadLetter gives up on the message.
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	// Extend keeps an in-flight delivery hidden from other consumers.
	Extend(ctx context.Context, d *Delivery, timeout time.Duration) error
}

// Publisher enqueues new jobs.
type Publisher interface {
	Publish(ctx context.Context, msg models.JobMessage) error
}
