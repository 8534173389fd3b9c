package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/amillerrr/vod-transcoder/pkg/models"
)

// RabbitMQ queue layout
const (
	attemptHeader = "x-attempt"

	retrySuffix = ".retry"
	deadSuffix  = ".dead"

	// rabbitReceiveWait mirrors the SQS long-poll wait.
	rabbitReceiveWait = SQSWaitTimeSeconds * time.Second
	// rabbitReconnectMaxElapsed bounds one reconnect round. Receive starts a
	// new round on its next call.
	rabbitReconnectMaxElapsed = time.Minute
)

var (
	errDeliveriesClosed = errors.New("rabbitmq delivery channel closed")
	errBrokerClosed     = errors.New("rabbitmq broker closed")
)

// RabbitConfig configures a RabbitBroker.
//
// The server's consumer_timeout must be longer than the worker's job
// timeout, otherwise RabbitMQ closes the channel under a running job and the
// message is redelivered as a new attempt.
type RabbitConfig struct {
	URL      string
	Queue    string
	Prefetch int
	// PublishOnly skips consumer setup, for processes that only enqueue.
	PublishOnly bool
}

// rabbitChannel is the subset of *amqp.Channel used after setup.
type rabbitChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// rabbitSession is one connection with its channel and consumer.
type rabbitSession struct {
	conn       *amqp.Connection
	channel    rabbitChannel
	deliveries <-chan amqp.Delivery
}

func (s *rabbitSession) close(log *slog.Logger) error {
	if s == nil {
		return nil
	}
	if s.channel != nil {
		if err := s.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			log.Error("Failed to close RabbitMQ channel", "error", err)
		}
	}
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn.Close()
	}
	return nil
}

// RabbitBroker consumes jobs from a RabbitMQ queue. Retries are parked in
// "<queue>.retry" with a per-message TTL and dead-lettered back into the
// main queue when it expires; given-up messages are rejected into
// "<queue>.dead". A closed connection is redialed on the next Receive.
type RabbitBroker struct {
	cfg  RabbitConfig
	dial func(cfg RabbitConfig) (*rabbitSession, error)
	log  *slog.Logger

	mu     sync.RWMutex
	sess   *rabbitSession
	closed bool
}

// DialRabbit connects, declares the queue topology and, unless PublishOnly
// is set, starts consuming.
func DialRabbit(cfg RabbitConfig, log *slog.Logger) (*RabbitBroker, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}

	sess, err := dialRabbit(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.PublishOnly {
		log.Info("RabbitMQ publisher ready", "queue", cfg.Queue)
	} else {
		log.Info("RabbitMQ consumer started", "queue", cfg.Queue, "prefetch", cfg.Prefetch)
	}
	return &RabbitBroker{cfg: cfg, dial: dialRabbit, log: log, sess: sess}, nil
}

func dialRabbit(cfg RabbitConfig) (*rabbitSession, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareTopology(ch, cfg.Queue); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if cfg.PublishOnly {
		return &rabbitSession{conn: conn, channel: ch}, nil
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		cfg.Queue, // queue
		"",        // consumer tag
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}
	return &rabbitSession{conn: conn, channel: ch, deliveries: deliveries}, nil
}

func declareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue+deadSuffix, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue + deadSuffix,
	}); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if _, err := ch.QueueDeclare(queue+retrySuffix, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return fmt.Errorf("failed to declare retry queue: %w", err)
	}
	return nil
}

func (b *RabbitBroker) session() *rabbitSession {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sess
}

func (b *RabbitBroker) Receive(ctx context.Context, max int) ([]*Delivery, error) {
	deliveries := b.session().deliveries

	timer := time.NewTimer(rabbitReceiveWait)
	defer timer.Stop()

	var out []*Delivery
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-deliveries:
		if !ok {
			return nil, b.reconnect(ctx)
		}
		out = b.accept(ctx, out, d)
	}

	for len(out) < max {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return out, nil
			}
			out = b.accept(ctx, out, d)
		default:
			return out, nil
		}
	}
	return out, nil
}

// accept appends d to out. A redelivered message keeps the attempt header of
// the copy that was lost, so it is republished with the header advanced and
// picked up again as a fresh delivery. Every crash then counts as exactly
// one attempt.
func (b *RabbitBroker) accept(ctx context.Context, out []*Delivery, d amqp.Delivery) []*Delivery {
	if !d.Redelivered {
		return append(out, fromAMQP(d))
	}

	headers := cloneHeaders(d.Headers)
	headers[attemptHeader] = int32(attemptOf(d) + 1)
	err := b.session().channel.PublishWithContext(ctx, "", b.cfg.Queue, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    time.Now(),
	})
	if err == nil {
		err = d.Ack(false)
	}
	if err != nil {
		b.log.WarnContext(ctx, "Failed to requeue redelivered message, processing it in place",
			"messageId", d.MessageId, "error", err)
		return append(out, fromAMQP(d))
	}
	b.log.InfoContext(ctx, "Requeued redelivered message", "messageId", d.MessageId, "attempt", headers[attemptHeader])
	return out
}

// reconnect replaces a session whose delivery channel closed.
func (b *RabbitBroker) reconnect(ctx context.Context) error {
	b.log.WarnContext(ctx, "RabbitMQ delivery channel closed, reconnecting", "queue", b.cfg.Queue)

	sess, err := backoff.Retry(ctx, func() (*rabbitSession, error) {
		b.mu.RLock()
		closed := b.closed
		b.mu.RUnlock()
		if closed {
			return nil, backoff.Permanent(errBrokerClosed)
		}
		sess, err := b.dial(b.cfg)
		if err != nil {
			b.log.WarnContext(ctx, "Failed to reconnect to RabbitMQ", "error", err)
		}
		return sess, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(rabbitReconnectMaxElapsed))
	if err != nil {
		return fmt.Errorf("%w: %v", errDeliveriesClosed, err)
	}

	b.mu.Lock()
	old := b.sess
	b.sess = sess
	b.mu.Unlock()

	if err := old.close(b.log); err != nil {
		b.log.WarnContext(ctx, "Failed to close previous RabbitMQ connection", "error", err)
	}
	b.log.InfoContext(ctx, "RabbitMQ consumer restarted", "queue", b.cfg.Queue)
	return nil
}

func (b *RabbitBroker) Ack(ctx context.Context, d *Delivery) error {
	ad, err := amqpDelivery(d)
	if err != nil {
		return err
	}
	if err := ad.Ack(false); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Retry parks a copy in the retry queue, then acks the original.
func (b *RabbitBroker) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	ad, err := amqpDelivery(d)
	if err != nil {
		return err
	}

	headers := cloneHeaders(ad.Headers)
	headers[attemptHeader] = int32(d.Attempt + 1)

	err = b.session().channel.PublishWithContext(ctx, "", b.cfg.Queue+retrySuffix, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  ad.ContentType,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
		MessageId:    ad.MessageId,
		Expiration:   strconv.FormatInt(max(delay.Milliseconds(), 0), 10),
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish retry: %w", err)
	}
	return b.Ack(ctx, d)
}

// DeadLetter rejects the message without requeue so the queue routes it to
// "<queue>.dead".
func (b *RabbitBroker) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	ad, err := amqpDelivery(d)
	if err != nil {
		return err
	}
	b.log.WarnContext(ctx, "Dead-lettering message", "messageId", d.ID, "reason", reason)
	if err := ad.Nack(false, false); err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	return nil
}

// Extend is a no-op: RabbitMQ holds unacked deliveries until the channel
// closes.
func (b *RabbitBroker) Extend(ctx context.Context, d *Delivery, timeout time.Duration) error {
	return nil
}

// Publish enqueues a new job on the main queue.
func (b *RabbitBroker) Publish(ctx context.Context, msg models.JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}
	err = b.session().channel.PublishWithContext(ctx, "", b.cfg.Queue, false, false, amqp.Publishing{
		Headers:      amqp.Table{attemptHeader: int32(1)},
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.JobID,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the channel and connection and stops reconnects.
func (b *RabbitBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	sess := b.sess
	b.mu.Unlock()
	return sess.close(b.log)
}

// IsConnected reports whether the connection is open.
func (b *RabbitBroker) IsConnected() bool {
	sess := b.session()
	return sess != nil && sess.conn != nil && !sess.conn.IsClosed()
}

func fromAMQP(d amqp.Delivery) *Delivery {
	attempt := attemptOf(d)
	// Only reached when requeueing a redelivery failed.
	if d.Redelivered {
		attempt++
	}
	id := d.MessageId
	if id == "" {
		id = strconv.FormatUint(d.DeliveryTag, 10)
	}
	return &Delivery{ID: id, Body: d.Body, Attempt: attempt, handle: d}
}

// attemptOf reads the attempt header, defaulting to the first attempt.
func attemptOf(d amqp.Delivery) int {
	return max(headerInt(d.Headers[attemptHeader]), 1)
}

func cloneHeaders(h amqp.Table) amqp.Table {
	if h == nil {
		return amqp.Table{}
	}
	return maps.Clone(h)
}

func amqpDelivery(d *Delivery) (amqp.Delivery, error) {
	ad, ok := d.handle.(amqp.Delivery)
	if !ok {
		return amqp.Delivery{}, fmt.Errorf("delivery %s is not a RabbitMQ delivery", d.ID)
	}
	return ad, nil
}

func headerInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}
