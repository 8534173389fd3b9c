package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/amillerrr/vod-transcoder/pkg/models"
)

// SQS configuration constants
const (
	SQSWaitTimeSeconds   = 20
	SQSVisibilityTimeout = 15 * time.Minute
	// SQS rejects visibility timeouts above 12 hours.
	sqsMaxVisibility = 12 * time.Hour

	attrFailureReason = "FailureReason"
)

// SQSAPI is the subset of the SQS client the broker uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSBroker consumes jobs from an SQS queue. The attempt number is SQS's
// receive count, so a message redelivered after a crash counts as a new
// attempt as well.
type SQSBroker struct {
	client     SQSAPI
	queueURL   string
	dlqURL     string
	visibility time.Duration
	log        *slog.Logger
}

// NewSQSBroker creates an SQSBroker. dlqURL is optional; without it
// dead-lettered messages are only logged and deleted.
func NewSQSBroker(client SQSAPI, queueURL, dlqURL string, visibility time.Duration, log *slog.Logger) *SQSBroker {
	if visibility <= 0 {
		visibility = SQSVisibilityTimeout
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &SQSBroker{
		client:     client,
		queueURL:   queueURL,
		dlqURL:     dlqURL,
		visibility: visibility,
		log:        log,
	}
}

func (b *SQSBroker) Receive(ctx context.Context, max int) ([]*Delivery, error) {
	if max < 1 {
		max = 1
	}
	if max > 10 {
		max = 10
	}

	result, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(b.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     SQSWaitTimeSeconds,
		VisibilityTimeout:   visibilitySeconds(b.visibility),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	deliveries := make([]*Delivery, 0, len(result.Messages))
	for _, msg := range result.Messages {
		attempt := 1
		if n, err := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil && n > 0 {
			attempt = n
		}
		deliveries = append(deliveries, &Delivery{
			ID:      aws.ToString(msg.MessageId),
			Body:    []byte(aws.ToString(msg.Body)),
			Attempt: attempt,
			handle:  aws.ToString(msg.ReceiptHandle),
		})
	}
	return deliveries, nil
}

func (b *SQSBroker) Ack(ctx context.Context, d *Delivery) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.queueURL),
		ReceiptHandle: aws.String(receiptHandle(d)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// Retry makes the message visible again after delay. SQS increments the
// receive count on the next delivery.
func (b *SQSBroker) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	return b.Extend(ctx, d, delay)
}

func (b *SQSBroker) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	if b.dlqURL != "" {
		_, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(b.dlqURL),
			MessageBody: aws.String(string(d.Body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				attrFailureReason: {
					DataType:    aws.String("String"),
					StringValue: aws.String(truncate(reason, 1024)),
				},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to copy message to dead-letter queue: %w", err)
		}
	} else {
		b.log.WarnContext(ctx, "Dropping message without dead-letter queue",
			"messageId", d.ID,
			"reason", reason,
		)
	}
	return b.Ack(ctx, d)
}

func (b *SQSBroker) Extend(ctx context.Context, d *Delivery, timeout time.Duration) error {
	_, err := b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(b.queueURL),
		ReceiptHandle:     aws.String(receiptHandle(d)),
		VisibilityTimeout: visibilitySeconds(timeout),
	})
	if err != nil {
		return fmt.Errorf("failed to change message visibility: %w", err)
	}
	return nil
}

// SQSPublisher enqueues jobs on an SQS queue.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
}

// NewSQSPublisher creates an SQSPublisher.
func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, msg models.JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send job message: %w", err)
	}
	return nil
}

func receiptHandle(d *Delivery) string {
	h, _ := d.handle.(string)
	return h
}

func visibilitySeconds(d time.Duration) int32 {
	if d > sqsMaxVisibility {
		d = sqsMaxVisibility
	}
	if d < 0 {
		d = 0
	}
	return int32(d / time.Second)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
