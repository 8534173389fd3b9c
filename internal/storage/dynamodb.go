package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/amillerrr/vod-transcoder/pkg/models"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// jobItem is a TranscodeJob with its single-table keys. GSI1 lists an
// owner's jobs newest first.
type jobItem struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	GSI1PK string `dynamodbav:"gsi1pk"`
	GSI1SK string `dynamodbav:"gsi1sk"`
	models.TranscodeJob
}

type ownerItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	models.Owner
}

// DynamoStore keeps jobs and owner status rows in a single DynamoDB table.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

// NewDynamoStore creates a DynamoStore on an existing client.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func jobKey(jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: "JOB#" + jobID},
		"sk": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

func ownerKey(ownerID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: "OWNER#" + ownerID},
		"sk": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

func stringAV(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func numberAV(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func timeAV(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.Format(time.RFC3339Nano)}
}

func isConditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

// CreateJob stores a new pending job. An existing id yields models.ErrJobExists.
func (s *DynamoStore) CreateJob(ctx context.Context, job *models.TranscodeJob) error {
	now := s.now()
	job.Status = models.StatusPending
	job.ProgressPercent = 0
	job.CreatedAt = now
	job.UpdatedAt = now

	item, err := attributevalue.MarshalMap(jobItem{
		PK:           "JOB#" + job.ID,
		SK:           "METADATA",
		GSI1PK:       "OWNER#" + job.OwnerID,
		GSI1SK:       fmt.Sprintf("%s#%s", now.Format(time.RFC3339Nano), job.ID),
		TranscodeJob: *job,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return models.ErrJobExists
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *DynamoStore) GetJob(ctx context.Context, jobID string) (*models.TranscodeJob, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            jobKey(jobID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if result.Item == nil {
		return nil, models.ErrJobNotFound
	}

	var item jobItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &item.TranscodeJob, nil
}

// ListJobsByOwner returns an owner's most recent jobs, newest first.
func (s *DynamoStore) ListJobsByOwner(ctx context.Context, ownerID string, limit int) ([]models.TranscodeJob, error) {
	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": stringAV("OWNER#" + ownerID),
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	var items []jobItem
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal jobs: %w", err)
	}
	jobs := make([]models.TranscodeJob, len(items))
	for i := range items {
		jobs[i] = items[i].TranscodeJob
	}
	return jobs, nil
}

// AcquireJob moves a job into processing for the given delivery attempt.
// Pending and failed jobs are accepted, as is a processing job held by an
// older attempt. Progress restarts at zero and any previous error is cleared.
func (s *DynamoStore) AcquireJob(ctx context.Context, jobID string, attempt int) (*models.TranscodeJob, error) {
	now := s.now()

	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key:       jobKey(jobID),
		UpdateExpression: aws.String(`
			SET #status = :processing,
			    progress_percent = :zero,
			    #attempt = :attempt,
			    started_at = :now,
			    updated_at = :now
			REMOVE error_message, completed_at
		`),
		ConditionExpression: aws.String(
			"attribute_exists(pk) AND (#status IN (:pending, :failed) OR (#status = :processing AND #attempt < :attempt))",
		),
		ExpressionAttributeNames: map[string]string{
			"#status":  "status",
			"#attempt": "attempt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":processing": stringAV(string(models.StatusProcessing)),
			":pending":    stringAV(string(models.StatusPending)),
			":failed":     stringAV(string(models.StatusFailed)),
			":zero":       numberAV(0),
			":attempt":    numberAV(attempt),
			":now":        timeAV(now),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, s.acquireConflict(ctx, jobID)
		}
		return nil, fmt.Errorf("failed to acquire job: %w", err)
	}

	var item jobItem
	if err := attributevalue.UnmarshalMap(result.Attributes, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &item.TranscodeJob, nil
}

// acquireConflict explains why the acquire condition did not hold.
func (s *DynamoStore) acquireConflict(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.StatusCompleted {
		return models.ErrJobAlreadyCompleted
	}
	return models.ErrJobAlreadyClaimed
}

// UpdateProgress records progress for the attempt that owns the job.
// Lower values than the stored one are rejected.
func (s *DynamoStore) UpdateProgress(ctx context.Context, jobID string, attempt, percent int) error {
	return s.updateOwned(ctx, jobID, attempt,
		"SET progress_percent = :p, updated_at = :now",
		" AND progress_percent <= :p",
		map[string]types.AttributeValue{
			":p":   numberAV(percent),
			":now": timeAV(s.now()),
		},
	)
}

// CompleteJob marks the job completed at 100 percent.
func (s *DynamoStore) CompleteJob(ctx context.Context, jobID string, attempt int) error {
	now := s.now()
	return s.updateOwned(ctx, jobID, attempt,
		"SET #status = :completed, progress_percent = :hundred, completed_at = :now, updated_at = :now",
		"",
		map[string]types.AttributeValue{
			":completed": stringAV(string(models.StatusCompleted)),
			":hundred":   numberAV(100),
			":now":       timeAV(now),
		},
	)
}

// FailJob marks the job failed with message. Progress is left untouched.
func (s *DynamoStore) FailJob(ctx context.Context, jobID string, attempt int, message string) error {
	now := s.now()
	return s.updateOwned(ctx, jobID, attempt,
		"SET #status = :failed, error_message = :msg, completed_at = :now, updated_at = :now",
		"",
		map[string]types.AttributeValue{
			":failed": stringAV(string(models.StatusFailed)),
			":msg":    stringAV(message),
			":now":    timeAV(now),
		},
	)
}

// updateOwned applies an update only while attempt still owns the
// processing job.
func (s *DynamoStore) updateOwned(ctx context.Context, jobID string, attempt int, update, extraCondition string, values map[string]types.AttributeValue) error {
	values[":processing"] = stringAV(string(models.StatusProcessing))
	values[":attempt"] = numberAV(attempt)

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 jobKey(jobID),
		UpdateExpression:    aws.String(update),
		ConditionExpression: aws.String("#status = :processing AND #attempt = :attempt" + extraCondition),
		ExpressionAttributeNames: map[string]string{
			"#status":  "status",
			"#attempt": "attempt",
		},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return models.ErrStaleAttempt
		}
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// Ping checks that the table is reachable with a point read.
func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       ownerKey("healthcheck"),
	})
	if err != nil {
		return fmt.Errorf("failed to reach table %s: %w", s.tableName, err)
	}
	return nil
}

// GetOwner retrieves an owner's processing status row.
func (s *DynamoStore) GetOwner(ctx context.Context, ownerID string) (*models.Owner, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       ownerKey(ownerID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get owner: %w", err)
	}
	if result.Item == nil {
		return nil, models.ErrOwnerNotFound
	}

	var item ownerItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal owner: %w", err)
	}
	return &item.Owner, nil
}

// SetOwnerStatus sets the owner's processing status, creating the row if
// needed. Published URLs are kept until a newer attempt completes.
func (s *DynamoStore) SetOwnerStatus(ctx context.Context, ownerID string, status models.JobStatus) error {
	if !status.IsValid() {
		return models.ErrInvalidStatus
	}
	update, values := s.ownerStatusUpdate(ownerID, status)
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       ownerKey(ownerID),
		UpdateExpression:          aws.String(update),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("failed to update owner: %w", err)
	}
	return nil
}

// SetOwnerStatusForAttempt sets the owner's processing status only while
// attempt still holds jobID. Otherwise it returns models.ErrStaleAttempt and
// the owner is left alone.
func (s *DynamoStore) SetOwnerStatusForAttempt(ctx context.Context, jobID string, attempt int, ownerID string, status models.JobStatus) error {
	if !status.IsValid() {
		return models.ErrInvalidStatus
	}
	update, values := s.ownerStatusUpdate(ownerID, status)
	if err := s.updateOwnerOwned(ctx, jobID, attempt, ownerID, update, values); err != nil {
		return fmt.Errorf("failed to update owner: %w", err)
	}
	return nil
}

// CompleteOwner publishes a finished asset on the owner row, provided
// attempt still holds jobID. An empty thumbnail URL clears the stored one.
func (s *DynamoStore) CompleteOwner(ctx context.Context, jobID string, attempt int, ownerID string, result models.TranscodeResult) error {
	update := "SET owner_id = :id, processing_status = :status, manifest_url = :manifest, duration_seconds = :duration, updated_at = :now"
	values := map[string]types.AttributeValue{
		":id":       stringAV(ownerID),
		":status":   stringAV(string(models.StatusCompleted)),
		":manifest": stringAV(result.ManifestURL),
		":duration": numberAV(result.DurationSeconds),
		":now":      timeAV(s.now()),
	}
	if result.ThumbnailURL != "" {
		update += ", thumbnail_url = :thumb"
		values[":thumb"] = stringAV(result.ThumbnailURL)
	} else {
		update += " REMOVE thumbnail_url"
	}

	if err := s.updateOwnerOwned(ctx, jobID, attempt, ownerID, update, values); err != nil {
		return fmt.Errorf("failed to complete owner: %w", err)
	}
	return nil
}

func (s *DynamoStore) ownerStatusUpdate(ownerID string, status models.JobStatus) (string, map[string]types.AttributeValue) {
	return "SET owner_id = :id, processing_status = :status, updated_at = :now",
		map[string]types.AttributeValue{
			":id":     stringAV(ownerID),
			":status": stringAV(string(status)),
			":now":    timeAV(s.now()),
		}
}

// updateOwnerOwned applies an owner update in the same transaction as a
// check that attempt still holds the job row.
func (s *DynamoStore) updateOwnerOwned(ctx context.Context, jobID string, attempt int, ownerID, update string, values map[string]types.AttributeValue) error {
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:           aws.String(s.tableName),
					Key:                 jobKey(jobID),
					ConditionExpression: aws.String("#status = :processing AND #attempt = :attempt"),
					ExpressionAttributeNames: map[string]string{
						"#status":  "status",
						"#attempt": "attempt",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":processing": stringAV(string(models.StatusProcessing)),
						":attempt":    numberAV(attempt),
					},
				},
			},
			{
				Update: &types.Update{
					TableName:                 aws.String(s.tableName),
					Key:                       ownerKey(ownerID),
					UpdateExpression:          aws.String(update),
					ExpressionAttributeValues: values,
				},
			},
		},
	})
	if err != nil {
		if isFenceFailed(err) {
			return models.ErrStaleAttempt
		}
		return err
	}
	return nil
}

// isFenceFailed reports whether a transaction was cancelled because its
// first item, the job row check, did not hold.
func isFenceFailed(err error) bool {
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) || len(txErr.CancellationReasons) == 0 {
		return false
	}
	return aws.ToString(txErr.CancellationReasons[0].Code) == "ConditionalCheckFailed"
}
