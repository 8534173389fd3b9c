package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amillerrr/vod-transcoder/pkg/models"
)

type fakeDynamo struct {
	putErr      error
	updateErr   error
	getErr      error
	getItem     map[string]types.AttributeValue
	updateAttrs map[string]types.AttributeValue
	queryItems  []map[string]types.AttributeValue

	puts    []*dynamodb.PutItemInput
	updates []*dynamodb.UpdateItemInput
	queries []*dynamodb.QueryInput
	txErr   error
	txs     []*dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &dynamodb.GetItemOutput{Item: f.getItem}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &dynamodb.UpdateItemOutput{Attributes: f.updateAttrs}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries = append(f.queries, in)
	return &dynamodb.QueryOutput{Items: f.queryItems}, nil
}

func (f *fakeDynamo) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.txs = append(f.txs, in)
	if f.txErr != nil {
		return nil, f.txErr
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

var conditionFailed = &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}

func marshalJob(t *testing.T, job models.TranscodeJob) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(jobItem{PK: "JOB#" + job.ID, SK: "METADATA", TranscodeJob: job})
	require.NoError(t, err)
	return item
}

func newTestDynamoStore(client DynamoAPI) *DynamoStore {
	s := NewDynamoStore(client, "vod-jobs")
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestDynamoStore_CreateJob(t *testing.T) {
	client := &fakeDynamo{}
	store := newTestDynamoStore(client)

	job := &models.TranscodeJob{ID: "j1", OwnerID: "l1", SourceURL: "https://x/a.mp4"}
	require.NoError(t, store.CreateJob(context.Background(), job))

	assert.Equal(t, models.StatusPending, job.Status)
	require.Len(t, client.puts, 1)
	assert.Equal(t, "attribute_not_exists(pk)", aws.ToString(client.puts[0].ConditionExpression))
	assert.Equal(t, &types.AttributeValueMemberS{Value: "OWNER#l1"}, client.puts[0].Item["gsi1pk"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "pending"}, client.puts[0].Item["status"])

	client.putErr = conditionFailed
	assert.ErrorIs(t, store.CreateJob(context.Background(), job), models.ErrJobExists)
}

func TestDynamoStore_GetJob(t *testing.T) {
	client := &fakeDynamo{}
	store := newTestDynamoStore(client)

	_, err := store.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	msg := "boom"
	client.getItem = marshalJob(t, models.TranscodeJob{ID: "j1", OwnerID: "l1", Status: models.StatusFailed, ErrorMessage: &msg, Attempt: 2})
	job, err := store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "boom", *job.ErrorMessage)
	assert.Equal(t, 2, job.Attempt)
}

func TestDynamoStore_AcquireJob(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client := &fakeDynamo{
		updateAttrs: marshalJob(t, models.TranscodeJob{
			ID: "j1", OwnerID: "l1", SourceURL: "https://x/a.mp4",
			Status: models.StatusProcessing, Attempt: 3, StartedAt: &started,
		}),
	}
	store := newTestDynamoStore(client)

	job, err := store.AcquireJob(context.Background(), "j1", 3)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, job.Status)
	assert.Equal(t, 3, job.Attempt)
	assert.Nil(t, job.ErrorMessage)

	in := client.updates[0]
	assert.Contains(t, aws.ToString(in.ConditionExpression), "#status IN (:pending, :failed)")
	assert.Contains(t, aws.ToString(in.ConditionExpression), "#attempt < :attempt")
	assert.Contains(t, aws.ToString(in.UpdateExpression), "REMOVE error_message, completed_at")
	assert.Equal(t, &types.AttributeValueMemberN{Value: "0"}, in.ExpressionAttributeValues[":zero"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "3"}, in.ExpressionAttributeValues[":attempt"])
}

func TestDynamoStore_AcquireJobConflicts(t *testing.T) {
	tests := []struct {
		name    string
		current map[string]types.AttributeValue
		want    error
	}{
		{"missing", nil, models.ErrJobNotFound},
		{"completed", nil, models.ErrJobAlreadyCompleted},
		{"newer attempt", nil, models.ErrJobAlreadyClaimed},
	}
	tests[1].current = marshalJob(t, models.TranscodeJob{ID: "j1", Status: models.StatusCompleted, Attempt: 1})
	tests[2].current = marshalJob(t, models.TranscodeJob{ID: "j1", Status: models.StatusProcessing, Attempt: 4})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeDynamo{updateErr: conditionFailed, getItem: tt.current}
			_, err := newTestDynamoStore(client).AcquireJob(context.Background(), "j1", 2)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDynamoStore_OwnedUpdates(t *testing.T) {
	client := &fakeDynamo{}
	store := newTestDynamoStore(client)
	ctx := context.Background()

	require.NoError(t, store.UpdateProgress(ctx, "j1", 2, 45))
	require.NoError(t, store.CompleteJob(ctx, "j1", 2))
	require.NoError(t, store.FailJob(ctx, "j1", 2, "failed to transcode video: rendition 480p: exit status 1"))

	require.Len(t, client.updates, 3)
	for _, in := range client.updates {
		assert.Contains(t, aws.ToString(in.ConditionExpression), "#status = :processing AND #attempt = :attempt")
		assert.Equal(t, &types.AttributeValueMemberN{Value: "2"}, in.ExpressionAttributeValues[":attempt"])
	}
	assert.Contains(t, aws.ToString(client.updates[0].ConditionExpression), "progress_percent <= :p")
	assert.Equal(t, &types.AttributeValueMemberN{Value: "100"}, client.updates[1].ExpressionAttributeValues[":hundred"])
	assert.NotContains(t, aws.ToString(client.updates[2].UpdateExpression), "progress_percent")

	client.updateErr = conditionFailed
	assert.ErrorIs(t, store.UpdateProgress(ctx, "j1", 1, 50), models.ErrStaleAttempt)

	client.updateErr = errors.New("throttled")
	err := store.CompleteJob(ctx, "j1", 2)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrStaleAttempt)
}

func TestDynamoStore_Owner(t *testing.T) {
	client := &fakeDynamo{}
	store := newTestDynamoStore(client)
	ctx := context.Background()

	assert.ErrorIs(t, store.SetOwnerStatus(ctx, "l1", "bogus"), models.ErrInvalidStatus)
	require.NoError(t, store.SetOwnerStatus(ctx, "l1", models.StatusPending))
	require.Len(t, client.updates, 1)
	assert.Empty(t, client.txs, "unfenced writes do not check a job row")

	require.NoError(t, store.SetOwnerStatusForAttempt(ctx, "j1", 2, "l1", models.StatusProcessing))
	require.NoError(t, store.CompleteOwner(ctx, "j1", 2, "l1", models.TranscodeResult{ManifestURL: "https://cdn/x/master.m3u8", DurationSeconds: 13}))
	require.NoError(t, store.CompleteOwner(ctx, "j1", 2, "l1", models.TranscodeResult{ManifestURL: "m", ThumbnailURL: "https://cdn/x/thumb.jpg", DurationSeconds: 13}))
	require.Len(t, client.txs, 3)

	for _, tx := range client.txs {
		require.Len(t, tx.TransactItems, 2)
		check := tx.TransactItems[0].ConditionCheck
		require.NotNil(t, check)
		assert.Equal(t, &types.AttributeValueMemberS{Value: "JOB#j1"}, check.Key["pk"])
		assert.Equal(t, "#status = :processing AND #attempt = :attempt", aws.ToString(check.ConditionExpression))
		assert.Equal(t, &types.AttributeValueMemberN{Value: "2"}, check.ExpressionAttributeValues[":attempt"])
		assert.Equal(t, &types.AttributeValueMemberS{Value: "OWNER#l1"}, tx.TransactItems[1].Update.Key["pk"])
	}
	completed := client.txs[1].TransactItems[1].Update
	assert.Contains(t, aws.ToString(completed.UpdateExpression), "REMOVE thumbnail_url")
	assert.Equal(t, &types.AttributeValueMemberN{Value: "13"}, completed.ExpressionAttributeValues[":duration"])
	assert.Contains(t, aws.ToString(client.txs[2].TransactItems[1].Update.UpdateExpression), "thumbnail_url = :thumb")

	_, err := store.GetOwner(ctx, "l2")
	assert.ErrorIs(t, err, models.ErrOwnerNotFound)
}

func TestDynamoStore_OwnerWritesFencedByAttempt(t *testing.T) {
	client := &fakeDynamo{txErr: &types.TransactionCanceledException{
		Message: aws.String("Transaction cancelled"),
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("ConditionalCheckFailed")},
			{Code: aws.String("None")},
		},
	}}
	store := newTestDynamoStore(client)
	ctx := context.Background()

	assert.ErrorIs(t, store.SetOwnerStatusForAttempt(ctx, "j1", 1, "l1", models.StatusFailed), models.ErrStaleAttempt)
	assert.ErrorIs(t, store.CompleteOwner(ctx, "j1", 1, "l1", models.TranscodeResult{ManifestURL: "m"}), models.ErrStaleAttempt)

	client.txErr = errors.New("throttled")
	err := store.CompleteOwner(ctx, "j1", 1, "l1", models.TranscodeResult{ManifestURL: "m"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrStaleAttempt)
}

func TestDynamoStore_ListJobsByOwner(t *testing.T) {
	client := &fakeDynamo{queryItems: []map[string]types.AttributeValue{
		marshalJob(t, models.TranscodeJob{ID: "j2", OwnerID: "l1", Status: models.StatusCompleted}),
		marshalJob(t, models.TranscodeJob{ID: "j1", OwnerID: "l1", Status: models.StatusFailed}),
	}}

	jobs, err := newTestDynamoStore(client).ListJobsByOwner(context.Background(), "l1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j2", jobs[0].ID)
	assert.Equal(t, "GSI1", aws.ToString(client.queries[0].IndexName))
	assert.False(t, aws.ToBool(client.queries[0].ScanIndexForward))
}

func TestDynamoStore_Ping(t *testing.T) {
	client := &fakeDynamo{}
	store := newTestDynamoStore(client)

	require.NoError(t, store.Ping(context.Background()))

	client.getErr = errors.New("ResourceNotFoundException")
	err := store.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vod-jobs")
}
