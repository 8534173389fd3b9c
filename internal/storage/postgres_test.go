package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amillerrr/vod-transcoder/pkg/models"
)

var jobColumnNames = []string{
	"id", "owner_id", "source_url", "status", "progress_percent", "error_message",
	"attempt", "started_at", "completed_at", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "postgres"), "lessons", nil), mock
}

func TestPostgresStore_CreateJob(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO transcode_jobs`).
		WithArgs("j1", "l1", "https://x/a.mp4", "pending").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectQuery(`INSERT INTO transcode_jobs`).
		WithArgs("j1", "l1", "https://x/a.mp4", "pending").
		WillReturnError(sql.ErrNoRows)

	job := &models.TranscodeJob{ID: "j1", OwnerID: "l1", SourceURL: "https://x/a.mp4"}
	require.NoError(t, store.CreateJob(context.Background(), job))
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, now, job.CreatedAt)

	assert.ErrorIs(t, store.CreateJob(context.Background(), job), models.ErrJobExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcquireJob(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`UPDATE transcode_jobs\s+SET status = 'processing'`).
		WithArgs("j1", 2).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).
			AddRow("j1", "l1", "https://x/a.mp4", "processing", 0, nil, 2, now, nil, now, now))

	job, err := store.AcquireJob(context.Background(), "j1", 2)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, job.Status)
	assert.Equal(t, 2, job.Attempt)
	assert.Nil(t, job.ErrorMessage)
	assert.Nil(t, job.CompletedAt)
	require.NotNil(t, job.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcquireJobConflicts(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   error
	}{
		{"completed", "completed", models.ErrJobAlreadyCompleted},
		{"claimed", "processing", models.ErrJobAlreadyClaimed},
		{"missing", "", models.ErrJobNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			now := time.Now()

			mock.ExpectQuery(`UPDATE transcode_jobs`).WithArgs("j1", 1).WillReturnError(sql.ErrNoRows)
			lookup := mock.ExpectQuery(`SELECT .* FROM transcode_jobs WHERE id = \$1`).WithArgs("j1")
			if tt.status == "" {
				lookup.WillReturnError(sql.ErrNoRows)
			} else {
				lookup.WillReturnRows(sqlmock.NewRows(jobColumnNames).
					AddRow("j1", "l1", "https://x/a.mp4", tt.status, 40, nil, 3, now, nil, now, now))
			}

			_, err := store.AcquireJob(context.Background(), "j1", 1)
			assert.ErrorIs(t, err, tt.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_OwnedUpdates(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`SET progress_percent = \$3`).WithArgs("j1", 2, 55).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET progress_percent = \$3`).WithArgs("j1", 1, 60).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SET status = 'completed', progress_percent = 100`).WithArgs("j1", 2).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET status = 'failed', error_message = \$3`).WithArgs("j1", 2, "boom").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.UpdateProgress(ctx, "j1", 2, 55))
	assert.ErrorIs(t, store.UpdateProgress(ctx, "j1", 1, 60), models.ErrStaleAttempt)
	require.NoError(t, store.CompleteJob(ctx, "j1", 2))
	require.NoError(t, store.FailJob(ctx, "j1", 2, "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Owner(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE "lessons"\s+SET processing_status = \$2`).
		WithArgs("l1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "lessons"`).
		WithArgs("missing", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM transcode_jobs\s+WHERE id = \$1 AND status = 'processing' AND attempt = \$2\s+FOR UPDATE`).
		WithArgs("j1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec(`UPDATE "lessons"\s+SET processing_status = 'completed'`).
		WithArgs("l1", "https://cdn/x/master.m3u8", "", 13).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.SetOwnerStatus(ctx, "l1", models.StatusPending))
	assert.ErrorIs(t, store.SetOwnerStatus(ctx, "missing", models.StatusPending), models.ErrOwnerNotFound)
	assert.ErrorIs(t, store.SetOwnerStatus(ctx, "l1", "archived"), models.ErrInvalidStatus)
	require.NoError(t, store.CompleteOwner(ctx, "j1", 2, "l1", models.TranscodeResult{ManifestURL: "https://cdn/x/master.m3u8", DurationSeconds: 13}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_OwnerWritesFencedByAttempt(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	// A newer attempt holds the job: the owner row is not touched.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM transcode_jobs`).
		WithArgs("j1", 1).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	// The owner row is gone.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM transcode_jobs`).
		WithArgs("j1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec(`UPDATE "lessons"\s+SET processing_status = \$2`).
		WithArgs("l1", "failed").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	assert.ErrorIs(t, store.SetOwnerStatusForAttempt(ctx, "j1", 1, "l1", models.StatusFailed), models.ErrStaleAttempt)
	assert.ErrorIs(t, store.SetOwnerStatusForAttempt(ctx, "j1", 2, "l1", models.StatusFailed), models.ErrOwnerNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListJobsByOwner(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`FROM transcode_jobs WHERE owner_id = \$1 ORDER BY created_at DESC LIMIT \$2`).
		WithArgs("l1", 5).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).
			AddRow("j2", "l1", "https://x/b.mp4", "completed", 100, nil, 1, now, now, now, now).
			AddRow("j1", "l1", "https://x/a.mp4", "failed", 30, "failed to probe media", 5, now, now, now, now))

	jobs, err := store.ListJobsByOwner(context.Background(), "l1", 5)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, models.StatusFailed, jobs[1].Status)
	require.NotNil(t, jobs[1].ErrorMessage)
	assert.Equal(t, "failed to probe media", *jobs[1].ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}
