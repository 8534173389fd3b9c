package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/amillerrr/vod-transcoder/pkg/models"
)

//go:embed schema.sql
var jobsSchema string

const jobColumns = `id, owner_id, source_url, status, progress_percent, error_message,
	attempt, started_at, completed_at, created_at, updated_at`

// PostgresConfig holds connection settings for PostgresStore.
type PostgresConfig struct {
	DSN             string
	OwnerTable      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore keeps jobs in the transcode_jobs table and writes owner
// status into an existing table owned by the application, e.g. lessons.
type PostgresStore struct {
	db         *sqlx.DB
	ownerTable string
	logger     *slog.Logger
}

// OpenPostgres connects to PostgreSQL and returns a store on the connection.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return NewPostgresStore(db, cfg.OwnerTable, logger), nil
}

// NewPostgresStore creates a store on an open connection.
func NewPostgresStore(db *sqlx.DB, ownerTable string, logger *slog.Logger) *PostgresStore {
	if ownerTable == "" {
		ownerTable = "lessons"
	}
	return &PostgresStore{
		db:         db,
		ownerTable: pq.QuoteIdentifier(ownerTable),
		logger:     logger,
	}
}

// EnsureSchema creates the jobs table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobsSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// CreateJob stores a new pending job. An existing id yields models.ErrJobExists.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.TranscodeJob) error {
	query := `
		INSERT INTO transcode_jobs (id, owner_id, source_url, status, progress_percent, attempt)
		VALUES ($1, $2, $3, $4, 0, 0)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at
	`

	err := s.db.QueryRowxContext(ctx, query, job.ID, job.OwnerID, job.SourceURL, models.StatusPending).
		Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrJobExists
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	job.Status = models.StatusPending
	job.ProgressPercent = 0
	return nil
}

// GetJob retrieves a job by ID.
func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*models.TranscodeJob, error) {
	var job models.TranscodeJob
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM transcode_jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ListJobsByOwner returns an owner's most recent jobs, newest first.
func (s *PostgresStore) ListJobsByOwner(ctx context.Context, ownerID string, limit int) ([]models.TranscodeJob, error) {
	jobs := []models.TranscodeJob{}
	err := s.db.SelectContext(ctx, &jobs,
		`SELECT `+jobColumns+` FROM transcode_jobs WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`,
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// AcquireJob moves a job into processing for the given delivery attempt.
// Pending and failed jobs are accepted, as is a processing job held by an
// older attempt.
func (s *PostgresStore) AcquireJob(ctx context.Context, jobID string, attempt int) (*models.TranscodeJob, error) {
	query := `
		UPDATE transcode_jobs
		SET status = 'processing',
		    progress_percent = 0,
		    attempt = $2,
		    error_message = NULL,
		    started_at = NOW(),
		    completed_at = NULL,
		    updated_at = NOW()
		WHERE id = $1
		  AND (status IN ('pending', 'failed') OR (status = 'processing' AND attempt < $2))
		RETURNING ` + jobColumns

	var job models.TranscodeJob
	err := s.db.GetContext(ctx, &job, query, jobID, attempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.acquireConflict(ctx, jobID)
		}
		return nil, fmt.Errorf("failed to acquire job: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "Job acquired", "jobId", jobID, "attempt", attempt)
	}
	return &job, nil
}

func (s *PostgresStore) acquireConflict(ctx context.Context, jobID string) error {
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
func (s *PostgresStore) UpdateProgress(ctx context.Context, jobID string, attempt, percent int) error {
	return s.execOwned(ctx, `
		UPDATE transcode_jobs
		SET progress_percent = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND attempt = $2 AND progress_percent <= $3
	`, jobID, attempt, percent)
}

// CompleteJob marks the job completed at 100 percent.
func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, attempt int) error {
	return s.execOwned(ctx, `
		UPDATE transcode_jobs
		SET status = 'completed', progress_percent = 100, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND attempt = $2
	`, jobID, attempt)
}

// FailJob marks the job failed with message. Progress is left untouched.
func (s *PostgresStore) FailJob(ctx context.Context, jobID string, attempt int, message string) error {
	return s.execOwned(ctx, `
		UPDATE transcode_jobs
		SET status = 'failed', error_message = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND attempt = $2
	`, jobID, attempt, message)
}

func (s *PostgresStore) execOwned(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrStaleAttempt
	}
	return nil
}

// GetOwner retrieves an owner's processing columns.
func (s *PostgresStore) GetOwner(ctx context.Context, ownerID string) (*models.Owner, error) {
	var owner models.Owner
	err := s.db.GetContext(ctx, &owner, `
		SELECT id, processing_status, manifest_url, thumbnail_url, duration_seconds, updated_at
		FROM `+s.ownerTable+` WHERE id = $1`, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrOwnerNotFound
		}
		return nil, fmt.Errorf("failed to get owner: %w", err)
	}
	return &owner, nil
}

// SetOwnerStatus sets the owner's processing status.
func (s *PostgresStore) SetOwnerStatus(ctx context.Context, ownerID string, status models.JobStatus) error {
	if !status.IsValid() {
		return models.ErrInvalidStatus
	}
	return s.execOwner(ctx, `
		UPDATE `+s.ownerTable+`
		SET processing_status = $2, updated_at = NOW()
		WHERE id = $1`, ownerID, status)
}

// SetOwnerStatusForAttempt sets the owner's processing status only while
// attempt still holds jobID, and returns models.ErrStaleAttempt otherwise.
func (s *PostgresStore) SetOwnerStatusForAttempt(ctx context.Context, jobID string, attempt int, ownerID string, status models.JobStatus) error {
	if !status.IsValid() {
		return models.ErrInvalidStatus
	}
	return s.execOwnerOwned(ctx, jobID, attempt, `
		UPDATE `+s.ownerTable+`
		SET processing_status = $2, updated_at = NOW()
		WHERE id = $1`, ownerID, status)
}

// CompleteOwner publishes a finished asset on the owner row, provided
// attempt still holds jobID. An empty thumbnail URL is stored as NULL.
func (s *PostgresStore) CompleteOwner(ctx context.Context, jobID string, attempt int, ownerID string, result models.TranscodeResult) error {
	return s.execOwnerOwned(ctx, jobID, attempt, `
		UPDATE `+s.ownerTable+`
		SET processing_status = 'completed',
		    manifest_url = $2,
		    thumbnail_url = NULLIF($3, ''),
		    duration_seconds = $4,
		    updated_at = NOW()
		WHERE id = $1`, ownerID, result.ManifestURL, result.ThumbnailURL, result.DurationSeconds)
}

func (s *PostgresStore) execOwner(ctx context.Context, query string, args ...any) error {
	return execOwnerWith(ctx, s.db, query, args...)
}

// execOwnerOwned locks the job row for the attempt, then runs the owner
// update in the same transaction. A newer AcquireJob waits on the lock.
func (s *PostgresStore) execOwnerOwned(ctx context.Context, jobID string, attempt int, query string, args ...any) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var held int
	err = tx.GetContext(ctx, &held, `
		SELECT 1 FROM transcode_jobs
		WHERE id = $1 AND status = 'processing' AND attempt = $2
		FOR UPDATE`, jobID, attempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrStaleAttempt
		}
		return fmt.Errorf("failed to lock job: %w", err)
	}

	if err := execOwnerWith(ctx, tx, query, args...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit owner update: %w", err)
	}
	return nil
}

func execOwnerWith(ctx context.Context, db sqlx.ExecerContext, query string, args ...any) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update owner: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrOwnerNotFound
	}
	return nil
}
