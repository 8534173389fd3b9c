package models

import (
	"net/url"
	"time"
)

// JobStatus represents the processing status of a transcode job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsValid returns true if the status is a valid JobStatus.
func (s JobStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true for statuses that end an attempt.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TranscodeJob is the durable record of a single transcode request.
type TranscodeJob struct {
	ID              string     `dynamodbav:"job_id" db:"id" json:"id"`
	OwnerID         string     `dynamodbav:"owner_id" db:"owner_id" json:"ownerId"`
	SourceURL       string     `dynamodbav:"source_url" db:"source_url" json:"sourceUrl"`
	Status          JobStatus  `dynamodbav:"status" db:"status" json:"status"`
	ProgressPercent int        `dynamodbav:"progress_percent" db:"progress_percent" json:"progressPercent"`
	ErrorMessage    *string    `dynamodbav:"error_message,omitempty" db:"error_message" json:"errorMessage"`
	Attempt         int        `dynamodbav:"attempt" db:"attempt" json:"attempt"`
	StartedAt       *time.Time `dynamodbav:"started_at,omitempty" db:"started_at" json:"startedAt"`
	CompletedAt     *time.Time `dynamodbav:"completed_at,omitempty" db:"completed_at" json:"completedAt"`
	CreatedAt       time.Time  `dynamodbav:"created_at" db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time  `dynamodbav:"updated_at" db:"updated_at" json:"updatedAt"`
}

// Owner is the status row of the entity that owns the video, e.g. a lesson.
type Owner struct {
	ID               string    `dynamodbav:"owner_id" db:"id" json:"id"`
	ProcessingStatus JobStatus `dynamodbav:"processing_status" db:"processing_status" json:"processingStatus"`
	ManifestURL      *string   `dynamodbav:"manifest_url,omitempty" db:"manifest_url" json:"manifestUrl"`
	ThumbnailURL     *string   `dynamodbav:"thumbnail_url,omitempty" db:"thumbnail_url" json:"thumbnailUrl"`
	DurationSeconds  *int      `dynamodbav:"duration_seconds,omitempty" db:"duration_seconds" json:"durationSeconds"`
	UpdatedAt        time.Time `dynamodbav:"updated_at" db:"updated_at" json:"updatedAt"`
}

// TranscodeResult holds what a successful attempt writes back to the owner.
type TranscodeResult struct {
	ManifestURL     string `json:"manifestUrl"`
	ThumbnailURL    string `json:"thumbnailUrl,omitempty"`
	DurationSeconds int    `json:"durationSeconds"`
}

// JobMessage is the queue payload that starts a transcode.
type JobMessage struct {
	JobID     string `json:"jobId"`
	OwnerID   string `json:"ownerId"`
	SourceURL string `json:"sourceUrl"`
}

// Validate checks if the message has all required fields.
func (m *JobMessage) Validate() error {
	if m.JobID == "" {
		return ErrMissingJobID
	}
	if m.OwnerID == "" {
		return ErrMissingOwnerID
	}
	if m.SourceURL == "" {
		return ErrMissingSourceURL
	}
	return ValidateSourceURL(m.SourceURL)
}

// ValidateSourceURL accepts absolute http, https and s3 URLs.
func ValidateSourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ErrInvalidSourceURL
	}
	switch u.Scheme {
	case "http", "https", "s3":
		return nil
	}
	return ErrInvalidSourceURL
}

// ProgressEvent is published for live progress consumers.
type ProgressEvent struct {
	JobID           string    `json:"jobId"`
	OwnerID         string    `json:"ownerId"`
	Status          JobStatus `json:"status"`
	Stage           string    `json:"stage,omitempty"`
	ProgressPercent int       `json:"progressPercent"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
