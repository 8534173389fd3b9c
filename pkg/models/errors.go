package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for transcode jobs.
var (
	// Validation errors
	ErrMissingJobID     = errors.New("jobId is required")
	ErrMissingOwnerID   = errors.New("ownerId is required")
	ErrMissingSourceURL = errors.New("sourceUrl is required")
	ErrInvalidSourceURL = errors.New("sourceUrl must be an http, https or s3 URL")
	ErrInvalidMessage   = errors.New("invalid job message")

	// Stage errors
	ErrDownloadFailed    = errors.New("failed to download source")
	ErrProbeFailed       = errors.New("failed to probe media")
	ErrTranscodeFailed   = errors.New("failed to transcode video")
	ErrThumbnailFailed   = errors.New("failed to extract thumbnail")
	ErrUploadFailed      = errors.New("failed to upload HLS files")
	ErrPersistenceFailed = errors.New("failed to persist job state")
	ErrInsufficientDisk  = errors.New("insufficient free disk space")

	// Storage errors
	ErrJobNotFound         = errors.New("job not found")
	ErrOwnerNotFound       = errors.New("owner not found")
	ErrJobExists           = errors.New("job already exists")
	ErrJobAlreadyClaimed   = errors.New("job is claimed by another attempt")
	ErrJobAlreadyCompleted = errors.New("job already completed")
	ErrStaleAttempt        = errors.New("attempt no longer owns the job")
	ErrInvalidStatus       = errors.New("invalid job status")
)

// TranscodeError reports which rendition of the ladder failed.
type TranscodeError struct {
	Rendition string
	Err       error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("%v: rendition %s: %v", ErrTranscodeFailed, e.Rendition, e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTranscodeFailed) match any rendition failure.
func (e *TranscodeError) Is(target error) bool {
	return target == ErrTranscodeFailed
}

// PermanentError marks a failure that redelivery cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the worker runtime gives up on the job instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
