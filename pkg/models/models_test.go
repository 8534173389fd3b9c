package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_IsValid(t *testing.T) {
	for _, s := range []JobStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		assert.True(t, s.IsValid(), s)
	}
	assert.False(t, JobStatus("queued").IsValid())
	assert.False(t, JobStatus("").IsValid())
}

func TestJobMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     JobMessage
		wantErr error
	}{
		{"valid https", JobMessage{JobID: "j1", OwnerID: "l1", SourceURL: "https://cdn.example.com/raw/a.mp4"}, nil},
		{"valid s3", JobMessage{JobID: "j1", OwnerID: "l1", SourceURL: "s3://raw-bucket/uploads/a.mov"}, nil},
		{"missing job", JobMessage{OwnerID: "l1", SourceURL: "https://x/a.mp4"}, ErrMissingJobID},
		{"missing owner", JobMessage{JobID: "j1", SourceURL: "https://x/a.mp4"}, ErrMissingOwnerID},
		{"missing source", JobMessage{JobID: "j1", OwnerID: "l1"}, ErrMissingSourceURL},
		{"bad scheme", JobMessage{JobID: "j1", OwnerID: "l1", SourceURL: "file:///etc/passwd"}, ErrInvalidSourceURL},
		{"relative", JobMessage{JobID: "j1", OwnerID: "l1", SourceURL: "/raw/a.mp4"}, ErrInvalidSourceURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTranscodeError(t *testing.T) {
	err := fmt.Errorf("job j1: %w", &TranscodeError{Rendition: "480p", Err: errors.New("exit status 1")})

	assert.ErrorIs(t, err, ErrTranscodeFailed)
	var te *TranscodeError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, "480p", te.Rendition)
	assert.Contains(t, err.Error(), "rendition 480p")
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(ErrDownloadFailed))

	err := fmt.Errorf("wrapped: %w", Permanent(ErrJobNotFound))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrJobNotFound)
}
