package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/vod-transcoder/internal/auth"
	"github.com/amillerrr/vod-transcoder/internal/config"
	"github.com/amillerrr/vod-transcoder/internal/metrics"
	"github.com/amillerrr/vod-transcoder/pkg/models"
)

var tracer = otel.Tracer("vod-api")

// Configuration constants
const (
	MaxIDLength        = 128
	MaxRequestBodySize = 1 << 20 // 1 MB
	DefaultListLimit   = 20
	MaxListLimit       = 100
	SSEKeepAlive       = 15 * time.Second
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// JobStore is the part of the job store the API reads and writes.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.TranscodeJob) error
	GetJob(ctx context.Context, jobID string) (*models.TranscodeJob, error)
	ListJobsByOwner(ctx context.Context, ownerID string, limit int) ([]models.TranscodeJob, error)
	GetOwner(ctx context.Context, ownerID string) (*models.Owner, error)
	SetOwnerStatus(ctx context.Context, ownerID string, status models.JobStatus) error
}

// JobPublisher enqueues transcode jobs.
type JobPublisher interface {
	Publish(ctx context.Context, msg models.JobMessage) error
}

// ProgressSource serves live progress events.
type ProgressSource interface {
	Latest(ctx context.Context, jobID string) (*models.ProgressEvent, error)
	Subscribe(ctx context.Context, jobID string) (<-chan models.ProgressEvent, error)
}

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	cfg         *config.Config
	log         *slog.Logger
	store       JobStore
	publisher   JobPublisher
	progress    ProgressSource
	jwtService  *auth.JWTService
	rateLimiter *auth.RateLimiter
}

// HandlersConfig holds dependencies for handlers. Progress is optional.
type HandlersConfig struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       JobStore
	Publisher   JobPublisher
	Progress    ProgressSource
	JWTService  *auth.JWTService
	RateLimiter *auth.RateLimiter
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handlers{
		cfg:         cfg.Config,
		log:         log,
		store:       cfg.Store,
		publisher:   cfg.Publisher,
		progress:    cfg.Progress,
		jwtService:  cfg.JWTService,
		rateLimiter: cfg.RateLimiter,
	}
}

// writeJSON writes a JSON response.
func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// limitRequestBody wraps the request body with a size limit.
func (h *Handlers) limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
}

// LoginHandler handles user authentication and returns a JWT token.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := auth.GetClientIP(r)

	if retryAfter := h.rateLimiter.RetryAfter(clientIP); retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		h.writeError(ctx, w, http.StatusTooManyRequests, "Too many failed attempts")
		return
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		h.writeError(ctx, w, http.StatusUnauthorized, "Missing credentials")
		return
	}

	expectedUsername, expectedPassword, err := h.cfg.GetAPICredentials()
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to get API credentials", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Server configuration error")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(expectedUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(expectedPassword)) == 1
	if !userOK || !passOK {
		h.rateLimiter.RecordFailure(clientIP)
		metrics.AuthFailures.WithLabelValues("bad_credentials").Inc()
		h.log.WarnContext(ctx, "Failed login attempt", "username", username, "ip", clientIP)
		h.writeError(ctx, w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.jwtService.GenerateToken(username)
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to generate token", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	h.rateLimiter.Reset(clientIP)
	h.log.InfoContext(ctx, "Successful login", "username", username, "ip", clientIP)
	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"token": token})
}

// CreateJobRequest is the request payload for enqueueing a transcode.
type CreateJobRequest struct {
	JobID     string `json:"jobId,omitempty"`
	OwnerID   string `json:"ownerId"`
	SourceURL string `json:"sourceUrl"`
}

// CreateJobResponse is the response payload for an enqueued transcode.
type CreateJobResponse struct {
	JobID   string           `json:"jobId"`
	OwnerID string           `json:"ownerId"`
	Status  models.JobStatus `json:"status"`
}

// CreateJobHandler records a pending job and enqueues it. Posting an id
// that is still pending enqueues it again, so a client may safely retry
// after a failed publish.
func (h *Handlers) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	h.limitRequestBody(w, r)

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.writeError(ctx, w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.JobID == "" {
		req.JobID = uuid.New().String()
	}

	msg := models.JobMessage{JobID: req.JobID, OwnerID: req.OwnerID, SourceURL: req.SourceURL}
	if err := validateJobMessage(msg); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, span := tracer.Start(ctx, "create-job-handler",
		trace.WithAttributes(
			attribute.String("job.id", msg.JobID),
			attribute.String("owner.id", msg.OwnerID),
		))
	defer span.End()

	job := &models.TranscodeJob{ID: msg.JobID, OwnerID: msg.OwnerID, SourceURL: msg.SourceURL}
	if err := h.store.CreateJob(ctx, job); err != nil {
		if !errors.Is(err, models.ErrJobExists) {
			span.RecordError(err)
			h.log.ErrorContext(ctx, "Failed to create job", "jobId", msg.JobID, "error", err)
			h.writeError(ctx, w, http.StatusInternalServerError, "Failed to create job")
			return
		}
		existing, err := h.store.GetJob(ctx, msg.JobID)
		if err != nil {
			span.RecordError(err)
			h.log.ErrorContext(ctx, "Failed to load existing job", "jobId", msg.JobID, "error", err)
			h.writeError(ctx, w, http.StatusInternalServerError, "Failed to create job")
			return
		}
		if existing.Status != models.StatusPending || existing.OwnerID != msg.OwnerID || existing.SourceURL != msg.SourceURL {
			h.writeError(ctx, w, http.StatusConflict, "Job already exists")
			return
		}
		job = existing
	}

	if err := h.store.SetOwnerStatus(ctx, msg.OwnerID, models.StatusPending); err != nil {
		h.log.WarnContext(ctx, "Failed to mark owner pending", "ownerId", msg.OwnerID, "error", err)
	}

	if err := h.publisher.Publish(ctx, msg); err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to queue transcode job", "jobId", msg.JobID, "error", err)
		h.writeError(ctx, w, http.StatusServiceUnavailable, "Failed to queue job")
		return
	}

	metrics.JobsEnqueued.Inc()
	requestedBy := ""
	if claims, ok := auth.GetClaimsFromContext(ctx); ok {
		requestedBy = claims.Username
	}
	h.log.InfoContext(ctx, "Transcode job queued", "jobId", msg.JobID, "ownerId", msg.OwnerID, "requestedBy", requestedBy)

	w.Header().Set("Location", "/jobs/"+msg.JobID)
	h.writeJSON(ctx, w, http.StatusAccepted, CreateJobResponse{
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		Status:  job.Status,
	})
}

// GetJobHandler returns a job record.
func (h *Handlers) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")
	if err := validateID("job id", jobID); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		h.storeError(ctx, w, err, "Failed to retrieve job")
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, job)
}

// GetOwnerHandler returns an owner's processing status and published URLs.
func (h *Handlers) GetOwnerHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := r.PathValue("id")
	if err := validateID("owner id", ownerID); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	owner, err := h.store.GetOwner(ctx, ownerID)
	if err != nil {
		h.storeError(ctx, w, err, "Failed to retrieve owner")
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, owner)
}

// ListOwnerJobsHandler returns an owner's jobs, newest first.
func (h *Handlers) ListOwnerJobsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := r.PathValue("id")
	if err := validateID("owner id", ownerID); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := h.store.ListJobsByOwner(ctx, ownerID, limit)
	if err != nil {
		h.storeError(ctx, w, err, "Failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []models.TranscodeJob{}
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]any{"jobs": jobs})
}

// JobEventsHandler streams a job's progress as server-sent events until the
// job reaches a terminal status or the client goes away.
func (h *Handlers) JobEventsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.progress == nil {
		h.writeError(ctx, w, http.StatusNotImplemented, "Live progress is not enabled")
		return
	}

	jobID := r.PathValue("id")
	if err := validateID("job id", jobID); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		h.storeError(ctx, w, err, "Failed to retrieve job")
		return
	}

	// Subscribe before reading the latest event so nothing falls between.
	events, err := h.progress.Subscribe(ctx, jobID)
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to subscribe to progress", "jobId", jobID, "error", err)
		h.writeError(ctx, w, http.StatusServiceUnavailable, "Live progress unavailable")
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	first := models.ProgressEvent{
		JobID:           job.ID,
		OwnerID:         job.OwnerID,
		Status:          job.Status,
		ProgressPercent: job.ProgressPercent,
		Timestamp:       job.UpdatedAt,
	}
	if job.ErrorMessage != nil {
		first.ErrorMessage = *job.ErrorMessage
	}
	if latest, err := h.progress.Latest(ctx, jobID); err == nil && !latest.Timestamp.Before(job.UpdatedAt) {
		first = *latest
	}
	if err := writeEvent(w, rc, first); err != nil || first.Status.IsTerminal() {
		return
	}

	keepAlive := time.NewTicker(SSEKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, rc, ev); err != nil || ev.Status.IsTerminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, ev models.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

func (h *Handlers) storeError(ctx context.Context, w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		h.writeError(ctx, w, http.StatusNotFound, "Job not found")
	case errors.Is(err, models.ErrOwnerNotFound):
		h.writeError(ctx, w, http.StatusNotFound, "Owner not found")
	default:
		h.log.ErrorContext(ctx, message, "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, message)
	}
}

// Validation functions

func validateJobMessage(msg models.JobMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := validateID("jobId", msg.JobID); err != nil {
		return err
	}
	return validateID("ownerId", msg.OwnerID)
}

func validateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s must be at most %d characters", field, MaxIDLength)
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("%s may only contain letters, digits, '-' and '_'", field)
	}
	return nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return DefaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(limit, MaxListLimit), nil
}
