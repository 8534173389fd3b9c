package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job outcomes used as the "outcome" label of JobsProcessed.
const (
	OutcomeCompleted    = "completed"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeSkipped      = "skipped"
)

// Worker metrics
var (
	// JobsProcessed counts job attempts by outcome.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "jobs_processed_total",
			Help:      "Total number of transcode job attempts by outcome",
		},
		[]string{"outcome"},
	)

	// ProcessingDuration tracks the wall time of a whole attempt.
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "job_processing_duration_seconds",
			Help:      "Time taken to process a transcode job attempt",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"status"},
	)

	// StageDuration tracks each orchestrator stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "job_stage_duration_seconds",
			Help:      "Time spent in each pipeline stage",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	// ActiveJobs tracks the number of currently processing jobs.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vod",
			Name:      "active_jobs",
			Help:      "Number of currently processing jobs",
		},
	)

	// DownloadDuration tracks the time taken to fetch the source asset.
	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "source_download_duration_seconds",
			Help:      "Time taken to download source videos",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// UploadDuration tracks the time taken to upload an HLS tree.
	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "hls_upload_duration_seconds",
			Help:      "Time taken to upload HLS files to object storage",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// UploadedBytes counts bytes written to object storage.
	UploadedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "hls_uploaded_bytes_total",
			Help:      "Total bytes uploaded to object storage",
		},
	)

	// TranscodeDuration tracks the time taken for the whole ladder.
	TranscodeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "transcode_duration_seconds",
			Help:      "Time taken to encode every rendition of a job",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200},
		},
	)

	// RenditionDuration tracks each rendition encode.
	RenditionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "rendition_encode_duration_seconds",
			Help:      "Time taken to encode a single rendition",
			Buckets:   []float64{5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"rendition"},
	)

	// ThumbnailFailures counts thumbnails that could not be extracted.
	ThumbnailFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "thumbnail_failures_total",
			Help:      "Total number of thumbnail extraction failures",
		},
	)

	// PersistenceFailures counts status writes that failed.
	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "persistence_failures_total",
			Help:      "Total number of failed job or owner status writes",
		},
		[]string{"operation"},
	)

	// SourceDuration records the duration of processed sources.
	SourceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "source_media_duration_seconds",
			Help:      "Duration of source media",
			Buckets:   []float64{30, 60, 300, 600, 1800, 3600, 7200},
		},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts authentication failures by type.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	// JobsEnqueued counts jobs accepted by the API.
	JobsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of transcode jobs enqueued",
		},
	)
)

// RecordOutcome records the result of a job attempt.
func RecordOutcome(outcome string) {
	JobsProcessed.WithLabelValues(outcome).Inc()
}

// RecordPersistenceFailure records a failed status write.
func RecordPersistenceFailure(operation string) {
	PersistenceFailures.WithLabelValues(operation).Inc()
}
