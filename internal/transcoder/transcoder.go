package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/amillerrr/vod-transcoder/internal/media"
	"github.com/amillerrr/vod-transcoder/internal/metrics"
	"github.com/amillerrr/vod-transcoder/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// HLSSegmentDuration is the duration of each HLS segment in seconds.
	HLSSegmentDuration = 6
)

var tracer = otel.Tracer("vod-transcoder")

// ProgressFunc receives overall ladder progress as a fraction in [0, 1].
type ProgressFunc func(fraction float64)

// Transcoder encodes a source file into an HLS rendition ladder.
type Transcoder struct {
	tool   media.MediaTool
	logger *slog.Logger
}

// NewTranscoder creates a new Transcoder.
func NewTranscoder(tool media.MediaTool, logger *slog.Logger) *Transcoder {
	return &Transcoder{tool: tool, logger: logger}
}

// TranscodeToRenditions encodes inputPath once per rendition, in ladder order,
// into outputDir/<name>/, then writes outputDir/master.m3u8. The first
// failing rendition aborts the ladder and no master playlist is written.
//
// onProgress sees non-decreasing values; the end of rendition i reports
// exactly (i+1)/len(ladder). durationSeconds scales encoder timecodes, and a
// non-positive duration limits reports to rendition boundaries.
func (t *Transcoder) TranscodeToRenditions(ctx context.Context, inputPath, outputDir string, ladder []Rendition, durationSeconds float64, onProgress ProgressFunc) error {
	ctx, span := tracer.Start(ctx, "transcode-renditions")
	defer span.End()

	if err := ValidateLadder(ladder); err != nil {
		return fmt.Errorf("%w: %v", models.ErrTranscodeFailed, err)
	}

	start := time.Now()
	report := monotonic(onProgress)
	report(0)

	n := float64(len(ladder))
	for i, r := range ladder {
		renditionStart := time.Now()
		err := t.encodeRendition(ctx, inputPath, outputDir, r, func(seconds float64) {
			if durationSeconds <= 0 {
				return
			}
			report((float64(i) + clamp(seconds/durationSeconds)) / n)
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rendition failed")
			span.SetAttributes(attribute.String("rendition.failed", r.Name))
			return &models.TranscodeError{Rendition: r.Name, Err: err}
		}
		metrics.RenditionDuration.WithLabelValues(r.Name).Observe(time.Since(renditionStart).Seconds())
		report(float64(i+1) / n)

		if t.logger != nil {
			t.logger.InfoContext(ctx, "Rendition encoded",
				"rendition", r.Name,
				"duration_ms", time.Since(renditionStart).Milliseconds(),
			)
		}
	}

	if err := GenerateMasterPlaylist(outputDir, ladder); err != nil {
		return fmt.Errorf("%w: failed to generate master playlist: %v", models.ErrTranscodeFailed, err)
	}
	if _, err := VerifyMasterPlaylist(outputDir); err != nil {
		return fmt.Errorf("%w: %v", models.ErrTranscodeFailed, err)
	}

	metrics.TranscodeDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("renditions", len(ladder)))
	return nil
}

func (t *Transcoder) encodeRendition(ctx context.Context, inputPath, outputDir string, r Rendition, onProgress media.ProgressFunc) error {
	ctx, span := tracer.Start(ctx, "encode-rendition")
	defer span.End()
	span.SetAttributes(
		attribute.String("rendition", r.Name),
		attribute.Int("bitrate", r.VideoBitrate),
	)

	dir := filepath.Join(outputDir, r.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create rendition dir %s: %w", r.Name, err)
	}

	return t.tool.Encode(ctx, BuildRenditionArgs(inputPath, dir, r), onProgress)
}

// BuildRenditionArgs constructs the ffmpeg arguments that encode one rendition
// into dir. Sources of any aspect ratio are letterboxed into the frame.
func BuildRenditionArgs(inputPath, dir string, r Rendition) []string {
	scale := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1",
		r.Width, r.Height, r.Width, r.Height,
	)
	return []string{
		"-y",
		"-i", inputPath,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-vf", scale,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-profile:v", "main",
		"-b:v", strconv.Itoa(r.VideoBitrate),
		"-maxrate", strconv.Itoa(r.VideoBitrate),
		"-bufsize", strconv.Itoa(r.BufSize()),
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", HLSSegmentDuration),
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", strconv.Itoa(r.AudioBitrate),
		"-ac", "2",
		"-f", "hls",
		"-hls_time", strconv.Itoa(HLSSegmentDuration),
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(dir, "seg_%03d.ts"),
		filepath.Join(dir, RenditionPlaylistName),
	}
}

// monotonic drops reports that would move progress backwards.
func monotonic(fn ProgressFunc) ProgressFunc {
	last := -1.0
	return func(v float64) {
		if fn == nil || v <= last {
			return
		}
		last = v
		fn(v)
	}
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
