package transcoder

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/amillerrr/vod-transcoder/internal/media"
	"github.com/amillerrr/vod-transcoder/pkg/models"
)

const (
	// ThumbnailName is the poster frame written into the upload root.
	ThumbnailName = "thumb.jpg"

	thumbnailWidth     = 320
	thumbnailHeight    = 180
	maxThumbnailOffset = 5.0
)

// ThumbnailExtractor grabs a single poster frame from a source video.
type ThumbnailExtractor struct {
	tool media.MediaTool
}

// NewThumbnailExtractor creates a ThumbnailExtractor.
func NewThumbnailExtractor(tool media.MediaTool) *ThumbnailExtractor {
	return &ThumbnailExtractor{tool: tool}
}

// ExtractThumbnail writes one JPEG frame taken at min(5s, duration/4) to outputPath.
func (e *ThumbnailExtractor) ExtractThumbnail(ctx context.Context, inputPath, outputPath string, durationSeconds float64) error {
	ctx, span := tracer.Start(ctx, "extract-thumbnail")
	defer span.End()

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", models.ErrThumbnailFailed, err)
	}

	args := BuildThumbnailArgs(inputPath, outputPath, ThumbnailOffset(durationSeconds))
	if err := e.tool.Encode(ctx, args, nil); err != nil {
		return fmt.Errorf("%w: %v", models.ErrThumbnailFailed, err)
	}
	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("%w: no frame written: %v", models.ErrThumbnailFailed, err)
	}
	return nil
}

// ThumbnailOffset is the capture instant in seconds for a video of the given duration.
func ThumbnailOffset(durationSeconds float64) float64 {
	if durationSeconds <= 0 {
		return 0
	}
	return math.Min(maxThumbnailOffset, durationSeconds/4)
}

// BuildThumbnailArgs constructs the ffmpeg arguments for a single poster frame.
func BuildThumbnailArgs(inputPath, outputPath string, offsetSeconds float64) []string {
	return []string{
		"-y",
		"-ss", strconv.FormatFloat(offsetSeconds, 'f', 3, 64),
		"-i", inputPath,
		"-frames:v", "1",
		"-vf", fmt.Sprintf(
			"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
			thumbnailWidth, thumbnailHeight, thumbnailWidth, thumbnailHeight,
		),
		"-q:v", "3",
		outputPath,
	}
}
