package media

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/amillerrr/vod-transcoder/pkg/models"
)

// Metadata is the subset of probe output the pipeline cares about.
type Metadata struct {
	DurationSeconds float64
	Width           int
	Height          int
	VideoCodec      string
	HasAudio        bool
}

// Inspector reads media metadata through a MediaTool.
type Inspector struct {
	tool MediaTool
}

// NewInspector creates an Inspector.
func NewInspector(tool MediaTool) *Inspector {
	return &Inspector{tool: tool}
}

// ProbeDuration returns the container duration of the file in seconds.
func (i *Inspector) ProbeDuration(ctx context.Context, path string) (float64, error) {
	md, err := i.Inspect(ctx, path)
	if err != nil {
		return 0, err
	}
	return md.DurationSeconds, nil
}

// Inspect probes the file and summarizes its first video and audio streams.
// A file without a usable duration is rejected.
func (i *Inspector) Inspect(ctx context.Context, path string) (*Metadata, error) {
	result, err := i.tool.Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrProbeFailed, err)
	}

	duration, err := parseDuration(result.Format.Duration)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrProbeFailed, err)
	}

	md := &Metadata{DurationSeconds: duration}
	for _, s := range result.Streams {
		switch s.CodecType {
		case "video":
			if md.VideoCodec == "" {
				md.VideoCodec = s.CodecName
				md.Width = s.Width
				md.Height = s.Height
			}
		case "audio":
			md.HasAudio = true
		}
	}
	return md, nil
}

func parseDuration(raw string) (float64, error) {
	if raw == "" || raw == "N/A" {
		return 0, errors.New("duration missing from probe output")
	}
	d, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}
