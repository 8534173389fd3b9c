// Package media wraps the ffprobe and ffmpeg command line tools.
package media

import (
	"context"
	"fmt"
	"strings"
)

// ProgressFunc receives the encoder position in seconds of output media.
type ProgressFunc func(seconds float64)

// MediaTool is the subprocess boundary used by the inspector, transcoder and
// thumbnail extractor. Tests substitute a fake.
type MediaTool interface {
	// Probe returns the container and stream description of the file at path.
	Probe(ctx context.Context, path string) (*ProbeResult, error)
	// Encode runs the encoder with args, reporting timecodes to onProgress.
	Encode(ctx context.Context, args []string, onProgress ProgressFunc) error
}

// ProbeResult mirrors the JSON emitted by ffprobe -show_format -show_streams.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat holds container level fields. ffprobe encodes numbers as strings.
type ProbeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// ProbeStream holds per-stream fields.
type ProbeStream struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

// ExitError is returned when a tool exits unsuccessfully. Stderr holds the
// tail of the tool's diagnostic output.
type ExitError struct {
	Tool   string
	Err    error
	Stderr []string
}

func (e *ExitError) Error() string {
	if len(e.Stderr) == 0 {
		return fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Tool, e.Err, e.Stderr[len(e.Stderr)-1])
}

func (e *ExitError) Unwrap() error { return e.Err }

// Tail returns the retained stderr lines joined by newlines.
func (e *ExitError) Tail() string {
	return strings.Join(e.Stderr, "\n")
}
