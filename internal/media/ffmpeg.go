package media

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const stderrTailLines = 20

var tracer = otel.Tracer("vod-media")

// FFmpeg runs the real ffmpeg and ffprobe binaries.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
	Logger      *slog.Logger
}

// NewFFmpeg returns a MediaTool backed by the given binaries. Empty paths
// fall back to the names on $PATH.
func NewFFmpeg(ffmpegPath, ffprobePath string, logger *slog.Logger) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath, Logger: logger}
}

// Probe runs ffprobe in JSON mode against path.
func (f *FFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, span := tracer.Start(ctx, "ffprobe")
	defer span.End()

	cmd := exec.CommandContext(ctx, f.FFprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, &ExitError{Tool: "ffprobe", Err: err, Stderr: tailLines(stderr.String(), stderrTailLines)}
	}

	var result ProbeResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return &result, nil
}

// Encode runs ffmpeg with args. Timecodes found on stderr are passed to
// onProgress from the reader goroutine.
func (f *FFmpeg) Encode(ctx context.Context, args []string, onProgress ProgressFunc) error {
	ctx, span := tracer.Start(ctx, "ffmpeg-execute")
	defer span.End()

	fullArgs := append([]string{"-hide_banner", "-nostdin"}, args...)
	span.SetAttributes(attribute.Int("ffmpeg.args", len(fullArgs)))

	cmd := exec.CommandContext(ctx, f.FFmpegPath, fullArgs...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	var (
		wg   sync.WaitGroup
		tail []string
	)
	wg.Add(2)

	go func() {
		defer wg.Done()
		tail = f.monitorOutput(stderrPipe, onProgress)
	}()

	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.Discard, stdoutPipe)
	}()

	// Pipes must be drained before Wait closes them.
	wg.Wait()
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return &ExitError{Tool: "ffmpeg", Err: ctx.Err(), Stderr: tail}
		}
		return &ExitError{Tool: "ffmpeg", Err: err, Stderr: tail}
	}
	return nil
}

// monitorOutput scans ffmpeg stderr, forwarding progress and keeping the last
// lines for error reports.
func (f *FFmpeg) monitorOutput(r io.Reader, onProgress ProgressFunc) []string {
	scanner := bufio.NewScanner(r)
	scanner.Split(scanStatusLines)

	tail := make([]string, 0, stderrTailLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if seconds, ok := ParseProgressLine(line); ok {
			if onProgress != nil {
				onProgress(seconds)
			}
			continue
		}
		if strings.Contains(line, "rror") && f.Logger != nil {
			f.Logger.Warn("FFmpeg warning", "output", line)
		}
		if len(tail) == stderrTailLines {
			tail = tail[1:]
		}
		tail = append(tail, line)
	}
	if err := scanner.Err(); err != nil && f.Logger != nil {
		f.Logger.Warn("FFmpeg output scanner error", "error", err)
	}
	return tail
}

func tailLines(s string, n int) []string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
