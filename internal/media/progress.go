package media

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

// Matches both the stats line (time=00:01:02.50) and -progress output
// (out_time=00:01:02.500000).
var (
	timecodePattern = regexp.MustCompile(`(?:^|\s|out_)time=\s*(-?\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	timecodeExact   = regexp.MustCompile(`^(-?\d+):(\d{2}):(\d{2}(?:\.\d+)?)$`)
)

// ParseTimecode converts HH:MM:SS(.frac) to seconds.
func ParseTimecode(tc string) (float64, bool) {
	m := timecodeExact.FindStringSubmatch(tc)
	if m == nil {
		return 0, false
	}
	return timecodeSeconds(m[1], m[2], m[3])
}

// ParseProgressLine extracts the encoder position from one line of ffmpeg
// stderr. Lines without a timecode, and negative timecodes emitted before the
// first frame, report false.
func ParseProgressLine(line string) (float64, bool) {
	m := timecodePattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	return timecodeSeconds(m[1], m[2], m[3])
}

func timecodeSeconds(h, m, s string) (float64, bool) {
	if strings.HasPrefix(h, "-") {
		return 0, false
	}
	hours, err := strconv.Atoi(h)
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return float64(hours*3600+minutes*60) + seconds, true
}

// scanStatusLines is a bufio.SplitFunc that treats \r as a line break too,
// since ffmpeg rewrites its stats line in place.
func scanStatusLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
