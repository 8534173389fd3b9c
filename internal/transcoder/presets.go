package transcoder

import (
	"errors"
	"fmt"
	"strings"
)

// Rendition defines the encoding parameters of one ladder entry.
// Bitrates are in bits per second.
type Rendition struct {
	Name         string
	Width        int
	Height       int
	VideoBitrate int
	AudioBitrate int
}

// Bandwidth is the peak rate advertised for the rendition in the master playlist.
func (r Rendition) Bandwidth() int {
	return r.VideoBitrate + r.AudioBitrate
}

// BufSize is the rate control buffer, twice the target bitrate.
func (r Rendition) BufSize() int {
	return 2 * r.VideoBitrate
}

// DefaultLadder is ordered lowest quality first.
var DefaultLadder = []Rendition{
	{Name: "360p", Width: 640, Height: 360, VideoBitrate: 800_000, AudioBitrate: 96_000},
	{Name: "480p", Width: 854, Height: 480, VideoBitrate: 1_400_000, AudioBitrate: 128_000},
	{Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2_800_000, AudioBitrate: 128_000},
	{Name: "1080p", Width: 1920, Height: 1080, VideoBitrate: 5_000_000, AudioBitrate: 192_000},
}

// ValidateLadder checks that a ladder is non-empty, uniquely named and
// ascending in bitrate.
func ValidateLadder(ladder []Rendition) error {
	if len(ladder) == 0 {
		return errors.New("rendition ladder is empty")
	}
	seen := make(map[string]struct{}, len(ladder))
	for i, r := range ladder {
		if r.Name == "" || strings.ContainsAny(r.Name, `/\`) {
			return fmt.Errorf("rendition %d has invalid name %q", i, r.Name)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("duplicate rendition %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		if r.Width <= 0 || r.Height <= 0 || r.VideoBitrate <= 0 || r.AudioBitrate <= 0 {
			return fmt.Errorf("rendition %q has non-positive dimensions or bitrate", r.Name)
		}
		if i > 0 && r.VideoBitrate <= ladder[i-1].VideoBitrate {
			return fmt.Errorf("rendition %q is not above %q in bitrate", r.Name, ladder[i-1].Name)
		}
	}
	return nil
}

// GetRenditionByName returns the rendition matching the given name, or nil if not found.
func GetRenditionByName(ladder []Rendition, name string) *Rendition {
	for i := range ladder {
		if ladder[i].Name == name {
			return &ladder[i]
		}
	}
	return nil
}

// SelectLadder picks the named renditions out of DefaultLadder, keeping
// ladder order. An empty selection returns the whole default ladder.
func SelectLadder(names []string) ([]Rendition, error) {
	if len(names) == 0 {
		return append([]Rendition(nil), DefaultLadder...), nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		if GetRenditionByName(DefaultLadder, n) == nil {
			return nil, fmt.Errorf("unknown rendition %q", n)
		}
		wanted[n] = true
	}
	ladder := make([]Rendition, 0, len(wanted))
	for _, r := range DefaultLadder {
		if wanted[r.Name] {
			ladder = append(ladder, r)
		}
	}
	return ladder, nil
}
