package transcoder

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// MasterPlaylistName is the file clients open first.
	MasterPlaylistName = "master.m3u8"
	// RenditionPlaylistName is the media playlist inside each rendition directory.
	RenditionPlaylistName = "playlist.m3u8"
)

// Variant is one #EXT-X-STREAM-INF entry of a master playlist.
type Variant struct {
	Bandwidth int
	Width     int
	Height    int
	URI       string
}

// GenerateMasterPlaylist creates the master HLS playlist file.
func GenerateMasterPlaylist(hlsDir string, ladder []Rendition) error {
	var builder strings.Builder
	builder.WriteString("#EXTM3U\n")
	builder.WriteString("#EXT-X-VERSION:3\n")

	for _, r := range ladder {
		builder.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n",
			r.Bandwidth(), r.Width, r.Height))
		builder.WriteString(path.Join(r.Name, RenditionPlaylistName) + "\n")
	}

	return os.WriteFile(filepath.Join(hlsDir, MasterPlaylistName), []byte(builder.String()), 0644)
}

// ParseMasterPlaylist reads the variants of a master playlist in order.
func ParseMasterPlaylist(r io.Reader) ([]Variant, error) {
	scanner := bufio.NewScanner(r)

	var (
		variants []Variant
		pending  *Variant
		first    = true
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if first {
			if line != "#EXTM3U" {
				return nil, fmt.Errorf("missing #EXTM3U header")
			}
			first = false
			continue
		}
		switch {
		case line == "":
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			v, err := parseStreamInf(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			if err != nil {
				return nil, err
			}
			pending = &v
		case strings.HasPrefix(line, "#"):
		default:
			if pending == nil {
				return nil, fmt.Errorf("uri %q without #EXT-X-STREAM-INF", line)
			}
			pending.URI = line
			variants = append(variants, *pending)
			pending = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if first {
		return nil, fmt.Errorf("empty playlist")
	}
	if pending != nil {
		return nil, fmt.Errorf("#EXT-X-STREAM-INF without uri")
	}
	return variants, nil
}

func parseStreamInf(attrs string) (Variant, error) {
	var v Variant
	for _, attr := range strings.Split(attrs, ",") {
		key, value, ok := strings.Cut(attr, "=")
		if !ok {
			continue
		}
		switch key {
		case "BANDWIDTH":
			bw, err := strconv.Atoi(value)
			if err != nil {
				return v, fmt.Errorf("invalid BANDWIDTH %q", value)
			}
			v.Bandwidth = bw
		case "RESOLUTION":
			w, h, ok := strings.Cut(value, "x")
			if !ok {
				return v, fmt.Errorf("invalid RESOLUTION %q", value)
			}
			var err error
			if v.Width, err = strconv.Atoi(w); err != nil {
				return v, fmt.Errorf("invalid RESOLUTION %q", value)
			}
			if v.Height, err = strconv.Atoi(h); err != nil {
				return v, fmt.Errorf("invalid RESOLUTION %q", value)
			}
		}
	}
	if v.Bandwidth == 0 {
		return v, fmt.Errorf("#EXT-X-STREAM-INF missing BANDWIDTH")
	}
	return v, nil
}

// VerifyMasterPlaylist checks that every playlist referenced by the master
// playlist in hlsDir exists on disk.
func VerifyMasterPlaylist(hlsDir string) ([]Variant, error) {
	f, err := os.Open(filepath.Join(hlsDir, MasterPlaylistName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	variants, err := ParseMasterPlaylist(f)
	if err != nil {
		return nil, fmt.Errorf("invalid master playlist: %w", err)
	}
	for _, v := range variants {
		if _, err := os.Stat(filepath.Join(hlsDir, filepath.FromSlash(v.URI))); err != nil {
			return nil, fmt.Errorf("master playlist references missing %s: %w", v.URI, err)
		}
	}
	return variants, nil
}
