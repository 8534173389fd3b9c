package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/amillerrr/vod-transcoder/pkg/models"
)

const workspacePrefix = "job-"

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Workspace is the private scratch directory of one job attempt.
type Workspace struct {
	Dir string
}

// SourcePath is where the downloaded source is stored.
func (w *Workspace) SourcePath(ext string) string {
	return filepath.Join(w.Dir, "source"+ext)
}

// OutputDir is the root of the tree that gets uploaded.
func (w *Workspace) OutputDir() string {
	return filepath.Join(w.Dir, "out")
}

// ThumbnailPath is the poster frame location inside the upload tree.
func (w *Workspace) ThumbnailPath() string {
	return filepath.Join(w.OutputDir(), "thumb.jpg")
}

// Remove deletes the workspace and everything in it.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Dir)
}

// WorkspaceManager creates per-attempt workspaces under a temp root.
type WorkspaceManager struct {
	root         string
	minFreeBytes uint64
	usage        func(ctx context.Context, path string) (*disk.UsageStat, error)
}

// NewWorkspaceManager creates a WorkspaceManager. When minFreeBytes is set,
// Create refuses to start a job on a volume with less free space.
func NewWorkspaceManager(root string, minFreeBytes uint64) *WorkspaceManager {
	if root == "" {
		root = filepath.Join(os.TempDir(), "vod-transcoder")
	}
	return &WorkspaceManager{
		root:         root,
		minFreeBytes: minFreeBytes,
		usage:        disk.UsageWithContext,
	}
}

// Root returns the directory that holds all workspaces.
func (m *WorkspaceManager) Root() string {
	return m.root
}

// Create makes a new workspace for jobID. Every call returns a distinct
// directory, so concurrent or repeated attempts of one job never collide.
func (m *WorkspaceManager) Create(ctx context.Context, jobID string) (*Workspace, error) {
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	if m.minFreeBytes > 0 {
		stat, err := m.usage(ctx, m.root)
		if err != nil {
			return nil, fmt.Errorf("failed to check free disk space: %w", err)
		}
		if stat.Free < m.minFreeBytes {
			return nil, fmt.Errorf("%w: %d bytes free under %s, need %d",
				models.ErrInsufficientDisk, stat.Free, m.root, m.minFreeBytes)
		}
	}

	dir, err := os.MkdirTemp(m.root, workspacePrefix+unsafeIDChars.ReplaceAllString(jobID, "_")+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	ws := &Workspace{Dir: dir}
	if err := os.MkdirAll(ws.OutputDir(), 0755); err != nil {
		_ = ws.Remove()
		return nil, fmt.Errorf("failed to create workspace output dir: %w", err)
	}
	return ws, nil
}

// SweepStale removes workspaces left behind by a crashed process that are
// older than maxAge. It returns how many were removed.
func (m *WorkspaceManager) SweepStale(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), workspacePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
