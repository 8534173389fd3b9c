package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amillerrr/vod-transcoder/pkg/models"
)

func TestWorkspaceManager_CreateIsUniquePerAttempt(t *testing.T) {
	m := NewWorkspaceManager(filepath.Join(t.TempDir(), "work"), 0)

	first, err := m.Create(context.Background(), "job-1")
	require.NoError(t, err)
	second, err := m.Create(context.Background(), "job-1")
	require.NoError(t, err)

	assert.NotEqual(t, first.Dir, second.Dir)
	assert.DirExists(t, first.OutputDir())
	assert.DirExists(t, second.OutputDir())
	assert.Equal(t, filepath.Join(first.Dir, "out", "thumb.jpg"), first.ThumbnailPath())
	assert.Equal(t, filepath.Join(first.Dir, "source.mp4"), first.SourcePath(".mp4"))

	require.NoError(t, first.Remove())
	assert.NoDirExists(t, first.Dir)
	assert.DirExists(t, second.Dir)
}

func TestWorkspaceManager_SanitizesJobID(t *testing.T) {
	m := NewWorkspaceManager(filepath.Join(t.TempDir(), "work"), 0)

	ws, err := m.Create(context.Background(), "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, m.Root(), filepath.Dir(ws.Dir))
}

func TestWorkspaceManager_InsufficientDisk(t *testing.T) {
	m := NewWorkspaceManager(filepath.Join(t.TempDir(), "work"), 10<<30)
	m.usage = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, Free: 1 << 20}, nil
	}

	_, err := m.Create(context.Background(), "job-1")
	assert.ErrorIs(t, err, models.ErrInsufficientDisk)

	entries, err := os.ReadDir(m.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWorkspaceManager_SweepStale(t *testing.T) {
	root := filepath.Join(t.TempDir(), "work")
	m := NewWorkspaceManager(root, 0)

	stale, err := m.Create(context.Background(), "old")
	require.NoError(t, err)
	fresh, err := m.Create(context.Background(), "new")
	require.NoError(t, err)
	other := filepath.Join(root, "keep-me")
	require.NoError(t, os.Mkdir(other, 0755))

	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(stale.Dir, old, old))
	require.NoError(t, os.Chtimes(other, old, old))

	removed, err := m.SweepStale(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, stale.Dir)
	assert.DirExists(t, fresh.Dir)
	assert.DirExists(t, other)
}

func TestWorkspaceManager_SweepMissingRoot(t *testing.T) {
	m := NewWorkspaceManager(filepath.Join(t.TempDir(), "absent"), 0)
	removed, err := m.SweepStale(time.Minute)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
