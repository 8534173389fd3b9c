package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amillerrr/vod-transcoder/pkg/models"
)

type fakeGetObject struct {
	bucket, key string
	body        string
	err         error
}

func (f *fakeGetObject) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.bucket, f.key = aws.ToString(params.Bucket), aws.ToString(params.Key)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := NewWorkspaceManager(filepath.Join(t.TempDir(), "work"), 0).Create(context.Background(), "job")
	require.NoError(t, err)
	return ws
}

func TestDownloader_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok/clip.MOV":
			_, _ = w.Write([]byte("movie-bytes"))
		case "/missing.mp4":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	d := NewDownloader(srv.Client(), nil, nil)

	t.Run("success keeps extension", func(t *testing.T) {
		ws := newTestWorkspace(t)
		path, err := d.Download(context.Background(), srv.URL+"/ok/clip.MOV", ws)
		require.NoError(t, err)
		assert.Equal(t, ws.SourcePath(".mov"), path)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "movie-bytes", string(data))
	})

	t.Run("not found is permanent", func(t *testing.T) {
		_, err := d.Download(context.Background(), srv.URL+"/missing.mp4", newTestWorkspace(t))
		assert.ErrorIs(t, err, models.ErrDownloadFailed)
		assert.True(t, models.IsPermanent(err))
	})

	t.Run("server error is retryable", func(t *testing.T) {
		_, err := d.Download(context.Background(), srv.URL+"/busy.mp4", newTestWorkspace(t))
		assert.ErrorIs(t, err, models.ErrDownloadFailed)
		assert.False(t, models.IsPermanent(err))
	})
}

func TestDownloader_S3(t *testing.T) {
	ws := newTestWorkspace(t)
	fake := &fakeGetObject{body: "s3-bytes"}
	d := NewDownloader(nil, fake, nil)

	path, err := d.Download(context.Background(), "s3://raw-uploads/lessons/42/source.mp4", ws)
	require.NoError(t, err)
	assert.Equal(t, "raw-uploads", fake.bucket)
	assert.Equal(t, "lessons/42/source.mp4", fake.key)
	assert.Equal(t, ws.SourcePath(".mp4"), path)

	fake.err = &types.NoSuchKey{}
	_, err = d.Download(context.Background(), "s3://raw-uploads/gone.mp4", newTestWorkspace(t))
	assert.ErrorIs(t, err, models.ErrDownloadFailed)
	assert.True(t, models.IsPermanent(err))

	fake.err = errors.New("connection reset")
	_, err = d.Download(context.Background(), "s3://raw-uploads/flaky.mp4", newTestWorkspace(t))
	assert.ErrorIs(t, err, models.ErrDownloadFailed)
	assert.False(t, models.IsPermanent(err))
}

func TestDownloader_Rejections(t *testing.T) {
	d := NewDownloader(nil, nil, nil)

	_, err := d.Download(context.Background(), "ftp://host/file.mp4", newTestWorkspace(t))
	assert.True(t, models.IsPermanent(err))

	_, err = d.Download(context.Background(), "s3://bucket/key.mp4", newTestWorkspace(t))
	assert.True(t, models.IsPermanent(err), "s3 without a client cannot succeed")
}

func TestDownloader_UnsafeExtensionDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	ws := newTestWorkspace(t)
	path, err := NewDownloader(srv.Client(), nil, nil).Download(context.Background(), srv.URL+"/video.mp4;rm", ws)
	require.NoError(t, err)
	assert.Equal(t, ws.SourcePath(""), path)
}
