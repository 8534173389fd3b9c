package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/amillerrr/vod-transcoder/internal/metrics"
	"github.com/amillerrr/vod-transcoder/pkg/models"
)

// Upload configuration
const (
	DefaultUploadConcurrency = 20

	masterPlaylistName = "master.m3u8"
	thumbnailName      = "thumb.jpg"

	// Objects live under versioned keys and never change once written.
	immutableCacheControl = "public, max-age=31536000, immutable"
)

var tracer = otel.Tracer("vod-storage")

// UploaderConfig configures an Uploader.
type UploaderConfig struct {
	Bucket        string
	PublicBaseURL string
	Concurrency   int
	PartSize      int64
}

// UploadResult summarizes a finished tree upload.
type UploadResult struct {
	BaseKey string
	Files   int64
	Bytes   int64
}

// Uploader copies a local HLS tree into object storage.
type Uploader struct {
	uploader      *manager.Uploader
	bucket        string
	publicBaseURL string
	concurrency   int
	log           *slog.Logger
}

// NewUploader creates a new Uploader. Files are streamed from disk, large
// ones as multipart uploads.
func NewUploader(client manager.UploadAPIClient, cfg UploaderConfig, log *slog.Logger) *Uploader {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultUploadConcurrency
	}
	return &Uploader{
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			if cfg.PartSize > 0 {
				u.PartSize = cfg.PartSize
			}
		}),
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		concurrency:   concurrency,
		log:           log,
	}
}

// VersionedBaseKey returns a fresh object prefix for an owner's asset, so a
// re-transcode never overwrites objects a client may have cached.
func VersionedBaseKey(prefix, ownerID string, now time.Time) string {
	return path.Join(prefix, ownerID, fmt.Sprintf("v%d", now.UnixMilli()))
}

// ManifestURL is the public URL of the master playlist under baseKey.
func (u *Uploader) ManifestURL(baseKey string) string {
	return u.publicBaseURL + "/" + baseKey + "/" + masterPlaylistName
}

// ThumbnailURL is the public URL of the poster frame under baseKey.
func (u *Uploader) ThumbnailURL(baseKey string) string {
	return u.publicBaseURL + "/" + baseKey + "/" + thumbnailName
}

// UploadTree uploads every file below localDir to baseKey/<relative path>.
// The top-level master playlist is written last, after all other objects
// succeeded, so a published manifest never points at missing segments.
// Any single failure cancels the remaining uploads and fails the call.
func (u *Uploader) UploadTree(ctx context.Context, localDir, baseKey string) (*UploadResult, error) {
	ctx, span := tracer.Start(ctx, "upload-hls")
	defer span.End()

	start := time.Now()

	files, master, err := collectFiles(localDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUploadFailed, err)
	}

	var filesUploaded, totalBytes atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)
	for _, rel := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, err := u.uploadFile(gctx, localDir, baseKey, rel)
			if err != nil {
				return err
			}
			filesUploaded.Add(1)
			totalBytes.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", models.ErrUploadFailed, err)
	}

	if master != "" {
		n, err := u.uploadFile(ctx, localDir, baseKey, master)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("%w: %v", models.ErrUploadFailed, err)
		}
		filesUploaded.Add(1)
		totalBytes.Add(n)
	}

	result := &UploadResult{
		BaseKey: baseKey,
		Files:   filesUploaded.Load(),
		Bytes:   totalBytes.Load(),
	}

	metrics.UploadDuration.Observe(time.Since(start).Seconds())
	metrics.UploadedBytes.Add(float64(result.Bytes))
	span.SetAttributes(
		attribute.Int64("files.uploaded", result.Files),
		attribute.Int64("bytes.total", result.Bytes),
	)

	if u.log != nil {
		u.log.InfoContext(ctx, "HLS upload complete",
			"baseKey", baseKey,
			"filesUploaded", result.Files,
			"totalBytes", result.Bytes,
		)
	}

	return result, nil
}

func (u *Uploader) uploadFile(ctx context.Context, localDir, baseKey, rel string) (int64, error) {
	file, err := os.Open(filepath.Join(localDir, rel))
	if err != nil {
		return 0, fmt.Errorf("failed to open file %s: %w", rel, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat file %s: %w", rel, err)
	}

	key := path.Join(baseKey, filepath.ToSlash(rel))
	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(u.bucket),
		Key:          aws.String(key),
		Body:         file,
		ContentType:  aws.String(ContentType(rel)),
		CacheControl: aws.String(immutableCacheControl),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	if u.log != nil {
		u.log.DebugContext(ctx, "Uploaded file", "key", key, "bytes", info.Size())
	}
	return info.Size(), nil
}

// collectFiles lists regular files below root as relative paths, holding the
// top-level master playlist back.
func collectFiles(root string) (files []string, master string, err error) {
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == masterPlaylistName {
			master = rel
			return nil
		}
		files = append(files, rel)
		return nil
	})
	return files, master, err
}

// ContentType returns the content type to store for a file.
func ContentType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/MP2T"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
