package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-transcoder/internal/metrics"
	"github.com/amillerrr/vod-transcoder/pkg/models"
)

var safeExt = regexp.MustCompile(`^\.[A-Za-z0-9]{1,5}$`)

// S3GetObjectAPI is the subset of the S3 client used for s3:// sources.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Downloader streams a source asset into a workspace.
type Downloader struct {
	httpClient *http.Client
	s3Client   S3GetObjectAPI
	log        *slog.Logger
}

// NewHTTPClient returns a traced client for source downloads. Request
// lifetime is bounded by the job context rather than a client timeout.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// NewDownloader creates a new Downloader. s3Client may be nil when only
// http(s) sources are expected.
func NewDownloader(httpClient *http.Client, s3Client S3GetObjectAPI, log *slog.Logger) *Downloader {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	return &Downloader{httpClient: httpClient, s3Client: s3Client, log: log}
}

// Download fetches sourceURL into the workspace and returns the local path.
// Failures wrap models.ErrDownloadFailed; sources that can never be fetched
// are additionally marked permanent.
func (d *Downloader) Download(ctx context.Context, sourceURL string, ws *Workspace) (string, error) {
	ctx, span := tracer.Start(ctx, "download-source")
	defer span.End()

	start := time.Now()

	u, err := url.Parse(sourceURL)
	if err != nil {
		return "", models.Permanent(fmt.Errorf("%w: %v", models.ErrDownloadFailed, err))
	}

	ext := strings.ToLower(path.Ext(u.Path))
	if !safeExt.MatchString(ext) {
		ext = ""
	}
	dest := ws.SourcePath(ext)

	var body io.ReadCloser
	switch u.Scheme {
	case "http", "https":
		body, err = d.openHTTP(ctx, sourceURL)
	case "s3":
		body, err = d.openS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		err = models.Permanent(fmt.Errorf("%w: unsupported scheme %q", models.ErrDownloadFailed, u.Scheme))
	}
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	defer body.Close()

	file, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create file: %v", models.ErrDownloadFailed, err)
	}

	written, err := io.Copy(file, body)
	if err != nil {
		file.Close()
		return "", fmt.Errorf("%w: failed to write file: %v", models.ErrDownloadFailed, err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("%w: failed to close file: %v", models.ErrDownloadFailed, err)
	}

	metrics.DownloadDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int64("source.size_bytes", written))
	if d.log != nil {
		d.log.InfoContext(ctx, "Downloaded source",
			"scheme", u.Scheme,
			"sizeBytes", written,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	return dest, nil
}

func (d *Downloader) openHTTP(ctx context.Context, sourceURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, models.Permanent(fmt.Errorf("%w: %v", models.ErrDownloadFailed, err))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDownloadFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("%w: unexpected status %d", models.ErrDownloadFailed, resp.StatusCode)
		if permanentStatus(resp.StatusCode) {
			return nil, models.Permanent(err)
		}
		return nil, err
	}
	return resp.Body, nil
}

func (d *Downloader) openS3(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if d.s3Client == nil {
		return nil, models.Permanent(fmt.Errorf("%w: s3 sources are not configured", models.ErrDownloadFailed))
	}
	if bucket == "" || key == "" {
		return nil, models.Permanent(fmt.Errorf("%w: s3 url needs a bucket and key", models.ErrDownloadFailed))
	}

	result, err := d.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		wrapped := fmt.Errorf("%w: failed to get object from S3: %v", models.ErrDownloadFailed, err)
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, models.Permanent(wrapped)
		}
		return nil, wrapped
	}
	return result.Body, nil
}

// permanentStatus reports HTTP statuses that a retry will not change.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}
