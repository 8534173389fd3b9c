package storage

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures access to an S3-compatible object store.
type S3Options struct {
	// Endpoint overrides the AWS endpoint, e.g. a MinIO or R2 URL.
	Endpoint string
	// UsePathStyle addresses buckets as endpoint/bucket instead of bucket.endpoint.
	UsePathStyle bool
}

// NewS3Client creates an S3 client from a loaded AWS config.
func NewS3Client(awsCfg aws.Config, opts S3Options) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
}
