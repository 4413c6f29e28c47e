// Package mirror uploads archive entries to S3-compatible object
// storage as they are produced by a run.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds S3-compatible storage configuration. An empty Bucket or
// missing credentials disable mirroring.
type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// UploadError wraps an object-store failure so callers can classify it
// apart from provider or filesystem errors.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s to object storage: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Uploader mirrors local files to one bucket.
type Uploader struct {
	client s3Client
	bucket string
	logger *slog.Logger
}

// New returns a configured Uploader, or nil when cfg is incomplete.
func New(cfg Config, logger *slog.Logger) *Uploader {
	if cfg.Bucket == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil
	}
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return &Uploader{client: s3.New(opts), bucket: cfg.Bucket, logger: logger}
}

// Upload stores the file at localPath under key.
func (u *Uploader) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s for mirror: %w", localPath, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s for mirror: %w", localPath, err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
	})
	if err != nil {
		return &UploadError{Key: key, Err: err}
	}
	u.logger.Info("mirrored file to object storage", "key", key, "bucket", u.bucket, "bytes", stat.Size())
	return nil
}
