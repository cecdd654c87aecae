package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"carbon-ingest/internal/config"
	"carbon-ingest/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/coder/quartz"
)

// ObjectPutter is the single S3 call the archive needs. *s3.Client satisfies it.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client loads the default AWS config for region with SDK retries
// disabled; Uploader owns the retry policy.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	}), nil
}

// Uploader
// ------------------------------------------------------------
// PutObject with application level retries.
//
//   - every attempt has its own S3Timeout
//   - capped exponential backoff between attempts (200ms doubling to 2s)
//   - ctx cancellation stops retrying immediately
type Uploader struct {
	client  ObjectPutter
	bucket  string
	timeout time.Duration
	retries int
	clock   quartz.Clock
	metrics *metrics.Metrics

	backoff    time.Duration
	maxBackoff time.Duration
}

func NewUploader(cfg config.Config, client ObjectPutter, m *metrics.Metrics) *Uploader {
	retries := cfg.S3AppRetries
	if retries <= 0 {
		retries = 1
	}
	timeout := cfg.S3Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Uploader{
		client:     client,
		bucket:     cfg.ArchiveBucket,
		timeout:    timeout,
		retries:    retries,
		clock:      quartz.NewReal(),
		metrics:    m,
		backoff:    200 * time.Millisecond,
		maxBackoff: 2 * time.Second,
	}
}

// UploadBytes uploads an in-memory object. A fresh reader is built per attempt.
func (u *Uploader) UploadBytes(ctx context.Context, key string, body []byte) error {
	return u.withRetry(ctx, func(ctx context.Context) error {
		return u.put(ctx, key, bytes.NewReader(body), int64(len(body)))
	})
}

// UploadFile uploads a spooled file, rewinding it before every attempt.
func (u *Uploader) UploadFile(ctx context.Context, key string, f io.ReadSeeker, size int64) error {
	return u.withRetry(ctx, func(ctx context.Context) error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind: %w", err)
		}
		return u.put(ctx, key, f, size)
	})
}

func (u *Uploader) withRetry(ctx context.Context, attempt func(context.Context) error) error {
	var lastErr error
	backoff := u.backoff

	for i := 1; i <= u.retries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := attempt(ctx); err == nil {
			return nil
		} else {
			lastErr = err
			u.metrics.S3PutErrorsTotal.Inc()
		}

		if i == u.retries {
			break
		}

		t := u.clock.NewTimer(backoff, "uploader", "backoff")
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > u.maxBackoff {
			backoff = u.maxBackoff
		}
	}
	return lastErr
}

// put is one PutObject call bounded by the per attempt timeout.
func (u *Uploader) put(ctx context.Context, key string, body io.Reader, size int64) error {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}
