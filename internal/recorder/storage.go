package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// UploaderConfig points at the S3-compatible store for finished recordings.
type UploaderConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	ConnectTimeout time.Duration
	MaxRetries     uint64
}

// Uploader ships finished recording files to object storage. Uploads retry
// with exponential backoff. A final failure is the caller's to log, never to
// act on; the local file stays either way.
type Uploader struct {
	client *minio.Client
	bucket string
	cfg    UploaderConfig
	log    *zap.Logger
}

// NewUploader builds the client and ensures the bucket exists.
func NewUploader(cfg UploaderConfig, log *zap.Logger) (*Uploader, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	u := &Uploader{client: client, bucket: cfg.Bucket, cfg: cfg, log: log}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
		log.Info("created recording bucket", zap.String("bucket", cfg.Bucket))
	}
	return u, nil
}

// Upload puts one finished file into the bucket under its base name,
// retrying transient failures with a fresh backoff per call.
func (u *Uploader) Upload(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat recording: %w", err)
	}
	key := filepath.Base(path)

	ebo := backoff.NewExponentialBackOff()
	bo := backoff.WithContext(backoff.WithMaxRetries(ebo, u.cfg.MaxRetries), ctx)

	op := func() error {
		res, err := u.client.FPutObject(ctx, u.bucket, key, path, minio.PutObjectOptions{
			ContentType: "video/webm",
		})
		if err != nil {
			u.log.Warn("recording upload attempt failed", zap.String("key", key), zap.Error(err))
			return err
		}
		u.log.Info("recording uploaded",
			zap.String("key", key),
			zap.Int64("bytes", res.Size))
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("upload %s (%d bytes): %w", key, info.Size(), err)
	}
	return nil
}
