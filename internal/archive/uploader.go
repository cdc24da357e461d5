// Package archive provides S3-compatible cold storage for records removed by
// the retention sweep. When S3 is not configured (empty bucket), the
// NoopArchiver is used and purged records are simply dropped.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sfdcai/mediasync/internal/config"
	"github.com/sfdcai/mediasync/internal/types"
)

// ErrNotConfigured is returned when S3 archive storage is not configured.
var ErrNotConfigured = errors.New("archive storage not configured")

// Archiver stores batches of purged records.
type Archiver interface {
	// Archive writes a batch of purged records for the given table.
	Archive(ctx context.Context, table string, records []types.Record) error
}

// s3Client defines the minimal minio.Client surface used by S3Archiver.
// This interface enables testing with mock implementations.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, body []byte) error
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, body []byte) error {
	_, err := w.client.PutObject(ctx, bucket, objectName, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

// S3Archiver writes purged record batches to S3-compatible storage.
type S3Archiver struct {
	client s3Client
	bucket string
	now    func() time.Time
}

// Archive serializes the batch as JSON and uploads it under a
// table/timestamp object key.
func (a *S3Archiver) Archive(ctx context.Context, table string, records []types.Record) error {
	if len(records) == 0 {
		return nil
	}

	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal archive batch: %w", err)
	}

	key := objectKey(table, a.now())
	if err := a.client.PutObject(ctx, a.bucket, key, body); err != nil {
		return fmt.Errorf("upload archive batch: %w", err)
	}
	return nil
}

// NoopArchiver is used when S3 storage is not configured.
type NoopArchiver struct{}

// Archive is a no-op when S3 is not configured.
func (a *NoopArchiver) Archive(ctx context.Context, table string, records []types.Record) error {
	return nil
}

// NewArchiver creates the appropriate Archiver based on configuration.
// Returns NoopArchiver when bucket is empty, S3Archiver otherwise.
func NewArchiver(cfg config.ArchiveConfig) (Archiver, error) {
	if cfg.Bucket == "" {
		return &NoopArchiver{}, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Archiver{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// objectKey returns the S3 object key for an archived batch.
// Convention: {table}/purged/{RFC3339 timestamp}.json
func objectKey(table string, at time.Time) string {
	return table + "/purged/" + at.UTC().Format(time.RFC3339) + ".json"
}
