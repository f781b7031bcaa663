// Package archive exports rows the retention sweeper is about to delete to
// S3-compatible storage as JSON lines. With no bucket configured the
// NoopArchiver is used and rows are deleted without a copy.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/keel/internal/config"
)

// Archiver stores a batch of rows of one kind and returns the object key.
type Archiver interface {
	Archive(ctx context.Context, kind string, rows []any) (key string, err error)
}

// s3Client is the subset of *minio.Client the archiver needs.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, contentType string) error
}

type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, contentType string) error {
	_, err := w.client.PutObject(ctx, bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// S3Archiver writes one JSON-lines object per batch.
type S3Archiver struct {
	client s3Client
	bucket string
	prefix string
	now    func() time.Time
}

// Archive encodes rows as JSON lines and uploads them under
// {prefix}/{kind}/{yyyy}/{mm}/{dd}/{ulid}.jsonl. An empty batch uploads
// nothing.
func (a *S3Archiver) Archive(ctx context.Context, kind string, rows []any) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, row := range rows {
		if err := enc.Encode(row); err != nil {
			return "", fmt.Errorf("encode %s row %d: %w", kind, i, err)
		}
	}

	key := objectKey(a.prefix, kind, a.now())
	if err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("upload archive to S3: %w", err)
	}
	return key, nil
}

// NoopArchiver discards rows.
type NoopArchiver struct{}

// Archive does nothing.
func (NoopArchiver) Archive(ctx context.Context, kind string, rows []any) (string, error) {
	return "", nil
}

// New returns the archiver for cfg: NoopArchiver when no bucket is set.
func New(cfg config.ArchiveConfig) (Archiver, error) {
	if cfg.Bucket == "" {
		return NoopArchiver{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Archiver{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func objectKey(prefix, kind string, at time.Time) string {
	name := ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String() + ".jsonl"
	return path.Join(strings.Trim(prefix, "/"), kind, at.Format("2006/01/02"), name)
}
