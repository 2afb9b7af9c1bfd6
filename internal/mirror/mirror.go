// Package mirror keeps a copy of every iconfile in an S3-compatible bucket,
// under the same relative path it has in the working tree.
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
	"github.com/ui-toolbox/icon-repository-sub000/internal/worktree"
)

type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

type objectClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
}

type MinIO struct {
	client objectClient
	bucket string
	logger *slog.Logger
}

// NewMinIO connects to the object store and creates the bucket if missing.
func NewMinIO(ctx context.Context, cfg Config, logger *slog.Logger) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	m := newMinIO(client, cfg.Bucket, logger)
	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func newMinIO(client objectClient, bucket string, logger *slog.Logger) *MinIO {
	if logger == nil {
		logger = slog.Default()
	}
	return &MinIO{client: client, bucket: bucket, logger: logger.With("component", "mirror")}
}

func (m *MinIO) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", m.bucket, err)
	}
	m.logger.Info("created mirror bucket", "bucket", m.bucket)
	return nil
}

// Key is the object name of a rendition.
func Key(name string, desc store.IconfileDescriptor) string {
	return worktree.Path(name, desc)
}

func (m *MinIO) Put(ctx context.Context, iconfile store.Iconfile) error {
	key := Key(iconfile.Name, iconfile.IconfileDescriptor)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(iconfile.Content), int64(len(iconfile.Content)),
		minio.PutObjectOptions{ContentType: contentType(iconfile.Format)})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (m *MinIO) Remove(ctx context.Context, name string, desc store.IconfileDescriptor) error {
	key := Key(name, desc)
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Rename copies every rendition to its new key and removes the old object.
func (m *MinIO) Rename(ctx context.Context, oldName, newName string, descs []store.IconfileDescriptor) error {
	for _, desc := range descs {
		from, to := Key(oldName, desc), Key(newName, desc)
		_, err := m.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: m.bucket, Object: to},
			minio.CopySrcOptions{Bucket: m.bucket, Object: from},
		)
		if err != nil {
			return fmt.Errorf("copy %s to %s: %w", from, to, err)
		}
		if err := m.client.RemoveObject(ctx, m.bucket, from, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove %s: %w", from, err)
		}
	}
	return nil
}

func contentType(format string) string {
	if format == "svg" {
		return "image/svg+xml"
	}
	if ct := mime.TypeByExtension("." + format); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
