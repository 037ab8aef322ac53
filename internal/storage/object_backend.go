package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/dunamismax/flipcut/internal/domain"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type ObjectConfig struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool
	Prefix   string
}

// ObjectBackend keeps artifacts in an S3 compatible bucket. Paths are object
// keys.
type ObjectBackend struct {
	minio  *minio.Client
	bucket string
	prefix string
}

func NewObjectBackend(cfg ObjectConfig) (*ObjectBackend, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return newObjectBackend(mc, cfg.Bucket, cfg.Prefix), nil
}

func newObjectBackend(mc *minio.Client, bucket, prefix string) *ObjectBackend {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "artifacts"
	}
	return &ObjectBackend{minio: mc, bucket: bucket, prefix: prefix}
}

func (b *ObjectBackend) Bucket() string {
	return b.bucket
}

func (b *ObjectBackend) EnsureBucket(ctx context.Context) error {
	exists, err := b.minio.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := b.minio.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := b.minio.BucketExists(ctx, b.bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", b.bucket, err)
	}
	return nil
}

func (b *ObjectBackend) Write(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	objectKey := path.Join(b.prefix, name)

	exists, err := b.objectExists(ctx, objectKey)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("object %s already exists", objectKey)
	}

	_, err = b.minio.PutObject(
		ctx,
		b.bucket,
		objectKey,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return objectKey, nil
}

func (b *ObjectBackend) Open(ctx context.Context, objectKey string) (io.ReadCloser, int64, error) {
	if !strings.HasPrefix(objectKey, b.prefix+"/") {
		return nil, 0, domain.ErrNotFound
	}

	obj, err := b.minio.GetObject(ctx, b.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("get object %s: %w", objectKey, err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, 0, domain.ErrNotFound
		}
		return nil, 0, fmt.Errorf("stat object %s: %w", objectKey, err)
	}
	return obj, info.Size, nil
}

func (b *ObjectBackend) Remove(ctx context.Context, objectKey string) error {
	err := b.minio.RemoveObject(ctx, b.bucket, objectKey, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("remove object %s: %w", objectKey, err)
	}
	return nil
}

func (b *ObjectBackend) objectExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := b.minio.StatObject(ctx, b.bucket, objectKey, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object %s: %w", objectKey, err)
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject"
}
