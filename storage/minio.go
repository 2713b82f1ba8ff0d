package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// minioAPI is the subset of *minio.Client the backend uses, so tests can
// run without a MinIO server.
type minioAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error)
}

type minioClientWrapper struct{ c *minio.Client }

func (w minioClientWrapper) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return w.c.BucketExists(ctx, bucketName)
}

func (w minioClientWrapper) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	return w.c.MakeBucket(ctx, bucketName, opts)
}

func (w minioClientWrapper) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return w.c.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}

func (w minioClientWrapper) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	obj, err := w.c.GetObject(ctx, bucketName, objectName, opts)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// MinIOBackend implements a record backend on a MinIO bucket.
type MinIOBackend struct {
	api         minioAPI
	bucket      string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewMinIOBackend connects to endpoint and ensures the bucket exists.
func NewMinIOBackend(ctx context.Context, endpoint, bucket, prefix, accessKey, secretKey string, useSSL bool, log *slog.Logger) (*MinIOBackend, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	uri := fmt.Sprintf("minio://%s/%s/%s", endpoint, bucket, prefix)
	return NewMinIOBackendWithAPI(ctx, minioClientWrapper{c: client}, bucket, prefix, uri, log)
}

// NewMinIOBackendWithAPI allows injecting a mockable API.
func NewMinIOBackendWithAPI(ctx context.Context, api minioAPI, bucket, prefix, uri string, log *slog.Logger) (*MinIOBackend, error) {
	b := &MinIOBackend{
		api:         api,
		bucket:      bucket,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		locationURI: uri,
	}

	exists, err := api.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := api.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return b, nil
}

// Fetch downloads a record object. Returns ErrRecordNotFound if it doesn't exist.
func (b *MinIOBackend) Fetch(ctx context.Context, id interfaces.PublicID) ([]byte, error) {
	key := b.objectKey(id)

	obj, err := b.api.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, b.translateError(key, err)
	}
	defer obj.Close()

	// minio.Object defers the request until the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, b.translateError(key, err)
	}

	b.log.Debug("Fetched record from MinIO", slog.String("key", key), slog.Int("size", len(data)))
	return data, nil
}

// Store uploads a record object.
func (b *MinIOBackend) Store(ctx context.Context, id interfaces.PublicID, data []byte) error {
	key := b.objectKey(id)

	_, err := b.api.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		b.log.Error("Failed to upload record to MinIO", slog.String("key", key), "err", err)
		return fmt.Errorf("%w: failed to upload object: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored record in MinIO", slog.String("key", key), slog.Int("size", len(data)))
	return nil
}

// Available checks that the bucket can be reached.
func (b *MinIOBackend) Available(ctx context.Context) bool {
	exists, err := b.api.BucketExists(ctx, b.bucket)
	if err != nil {
		b.log.Warn("MinIO backend unavailable", slog.String("bucket", b.bucket), "err", err)
		return false
	}
	return exists
}

// Name returns a unique identifier for this storage backend.
func (b *MinIOBackend) Name() string {
	return fmt.Sprintf("minio-%s", b.bucket)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *MinIOBackend) LocationURI() string {
	return b.locationURI
}

func (b *MinIOBackend) objectKey(id interfaces.PublicID) string {
	return path.Join(b.prefix, "records", objectName(id))
}

func (b *MinIOBackend) translateError(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		b.log.Debug("Record not found in MinIO", slog.String("key", key))
		return interfaces.ErrRecordNotFound
	}
	b.log.Error("Failed to get record from MinIO", slog.String("key", key), "err", err)
	return fmt.Errorf("%w: failed to get object: %v", interfaces.ErrBackendUnavailable, err)
}
