package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"lead-qualifier/internal/calls"
)

// ObjectStorage is the subset of *minio.Client the archiver needs.
type ObjectStorage interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioArchiver stores each terminal session as sessions/<yyyy>/<mm>/<session_id>.json.
type MinioArchiver struct {
	store  ObjectStorage
	bucket string
}

// NewMinioClient connects to the object store described by cfg.
func NewMinioClient(cfg MinioConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: minio client: %w", err)
	}
	return client, nil
}

// NewMinioArchiver ensures bucket exists.
func NewMinioArchiver(ctx context.Context, store ObjectStorage, bucket string) (*MinioArchiver, error) {
	exists, err := store.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("archive: bucket check: %w", err)
	}
	if !exists {
		if err := store.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("archive: make bucket: %w", err)
		}
	}
	return &MinioArchiver{store: store, bucket: bucket}, nil
}

func (a *MinioArchiver) Archive(ctx context.Context, s calls.Session) error {
	if !s.State.Terminal() {
		return ErrNotTerminal
	}
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal session: %w", err)
	}
	_, err = a.store.PutObject(ctx, a.bucket, ObjectKey(s), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"state":     string(s.State),
			"direction": string(s.Direction),
		},
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", ObjectKey(s), err)
	}
	return nil
}

// ObjectKey partitions objects by the month the session was created.
func ObjectKey(s calls.Session) string {
	t := s.CreatedAt.UTC()
	return fmt.Sprintf("sessions/%04d/%02d/%s.json", t.Year(), int(t.Month()), s.SessionID)
}
