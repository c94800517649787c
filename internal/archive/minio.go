// Package archive persists completed result documents to object storage so
// they outlive the result cache's retention window.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver writes one result document and returns its artifact URI.
type Archiver interface {
	Archive(ctx context.Context, taskID string, payload []byte) (string, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type MinIOArchiver struct {
	client *minio.Client
	bucket string
}

func NewMinIO(cfg Config) (*MinIOArchiver, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "commatch-results"
	}
	return &MinIOArchiver{client: client, bucket: bucket}, nil
}

func (a *MinIOArchiver) Archive(ctx context.Context, taskID string, payload []byte) (string, error) {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", err
		}
	}
	object := "results/" + taskID + ".json"
	_, err = a.client.PutObject(ctx, a.bucket, object, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", err
	}
	return "minio://" + a.bucket + "/" + object, nil
}
