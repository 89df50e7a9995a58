package remote

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"canvasCollab/backend/internal/persist"
)

type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Secure    bool
}

// ObjectUploader 把画布存成对象 {prefix}/{canvasId}.json
type ObjectUploader struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ persist.Uploader = (*ObjectUploader)(nil)

func NewObjectUploader(cfg ObjectConfig) (*ObjectUploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("remote: minio client: %w", err)
	}
	return &ObjectUploader{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// EnsureBucket bucket 不存在时创建
func (u *ObjectUploader) EnsureBucket(ctx context.Context) error {
	ok, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{})
}

func (u *ObjectUploader) objectName(canvasID string) string {
	return path.Join(u.prefix, canvasID+".json")
}

func (u *ObjectUploader) SaveCanvas(ctx context.Context, canvasID string, data []byte) error {
	_, err := u.client.PutObject(ctx, u.bucket, u.objectName(canvasID), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("remote: put %s: %w", canvasID, err)
	}
	return nil
}
