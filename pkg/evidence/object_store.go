package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig configures the S3-compatible evidence backend.
type ObjectStoreConfig struct {
	Endpoint   string
	Bucket     string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	Prefix     string
	PutTimeout time.Duration
}

// Validate checks the settings before a client is built.
func (c ObjectStoreConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	return nil
}

// ObjectStore persists artifacts to an S3-compatible bucket via minio
// and returns s3://bucket/key locators. The platform's report service
// serves evidence out of the same bucket.
type ObjectStore struct {
	client     *minio.Client
	bucket     string
	prefix     string
	putTimeout time.Duration
}

// NewObjectStore builds the minio client from config.
func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("object store config: %w", err)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	putTimeout := cfg.PutTimeout
	if putTimeout <= 0 {
		putTimeout = 30 * time.Second
	}
	return &ObjectStore{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		putTimeout: putTimeout,
	}, nil
}

// Put uploads the payload with a per-put timeout.
func (s *ObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("object store not initialized")
	}
	objectKey := key
	if s.prefix != "" {
		objectKey = s.prefix + "/" + key
	}

	putCtx, cancel := context.WithTimeout(ctx, s.putTimeout)
	defer cancel()

	_, err := s.client.PutObject(putCtx, s.bucket, objectKey,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectKey), nil
}
