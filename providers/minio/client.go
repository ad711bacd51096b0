package minio

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds MinIO connection settings
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
}

// Validate checks that the settings can reach a bucket
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("minio endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("minio credentials are required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("minio bucket is required")
	}
	return nil
}

// Client is the MinIO asset store client
type Client struct {
	client *minio.Client
	bucket string
}

// NewClient creates a new MinIO client
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &Client{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Upload puts one object into the bucket
func (c *Client) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := c.client.PutObject(ctx, c.bucket, key, body, size, opts); err != nil {
		return fmt.Errorf("failed to upload %s to %s: %w", key, c.bucket, err)
	}
	return nil
}
