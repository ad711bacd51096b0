package aws

import (
	"context"
	"fmt"
	"io"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Client is the S3 asset store client
type Client struct {
	s3Client *s3.Client
	bucket   string
}

// NewClient creates a new S3 client for bucket using the default credential chain
func NewClient(ctx context.Context, region, bucket string) (*Client, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Client{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
	}, nil
}

// Upload puts one object into the bucket
func (c *Client) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        awssdk.String(c.bucket),
		Key:           awssdk.String(key),
		Body:          body,
		ContentLength: awssdk.Int64(size),
		ContentType:   awssdk.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to s3://%s: %w", key, c.bucket, err)
	}
	return nil
}
