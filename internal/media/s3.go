// Package media signs time-limited download URLs for purchased content that lives
// in object storage (S3-compatible buckets or Google Cloud Storage).
package media

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client wraps the AWS S3 presign client for content downloads.
type S3Client struct {
	presign *s3.PresignClient
	bucket  string // Default bucket for bare keys
}

// NewS3Client creates a new S3 client for media operations.
// It supports both AWS S3 and S3-compatible services like MinIO.
// Parameters:
//   - endpoint: S3 service endpoint URL (empty for AWS)
//   - region: AWS region (or equivalent for S3-compatible services)
//   - bucket: default bucket
//   - accessKey, secretKey: static credentials; empty uses the default chain
func NewS3Client(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string) (*S3Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = endpoint != "" // MinIO and other S3-compatible services
	})

	return &S3Client{
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
	}, nil
}

// SignDownload returns a presigned GET URL for bucket/key valid for ttl.
func (s *S3Client) SignDownload(ctx context.Context, bucket, key, filename string, ttl time.Duration) (string, error) {
	if bucket == "" {
		bucket = s.bucket
	}
	in := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if filename != "" {
		in.ResponseContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", filename))
	}
	res, err := s.presign.PresignGetObject(ctx, in, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign download: %w", err)
	}
	return res.URL, nil
}
