package media

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSClient signs download URLs for Firebase Storage / Cloud Storage objects.
type GCSClient struct {
	client   *storage.Client
	bucket   string
	accessID string // Service account email; empty lets the library detect it
}

// NewGCSClient creates a Cloud Storage client. credentialsFile may be empty to use
// application default credentials.
func NewGCSClient(ctx context.Context, bucket, accessID, credentialsFile string) (*GCSClient, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSClient{client: client, bucket: bucket, accessID: accessID}, nil
}

// SignDownload returns a V4 signed GET URL for bucket/object valid for ttl.
func (g *GCSClient) SignDownload(ctx context.Context, bucket, object, filename string, ttl time.Duration) (string, error) {
	if bucket == "" {
		bucket = g.bucket
	}
	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         http.MethodGet,
		Expires:        time.Now().Add(ttl),
		GoogleAccessID: g.accessID,
	}
	if filename != "" {
		opts.QueryParameters = map[string][]string{
			"response-content-disposition": {fmt.Sprintf("attachment; filename=%q", filename)},
		}
	}
	u, err := g.client.Bucket(bucket).SignedURL(object, opts)
	if err != nil {
		return "", fmt.Errorf("failed to sign download: %w", err)
	}
	return u, nil
}

// Close releases the storage client.
func (g *GCSClient) Close() error {
	return g.client.Close()
}
