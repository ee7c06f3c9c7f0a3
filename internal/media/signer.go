package media

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
)

// ObjectSigner signs a download URL for one object.
type ObjectSigner interface {
	SignDownload(ctx context.Context, bucket, key, filename string, ttl time.Duration) (string, error)
}

// Signer rewrites object storage references in content items into signed,
// time-limited HTTPS URLs. Items that already carry an http(s) URL are untouched.
type Signer struct {
	s3  ObjectSigner // signs s3:// references
	gcs ObjectSigner // signs gs:// references
	ttl time.Duration
}

// NewSigner creates a Signer. Either backend may be nil; references for a
// missing backend are returned unsigned.
func NewSigner(s3, gcs ObjectSigner, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Signer{s3: s3, gcs: gcs, ttl: ttl}
}

// SignItems returns a copy of items with object storage URLs signed.
// Signing failures are logged and leave the original reference in place.
func (s *Signer) SignItems(ctx context.Context, items []model.ContentItem) []model.ContentItem {
	out := make([]model.ContentItem, len(items))
	for i, item := range items {
		out[i] = item
		if s == nil {
			continue
		}
		if signed, ok := s.sign(ctx, item.FileURL, item.Filename); ok {
			out[i].FileURL = signed
		}
		if signed, ok := s.sign(ctx, item.ThumbnailURL, ""); ok {
			out[i].ThumbnailURL = signed
		}
	}
	return out
}

func (s *Signer) sign(ctx context.Context, ref, filename string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return "", false
	}

	var backend ObjectSigner
	switch u.Scheme {
	case "s3":
		backend = s.s3
	case "gs":
		backend = s.gcs
	default:
		return "", false
	}
	if backend == nil {
		return "", false
	}

	signed, err := backend.SignDownload(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), filename, s.ttl)
	if err != nil {
		slog.Warn("failed to sign content url", "ref", ref, "error", err)
		return "", false
	}
	return signed, true
}
