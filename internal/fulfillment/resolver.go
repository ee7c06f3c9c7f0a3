// Package fulfillment turns completed payments into purchase records: content
// resolution, guest account provisioning, purchase writing, synchronous
// verification and Stripe webhook handling.
package fulfillment

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/telemetry"
)

// Strategy is one way of finding a bundle's content. Bundle is nil when no
// bundle document exists for id. An empty result means "try the next strategy".
type Strategy struct {
	Name    string
	Resolve func(ctx context.Context, b *model.Bundle, id string) ([]model.ContentItem, error)
}

// FirstMatch runs strategies in order and returns the first non-empty result
// with the name of the strategy that produced it. Errors are logged and skipped.
func FirstMatch(ctx context.Context, strategies []Strategy, b *model.Bundle, id string) (string, []model.ContentItem) {
	for _, s := range strategies {
		items, err := s.Resolve(ctx, b, id)
		if err != nil {
			slog.WarnContext(ctx, "content strategy failed", "strategy", s.Name, "bundle_id", id, "error", err)
			continue
		}
		if len(items) > 0 {
			return s.Name, items
		}
	}
	return "none", []model.ContentItem{}
}

// pure adapts a Bundle -> items function into a Strategy. It does not run without a bundle.
func pure(name string, fn func(*model.Bundle) []model.ContentItem) Strategy {
	return Strategy{Name: name, Resolve: func(_ context.Context, b *model.Bundle, _ string) ([]model.ContentItem, error) {
		if b == nil {
			return nil, nil
		}
		return fn(b), nil
	}}
}

// legacyContentFields are checked in order by the legacy strategy.
var legacyContentFields = []string{"contents", "items", "videos", "files", "content", "bundleContent"}

// Resolver finds a bundle's content in whichever shape it was stored.
type Resolver struct {
	store      *storage.Store
	strategies []Strategy
	metrics    *metrics.Metrics
}

// NewResolver creates a resolver with the standard strategy order.
func NewResolver(store *storage.Store) *Resolver {
	r := &Resolver{store: store, metrics: metrics.NewMetrics()}
	r.strategies = []Strategy{
		pure("detailed_content_items", DetailedContentItems),
		pure("parallel_arrays", ParallelArrays),
		pure("legacy_fields", LegacyFields),
		r.collection("bundle_content_collection", storage.CollBundleContent, "bundleId"),
		r.collection("product_box_content_collection", storage.CollProductBoxContent, "productBoxId"),
	}
	return r
}

// Resolve loads the bundle (if any) and returns its content. It never fails; a
// bundle without resolvable content yields an empty slice.
func (r *Resolver) Resolve(ctx context.Context, id string) []model.ContentItem {
	b, err := r.store.GetBundle(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.WarnContext(ctx, "failed to load bundle for content resolution", "bundle_id", id, "error", err)
		}
		b = nil
	}
	return r.resolve(ctx, b, id)
}

// ResolveBundle returns the content of an already loaded bundle.
func (r *Resolver) ResolveBundle(ctx context.Context, b *model.Bundle) []model.ContentItem {
	return r.resolve(ctx, b, b.ID)
}

func (r *Resolver) resolve(ctx context.Context, b *model.Bundle, id string) []model.ContentItem {
	ctx, span := telemetry.Tracer().Start(ctx, "resolve_content")
	defer span.End()

	strategy, items := FirstMatch(ctx, r.strategies, b, id)
	span.SetAttributes(
		attribute.String("bundle.id", id),
		attribute.String("content.strategy", strategy),
		attribute.Int("content.count", len(items)),
	)
	r.metrics.ContentResolutionTotal.WithLabelValues(strategy).Inc()
	if strategy == "none" {
		slog.InfoContext(ctx, "no content found for bundle, purchase content pending", "bundle_id", id)
	} else {
		slog.DebugContext(ctx, "resolved bundle content", "bundle_id", id, "strategy", strategy, "count", len(items))
	}
	return items
}

func (r *Resolver) collection(name, collection, field string) Strategy {
	return Strategy{Name: name, Resolve: func(ctx context.Context, _ *model.Bundle, id string) ([]model.ContentItem, error) {
		docs, err := r.store.QueryContent(ctx, collection, field, id)
		if err != nil {
			return nil, err
		}
		items := make([]model.ContentItem, 0, len(docs))
		for _, d := range docs {
			items = append(items, model.ContentItemFromMap(d))
		}
		return items, nil
	}}
}

// DetailedContentItems reads the denormalized detailedContentItems array.
func DetailedContentItems(b *model.Bundle) []model.ContentItem {
	return itemsFromArray(b.Field("detailedContentItems"))
}

// ParallelArrays rebuilds items from contentItems zipped by index with
// contentUrls, contentTitles and contentThumbnails. The result always has
// len(contentItems) entries; shorter companion arrays leave fields empty.
// Ids without any url are not content, so the strategy requires contentUrls.
func ParallelArrays(b *model.Bundle) []model.ContentItem {
	ids := asSlice(b.Field("contentItems"))
	urls := asSlice(b.Field("contentUrls"))
	if len(ids) == 0 || len(urls) == 0 {
		return nil
	}
	titles := asSlice(b.Field("contentTitles"))
	thumbs := asSlice(b.Field("contentThumbnails"))
	meta, _ := b.Field("contentMetadata").(map[string]interface{})

	if len(urls) != len(ids) || (len(titles) > 0 && len(titles) != len(ids)) || (len(thumbs) > 0 && len(thumbs) != len(ids)) {
		slog.Warn("parallel content arrays are misaligned",
			"bundle_id", b.ID,
			"content_items", len(ids),
			"content_urls", len(urls),
			"content_titles", len(titles),
			"content_thumbnails", len(thumbs),
		)
	}

	items := make([]model.ContentItem, len(ids))
	for i, raw := range ids {
		m := map[string]interface{}{}
		if entry, ok := raw.(map[string]interface{}); ok {
			for k, v := range entry {
				m[k] = v
			}
		} else {
			m["id"] = model.String(raw)
		}
		if extra, ok := meta[model.String(m["id"])].(map[string]interface{}); ok {
			for k, v := range extra {
				if _, set := m[k]; !set {
					m[k] = v
				}
			}
		}
		if i < len(urls) {
			m["fileUrl"] = model.String(urls[i])
		}
		if i < len(titles) {
			if t := model.String(titles[i]); t != "" {
				m["title"] = t
			}
		}
		if i < len(thumbs) {
			if t := model.String(thumbs[i]); t != "" {
				m["thumbnailUrl"] = t
			}
		}
		items[i] = model.ContentItemFromMap(m)
	}
	return items
}

// LegacyFields returns the first non-empty array among the legacy field names.
func LegacyFields(b *model.Bundle) []model.ContentItem {
	for _, f := range legacyContentFields {
		if items := itemsFromArray(b.Field(f)); len(items) > 0 {
			return items
		}
	}
	return nil
}

// parallelArrayFields hold per-index companions of contentItems.
var parallelArrayFields = []string{"contentUrls", "contentTitles", "contentThumbnails", "contentMetadata"}

// ClearLegacyContent drops the parallel-array companions and legacy content
// arrays from b. Callers use it once detailedContentItems holds the full list,
// so an emptied list cannot fall back to stale content.
func ClearLegacyContent(b *model.Bundle) {
	for _, f := range parallelArrayFields {
		b.DeleteField(f)
	}
	for _, f := range legacyContentFields {
		if asSlice(b.Field(f)) != nil {
			b.DeleteField(f)
		}
	}
}

// itemsFromArray decodes an array whose entries are content maps, bare ids or bare urls.
func itemsFromArray(v interface{}) []model.ContentItem {
	entries := asSlice(v)
	items := make([]model.ContentItem, 0, len(entries))
	for _, e := range entries {
		switch e := e.(type) {
		case map[string]interface{}:
			items = append(items, model.ContentItemFromMap(e))
		case string:
			if e == "" {
				continue
			}
			if isURL(e) {
				items = append(items, model.ContentItemFromMap(map[string]interface{}{"fileUrl": e}))
			} else {
				items = append(items, model.ContentItemFromMap(map[string]interface{}{"id": e}))
			}
		}
	}
	return items
}

func asSlice(v interface{}) []interface{} {
	switch v := v.(type) {
	case []interface{}:
		return v
	case []string:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out
	}
	return nil
}

func isURL(s string) bool {
	for _, p := range []string{"http://", "https://", "s3://", "gs://"} {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ContentTotals aggregates a content snapshot.
func ContentTotals(items []model.ContentItem) (size int64, duration float64, count int) {
	for _, it := range items {
		size += it.FileSize
		duration += it.Duration
	}
	return size, duration, len(items)
}
