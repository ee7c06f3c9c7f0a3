package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	errordefs "github.com/RegistryAccord/registryaccord-commerce-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/fulfillment"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/telemetry"
)

var errContentNotInBundle = errors.New("content is not part of the bundle")

// contentView is the body of the bundle content endpoints.
type contentView struct {
	BundleID      string              `json:"bundleId"`
	Items         []model.ContentItem `json:"items"`
	ItemCount     int                 `json:"itemCount"`
	TotalSize     int64               `json:"totalSize"`
	TotalDuration float64             `json:"totalDuration"`
}

func newContentView(bundleID string, items []model.ContentItem) contentView {
	size, duration, count := fulfillment.ContentTotals(items)
	return contentView{BundleID: bundleID, Items: items, ItemCount: count, TotalSize: size, TotalDuration: duration}
}

// loadBundle writes the error response itself and returns nil when the bundle
// cannot be served.
func (m *Mux) loadBundle(w http.ResponseWriter, r *http.Request) *model.Bundle {
	ctx := r.Context()
	correlationID := correlationIDFrom(ctx)
	id := mux.Vars(r)["bundleId"]

	b, err := m.deps.Store.GetBundle(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_NOT_FOUND, fmt.Sprintf("bundle %s not found", id), correlationID))
		return nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to load bundle", "bundle_id", id, "error", err)
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_INTERNAL, "failed to load bundle", correlationID))
		return nil
	}
	return b
}

// handleGetContent handles GET /api/bundles/{bundleId}/content for the creator or a buyer.
func (m *Mux) handleGetContent(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleGetContent")
	defer span.End()
	r = r.WithContext(ctx)
	correlationID := correlationIDFrom(ctx)
	uid := uidFrom(ctx)

	b := m.loadBundle(w, r)
	if b == nil {
		return
	}
	span.SetAttributes(attribute.String("bundle.id", b.ID))

	if b.CreatorID != uid {
		owned, err := m.deps.Store.HasPurchased(ctx, uid, b.ID)
		if err != nil {
			span.RecordError(err)
			m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_INTERNAL, "failed to check purchase", correlationID))
			return
		}
		if !owned {
			m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_AUTHZ, "bundle content requires a purchase", correlationID))
			return
		}
	}

	items := m.deps.Signer.SignItems(ctx, m.deps.Resolver.ResolveBundle(ctx, b))
	m.writeSuccess(w, http.StatusOK, newContentView(b.ID, items))
}

// handleAddContent handles POST /api/bundles/{bundleId}/content. Uploads are
// appended to both contentItems and detailedContentItems; ids already present are skipped.
// Content stored in an older shape is migrated to those two fields first.
func (m *Mux) handleAddContent(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleAddContent")
	defer span.End()
	r = r.WithContext(ctx)
	correlationID := correlationIDFrom(ctx)
	uid := uidFrom(ctx)

	body, err := readBody(r, maxBodyBytes)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_BAD_REQUEST, "failed to read body", correlationID))
		return
	}
	if !m.validate(w, schema.BundleContent, body, correlationID) {
		return
	}
	var req model.ContentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_BAD_REQUEST, "invalid JSON", correlationID))
		return
	}

	b := m.loadBundle(w, r)
	if b == nil {
		return
	}
	if b.CreatorID != uid {
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_AUTHZ, "only the bundle creator can change its content", correlationID))
		return
	}

	uploads := make([]model.ContentItem, 0, len(req.ContentIDs))
	for _, id := range req.ContentIDs {
		up, err := m.deps.Store.GetUpload(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_NOT_FOUND, fmt.Sprintf("upload %s not found", id), correlationID))
			return
		}
		if err != nil {
			span.RecordError(err)
			m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_INTERNAL, "failed to load upload", correlationID))
			return
		}
		if up.UserID != uid {
			m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_AUTHZ, fmt.Sprintf("upload %s belongs to another user", id), correlationID))
			return
		}
		uploads = append(uploads, up.ContentItem())
	}

	// Resolved outside UpdateBundle: the collection strategies read the store.
	resolved := m.deps.Resolver.ResolveBundle(ctx, b)
	updated, err := m.deps.Store.UpdateBundle(ctx, b.ID, func(b *model.Bundle) error {
		addContent(b, resolved, uploads)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		slog.ErrorContext(ctx, "failed to add bundle content", "bundle_id", b.ID, "error", err)
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_INTERNAL, "failed to update bundle", correlationID))
		return
	}
	slog.InfoContext(ctx, "bundle content added", "bundle_id", b.ID, "count", len(uploads))
	m.writeSuccess(w, http.StatusOK, newContentView(updated.ID, m.deps.Resolver.ResolveBundle(ctx, updated)))
}

// handleRemoveContent handles DELETE /api/bundles/{bundleId}/content?contentId=.
func (m *Mux) handleRemoveContent(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleRemoveContent")
	defer span.End()
	r = r.WithContext(ctx)
	correlationID := correlationIDFrom(ctx)

	contentID := r.URL.Query().Get("contentId")
	if contentID == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_VALIDATION, "contentId query parameter is required", correlationID))
		return
	}

	b := m.loadBundle(w, r)
	if b == nil {
		return
	}
	if b.CreatorID != uidFrom(ctx) {
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_AUTHZ, "only the bundle creator can change its content", correlationID))
		return
	}

	resolved := m.deps.Resolver.ResolveBundle(ctx, b)
	updated, err := m.deps.Store.UpdateBundle(ctx, b.ID, func(b *model.Bundle) error {
		if !removeContent(b, resolved, contentID) {
			return errContentNotInBundle
		}
		return nil
	})
	if errors.Is(err, errContentNotInBundle) {
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_NOT_FOUND, fmt.Sprintf("content %s is not in bundle %s", contentID, b.ID), correlationID))
		return
	}
	if err != nil {
		span.RecordError(err)
		slog.ErrorContext(ctx, "failed to remove bundle content", "bundle_id", b.ID, "error", err)
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_INTERNAL, "failed to update bundle", correlationID))
		return
	}
	slog.InfoContext(ctx, "bundle content removed", "bundle_id", b.ID, "content_id", contentID)
	m.writeSuccess(w, http.StatusOK, newContentView(updated.ID, m.deps.Resolver.ResolveBundle(ctx, updated)))
}

// editableContent returns the list content edits start from. A bundle without
// detailedContentItems starts from resolved, its content as buyers see it, so
// the first edit migrates parallel-array, legacy-field and collection content.
func editableContent(b *model.Bundle, resolved []model.ContentItem) []model.ContentItem {
	if items := fulfillment.DetailedContentItems(b); len(items) > 0 {
		return items
	}
	return append([]model.ContentItem(nil), resolved...)
}

// addContent appends uploads missing from the bundle's content.
func addContent(b *model.Bundle, resolved, uploads []model.ContentItem) {
	items := editableContent(b, resolved)
	have := make(map[string]bool, len(items))
	for _, it := range items {
		have[it.ID] = true
	}
	for _, it := range uploads {
		if !have[it.ID] {
			items = append(items, it)
			have[it.ID] = true
		}
	}
	if b.ThumbnailURL == "" && len(items) > 0 {
		b.ThumbnailURL = items[0].ThumbnailURL
	}
	setContent(b, items)
}

// removeContent drops id from the bundle's content and reports whether it was present.
func removeContent(b *model.Bundle, resolved []model.ContentItem, id string) bool {
	found := false
	for _, cid := range b.ContentItems {
		if cid == id {
			found = true
		}
	}
	items := editableContent(b, resolved)
	kept := items[:0:0]
	for _, it := range items {
		if it.ID == id {
			found = true
			continue
		}
		kept = append(kept, it)
	}
	if found {
		setContent(b, kept)
	}
	return found
}

// setContent stores items as contentItems ids plus detailedContentItems and
// clears every older content shape.
func setContent(b *model.Bundle, items []model.ContentItem) {
	ids := make([]string, 0, len(items))
	out := make([]interface{}, len(items))
	for i, it := range items {
		out[i] = it.Map()
		if it.ID != "" {
			ids = append(ids, it.ID)
		}
	}
	b.ContentItems = ids
	b.SetField("detailedContentItems", out)
	fulfillment.ClearLegacyContent(b)
}

// validate writes a validation error response and returns false when body does not match the schema.
func (m *Mux) validate(w http.ResponseWriter, name string, body []byte, correlationID string) bool {
	err := m.deps.Validator.Validate(name, body)
	if err == nil {
		return true
	}
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.COMMERCE_VALIDATION, "request body failed validation", correlationID, verr.Fields))
		return false
	}
	m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_BAD_REQUEST, "invalid JSON", correlationID))
	return false
}
