// Package model defines the data structures used throughout the commerce service.
// These structures represent bundles, their content, purchases, users and bundle jobs.
package model

import (
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// Content types assigned to a ContentItem.
const (
	ContentVideo    = "video"
	ContentAudio    = "audio"
	ContentImage    = "image"
	ContentDocument = "document"
)

// Bundle represents a creator's priced collection of content items.
// Bundles are stored either in the bundles collection or in the older productBoxes
// collection; both share the same shape. Content may be present in several legacy
// shapes at once, so the raw document is retained alongside the decoded fields.
type Bundle struct {
	ID              string    `json:"id"`
	Collection      string    `json:"-"`                   // bundles or productBoxes
	Title           string    `json:"title"`               // Display title
	Description     string    `json:"description"`         // Display description
	Price           float64   `json:"price"`               // Price in major currency units
	Currency        string    `json:"currency"`            // ISO currency code, lower case
	CreatorID       string    `json:"creatorId"`           // Owning creator uid
	StripeProductID string    `json:"stripeProductId"`     // Stripe product backing the bundle
	StripePriceID   string    `json:"stripePriceId"`       // Stripe price backing the bundle
	Status          string    `json:"status"`              // active or inactive
	ThumbnailURL    string    `json:"thumbnailUrl"`        // Cover image
	ContentItems    []string  `json:"contentItems"`        // Upload ids in display order
	CreatedAt       time.Time `json:"createdAt,omitempty"` // When the bundle was created
	UpdatedAt       time.Time `json:"updatedAt,omitempty"` // When the bundle was last changed

	raw map[string]interface{}
}

// BundleFromDocument decodes a bundle document. Unknown fields are kept so that
// Document can write them back unchanged.
func BundleFromDocument(id string, doc map[string]interface{}) *Bundle {
	b := &Bundle{ID: id, raw: make(map[string]interface{}, len(doc))}
	for k, v := range doc {
		b.raw[k] = v
	}

	b.Title = firstString(doc, "title", "name")
	b.Description = String(doc["description"])
	b.Price = Float(doc["price"])
	b.Currency = strings.ToLower(String(doc["currency"]))
	b.CreatorID = firstString(doc, "creatorId", "userId")
	b.StripeProductID = String(doc["stripeProductId"])
	b.StripePriceID = String(doc["stripePriceId"])
	b.Status = String(doc["status"])
	if b.Status == "" {
		if active, ok := doc["active"].(bool); ok && !active {
			b.Status = "inactive"
		} else {
			b.Status = "active"
		}
	}
	b.ThumbnailURL = firstString(doc, "thumbnailUrl", "coverImage", "customPreviewThumbnail")
	b.ContentItems = Strings(doc["contentItems"])
	b.CreatedAt = Time(doc["createdAt"])
	b.UpdatedAt = Time(doc["updatedAt"])
	return b
}

// Field returns a raw document field, or nil when absent.
func (b *Bundle) Field(name string) interface{} {
	if b == nil || b.raw == nil {
		return nil
	}
	return b.raw[name]
}

// SetField sets a raw document field that has no typed counterpart.
func (b *Bundle) SetField(name string, value interface{}) {
	if b.raw == nil {
		b.raw = make(map[string]interface{})
	}
	b.raw[name] = value
}

// DeleteField removes a raw document field.
func (b *Bundle) DeleteField(name string) {
	delete(b.raw, name)
}

// Document re-encodes the bundle, overlaying typed fields onto the retained raw document.
func (b *Bundle) Document() map[string]interface{} {
	doc := make(map[string]interface{}, len(b.raw)+12)
	for k, v := range b.raw {
		doc[k] = v
	}
	doc["title"] = b.Title
	doc["description"] = b.Description
	doc["price"] = b.Price
	doc["currency"] = b.Currency
	doc["creatorId"] = b.CreatorID
	doc["stripeProductId"] = b.StripeProductID
	doc["stripePriceId"] = b.StripePriceID
	doc["status"] = b.Status
	doc["thumbnailUrl"] = b.ThumbnailURL
	if b.ContentItems == nil {
		doc["contentItems"] = []interface{}{}
	} else {
		items := make([]interface{}, len(b.ContentItems))
		for i, id := range b.ContentItems {
			items[i] = id
		}
		doc["contentItems"] = items
	}
	if !b.CreatedAt.IsZero() {
		doc["createdAt"] = b.CreatedAt
	}
	if !b.UpdatedAt.IsZero() {
		doc["updatedAt"] = b.UpdatedAt
	}
	return doc
}

// ContentItem is one media asset inside a bundle, or its snapshot inside a purchase.
type ContentItem struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	FileURL      string  `json:"fileUrl"`
	ThumbnailURL string  `json:"thumbnailUrl,omitempty"`
	MimeType     string  `json:"mimeType,omitempty"`
	FileSize     int64   `json:"fileSize"`
	Duration     float64 `json:"duration,omitempty"` // Seconds, for audio and video
	ContentType  string  `json:"contentType"`        // video, audio, image or document
	Filename     string  `json:"filename,omitempty"`
}

// ContentItemFromMap normalizes a loosely shaped content map. Legacy writers used
// several names for the same field; the first non-empty one wins.
func ContentItemFromMap(m map[string]interface{}) ContentItem {
	item := ContentItem{
		ID:           firstString(m, "id", "uploadId", "contentId"),
		Title:        firstString(m, "title", "name", "filename", "fileName"),
		Description:  String(m["description"]),
		FileURL:      firstString(m, "fileUrl", "url", "downloadUrl", "publicUrl"),
		ThumbnailURL: firstString(m, "thumbnailUrl", "thumbnail"),
		MimeType:     firstString(m, "mimeType", "type"),
		Filename:     firstString(m, "filename", "fileName"),
		Duration:     Float(m["duration"]),
	}
	item.FileSize = Int(m["fileSize"])
	if item.FileSize == 0 {
		item.FileSize = Int(m["size"])
	}

	// "type" is sometimes a MIME type and sometimes already a content type
	ct := String(m["contentType"])
	if ct == "" && !strings.Contains(item.MimeType, "/") {
		ct = item.MimeType
		item.MimeType = ""
	}
	if ct == "" {
		ct = ContentTypeFor(item.MimeType, item.FileURL)
	}
	item.ContentType = ct

	if item.Title == "" && item.FileURL != "" {
		item.Title = path.Base(strings.SplitN(item.FileURL, "?", 2)[0])
	}
	if item.Title == "" {
		item.Title = "Untitled"
	}
	return item
}

// Map encodes the item as a document map.
func (c ContentItem) Map() map[string]interface{} {
	var m map[string]interface{}
	data, _ := json.Marshal(c)
	_ = json.Unmarshal(data, &m)
	return m
}

var extensionTypes = map[string]string{
	".mp4": ContentVideo, ".mov": ContentVideo, ".webm": ContentVideo, ".mkv": ContentVideo,
	".mp3": ContentAudio, ".wav": ContentAudio, ".m4a": ContentAudio, ".ogg": ContentAudio,
	".jpg": ContentImage, ".jpeg": ContentImage, ".png": ContentImage, ".gif": ContentImage, ".webp": ContentImage,
}

// ContentTypeFor infers a content type from a MIME type, falling back to the URL's extension.
func ContentTypeFor(mimeType, fileURL string) string {
	switch {
	case strings.HasPrefix(mimeType, "video/"):
		return ContentVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return ContentAudio
	case strings.HasPrefix(mimeType, "image/"):
		return ContentImage
	case mimeType != "":
		return ContentDocument
	}
	ext := strings.ToLower(path.Ext(strings.SplitN(fileURL, "?", 2)[0]))
	if ct, ok := extensionTypes[ext]; ok {
		return ct
	}
	return ContentDocument
}

// Upload is a creator's uploaded file, stored in the uploads collection.
type Upload struct {
	ID           string    `json:"id"`
	UserID       string    `json:"uid"`
	Title        string    `json:"title"`
	Filename     string    `json:"filename"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	MimeType     string    `json:"mimeType"`
	Size         int64     `json:"size"`
	Duration     float64   `json:"duration,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ContentItem converts the upload into the denormalized form embedded in bundles.
func (u Upload) ContentItem() ContentItem {
	title := u.Title
	if title == "" {
		title = u.Filename
	}
	return ContentItem{
		ID:           u.ID,
		Title:        title,
		FileURL:      u.URL,
		ThumbnailURL: u.ThumbnailURL,
		MimeType:     u.MimeType,
		FileSize:     u.Size,
		Duration:     u.Duration,
		ContentType:  ContentTypeFor(u.MimeType, u.URL),
		Filename:     u.Filename,
	}
}

// String converts a loosely typed document value to a string.
func String(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}

// Float converts a loosely typed document value to a float64.
func Float(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	default:
		return 0
	}
}

// Int converts a loosely typed document value to an int64.
func Int(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case json.Number:
		i, _ := t.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return i
	default:
		return 0
	}
}

// Strings converts a document array into a string slice, skipping non-string entries.
func Strings(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Time converts a document timestamp to time.Time. Firestore returns time.Time while
// JSON backed stores return RFC 3339 strings.
func Time(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	default:
		return time.Time{}
	}
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := String(m[k]); s != "" {
			return s
		}
	}
	return ""
}
