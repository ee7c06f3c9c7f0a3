package model

import (
	"testing"
)

func TestContentItemFromMapNormalizesLegacyKeys(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]interface{}
		want ContentItem
	}{
		{
			name: "canonical keys",
			in: map[string]interface{}{
				"id": "c1", "title": "Intro", "fileUrl": "https://cdn/x.mp4",
				"mimeType": "video/mp4", "fileSize": float64(2048), "duration": float64(61),
			},
			want: ContentItem{ID: "c1", Title: "Intro", FileURL: "https://cdn/x.mp4", MimeType: "video/mp4",
				FileSize: 2048, Duration: 61, ContentType: ContentVideo},
		},
		{
			name: "legacy url name size type",
			in: map[string]interface{}{
				"id": "c2", "name": "Track", "downloadUrl": "https://cdn/a.mp3",
				"size": int64(99), "type": "audio/mpeg",
			},
			want: ContentItem{ID: "c2", Title: "Track", FileURL: "https://cdn/a.mp3", MimeType: "audio/mpeg",
				FileSize: 99, ContentType: ContentAudio},
		},
		{
			name: "type holds content type",
			in:   map[string]interface{}{"id": "c3", "url": "https://cdn/doc.pdf", "type": "document"},
			want: ContentItem{ID: "c3", Title: "doc.pdf", FileURL: "https://cdn/doc.pdf", ContentType: ContentDocument},
		},
		{
			name: "extension fallback",
			in:   map[string]interface{}{"id": "c4", "fileUrl": "https://cdn/p.PNG?sig=1"},
			want: ContentItem{ID: "c4", Title: "p.PNG", FileURL: "https://cdn/p.PNG?sig=1", ContentType: ContentImage},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ContentItemFromMap(tt.in)
			if got != tt.want {
				t.Errorf("ContentItemFromMap() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBundleDocumentKeepsUnknownFields(t *testing.T) {
	doc := map[string]interface{}{
		"title":             "Pack",
		"price":             float64(9.99),
		"currency":          "USD",
		"userId":            "creator-1",
		"contentItems":      []interface{}{"u1", "u2"},
		"contentUrls":       []interface{}{"https://a", "https://b"},
		"contentMetadata":   map[string]interface{}{"totalDuration": float64(10)},
		"customLegacyField": true,
	}

	b := BundleFromDocument("B1", doc)
	if b.CreatorID != "creator-1" {
		t.Errorf("CreatorID = %q, want creator-1", b.CreatorID)
	}
	if b.Currency != "usd" {
		t.Errorf("Currency = %q, want usd", b.Currency)
	}
	if len(b.ContentItems) != 2 {
		t.Fatalf("ContentItems = %v", b.ContentItems)
	}
	if b.Status != "active" {
		t.Errorf("Status = %q, want active", b.Status)
	}

	out := b.Document()
	if out["customLegacyField"] != true {
		t.Error("Document() dropped an unknown field")
	}
	if out["creatorId"] != "creator-1" {
		t.Errorf("Document() creatorId = %v", out["creatorId"])
	}
	if _, ok := out["contentUrls"]; !ok {
		t.Error("Document() dropped contentUrls")
	}
}

func TestLooseConversions(t *testing.T) {
	if got := Float("9.99"); got != 9.99 {
		t.Errorf("Float(string) = %v", got)
	}
	if got := Int(float64(12)); got != 12 {
		t.Errorf("Int(float64) = %v", got)
	}
	if got := Strings([]interface{}{"a", 3, nil, "b"}); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Strings() = %v", got)
	}
	if got := Time("2024-05-01T10:00:00Z"); got.IsZero() {
		t.Error("Time(RFC3339) returned zero")
	}
}
