package models

import (
	"fmt"
	"mime"
	"strings"
	"time"
)

// BlobRef is handed to callers in place of raw bytes. The string form
// (blob://<id>.<ext>) is what actually appears inside tool results; the
// struct form is what the store and interceptor pass around internally.
type BlobRef struct {
	BlobID    string    `json:"blob_id"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// URI renders the blob://<id>.<ext> form.
func (r BlobRef) URI() string {
	return fmt.Sprintf("blob://%s.%s", r.BlobID, ExtensionForMime(r.MimeType))
}

// BlobSidecar is the JSON written next to each blob file as <blobId>.meta.
// The directory listing plus these sidecars are the only index; there is no
// database.
type BlobSidecar struct {
	BlobID    string    `json:"blob_id"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Tags      []string  `json:"tags,omitempty"`
}

// ExtensionForMime maps a mime type to the file extension used for the
// on-disk blob name and the blob:// URI. Unknown types fall back to "bin".
func ExtensionForMime(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "application/pdf":
		return "pdf"
	case "text/plain":
		return "txt"
	case "application/json":
		return "json"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return "bin"
}
