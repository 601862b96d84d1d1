package intercept

import (
	"encoding/base64"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/InsulaLabs/pwmcp/internal/blob"
)

// forcedTools always get a full binary scan regardless of string sizes.
var forcedTools = map[string]bool{
	"browser_screenshot":      true,
	"browser_take_screenshot": true,
	"browser_pdf":             true,
	"browser_pdf_save":        true,
	"browser_save_as_pdf":     true,
}

// binaryKeys name fields that carry raw payloads in forced-tool results.
var binaryKeys = map[string]bool{
	"screenshot": true,
	"pdf":        true,
	"image":      true,
	"data":       true,
	"bytes":      true,
	"file":       true,
}

var dataURIPattern = regexp.MustCompile(`^data:([a-zA-Z0-9.+-]+/[a-zA-Z0-9.+-]+);base64,(.*)$`)

var base64Charset = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// Interceptor rewrites oversize binary fields in tool results into blob
// references. It is idempotent: blob URIs and the sibling metadata fields
// it inserts are never themselves intercepted.
type Interceptor struct {
	logger    *slog.Logger
	store     *blob.Store
	threshold int
}

func New(logger *slog.Logger, store *blob.Store, thresholdBytes int) *Interceptor {
	return &Interceptor{
		logger:    logger.With("component", "intercept"),
		store:     store,
		threshold: thresholdBytes,
	}
}

// Transform walks the result tree and substitutes every oversize binary
// string with a blob reference plus sibling metadata fields. Inputs with
// no oversize binary fields come back unchanged. Failures to store or
// decode are logged and leave the field as-is; the call never fails here.
func (ic *Interceptor) Transform(toolName string, result any) any {
	forced := forcedTools[toolName]
	return ic.walk(toolName, result, forced)
}

func (ic *Interceptor) walk(toolName string, node any, forced bool) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if s, ok := val.(string); ok {
				if replaced, ok := ic.interceptField(toolName, key, s, forced); ok {
					for k, rv := range replaced {
						out[k] = rv
					}
					continue
				}
			}
			out[key] = ic.walk(toolName, val, forced)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = ic.walk(toolName, item, forced)
		}
		return out
	default:
		return node
	}
}

// interceptField decides whether one string field is an oversize binary
// payload; if so it stores the bytes and returns the replacement field set.
func (ic *Interceptor) interceptField(toolName, key, value string, forced bool) (map[string]any, bool) {
	if strings.HasPrefix(value, "blob://") {
		return nil, false
	}
	if isMetadataKey(key) {
		return nil, false
	}

	payload, mimeType, candidate := classify(key, value, forced)
	if !candidate {
		return nil, false
	}
	// Short payloads stay inline. Exactly at the threshold is still inline.
	if base64.StdEncoding.DecodedLen(len(payload)) <= ic.threshold {
		return nil, false
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		ic.logger.Warn("oversize field is not valid base64, leaving inline",
			"tool", toolName, "field", key, "error", err)
		return nil, false
	}
	if len(data) <= ic.threshold {
		return nil, false
	}

	ref, err := ic.store.Put(data, mimeType, []string{toolName})
	if err != nil {
		ic.logger.Error("failed to store intercepted payload",
			"tool", toolName, "field", key, "error", err)
		return nil, false
	}

	ic.logger.Info("binary payload intercepted",
		"tool", toolName,
		"field", key,
		"blob_id", ref.BlobID,
		"size_bytes", ref.SizeBytes,
	)

	return map[string]any{
		key:                 ref.URI(),
		key + "_size_kb":    math.Round(float64(ref.SizeBytes)/1024*10) / 10,
		key + "_mime_type":  ref.MimeType,
		key + "_expires_at": ref.ExpiresAt.Format(time.RFC3339),
	}, true
}

// classify extracts the base64 payload and mime type when the field
// plausibly carries binary data.
func classify(key, value string, forced bool) (payload, mimeType string, ok bool) {
	if m := dataURIPattern.FindStringSubmatch(value); m != nil {
		return m[2], m[1], true
	}
	if !looksBase64(value) {
		return "", "", false
	}
	if !forced && !binaryKeys[strings.ToLower(key)] {
		// Outside forced tools, an unnamed long base64 string still
		// qualifies; the size gate upstream decides.
		return value, "application/octet-stream", true
	}
	return value, mimeForKey(key), true
}

func looksBase64(s string) bool {
	if len(s) < 4 || len(s)%4 != 0 {
		return false
	}
	return base64Charset.MatchString(s)
}

func mimeForKey(key string) string {
	switch strings.ToLower(key) {
	case "screenshot", "image":
		return "image/png"
	case "pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

// isMetadataKey guards the sibling fields Transform itself inserts.
func isMetadataKey(key string) bool {
	return strings.HasSuffix(key, "_size_kb") ||
		strings.HasSuffix(key, "_mime_type") ||
		strings.HasSuffix(key, "_expires_at")
}
