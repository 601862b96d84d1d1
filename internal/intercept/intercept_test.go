package intercept

import (
	"encoding/base64"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InsulaLabs/pwmcp/config"
	"github.com/InsulaLabs/pwmcp/internal/blob"
)

const threshold = 64

func testInterceptor(t *testing.T) (*Interceptor, *blob.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store, err := blob.NewStore(logger, config.Blob{
		StorageRoot:     t.TempDir(),
		MaxSizeBytes:    10 * 1024 * 1024,
		TTL:             time.Hour,
		CleanupInterval: time.Minute,
	})
	require.NoError(t, err)
	return New(logger, store, threshold), store
}

func b64(n int) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", n)))
}

func TestScreenshotIntercepted(t *testing.T) {
	ic, store := testInterceptor(t)

	result := map[string]any{
		"screenshot": b64(200),
		"url":        "https://example.com",
	}
	out := ic.Transform("browser_take_screenshot", result).(map[string]any)

	uri, ok := out["screenshot"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(uri, "blob://"))
	assert.Equal(t, "image/png", out["screenshot_mime_type"])
	assert.Equal(t, 0.2, out["screenshot_size_kb"])
	assert.NotEmpty(t, out["screenshot_expires_at"])
	assert.Equal(t, "https://example.com", out["url"])

	// Payload is retrievable by the encoded blob id.
	blobID := strings.TrimSuffix(strings.TrimPrefix(uri, "blob://"), ".png")
	rec, err := store.Get(blobID)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 200), string(rec.Data))
}

func TestDataURIIntercepted(t *testing.T) {
	ic, _ := testInterceptor(t)

	out := ic.Transform("browser_navigate", map[string]any{
		"preview": "data:image/webp;base64," + b64(500),
	}).(map[string]any)

	assert.True(t, strings.HasPrefix(out["preview"].(string), "blob://"))
	assert.Equal(t, "image/webp", out["preview_mime_type"])
}

func TestThresholdBoundary(t *testing.T) {
	ic, _ := testInterceptor(t)

	at := map[string]any{"data": b64(threshold)}
	out := ic.Transform("browser_screenshot", at).(map[string]any)
	assert.Equal(t, at["data"], out["data"])
	assert.NotContains(t, out, "data_mime_type")

	above := map[string]any{"data": b64(threshold + 1)}
	out = ic.Transform("browser_screenshot", above).(map[string]any)
	assert.True(t, strings.HasPrefix(out["data"].(string), "blob://"))
}

func TestSmallFieldsUntouched(t *testing.T) {
	ic, _ := testInterceptor(t)

	result := map[string]any{
		"title":  "Example",
		"status": "ok",
		"nested": map[string]any{"count": float64(3)},
	}
	out := ic.Transform("browser_navigate", result)
	assert.Equal(t, result, out)
}

func TestIdempotence(t *testing.T) {
	ic, _ := testInterceptor(t)

	result := map[string]any{"screenshot": b64(300)}
	once := ic.Transform("browser_screenshot", result)
	twice := ic.Transform("browser_screenshot", once)
	assert.Equal(t, once, twice)
}

func TestNestedContentBlocks(t *testing.T) {
	ic, _ := testInterceptor(t)

	result := map[string]any{
		"content": []any{
			map[string]any{"type": "text", "text": "done"},
			map[string]any{"type": "image", "data": b64(400), "mimeType": "image/png"},
		},
	}
	out := ic.Transform("browser_take_screenshot", result).(map[string]any)
	blocks := out["content"].([]any)

	textBlock := blocks[0].(map[string]any)
	assert.Equal(t, "done", textBlock["text"])

	imageBlock := blocks[1].(map[string]any)
	assert.True(t, strings.HasPrefix(imageBlock["data"].(string), "blob://"))
	assert.Contains(t, imageBlock, "data_size_kb")
}

func TestBadBase64LeftInline(t *testing.T) {
	ic, _ := testInterceptor(t)

	// Right charset and length, but padding in the middle makes it
	// undecodable.
	bad := strings.Repeat("A", 100) + "=" + strings.Repeat("A", 99)
	require.Equal(t, 0, len(bad)%4)

	out := ic.Transform("browser_screenshot", map[string]any{"data": bad}).(map[string]any)
	assert.Equal(t, bad, out["data"])
}

func TestOversizePlainBase64OutsideForcedTools(t *testing.T) {
	ic, _ := testInterceptor(t)

	out := ic.Transform("browser_evaluate", map[string]any{
		"value": b64(500),
	}).(map[string]any)
	assert.True(t, strings.HasPrefix(out["value"].(string), "blob://"))
	assert.Equal(t, "application/octet-stream", out["value_mime_type"])
}
