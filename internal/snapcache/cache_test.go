package snapcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLookup(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	pages := []string{"page-0", "page-1", "page-2"}
	c.Store("snap_abc", pages, 120, 50, 0)

	for i, want := range pages {
		p, err := c.Lookup("snap_abc", i)
		require.NoError(t, err)
		assert.Equal(t, want, p.Content)
		assert.Equal(t, 3, p.TotalPages)
		assert.Equal(t, 120, p.TotalItems)
		assert.Equal(t, 50, p.PageSize)
		assert.Equal(t, i < 2, p.HasMore)
	}
}

func TestLookupUnknownFingerprint(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	_, err := c.Lookup("snap_missing", 0)
	var notFound *ErrSnapshotNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "snap_missing", notFound.Fingerprint)
}

func TestLookupPageOutOfRange(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	c.Store("snap_abc", []string{"only"}, 1, 50, 0)

	_, err := c.Lookup("snap_abc", 1)
	var notFound *ErrSnapshotNotFound
	require.ErrorAs(t, err, &notFound)

	_, err = c.Lookup("snap_abc", -1)
	require.ErrorAs(t, err, &notFound)
}

func TestEntryExpiry(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	c.Store("snap_shortlived", []string{"p"}, 1, 50, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	c.EvictExpired()

	_, err := c.Lookup("snap_shortlived", 0)
	var notFound *ErrSnapshotNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestFingerprintStability(t *testing.T) {
	a := Fingerprint("payload", "items[].name", true, "yaml")
	b := Fingerprint("payload", "items[].name", true, "yaml")
	assert.Equal(t, a, b)
	assert.Regexp(t, `^snap_[0-9a-f]{16}$`, a)

	// Every parameter participates in the key.
	assert.NotEqual(t, a, Fingerprint("payload2", "items[].name", true, "yaml"))
	assert.NotEqual(t, a, Fingerprint("payload", "items[].id", true, "yaml"))
	assert.NotEqual(t, a, Fingerprint("payload", "items[].name", false, "yaml"))
	assert.NotEqual(t, a, Fingerprint("payload", "items[].name", true, "json"))
}
