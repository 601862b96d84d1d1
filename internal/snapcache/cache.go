package snapcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultTTL bounds how long a paginated snapshot stays retrievable
// without re-invoking the child.
const DefaultTTL = 10 * time.Minute

// ErrSnapshotNotFound is returned when a fingerprint is unknown or expired,
// or when the requested page index is out of range for a live entry.
type ErrSnapshotNotFound struct {
	Fingerprint string
	PageIndex   int
}

func (e *ErrSnapshotNotFound) Error() string {
	return fmt.Sprintf("no cached snapshot for %s page %d", e.Fingerprint, e.PageIndex)
}

// Entry is an immutable paginated snapshot. Pages hold the serialized page
// bodies in order; PageSize records the limit the pagination was cut with,
// so callers can verify an offset/limit pair addresses a real page boundary.
type Entry struct {
	Fingerprint string
	Pages       []string
	TotalItems  int
	PageSize    int
	CreatedAt   time.Time
}

// Page is a single lookup result.
type Page struct {
	Content    string
	PageIndex  int
	TotalPages int
	TotalItems int
	PageSize   int
	HasMore    bool
}

// Cache holds paginated post-processed snapshots keyed by fingerprint.
// Purely in-memory; nothing survives restart.
type Cache struct {
	entries *ttlcache.Cache[string, *Entry]
}

func New(defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	c := &Cache{
		entries: ttlcache.New(
			ttlcache.WithTTL[string, *Entry](defaultTTL),
			ttlcache.WithDisableTouchOnHit[string, *Entry](),
		),
	}
	go c.entries.Start()
	return c
}

// Store inserts an entry. A zero ttl uses the cache default. Entries are
// never updated in place; storing the same fingerprint again replaces the
// whole entry (the content is identical by construction of the fingerprint).
func (c *Cache) Store(fingerprint string, pages []string, totalItems, pageSize int, ttl time.Duration) {
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	c.entries.Set(fingerprint, &Entry{
		Fingerprint: fingerprint,
		Pages:       pages,
		TotalItems:  totalItems,
		PageSize:    pageSize,
		CreatedAt:   time.Now(),
	}, ttl)
}

// Lookup returns page pageIndex of a live entry.
func (c *Cache) Lookup(fingerprint string, pageIndex int) (*Page, error) {
	item := c.entries.Get(fingerprint)
	if item == nil {
		return nil, &ErrSnapshotNotFound{Fingerprint: fingerprint, PageIndex: pageIndex}
	}
	entry := item.Value()
	if pageIndex < 0 || pageIndex >= len(entry.Pages) {
		return nil, &ErrSnapshotNotFound{Fingerprint: fingerprint, PageIndex: pageIndex}
	}
	return &Page{
		Content:    entry.Pages[pageIndex],
		PageIndex:  pageIndex,
		TotalPages: len(entry.Pages),
		TotalItems: entry.TotalItems,
		PageSize:   entry.PageSize,
		HasMore:    pageIndex < len(entry.Pages)-1,
	}, nil
}

// Peek returns the whole live entry without the page-index bounds check.
func (c *Cache) Peek(fingerprint string) (*Entry, bool) {
	item := c.entries.Get(fingerprint)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// EvictExpired forces an immediate expiry pass and reports how many live
// entries remain. The background janitor started by New does this on its
// own cadence; this exists for shutdown accounting and tests.
func (c *Cache) EvictExpired() int {
	c.entries.DeleteExpired()
	return c.entries.Len()
}

func (c *Cache) Stop() {
	c.entries.Stop()
}

// Fingerprint derives the cache key for a post-processed snapshot. It binds
// the raw payload to every parameter that shapes the rendered pages, so two
// calls agree on a fingerprint only when their pages are byte-identical.
func Fingerprint(rawPayload, query string, flatten bool, outputFormat string) string {
	h := sha256.New()
	h.Write([]byte(rawPayload))
	h.Write([]byte{0})
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(flatten)))
	h.Write([]byte{0})
	h.Write([]byte(outputFormat))
	return "snap_" + hex.EncodeToString(h.Sum(nil))[:16]
}
