// Package quotes provides the TTL-bounded price cache and the quote gateway
// that feeds it from the market-data provider.
package quotes

import (
	"sync"
	"time"

	"github.com/advisorly/marketgate/internal/instrument"
)

// Snapshot is one observed quote. Snapshots are immutable; a fresher
// observation supersedes the cache entry rather than mutating it.
type Snapshot struct {
	Symbol        string  `json:"symbol"`
	Exchange      string  `json:"exchange"`
	LastPrice     float64 `json:"last_price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Open          float64 `json:"open"`
	PrevClose     float64 `json:"prev_close"`
	ObservedAtMs  int64   `json:"observed_at_ms"`
}

type cacheEntry struct {
	snapshot  Snapshot
	expiresAt time.Time
}

// Cache holds quote snapshots keyed by (symbol, instrument kind) with a fixed
// TTL. Entries are evicted lazily on read; concurrent writers race benignly
// (last writer wins) because entries are immutable snapshots.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock overrides the wall clock, for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

func cacheKey(symbol string, kind instrument.Kind) string {
	return symbol + "|" + string(kind)
}

// Get returns the cached snapshot for (symbol, kind) if it is still fresh.
func (c *Cache) Get(symbol string, kind instrument.Kind) (Snapshot, bool) {
	key := cacheKey(symbol, kind)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a fresher writer may have raced us.
		if cur, still := c.entries[key]; still && !c.now().Before(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return Snapshot{}, false
	}
	return entry.snapshot, true
}

// Put stores a snapshot with expiry observedAt + TTL.
func (c *Cache) Put(symbol string, kind instrument.Kind, snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(symbol, kind)] = cacheEntry{
		snapshot:  snap,
		expiresAt: c.now().Add(c.ttl),
	}
}

// InvalidateAll drops every entry. Wired to the credential manager's manual
// rotation hook: quotes served under a replaced identity cannot be trusted.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Len returns the number of resident entries, including any not yet lazily
// evicted.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
