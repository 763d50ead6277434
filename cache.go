package linkage

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CacheKey identifies one gateway answer.
type CacheKey struct {
	Gateway    string
	Mention    string
	ColumnType ColumnType
}

func (k CacheKey) String() string {
	return k.Gateway + "\x00" + string(k.ColumnType) + "\x00" + k.Mention
}

// Cache is a TTL and size-bounded store of gateway answers shared across
// requests. Values are copied on the way in and out, so requests never share
// candidate slices.
type Cache struct {
	mu         sync.Mutex // serializes Set so the bound holds
	store      *gocache.Cache
	maxEntries int
}

// NewCache creates a cache whose janitor removes expired entries in the
// background. maxEntries <= 0 means unbounded.
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	cleanup := ttl / 2
	if cleanup <= 0 || cleanup > time.Minute {
		cleanup = time.Minute
	}
	return &Cache{
		store:      gocache.New(ttl, cleanup),
		maxEntries: maxEntries,
	}
}

// Get returns a copy of the cached candidates when present and fresh.
func (c *Cache) Get(key CacheKey) ([]Candidate, bool) {
	v, ok := c.store.Get(key.String())
	if !ok {
		return nil, false
	}
	cands, _ := v.([]Candidate)
	return cloneCandidates(cands), true
}

// Set stores a copy of the candidates. At capacity the entry closest to
// expiry, which is the one stored longest ago, makes room.
func (c *Cache) Set(key CacheKey, candidates []Candidate) {
	k := key.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxEntries > 0 && c.store.ItemCount() >= c.maxEntries {
		if _, exists := c.store.Get(k); !exists {
			c.store.DeleteExpired()
			if c.store.ItemCount() >= c.maxEntries {
				c.evictOldest()
			}
		}
	}
	c.store.Set(k, cloneCandidates(candidates), gocache.DefaultExpiration)
}

func (c *Cache) evictOldest() {
	var (
		oldest string
		expiry int64
	)
	for k, item := range c.store.Items() {
		if oldest == "" || item.Expiration < expiry {
			oldest, expiry = k, item.Expiration
		}
	}
	if oldest != "" {
		c.store.Delete(oldest)
	}
}

// Len returns the number of stored entries, including expired entries the
// janitor has not removed yet.
func (c *Cache) Len() int {
	return c.store.ItemCount()
}

// Close drops every entry. It is safe to call more than once.
func (c *Cache) Close() {
	c.store.Flush()
}
