package bridge

import (
	"time"
)

// Cache keeps recent residence card results so a card presented again within
// the TTL skips the slow OCR pass. Eviction is by insertion order: Get does not
// refresh an entry. Cache is not safe for concurrent use; the Bridge guards it.
type Cache struct {
	size int
	ttl  time.Duration
	now  func() time.Time

	keys    []string
	entries map[string]cacheEntry
}

type cacheEntry struct {
	at    time.Time
	value any
}

// CacheStats is the snapshot returned by Stats.
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	TTL     float64 `json:"ttl_seconds"`
}

func NewCache(size int, ttl time.Duration) *Cache {
	return &Cache{
		size:    size,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// CacheKey is the card number, optionally qualified by a hash of the card image.
func CacheKey(cardNumber, imageHash string) string {
	if imageHash == "" {
		return cardNumber
	}
	return cardNumber + ":" + imageHash
}

// Get returns the value stored under key. An expired entry is removed and
// reported absent.
func (c *Cache) Get(key string) (any, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.at) > c.ttl {
		c.remove(key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key, evicting the oldest entries when full.
func (c *Cache) Set(key string, value any) {
	if _, ok := c.entries[key]; ok {
		c.remove(key)
	}
	for len(c.keys) >= c.size && len(c.keys) > 0 {
		c.remove(c.keys[0])
	}
	c.keys = append(c.keys, key)
	c.entries[key] = cacheEntry{at: c.now(), value: value}
}

func (c *Cache) remove(key string) {
	delete(c.entries, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			return
		}
	}
}

func (c *Cache) Len() int { return len(c.keys) }

func (c *Cache) Clear() {
	c.keys = nil
	c.entries = make(map[string]cacheEntry)
}

func (c *Cache) Stats() CacheStats {
	return CacheStats{Size: len(c.keys), MaxSize: c.size, TTL: c.ttl.Seconds()}
}
