package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
)

// rowCache is the in-memory fallback used when the backing store is
// unavailable. Entries are keyed by (series slug, window start epoch),
// expire after a TTL and the cache is capped, evicting oldest first.
type rowCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]cacheEntry
}

type cacheEntry struct {
	row     market.Row
	savedAt time.Time
}

func newRowCache(ttl time.Duration, max int) *rowCache {
	return &rowCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(seriesSlug string, startEpoch int64) string {
	return fmt.Sprintf("%s:%d", seriesSlug, startEpoch)
}

func (c *rowCache) Get(seriesSlug string, startEpoch int64) (market.Row, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey(seriesSlug, startEpoch)]
	if !ok {
		return market.Row{}, false
	}
	if time.Since(e.savedAt) > c.ttl {
		delete(c.entries, cacheKey(seriesSlug, startEpoch))
		return market.Row{}, false
	}
	return e.row, true
}

func (c *rowCache) Put(seriesSlug string, startEpoch int64, row market.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(seriesSlug, startEpoch)] = cacheEntry{row: row, savedAt: time.Now()}
	c.evict()
}

// evict drops expired entries, then oldest entries past the cap. Caller
// holds the lock.
func (c *rowCache) evict() {
	now := time.Now()
	for k, e := range c.entries {
		if now.Sub(e.savedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
	for len(c.entries) > c.max {
		oldestKey := ""
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.savedAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.savedAt
			}
		}
		delete(c.entries, oldestKey)
	}
}
