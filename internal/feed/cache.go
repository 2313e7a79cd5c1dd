package feed

import (
	"sync"
	"time"

	"oddsflow/internal/models"
)

type cacheEntry struct {
	market  *models.Market
	err     error // not-found results are cached too
	addedAt time.Time
}

// marketCache is a short-TTL cache over venue market metadata lookups.
// Capacity is bounded; the oldest insertion is evicted first. Hand-rolled
// because the eviction and negative-caching rules are exact: TTL from
// insertion (never refreshed on read), and failed lookups cached the same
// as hits so a bad symbol cannot hammer the venue.
type marketCache struct {
	ttl time.Duration
	max int
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   []string
}

func newMarketCache(ttl time.Duration, max int) *marketCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if max <= 0 {
		max = 1024
	}
	return &marketCache{
		ttl:     ttl,
		max:     max,
		now:     time.Now,
		entries: make(map[string]*cacheEntry),
	}
}

func (c *marketCache) get(key string) (*models.Market, error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, nil, false
	}
	if c.now().Sub(entry.addedAt) > c.ttl {
		c.removeLocked(key)
		return nil, nil, false
	}
	return entry.market, entry.err, true
}

func (c *marketCache) put(key string, market *models.Market, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.removeLocked(key)
	}
	for len(c.entries) >= c.max && len(c.order) > 0 {
		c.removeLocked(c.order[0])
	}

	c.entries[key] = &cacheEntry{market: market, err: err, addedAt: c.now()}
	c.order = append(c.order, key)
}

func (c *marketCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *marketCache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
