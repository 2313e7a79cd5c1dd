package feed

import (
	"errors"
	"testing"
	"time"

	"oddsflow/internal/models"
	"oddsflow/internal/venue"
)

func TestCacheServesUntilTTL(t *testing.T) {
	c := newMarketCache(time.Minute, 10)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	c.put("kalshi|FED-25DEC", &models.Market{Symbol: "FED-25DEC"}, nil)

	market, err, ok := c.get("kalshi|FED-25DEC")
	if !ok || err != nil || market.Symbol != "FED-25DEC" {
		t.Fatalf("expected fresh hit, got %v %v %v", market, err, ok)
	}

	now = now.Add(time.Minute + time.Second)
	if _, _, ok := c.get("kalshi|FED-25DEC"); ok {
		t.Fatalf("entry past TTL must miss")
	}
	if c.len() != 0 {
		t.Fatalf("expired entry must be evicted, len=%d", c.len())
	}
}

func TestCacheTTLRunsFromInsertionNotLastRead(t *testing.T) {
	c := newMarketCache(time.Minute, 10)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	c.put("k", &models.Market{Symbol: "k"}, nil)

	// A read halfway through the window does not extend it.
	now = now.Add(45 * time.Second)
	if _, _, ok := c.get("k"); !ok {
		t.Fatalf("expected hit before TTL")
	}
	now = now.Add(30 * time.Second)
	if _, _, ok := c.get("k"); ok {
		t.Fatalf("TTL runs from insertion; entry must be gone")
	}
}

func TestCacheEvictsOldestInsertionAtCapacity(t *testing.T) {
	c := newMarketCache(time.Hour, 2)
	c.put("a", &models.Market{Symbol: "a"}, nil)
	c.put("b", &models.Market{Symbol: "b"}, nil)
	c.put("c", &models.Market{Symbol: "c"}, nil)

	if _, _, ok := c.get("a"); ok {
		t.Fatalf("oldest insertion must be evicted")
	}
	if _, _, ok := c.get("b"); !ok {
		t.Fatalf("expected b to survive")
	}
	if _, _, ok := c.get("c"); !ok {
		t.Fatalf("expected c to survive")
	}
	if c.len() != 2 {
		t.Fatalf("capacity must hold, len=%d", c.len())
	}
}

func TestCacheStoresNegativeResults(t *testing.T) {
	c := newMarketCache(time.Hour, 10)
	c.put("kalshi|nope", nil, venue.ErrMarketNotFound)

	market, err, ok := c.get("kalshi|nope")
	if !ok {
		t.Fatalf("negative result must be cached")
	}
	if market != nil || !errors.Is(err, venue.ErrMarketNotFound) {
		t.Fatalf("expected cached not-found, got %v %v", market, err)
	}
}

func TestCacheReplaceRefreshesInsertionOrder(t *testing.T) {
	c := newMarketCache(time.Hour, 2)
	c.put("a", &models.Market{Symbol: "a"}, nil)
	c.put("b", &models.Market{Symbol: "b"}, nil)
	c.put("a", &models.Market{Symbol: "a2"}, nil) // re-insert: a becomes newest
	c.put("c", &models.Market{Symbol: "c"}, nil)  // evicts b, the oldest

	if _, _, ok := c.get("b"); ok {
		t.Fatalf("b should have been evicted")
	}
	market, _, ok := c.get("a")
	if !ok || market.Symbol != "a2" {
		t.Fatalf("expected refreshed a, got %v %v", market, ok)
	}
}
