package link

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/exchangelink/internal/domain/schema"
)

const (
	defaultCacheTTL   = 30 * time.Second
	defaultCacheDepth = 5
)

// Quote is the best bid and ask of a cached book.
type Quote struct {
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	BidSize    decimal.Decimal
	AskSize    decimal.Decimal
	CapturedAt time.Time
}

type bookEntry struct {
	bids       []schema.PriceLevel
	asks       []schema.PriceLevel
	capturedAt time.Time
}

// BookCache keeps the top levels of recently seen order books, expiring entries after a TTL.
type BookCache struct {
	ttl   time.Duration
	depth int

	mu        sync.RWMutex
	entries   map[string]bookEntry
	lastSweep time.Time
}

// NewBookCache builds a cache. Non-positive arguments fall back to 30s and 5 levels.
func NewBookCache(ttl time.Duration, depth int) *BookCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if depth <= 0 {
		depth = defaultCacheDepth
	}
	return &BookCache{
		ttl:     ttl,
		depth:   depth,
		entries: make(map[string]bookEntry),
	}
}

// Update replaces the cached levels for symbol.
func (c *BookCache) Update(symbol string, bids, asks []schema.PriceLevel, now time.Time) {
	if symbol == "" {
		return
	}
	entry := bookEntry{
		bids:       topLevels(bids, c.depth),
		asks:       topLevels(asks, c.depth),
		capturedAt: now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[symbol] = entry
	if now.Sub(c.lastSweep) >= c.ttl {
		c.sweepLocked(now)
		c.lastSweep = now
	}
}

// BestBidAsk returns the first level of each side. ok is false when the entry is
// missing, stale, or has an empty side.
func (c *BookCache) BestBidAsk(symbol string, now time.Time) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[symbol]
	if !ok || c.expired(entry, now) || len(entry.bids) == 0 || len(entry.asks) == 0 {
		return Quote{}, false
	}
	return Quote{
		Bid:        entry.bids[0].Price,
		Ask:        entry.asks[0].Price,
		BidSize:    entry.bids[0].Size,
		AskSize:    entry.asks[0].Size,
		CapturedAt: entry.capturedAt,
	}, true
}

// Levels returns copies of the cached levels for symbol.
func (c *BookCache) Levels(symbol string, now time.Time) (bids, asks []schema.PriceLevel, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, found := c.entries[symbol]
	if !found || c.expired(entry, now) {
		return nil, nil, false
	}
	return append([]schema.PriceLevel(nil), entry.bids...), append([]schema.PriceLevel(nil), entry.asks...), true
}

// Sweep drops expired entries and returns how many were removed.
func (c *BookCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSweep = now
	return c.sweepLocked(now)
}

// Len returns the number of cached symbols, fresh or not.
func (c *BookCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *BookCache) sweepLocked(now time.Time) int {
	removed := 0
	for symbol, entry := range c.entries {
		if c.expired(entry, now) {
			delete(c.entries, symbol)
			removed++
		}
	}
	return removed
}

func (c *BookCache) expired(entry bookEntry, now time.Time) bool {
	return now.Sub(entry.capturedAt) > c.ttl
}

func topLevels(levels []schema.PriceLevel, depth int) []schema.PriceLevel {
	if len(levels) > depth {
		levels = levels[:depth]
	}
	return append([]schema.PriceLevel(nil), levels...)
}
