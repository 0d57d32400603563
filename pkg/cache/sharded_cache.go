package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// PriceCache is a sharded in-process map of last prices.
type PriceCache struct {
	shards [numShards]*priceShard
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	c := &PriceCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]priceEntry)}
	}
	return c
}

func (c *PriceCache) shard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the price of symbol, stamped now.
func (c *PriceCache) Set(symbol string, price decimal.Decimal) {
	s := c.shard(symbol)
	s.mu.Lock()
	s.items[symbol] = priceEntry{price: price, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get returns the cached price regardless of age.
func (c *PriceCache) Get(symbol string) (decimal.Decimal, bool) {
	p, _, ok := c.GetWithAge(symbol)
	return p, ok
}

// GetFresh returns the price only when it is younger than maxAge.
func (c *PriceCache) GetFresh(symbol string, maxAge time.Duration) (decimal.Decimal, bool) {
	p, age, ok := c.GetWithAge(symbol)
	if !ok || age > maxAge {
		return decimal.Zero, false
	}
	return p, true
}

// GetWithAge returns the price and its age.
func (c *PriceCache) GetWithAge(symbol string) (decimal.Decimal, time.Duration, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	e, ok := s.items[symbol]
	s.mu.RUnlock()
	if !ok {
		return decimal.Zero, 0, false
	}
	return e.price, c.now().Sub(e.updatedAt), true
}

// Delete drops symbol.
func (c *PriceCache) Delete(symbol string) {
	s := c.shard(symbol)
	s.mu.Lock()
	delete(s.items, symbol)
	s.mu.Unlock()
}

// Len counts entries across shards.
func (c *PriceCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge and reports how many went.
func (c *PriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for sym, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Snapshot copies every cached price.
func (c *PriceCache) Snapshot() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, s := range c.shards {
		s.mu.RLock()
		for sym, e := range s.items {
			out[sym] = e.price
		}
		s.mu.RUnlock()
	}
	return out
}
