package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache() (*PriceCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewPriceCache()
	c.now = clock.now
	return c, clock
}

func TestPriceCacheFreshness(t *testing.T) {
	c, clock := newTestCache()
	c.Set("BTC-USD", decimal.NewFromInt(50000))

	p, ok := c.GetFresh("BTC-USD", 5*time.Second)
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.NewFromInt(50000)))

	clock.advance(6 * time.Second)
	_, ok = c.GetFresh("BTC-USD", 5*time.Second)
	assert.False(t, ok, "stale entry must not be served as fresh")

	p, age, ok := c.GetWithAge("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, 6*time.Second, age)
	assert.True(t, p.Equal(decimal.NewFromInt(50000)))

	_, ok = c.Get("ETH-USD")
	assert.False(t, ok)
}

func TestPriceCacheCleanupAndSnapshot(t *testing.T) {
	c, clock := newTestCache()
	c.Set("BTC-USD", decimal.NewFromInt(50000))
	clock.advance(time.Minute)
	c.Set("ETH-USD", decimal.NewFromInt(3000))
	c.Set("SOL-USD", decimal.NewFromInt(150))
	require.Equal(t, 3, c.Len())

	removed := c.Cleanup(30 * time.Second)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, c.Len())

	snap := c.Snapshot()
	assert.Len(t, snap, 2)
	assert.True(t, snap["ETH-USD"].Equal(decimal.NewFromInt(3000)))

	c.Delete("ETH-USD")
	_, ok := c.Get("ETH-USD")
	assert.False(t, ok)
}

func TestPriceCacheConcurrentAccess(t *testing.T) {
	c := NewPriceCache()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				sym := fmt.Sprintf("SYM%d-USD", i%20)
				c.Set(sym, decimal.NewFromInt(int64(w*i)))
				c.Get(sym)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 20, c.Len())
}
