// Package market moves ticker data between the exchange feed, redis and the settlement core.
package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"settlement-core/internal/order"
	"settlement-core/pkg/cache"
)

const (
	// TickStreamKey is the redis stream every feed appends to.
	TickStreamKey = "stream:market_ticks"
	// DefaultStreamMaxLen bounds the stream with an approximate trim.
	DefaultStreamMaxLen int64 = 10000
	// DefaultFreshness is how long a cached price answers without going to redis.
	DefaultFreshness = 5 * time.Second
)

// LatestKey names the hash holding the latest tick of symbol.
func LatestKey(symbol string) string {
	return "latest:" + symbol
}

// tickFields flattens a tick into the hash/stream field layout.
func tickFields(t order.Tick) map[string]any {
	return map[string]any{
		"symbol":    t.Symbol,
		"ts":        strconv.FormatInt(t.TS, 10),
		"bid":       t.Bid.String(),
		"ask":       t.Ask.String(),
		"last":      t.Last.String(),
		"volume24h": t.Volume24h.String(),
		"change24h": t.Change24h.String(),
	}
}

func decodeTick(fields map[string]string) (order.Tick, error) {
	var t order.Tick
	t.Symbol = fields["symbol"]
	if t.Symbol == "" {
		return t, errors.New("tick has no symbol")
	}
	if raw := fields["ts"]; raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return t, fmt.Errorf("parse ts %q: %w", raw, err)
		}
		t.TS = ts
	}
	for name, dst := range map[string]*decimal.Decimal{
		"bid":       &t.Bid,
		"ask":       &t.Ask,
		"last":      &t.Last,
		"volume24h": &t.Volume24h,
		"change24h": &t.Change24h,
	} {
		raw := fields[name]
		if raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return t, fmt.Errorf("parse %s %q: %w", name, raw, err)
		}
		*dst = v
	}
	return t, nil
}

func stringFields(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch s := v.(type) {
		case string:
			out[k] = s
		default:
			out[k] = fmt.Sprint(s)
		}
	}
	return out
}

// WriteTick stores t as the latest sample of its symbol and appends it to the stream.
func WriteTick(ctx context.Context, rdb redis.UniversalClient, t order.Tick, maxLen int64) error {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	fields := tickFields(t)
	_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, LatestKey(t.Symbol), fields)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: TickStreamKey,
			MaxLen: maxLen,
			Approx: true,
			Values: fields,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("write tick %s: %w", t.Symbol, err)
	}
	return nil
}

// RedisPrices reads the latest:<symbol> hashes maintained by the feeds.
type RedisPrices struct {
	rdb redis.UniversalClient
}

func NewRedisPrices(rdb redis.UniversalClient) *RedisPrices {
	return &RedisPrices{rdb: rdb}
}

// CurrentPrice returns the last traded price of symbol.
func (p *RedisPrices) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	raw, err := p.rdb.HGet(ctx, LatestKey(symbol), "last").Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", order.ErrMarketDataUnavailable, symbol)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: read price %s: %v", order.ErrMarketDataUnavailable, symbol, err)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: bad price %q for %s", order.ErrMarketDataUnavailable, raw, symbol)
	}
	return price, nil
}

// Latest returns the whole latest tick of symbol.
func (p *RedisPrices) Latest(ctx context.Context, symbol string) (order.Tick, error) {
	fields, err := p.rdb.HGetAll(ctx, LatestKey(symbol)).Result()
	if err != nil {
		return order.Tick{}, fmt.Errorf("%w: read tick %s: %v", order.ErrMarketDataUnavailable, symbol, err)
	}
	if len(fields) == 0 {
		return order.Tick{}, fmt.Errorf("%w: no tick for %s", order.ErrMarketDataUnavailable, symbol)
	}
	t, err := decodeTick(fields)
	if err != nil {
		return order.Tick{}, fmt.Errorf("%w: %v", order.ErrMarketDataUnavailable, err)
	}
	return t, nil
}

// CachedPrices answers from an in-process cache and falls back to source once an entry is
// older than the freshness window.
type CachedPrices struct {
	source order.PriceSource
	cache  *cache.PriceCache
	maxAge time.Duration
}

func NewCachedPrices(source order.PriceSource, c *cache.PriceCache, maxAge time.Duration) *CachedPrices {
	if c == nil {
		c = cache.NewPriceCache()
	}
	if maxAge <= 0 {
		maxAge = DefaultFreshness
	}
	return &CachedPrices{source: source, cache: c, maxAge: maxAge}
}

func (p *CachedPrices) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if price, ok := p.cache.GetFresh(symbol, p.maxAge); ok {
		return price, nil
	}
	price, err := p.source.CurrentPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	p.cache.Set(symbol, price)
	return price, nil
}

// Observe refreshes the cache from a streamed tick.
func (p *CachedPrices) Observe(t order.Tick) {
	if t.Last.IsPositive() {
		p.cache.Set(t.Symbol, t.Last)
	}
}

// Snapshot returns every cached price.
func (p *CachedPrices) Snapshot() map[string]decimal.Decimal {
	return p.cache.Snapshot()
}

// Prune drops entries that are well past the freshness window, such as symbols that
// stopped ticking.
func (p *CachedPrices) Prune() int {
	return p.cache.Cleanup(10 * p.maxAge)
}

// StartJanitor prunes the cache every interval until ctx is cancelled.
func (p *CachedPrices) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Prune()
			}
		}
	}()
}
