package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-core/internal/events"
	"settlement-core/internal/monitor"
	"settlement-core/internal/order"
	"settlement-core/pkg/cache"
	"settlement-core/pkg/logging"
)

func newRedis(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func tick(symbol, last string) order.Tick {
	p := decimal.RequireFromString(last)
	return order.Tick{Symbol: symbol, TS: 1700000000000, Bid: p, Ask: p, Last: p}
}

func TestRedisPrices(t *testing.T) {
	rdb, mr := newRedis(t)
	ctx := context.Background()
	require.NoError(t, WriteTick(ctx, rdb, tick("BTC-USD", "50000.5"), 0))

	prices := NewRedisPrices(rdb)
	got, err := prices.CurrentPrice(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, "50000.5", got.String())

	latest, err := prices.Latest(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", latest.Symbol)
	assert.Equal(t, int64(1700000000000), latest.TS)
	assert.Equal(t, "50000.5", latest.Bid.String())

	_, err = prices.CurrentPrice(ctx, "DOGE-USD")
	assert.ErrorIs(t, err, order.ErrMarketDataUnavailable)
	_, err = prices.Latest(ctx, "DOGE-USD")
	assert.ErrorIs(t, err, order.ErrMarketDataUnavailable)

	mr.HSet(LatestKey("ETH-USD"), "last", "0")
	_, err = prices.CurrentPrice(ctx, "ETH-USD")
	assert.ErrorIs(t, err, order.ErrMarketDataUnavailable)

	mr.HSet(LatestKey("SOL-USD"), "last", "abc")
	_, err = prices.CurrentPrice(ctx, "SOL-USD")
	assert.ErrorIs(t, err, order.ErrMarketDataUnavailable)
}

func TestWriteTickAppendsStream(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, WriteTick(ctx, rdb, tick("BTC-USD", "1"), 100))
	}
	n, err := rdb.XLen(ctx, TickStreamKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

type countingSource struct {
	calls int
	price decimal.Decimal
}

func (c *countingSource) CurrentPrice(context.Context, string) (decimal.Decimal, error) {
	c.calls++
	return c.price, nil
}

func TestCachedPrices(t *testing.T) {
	src := &countingSource{price: decimal.NewFromInt(100)}
	prices := NewCachedPrices(src, cache.NewPriceCache(), time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := prices.CurrentPrice(ctx, "BTC-USD")
		require.NoError(t, err)
		assert.Equal(t, "100", got.String())
	}
	assert.Equal(t, 1, src.calls)

	prices.Observe(tick("BTC-USD", "101"))
	got, err := prices.CurrentPrice(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, "101", got.String())
	assert.Equal(t, 1, src.calls)

	prices.Observe(tick("ETH-USD", "0"))
	_, ok := prices.Snapshot()["ETH-USD"]
	assert.False(t, ok)
}

func TestCachedPricesPrune(t *testing.T) {
	prices := NewCachedPrices(&countingSource{price: decimal.NewFromInt(1)}, nil, time.Millisecond)
	prices.Observe(tick("XRP-USD", "0.5"))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, prices.Prune())
	assert.Empty(t, prices.Snapshot())
}

func TestCachedPricesPropagatesErrors(t *testing.T) {
	rdb, _ := newRedis(t)
	prices := NewCachedPrices(NewRedisPrices(rdb), nil, 0)
	_, err := prices.CurrentPrice(context.Background(), "BTC-USD")
	assert.ErrorIs(t, err, order.ErrMarketDataUnavailable)
}

type recordingLimits struct {
	mu    sync.Mutex
	ticks []order.Tick
}

func (r *recordingLimits) ProcessLimitOrders(_ context.Context, t order.Tick) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, t)
	return 0, nil
}

func TestTickStreamReadOnce(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()
	require.NoError(t, WriteTick(ctx, rdb, tick("BTC-USD", "50000"), 0))
	bad, err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: TickStreamKey, Values: map[string]any{"foo": "bar"}}).Result()
	require.NoError(t, err)
	require.NoError(t, WriteTick(ctx, rdb, tick("ETH-USD", "3000"), 0))

	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventPriceTick, 8)
	defer unsub()
	limits := &recordingLimits{}
	metrics := monitor.NewMetrics()
	prices := NewCachedPrices(NewRedisPrices(rdb), nil, time.Minute)

	stream := NewTickStream(rdb, StreamOptions{
		StartID: "0",
		Block:   10 * time.Millisecond,
		Prices:  prices,
		Limits:  limits,
		Bus:     bus,
		Metrics: metrics,
		Log:     logging.Discard(),
	})

	handled, err := stream.ReadOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, handled)
	assert.NotEqual(t, bad, stream.LastID())

	require.Len(t, limits.ticks, 2)
	assert.Equal(t, "BTC-USD", limits.ticks[0].Symbol)
	assert.Equal(t, "ETH-USD", limits.ticks[1].Symbol)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Ticks))

	got := (<-ch).(order.Tick)
	assert.Equal(t, "BTC-USD", got.Symbol)
	snap := prices.Snapshot()
	assert.Equal(t, "3000", snap["ETH-USD"].String())

	handled, err = stream.ReadOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, handled)
}

func TestTickStreamRunStopsOnCancel(t *testing.T) {
	rdb, _ := newRedis(t)
	stream := NewTickStream(rdb, StreamOptions{Block: 10 * time.Millisecond, Log: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := map[string]string{
		"BTC/USD": "BTC-USD",
		"XBT/USD": "BTC-USD",
		"eth/usd": "ETH-USD",
		"SOL-USD": "SOL-USD",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeSymbol(in), in)
	}
	assert.Equal(t, "BTC/USD", KrakenPair("btc-usd"))
}

func TestNextBackoff(t *testing.T) {
	d := minBackoff
	var seen []time.Duration
	for i := 0; i < 6; i++ {
		seen = append(seen, d)
		d = nextBackoff(d)
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}, seen)
}

func TestIngestorHandleMessage(t *testing.T) {
	rdb, mr := newRedis(t)
	in := NewIngestor(rdb, IngestorOptions{Symbols: []string{"BTC-USD"}, Log: logging.Discard()})
	in.now = func() time.Time { return time.UnixMilli(1700000000000) }
	ctx := context.Background()

	tests := []struct {
		name    string
		frame   string
		written int
		wantErr bool
	}{
		{"ticker", `{"channel":"ticker","type":"update","data":[{"symbol":"BTC/USD","bid":50000.1,"ask":50000.2,"last":50000.15,"volume":12.5,"change":1.2}]}`, 1, false},
		{"heartbeat", `{"channel":"heartbeat"}`, 0, false},
		{"zero last", `{"channel":"ticker","data":[{"symbol":"ETH/USD","last":0}]}`, 0, false},
		{"rejected", `{"method":"subscribe","success":false,"error":"Currency pair not supported"}`, 0, true},
		{"garbage", `not json`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := in.handleMessage(ctx, []byte(tt.frame))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.written, n)
		})
	}

	assert.Equal(t, "50000.15", mr.HGet(LatestKey("BTC-USD"), "last"))
	assert.Equal(t, "1.2", mr.HGet(LatestKey("BTC-USD"), "change24h"))
	assert.Equal(t, "1700000000000", mr.HGet(LatestKey("BTC-USD"), "ts"))
	assert.False(t, mr.Exists(LatestKey("ETH-USD")))
}

func TestIngestorSession(t *testing.T) {
	rdb, _ := newRedis(t)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		var sub subscribeRequest
		assert.NoError(t, conn.ReadJSON(&sub))
		assert.Equal(t, "subscribe", sub.Method)
		assert.Equal(t, "ticker", sub.Params.Channel)
		assert.Equal(t, []string{"BTC/USD", "ETH/USD"}, sub.Params.Symbol)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"subscribe","success":true}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"ticker","type":"snapshot","data":[{"symbol":"BTC/USD","last":"50000"},{"symbol":"ETH/USD","last":"3000"}]}`))
	}))
	defer srv.Close()

	in := NewIngestor(rdb, IngestorOptions{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbols: []string{"BTC-USD", "ETH-USD"},
		Log:     logging.Discard(),
	})
	written, err := in.session(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2, written)

	price, err := NewRedisPrices(rdb).CurrentPrice(context.Background(), "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, "3000", price.String())
}

func TestMockFeedStep(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()
	feed := NewMockFeed(rdb, MockOptions{Symbols: []string{"BTC-USD", "XRP-USD"}, Seed: 7, Log: logging.Discard()})

	require.NoError(t, feed.Step(ctx))
	require.NoError(t, feed.Step(ctx))

	prices := NewRedisPrices(rdb)
	btc, err := prices.CurrentPrice(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.True(t, btc.Sub(decimal.NewFromInt(50000)).Abs().LessThan(decimal.NewFromInt(500)))

	xrp, err := prices.Latest(ctx, "XRP-USD")
	require.NoError(t, err)
	assert.True(t, xrp.Bid.LessThan(xrp.Ask))

	n, err := rdb.XLen(ctx, TickStreamKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
