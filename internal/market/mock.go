package market

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-core/internal/order"
	"settlement-core/pkg/logging"
)

const priceScale = 8

var defaultMockPrices = map[string]decimal.Decimal{
	"BTC-USD": decimal.NewFromInt(50000),
	"ETH-USD": decimal.NewFromInt(3000),
	"SOL-USD": decimal.NewFromInt(150),
	"XRP-USD": decimal.RequireFromString("0.5"),
}

// MockOptions configures MockFeed.
type MockOptions struct {
	Symbols  []string
	Prices   map[string]decimal.Decimal
	Step     float64 // max relative move per tick
	Interval time.Duration
	Seed     int64
	Log      logrus.FieldLogger
}

// MockFeed generates a random walk per symbol for local runs without Kraken.
// It writes the same redis keys as the Ingestor.
type MockFeed struct {
	rdb      redis.UniversalClient
	symbols  []string
	step     float64
	interval time.Duration
	log      logrus.FieldLogger

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]decimal.Decimal
	open   map[string]decimal.Decimal
}

func NewMockFeed(rdb redis.UniversalClient, opts MockOptions) *MockFeed {
	m := &MockFeed{
		rdb:      rdb,
		symbols:  opts.Symbols,
		step:     opts.Step,
		interval: opts.Interval,
		log:      logging.Component(opts.Log, "mock-feed"),
		prices:   make(map[string]decimal.Decimal),
		open:     make(map[string]decimal.Decimal),
	}
	if len(m.symbols) == 0 {
		m.symbols = []string{"BTC-USD", "ETH-USD"}
	}
	if m.step <= 0 {
		m.step = 0.002
	}
	if m.interval <= 0 {
		m.interval = time.Second
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	m.rng = rand.New(rand.NewSource(seed))
	for _, sym := range m.symbols {
		start, ok := opts.Prices[sym]
		if !ok {
			start, ok = defaultMockPrices[sym]
		}
		if !ok {
			start = decimal.NewFromInt(100)
		}
		m.prices[sym] = start
		m.open[sym] = start
	}
	return m
}

func (m *MockFeed) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(m.interval)
		defer t.Stop()
		m.log.WithField("symbols", m.symbols).Info("mock feed started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := m.Step(ctx); err != nil && ctx.Err() == nil {
					m.log.WithError(err).Warn("mock tick")
				}
			}
		}
	}()
}

// Step moves every symbol once and writes the resulting ticks.
func (m *MockFeed) Step(ctx context.Context) error {
	for _, t := range m.next() {
		if err := WriteTick(ctx, m.rdb, t, DefaultStreamMaxLen); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockFeed) next() []order.Tick {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixMilli()
	spread := decimal.RequireFromString("0.0005")
	ticks := make([]order.Tick, 0, len(m.symbols))
	for _, sym := range m.symbols {
		move := decimal.NewFromFloat((m.rng.Float64()*2 - 1) * m.step)
		last := m.prices[sym].Mul(decimal.NewFromInt(1).Add(move)).Round(priceScale)
		if !last.IsPositive() {
			last = m.prices[sym]
		}
		m.prices[sym] = last
		half := last.Mul(spread)
		ticks = append(ticks, order.Tick{
			Symbol:    sym,
			TS:        now,
			Bid:       last.Sub(half).Round(priceScale),
			Ask:       last.Add(half).Round(priceScale),
			Last:      last,
			Change24h: last.Sub(m.open[sym]).Div(m.open[sym]).Mul(decimal.NewFromInt(100)).Round(2),
		})
	}
	return ticks
}
