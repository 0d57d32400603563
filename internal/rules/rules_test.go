package rules

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-core/internal/events"
	"settlement-core/internal/monitor"
	"settlement-core/internal/order"
	"settlement-core/internal/paper"
	"settlement-core/pkg/db"
	"settlement-core/pkg/logging"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type priceTable struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (p *priceTable) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, order.ErrMarketDataUnavailable
	}
	return v, nil
}

type fixture struct {
	db      *db.Database
	engine  *paper.Engine
	store   *Store
	monitor *Monitor
	bus     *events.Bus
	metrics *monitor.Metrics
	prices  *priceTable
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	prices := &priceTable{prices: map[string]decimal.Decimal{"BTC-USD": d("50000"), "ETH-USD": d("3000")}}
	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	engine := paper.New(database, prices, paper.Options{
		Symbols: []string{"BTC-USD", "ETH-USD", "SOL-USD"},
		Log:     logging.Discard(),
	})
	mon := NewMonitor(database, prices, engine, MonitorOptions{
		Interval: 20 * time.Millisecond,
		Bus:      bus,
		Metrics:  metrics,
		Log:      logging.Discard(),
	})

	ctx := context.Background()
	now := time.Now().UTC()
	q := database.Queries()
	for _, id := range []string{"u1", "u2"} {
		require.NoError(t, q.CreateUser(ctx, db.User{ID: id, Email: id + "@example.com", PasswordHash: "x", CreatedAt: now, UpdatedAt: now}))
		require.NoError(t, q.CreateAccount(ctx, db.Account{ID: "acct-" + id, UserID: id, Balance: d("10000"), UpdatedAt: now}))
	}
	return &fixture{db: database, engine: engine, store: NewStore(database), monitor: mon, bus: bus, metrics: metrics, prices: prices}
}

func (f *fixture) create(t *testing.T, r Rule) *Rule {
	t.Helper()
	created, err := f.store.Create(context.Background(), r)
	require.NoError(t, err)
	return created
}

func TestConditionMet(t *testing.T) {
	tests := []struct {
		cond          Condition
		price, target string
		want          bool
	}{
		{PriceAbove, "50000", "50000", true},
		{PriceAbove, "49999.99", "50000", false},
		{PriceBelow, "40000", "40000", true},
		{PriceBelow, "40000.01", "40000", false},
		{PriceEquals, "50050", "50000", true},
		{PriceEquals, "49950", "50000", true},
		{PriceEquals, "50051", "50000", false},
		{Condition("SIDEWAYS"), "1", "1", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.cond)+"_"+tt.price, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Met(d(tt.price), d(tt.target)))
		})
	}
}

func TestCreateValidates(t *testing.T) {
	f := newFixture(t)
	base := Rule{UserID: "u1", Symbol: "btc-usd", Condition: "price_above", TargetPrice: d("1"), Action: "buy", Amount: d("1"), AmountType: "crypto"}

	created := f.create(t, base)
	assert.Equal(t, "BTC-USD", created.Symbol)
	assert.Equal(t, PriceAbove, created.Condition)
	assert.True(t, created.Active)
	assert.NotEmpty(t, created.ID)

	tests := []struct {
		name   string
		mutate func(r *Rule)
	}{
		{"bad condition", func(r *Rule) { r.Condition = "SOMETIMES" }},
		{"bad action", func(r *Rule) { r.Action = "HOLD" }},
		{"zero target", func(r *Rule) { r.TargetPrice = decimal.Zero }},
		{"buy all", func(r *Rule) { r.AmountType = order.AmountAll }},
		{"zero amount", func(r *Rule) { r.Amount = decimal.Zero }},
		{"no symbol", func(r *Rule) { r.Symbol = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base
			tt.mutate(&r)
			_, err := f.store.Create(context.Background(), r)
			assert.ErrorIs(t, err, order.ErrInvalidArgument)
		})
	}
}

func TestRunOnceExecutesTriggeredRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fired, unsub := f.bus.Subscribe(events.EventRuleExecuted, 4)
	defer unsub()

	r := f.create(t, Rule{UserID: "u1", Symbol: "BTC-USD", Condition: PriceBelow, TargetPrice: d("51000"),
		Action: order.SideBuy, Amount: d("1000"), AmountType: order.AmountUSD})

	report, err := f.monitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 1, report.Executed)

	bal, err := f.engine.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("8998")), "got %s", bal)

	stored, err := f.db.Queries().GetRule(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.True(t, stored.ExecutedAt.Valid)

	select {
	case msg := <-fired:
		assert.Equal(t, r.ID, msg.(events.RuleEvent).RuleID)
	case <-time.After(time.Second):
		t.Fatal("rule event not published")
	}

	report, err = f.monitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Evaluated)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RuleCycles))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RuleExecutions.WithLabelValues("executed")))
}

func TestRuleWithoutPriceIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, Rule{UserID: "u1", Symbol: "SOL-USD", Condition: PriceAbove, TargetPrice: d("1"),
		Action: order.SideBuy, Amount: d("1"), AmountType: order.AmountCrypto})

	report, err := f.monitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)

	stored, err := f.db.Queries().GetRule(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)
}

func TestFailureDoesNotStopSiblings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	failing := f.create(t, Rule{UserID: "u1", Symbol: "ETH-USD", Condition: PriceAbove, TargetPrice: d("1"),
		Action: order.SideSell, AmountType: order.AmountAll})
	f.create(t, Rule{UserID: "u2", Symbol: "ETH-USD", Condition: PriceAbove, TargetPrice: d("1"),
		Action: order.SideBuy, Amount: d("1"), AmountType: order.AmountCrypto})

	report, err := f.monitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Triggered)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Executed)

	stored, err := f.db.Queries().GetRule(ctx, failing.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive, "failed rules stay armed")
}

func TestSellAllUsesWholePosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.PlaceOrder(ctx, "u1", order.PlaceRequest{Symbol: "ETH-USD", Side: order.SideBuy, Quantity: d("1.5")})
	require.NoError(t, err)

	f.create(t, Rule{UserID: "u1", Symbol: "ETH-USD", Condition: PriceAbove, TargetPrice: d("2900"),
		Action: order.SideSell, AmountType: order.AmountAll})
	report, err := f.monitor.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Executed)

	held, err := f.engine.Holding(ctx, "u1", "ETH-USD")
	require.NoError(t, err)
	assert.True(t, held.IsZero())
}

func TestRunOnceRejectsOverlap(t *testing.T) {
	f := newFixture(t)
	f.monitor.running.Store(true)
	_, err := f.monitor.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, Rule{UserID: "u1", Symbol: "BTC-USD", Condition: PriceAbove, TargetPrice: d("1"),
		Action: order.SideBuy, Amount: d("0.01"), AmountType: order.AmountCrypto})

	f.monitor.Start(context.Background())
	require.Eventually(t, func() bool {
		stored, err := f.db.Queries().GetRule(context.Background(), r.ID)
		return err == nil && !stored.IsActive
	}, 2*time.Second, 10*time.Millisecond)
	f.monitor.Stop()
	f.monitor.Stop()
}

func TestDeactivateRequiresOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, Rule{UserID: "u1", Symbol: "BTC-USD", Condition: PriceAbove, TargetPrice: d("99999"),
		Action: order.SideBuy, Amount: d("1"), AmountType: order.AmountCrypto})

	assert.ErrorIs(t, f.store.Deactivate(ctx, "u2", r.ID), order.ErrUnauthorized)
	assert.ErrorIs(t, f.store.Deactivate(ctx, "u1", "nope"), order.ErrNotFound)
	require.NoError(t, f.store.Deactivate(ctx, "u1", r.ID))
	assert.ErrorIs(t, f.store.Deactivate(ctx, "u1", r.ID), order.ErrInvalidState)

	list, err := f.store.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Active)
	assert.Nil(t, list[0].ExecutedAt)
}

func TestSyncSeeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: seed-btc-dip
    user_id: u1
    text: buy the dip
    symbol: BTC-USD
    condition: PRICE_BELOW
    target_price: "40000"
    action: BUY
    amount: "250.50"
    amount_type: USD
`), 0o600))

	seeds, err := LoadSeeds(path)
	require.NoError(t, err)
	require.Len(t, seeds, 1)

	n, err := f.store.SyncSeeds(ctx, seeds)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.db.Queries().GetRule(ctx, "seed-btc-dip")
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(d("250.50")))

	_, err = f.db.Queries().DeactivateRule(ctx, "seed-btc-dip", stored.ExecutedAt)
	require.NoError(t, err)
	seeds[0].TargetPrice = "41000"
	_, err = f.store.SyncSeeds(ctx, seeds)
	require.NoError(t, err)

	stored, err = f.db.Queries().GetRule(ctx, "seed-btc-dip")
	require.NoError(t, err)
	assert.False(t, stored.IsActive, "re-seeding never re-arms a fired rule")
	assert.True(t, stored.TargetPrice.Equal(d("41000")))

	_, err = f.store.SyncSeeds(ctx, []Seed{{ID: "bad", UserID: "u1", TargetPrice: "x"}})
	assert.ErrorIs(t, err, order.ErrInvalidArgument)
}
