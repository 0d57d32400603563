package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-core/internal/live"
	"settlement-core/internal/order"
	"settlement-core/internal/paper"
	"settlement-core/internal/rules"
	"settlement-core/pkg/db"
	exchange "settlement-core/pkg/exchanges/common"
	"settlement-core/pkg/logging"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type scriptedInterpreter struct {
	next Interpretation
	err  error
}

func (s *scriptedInterpreter) Parse(context.Context, string) (Interpretation, error) {
	return s.next, s.err
}

func (s *scriptedInterpreter) intent(function, args string) {
	s.next = Interpretation{Intent: &Intent{Function: function, Args: json.RawMessage(args)}}
}

var testPrices = order.PriceSourceFunc(func(_ context.Context, symbol string) (decimal.Decimal, error) {
	switch symbol {
	case "BTC-USD":
		return d("50000"), nil
	case "ETH-USD":
		return d("3000"), nil
	}
	return decimal.Zero, order.ErrMarketDataUnavailable
})

type fixture struct {
	db     *db.Database
	engine *paper.Engine
	interp *scriptedInterpreter
	svc    *Service
}

func newFixture(t *testing.T, balance string) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	ctx := context.Background()
	now := time.Now().UTC()
	q := database.Queries()
	require.NoError(t, q.CreateUser(ctx, db.User{ID: "u1", Email: "u1@example.com", PasswordHash: "x", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, q.CreateAccount(ctx, db.Account{ID: "acct-u1", UserID: "u1", Balance: d(balance), UpdatedAt: now}))

	engine := paper.New(database, testPrices, paper.Options{
		Symbols: []string{"BTC-USD", "ETH-USD", "SOL-USD"},
		Log:     logging.Discard(),
	})
	interp := &scriptedInterpreter{}
	svc := NewService(interp, NewMemoryStore(), engine, testPrices, rules.NewStore(database), Options{Log: logging.Discard()})
	return &fixture{db: database, engine: engine, interp: interp, svc: svc}
}

func (f *fixture) submit(t *testing.T, function, args string) *SubmitResult {
	t.Helper()
	f.interp.intent(function, args)
	res, err := f.svc.Submit(context.Background(), "u1", "some command")
	require.NoError(t, err)
	require.True(t, res.RequiresConfirmation)
	require.NotEmpty(t, res.Token)
	return res
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := f.engine.Balance(context.Background(), "u1")
	require.NoError(t, err)
	return b
}

func TestSubmitPlainText(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()

	f.interp.next = Interpretation{Text: "I can only help with trading."}
	res, err := f.svc.Submit(ctx, "u1", "what's the news?")
	require.NoError(t, err)
	assert.False(t, res.RequiresConfirmation)
	assert.Equal(t, "I can only help with trading.", res.Message)

	f.interp.next = Interpretation{}
	res, err = f.svc.Submit(ctx, "u1", "hmm")
	require.NoError(t, err)
	assert.Equal(t, helpMessage, res.Message)

	f.interp.err = errors.New("upstream 500")
	_, err = f.svc.Submit(ctx, "u1", "buy btc")
	assert.ErrorIs(t, err, order.ErrExternalServiceError)

	_, err = f.svc.Submit(ctx, "u1", "   ")
	assert.ErrorIs(t, err, order.ErrInvalidArgument)
}

func TestExecuteTradeFlow(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()

	sub := f.submit(t, FuncExecuteTrade, `{"symbol":"BTC-USD","action":"BUY","amount_type":"USD","amount":100}`)
	assert.Equal(t, "Do you want to buy $100 of BTC?", sub.Message)

	_, err := f.svc.Confirm(ctx, "intruder", sub.Token)
	assert.ErrorIs(t, err, order.ErrUnauthorized)

	res, err := f.svc.Confirm(ctx, "u1", sub.Token)
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, "Order executed: BUY 0.002 of BTC-USD", res.Message)
	assert.True(t, f.balance(t).Equal(d("9899.8")))

	_, err = f.svc.Confirm(ctx, "u1", sub.Token)
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestExecuteTradeRejectsBadArguments(t *testing.T) {
	tests := []struct {
		name string
		args string
		want error
	}{
		{"bad action", `{"symbol":"BTC-USD","action":"HOLD","amount_type":"USD","amount":1}`, order.ErrInvalidArgument},
		{"bad amount type", `{"symbol":"BTC-USD","action":"BUY","amount_type":"EUR","amount":1}`, order.ErrInvalidArgument},
		{"missing symbol", `{"action":"BUY","amount_type":"USD","amount":1}`, order.ErrInvalidArgument},
		{"buy all", `{"symbol":"BTC-USD","action":"BUY","amount_type":"ALL","amount":0}`, order.ErrInvalidArgument},
		{"sell all without position", `{"symbol":"BTC-USD","action":"SELL","amount_type":"ALL","amount":0}`, order.ErrInsufficientPosition},
		{"too expensive", `{"symbol":"BTC-USD","action":"BUY","amount_type":"CRYPTO","amount":5}`, order.ErrInsufficientFunds},
		{"malformed", `not json`, order.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "10000")
			sub := f.submit(t, FuncExecuteTrade, tt.args)
			_, err := f.svc.Confirm(context.Background(), "u1", sub.Token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateRuleFlow(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()

	f.interp.intent(FuncCreateRule, `{"symbol":"BTC-USD","condition":"PRICE_ABOVE","targetPrice":50000,"action":"BUY","amount_type":"USD","amount":100}`)
	sub, err := f.svc.Submit(ctx, "u1", "buy $100 of btc when it breaks 50k")
	require.NoError(t, err)
	assert.Equal(t, "Do you want to create a rule to buy BTC when price goes above $50000?", sub.Message)

	res, err := f.svc.Confirm(ctx, "u1", sub.Token)
	require.NoError(t, err)
	require.NotNil(t, res.Rule)
	assert.Equal(t, "Rule created: Will BUY BTC when price goes above $50000", res.Message)
	assert.Equal(t, "buy $100 of btc when it breaks 50k", res.Rule.RuleText)
	assert.True(t, res.Rule.Active)

	sub = f.submit(t, FuncCreateRule, `{"symbol":"BTC-USD","condition":"PRICE_ABOVE","targetPrice":0,"action":"BUY","amount_type":"USD","amount":100}`)
	_, err = f.svc.Confirm(ctx, "u1", sub.Token)
	assert.ErrorIs(t, err, order.ErrInvalidArgument)
}

func TestConvertAll(t *testing.T) {
	f := newFixture(t, "100000")
	ctx := context.Background()
	_, err := f.engine.PlaceOrder(ctx, "u1", order.PlaceRequest{Symbol: "BTC-USD", Side: order.SideBuy, Quantity: d("1")})
	require.NoError(t, err)

	sub := f.submit(t, FuncConvertCrypto, `{"from_symbol":"BTC-USD","to_symbol":"ETH-USD","amount_type":"ALL"}`)
	assert.Equal(t, "Do you want to convert all your BTC to ETH?", sub.Message)

	res, err := f.svc.Confirm(ctx, "u1", sub.Token)
	require.NoError(t, err)
	assert.False(t, res.Partial)
	require.Len(t, res.Orders, 2)
	assert.True(t, res.Orders[1].Quantity.Equal(d("16.60013306")), "got %s", res.Orders[1].Quantity)

	btc, err := f.engine.Holding(ctx, "u1", "BTC-USD")
	require.NoError(t, err)
	assert.True(t, btc.IsZero())
}

func TestConvertReportsPartial(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	_, err := f.engine.PlaceOrder(ctx, "u1", order.PlaceRequest{Symbol: "ETH-USD", Side: order.SideBuy, Quantity: d("1")})
	require.NoError(t, err)

	sub := f.submit(t, FuncConvertCrypto, `{"from_symbol":"ETH-USD","to_symbol":"SOL-USD","amount_type":"CRYPTO","amount":0.5}`)
	res, err := f.svc.Confirm(ctx, "u1", sub.Token)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, "buy SOL-USD", res.FailedStep)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, order.SideSell, res.Orders[0].Side)
	assert.NotEmpty(t, res.Error)
}

func TestDiversify(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()

	sub := f.submit(t, FuncDiversifyPortfolio, `{"total_amount":1000,"allocations":[{"symbol":"BTC-USD","percentage":50},{"symbol":"ETH-USD","percentage":50}]}`)
	assert.Equal(t, "Do you want to diversify $1000 across: 50% BTC, 50% ETH?", sub.Message)

	res, err := f.svc.Confirm(ctx, "u1", sub.Token)
	require.NoError(t, err)
	require.Len(t, res.Orders, 2)
	assert.True(t, res.Orders[0].Quantity.Equal(d("0.00998003")), "got %s", res.Orders[0].Quantity)
	assert.True(t, res.Orders[1].Quantity.Equal(d("0.16633399")), "got %s", res.Orders[1].Quantity)
	assert.Contains(t, res.Message, "Portfolio diversified across 2 assets")
}

func TestDiversifyValidation(t *testing.T) {
	tests := []struct {
		name        string
		allocations string
	}{
		{"sums to 110", `[{"symbol":"BTC-USD","percentage":60},{"symbol":"ETH-USD","percentage":50}]`},
		{"sums to 99", `[{"symbol":"BTC-USD","percentage":49},{"symbol":"ETH-USD","percentage":50}]`},
		{"negative share", `[{"symbol":"BTC-USD","percentage":110},{"symbol":"ETH-USD","percentage":-10}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "10000")
			ctx := context.Background()

			sub := f.submit(t, FuncDiversifyPortfolio, `{"total_amount":1000,"allocations":`+tt.allocations+`}`)
			_, err := f.svc.Confirm(ctx, "u1", sub.Token)
			assert.ErrorIs(t, err, order.ErrInvalidArgument)

			history, err := f.engine.OrderHistory(ctx, "u1", 0)
			require.NoError(t, err)
			assert.Empty(t, history)
			assert.True(t, f.balance(t).Equal(d("10000")))
		})
	}
}

func TestMultiOrderWorkflowsSpendExactlyTheCashAvailable(t *testing.T) {
	t.Run("convert all with no spare cash", func(t *testing.T) {
		f := newFixture(t, "3006")
		ctx := context.Background()
		_, err := f.engine.PlaceOrder(ctx, "u1", order.PlaceRequest{Symbol: "ETH-USD", Side: order.SideBuy, Quantity: d("1")})
		require.NoError(t, err)
		require.True(t, f.balance(t).IsZero())

		sub := f.submit(t, FuncConvertCrypto, `{"from_symbol":"ETH-USD","to_symbol":"BTC-USD","amount_type":"ALL"}`)
		res, err := f.svc.Confirm(ctx, "u1", sub.Token)
		require.NoError(t, err)
		assert.False(t, res.Partial, res.Error)
		require.Len(t, res.Orders, 2)
		assert.True(t, res.Orders[1].Quantity.Equal(d("0.05976047")), "got %s", res.Orders[1].Quantity)
		assert.False(t, f.balance(t).IsNegative())
	})

	t.Run("diversify the whole balance", func(t *testing.T) {
		f := newFixture(t, "10000")
		sub := f.submit(t, FuncDiversifyPortfolio, `{"total_amount":10000,"allocations":[{"symbol":"BTC-USD","percentage":50},{"symbol":"ETH-USD","percentage":50}]}`)
		res, err := f.svc.Confirm(context.Background(), "u1", sub.Token)
		require.NoError(t, err)
		assert.False(t, res.Partial, res.Error)
		require.Len(t, res.Orders, 2)
		assert.False(t, f.balance(t).IsNegative())
	})
}

type recordingExchange struct {
	mu    sync.Mutex
	added []exchange.OrderRequest
}

func (r *recordingExchange) AddOrder(_ context.Context, req exchange.OrderRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, req)
	return fmt.Sprintf("OTX-%d", len(r.added)), nil
}

func (r *recordingExchange) Balance(context.Context) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{}, nil
}

func (r *recordingExchange) OpenOrders(context.Context) ([]exchange.OpenOrder, error) {
	return nil, nil
}

func (r *recordingExchange) CancelOrder(context.Context, string) error { return nil }
func (r *recordingExchange) TestConnection(context.Context) bool { return true }

type singleGateway struct{ gw exchange.Gateway }

func (g singleGateway) Get(context.Context, string) (exchange.Gateway, error) { return g.gw, nil }
func (g singleGateway) RecordFailure(string) {}
func (g singleGateway) RecordSuccess(string) {}

func TestConvertOnExchangeDeductsSellFee(t *testing.T) {
	f := newFixture(t, "0")
	ex := &recordingExchange{}
	liveOrders := live.New(f.db, singleGateway{gw: ex}, nil, nil, logging.Discard())
	svc := NewService(f.interp, NewMemoryStore(), liveOrders, testPrices, rules.NewStore(f.db), Options{Log: logging.Discard()})

	f.interp.intent(FuncConvertCrypto, `{"from_symbol":"ETH-USD","to_symbol":"BTC-USD","amount_type":"CRYPTO","amount":1}`)
	sub, err := svc.Submit(context.Background(), "u1", "convert 1 eth to btc")
	require.NoError(t, err)
	res, err := svc.Confirm(context.Background(), "u1", sub.Token)
	require.NoError(t, err)
	require.False(t, res.Partial, res.Error)

	// 1 ETH at 3000 less the 6.00 fee leaves 2994 to spend on BTC including its fee.
	require.Len(t, ex.added, 2)
	assert.Equal(t, exchange.SideSell, ex.added[0].Side)
	assert.Equal(t, exchange.SideBuy, ex.added[1].Side)
	assert.True(t, ex.added[1].Volume.Equal(d("0.05976047")), "got %s", ex.added[1].Volume)
}

func TestDiversifyKeepsEarlierBuys(t *testing.T) {
	f := newFixture(t, "10000")
	sub := f.submit(t, FuncDiversifyPortfolio, `{"total_amount":1000,"allocations":[{"symbol":"BTC-USD","percentage":50},{"symbol":"SOL-USD","percentage":50}]}`)
	res, err := f.svc.Confirm(context.Background(), "u1", sub.Token)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, "buy SOL-USD", res.FailedStep)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, "BTC-USD", res.Orders[0].Symbol)
}

func TestUnknownFunction(t *testing.T) {
	f := newFixture(t, "10000")
	sub := f.submit(t, "launch_rocket", `{}`)
	assert.Equal(t, fallbackPrompt, sub.Message)
	_, err := f.svc.Confirm(context.Background(), "u1", sub.Token)
	assert.ErrorIs(t, err, order.ErrInvalidArgument)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	sub := f.submit(t, FuncExecuteTrade, `{"symbol":"BTC-USD","action":"BUY","amount_type":"CRYPTO","amount":0.01}`)

	require.NoError(t, f.svc.Cancel(ctx, sub.Token))
	require.NoError(t, f.svc.Cancel(ctx, sub.Token))
	_, err := f.svc.Confirm(ctx, "u1", sub.Token)
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestConfirmationPrompts(t *testing.T) {
	tests := []struct {
		function string
		args     string
		want     string
	}{
		{FuncExecuteTrade, `{"symbol":"BTC-USD","action":"SELL","amount_type":"ALL","amount":0}`, "Do you want to sell all your BTC?"},
		{FuncExecuteTrade, `{"symbol":"BTC-USD","action":"BUY","amount_type":"CRYPTO","amount":0.5}`, "Do you want to buy 0.5 BTC?"},
		{FuncConvertCrypto, `{"from_symbol":"BTC-USD","to_symbol":"ETH-USD","amount_type":"CRYPTO","amount":0.5}`, "Do you want to convert 0.5 BTC to ETH?"},
		{FuncCreateRule, `{"symbol":"ETH-USD","condition":"PRICE_BELOW","targetPrice":2000,"action":"SELL","amount_type":"ALL"}`, "Do you want to create a rule to sell ETH when price goes below $2000?"},
		{FuncCreateRule, `{"symbol":"ETH-USD","condition":"PRICE_EQUALS","targetPrice":2500,"action":"BUY","amount_type":"USD","amount":10}`, "Do you want to create a rule to buy ETH when price reaches $2500?"},
		{FuncExecuteTrade, `[]`, fallbackPrompt},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, confirmationPrompt(Intent{Function: tt.function, Args: json.RawMessage(tt.args)}))
		})
	}
}
