// Package paper settles orders against the local ledger without touching an exchange.
package paper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-core/internal/events"
	"settlement-core/internal/monitor"
	"settlement-core/internal/order"
	"settlement-core/pkg/db"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// errLostRace aborts a fill transaction whose compare-and-swap was beaten by another writer.
var errLostRace = errors.New("order already transitioned")

// errSkipFill keeps a crossing order OPEN when settling it would overdraw the account.
var errSkipFill = errors.New("fill would overdraw account")

// Options configures an Engine.
type Options struct {
	// Symbols restricts tradable markets; empty allows any symbol.
	Symbols []string
	Bus     *events.Bus
	Metrics *monitor.Metrics
	Log     logrus.FieldLogger
}

// Engine is the simulated settlement backend.
type Engine struct {
	db      *db.Database
	prices  order.PriceSource
	symbols map[string]struct{}
	locks   *accountLocks
	bus     *events.Bus
	metrics *monitor.Metrics
	log     logrus.FieldLogger
	now     func() time.Time
}

var _ order.Service = (*Engine)(nil)

// New creates a paper engine over the ledger and price source.
func New(database *db.Database, prices order.PriceSource, opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		db:      database,
		prices:  prices,
		symbols: make(map[string]struct{}, len(opts.Symbols)),
		locks:   newAccountLocks(),
		bus:     opts.Bus,
		metrics: opts.Metrics,
		log:     log.WithField("component", "paper"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, s := range opts.Symbols {
		e.symbols[strings.ToUpper(s)] = struct{}{}
	}
	return e
}

// Start prunes idle account locks until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	go e.locks.run(ctx, time.Minute, 10*time.Minute)
}

func (e *Engine) supports(symbol string) bool {
	if len(e.symbols) == 0 {
		return true
	}
	_, ok := e.symbols[symbol]
	return ok
}

// PlaceOrder settles a MARKET order immediately or escrows a LIMIT order.
func (e *Engine) PlaceOrder(ctx context.Context, userID string, req order.PlaceRequest) (*order.Order, error) {
	timer := e.metrics.NewTimer("place")
	defer timer.Stop()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !e.supports(req.Symbol) {
		return nil, fmt.Errorf("%w: unsupported symbol %s", order.ErrInvalidArgument, req.Symbol)
	}
	acct, err := e.account(ctx, e.db.Queries(), userID)
	if err != nil {
		return nil, err
	}

	// Price is read before taking the account lock.
	var price decimal.Decimal
	if req.Type == order.TypeMarket {
		price, err = e.currentPrice(ctx, req.Symbol)
		if err != nil {
			return nil, err
		}
	}

	unlock := e.locks.Lock(acct.ID)
	defer unlock()

	now := e.now()
	row := db.Order{
		ID:        uuid.NewString(),
		UserID:    userID,
		Symbol:    req.Symbol,
		Side:      string(req.Side),
		Type:      string(req.Type),
		Quantity:  req.Quantity,
		Status:    string(order.StatusOpen),
		Fee:       decimal.Zero,
		Mode:      string(order.ModePaper),
		RuleID:    req.RuleID,
		CreatedAt: now,
	}
	if req.LimitPrice != nil {
		row.LimitPrice = decimal.NewNullDecimal(*req.LimitPrice)
	}

	err = e.db.WithTx(ctx, func(q *db.Queries) error {
		account, err := e.account(ctx, q, userID)
		if err != nil {
			return err
		}
		pos, err := loadPosition(ctx, q, account.ID, req.Symbol)
		if err != nil {
			return err
		}
		balance := account.Balance
		qty := req.Quantity

		switch {
		case req.Type == order.TypeMarket && req.Side == order.SideBuy:
			total := price.Mul(qty)
			fee := total.Mul(order.FeeRate)
			cost := total.Add(fee)
			if balance.LessThan(cost) {
				return fmt.Errorf("%w: need %s, have %s", order.ErrInsufficientFunds, cost.String(), balance.String())
			}
			balance = balance.Sub(cost)
			pos.AvgEntryPrice = order.WeightedAverage(pos.Quantity, pos.AvgEntryPrice, qty, price)
			pos.Quantity = pos.Quantity.Add(qty)
			markFilled(&row, price, fee, now)

		case req.Type == order.TypeMarket && req.Side == order.SideSell:
			if pos.Quantity.LessThan(qty) {
				return fmt.Errorf("%w: hold %s %s, need %s", order.ErrInsufficientPosition, pos.Quantity, req.Symbol, qty)
			}
			total := price.Mul(qty)
			fee := total.Mul(order.FeeRate)
			pos.Quantity = pos.Quantity.Sub(qty)
			balance = balance.Add(total.Sub(fee))
			markFilled(&row, price, fee, now)

		case req.Side == order.SideBuy:
			reserve := req.LimitPrice.Mul(qty)
			if balance.LessThan(reserve) {
				return fmt.Errorf("%w: need %s reserved, have %s", order.ErrInsufficientFunds, reserve.String(), balance.String())
			}
			balance = balance.Sub(reserve)

		default:
			if pos.Quantity.LessThan(qty) {
				return fmt.Errorf("%w: hold %s %s, need %s", order.ErrInsufficientPosition, pos.Quantity, req.Symbol, qty)
			}
			pos.Quantity = pos.Quantity.Sub(qty)
		}

		if req.RuleID != "" {
			if err := order.ConsumeRule(ctx, q, req.RuleID, userID, now); err != nil {
				return err
			}
		}
		if !balance.Equal(account.Balance) {
			if err := q.UpdateBalance(ctx, account.ID, balance); err != nil {
				return err
			}
		}
		if touchesPosition(req) {
			pos.UpdatedAt = now
			if err := q.UpsertPosition(ctx, *pos); err != nil {
				return err
			}
		}
		return q.CreateOrder(ctx, row)
	})
	if err != nil {
		return nil, err
	}

	placed := order.FromRow(row)
	e.metrics.ObserveOrder(row.Mode, row.Side, row.Type, row.Status)
	e.publish(events.EventOrderPlaced, placed)
	if placed.Status == order.StatusFilled {
		e.publish(events.EventOrderFilled, placed)
	}
	e.log.WithFields(logrus.Fields{
		"order_id": placed.ID,
		"user_id":  userID,
		"symbol":   placed.Symbol,
		"side":     placed.Side,
		"type":     placed.Type,
		"status":   placed.Status,
	}).Info("order placed")
	return &placed, nil
}

// touchesPosition reports whether placing req changes the position row. LIMIT BUY only
// reserves cash.
func touchesPosition(req order.PlaceRequest) bool {
	return req.Type == order.TypeMarket || req.Side == order.SideSell
}

// ProcessLimitOrders fills every OPEN paper order on tick.Symbol that the tick crosses.
// Per-order failures are logged and joined into the returned error; they never stop the scan.
func (e *Engine) ProcessLimitOrders(ctx context.Context, tick order.Tick) (int, error) {
	if !tick.Last.IsPositive() {
		return 0, nil
	}
	rows, err := e.db.Queries().ListOpenOrdersBySymbol(ctx, tick.Symbol, string(order.ModePaper))
	if err != nil {
		return 0, err
	}

	var (
		filled int
		errs   []error
	)
	for _, row := range rows {
		if !crosses(row, tick.Last) {
			continue
		}
		ok, err := e.fillLimit(ctx, row, tick.Last)
		switch {
		case errors.Is(err, errLostRace):
			e.log.WithField("order_id", row.ID).Debug("limit order already settled elsewhere")
		case errors.Is(err, errSkipFill):
			e.log.WithFields(logrus.Fields{
				"order_id": row.ID,
				"user_id":  row.UserID,
				"price":    tick.Last.String(),
			}).Warn("limit fill skipped: refund would overdraw balance")
		case err != nil:
			e.log.WithError(err).WithField("order_id", row.ID).Error("limit fill failed")
			errs = append(errs, fmt.Errorf("fill %s: %w", row.ID, err))
		case ok:
			filled++
		}
	}
	return filled, errors.Join(errs...)
}

func crosses(row db.Order, last decimal.Decimal) bool {
	if !row.LimitPrice.Valid {
		return false
	}
	limit := row.LimitPrice.Decimal
	if row.Side == string(order.SideBuy) {
		return last.LessThanOrEqual(limit)
	}
	return last.GreaterThanOrEqual(limit)
}

func (e *Engine) fillLimit(ctx context.Context, row db.Order, last decimal.Decimal) (bool, error) {
	timer := e.metrics.NewTimer("fill")
	defer timer.Stop()

	acct, err := e.account(ctx, e.db.Queries(), row.UserID)
	if err != nil {
		return false, err
	}
	unlock := e.locks.Lock(acct.ID)
	defer unlock()

	now := e.now()
	qty := row.Quantity
	fee := last.Mul(qty).Mul(order.FeeRate)

	err = e.db.WithTx(ctx, func(q *db.Queries) error {
		ok, err := q.TransitionOrder(ctx, db.OrderTransition{
			ID:          row.ID,
			FromVersion: row.Version,
			Status:      string(order.StatusFilled),
			FilledPrice: decimal.NewNullDecimal(last),
			Fee:         fee,
			FilledAt:    sql.NullTime{Time: now, Valid: true},
		})
		if err != nil {
			return err
		}
		if !ok {
			return errLostRace
		}

		account, err := e.account(ctx, q, row.UserID)
		if err != nil {
			return err
		}
		balance := account.Balance
		total := last.Mul(qty)

		if row.Side == string(order.SideBuy) {
			refund := row.LimitPrice.Decimal.Mul(qty).Sub(total.Add(fee))
			balance = balance.Add(refund)
			if balance.IsNegative() {
				return errSkipFill
			}
			pos, err := loadPosition(ctx, q, account.ID, row.Symbol)
			if err != nil {
				return err
			}
			pos.AvgEntryPrice = order.WeightedAverage(pos.Quantity, pos.AvgEntryPrice, qty, last)
			pos.Quantity = pos.Quantity.Add(qty)
			pos.UpdatedAt = now
			if err := q.UpsertPosition(ctx, *pos); err != nil {
				return err
			}
		} else {
			balance = balance.Add(total.Sub(fee))
		}
		return q.UpdateBalance(ctx, account.ID, balance)
	})
	if err != nil {
		return false, err
	}

	markFilled(&row, last, fee, now)
	row.Version++
	filled := order.FromRow(row)
	e.metrics.ObserveOrder(row.Mode, row.Side, row.Type, row.Status)
	e.publish(events.EventOrderFilled, filled)
	e.log.WithFields(logrus.Fields{
		"order_id": row.ID,
		"user_id":  row.UserID,
		"symbol":   row.Symbol,
		"price":    last.String(),
	}).Info("limit order filled")
	return true, nil
}

// CancelOrder releases the escrow of an OPEN order in full.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) (*order.Order, error) {
	timer := e.metrics.NewTimer("cancel")
	defer timer.Stop()

	row, err := e.ownedOpenOrder(ctx, e.db.Queries(), userID, orderID)
	if err != nil {
		return nil, err
	}
	if row.Mode != string(order.ModePaper) {
		return nil, fmt.Errorf("%w: order %s was placed in %s mode", order.ErrInvalidState, orderID, row.Mode)
	}
	acct, err := e.account(ctx, e.db.Queries(), userID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(acct.ID)
	defer unlock()

	err = e.db.WithTx(ctx, func(q *db.Queries) error {
		current, err := e.ownedOpenOrder(ctx, q, userID, orderID)
		if err != nil {
			return err
		}
		ok, err := q.TransitionOrder(ctx, db.OrderTransition{
			ID:          current.ID,
			FromVersion: current.Version,
			Status:      string(order.StatusCancelled),
			Fee:         decimal.Zero,
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: order %s is no longer open", order.ErrInvalidState, orderID)
		}

		if current.Side == string(order.SideBuy) {
			if !current.LimitPrice.Valid {
				return nil
			}
			account, err := e.account(ctx, q, userID)
			if err != nil {
				return err
			}
			release := current.LimitPrice.Decimal.Mul(current.Quantity)
			return q.UpdateBalance(ctx, account.ID, account.Balance.Add(release))
		}

		pos, err := loadPosition(ctx, q, acct.ID, current.Symbol)
		if err != nil {
			return err
		}
		pos.Quantity = pos.Quantity.Add(current.Quantity)
		pos.UpdatedAt = e.now()
		return q.UpsertPosition(ctx, *pos)
	})
	if err != nil {
		return nil, err
	}

	row.Status = string(order.StatusCancelled)
	row.Version++
	cancelled := order.FromRow(*row)
	e.metrics.ObserveOrder(row.Mode, row.Side, row.Type, row.Status)
	e.publish(events.EventOrderCancelled, cancelled)
	e.log.WithFields(logrus.Fields{"order_id": orderID, "user_id": userID}).Info("order cancelled")
	return &cancelled, nil
}

func (e *Engine) ownedOpenOrder(ctx context.Context, q *db.Queries, userID, orderID string) (*db.Order, error) {
	row, err := q.GetOrder(ctx, orderID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: order %s", order.ErrNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	if row.UserID != userID {
		return nil, fmt.Errorf("%w: order %s belongs to another user", order.ErrUnauthorized, orderID)
	}
	if row.Status != string(order.StatusOpen) {
		return nil, fmt.Errorf("%w: order %s is %s", order.ErrInvalidState, orderID, row.Status)
	}
	return row, nil
}

// Portfolio lists non-zero holdings.
func (e *Engine) Portfolio(ctx context.Context, userID string) ([]order.Position, error) {
	q := e.db.Queries()
	acct, err := e.account(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	rows, err := q.ListPositions(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	out := make([]order.Position, 0, len(rows))
	for _, p := range rows {
		if !p.Quantity.IsPositive() {
			continue
		}
		out = append(out, order.Position{Symbol: p.Symbol, Quantity: p.Quantity, AvgEntryPrice: p.AvgEntryPrice})
	}
	return out, nil
}

// OpenOrders lists OPEN paper orders of the user, oldest first.
func (e *Engine) OpenOrders(ctx context.Context, userID string) ([]order.Order, error) {
	if _, err := e.account(ctx, e.db.Queries(), userID); err != nil {
		return nil, err
	}
	rows, err := e.db.Queries().ListOpenOrdersByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]order.Order, 0, len(rows))
	for _, r := range rows {
		if r.Mode == string(order.ModePaper) {
			out = append(out, order.FromRow(r))
		}
	}
	return out, nil
}

// Balance returns the free cash balance; escrowed cash is already deducted.
func (e *Engine) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	acct, err := e.account(ctx, e.db.Queries(), userID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// OrderHistory returns the newest orders first, across both modes.
func (e *Engine) OrderHistory(ctx context.Context, userID string, limit int) ([]order.Order, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	rows, err := e.db.Queries().ListOrdersByUser(ctx, userID, limit)
	if errors.Is(err, db.ErrUserIDRequired) {
		return nil, fmt.Errorf("%w: %v", order.ErrInvalidArgument, err)
	}
	if err != nil {
		return nil, err
	}
	return order.FromRows(rows), nil
}

// Holding returns the quantity of symbol held by userID, zero when none.
func (e *Engine) Holding(ctx context.Context, userID, symbol string) (decimal.Decimal, error) {
	q := e.db.Queries()
	acct, err := e.account(ctx, q, userID)
	if err != nil {
		return decimal.Zero, err
	}
	pos, err := loadPosition(ctx, q, acct.ID, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return pos.Quantity, nil
}

func (e *Engine) account(ctx context.Context, q *db.Queries, userID string) (*db.Account, error) {
	acct, err := q.GetAccountByUser(ctx, userID)
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrUserIDRequired) {
		return nil, fmt.Errorf("%w: account for user %q", order.ErrNotFound, userID)
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (e *Engine) currentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if e.prices == nil {
		return decimal.Zero, fmt.Errorf("%w: no price source", order.ErrMarketDataUnavailable)
	}
	price, err := e.prices.CurrentPrice(ctx, symbol)
	if err != nil {
		if order.Kind(err) == nil {
			return decimal.Zero, fmt.Errorf("%w: %s: %v", order.ErrMarketDataUnavailable, symbol, err)
		}
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s has no positive price", order.ErrMarketDataUnavailable, symbol)
	}
	return price, nil
}

func (e *Engine) publish(ev events.Event, o order.Order) {
	if e.bus == nil {
		return
	}
	payload := events.OrderEvent{
		OrderID: o.ID,
		UserID:  o.UserID,
		Symbol:  o.Symbol,
		Side:    string(o.Side),
		Type:    string(o.Type),
		Qty:     o.Quantity.String(),
		Fee:     o.Fee.String(),
		Mode:    string(o.Mode),
		RuleID:  o.RuleID,
	}
	if o.FilledPrice != nil {
		payload.Price = o.FilledPrice.String()
	} else if o.LimitPrice != nil {
		payload.Price = o.LimitPrice.String()
	}
	e.bus.Publish(ev, payload)
}

func loadPosition(ctx context.Context, q *db.Queries, accountID, symbol string) (*db.Position, error) {
	pos, err := q.GetPosition(ctx, accountID, symbol)
	if errors.Is(err, db.ErrNotFound) {
		return &db.Position{AccountID: accountID, Symbol: symbol, Quantity: decimal.Zero, AvgEntryPrice: decimal.Zero}, nil
	}
	return pos, err
}

func markFilled(row *db.Order, price, fee decimal.Decimal, at time.Time) {
	row.Status = string(order.StatusFilled)
	row.FilledPrice = decimal.NewNullDecimal(price)
	row.Fee = fee
	row.FilledAt = sql.NullTime{Time: at, Valid: true}
}
