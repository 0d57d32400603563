// Package live forwards orders to the user's Kraken account and records them locally.
package live

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-core/internal/events"
	"settlement-core/internal/monitor"
	"settlement-core/internal/order"
	"settlement-core/pkg/db"
	exchange "settlement-core/pkg/exchanges/common"
	"settlement-core/pkg/exchanges/kraken"
)

const historyLimit = 50

// Gateways resolves the exchange client of a user and tracks its health.
type Gateways interface {
	Get(ctx context.Context, userID string) (exchange.Gateway, error)
	RecordFailure(userID string)
	RecordSuccess(userID string)
}

// Service is the live settlement backend.
type Service struct {
	db       *db.Database
	gateways Gateways
	bus      *events.Bus
	metrics  *monitor.Metrics
	log      logrus.FieldLogger
	now      func() time.Time
}

var _ order.Service = (*Service)(nil)

// New creates the live backend.
func New(database *db.Database, gateways Gateways, bus *events.Bus, metrics *monitor.Metrics, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		db:       database,
		gateways: gateways,
		bus:      bus,
		metrics:  metrics,
		log:      log.WithField("component", "live"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// TestConnection reports whether the user's credentials currently work.
func (s *Service) TestConnection(ctx context.Context, userID string) (bool, error) {
	gw, err := s.gateways.Get(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", order.ErrExternalServiceError, err)
	}
	ok := gw.TestConnection(ctx)
	if ok {
		s.gateways.RecordSuccess(userID)
	}
	return ok, nil
}

// PlaceOrder sends the order to the exchange, then records it in the ledger.
func (s *Service) PlaceOrder(ctx context.Context, userID string, req order.PlaceRequest) (*order.Order, error) {
	timer := s.metrics.NewTimer("live_place")
	defer timer.Stop()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	pair, ok := kraken.PairFor(req.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: no exchange pair for %s", order.ErrInvalidArgument, req.Symbol)
	}
	if req.RuleID != "" {
		// Refuse before the exchange sees anything; the swap below settles races.
		if err := s.checkRule(ctx, req.RuleID, userID); err != nil {
			return nil, err
		}
	}

	gw, err := s.gateways.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", order.ErrExternalServiceError, err)
	}
	txid, err := gw.AddOrder(ctx, exchange.OrderRequest{
		Pair:   pair,
		Side:   exchange.Side(req.Side),
		Type:   exchange.OrderType(req.Type),
		Volume: req.Quantity,
		Price:  req.LimitPrice,
	})
	if err != nil {
		return nil, s.mapError(userID, "add order", err)
	}
	s.gateways.RecordSuccess(userID)

	now := s.now()
	row := db.Order{
		ID:         uuid.NewString(),
		UserID:     userID,
		Symbol:     req.Symbol,
		Side:       string(req.Side),
		Type:       string(req.Type),
		Quantity:   req.Quantity,
		Status:     string(order.StatusOpen),
		Fee:        decimal.Zero,
		ExternalID: txid,
		Mode:       string(order.ModeLive),
		RuleID:     req.RuleID,
		CreatedAt:  now,
	}
	if req.LimitPrice != nil {
		row.LimitPrice = decimal.NewNullDecimal(*req.LimitPrice)
	}
	if req.Type == order.TypeMarket {
		row.Status = string(order.StatusFilled)
		row.FilledAt.Time, row.FilledAt.Valid = now, true
	}

	err = s.db.WithTx(ctx, func(q *db.Queries) error {
		if req.RuleID != "" {
			if err := order.ConsumeRule(ctx, q, req.RuleID, userID, now); err != nil {
				return err
			}
		}
		return q.CreateOrder(ctx, row)
	})
	if err != nil {
		// The exchange already has the order; surface the gap instead of hiding it.
		s.log.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"txid":    txid,
		}).Error("exchange accepted order but ledger write failed")
		return nil, fmt.Errorf("record live order %s: %w", txid, err)
	}

	placed := order.FromRow(row)
	s.metrics.ObserveOrder(row.Mode, row.Side, row.Type, row.Status)
	if s.bus != nil {
		s.bus.Publish(events.EventOrderPlaced, events.OrderEvent{
			OrderID: placed.ID, UserID: userID, Symbol: placed.Symbol,
			Side: row.Side, Type: row.Type, Qty: row.Quantity.String(), Mode: row.Mode, RuleID: row.RuleID,
		})
	}
	s.log.WithFields(logrus.Fields{
		"order_id": placed.ID,
		"user_id":  userID,
		"txid":     txid,
		"symbol":   placed.Symbol,
	}).Info("live order placed")
	return &placed, nil
}

func (s *Service) checkRule(ctx context.Context, ruleID, userID string) error {
	rule, err := s.db.Queries().GetRule(ctx, ruleID)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: rule %s", order.ErrNotFound, ruleID)
	}
	if err != nil {
		return err
	}
	if rule.UserID != userID {
		return fmt.Errorf("%w: rule %s belongs to another user", order.ErrUnauthorized, ruleID)
	}
	if !rule.IsActive {
		return fmt.Errorf("%w: rule %s already executed", order.ErrInvalidState, ruleID)
	}
	return nil
}

// CancelOrder cancels a locally recorded live order on the exchange.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*order.Order, error) {
	row, err := s.db.Queries().GetOrder(ctx, orderID)
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
	if row.ExternalID == "" {
		return nil, fmt.Errorf("%w: order %s has no exchange id", order.ErrInvalidState, orderID)
	}

	gw, err := s.gateways.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", order.ErrExternalServiceError, err)
	}
	if err := gw.CancelOrder(ctx, row.ExternalID); err != nil {
		return nil, s.mapError(userID, "cancel order", err)
	}
	s.gateways.RecordSuccess(userID)

	ok, err := s.db.Queries().TransitionOrder(ctx, db.OrderTransition{
		ID:          row.ID,
		FromVersion: row.Version,
		Status:      string(order.StatusCancelled),
		Fee:         row.Fee,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: order %s is no longer open", order.ErrInvalidState, orderID)
	}

	row.Status = string(order.StatusCancelled)
	row.Version++
	cancelled := order.FromRow(*row)
	s.metrics.ObserveOrder(row.Mode, row.Side, row.Type, row.Status)
	if s.bus != nil {
		s.bus.Publish(events.EventOrderCancelled, events.OrderEvent{
			OrderID: row.ID, UserID: userID, Symbol: row.Symbol,
			Side: row.Side, Type: row.Type, Qty: row.Quantity.String(), Mode: row.Mode,
		})
	}
	return &cancelled, nil
}

// Portfolio maps exchange balances back to symbols. Entry prices are unknown.
func (s *Service) Portfolio(ctx context.Context, userID string) ([]order.Position, error) {
	bal, err := s.balances(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]order.Position, 0, len(bal))
	for asset, amt := range bal {
		if kraken.IsCash(asset) || !amt.IsPositive() {
			continue
		}
		symbol, ok := kraken.SymbolForAsset(asset)
		if !ok {
			continue
		}
		out = append(out, order.Position{Symbol: symbol, Quantity: amt, AvgEntryPrice: decimal.Zero})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Balance returns the ZUSD balance, zero when absent.
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	bal, err := s.balances(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if v, ok := bal["ZUSD"]; ok {
		return v, nil
	}
	return decimal.Zero, nil
}

// OpenOrders returns the resting orders reported by the exchange.
func (s *Service) OpenOrders(ctx context.Context, userID string) ([]order.Order, error) {
	gw, err := s.gateways.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", order.ErrExternalServiceError, err)
	}
	open, err := gw.OpenOrders(ctx)
	if err != nil {
		return nil, s.mapError(userID, "open orders", err)
	}
	s.gateways.RecordSuccess(userID)

	out := make([]order.Order, 0, len(open))
	for _, o := range open {
		symbol, ok := kraken.SymbolForPair(o.Pair)
		if !ok {
			symbol = o.Pair
		}
		converted := order.Order{
			ID:         o.TxID,
			UserID:     userID,
			Symbol:     symbol,
			Side:       order.Side(o.Side),
			Type:       order.Type(o.Type),
			Quantity:   o.Volume,
			Status:     order.StatusOpen,
			ExternalID: o.TxID,
			Mode:       order.ModeLive,
			CreatedAt:  time.Unix(int64(o.OpenedAt), 0).UTC(),
		}
		if o.Price.IsPositive() {
			p := o.Price
			converted.LimitPrice = &p
		}
		out = append(out, converted)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// OrderHistory reads the local ledger, which records both modes.
func (s *Service) OrderHistory(ctx context.Context, userID string, limit int) ([]order.Order, error) {
	if limit <= 0 {
		limit = historyLimit
	}
	rows, err := s.db.Queries().ListOrdersByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	return order.FromRows(rows), nil
}

func (s *Service) balances(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	gw, err := s.gateways.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", order.ErrExternalServiceError, err)
	}
	bal, err := gw.Balance(ctx)
	if err != nil {
		return nil, s.mapError(userID, "balance", err)
	}
	s.gateways.RecordSuccess(userID)
	return bal, nil
}

// mapError folds exchange failures into the shared taxonomy. Only transport failures
// count against the circuit breaker.
func (s *Service) mapError(userID, op string, err error) error {
	var apiErr *kraken.APIError
	switch {
	case errors.As(err, &apiErr):
		switch {
		case apiErr.Has("EOrder:Insufficient funds"):
			return fmt.Errorf("%w: %s: %v", order.ErrInsufficientFunds, op, err)
		case apiErr.Has("EGeneral:Invalid arguments"), apiErr.Has("EQuery:Unknown asset pair"):
			return fmt.Errorf("%w: %s: %v", order.ErrInvalidArgument, op, err)
		}
		return fmt.Errorf("%w: %s: %v", order.ErrExternalServiceError, op, err)
	case errors.Is(err, kraken.ErrMissingCredentials):
		return fmt.Errorf("%w: %s: exchange credentials are not configured", order.ErrExternalServiceError, op)
	}
	s.gateways.RecordFailure(userID)
	s.log.WithError(err).WithFields(logrus.Fields{"user_id": userID, "op": op}).Warn("exchange call failed")
	return fmt.Errorf("%w: %s: %v", order.ErrExternalServiceError, op, err)
}
