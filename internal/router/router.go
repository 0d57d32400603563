// Package router dispatches settlement calls to the backend matching each user's trading mode.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-core/internal/order"
	"settlement-core/pkg/db"
)

// Connectivity checks whether a user's live credentials work.
type Connectivity interface {
	TestConnection(ctx context.Context, userID string) (bool, error)
}

// ModeStatus reports a user's mode and live readiness.
type ModeStatus struct {
	Mode          order.Mode `json:"mode"`
	LiveConnected bool       `json:"liveConnected"`
	Message       string     `json:"message"`
}

// Router implements order.Service by delegation.
type Router struct {
	db       *db.Database
	backends map[order.Mode]order.Service
	live     Connectivity
	log      logrus.FieldLogger
}

var _ order.Service = (*Router)(nil)

// New wires the two backends. Both must be non-nil.
func New(database *db.Database, paper, live order.Service, conn Connectivity, log logrus.FieldLogger) *Router {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Router{
		db: database,
		backends: map[order.Mode]order.Service{
			order.ModePaper: paper,
			order.ModeLive:  live,
		},
		live: conn,
		log:  log.WithField("component", "router"),
	}
}

func (r *Router) userMode(ctx context.Context, userID string) (order.Mode, error) {
	user, err := r.db.Queries().GetUserByID(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return "", fmt.Errorf("%w: user %s", order.ErrNotFound, userID)
	}
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	mode, err := order.ParseMode(user.TradingMode)
	if err != nil {
		// A corrupt mode column never routes to the exchange.
		r.log.WithField("user_id", userID).Warnf("unknown stored trading mode %q, using PAPER", user.TradingMode)
		return order.ModePaper, nil
	}
	return mode, nil
}

func (r *Router) backend(ctx context.Context, userID string) (order.Service, error) {
	mode, err := r.userMode(ctx, userID)
	if err != nil {
		return nil, err
	}
	return r.backends[mode], nil
}

func (r *Router) PlaceOrder(ctx context.Context, userID string, req order.PlaceRequest) (*order.Order, error) {
	svc, err := r.backend(ctx, userID)
	if err != nil {
		return nil, err
	}
	return svc.PlaceOrder(ctx, userID, req)
}

func (r *Router) CancelOrder(ctx context.Context, userID, orderID string) (*order.Order, error) {
	svc, err := r.backend(ctx, userID)
	if err != nil {
		return nil, err
	}
	return svc.CancelOrder(ctx, userID, orderID)
}

func (r *Router) Portfolio(ctx context.Context, userID string) ([]order.Position, error) {
	svc, err := r.backend(ctx, userID)
	if err != nil {
		return nil, err
	}
	return svc.Portfolio(ctx, userID)
}

func (r *Router) OpenOrders(ctx context.Context, userID string) ([]order.Order, error) {
	svc, err := r.backend(ctx, userID)
	if err != nil {
		return nil, err
	}
	return svc.OpenOrders(ctx, userID)
}

func (r *Router) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	svc, err := r.backend(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return svc.Balance(ctx, userID)
}

// OrderHistory reads the shared ledger regardless of mode.
func (r *Router) OrderHistory(ctx context.Context, userID string, limit int) ([]order.Order, error) {
	if _, err := r.userMode(ctx, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Queries().ListOrdersByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return order.FromRows(rows), nil
}

// SetMode switches a user's backend. LIVE requires working credentials.
func (r *Router) SetMode(ctx context.Context, userID, raw string) (*ModeStatus, error) {
	mode, err := order.ParseMode(raw)
	if err != nil {
		return nil, err
	}
	if _, err := r.userMode(ctx, userID); err != nil {
		return nil, err
	}

	status := &ModeStatus{Mode: mode}
	if mode == order.ModeLive {
		ok, err := r.live.TestConnection(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: live connection check: %v", order.ErrExternalServiceError, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: live credentials were rejected", order.ErrExternalServiceError)
		}
		status.LiveConnected = true
		status.Message = "Live trading enabled"
	} else {
		status.Message = "Paper trading enabled"
	}

	if err := r.db.Queries().UpdateTradingMode(ctx, userID, string(mode)); err != nil {
		return nil, fmt.Errorf("update trading mode: %w", err)
	}
	r.log.WithFields(logrus.Fields{"user_id": userID, "mode": mode}).Info("trading mode changed")
	return status, nil
}

// Mode reports the stored mode and whether live credentials currently pass.
func (r *Router) Mode(ctx context.Context, userID string) (*ModeStatus, error) {
	mode, err := r.userMode(ctx, userID)
	if err != nil {
		return nil, err
	}
	status := &ModeStatus{Mode: mode}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ok, err := r.live.TestConnection(checkCtx, userID)
	switch {
	case err != nil:
		status.Message = "Live trading unavailable: no working exchange connection"
	case !ok:
		status.Message = "Live trading unavailable: credentials were rejected"
	default:
		status.LiveConnected = true
		status.Message = "Live trading available"
	}
	return status, nil
}
