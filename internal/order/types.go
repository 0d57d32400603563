package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Type is the execution style of an order.
type Type string

const (
	TypeMarket Type = "MARKET"
	TypeLimit  Type = "LIMIT"
)

// Status is the lifecycle state of an order. OPEN moves to FILLED or CANCELLED, never back.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
)

// Mode selects which backend settles a user's orders.
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeLive  Mode = "LIVE"
)

// ParseMode normalizes a user-supplied mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModePaper:
		return ModePaper, nil
	case ModeLive:
		return ModeLive, nil
	}
	return "", fmt.Errorf("%w: unknown trading mode %q", ErrInvalidArgument, s)
}

// PlaceRequest is the input to PlaceOrder.
type PlaceRequest struct {
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Type       Type             `json:"type"`
	Quantity   decimal.Decimal  `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limitPrice,omitempty"`
	// RuleID marks the order as the execution of a standing rule; the rule is
	// deactivated together with the order.
	RuleID string `json:"ruleId,omitempty"`
}

// Validate checks the shape of the request independently of any ledger state.
func (r *PlaceRequest) Validate() error {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = Side(strings.ToUpper(string(r.Side)))
	r.Type = Type(strings.ToUpper(string(r.Type)))
	if r.Type == "" {
		r.Type = TypeMarket
	}

	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidArgument)
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidArgument)
	}
	if r.Type != TypeMarket && r.Type != TypeLimit {
		return fmt.Errorf("%w: type must be MARKET or LIMIT", ErrInvalidArgument)
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidArgument)
	}
	if r.Type == TypeLimit && (r.LimitPrice == nil || !r.LimitPrice.IsPositive()) {
		return fmt.Errorf("%w: limit orders require a positive limitPrice", ErrInvalidArgument)
	}
	return nil
}

// Order is the settlement view of an order.
type Order struct {
	ID          string           `json:"id"`
	UserID      string           `json:"userId"`
	Symbol      string           `json:"symbol"`
	Side        Side             `json:"side"`
	Type        Type             `json:"type"`
	Quantity    decimal.Decimal  `json:"quantity"`
	LimitPrice  *decimal.Decimal `json:"limitPrice,omitempty"`
	Status      Status           `json:"status"`
	FilledPrice *decimal.Decimal `json:"filledPrice,omitempty"`
	Fee         decimal.Decimal  `json:"fee"`
	ExternalID  string           `json:"externalId,omitempty"`
	Mode        Mode             `json:"mode"`
	RuleID      string           `json:"ruleId,omitempty"`
	Version     int              `json:"version"`
	CreatedAt   time.Time        `json:"createdAt"`
	FilledAt    *time.Time       `json:"filledAt,omitempty"`
}

// IsOpen reports whether the order can still fill or be cancelled.
func (o *Order) IsOpen() bool {
	return o.Status == StatusOpen
}

// Position is a non-zero holding of one symbol.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avgEntryPrice"`
}

// Tick is one market data sample.
type Tick struct {
	Symbol    string          `json:"symbol"`
	TS        int64           `json:"ts"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Volume24h decimal.Decimal `json:"volume24h"`
	Change24h decimal.Decimal `json:"change24h"`
}

// Time converts the epoch-millisecond timestamp.
func (t Tick) Time() time.Time {
	return time.UnixMilli(t.TS).UTC()
}
