// Package rules stores standing price rules and executes them when their condition holds.
package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"settlement-core/internal/order"
	"settlement-core/pkg/db"
)

// Condition is the price predicate of a rule.
type Condition string

const (
	PriceAbove  Condition = "PRICE_ABOVE"
	PriceBelow  Condition = "PRICE_BELOW"
	PriceEquals Condition = "PRICE_EQUALS"
)

// equalsTolerance is the relative band PRICE_EQUALS accepts.
var equalsTolerance = decimal.RequireFromString("0.001")

// ParseCondition normalizes s.
func ParseCondition(s string) (Condition, error) {
	switch c := Condition(strings.ToUpper(strings.TrimSpace(s))); c {
	case PriceAbove, PriceBelow, PriceEquals:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown condition %q", order.ErrInvalidArgument, s)
}

// Met reports whether price satisfies the condition against target.
func (c Condition) Met(price, target decimal.Decimal) bool {
	switch c {
	case PriceAbove:
		return price.GreaterThanOrEqual(target)
	case PriceBelow:
		return price.LessThanOrEqual(target)
	case PriceEquals:
		return price.Sub(target).Abs().LessThanOrEqual(target.Mul(equalsTolerance))
	}
	return false
}

// Phrase is the human wording used in confirmations.
func (c Condition) Phrase() string {
	switch c {
	case PriceAbove:
		return "goes above"
	case PriceBelow:
		return "goes below"
	case PriceEquals:
		return "reaches"
	}
	return strings.ToLower(string(c))
}

// Rule is the API view of a stored rule.
type Rule struct {
	ID          string           `json:"id"`
	UserID      string           `json:"userId"`
	RuleText    string           `json:"ruleText"`
	Symbol      string           `json:"symbol"`
	Condition   Condition        `json:"condition"`
	TargetPrice decimal.Decimal  `json:"targetPrice"`
	Action      order.Side       `json:"action"`
	Amount      decimal.Decimal  `json:"amount"`
	AmountType  order.AmountType `json:"amountType"`
	Active      bool             `json:"active"`
	CreatedAt   time.Time        `json:"createdAt"`
	ExecutedAt  *time.Time       `json:"executedAt,omitempty"`
}

func fromRow(r db.Rule) Rule {
	out := Rule{
		ID:          r.ID,
		UserID:      r.UserID,
		RuleText:    r.RuleText,
		Symbol:      r.Symbol,
		Condition:   Condition(r.Condition),
		TargetPrice: r.TargetPrice,
		Action:      order.Side(r.Action),
		Amount:      r.Amount,
		AmountType:  order.AmountType(r.AmountType),
		Active:      r.IsActive,
		CreatedAt:   r.CreatedAt,
	}
	if r.ExecutedAt.Valid {
		t := r.ExecutedAt.Time
		out.ExecutedAt = &t
	}
	return out
}

func (r Rule) row() db.Rule {
	return db.Rule{
		ID:          r.ID,
		UserID:      r.UserID,
		RuleText:    r.RuleText,
		Symbol:      r.Symbol,
		Condition:   string(r.Condition),
		TargetPrice: r.TargetPrice,
		Action:      string(r.Action),
		Amount:      r.Amount,
		AmountType:  string(r.AmountType),
		IsActive:    r.Active,
		CreatedAt:   r.CreatedAt,
	}
}

// normalize uppercases enums and checks the fields a rule cannot run without.
func (r *Rule) normalize() error {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", order.ErrInvalidArgument)
	}
	cond, err := ParseCondition(string(r.Condition))
	if err != nil {
		return err
	}
	r.Condition = cond
	r.Action = order.Side(strings.ToUpper(string(r.Action)))
	if r.Action != order.SideBuy && r.Action != order.SideSell {
		return fmt.Errorf("%w: action must be BUY or SELL", order.ErrInvalidArgument)
	}
	at, err := order.ParseAmountType(string(r.AmountType))
	if err != nil {
		return err
	}
	r.AmountType = at
	if !r.TargetPrice.IsPositive() {
		return fmt.Errorf("%w: target price must be positive", order.ErrInvalidArgument)
	}
	if at == order.AmountAll && r.Action != order.SideSell {
		return fmt.Errorf("%w: ALL is only valid for SELL", order.ErrInvalidArgument)
	}
	if at != order.AmountAll && !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", order.ErrInvalidArgument)
	}
	return nil
}

// Store persists rules on the ledger.
type Store struct {
	db  *db.Database
	now func() time.Time
}

// NewStore creates a rule store.
func NewStore(database *db.Database) *Store {
	return &Store{db: database, now: func() time.Time { return time.Now().UTC() }}
}

// Create validates and stores a new active rule.
func (s *Store) Create(ctx context.Context, r Rule) (*Rule, error) {
	if r.UserID == "" {
		return nil, fmt.Errorf("%w: user is required", order.ErrInvalidArgument)
	}
	if err := r.normalize(); err != nil {
		return nil, err
	}
	r.ID = uuid.NewString()
	r.Active = true
	r.CreatedAt = s.now()
	r.ExecutedAt = nil
	if err := s.db.Queries().CreateRule(ctx, r.row()); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	return &r, nil
}

// List returns the user's rules, newest first.
func (s *Store) List(ctx context.Context, userID string) ([]Rule, error) {
	rows, err := s.db.Queries().ListRulesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	out := make([]Rule, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

// Deactivate switches off one of the caller's rules without executing it.
func (s *Store) Deactivate(ctx context.Context, userID, ruleID string) error {
	rule, err := s.db.Queries().GetRule(ctx, ruleID)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: rule %s", order.ErrNotFound, ruleID)
	}
	if err != nil {
		return fmt.Errorf("load rule: %w", err)
	}
	if rule.UserID != userID {
		return fmt.Errorf("%w: rule %s belongs to another user", order.ErrUnauthorized, ruleID)
	}
	ok, err := s.db.Queries().DeactivateRule(ctx, ruleID, sql.NullTime{})
	if err != nil {
		return fmt.Errorf("deactivate rule: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: rule %s is not active", order.ErrInvalidState, ruleID)
	}
	return nil
}
