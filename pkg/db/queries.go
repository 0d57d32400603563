// Package db provides the SQLite ledger store: users, accounts, positions, orders, rules and
// exchange connections.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// Queries runs ledger statements against either the shared handle or a transaction.
type Queries struct {
	ext sqlx.ExtContext
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ----------------------------------------
// User Queries
// ----------------------------------------

// CreateUser inserts a new user row.
func (q *Queries) CreateUser(ctx context.Context, u User) error {
	if u.TradingMode == "" {
		u.TradingMode = "PAPER"
	}
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO users (id, email, password_hash, trading_mode, created_at, updated_at)
		VALUES (:id, :email, :password_hash, :trading_mode, :created_at, :updated_at)
	`, u)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByID returns the user or ErrNotFound.
func (q *Queries) GetUserByID(ctx context.Context, id string) (*User, error) {
	if id == "" {
		return nil, ErrUserIDRequired
	}
	var u User
	err := sqlx.GetContext(ctx, q.ext, &u, `
		SELECT id, email, password_hash, trading_mode, created_at, updated_at
		FROM users WHERE id = ?
	`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// GetUserByEmail returns the user or ErrNotFound.
func (q *Queries) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := sqlx.GetContext(ctx, q.ext, &u, `
		SELECT id, email, password_hash, trading_mode, created_at, updated_at
		FROM users WHERE email = ?
	`, email)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// UpdateTradingMode stores the user's trading mode.
func (q *Queries) UpdateTradingMode(ctx context.Context, userID, mode string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	res, err := q.ext.ExecContext(ctx, `
		UPDATE users SET trading_mode = ?, updated_at = ? WHERE id = ?
	`, mode, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("update trading mode: %w", err)
	}
	return expectOne(res)
}

// ----------------------------------------
// Account Queries
// ----------------------------------------

// CreateAccount inserts the cash account of a user.
func (q *Queries) CreateAccount(ctx context.Context, a Account) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO accounts (id, user_id, balance, updated_at)
		VALUES (:id, :user_id, :balance, :updated_at)
	`, a)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccountByUser returns the account of a user or ErrNotFound.
func (q *Queries) GetAccountByUser(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var a Account
	err := sqlx.GetContext(ctx, q.ext, &a, `
		SELECT id, user_id, balance, updated_at FROM accounts WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// UpdateBalance overwrites the account balance.
func (q *Queries) UpdateBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?
	`, balance, time.Now().UTC(), accountID)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return expectOne(res)
}

// ----------------------------------------
// Position Queries
// ----------------------------------------

// GetPosition returns the position of an account in symbol or ErrNotFound.
func (q *Queries) GetPosition(ctx context.Context, accountID, symbol string) (*Position, error) {
	var p Position
	err := sqlx.GetContext(ctx, q.ext, &p, `
		SELECT account_id, symbol, quantity, avg_entry_price, updated_at
		FROM positions WHERE account_id = ? AND symbol = ?
	`, accountID, symbol)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// ListPositions returns every position row of an account, including zeroed ones.
func (q *Queries) ListPositions(ctx context.Context, accountID string) ([]Position, error) {
	var out []Position
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT account_id, symbol, quantity, avg_entry_price, updated_at
		FROM positions WHERE account_id = ? ORDER BY symbol
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	return out, nil
}

// UpsertPosition creates or replaces a position row.
func (q *Queries) UpsertPosition(ctx context.Context, p Position) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO positions (account_id, symbol, quantity, avg_entry_price, updated_at)
		VALUES (:account_id, :symbol, :quantity, :avg_entry_price, :updated_at)
		ON CONFLICT(account_id, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			avg_entry_price = excluded.avg_entry_price,
			updated_at = excluded.updated_at
	`, p)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// ----------------------------------------
// Order Queries
// ----------------------------------------

const orderColumns = `id, user_id, symbol, side, type, quantity, limit_price, status, filled_price,
	fee, external_id, mode, rule_id, version, created_at, filled_at`

// CreateOrder inserts a new order row.
func (q *Queries) CreateOrder(ctx context.Context, o Order) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (:id, :user_id, :symbol, :side, :type, :quantity, :limit_price, :status, :filled_price,
			:fee, :external_id, :mode, :rule_id, :version, :created_at, :filled_at)
	`, o)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder returns an order by id or ErrNotFound.
func (q *Queries) GetOrder(ctx context.Context, id string) (*Order, error) {
	var o Order
	err := sqlx.GetContext(ctx, q.ext, &o, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// ListOrdersByUser returns the newest orders of a user first.
func (q *Queries) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var out []Order
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	return out, nil
}

// ListOpenOrdersByUser returns the OPEN orders of a user in placement order.
func (q *Queries) ListOpenOrdersByUser(ctx context.Context, userID string) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var out []Order
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = ? AND status = 'OPEN'
		ORDER BY created_at, rowid
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	return out, nil
}

// ListOpenOrdersBySymbol returns every OPEN order on symbol across users.
func (q *Queries) ListOpenOrdersBySymbol(ctx context.Context, symbol, mode string) ([]Order, error) {
	var out []Order
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT `+orderColumns+` FROM orders
		WHERE symbol = ? AND status = 'OPEN' AND mode = ?
		ORDER BY created_at, rowid
	`, symbol, mode)
	if err != nil {
		return nil, fmt.Errorf("query open orders by symbol: %w", err)
	}
	return out, nil
}

// OrderTransition describes a terminal status change.
type OrderTransition struct {
	ID          string
	FromVersion int
	Status      string
	FilledPrice decimal.NullDecimal
	Fee         decimal.Decimal
	FilledAt    sql.NullTime
}

// TransitionOrder moves an OPEN order to a terminal status if its version still matches.
// It reports false when another writer already moved the order.
func (q *Queries) TransitionOrder(ctx context.Context, t OrderTransition) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, filled_price = ?, fee = ?, filled_at = ?, version = version + 1
		WHERE id = ? AND status = 'OPEN' AND version = ?
	`, t.Status, t.FilledPrice, t.Fee, t.FilledAt, t.ID, t.FromVersion)
	if err != nil {
		return false, fmt.Errorf("transition order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition order: %w", err)
	}
	return n == 1, nil
}

// ----------------------------------------
// Rule Queries
// ----------------------------------------

const ruleColumns = `id, user_id, rule_text, symbol, condition, target_price, action, amount,
	amount_type, is_active, created_at, executed_at`

// CreateRule inserts a new rule row.
func (q *Queries) CreateRule(ctx context.Context, r Rule) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO agent_rules (`+ruleColumns+`)
		VALUES (:id, :user_id, :rule_text, :symbol, :condition, :target_price, :action, :amount,
			:amount_type, :is_active, :created_at, :executed_at)
	`, r)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// UpsertRule inserts a rule or refreshes its definition, keeping execution state.
func (q *Queries) UpsertRule(ctx context.Context, r Rule) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO agent_rules (`+ruleColumns+`)
		VALUES (:id, :user_id, :rule_text, :symbol, :condition, :target_price, :action, :amount,
			:amount_type, :is_active, :created_at, :executed_at)
		ON CONFLICT(id) DO UPDATE SET
			rule_text = excluded.rule_text,
			symbol = excluded.symbol,
			condition = excluded.condition,
			target_price = excluded.target_price,
			action = excluded.action,
			amount = excluded.amount,
			amount_type = excluded.amount_type
	`, r)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	return nil
}

// GetRule returns a rule by id or ErrNotFound.
func (q *Queries) GetRule(ctx context.Context, id string) (*Rule, error) {
	var r Rule
	err := sqlx.GetContext(ctx, q.ext, &r, `SELECT `+ruleColumns+` FROM agent_rules WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// ListRulesByUser returns all rules of a user, newest first.
func (q *Queries) ListRulesByUser(ctx context.Context, userID string) ([]Rule, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var out []Rule
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT `+ruleColumns+` FROM agent_rules WHERE user_id = ? ORDER BY created_at DESC, rowid DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	return out, nil
}

// ListActiveRules returns every active rule in creation order.
func (q *Queries) ListActiveRules(ctx context.Context) ([]Rule, error) {
	var out []Rule
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT `+ruleColumns+` FROM agent_rules WHERE is_active = 1 ORDER BY created_at, rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("query active rules: %w", err)
	}
	return out, nil
}

// DeactivateRule flips an active rule to inactive. executedAt is recorded when valid.
// It reports false when the rule was already inactive.
func (q *Queries) DeactivateRule(ctx context.Context, id string, executedAt sql.NullTime) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE agent_rules SET is_active = 0, executed_at = COALESCE(?, executed_at)
		WHERE id = ? AND is_active = 1
	`, executedAt, id)
	if err != nil {
		return false, fmt.Errorf("deactivate rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate rule: %w", err)
	}
	return n == 1, nil
}

// ----------------------------------------
// Connection Queries
// ----------------------------------------

const connectionColumns = `id, user_id, exchange_type, name, api_key_encrypted, api_secret_encrypted,
	key_version, is_active, created_at, updated_at`

// CreateConnection inserts encrypted exchange credentials.
func (q *Queries) CreateConnection(ctx context.Context, c Connection) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO connections (`+connectionColumns+`)
		VALUES (:id, :user_id, :exchange_type, :name, :api_key_encrypted, :api_secret_encrypted,
			:key_version, :is_active, :created_at, :updated_at)
	`, c)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// ListConnectionsByUser returns all connections owned by a user.
func (q *Queries) ListConnectionsByUser(ctx context.Context, userID string) ([]Connection, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var out []Connection
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT `+connectionColumns+` FROM connections WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	return out, nil
}

// GetActiveConnection returns the newest active connection of a user for an exchange.
func (q *Queries) GetActiveConnection(ctx context.Context, userID, exchangeType string) (*Connection, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var c Connection
	err := sqlx.GetContext(ctx, q.ext, &c, `
		SELECT `+connectionColumns+` FROM connections
		WHERE user_id = ? AND exchange_type = ? AND is_active = 1
		ORDER BY created_at DESC LIMIT 1
	`, userID, exchangeType)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// DeactivateConnection soft-deletes a connection owned by userID.
func (q *Queries) DeactivateConnection(ctx context.Context, id, userID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	res, err := q.ext.ExecContext(ctx, `
		UPDATE connections SET is_active = 0, updated_at = ? WHERE id = ? AND user_id = ?
	`, time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("deactivate connection: %w", err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
