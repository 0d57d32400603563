package db

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// User is a registered trader and their selected trading mode.
type User struct {
	ID           string    `db:"id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	TradingMode  string    `db:"trading_mode"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Account holds the cash balance of one user.
type Account struct {
	ID        string          `db:"id"`
	UserID    string          `db:"user_id"`
	Balance   decimal.Decimal `db:"balance"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// Position is the holding of one symbol inside an account.
type Position struct {
	AccountID     string          `db:"account_id"`
	Symbol        string          `db:"symbol"`
	Quantity      decimal.Decimal `db:"quantity"`
	AvgEntryPrice decimal.Decimal `db:"avg_entry_price"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// Order is the persisted order row; Version is the compare-and-swap target for status changes.
type Order struct {
	ID          string              `db:"id"`
	UserID      string              `db:"user_id"`
	Symbol      string              `db:"symbol"`
	Side        string              `db:"side"`
	Type        string              `db:"type"`
	Quantity    decimal.Decimal     `db:"quantity"`
	LimitPrice  decimal.NullDecimal `db:"limit_price"`
	Status      string              `db:"status"`
	FilledPrice decimal.NullDecimal `db:"filled_price"`
	Fee         decimal.Decimal     `db:"fee"`
	ExternalID  string              `db:"external_id"`
	Mode        string              `db:"mode"`
	RuleID      string              `db:"rule_id"`
	Version     int                 `db:"version"`
	CreatedAt   time.Time           `db:"created_at"`
	FilledAt    sql.NullTime        `db:"filled_at"`
}

// Rule is a standing conditional order created through the agent.
type Rule struct {
	ID          string          `db:"id"`
	UserID      string          `db:"user_id"`
	RuleText    string          `db:"rule_text"`
	Symbol      string          `db:"symbol"`
	Condition   string          `db:"condition"`
	TargetPrice decimal.Decimal `db:"target_price"`
	Action      string          `db:"action"`
	Amount      decimal.Decimal `db:"amount"`
	AmountType  string          `db:"amount_type"`
	IsActive    bool            `db:"is_active"`
	CreatedAt   time.Time       `db:"created_at"`
	ExecutedAt  sql.NullTime    `db:"executed_at"`
}

// Connection stores encrypted exchange credentials for a user.
type Connection struct {
	ID                 string    `db:"id"`
	UserID             string    `db:"user_id"`
	ExchangeType       string    `db:"exchange_type"`
	Name               string    `db:"name"`
	APIKeyEncrypted    string    `db:"api_key_encrypted"`
	APISecretEncrypted string    `db:"api_secret_encrypted"`
	KeyVersion         int       `db:"key_version"`
	IsActive           bool      `db:"is_active"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}
