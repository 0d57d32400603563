// Package agent turns natural-language trading commands into confirmed settlement calls.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"settlement-core/internal/order"
	"settlement-core/internal/rules"
)

// Workflow names understood by Confirm.
const (
	FuncExecuteTrade       = "execute_trade"
	FuncCreateRule         = "create_rule"
	FuncConvertCrypto      = "convert_crypto"
	FuncDiversifyPortfolio = "diversify_portfolio"
)

// Intent is a structured command produced by the interpreter.
type Intent struct {
	Function string          `json:"function"`
	Args     json.RawMessage `json:"arguments"`
}

// Interpretation is either an Intent or a plain-text reply.
type Interpretation struct {
	Intent *Intent
	Text   string
}

// Interpreter parses free text into an Interpretation.
type Interpreter interface {
	Parse(ctx context.Context, text string) (Interpretation, error)
}

// PendingCommand waits for the user's confirmation.
type PendingCommand struct {
	Token        string    `json:"token"`
	UserID       string    `json:"userId"`
	Intent       Intent    `json:"intent"`
	OriginalText string    `json:"originalText"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SubmitResult is returned by Submit.
type SubmitResult struct {
	RequiresConfirmation bool            `json:"requiresConfirmation"`
	Token                string          `json:"confirmationId,omitempty"`
	Message              string          `json:"message"`
	Pending              *PendingCommand `json:"pendingCommand,omitempty"`
}

// Result is returned by Confirm. Partial is set when a multi-order workflow stopped
// midway; Orders then holds the legs that did execute.
type Result struct {
	Function   string        `json:"function"`
	Message    string        `json:"message"`
	Orders     []order.Order `json:"orders,omitempty"`
	Rule       *rules.Rule   `json:"rule,omitempty"`
	Partial    bool          `json:"partial,omitempty"`
	FailedStep string        `json:"failedStep,omitempty"`
	Error      string        `json:"error,omitempty"`
}
