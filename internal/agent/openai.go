package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultOpenAIURL   = "https://api.openai.com/v1/chat/completions"
	DefaultOpenAIModel = "gpt-4o-mini"
)

// ErrInterpreterDisabled is returned when no API key is configured.
var ErrInterpreterDisabled = errors.New("command interpreter is not configured")

const systemPrompt = `You are a friendly cryptocurrency trading assistant. Your role is to help users trade and manage their crypto portfolio.

Be flexible in understanding user intent; users phrase commands in many ways:
- 'get me some BTC' = buy BTC
- 'I want ethereum' = buy ETH
- 'dump my bitcoin' = sell BTC
- 'switch from BTC to SOL' = convert BTC to SOL
- 'split my money between...' = diversify portfolio

Amount types:
- Dollar signs or 'dollars'/'USD': amount_type=USD (e.g. '$100', 'buy 50 dollars of BTC')
- Numbers with a crypto name: amount_type=CRYPTO (e.g. '1 BTC', '0.5 ethereum')
- 'all', 'everything', 'my entire': amount_type=ALL (e.g. 'sell all my BTC')

Function selection:
- Buy/sell a single asset: execute_trade
- Convert/swap between cryptos: convert_crypto
- Spread across multiple assets: diversify_portfolio
- Automated price triggers: create_rule

Symbols: BTC/Bitcoin -> BTC-USD, ETH/Ethereum/ether -> ETH-USD, SOL/Solana -> SOL-USD, XRP/Ripple -> XRP-USD.

If the user asks for something other than trading, reply in plain text that you can only help with trading and do not call a function.
If the command is unclear or missing information, reply in plain text asking for clarification. Do not guess.`

type jsonSchema map[string]any

var (
	symbolSchema     = jsonSchema{"type": "string", "description": "Trading symbol (e.g., BTC-USD, ETH-USD)"}
	actionSchema     = jsonSchema{"type": "string", "enum": []string{"BUY", "SELL"}}
	amountTypeSchema = jsonSchema{"type": "string", "enum": []string{"USD", "CRYPTO", "ALL"},
		"description": "USD for a dollar value, CRYPTO for a coin quantity, ALL for the entire position (SELL only)."}
	amountSchema = jsonSchema{"type": "number",
		"description": "Dollar value for USD, coin quantity for CRYPTO, ignored for ALL."}
)

var functionSchemas = []jsonSchema{
	{
		"name":        FuncExecuteTrade,
		"description": "Execute an immediate buy or sell order",
		"parameters": jsonSchema{
			"type": "object",
			"properties": jsonSchema{
				"symbol": symbolSchema, "action": actionSchema,
				"amount_type": amountTypeSchema, "amount": amountSchema,
			},
			"required": []string{"symbol", "action", "amount_type", "amount"},
		},
	},
	{
		"name":        FuncCreateRule,
		"description": "Create a conditional trading rule that executes when price conditions are met",
		"parameters": jsonSchema{
			"type": "object",
			"properties": jsonSchema{
				"symbol":      symbolSchema,
				"condition":   jsonSchema{"type": "string", "enum": []string{"PRICE_ABOVE", "PRICE_BELOW", "PRICE_EQUALS"}},
				"targetPrice": jsonSchema{"type": "number", "description": "Target price for the condition"},
				"action":      actionSchema, "amount_type": amountTypeSchema, "amount": amountSchema,
			},
			"required": []string{"symbol", "condition", "targetPrice", "action", "amount_type", "amount"},
		},
	},
	{
		"name":        FuncConvertCrypto,
		"description": "Convert one cryptocurrency to another by selling the first and buying the second with the proceeds",
		"parameters": jsonSchema{
			"type": "object",
			"properties": jsonSchema{
				"from_symbol": jsonSchema{"type": "string", "description": "Symbol to sell"},
				"to_symbol":   jsonSchema{"type": "string", "description": "Symbol to buy"},
				"amount_type": amountTypeSchema, "amount": amountSchema,
			},
			"required": []string{"from_symbol", "to_symbol", "amount_type"},
		},
	},
	{
		"name":        FuncDiversifyPortfolio,
		"description": "Allocate a dollar amount across several cryptocurrencies by percentage",
		"parameters": jsonSchema{
			"type": "object",
			"properties": jsonSchema{
				"total_amount": jsonSchema{"type": "number", "description": "Total USD amount to allocate"},
				"allocations": jsonSchema{
					"type": "array",
					"items": jsonSchema{
						"type": "object",
						"properties": jsonSchema{
							"symbol":     symbolSchema,
							"percentage": jsonSchema{"type": "number", "description": "Share of total_amount (0-100); all shares sum to 100"},
						},
					},
				},
			},
			"required": []string{"total_amount", "allocations"},
		},
	},
}

// OpenAIConfig configures OpenAIInterpreter.
type OpenAIConfig struct {
	APIKey  string
	URL     string
	Model   string
	Timeout time.Duration
}

// OpenAIInterpreter parses commands with a chat-completions function call.
type OpenAIInterpreter struct {
	cfg  OpenAIConfig
	http *http.Client
}

// NewOpenAIInterpreter applies defaults to cfg.
func NewOpenAIInterpreter(cfg OpenAIConfig) *OpenAIInterpreter {
	if cfg.URL == "" {
		cfg.URL = DefaultOpenAIURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAIInterpreter{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model        string        `json:"model"`
	Messages     []chatMessage `json:"messages"`
	Functions    []jsonSchema  `json:"functions"`
	FunctionCall string        `json:"function_call"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content      *string `json:"content"`
			FunctionCall *struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function_call"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (o *OpenAIInterpreter) Parse(ctx context.Context, text string) (Interpretation, error) {
	if o.cfg.APIKey == "" {
		return Interpretation{}, ErrInterpreterDisabled
	}
	body, err := json.Marshal(chatRequest{
		Model: o.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
		Functions:    functionSchemas,
		FunctionCall: "auto",
	})
	if err != nil {
		return Interpretation{}, fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Interpretation{}, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return Interpretation{}, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Interpretation{}, fmt.Errorf("read chat response: %w", err)
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Interpretation{}, fmt.Errorf("decode chat response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 {
		msg := http.StatusText(resp.StatusCode)
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return Interpretation{}, fmt.Errorf("chat request failed with status %d: %s", resp.StatusCode, msg)
	}
	if len(out.Choices) == 0 {
		return Interpretation{}, errors.New("chat response has no choices")
	}

	msg := out.Choices[0].Message
	if fc := msg.FunctionCall; fc != nil && fc.Name != "" {
		args := strings.TrimSpace(fc.Arguments)
		if !json.Valid([]byte(args)) {
			return Interpretation{}, fmt.Errorf("function %s returned malformed arguments", fc.Name)
		}
		return Interpretation{Intent: &Intent{Function: fc.Name, Args: json.RawMessage(args)}}, nil
	}
	if msg.Content != nil {
		return Interpretation{Text: *msg.Content}, nil
	}
	return Interpretation{}, nil
}
