// Package kraken is a minimal client for the Kraken private REST API.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-core/pkg/exchanges/common"
)

const DefaultBaseURL = "https://api.kraken.com"

// ErrMissingCredentials is returned before any request when key or secret is empty.
var ErrMissingCredentials = errors.New("kraken: API key/secret required")

// APIError carries the non-empty "error" array of a Kraken response.
type APIError struct {
	Messages []string
}

func (e *APIError) Error() string {
	return "kraken: " + strings.Join(e.Messages, "; ")
}

// Has reports whether any message starts with prefix, e.g. "EOrder:Insufficient funds".
func (e *APIError) Has(prefix string) bool {
	for _, m := range e.Messages {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

// Config holds Kraken credentials. APISecret is the base64 string Kraken issues.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Timeout   time.Duration
	// RatePerSecond paces private calls; zero means one call per second.
	RatePerSecond float64
	Log           logrus.FieldLogger
}

// Client is a Kraken spot trading client.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	rateLimiter *common.RateLimiter

	nonceMu   sync.Mutex
	lastNonce int64
}

var _ common.Gateway = (*Client)(nil)

func New(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		cfg:         cfg,
		baseURL:     base,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: common.NewRateLimiter(cfg.RatePerSecond, 3, log.WithField("component", "kraken")),
	}
}

// HasCredentials reports whether both key and secret are configured.
func (c *Client) HasCredentials() bool {
	return c.cfg.APIKey != "" && c.cfg.APISecret != ""
}

// AddOrder places an order and returns the first transaction id.
func (c *Client) AddOrder(ctx context.Context, req common.OrderRequest) (string, error) {
	params := url.Values{}
	params.Set("pair", req.Pair)
	params.Set("type", strings.ToLower(string(req.Side)))
	params.Set("ordertype", strings.ToLower(string(req.Type)))
	params.Set("volume", req.Volume.String())
	if req.Type == common.OrderTypeLimit {
		if req.Price == nil {
			return "", &APIError{Messages: []string{"EGeneral:Invalid arguments:price"}}
		}
		params.Set("price", req.Price.String())
	}

	var res struct {
		Description struct {
			Order string `json:"order"`
		} `json:"descr"`
		TxID []string `json:"txid"`
	}
	if err := c.private(ctx, "/0/private/AddOrder", params, &res); err != nil {
		return "", err
	}
	if len(res.TxID) == 0 {
		return "", fmt.Errorf("kraken: AddOrder returned no txid")
	}
	return res.TxID[0], nil
}

// Balance returns every asset balance keyed by Kraken asset code (XXBT, ZUSD, ...).
func (c *Client) Balance(ctx context.Context) (map[string]decimal.Decimal, error) {
	var raw map[string]string
	if err := c.private(ctx, "/0/private/Balance", url.Values{}, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for asset, v := range raw {
		amt, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("decode balance %s: %w", asset, err)
		}
		out[asset] = amt
	}
	return out, nil
}

type openOrderJSON struct {
	Status  string  `json:"status"`
	OpenTM  float64 `json:"opentm"`
	Vol     string  `json:"vol"`
	VolExec string  `json:"vol_exec"`
	Price   string  `json:"price"`
	Descr   struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
}

// OpenOrders returns resting orders.
func (c *Client) OpenOrders(ctx context.Context) ([]common.OpenOrder, error) {
	var res struct {
		Open map[string]openOrderJSON `json:"open"`
	}
	if err := c.private(ctx, "/0/private/OpenOrders", url.Values{}, &res); err != nil {
		return nil, err
	}
	out := make([]common.OpenOrder, 0, len(res.Open))
	for txid, o := range res.Open {
		price := parseDecimal(o.Descr.Price)
		if price.IsZero() {
			price = parseDecimal(o.Price)
		}
		out = append(out, common.OpenOrder{
			TxID:     txid,
			Pair:     o.Descr.Pair,
			Side:     common.Side(strings.ToUpper(o.Descr.Type)),
			Type:     common.OrderType(strings.ToUpper(o.Descr.OrderType)),
			Volume:   parseDecimal(o.Vol),
			Executed: parseDecimal(o.VolExec),
			Price:    price,
			Status:   o.Status,
			OpenedAt: o.OpenTM,
		})
	}
	return out, nil
}

// CancelOrder cancels one order by transaction id.
func (c *Client) CancelOrder(ctx context.Context, txID string) error {
	params := url.Values{}
	params.Set("txid", txID)
	var res struct {
		Count int `json:"count"`
	}
	return c.private(ctx, "/0/private/CancelOrder", params, &res)
}

// TestConnection reports whether the credentials can read the balance.
func (c *Client) TestConnection(ctx context.Context) bool {
	_, err := c.Balance(ctx)
	return err == nil
}

// Ping is the health check used by the gateway pool.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Balance(ctx)
	return err
}

func (c *Client) private(ctx context.Context, path string, params url.Values, out any) error {
	if !c.HasCredentials() {
		return ErrMissingCredentials
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	nonce := strconv.FormatInt(c.nextNonce(), 10)
	params.Set("nonce", nonce)
	postData := params.Encode()
	sig, err := Sign(path, nonce, postData, c.cfg.APISecret)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(postData))
	if err != nil {
		return err
	}
	req.Header.Set("API-Key", c.cfg.APIKey)
	req.Header.Set("API-Sign", sig)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("kraken %s status %d: %s", path, res.StatusCode, string(body))
	}

	var envelope struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if len(envelope.Error) > 0 {
		return &APIError{Messages: envelope.Error}
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", path, err)
	}
	return nil
}

// nextNonce returns a strictly increasing microsecond-resolution nonce.
func (c *Client) nextNonce() int64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := time.Now().UnixMilli() * 1000
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// Sign computes API-Sign: base64(HMAC-SHA512(base64dec(secret), path + SHA256(nonce + postData))).
func Sign(path, nonce, postData, secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("kraken: decode secret: %w", err)
	}
	sum := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(sum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func parseDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
