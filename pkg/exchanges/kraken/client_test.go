package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-core/pkg/exchanges/common"
)

var testSecret = base64.StdEncoding.EncodeToString([]byte("kraken-test-secret"))

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "key", APISecret: testSecret, BaseURL: srv.URL, RatePerSecond: 1000})
}

// verifySignature recomputes API-Sign from the received request.
func verifySignature(t *testing.T, r *http.Request, body string) {
	t.Helper()
	form, err := url.ParseQuery(body)
	require.NoError(t, err)
	nonce := form.Get("nonce")
	require.NotEmpty(t, nonce)

	key, _ := base64.StdEncoding.DecodeString(testSecret)
	sum := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(r.URL.Path))
	mac.Write(sum[:])
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, "key", r.Header.Get("API-Key"))
	assert.Equal(t, want, r.Header.Get("API-Sign"))
}

func TestAddOrderSignsAndReturnsTxID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/0/private/AddOrder", r.URL.Path)
		b, _ := io.ReadAll(r.Body)
		verifySignature(t, r, string(b))
		form, _ := url.ParseQuery(string(b))
		assert.Equal(t, "XXBTZUSD", form.Get("pair"))
		assert.Equal(t, "buy", form.Get("type"))
		assert.Equal(t, "limit", form.Get("ordertype"))
		assert.Equal(t, "0.5", form.Get("volume"))
		assert.Equal(t, "45000", form.Get("price"))
		_, _ = w.Write([]byte(`{"error":[],"result":{"descr":{"order":"buy 0.5 XBTUSD @ limit 45000"},"txid":["OUF4EM-FRGI2-MQMWZD"]}}`))
	})

	price := decimal.NewFromInt(45000)
	txid, err := c.AddOrder(context.Background(), common.OrderRequest{
		Pair: "XXBTZUSD", Side: common.SideBuy, Type: common.OrderTypeLimit,
		Volume: decimal.RequireFromString("0.5"), Price: &price,
	})
	require.NoError(t, err)
	assert.Equal(t, "OUF4EM-FRGI2-MQMWZD", txid)
}

func TestErrorArrayBecomesAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":["EOrder:Insufficient funds"]}`))
	})

	_, err := c.AddOrder(context.Background(), common.OrderRequest{
		Pair: "XXBTZUSD", Side: common.SideBuy, Type: common.OrderTypeMarket, Volume: decimal.NewFromInt(1),
	})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Has("EOrder:Insufficient funds"))
	assert.False(t, apiErr.Has("EGeneral"))
}

func TestBalanceAndOpenOrders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/0/private/Balance":
			_, _ = w.Write([]byte(`{"error":[],"result":{"ZUSD":"1520.25","XXBT":"0.0125","XETH":"0"}}`))
		case "/0/private/OpenOrders":
			_, _ = w.Write([]byte(`{"error":[],"result":{"open":{"OQCLML-BW3P3-BUCMWZ":{"status":"open","opentm":1688666559.8974,"vol":"1.25","vol_exec":"0","price":"0","descr":{"pair":"XBTUSD","type":"sell","ordertype":"limit","price":"60000.0"}}}}}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	bal, err := c.Balance(ctx)
	require.NoError(t, err)
	assert.True(t, bal["ZUSD"].Equal(decimal.RequireFromString("1520.25")))
	assert.True(t, bal["XXBT"].Equal(decimal.RequireFromString("0.0125")))

	open, err := c.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "OQCLML-BW3P3-BUCMWZ", open[0].TxID)
	assert.Equal(t, common.SideSell, open[0].Side)
	assert.Equal(t, common.OrderTypeLimit, open[0].Type)
	assert.True(t, open[0].Price.Equal(decimal.NewFromInt(60000)))

	assert.True(t, c.TestConnection(ctx))
}

func TestMissingCredentialsShortCircuits(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Balance(context.Background())
	assert.ErrorIs(t, err, ErrMissingCredentials)
	assert.False(t, c.TestConnection(context.Background()))
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestHTTPFailureIsReported(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	})
	err := c.CancelOrder(context.Background(), "TX")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestNonceIsStrictlyIncreasing(t *testing.T) {
	c := New(Config{})
	prev := c.nextNonce()
	for i := 0; i < 100; i++ {
		n := c.nextNonce()
		require.Greater(t, n, prev)
		prev = n
	}
}

func TestPairMapping(t *testing.T) {
	tests := []struct {
		symbol, pair string
	}{
		{"BTC-USD", "XXBTZUSD"},
		{"ETH-USD", "XETHZUSD"},
		{"SOL-USD", "SOLUSD"},
		{"XRP-USD", "XXRPZUSD"},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			p, ok := PairFor(tt.symbol)
			require.True(t, ok)
			assert.Equal(t, tt.pair, p)

			s, ok := SymbolForPair(tt.pair)
			require.True(t, ok)
			assert.Equal(t, tt.symbol, s)
		})
	}

	_, ok := PairFor("DOGE-USD")
	assert.False(t, ok)

	s, ok := SymbolForAsset("XBT")
	assert.True(t, ok)
	assert.Equal(t, "BTC-USD", s)
	assert.True(t, IsCash("ZUSD"))
	assert.False(t, IsCash("XXBT"))
}
