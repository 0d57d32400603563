package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-core/internal/order"
	"settlement-core/pkg/logging"
)

const DefaultKrakenWSURL = "wss://ws.kraken.com/v2"

const (
	minBackoff = 2 * time.Second
	maxBackoff = 30 * time.Second
)

// NormalizeSymbol converts a Kraken pair such as "BTC/USD" or "XBT/USD" to "BTC-USD".
func NormalizeSymbol(pair string) string {
	s := strings.ToUpper(strings.ReplaceAll(pair, "/", "-"))
	if strings.HasPrefix(s, "XBT-") {
		s = "BTC-" + strings.TrimPrefix(s, "XBT-")
	}
	return s
}

// KrakenPair converts "BTC-USD" to the websocket pair "BTC/USD".
func KrakenPair(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), "-", "/")
}

// IngestorOptions configures the Kraken ticker ingestor.
type IngestorOptions struct {
	URL     string
	Symbols []string
	MaxLen  int64
	Dialer  *websocket.Dialer
	Log     logrus.FieldLogger
}

// Ingestor subscribes to the Kraken v2 ticker channel and writes every update to redis.
type Ingestor struct {
	rdb     redis.UniversalClient
	url     string
	pairs   []string
	maxLen  int64
	dialer  *websocket.Dialer
	log     logrus.FieldLogger
	backoff time.Duration
	now     func() time.Time
}

func NewIngestor(rdb redis.UniversalClient, opts IngestorOptions) *Ingestor {
	in := &Ingestor{
		rdb:     rdb,
		url:     opts.URL,
		maxLen:  opts.MaxLen,
		dialer:  opts.Dialer,
		log:     logging.Component(opts.Log, "kraken-feed"),
		backoff: minBackoff,
		now:     time.Now,
	}
	if in.url == "" {
		in.url = DefaultKrakenWSURL
	}
	if in.dialer == nil {
		in.dialer = websocket.DefaultDialer
	}
	for _, s := range opts.Symbols {
		in.pairs = append(in.pairs, KrakenPair(s))
	}
	return in
}

func (in *Ingestor) Start(ctx context.Context) {
	go in.Run(ctx)
}

// Run keeps a session open, reconnecting with exponential backoff until ctx ends.
func (in *Ingestor) Run(ctx context.Context) {
	for {
		received, err := in.session(ctx)
		if ctx.Err() != nil {
			in.log.Info("kraken feed stopped")
			return
		}
		if received > 0 {
			in.backoff = minBackoff
		}
		in.log.WithError(err).WithField("retry_in", in.backoff.String()).Warn("kraken feed disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(in.backoff):
		}
		in.backoff = nextBackoff(in.backoff)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

type subscribeRequest struct {
	Method string          `json:"method"`
	Params subscribeParams `json:"params"`
}

type subscribeParams struct {
	Channel string   `json:"channel"`
	Symbol  []string `json:"symbol"`
}

type krakenMessage struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Method  string          `json:"method"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

type krakenTicker struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	Volume decimal.Decimal `json:"volume"`
	Change decimal.Decimal `json:"change"`
}

// session returns how many ticks it wrote before the connection ended.
func (in *Ingestor) session(ctx context.Context) (int, error) {
	conn, _, err := in.dialer.DialContext(ctx, in.url, nil)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", in.url, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	sub := subscribeRequest{Method: "subscribe", Params: subscribeParams{Channel: "ticker", Symbol: in.pairs}}
	if err := conn.WriteJSON(sub); err != nil {
		return 0, fmt.Errorf("subscribe: %w", err)
	}
	in.log.WithField("pairs", in.pairs).Info("kraken feed subscribed")

	written := 0
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return written, fmt.Errorf("read: %w", err)
		}
		n, err := in.handleMessage(ctx, raw)
		if err != nil {
			in.log.WithError(err).Warn("kraken message")
		}
		written += n
	}
}

// handleMessage writes the ticks carried by one websocket frame.
func (in *Ingestor) handleMessage(ctx context.Context, raw []byte) (int, error) {
	var msg krakenMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return 0, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Method == "subscribe" && msg.Success != nil && !*msg.Success {
		return 0, fmt.Errorf("subscription rejected: %s", msg.Error)
	}
	if msg.Channel != "ticker" || len(msg.Data) == 0 {
		return 0, nil
	}
	var tickers []krakenTicker
	if err := json.Unmarshal(msg.Data, &tickers); err != nil {
		return 0, fmt.Errorf("decode ticker data: %w", err)
	}
	written := 0
	for _, k := range tickers {
		t := order.Tick{
			Symbol:    NormalizeSymbol(k.Symbol),
			TS:        in.now().UnixMilli(),
			Bid:       k.Bid,
			Ask:       k.Ask,
			Last:      k.Last,
			Volume24h: k.Volume,
			Change24h: k.Change,
		}
		if !t.Last.IsPositive() {
			continue
		}
		if err := WriteTick(ctx, in.rdb, t, in.maxLen); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}
