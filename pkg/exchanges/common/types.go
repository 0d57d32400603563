package common

import "github.com/shopspring/decimal"

// Side denotes order side in venue-neutral form.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order types the live adapter forwards.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderRequest captures an order intent to be sent to an exchange. Pair is the venue's
// own pair name.
type OrderRequest struct {
	Pair   string
	Side   Side
	Type   OrderType
	Volume decimal.Decimal
	Price  *decimal.Decimal // required for LIMIT
}

// OpenOrder is a resting order as reported by the venue.
type OpenOrder struct {
	TxID     string
	Pair     string
	Side     Side
	Type     OrderType
	Volume   decimal.Decimal
	Executed decimal.Decimal
	Price    decimal.Decimal
	Status   string
	OpenedAt float64
}
