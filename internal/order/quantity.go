package order

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	QuantityScale = 8
	CashScale     = 2
)

// FeeRate is the flat taker fee charged on every fill.
var FeeRate = decimal.RequireFromString("0.002")

var feeFactor = decimal.NewFromInt(1).Add(FeeRate)

// Fee returns the fee charged on price×qty.
func Fee(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty).Mul(FeeRate)
}

// WeightedAverage folds a fill into an existing cost basis.
func WeightedAverage(oldQty, oldAvg, fillQty, fillPrice decimal.Decimal) decimal.Decimal {
	if oldQty.IsZero() {
		return fillPrice
	}
	total := oldQty.Add(fillQty)
	if total.IsZero() {
		return fillPrice
	}
	return oldQty.Mul(oldAvg).Add(fillQty.Mul(fillPrice)).DivRound(total, QuantityScale)
}

// AmountType says how a rule or command amount converts into an order quantity.
type AmountType string

const (
	AmountUSD    AmountType = "USD"
	AmountCrypto AmountType = "CRYPTO"
	AmountAll    AmountType = "ALL"
)

// ParseAmountType normalizes s; empty defaults to USD.
func ParseAmountType(s string) (AmountType, error) {
	switch t := AmountType(strings.ToUpper(strings.TrimSpace(s))); t {
	case "":
		return AmountUSD, nil
	case AmountUSD, AmountCrypto, AmountAll:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown amount type %q", ErrInvalidArgument, s)
}

// ResolveQuantity converts amount into an order quantity. held is the caller's current
// position and is only consulted for AmountAll.
func ResolveQuantity(side Side, amountType AmountType, amount, price, held decimal.Decimal) (decimal.Decimal, error) {
	switch amountType {
	case AmountUSD:
		if !price.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: no price to size a USD amount", ErrMarketDataUnavailable)
		}
		if !amount.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
		}
		return amount.DivRound(price, QuantityScale), nil
	case AmountCrypto:
		if !amount.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
		}
		return amount, nil
	case AmountAll:
		if side != SideSell {
			return decimal.Zero, fmt.Errorf("%w: ALL is only valid for SELL", ErrInvalidArgument)
		}
		if !held.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: nothing to sell", ErrInsufficientPosition)
		}
		return held, nil
	}
	return decimal.Zero, fmt.Errorf("%w: unknown amount type %q", ErrInvalidArgument, amountType)
}

// BuyQuantityFor solves qty×price×(1+FeeRate) = cash for qty, truncated to QuantityScale
// so the buy plus its fee never costs more than cash.
func BuyQuantityFor(cash, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no price to size the buy", ErrMarketDataUnavailable)
	}
	return cash.Div(price.Mul(feeFactor)).RoundDown(QuantityScale), nil
}

// BaseAsset strips the quote currency: "BTC-USD" becomes "BTC".
func BaseAsset(symbol string) string {
	return strings.TrimSuffix(symbol, "-USD")
}

// HeldQuantity returns the quantity of symbol in positions, zero when absent.
func HeldQuantity(positions []Position, symbol string) decimal.Decimal {
	for _, p := range positions {
		if p.Symbol == symbol {
			return p.Quantity
		}
	}
	return decimal.Zero
}
