package order

import (
	"context"

	"github.com/shopspring/decimal"
)

// Service is the trading contract implemented by the paper engine, the live adapter and the
// mode router.
type Service interface {
	PlaceOrder(ctx context.Context, userID string, req PlaceRequest) (*Order, error)
	CancelOrder(ctx context.Context, userID, orderID string) (*Order, error)
	Portfolio(ctx context.Context, userID string) ([]Position, error)
	OpenOrders(ctx context.Context, userID string) ([]Order, error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	OrderHistory(ctx context.Context, userID string, limit int) ([]Order, error)
}

// PriceSource answers the latest traded price of a symbol.
type PriceSource interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PriceSourceFunc adapts a function to PriceSource.
type PriceSourceFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

func (f PriceSourceFunc) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}
