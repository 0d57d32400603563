package common

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway abstracts a trading venue account.
type Gateway interface {
	AddOrder(ctx context.Context, req OrderRequest) (string, error)
	Balance(ctx context.Context) (map[string]decimal.Decimal, error)
	OpenOrders(ctx context.Context) ([]OpenOrder, error)
	CancelOrder(ctx context.Context, txID string) error
	TestConnection(ctx context.Context) bool
}
