package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"settlement-core/internal/order"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type tradeArgs struct {
	Symbol     string          `json:"symbol" validate:"required"`
	Action     string          `json:"action" validate:"required,oneof=BUY SELL"`
	AmountType string          `json:"amount_type" validate:"required,oneof=USD CRYPTO ALL"`
	Amount     decimal.Decimal `json:"amount"`
}

func (a *tradeArgs) normalize() {
	a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
	a.Action = strings.ToUpper(a.Action)
	a.AmountType = strings.ToUpper(a.AmountType)
}

type ruleArgs struct {
	Symbol      string          `json:"symbol" validate:"required"`
	Condition   string          `json:"condition" validate:"required,oneof=PRICE_ABOVE PRICE_BELOW PRICE_EQUALS"`
	TargetPrice decimal.Decimal `json:"targetPrice"`
	Action      string          `json:"action" validate:"required,oneof=BUY SELL"`
	AmountType  string          `json:"amount_type" validate:"required,oneof=USD CRYPTO ALL"`
	Amount      decimal.Decimal `json:"amount"`
}

func (a *ruleArgs) normalize() {
	a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
	a.Condition = strings.ToUpper(a.Condition)
	a.Action = strings.ToUpper(a.Action)
	a.AmountType = strings.ToUpper(a.AmountType)
}

type convertArgs struct {
	FromSymbol string          `json:"from_symbol" validate:"required"`
	ToSymbol   string          `json:"to_symbol" validate:"required,nefield=FromSymbol"`
	AmountType string          `json:"amount_type" validate:"required,oneof=USD CRYPTO ALL"`
	Amount     decimal.Decimal `json:"amount"`
}

func (a *convertArgs) normalize() {
	a.FromSymbol = strings.ToUpper(strings.TrimSpace(a.FromSymbol))
	a.ToSymbol = strings.ToUpper(strings.TrimSpace(a.ToSymbol))
	a.AmountType = strings.ToUpper(a.AmountType)
}

type allocation struct {
	Symbol     string          `json:"symbol" validate:"required"`
	Percentage decimal.Decimal `json:"percentage"`
}

type diversifyArgs struct {
	TotalAmount decimal.Decimal `json:"total_amount"`
	Allocations []allocation    `json:"allocations" validate:"required,min=1,dive"`
}

func (a *diversifyArgs) normalize() {
	for i := range a.Allocations {
		a.Allocations[i].Symbol = strings.ToUpper(strings.TrimSpace(a.Allocations[i].Symbol))
	}
}

type normalizer interface{ normalize() }

// decodeArgs unmarshals raw into dst, normalizes it and runs the struct validation.
func decodeArgs(raw json.RawMessage, dst normalizer) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing arguments", order.ErrInvalidArgument)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: malformed arguments: %v", order.ErrInvalidArgument, err)
	}
	dst.normalize()
	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %s failed %s", order.ErrInvalidArgument, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", order.ErrInvalidArgument, err)
	}
	return nil
}
