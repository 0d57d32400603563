package order

import (
	"settlement-core/pkg/db"
)

// FromRow maps a ledger row into the settlement view.
func FromRow(r db.Order) Order {
	o := Order{
		ID:         r.ID,
		UserID:     r.UserID,
		Symbol:     r.Symbol,
		Side:       Side(r.Side),
		Type:       Type(r.Type),
		Quantity:   r.Quantity,
		Status:     Status(r.Status),
		Fee:        r.Fee,
		ExternalID: r.ExternalID,
		Mode:       Mode(r.Mode),
		RuleID:     r.RuleID,
		Version:    r.Version,
		CreatedAt:  r.CreatedAt,
	}
	if r.LimitPrice.Valid {
		p := r.LimitPrice.Decimal
		o.LimitPrice = &p
	}
	if r.FilledPrice.Valid {
		p := r.FilledPrice.Decimal
		o.FilledPrice = &p
	}
	if r.FilledAt.Valid {
		t := r.FilledAt.Time
		o.FilledAt = &t
	}
	return o
}

// FromRows maps a slice of ledger rows.
func FromRows(rows []db.Order) []Order {
	out := make([]Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, FromRow(r))
	}
	return out
}
