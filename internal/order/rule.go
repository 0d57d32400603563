package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settlement-core/pkg/db"
)

// ConsumeRule deactivates an active rule owned by userID inside the caller's transaction.
// Losing the active→inactive swap means the rule already fired.
func ConsumeRule(ctx context.Context, q *db.Queries, ruleID, userID string, at time.Time) error {
	rule, err := q.GetRule(ctx, ruleID)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: rule %s", ErrNotFound, ruleID)
	}
	if err != nil {
		return err
	}
	if rule.UserID != userID {
		return fmt.Errorf("%w: rule %s belongs to another user", ErrUnauthorized, ruleID)
	}
	ok, err := q.DeactivateRule(ctx, ruleID, sql.NullTime{Time: at, Valid: true})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: rule %s already executed", ErrInvalidState, ruleID)
	}
	return nil
}
