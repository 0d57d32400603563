package rules

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"settlement-core/internal/order"
	"settlement-core/pkg/db"
)

// Seed is one rule entry of the seed file. Amounts stay strings so YAML floats never
// touch them.
type Seed struct {
	ID          string `yaml:"id"`
	UserID      string `yaml:"user_id"`
	Text        string `yaml:"text"`
	Symbol      string `yaml:"symbol"`
	Condition   string `yaml:"condition"`
	TargetPrice string `yaml:"target_price"`
	Action      string `yaml:"action"`
	Amount      string `yaml:"amount"`
	AmountType  string `yaml:"amount_type"`
}

// SeedFile is the top-level YAML structure.
type SeedFile struct {
	Rules []Seed `yaml:"rules"`
}

// LoadSeeds reads rule seeds from a YAML file.
func LoadSeeds(path string) ([]Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule seeds: %w", err)
	}
	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rule seeds: %w", err)
	}
	return file.Rules, nil
}

func (s Seed) rule(now time.Time) (Rule, error) {
	if s.ID == "" || s.UserID == "" {
		return Rule{}, fmt.Errorf("%w: seed needs id and user_id", order.ErrInvalidArgument)
	}
	target, err := decimal.NewFromString(s.TargetPrice)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: seed %s target_price: %v", order.ErrInvalidArgument, s.ID, err)
	}
	amount := decimal.Zero
	if s.Amount != "" {
		if amount, err = decimal.NewFromString(s.Amount); err != nil {
			return Rule{}, fmt.Errorf("%w: seed %s amount: %v", order.ErrInvalidArgument, s.ID, err)
		}
	}
	r := Rule{
		ID:          s.ID,
		UserID:      s.UserID,
		RuleText:    s.Text,
		Symbol:      s.Symbol,
		Condition:   Condition(s.Condition),
		TargetPrice: target,
		Action:      order.Side(s.Action),
		Amount:      amount,
		AmountType:  order.AmountType(s.AmountType),
		Active:      true,
		CreatedAt:   now,
	}
	if err := r.normalize(); err != nil {
		return Rule{}, fmt.Errorf("seed %s: %w", s.ID, err)
	}
	return r, nil
}

// SyncSeeds upserts seeds by id in one transaction. Rules that already fired stay fired.
func (s *Store) SyncSeeds(ctx context.Context, seeds []Seed) (int, error) {
	now := s.now()
	rows := make([]db.Rule, 0, len(seeds))
	for _, seed := range seeds {
		r, err := seed.rule(now)
		if err != nil {
			return 0, err
		}
		rows = append(rows, r.row())
	}
	err := s.db.WithTx(ctx, func(q *db.Queries) error {
		for _, r := range rows {
			if err := q.UpsertRule(ctx, r); err != nil {
				return fmt.Errorf("upsert rule %s: %w", r.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
