package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-core/internal/monitor"
	"settlement-core/internal/order"
	"settlement-core/internal/rules"
)

var hundred = decimal.NewFromInt(100)

// Options carries the optional collaborators of Service.
type Options struct {
	TTL     time.Duration
	Metrics *monitor.Metrics
	Log     logrus.FieldLogger
}

// Service runs the submit/confirm workflow. Orders go through orders, normally the mode
// router, so confirmed commands settle in the user's current mode.
type Service struct {
	interp  Interpreter
	store   Store
	orders  order.Service
	prices  order.PriceSource
	rules   *rules.Store
	ttl     time.Duration
	metrics *monitor.Metrics
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewService wires the agent workflow.
func NewService(interp Interpreter, store Store, orders order.Service, prices order.PriceSource, ruleStore *rules.Store, opts Options) *Service {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		interp:  interp,
		store:   store,
		orders:  orders,
		prices:  prices,
		rules:   ruleStore,
		ttl:     ttl,
		metrics: opts.Metrics,
		log:     log.WithField("component", "agent"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit interprets text. Structured intents are parked until confirmed.
func (s *Service) Submit(ctx context.Context, userID, text string) (*SubmitResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: command is empty", order.ErrInvalidArgument)
	}
	interp, err := s.interp.Parse(ctx, text)
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("interpreter failed")
		return nil, fmt.Errorf("%w: interpret command: %v", order.ErrExternalServiceError, err)
	}
	if interp.Intent == nil || interp.Intent.Function == "" {
		msg := strings.TrimSpace(interp.Text)
		if msg == "" {
			msg = helpMessage
		}
		return &SubmitResult{Message: msg}, nil
	}

	cmd := PendingCommand{
		Token:        uuid.NewString(),
		UserID:       userID,
		Intent:       *interp.Intent,
		OriginalText: text,
		CreatedAt:    s.now(),
	}
	if err := s.store.Put(ctx, cmd, s.ttl); err != nil {
		return nil, err
	}
	s.metrics.ObservePending("submitted")
	s.log.WithFields(logrus.Fields{
		"user_id":  userID,
		"function": cmd.Intent.Function,
		"token":    cmd.Token,
	}).Info("command awaiting confirmation")

	return &SubmitResult{
		RequiresConfirmation: true,
		Token:                cmd.Token,
		Message:              confirmationPrompt(cmd.Intent),
		Pending:              &cmd,
	}, nil
}

// Confirm consumes the pending command and runs its workflow. Exactly one concurrent
// Confirm of the same token gets past Take.
func (s *Service) Confirm(ctx context.Context, userID, token string) (*Result, error) {
	cmd, err := s.store.Take(ctx, token, userID)
	if err != nil {
		return nil, err
	}

	var res *Result
	switch cmd.Intent.Function {
	case FuncExecuteTrade:
		res, err = s.executeTrade(ctx, userID, cmd)
	case FuncCreateRule:
		res, err = s.createRule(ctx, userID, cmd)
	case FuncConvertCrypto:
		res, err = s.convert(ctx, userID, cmd)
	case FuncDiversifyPortfolio:
		res, err = s.diversify(ctx, userID, cmd)
	default:
		err = fmt.Errorf("%w: unknown function %q", order.ErrInvalidArgument, cmd.Intent.Function)
	}

	log := s.log.WithFields(logrus.Fields{"user_id": userID, "function": cmd.Intent.Function, "token": token})
	if err != nil {
		s.metrics.ObservePending("failed")
		log.WithError(err).Warn("confirmed command failed")
		return nil, err
	}
	if res.Partial {
		s.metrics.ObservePending("partial")
		log.WithField("failed_step", res.FailedStep).Warn("confirmed command completed partially")
	} else {
		s.metrics.ObservePending("confirmed")
		log.Info("confirmed command executed")
	}
	return res, nil
}

// Cancel drops a pending command. Unknown tokens are ignored.
func (s *Service) Cancel(ctx context.Context, token string) error {
	removed, err := s.store.Delete(ctx, token)
	if err != nil {
		return err
	}
	if removed {
		s.metrics.ObservePending("cancelled")
	}
	return nil
}

func (s *Service) price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p, err := s.prices.CurrentPrice(ctx, symbol)
	if err != nil {
		if order.Kind(err) != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("%w: %s: %v", order.ErrMarketDataUnavailable, symbol, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", order.ErrMarketDataUnavailable, symbol)
	}
	return p, nil
}

func (s *Service) held(ctx context.Context, userID, symbol string) (decimal.Decimal, error) {
	positions, err := s.orders.Portfolio(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return order.HeldQuantity(positions, symbol), nil
}

func (s *Service) market(ctx context.Context, userID, symbol string, side order.Side, qty decimal.Decimal) (*order.Order, error) {
	return s.orders.PlaceOrder(ctx, userID, order.PlaceRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     order.TypeMarket,
		Quantity: qty,
	})
}

func (s *Service) executeTrade(ctx context.Context, userID string, cmd *PendingCommand) (*Result, error) {
	var a tradeArgs
	if err := decodeArgs(cmd.Intent.Args, &a); err != nil {
		return nil, err
	}
	side, amountType := order.Side(a.Action), order.AmountType(a.AmountType)

	price, held := decimal.Zero, decimal.Zero
	var err error
	switch amountType {
	case order.AmountUSD:
		if price, err = s.price(ctx, a.Symbol); err != nil {
			return nil, err
		}
	case order.AmountAll:
		if side == order.SideSell {
			if held, err = s.held(ctx, userID, a.Symbol); err != nil {
				return nil, err
			}
		}
	}
	qty, err := order.ResolveQuantity(side, amountType, a.Amount, price, held)
	if err != nil {
		return nil, err
	}
	placed, err := s.market(ctx, userID, a.Symbol, side, qty)
	if err != nil {
		return nil, err
	}
	return &Result{
		Function: FuncExecuteTrade,
		Message:  fmt.Sprintf("Order executed: %s %s of %s", placed.Side, placed.Quantity, placed.Symbol),
		Orders:   []order.Order{*placed},
	}, nil
}

func (s *Service) createRule(ctx context.Context, userID string, cmd *PendingCommand) (*Result, error) {
	var a ruleArgs
	if err := decodeArgs(cmd.Intent.Args, &a); err != nil {
		return nil, err
	}
	if !a.TargetPrice.IsPositive() {
		return nil, fmt.Errorf("%w: targetPrice must be positive", order.ErrInvalidArgument)
	}
	created, err := s.rules.Create(ctx, rules.Rule{
		UserID:      userID,
		RuleText:    cmd.OriginalText,
		Symbol:      a.Symbol,
		Condition:   rules.Condition(a.Condition),
		TargetPrice: a.TargetPrice,
		Action:      order.Side(a.Action),
		Amount:      a.Amount,
		AmountType:  order.AmountType(a.AmountType),
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Function: FuncCreateRule,
		Message: fmt.Sprintf("Rule created: Will %s %s when price %s $%s",
			created.Action, order.BaseAsset(created.Symbol), created.Condition.Phrase(), created.TargetPrice),
		Rule: created,
	}, nil
}

// convert sells one asset and buys another with the net proceeds. A failed buy leaves
// the sell in place and is reported as a partial result.
func (s *Service) convert(ctx context.Context, userID string, cmd *PendingCommand) (*Result, error) {
	var a convertArgs
	if err := decodeArgs(cmd.Intent.Args, &a); err != nil {
		return nil, err
	}

	fromPrice := decimal.Zero
	var sellQty decimal.Decimal
	var err error
	switch order.AmountType(a.AmountType) {
	case order.AmountAll:
		held, err := s.held(ctx, userID, a.FromSymbol)
		if err != nil {
			return nil, err
		}
		if !held.IsPositive() {
			return nil, fmt.Errorf("%w: no %s to convert", order.ErrInsufficientPosition, a.FromSymbol)
		}
		sellQty = held
	case order.AmountCrypto:
		if !a.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: amount must be positive", order.ErrInvalidArgument)
		}
		sellQty = a.Amount
	case order.AmountUSD:
		if fromPrice, err = s.price(ctx, a.FromSymbol); err != nil {
			return nil, err
		}
		if sellQty, err = order.ResolveQuantity(order.SideSell, order.AmountUSD, a.Amount, fromPrice, decimal.Zero); err != nil {
			return nil, err
		}
	}

	sell, err := s.market(ctx, userID, a.FromSymbol, order.SideSell, sellQty)
	if err != nil {
		return nil, err
	}

	// Live fills carry no price or fee locally; fall back to the quote and the flat rate.
	sellPrice, sellFee := fromPrice, sell.Fee
	if sell.FilledPrice != nil {
		sellPrice = *sell.FilledPrice
	} else {
		if !sellPrice.IsPositive() {
			if sellPrice, err = s.price(ctx, a.FromSymbol); err != nil {
				return s.partial(FuncConvertCrypto, "price "+a.FromSymbol, err, *sell), nil
			}
		}
		sellFee = order.Fee(sellPrice, sellQty)
	}
	proceeds := sellPrice.Mul(sellQty).Sub(sellFee)

	buyPrice, err := s.price(ctx, a.ToSymbol)
	if err != nil {
		return s.partial(FuncConvertCrypto, "buy "+a.ToSymbol, err, *sell), nil
	}
	buyQty, err := order.BuyQuantityFor(proceeds, buyPrice)
	if err == nil && !buyQty.IsPositive() {
		err = fmt.Errorf("%w: proceeds too small to buy %s", order.ErrInvalidArgument, a.ToSymbol)
	}
	if err != nil {
		return s.partial(FuncConvertCrypto, "buy "+a.ToSymbol, err, *sell), nil
	}
	buy, err := s.market(ctx, userID, a.ToSymbol, order.SideBuy, buyQty)
	if err != nil {
		return s.partial(FuncConvertCrypto, "buy "+a.ToSymbol, err, *sell), nil
	}

	return &Result{
		Function: FuncConvertCrypto,
		Message: fmt.Sprintf("Conversion executed: Sold %s %s at $%s, bought %s %s at $%s",
			sellQty, order.BaseAsset(a.FromSymbol), sellPrice.StringFixed(order.CashScale),
			buyQty, order.BaseAsset(a.ToSymbol), priceOf(buy, buyPrice).StringFixed(order.CashScale)),
		Orders: []order.Order{*sell, *buy},
	}, nil
}

// diversify buys each allocation in turn. Completed buys stay when a later one fails.
func (s *Service) diversify(ctx context.Context, userID string, cmd *PendingCommand) (*Result, error) {
	var a diversifyArgs
	if err := decodeArgs(cmd.Intent.Args, &a); err != nil {
		return nil, err
	}
	if !a.TotalAmount.IsPositive() {
		return nil, fmt.Errorf("%w: total_amount must be positive", order.ErrInvalidArgument)
	}
	sum := decimal.Zero
	for _, al := range a.Allocations {
		if !al.Percentage.IsPositive() {
			return nil, fmt.Errorf("%w: percentage for %s must be positive", order.ErrInvalidArgument, al.Symbol)
		}
		sum = sum.Add(al.Percentage)
	}
	if !sum.Equal(hundred) {
		return nil, fmt.Errorf("%w: percentages must sum to 100, got %s", order.ErrInvalidArgument, sum)
	}

	var done []order.Order
	parts := make([]string, 0, len(a.Allocations))
	for _, al := range a.Allocations {
		dollars := a.TotalAmount.Mul(al.Percentage).DivRound(hundred, order.CashScale)
		price, err := s.price(ctx, al.Symbol)
		if err != nil {
			return s.partial(FuncDiversifyPortfolio, "buy "+al.Symbol, err, done...), nil
		}
		qty, err := order.BuyQuantityFor(dollars, price)
		if err != nil {
			return s.partial(FuncDiversifyPortfolio, "buy "+al.Symbol, err, done...), nil
		}
		placed, err := s.market(ctx, userID, al.Symbol, order.SideBuy, qty)
		if err != nil {
			return s.partial(FuncDiversifyPortfolio, "buy "+al.Symbol, err, done...), nil
		}
		done = append(done, *placed)
		parts = append(parts, fmt.Sprintf("%s %s", qty, order.BaseAsset(al.Symbol)))
	}

	return &Result{
		Function: FuncDiversifyPortfolio,
		Message:  fmt.Sprintf("Portfolio diversified across %d assets: %s", len(done), strings.Join(parts, ", ")),
		Orders:   done,
	}, nil
}

func (s *Service) partial(function, step string, cause error, executed ...order.Order) *Result {
	return &Result{
		Function:   function,
		Message:    fmt.Sprintf("Completed %d order(s), then %s failed: %v", len(executed), step, cause),
		Orders:     executed,
		Partial:    true,
		FailedStep: step,
		Error:      cause.Error(),
	}
}

func priceOf(o *order.Order, fallback decimal.Decimal) decimal.Decimal {
	if o.FilledPrice != nil {
		return *o.FilledPrice
	}
	return fallback
}
