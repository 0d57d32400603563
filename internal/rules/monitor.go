package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-core/internal/events"
	"settlement-core/internal/monitor"
	"settlement-core/internal/order"
	"settlement-core/pkg/db"
)

// ErrCycleInProgress is returned by RunOnce while another cycle runs.
var ErrCycleInProgress = errors.New("rule cycle already in progress")

const DefaultInterval = 10 * time.Second

// CycleReport summarizes one pass over the active rules.
type CycleReport struct {
	Evaluated int
	Triggered int
	Executed  int
	Failed    int
	Skipped   int
	Duration  time.Duration
}

// Monitor periodically evaluates every active rule and places a market order for each
// one whose condition holds.
type Monitor struct {
	db       *db.Database
	prices   order.PriceSource
	orders   order.Service
	bus      *events.Bus
	metrics  *monitor.Metrics
	log      logrus.FieldLogger
	interval time.Duration

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// MonitorOptions carries the optional collaborators.
type MonitorOptions struct {
	Interval time.Duration
	Bus      *events.Bus
	Metrics  *monitor.Metrics
	Log      logrus.FieldLogger
}

// NewMonitor builds a monitor placing orders through orders, normally the mode router.
func NewMonitor(database *db.Database, prices order.PriceSource, orders order.Service, opts MonitorOptions) *Monitor {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		db:       database,
		prices:   prices,
		orders:   orders,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		log:      log.WithField("component", "rules"),
		interval: interval,
	}
}

// Start runs cycles on the interval until ctx ends or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report, err := m.RunOnce(ctx)
				if errors.Is(err, ErrCycleInProgress) {
					m.log.Debug("previous rule cycle still running; tick skipped")
					continue
				}
				if err != nil {
					m.log.WithError(err).Error("rule cycle failed")
					continue
				}
				if report.Triggered > 0 {
					m.log.WithFields(logrus.Fields{
						"evaluated": report.Evaluated,
						"executed":  report.Executed,
						"failed":    report.Failed,
					}).Info("rule cycle complete")
				}
			}
		}
	}()
	m.log.WithField("interval", m.interval).Info("rule monitor started")
}

// Stop cancels the loop and waits for the in-flight cycle.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce executes a single cycle. It never overlaps with another cycle.
func (m *Monitor) RunOnce(ctx context.Context) (*CycleReport, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer m.running.Store(false)

	start := time.Now()
	active, err := m.db.Queries().ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}

	report := &CycleReport{}
	for _, row := range active {
		if ctx.Err() != nil {
			break
		}
		report.Evaluated++
		m.evaluate(ctx, fromRow(row), report)
	}
	report.Duration = time.Since(start)

	if m.metrics != nil {
		m.metrics.RuleCycles.Inc()
		m.metrics.RuleCycleTime.Observe(report.Duration.Seconds())
	}
	return report, nil
}

func (m *Monitor) evaluate(ctx context.Context, r Rule, report *CycleReport) {
	log := m.log.WithFields(logrus.Fields{"rule_id": r.ID, "user_id": r.UserID, "symbol": r.Symbol})

	price, err := m.prices.CurrentPrice(ctx, r.Symbol)
	if err != nil || !price.IsPositive() {
		log.WithError(err).Warn("no price for rule; retrying next cycle")
		report.Skipped++
		m.metrics.ObserveRule("skipped")
		return
	}
	if !r.Condition.Met(price, r.TargetPrice) {
		m.metrics.ObserveRule("idle")
		return
	}
	report.Triggered++

	placed, err := m.execute(ctx, r, price)
	if err != nil {
		report.Failed++
		m.metrics.ObserveRule("failed")
		log.WithError(err).WithField("price", price.String()).Warn("rule triggered but order failed")
		return
	}
	report.Executed++
	m.metrics.ObserveRule("executed")
	log.WithFields(logrus.Fields{
		"order_id": placed.ID,
		"price":    price.String(),
	}).Info("rule executed")

	if m.bus != nil {
		m.bus.Publish(events.EventRuleExecuted, events.RuleEvent{
			RuleID: r.ID, UserID: r.UserID, OrderID: placed.ID, Symbol: r.Symbol,
		})
	}
}

func (m *Monitor) execute(ctx context.Context, r Rule, price decimal.Decimal) (*order.Order, error) {
	held := decimal.Zero
	if r.AmountType == order.AmountAll {
		positions, err := m.orders.Portfolio(ctx, r.UserID)
		if err != nil {
			return nil, fmt.Errorf("load portfolio: %w", err)
		}
		held = order.HeldQuantity(positions, r.Symbol)
	}
	qty, err := order.ResolveQuantity(r.Action, r.AmountType, r.Amount, price, held)
	if err != nil {
		return nil, err
	}
	return m.orders.PlaceOrder(ctx, r.UserID, order.PlaceRequest{
		Symbol:   r.Symbol,
		Side:     r.Action,
		Type:     order.TypeMarket,
		Quantity: qty,
		RuleID:   r.ID,
	})
}
