package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"settlement-core/internal/events"
)

// Monitor turns bus traffic into metrics and alerts.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Sink    AlertSink
	Log     logrus.FieldLogger

	// PoolSize, when set, is sampled every SampleEvery into the gateway gauge.
	PoolSize    func() int
	SampleEvery time.Duration
}

var watchedEvents = []events.Event{
	events.EventPriceTick, events.EventOrderPlaced, events.EventOrderFilled,
	events.EventOrderCancelled, events.EventRuleExecuted,
}

// Start subscribes and returns immediately; the loop ends with ctx.
func (m *Monitor) Start(ctx context.Context) {
	log := m.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "monitor")
	if m.Bus == nil || m.Metrics == nil {
		log.Warn("monitor not fully configured; skipping")
		return
	}

	fills, unsubFills := m.Bus.Subscribe(events.EventOrderFilled, 256)
	rules, unsubRules := m.Bus.Subscribe(events.EventRuleExecuted, 64)

	every := m.SampleEvery
	if every <= 0 {
		every = 15 * time.Second
	}
	lastDropped := make(map[events.Event]uint64)

	go func() {
		defer unsubFills()
		defer unsubRules()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-fills:
				if !ok {
					return
				}
				m.Metrics.Fills.Inc()
			case msg, ok := <-rules:
				if !ok {
					return
				}
				if m.Sink != nil {
					if err := m.Sink.Send(formatAlert(msg)); err != nil {
						log.WithError(err).Warn("alert delivery failed")
					}
				}
			case <-ticker.C:
				if m.PoolSize != nil {
					m.Metrics.GatewayClients.Set(float64(m.PoolSize()))
				}
				for _, e := range watchedEvents {
					n := m.Bus.Dropped(e)
					if delta := n - lastDropped[e]; delta > 0 {
						m.Metrics.BusDropped.WithLabelValues(string(e)).Add(float64(delta))
					}
					lastDropped[e] = n
				}
			}
		}
	}()
}

func formatAlert(msg any) string {
	return "[" + time.Now().UTC().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case events.RuleEvent:
		return fmt.Sprintf("rule %s fired order %s on %s", t.RuleID, t.OrderID, t.Symbol)
	default:
		return "alert triggered"
	}
}
