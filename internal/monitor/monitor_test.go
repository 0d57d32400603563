package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-core/internal/events"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Send(m string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestMonitorCountsFillsAndAlertsRules(t *testing.T) {
	bus := events.NewBus()
	metrics := NewMetrics()
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	(&Monitor{Bus: bus, Metrics: metrics, Sink: sink}).Start(ctx)

	bus.Publish(events.EventOrderFilled, events.OrderEvent{OrderID: "o1"})
	bus.Publish(events.EventRuleExecuted, events.RuleEvent{RuleID: "r1", OrderID: "o2", Symbol: "BTC-USD"})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.Fills) == 1 && sink.count() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, sink.msgs[0], "rule r1 fired order o2")
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	m := NewMetrics()
	m.ObserveOrder("PAPER", "BUY", "MARKET", "FILLED")
	m.ObserveRule("executed")
	m.ObservePending("confirmed")
	m.IncTicks()
	m.NewTimer("place").Stop()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, name := range []string{
		"settlement_orders_total", "rule_executions_total", "pending_commands_total",
		"ticks_processed_total", "settlement_latency_seconds",
	} {
		assert.True(t, strings.Contains(body, name), name)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveOrder("PAPER", "BUY", "MARKET", "FILLED")
	m.ObserveRule("failed")
	m.ObservePending("expired")
	m.IncTicks()
	assert.GreaterOrEqual(t, m.NewTimer("x").Stop(), time.Duration(0))
}
