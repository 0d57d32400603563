package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the settlement core. Collectors live on a
// private registry so tests can build as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	Orders          *prometheus.CounterVec
	Fills           prometheus.Counter
	SettleLatency   *prometheus.HistogramVec
	RuleCycles      prometheus.Counter
	RuleExecutions  *prometheus.CounterVec
	RuleCycleTime   prometheus.Histogram
	PendingCommands *prometheus.CounterVec
	Ticks           prometheus.Counter
	GatewayClients  prometheus.Gauge
	BusDropped      *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPLatency     *prometheus.HistogramVec
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_orders_total",
			Help: "Orders accepted by a settlement backend.",
		}, []string{"mode", "side", "type", "status"}),
		Fills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_fills_total",
			Help: "Orders moved to FILLED.",
		}),
		SettleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settlement_latency_seconds",
			Help:    "Duration of settlement operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		RuleCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rule_cycles_total",
			Help: "Completed rule monitor cycles.",
		}),
		RuleExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rule_executions_total",
			Help: "Rule evaluations by outcome.",
		}, []string{"result"}),
		RuleCycleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rule_cycle_seconds",
			Help:    "Duration of one rule monitor cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		PendingCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pending_commands_total",
			Help: "Pending AI commands by outcome.",
		}, []string{"outcome"}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticks_processed_total",
			Help: "Market ticks consumed from the stream.",
		}),
		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_pool_clients",
			Help: "Live exchange clients currently pooled.",
		}),
		BusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_bus_dropped_total",
			Help: "Bus deliveries discarded for slow subscribers.",
		}, []string{"event"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "API requests by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_seconds",
			Help:    "API request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Orders, m.Fills, m.SettleLatency,
		m.RuleCycles, m.RuleExecutions, m.RuleCycleTime,
		m.PendingCommands, m.Ticks, m.GatewayClients, m.BusDropped,
		m.HTTPRequests, m.HTTPLatency,
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOrder counts one accepted order.
func (m *Metrics) ObserveOrder(mode, side, typ, status string) {
	if m == nil {
		return
	}
	m.Orders.WithLabelValues(mode, side, typ, status).Inc()
}

// ObserveRule counts one rule outcome: executed, failed, skipped or idle.
func (m *Metrics) ObserveRule(result string) {
	if m == nil {
		return
	}
	m.RuleExecutions.WithLabelValues(result).Inc()
}

// ObservePending counts one pending-command outcome.
func (m *Metrics) ObservePending(outcome string) {
	if m == nil {
		return
	}
	m.PendingCommands.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one served API request.
func (m *Metrics) ObserveHTTP(method, route string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(latency.Seconds())
}

// IncTicks counts one consumed tick.
func (m *Metrics) IncTicks() {
	if m == nil {
		return
	}
	m.Ticks.Inc()
}

// Timer measures one operation into a histogram.
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer starts timing op on the settlement latency histogram.
func (m *Metrics) NewTimer(op string) *Timer {
	t := &Timer{start: time.Now()}
	if m != nil {
		t.observer = m.SettleLatency.WithLabelValues(op)
	}
	return t
}

// Stop records the elapsed time.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(elapsed.Seconds())
	}
	return elapsed
}
