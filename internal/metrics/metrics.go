// Package metrics exposes Prometheus metrics for the oracle agent.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "floor_oracle"

// Metrics holds every collector the agent updates. All collectors are
// registered on the registry passed to New.
type Metrics struct {
	registry *prometheus.Registry

	// Cycle metrics
	CyclesTotal   *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	LastCycle     prometheus.Gauge

	// Pricing metrics
	Floor        prometheus.Gauge
	Amounts      *prometheus.GaugeVec
	FloorFetches *prometheus.CounterVec

	// Publish metrics
	Decisions *prometheus.CounterVec
	LastPush  prometheus.Gauge
	Pending   prometheus.Gauge

	// Transaction metrics
	Transactions *prometheus.CounterVec

	// Breaker metrics
	BreakerTrips       prometheus.Counter
	ConsecutiveFailure prometheus.Gauge

	// Trading metrics
	Trades *prometheus.CounterVec
}

// New creates collectors on a fresh registry that also carries the Go and
// process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "cycles_total",
			Help:      "Total number of agent cycles by result",
		}, []string{"result"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "cycle_duration_seconds",
			Help:      "Agent cycle duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		LastCycle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "last_cycle_timestamp",
			Help:      "Unix timestamp of the last completed cycle",
		}),

		Floor: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "floor_native",
			Help:      "Last fetched collection floor in native units",
		}),
		Amounts: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "floor_amount_tokens",
			Help:      "Token amount equal in value to the floor, by asset",
		}, []string{"asset"}),
		FloorFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "floor_fetches_total",
			Help:      "Floor fetches by result",
		}, []string{"result"}),

		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "decisions_total",
			Help:      "Publish decisions by reason",
		}, []string{"reason", "push"}),
		LastPush: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "last_push_timestamp",
			Help:      "Unix timestamp of the last successful push",
		}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "pending_decrease",
			Help:      "1 while a downward move is pending confirmation",
		}),

		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "transactions_total",
			Help:      "Queued transactions by operation and outcome",
		}, []string{"operation", "outcome"}),

		BreakerTrips: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Number of times the circuit breaker entered cooldown",
		}),
		ConsecutiveFailure: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "consecutive_failures",
			Help:      "Current consecutive failure count",
		}),

		Trades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trading",
			Name:      "legs_total",
			Help:      "Trade legs by side and result",
		}, []string{"side", "result"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveCycle records one completed cycle.
func (m *Metrics) ObserveCycle(result string, started time.Time) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(time.Since(started).Seconds())
	m.LastCycle.SetToCurrentTime()
}

func (m *Metrics) ObserveFloor(value float64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.FloorFetches.WithLabelValues("error").Inc()
		return
	}
	m.FloorFetches.WithLabelValues("ok").Inc()
	m.Floor.Set(value)
}

func (m *Metrics) SetAmount(asset string, value float64) {
	if m == nil {
		return
	}
	m.Amounts.WithLabelValues(asset).Set(value)
}

func (m *Metrics) ObserveDecision(reason string, push, pending bool) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(reason, boolLabel(push)).Inc()
	if pending {
		m.Pending.Set(1)
	} else {
		m.Pending.Set(0)
	}
}

func (m *Metrics) ObservePush(at time.Time) {
	if m == nil {
		return
	}
	m.LastPush.Set(float64(at.Unix()))
}

// ObserveTx records a settled queue result. The operation is the label up to
// the first space or parenthesis: "buy" for "buy OCTA", "setManualFloor" for
// "setManualFloor(52)".
func (m *Metrics) ObserveTx(label, outcome string) {
	if m == nil {
		return
	}
	op := label
	if i := strings.IndexAny(label, " ("); i >= 0 {
		op = label[:i]
	}
	m.Transactions.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveTrip() {
	if m == nil {
		return
	}
	m.BreakerTrips.Inc()
}

func (m *Metrics) SetFailures(n int) {
	if m == nil {
		return
	}
	m.ConsecutiveFailure.Set(float64(n))
}

func (m *Metrics) ObserveTrade(side, result string) {
	if m == nil {
		return
	}
	m.Trades.WithLabelValues(side, result).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
