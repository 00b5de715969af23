// Package metrics exposes Prometheus collectors for the exit engine, the
// execution layer and the HTTP API.
//
//   - exitpilot_positions_opened_total{origin}   entries (signal|reentry|adopted)
//   - exitpilot_positions_closed_total{reason}   terminal exits by trigger
//   - exitpilot_partial_exits_total{reason}      sells that left a remainder
//   - exitpilot_active_positions                 watchers currently running
//   - exitpilot_reentries_total{outcome}         armed|executed|expired
//   - exitpilot_executions_total{side,result}    ok|dry_run|duplicate|error
//   - exitpilot_execution_seconds{side}          venue latency
//   - exitpilot_price_lookups_total{source}      oracle|cache|miss
//   - exitpilot_http_requests_total{method,code} API traffic
//   - exitpilot_signals_total{source}            parsed channel/command signals
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "exitpilot"

// Metrics holds every collector on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	opened       *prometheus.CounterVec
	closed       *prometheus.CounterVec
	partial      *prometheus.CounterVec
	active       prometheus.Gauge
	reentries    *prometheus.CounterVec
	executions   *prometheus.CounterVec
	execLatency  *prometheus.HistogramVec
	priceLookups *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	signals      *prometheus.CounterVec
}

// New creates and registers the collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Positions opened, by origin.",
		}, []string{"origin"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Positions fully exited, by reason.",
		}, []string{"reason"}),
		partial: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_exits_total",
			Help:      "Partial sells that left a remainder, by reason.",
		}, []string{"reason"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_positions",
			Help:      "Positions currently watched.",
		}),
		reentries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reentries_total",
			Help:      "Re-entry windows by outcome.",
		}, []string{"outcome"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Buy and sell submissions by result.",
		}, []string{"side", "result"}),
		execLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_seconds",
			Help:      "Venue round-trip latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"side"}),
		priceLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_lookups_total",
			Help:      "Price lookups by the source that answered.",
		}, []string{"source"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by method and status code.",
		}, []string{"method", "code"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Buy signals received, by source.",
		}, []string{"source"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.opened, m.closed, m.partial, m.active, m.reentries,
		m.executions, m.execLatency, m.priceLookups, m.httpRequests, m.signals,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) PositionOpened(origin string) {
	if m == nil {
		return
	}
	m.opened.WithLabelValues(origin).Inc()
	m.active.Inc()
}

func (m *Metrics) PositionClosed(reason string) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(reason).Inc()
	m.active.Dec()
}

func (m *Metrics) PartialExit(reason string) {
	if m == nil {
		return
	}
	m.partial.WithLabelValues(reason).Inc()
}

// SetActive overwrites the active gauge, e.g. after adopting positions on
// startup.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

func (m *Metrics) Reentry(outcome string) {
	if m == nil {
		return
	}
	m.reentries.WithLabelValues(outcome).Inc()
}

// Execution records one venue submission.
func (m *Metrics) Execution(side, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(side, result).Inc()
	if took > 0 {
		m.execLatency.WithLabelValues(side).Observe(took.Seconds())
	}
}

func (m *Metrics) PriceLookup(source string) {
	if m == nil {
		return
	}
	m.priceLookups.WithLabelValues(source).Inc()
}

func (m *Metrics) HTTPRequest(method string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func (m *Metrics) Signal(source string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(source).Inc()
}
