// Package metrics holds the Prometheus collectors of the service. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

type Metrics struct {
	registry *prometheus.Registry

	signalRequests   *prometheus.CounterVec
	joinRejected     *prometheus.CounterVec
	reconcilerClosed *prometheus.CounterVec
	eventsDropped    prometheus.Counter
	broadcastDropped prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		signalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "requests_total",
			Help:      "Inbound signaling messages by type and result code.",
		}, []string{"type", "result"}),
		joinRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "join_rejected_total",
			Help:      "Rejected room joins by error code.",
		}, []string{"code"}),
		reconcilerClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "rooms_closed_total",
			Help:      "Rooms closed by the lifecycle reconciler.",
		}, []string{"sweep"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Lifecycle events that never reached the broker.",
		}),
		broadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "broadcast_dropped_total",
			Help:      "Outbound messages dropped on backpressure.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.signalRequests,
		m.joinRejected,
		m.reconcilerClosed,
		m.eventsDropped,
		m.broadcastDropped,
	)
	return m
}

// Gauges exposes live state through callbacks so that owners of the state
// do not have to know about metrics.
type Gauges struct {
	Rooms        func() int
	Participants func() int
	Sessions     func() int
	Workers      func() int
}

func (m *Metrics) RegisterGauges(g Gauges) {
	if m == nil {
		return
	}
	add := func(name, help string, fn func() int) {
		if fn == nil {
			return
		}
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) }))
	}
	add("rooms_active", "Rooms with live state in this process.", g.Rooms)
	add("participants_active", "Participants admitted to live rooms.", g.Participants)
	add("sessions_connected", "Connected signaling sessions.", g.Sessions)
	add("media_workers", "Media engine workers in the pool.", g.Workers)
}

func (m *Metrics) Request(typ, result string) {
	if m == nil {
		return
	}
	m.signalRequests.WithLabelValues(typ, result).Inc()
}

func (m *Metrics) JoinRejected(code string) {
	if m == nil {
		return
	}
	m.joinRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) ReconcilerClosed(sweep string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reconcilerClosed.WithLabelValues(sweep).Add(float64(n))
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.broadcastDropped.Inc()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
