// Package metrics exposes Prometheus collectors for attachments and the
// routing hub.
//
// A nil *Collector is valid and records nothing, so components can call
// it unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/router"
)

const namespace = "peerbus"

// Signal directions.
const (
	Emitted   = "emitted"
	Delivered = "delivered"
)

// Collector owns a registry and the bus metric vectors.
type Collector struct {
	registry *prometheus.Registry

	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	signals      *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	malformed    prometheus.Counter
	quarantined  prometheus.Counter
	sessions     prometheus.Gauge
	joins        *prometheus.CounterVec
	discovery    *prometheus.CounterVec
	panics       prometheus.Counter
}

// New creates a collector with its own registry. Go runtime and process
// collectors are included when withRuntime is set.
func New(withRuntime bool) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "method",
				Name:      "calls_total",
				Help:      "Outbound method calls by result code.",
			},
			[]string{"interface", "member", "code"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "method",
				Name:      "call_duration_seconds",
				Help:      "Outbound method call latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"interface", "member"},
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "signal",
				Name:      "total",
				Help:      "Signals emitted and delivered.",
			},
			[]string{"direction", "interface"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "inbound",
				Name:      "dropped_total",
				Help:      "Inbound messages dropped before dispatch.",
			},
			[]string{"reason"},
		),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "malformed_total",
			Help:      "Inbound messages that failed to decode.",
		}),
		quarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "quarantined_peers_total",
			Help:      "Peers quarantined for sending malformed traffic.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently active.",
		}),
		joins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "joins_total",
				Help:      "Session join attempts by outcome.",
			},
			[]string{"role", "outcome"},
		),
		discovery: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "discovery",
				Name:      "events_total",
				Help:      "Discovery events delivered to listeners.",
			},
			[]string{"event"},
		),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "panics_total",
			Help:      "Handler and listener panics recovered.",
		}),
	}

	c.registry.MustRegister(
		c.calls, c.callDuration, c.signals, c.dropped, c.malformed,
		c.quarantined, c.sessions, c.joins, c.discovery, c.panics,
	)
	if withRuntime {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordCall records an outbound method call.
func (c *Collector) RecordCall(iface, member string, d time.Duration, err error) {
	if c == nil {
		return
	}
	code := "OK"
	if err != nil {
		code = string(buserr.Code(err))
	}
	c.calls.WithLabelValues(iface, member, code).Inc()
	c.callDuration.WithLabelValues(iface, member).Observe(d.Seconds())
}

// RecordSignal counts a signal in the given direction.
func (c *Collector) RecordSignal(direction, iface string) {
	if c == nil {
		return
	}
	c.signals.WithLabelValues(direction, iface).Inc()
}

// RecordDrop counts an inbound message dropped for reason.
func (c *Collector) RecordDrop(reason string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(reason).Inc()
}

// RecordMalformed counts an undecodable inbound message.
func (c *Collector) RecordMalformed() {
	if c == nil {
		return
	}
	c.malformed.Inc()
}

// RecordQuarantine counts a quarantined peer.
func (c *Collector) RecordQuarantine() {
	if c == nil {
		return
	}
	c.quarantined.Inc()
}

// SessionOpened increments the active session gauge.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessions.Dec()
}

// RecordJoin counts a join attempt. Role is "host" or "joiner".
func (c *Collector) RecordJoin(role, outcome string) {
	if c == nil {
		return
	}
	c.joins.WithLabelValues(role, outcome).Inc()
}

// RecordDiscovery counts a delivered discovery event.
func (c *Collector) RecordDiscovery(event string) {
	if c == nil {
		return
	}
	c.discovery.WithLabelValues(event).Inc()
}

// RecordPanic counts a recovered panic.
func (c *Collector) RecordPanic() {
	if c == nil {
		return
	}
	c.panics.Inc()
}

// HubSource is implemented by router.Hub.
type HubSource interface {
	Stats() router.HubStats
}

// ObserveHub exports hub statistics, sampled at scrape time.
func (c *Collector) ObserveHub(h HubSource) {
	if c == nil {
		return
	}
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "clients",
			Help:      "Connected hub clients.",
		}, func() float64 { return float64(h.Stats().Clients) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subjects",
			Help:      "Subjects with at least one subscriber.",
		}, func() float64 { return float64(h.Stats().Subscriptions) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "routed_total",
			Help:      "Frames routed to subscribers.",
		}, func() float64 { return float64(h.Stats().Routed) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Frames dropped on full client buffers.",
		}, func() float64 { return float64(h.Stats().Dropped) }),
	)
}
