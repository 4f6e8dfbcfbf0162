// Package metrics exposes the dispatcher's counters to prometheus
package metrics

import (
	"net/http"

	"github.com/practable/dispatch/internal/frame"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dispatch"

// NewRegistry creates a registry with the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the metrics in reg
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Metrics holds the dispatcher's collectors
type Metrics struct {
	reg prometheus.Registerer

	ActiveConnections prometheus.Gauge
	Connections       prometheus.Counter
	Refused           *prometheus.CounterVec
	Disconnects       *prometheus.CounterVec

	Frames         prometheus.Counter
	Overruns       prometheus.Counter
	FrameDuration  prometheus.Histogram
	Delivered      prometheus.Counter
	DeliveryErrors prometheus.Counter
	QueueDepth     prometheus.Gauge

	Enqueued       *prometheus.CounterVec
	ProtocolErrors *prometheus.CounterVec
	ControlEvents  prometheus.Counter
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {

	m := &Metrics{
		reg: reg,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of open websocket connections.",
		}),
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Total websocket connections accepted.",
		}),
		Refused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "refused_total",
			Help:      "Websocket connections refused, by reason.",
		}, []string{"reason"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "disconnects_total",
			Help:      "Websocket connections closed, by reason.",
		}, []string{"reason"}),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "frames_total",
			Help:      "Frames run.",
		}),
		Overruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "overruns_total",
			Help:      "Frames that took longer than their budget.",
		}),
		FrameDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "duration_seconds",
			Help:      "Time taken by each frame.",
			Buckets:   []float64{.0005, .001, .002, .004, .008, .012, .0167, .025, .05, .1},
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "delivered_total",
			Help:      "Messages handed to connections.",
		}),
		DeliveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "delivery_errors_total",
			Help:      "Messages that could not be handed to a subscriber.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Entries left in the queue at the end of the last frame.",
		}),
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Entries enqueued by producers, by priority.",
		}, []string{"priority"}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "errors_total",
			Help:      "Errors sent to clients, by code.",
		}, []string{"code"}),
		ControlEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "control_events_total",
			Help:      "Control requests received from clients.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.Connections,
		m.Refused,
		m.Disconnects,
		m.Frames,
		m.Overruns,
		m.FrameDuration,
		m.Delivered,
		m.DeliveryErrors,
		m.QueueDepth,
		m.Enqueued,
		m.ProtocolErrors,
		m.ControlEvents,
	)

	return m
}

// WatchDropped registers a counter that reads the queue's drop count
func (m *Metrics) WatchDropped(dropped func() uint64) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "dropped_total",
		Help:      "Entries dropped because the queue was full.",
	}, func() float64 {
		return float64(dropped())
	}))
}

// ObserveFrame records a completed frame
func (m *Metrics) ObserveFrame(r frame.Result) {
	m.Frames.Inc()
	m.FrameDuration.Observe(r.Duration.Seconds())
	m.Delivered.Add(float64(r.Delivered))
	m.DeliveryErrors.Add(float64(r.Failed))
	m.QueueDepth.Set(float64(r.Remaining))
	if r.Overrun {
		m.Overruns.Inc()
	}
}

// Connected records a newly accepted connection
func (m *Metrics) Connected() {
	m.Connections.Inc()
	m.ActiveConnections.Inc()
}

// Disconnected records a closed connection
func (m *Metrics) Disconnected(reason string) {
	m.ActiveConnections.Dec()
	m.Disconnects.WithLabelValues(reason).Inc()
}
