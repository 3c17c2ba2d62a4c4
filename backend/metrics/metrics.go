package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roomchat"

// Metrics holds collectors of broadcaster and transport.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Connections       prometheus.Gauge
	Rooms             prometheus.Gauge
	MessagesPublished prometheus.Counter
	NoticesSent       *prometheus.CounterVec
	DeliveryFailures  prometheus.Counter
	RejectedEvents    *prometheus.CounterVec
}

// New creates collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of active websocket connections.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "switch",
			Name:      "rooms",
			Help:      "Number of rooms with at least one member.",
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "switch",
			Name:      "messages_published_total",
			Help:      "Total number of messages accepted for publishing.",
		}),
		NoticesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "switch",
			Name:      "notices_total",
			Help:      "Total number of membership notices by type.",
		}, []string{"type"}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "switch",
			Name:      "delivery_failures_total",
			Help:      "Total number of deliveries abandoned because recipient did not accept in time.",
		}),
		RejectedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "rejected_events_total",
			Help:      "Total number of inbound events rejected by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.Connections,
		m.Rooms,
		m.MessagesPublished,
		m.NoticesSent,
		m.DeliveryFailures,
		m.RejectedEvents,
	)
	return m
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.Rooms.Set(float64(n))
}

func (m *Metrics) MessagePublished() {
	if m == nil {
		return
	}
	m.MessagesPublished.Inc()
}

func (m *Metrics) NoticeSent(typ string) {
	if m == nil {
		return
	}
	m.NoticesSent.WithLabelValues(typ).Inc()
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) EventRejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedEvents.WithLabelValues(reason).Inc()
}
