package ws

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors for one or more connections. A nil
// *Metrics records nothing.
type Metrics struct {
	connects            *prometheus.CounterVec
	state               prometheus.Gauge
	sent                *prometheus.CounterVec
	received            *prometheus.CounterVec
	dropped             *prometheus.CounterVec
	restarts            prometheus.Counter
	activeSubscriptions prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graphql_ws",
			Name:      "connect_attempts_total",
			Help:      "Connection handshakes attempted, by result",
		}, []string{"result"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "graphql_ws",
			Name:      "connection_state",
			Help:      "Current connection state (0 closed, 1 connecting, 2 open, 3 closing)",
		}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graphql_ws",
			Name:      "messages_sent_total",
			Help:      "Envelopes written to the socket, by type",
		}, []string{"type"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graphql_ws",
			Name:      "messages_received_total",
			Help:      "Envelopes read from the socket, by type",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graphql_ws",
			Name:      "messages_dropped_total",
			Help:      "Inbound frames dropped, by reason",
		}, []string{"reason"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graphql_ws",
			Name:      "subscription_restarts_total",
			Help:      "Subscription runs restarted after a failure",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "graphql_ws",
			Name:      "active_subscriptions",
			Help:      "Shared subscriptions with at least one listener",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.connects, m.state, m.sent, m.received, m.dropped, m.restarts, m.activeSubscriptions,
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *Metrics) connectAttempt(result string) {
	if m != nil {
		m.connects.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) setState(s State) {
	if m != nil {
		m.state.Set(float64(s))
	}
}

func (m *Metrics) messageSent(typ MessageType) {
	if m != nil {
		m.sent.WithLabelValues(typ.String()).Inc()
	}
}

func (m *Metrics) messageReceived(typ MessageType) {
	if m != nil {
		m.received.WithLabelValues(typ.String()).Inc()
	}
}

func (m *Metrics) messageDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) subscriptionRestarted() {
	if m != nil {
		m.restarts.Inc()
	}
}

func (m *Metrics) subscriptionActive(delta float64) {
	if m != nil {
		m.activeSubscriptions.Add(delta)
	}
}
