// Package metrics defines the Prometheus collectors exposed by a Nexus
// server instance.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every collector a running server updates. A single
// instance is constructed at startup and threaded through the
// components that report on it.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	LoginSuccessTotal   prometheus.Counter
	LoginFailureTotal   prometheus.Counter
	KicksTotal          prometheus.Counter
	DoSRejectionsTotal  prometheus.Counter
	ChatRoutedTotal     prometheus.Counter
	QueueDroppedTotal   prometheus.Counter
}

// New constructs an unregistered Metrics instance.
func New() *Metrics {
	return &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexus",
			Name:      "active_sessions",
			Help:      "Number of sessions currently in the Active state.",
		}),
		LoginSuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "login_success_total",
			Help:      "Number of successful Login requests.",
		}),
		LoginFailureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "login_failure_total",
			Help:      "Number of rejected Login requests.",
		}),
		KicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "kicks_total",
			Help:      "Number of sessions closed via UserKick.",
		}),
		DoSRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "dos_rejections_total",
			Help:      "Number of connections closed for exceeding max_connections_per_ip.",
		}),
		ChatRoutedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "chat_routed_total",
			Help:      "Number of router frames (chat, direct, broadcast, topic, presence and permission updates) successfully enqueued to a recipient.",
		}),
		QueueDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "queue_dropped_total",
			Help:      "Number of sessions closed because their outbound queue was at capacity.",
		}),
	}
}

// MustRegister registers every collector with reg, panicking on
// duplicate registration (a startup-time programmer error).
func (m *Metrics) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		m.ActiveSessions,
		m.LoginSuccessTotal,
		m.LoginFailureTotal,
		m.KicksTotal,
		m.DoSRejectionsTotal,
		m.ChatRoutedTotal,
		m.QueueDroppedTotal,
	)
}
