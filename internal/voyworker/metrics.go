package voyworker

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	FetchOutcomes      *prometheus.CounterVec
	Revalidations      *prometheus.CounterVec
	NotificationsShown *prometheus.CounterVec
	NotificationClicks *prometheus.CounterVec
	HandlerErrors      *prometheus.CounterVec
	EvictedStores      prometheus.Counter
	QueueDispatched    prometheus.Counter
	ConnectedClients   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voyworker",
			Name:      "fetch_total",
			Help:      "Intercepted fetches by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		Revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voyworker",
			Name:      "revalidations_total",
			Help:      "Background revalidations by result.",
		}, []string{"result"}),
		NotificationsShown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voyworker",
			Name:      "notifications_shown_total",
			Help:      "Notifications shown by notification type.",
		}, []string{"type"}),
		NotificationClicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voyworker",
			Name:      "notification_clicks_total",
			Help:      "Notification clicks by routed intent.",
		}, []string{"intent"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voyworker",
			Name:      "handler_errors_total",
			Help:      "Failed event handlers by event kind.",
		}, []string{"event"}),
		EvictedStores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voyworker",
			Name:      "evicted_stores_total",
			Help:      "Cache stores deleted on activation.",
		}),
		QueueDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voyworker",
			Name:      "scheduled_notifications_dispatched_total",
			Help:      "Scheduled notifications shown and removed from the queue.",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voyworker",
			Name:      "clients_connected",
			Help:      "Window clients attached over WebSocket.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FetchOutcomes,
			m.Revalidations,
			m.NotificationsShown,
			m.NotificationClicks,
			m.HandlerErrors,
			m.EvictedStores,
			m.QueueDispatched,
			m.ConnectedClients,
		)
	}
	return m
}
