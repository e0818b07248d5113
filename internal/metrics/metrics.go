package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kanban_notifications_created_total",
			Help: "Notifications created from board events",
		},
		[]string{"type"},
	)

	PushDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kanban_push_deliveries_total",
			Help: "Web push sends by outcome",
		},
		[]string{"status"}, // sent, gone, failed
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kanban_websocket_connections",
			Help: "Open notification WebSocket connections",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kanban_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "route", "status"},
	)

	// Agent side.

	PushReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kanban_agent_push_received_total",
			Help: "Push messages received by the device endpoint",
		},
		[]string{"status"}, // delivered, rejected, gone
	)

	ChannelReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kanban_agent_channel_reconnects_total",
			Help: "Scheduled reconnect attempts of the realtime channel",
		},
	)

	NotificationsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kanban_agent_notifications_closed_total",
			Help: "System notifications dismissed without a click",
		},
	)
)

func RecordHTTPRequestDuration(method, route, status string, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}

func IncrementNotificationsCreated(kind string) {
	NotificationsCreated.WithLabelValues(kind).Inc()
}

func IncrementPushDelivery(status string) {
	PushDeliveries.WithLabelValues(status).Inc()
}

func IncrementPushReceived(status string) {
	PushReceived.WithLabelValues(status).Inc()
}
