package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages persisted, by sender role and room kind",
		},
		[]string{"sender_role", "kind"},
	)

	BroadcastRecipients = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_broadcast_recipients_total",
			Help: "Broadcast recipients by outcome",
		},
		[]string{"outcome"}, // "sent" or "failed"
	)

	EphemeralFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ephemeral_failures_total",
			Help: "Swallowed presence/unread/cache failures",
		},
		[]string{"op"},
	)

	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_bus_published_total",
			Help: "Events published to the delivery bus",
		},
		[]string{"type"},
	)

	BusDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_bus_dropped_total",
			Help: "Events dropped because a subscriber was full",
		},
	)

	GatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_gateway_connections",
			Help: "Live websocket connections",
		},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_store_latency_seconds",
			Help:    "Durable store operation latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)
)
