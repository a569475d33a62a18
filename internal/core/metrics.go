package core

import "github.com/prometheus/client_golang/prometheus"

const (
	dropReasonClosed = "closed"
	dropReasonFull   = "buffer_full"
)

var (
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotter_ws_connections",
			Help: "Current number of attached websocket connections.",
		},
	)
	wsRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotter_ws_rooms",
			Help: "Current number of conversation rooms with at least one member.",
		},
	)
	eventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotter_ws_events_delivered_total",
			Help: "Events enqueued to connections, by event type.",
		},
		[]string{"type"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotter_ws_events_dropped_total",
			Help: "Events dropped before reaching a connection, by reason.",
		},
		[]string{"reason"},
	)
	messagesPersisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotter_chat_messages_total",
			Help: "Chat send attempts through the gateway, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(wsConnections, wsRooms, eventsDelivered, eventsDropped, messagesPersisted)
}
