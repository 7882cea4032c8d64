// Package metrics provides Prometheus instrumentation for the loan chat
// gateway: connection and room gauges, message throughput counters and
// send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loanchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// JoinedRooms tracks connection-room memberships on this node.
	JoinedRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loanchat_joined_rooms",
		Help: "Current number of (connection, loan room) memberships",
	})

	// MessagesTotal counts send attempts by outcome: "sent", "duplicate",
	// "rejected" or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loanchat_messages_total",
		Help: "Total number of chat send attempts by outcome",
	}, []string{"outcome"})

	// SendLatency records time from send command to broadcast in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "loanchat_send_latency_seconds",
		Help:    "Send processing latency (persist + broadcast) in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// AuthFailures counts rejected handshakes by reason: "invalid" or "timeout".
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loanchat_auth_failures_total",
		Help: "Rejected WebSocket handshakes by reason",
	}, []string{"reason"})

	// JoinRejections counts forbidden or failed room joins.
	JoinRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loanchat_join_rejections_total",
		Help: "Rejected room joins by error code",
	}, []string{"code"})

	// TypingExpirations counts typing indicators cleared by TTL.
	TypingExpirations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loanchat_typing_expirations_total",
		Help: "Typing indicators cleared by the server-side TTL",
	})

	// RateLimited counts commands refused by the rate limiter, by action.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loanchat_rate_limited_total",
		Help: "Commands refused by the rate limiter",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		JoinedRooms,
		MessagesTotal,
		SendLatency,
		AuthFailures,
		JoinRejections,
		TypingExpirations,
		RateLimited,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
