// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection and presence counts, counters for
// delivery and message throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "soulchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of identities bound in the presence registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "soulchat_online_users",
		Help: "Current number of announced users",
	})

	// DeliveriesTotal counts live event deliveries by event type and outcome.
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soulchat_deliveries_total",
		Help: "Live events routed to peers",
	}, []string{"event", "outcome"}) // outcome = "delivered", "dropped", "failed"

	// MessagesTotal counts messages persisted, labeled by kind.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soulchat_messages_total",
		Help: "Total number of messages persisted",
	}, []string{"kind"}) // kind = "text", "file", "bot_reply"

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soulchat_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"path"})

	// RequestLatency records HTTP API latency in seconds.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "soulchat_request_latency_seconds",
		Help:    "HTTP API request latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
	}, []string{"route"})

	// BotRequests counts bot completions by outcome.
	BotRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soulchat_bot_requests_total",
		Help: "Bot completion calls",
	}, []string{"outcome"}) // outcome = "ok", "error", "timeout", "empty", "disabled"

	// BotLatency records the time spent waiting on the completion service.
	BotLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "soulchat_bot_latency_seconds",
		Help:    "Completion service latency in seconds",
		Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		DeliveriesTotal,
		MessagesTotal,
		RateLimitedTotal,
		RequestLatency,
		BotRequests,
		BotLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
