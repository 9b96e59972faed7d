// Package metrics provides Prometheus metrics for the chat sync client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts messages committed through the atomic send path.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_sent_total",
			Help: "Total number of messages sent",
		},
		[]string{"kind"},
	)

	// SendFailures counts send attempts that applied nothing.
	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_message_send_failures_total",
			Help: "Total number of failed message sends",
		},
	)

	// SeenMarked counts message ids appended to seenBy.
	SeenMarked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_messages_seen_marked_total",
			Help: "Total number of messages marked as seen",
		},
	)

	// ActiveSubscriptions tracks live store subscriptions owned by the core.
	ActiveSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsync_active_subscriptions",
			Help: "Number of live store subscriptions",
		},
		[]string{"kind"},
	)

	// SubscriptionErrors counts subscriptions that broke and were rebuilt.
	SubscriptionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_subscription_errors_total",
			Help: "Total number of broken store subscriptions",
		},
		[]string{"kind"},
	)

	// BackgroundWriteFailures counts best-effort writes that exhausted retries.
	BackgroundWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_background_write_failures_total",
			Help: "Total number of background writes dropped after retries",
		},
		[]string{"op"},
	)

	// CallStateTransitions tracks call machine state changes.
	CallStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_call_state_transitions_total",
			Help: "Total number of call state transitions",
		},
		[]string{"role", "to_state"},
	)

	// CallErrors counts call attempts terminated by an error kind.
	CallErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_call_errors_total",
			Help: "Total number of call attempts ended by an error",
		},
		[]string{"kind"},
	)

	// ActiveCalls tracks calls holding local capture devices.
	ActiveCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_active_calls",
			Help: "Number of calls currently holding capture devices",
		},
	)

	// HTTPRequestDuration tracks bridge API latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "Duration of bridge HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// BridgeConnections tracks open UI websocket connections.
	BridgeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_bridge_connections",
			Help: "Number of open UI websocket connections",
		},
	)
)
