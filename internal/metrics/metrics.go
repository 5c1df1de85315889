// Package metrics defines all Prometheus metrics for hivemind.
// All metrics use the "hivemind_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hivemind"

// --- Protocol Metrics ---

var (
	// MessagesReceived counts valid inbound messages by message type.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Total protocol messages received, by message type.",
	}, []string{"msg_type"})

	// RepliesSent counts replies written to clients by message type.
	RepliesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replies_sent_total",
		Help:      "Total protocol replies sent, by message type.",
	}, []string{"msg_type"})

	// MessageErrors counts message handling failures.
	MessageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "message_errors_total",
		Help:      "Total message handling errors, by type (malformed, no_subnet, exhausted, store, encode, send).",
	}, []string{"type"})

	// MessageProcessingDuration tracks message handling latency.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "message_processing_duration_seconds",
		Help:      "Protocol message processing duration in seconds.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"msg_type"})

	// RateLimited counts DISCOVERs dropped by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Total DISCOVER messages dropped by the rate limiter.",
	})

	// ConnectionsActive is a gauge of open client connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Number of currently open client connections.",
	})
)

// --- Lease Metrics ---

var (
	// LeaseOperations counts lease store mutations.
	LeaseOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lease_operations_total",
		Help:      "Total lease operations, by type (offer, ack, nak, expire).",
	}, []string{"operation"})

	// ClaimConflicts counts claims and renewals lost to another client.
	ClaimConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claim_conflicts_total",
		Help:      "Total address claims or renewals lost to another client.",
	}, []string{"subnet"})

	// PoolExhausted counts DISCOVERs that found no free address.
	PoolExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_exhausted_total",
		Help:      "Total times a subnet had no free address during allocation.",
	}, []string{"subnet"})

	// NoSubnet counts messages whose relay address matched no subnet.
	NoSubnet = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "no_subnet_total",
		Help:      "Total messages whose relay address matched no configured subnet.",
	})
)

// --- Store Metrics ---

var (
	// StoreErrors counts failed lease store calls by operation.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Total lease store errors, by operation.",
	}, []string{"op"})

	// TTLArmFailures counts leases written without an armed expiry.
	TTLArmFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ttl_arm_failures_total",
		Help:      "Total lease writes whose expiry could not be armed.",
	})

	// StoreOperationDuration tracks lease store round-trip latency.
	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "store_operation_duration_seconds",
		Help:      "Lease store operation duration in seconds.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"op"})
)

// --- Event Bus Metrics ---

var (
	// EventsPublished counts events published to the bus.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Total events published to the event bus.",
	}, []string{"event_type"})

	// EventSubscribers is the number of channels attached to the bus.
	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_subscribers",
		Help:      "Number of subscribers attached to the event bus.",
	})

	// EventBufferDrops counts events dropped due to full buffer.
	EventBufferDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_buffer_drops_total",
		Help:      "Total events dropped due to full event bus buffer.",
	})

	// EventSinkErrors counts events an external sink failed to deliver.
	EventSinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_sink_errors_total",
		Help:      "Total events an external sink failed to deliver.",
	}, []string{"sink"})
)

// --- API Metrics ---

var (
	// APIRequests counts admin HTTP requests by method, route, and status.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Total admin HTTP API requests.",
	}, []string{"method", "path", "status"})
)

// --- Server Info ---

var (
	// ServerInfo is a constant gauge with server metadata.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Server build and version info.",
	}, []string{"version"})

	// ServerStartTime tracks server start time as a unix timestamp.
	ServerStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_start_time_seconds",
		Help:      "Server start time as Unix timestamp.",
	})

	// SubnetsConfigured is the number of subnets in the catalog.
	SubnetsConfigured = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subnets_configured",
		Help:      "Number of configured subnets.",
	})
)
