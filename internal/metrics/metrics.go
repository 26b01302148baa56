// Package metrics defines all Prometheus metrics for rb3e-bridge.
// All metrics use the "rb3e_bridge_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rb3e_bridge"

// --- RB3E Command Metrics ---

var (
	// CommandPackets counts datagrams on the command endpoint by result
	// (received, processed, invalid).
	CommandPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "command_packets_total",
		Help:      "Total RB3E command datagrams, by result.",
	}, []string{"result"})

	// LightsTimeouts counts safety all-off commands issued after command silence.
	LightsTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lights_timeouts_total",
		Help:      "Total safety all-off commands sent after no command arrived in time.",
	})
)

// --- Telemetry / Discovery Metrics ---

var (
	// TelemetrySent counts telemetry ticks with at least one successful send.
	TelemetrySent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_sent_total",
		Help:      "Total telemetry ticks delivered to at least one destination.",
	})

	// TelemetrySendErrors counts failed telemetry sends by destination kind.
	TelemetrySendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_send_errors_total",
		Help:      "Total failed telemetry sends, by destination (unicast, subnet_broadcast, broadcast).",
	}, []string{"destination"})

	// DiscoveryReceived counts accepted discovery messages.
	DiscoveryReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "discovery_received_total",
		Help:      "Total discovery messages received.",
	})

	// PeerActive is 1 while a fresh discovered peer is known.
	PeerActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peer_active",
		Help:      "Whether a discovered controller peer is currently fresh (1) or not (0).",
	})
)

// --- WiFi Metrics ---

var (
	// LinkState is 1 for the current connection state and 0 for the others.
	LinkState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "link_state",
		Help:      "Current WiFi connection state (1=current, 0=not).",
	}, []string{"state"})

	// ConnectAttempts counts connection attempts by outcome.
	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_attempts_total",
		Help:      "Total WiFi connection attempts, by result (connected, timeout, no_network, bad_auth, general).",
	}, []string{"result"})

	// ConnectDuration tracks how long connection attempts take.
	ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "connect_duration_seconds",
		Help:      "WiFi connection attempt duration in seconds.",
		Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 10, 15, 20, 30},
	})

	// SignalStrength is the last sampled RSSI in dBm.
	SignalStrength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "wifi_signal_dbm",
		Help:      "Last sampled WiFi signal strength in dBm.",
	})
)

// --- DHCP Metrics ---

var (
	// DHCPPacketsReceived counts DHCP packets received by message type.
	DHCPPacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dhcp_packets_received_total",
		Help:      "Total DHCP packets received, by message type.",
	}, []string{"msg_type"})

	// DHCPPacketsSent counts DHCP packets sent by message type.
	DHCPPacketsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dhcp_packets_sent_total",
		Help:      "Total DHCP packets sent, by message type.",
	}, []string{"msg_type"})

	// DHCPPacketErrors counts packet processing errors.
	DHCPPacketErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dhcp_packet_errors_total",
		Help:      "Total DHCP packet processing errors, by type.",
	}, []string{"type"})

	// DHCPProcessingDuration tracks DHCP packet handling latency.
	DHCPProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dhcp_packet_processing_duration_seconds",
		Help:      "DHCP packet processing duration in seconds.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"msg_type"})
)

// --- Lease Metrics ---

var (
	// LeaseSlots is the size of the lease table.
	LeaseSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "lease_slots",
		Help:      "Number of slots in the access-point lease table.",
	})

	// LeasesActive is the number of committed lease slots.
	LeasesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leases_active",
		Help:      "Number of committed lease slots.",
	})

	// LeaseOperations counts lease operations (offer, ack).
	LeaseOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lease_operations_total",
		Help:      "Total lease operations, by type (offer, ack).",
	}, []string{"operation"})

	// LeaseExhausted counts requests dropped because the table was full.
	LeaseExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lease_exhausted_total",
		Help:      "Total DHCP requests dropped due to lease table exhaustion.",
	})
)

// --- Captive DNS Metrics ---

var (
	// DNSQueriesTotal counts captive DNS queries by type and answer kind.
	DNSQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dns_queries_total",
		Help:      "Total captive DNS queries, by query type and result (answered, empty).",
	}, []string{"qtype", "result"})
)

// --- Event Metrics ---

var (
	// EventsPublished counts events published to the bus.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Total events published, by event type.",
	}, []string{"event_type"})

	// EventBufferDrops counts events dropped due to full buffer.
	EventBufferDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_buffer_drops_total",
		Help:      "Total events dropped due to full event buffer.",
	})

	// MQTTPublishes counts telemetry mirror publishes by result.
	MQTTPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mqtt_publishes_total",
		Help:      "Total MQTT telemetry publishes, by result (success, error, skipped).",
	}, []string{"result"})
)

// --- API Metrics ---

var (
	// APIRequests counts diagnostics API requests.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Total API requests, by method, path and status.",
	}, []string{"method", "path", "status"})

	// APIRequestDuration tracks API request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "API request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// SSEConnections tracks connected event stream clients.
	SSEConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sse_connections",
		Help:      "Number of connected event stream clients.",
	})
)

// --- Server Metrics ---

var (
	// ServerInfo exposes build and mode information.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Server information (version, mode).",
	}, []string{"version", "mode"})

	// ServerStartTime is the Unix timestamp when the server started.
	ServerStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_start_time_seconds",
		Help:      "Unix timestamp when the server started.",
	})
)

// SetLinkState marks state as current in the LinkState gauge vector.
func SetLinkState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		LinkState.WithLabelValues(s).Set(v)
	}
}
