// Package bridge implements the RB3E command listener, the discovery and
// telemetry service, and the event loop that ties them to the WiFi link.
package bridge

import (
	"sync/atomic"

	"github.com/rb3e-bridge/rb3e-bridge/internal/metrics"
)

// Stats holds the listener counters. Counters only increase; readers use
// Snapshot.
type Stats struct {
	packetsReceived   atomic.Uint64
	packetsProcessed  atomic.Uint64
	packetsInvalid    atomic.Uint64
	telemetrySent     atomic.Uint64
	discoveryReceived atomic.Uint64
	lastRSSI          atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	PacketsReceived   uint64 `json:"packets_received"`
	PacketsProcessed  uint64 `json:"packets_processed"`
	PacketsInvalid    uint64 `json:"packets_invalid"`
	TelemetrySent     uint64 `json:"telemetry_sent"`
	DiscoveryReceived uint64 `json:"discovery_received"`
	LastRSSI          int    `json:"last_rssi"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PacketsReceived:   s.packetsReceived.Load(),
		PacketsProcessed:  s.packetsProcessed.Load(),
		PacketsInvalid:    s.packetsInvalid.Load(),
		TelemetrySent:     s.telemetrySent.Load(),
		DiscoveryReceived: s.discoveryReceived.Load(),
		LastRSSI:          int(s.lastRSSI.Load()),
	}
}

func (s *Stats) commandReceived() {
	s.packetsReceived.Add(1)
	metrics.CommandPackets.WithLabelValues("received").Inc()
}

func (s *Stats) commandProcessed() {
	s.packetsProcessed.Add(1)
	metrics.CommandPackets.WithLabelValues("processed").Inc()
}

func (s *Stats) commandInvalid() {
	s.packetsInvalid.Add(1)
	metrics.CommandPackets.WithLabelValues("invalid").Inc()
}

func (s *Stats) telemetryDelivered() {
	s.telemetrySent.Add(1)
	metrics.TelemetrySent.Inc()
}

func (s *Stats) discovery() {
	s.discoveryReceived.Add(1)
	metrics.DiscoveryReceived.Inc()
}

func (s *Stats) setRSSI(rssi int) {
	s.lastRSSI.Store(int64(rssi))
}
