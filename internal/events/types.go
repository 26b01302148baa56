// Package events provides the in-process event bus for rb3e-bridge.
package events

import (
	"net"
	"time"
)

// EventType represents a link, lease, peer or lighting event.
type EventType string

const (
	EventLinkState       EventType = "link.state"
	EventLinkFailed      EventType = "link.failed"
	EventListenerStarted EventType = "listener.started"
	EventListenerStopped EventType = "listener.stopped"
	EventLeaseOffer      EventType = "lease.offer"
	EventLeaseAck        EventType = "lease.ack"
	EventLeaseExhausted  EventType = "lease.exhausted"
	EventPeerDiscovered  EventType = "peer.discovered"
	EventPeerExpired     EventType = "peer.expired"
	EventLightsTimeout   EventType = "lights.timeout"
)

// Event is the core event payload passed through the event bus.
type Event struct {
	Type      EventType  `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Link      *LinkData  `json:"link,omitempty"`
	Lease     *LeaseData `json:"lease,omitempty"`
	Peer      *PeerData  `json:"peer,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// LinkData carries WiFi state change information in events.
type LinkData struct {
	OldState   string `json:"old_state,omitempty"`
	NewState   string `json:"new_state"`
	FailReason string `json:"fail_reason,omitempty"`
	SSID       string `json:"ssid,omitempty"`
	IP         string `json:"ip,omitempty"`
	RSSI       int    `json:"rssi,omitempty"`
}

// LeaseData carries access-point lease information in events.
type LeaseData struct {
	IP       net.IP           `json:"ip,omitempty"`
	MAC      net.HardwareAddr `json:"mac"`
	Index    int              `json:"index"`
	Hostname string           `json:"hostname,omitempty"`
	XID      uint32           `json:"xid"`
}

// PeerData carries discovered controller information in events.
type PeerData struct {
	Addr     string    `json:"addr"`
	LastSeen time.Time `json:"last_seen"`
}
