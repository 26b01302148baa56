package bridge

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rb3e-bridge/rb3e-bridge/internal/events"
	"github.com/rb3e-bridge/rb3e-bridge/internal/metrics"
)

// discoveryMarkers are the accepted spellings of the discovery type field.
// Matching is a plain substring test, not a JSON parse.
var discoveryMarkers = []string{
	`"type":"discovery"`,
	`"type": "discovery"`,
}

// IsDiscovery reports whether payload is a discovery request.
func IsDiscovery(payload []byte) bool {
	s := string(payload)
	for _, m := range discoveryMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Peer is the most recently discovered controller.
type Peer struct {
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// peerTracker holds at most one peer. Every discovery overwrites it; it is
// cleared once it has not been refreshed within timeout.
type peerTracker struct {
	mu      sync.Mutex
	peer    *Peer
	timeout time.Duration
	now     func() time.Time
	bus     *events.Bus
}

func newPeerTracker(timeout time.Duration, now func() time.Time, bus *events.Bus) *peerTracker {
	return &peerTracker{timeout: timeout, now: now, bus: bus}
}

// record stores addr as the peer and refreshes its timestamp. It reports
// whether the address differs from the previous peer.
func (p *peerTracker) record(addr *net.UDPAddr) bool {
	now := p.now()

	p.mu.Lock()
	changed := p.peer == nil || !udpAddrEqual(p.peer.Addr, addr)
	p.peer = &Peer{Addr: cloneUDPAddr(addr), LastSeen: now}
	p.mu.Unlock()

	metrics.PeerActive.Set(1)
	if changed {
		p.bus.Publish(events.Event{
			Type:      events.EventPeerDiscovered,
			Timestamp: now,
			Peer:      &events.PeerData{Addr: addr.String(), LastSeen: now},
		})
	}
	return changed
}

// fresh returns the peer if it is within the staleness window. A stale
// peer is cleared.
func (p *peerTracker) fresh() (Peer, bool) {
	now := p.now()

	p.mu.Lock()
	if p.peer == nil {
		p.mu.Unlock()
		return Peer{}, false
	}
	if now.Sub(p.peer.LastSeen) <= p.timeout {
		peer := *p.peer
		p.mu.Unlock()
		return peer, true
	}
	expired := *p.peer
	p.peer = nil
	p.mu.Unlock()

	metrics.PeerActive.Set(0)
	p.bus.Publish(events.Event{
		Type:      events.EventPeerExpired,
		Timestamp: now,
		Peer:      &events.PeerData{Addr: expired.Addr.String(), LastSeen: expired.LastSeen},
	})
	return Peer{}, false
}

// current returns the stored peer without checking freshness.
func (p *peerTracker) current() (Peer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.peer == nil {
		return Peer{}, false
	}
	return *p.peer, true
}

func (p *peerTracker) clear() {
	p.mu.Lock()
	p.peer = nil
	p.mu.Unlock()
	metrics.PeerActive.Set(0)
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func cloneUDPAddr(a *net.UDPAddr) *net.UDPAddr {
	if a == nil {
		return nil
	}
	ip := make(net.IP, len(a.IP))
	copy(ip, a.IP)
	return &net.UDPAddr{IP: ip, Port: a.Port, Zone: a.Zone}
}
