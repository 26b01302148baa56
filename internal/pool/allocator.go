// Package pool provides the fixed-size MAC to address-slot table used by the
// access-point DHCP server.
package pool

import (
	"fmt"
	"net"
	"sync"

	"github.com/rb3e-bridge/rb3e-bridge/pkg/dhcpv4"
)

// DefaultSize is the number of client slots handed out in access-point mode.
const DefaultSize = 5

// Lease is one slot of the table. Expiry is an in-use marker rather than a
// timestamp: 0 means free, anything else means committed.
type Lease struct {
	MAC    [dhcpv4.EthernetAddrLen]byte
	Expiry uint32
}

// InUse reports whether the slot has been committed.
func (l Lease) InUse() bool {
	return l.Expiry != 0
}

// HardwareAddr returns the slot's MAC as a net.HardwareAddr.
func (l Lease) HardwareAddr() net.HardwareAddr {
	mac := make(net.HardwareAddr, len(l.MAC))
	copy(mac, l.MAC[:])
	return mac
}

// Entry is a committed slot as reported by Snapshot.
type Entry struct {
	Index int
	MAC   net.HardwareAddr
}

// LeaseTable is a fixed array of lease slots. Slots are never expired; the
// table lives for one access-point session and is cleared with Reset.
type LeaseTable struct {
	mu        sync.Mutex
	leases    []Lease
	allocated int
}

// NewLeaseTable creates a table with size slots.
func NewLeaseTable(size int) (*LeaseTable, error) {
	if size <= 0 || size > 255 {
		return nil, fmt.Errorf("lease table size %d out of range 1-255", size)
	}
	return &LeaseTable{leases: make([]Lease, size)}, nil
}

// Size returns the number of slots.
func (t *LeaseTable) Size() int {
	return len(t.leases)
}

// Allocated returns the number of committed slots.
func (t *LeaseTable) Allocated() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocated
}

// Available returns the number of free slots.
func (t *LeaseTable) Available() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.leases) - t.allocated
}

// Utilization returns the table utilization as a percentage.
func (t *LeaseTable) Utilization() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.allocated) / float64(len(t.leases)) * 100
}

// FindOrAllocate returns the slot for mac. A committed slot holding the same
// MAC wins; otherwise the first free slot is returned. The free slot is not
// reserved until Commit, so a DISCOVER followed by a REQUEST from the same
// client lands on the same index. ok is false when the table is exhausted.
func (t *LeaseTable) FindOrAllocate(mac net.HardwareAddr) (int, bool) {
	key, valid := macKey(mac)
	if !valid {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	free := -1
	for i := range t.leases {
		l := &t.leases[i]
		if l.InUse() && l.MAC == key {
			return i, true
		}
		if free < 0 && !l.InUse() {
			free = i
		}
	}
	if free < 0 {
		return 0, false
	}
	return free, true
}

// Commit marks slot index as in use by mac.
func (t *LeaseTable) Commit(index int, mac net.HardwareAddr) error {
	key, valid := macKey(mac)
	if !valid {
		return fmt.Errorf("invalid hardware address %q", mac)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.leases) {
		return fmt.Errorf("lease index %d out of range", index)
	}
	l := &t.leases[index]
	if l.InUse() && l.MAC != key {
		return fmt.Errorf("lease index %d held by %s", index, dhcpv4.FormatMAC(l.MAC[:]))
	}
	if !l.InUse() {
		t.allocated++
	}
	l.MAC = key
	l.Expiry = 1
	return nil
}

// Lookup returns the committed slot index for mac.
func (t *LeaseTable) Lookup(mac net.HardwareAddr) (int, bool) {
	key, valid := macKey(mac)
	if !valid {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.leases {
		if t.leases[i].InUse() && t.leases[i].MAC == key {
			return i, true
		}
	}
	return 0, false
}

// Reset frees every slot.
func (t *LeaseTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.leases)
	t.allocated = 0
}

// Snapshot returns the committed slots in index order.
func (t *LeaseTable) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, t.allocated)
	for i, l := range t.leases {
		if l.InUse() {
			out = append(out, Entry{Index: i, MAC: l.HardwareAddr()})
		}
	}
	return out
}

// String returns a human-readable table description.
func (t *LeaseTable) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("%d/%d slots used", t.allocated, len(t.leases))
}

func macKey(mac net.HardwareAddr) ([dhcpv4.EthernetAddrLen]byte, bool) {
	var key [dhcpv4.EthernetAddrLen]byte
	if len(mac) != dhcpv4.EthernetAddrLen {
		return key, false
	}
	copy(key[:], mac)
	return key, true
}
