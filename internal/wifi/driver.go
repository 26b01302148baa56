package wifi

import "net"

// Driver is the station radio. Join must not block; the manager polls
// Status until the link settles. After a failed attempt the manager calls
// Leave so no half-joined association blocks the next Join.
type Driver interface {
	Join(ssid, password string) error
	Status() LinkStatus
	Leave() error
	RSSI() (int, error)
	HardwareAddr() net.HardwareAddr
	// Addr returns the station address and mask, or nil when there is none.
	Addr() *net.IPNet
}
