package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rb3e-bridge/rb3e-bridge/internal/metrics"
	"github.com/rb3e-bridge/rb3e-bridge/pkg/dhcpv4"
)

// Telemetry is the status payload sent on the telemetry endpoint. Field
// order is the wire order.
type Telemetry struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	USBStatus  string `json:"usb_status"`
	WiFiSignal int    `json:"wifi_signal"`
	Uptime     uint64 `json:"uptime"`
}

const (
	usbConnected    = "Connected"
	usbDisconnected = "Disconnected"
)

// destination is one telemetry target with its metric label.
type destination struct {
	addr *net.UDPAddr
	kind string
}

// BuildTelemetry returns the current status payload.
func (l *Listener) BuildTelemetry(usb bool) Telemetry {
	mac := l.link.HardwareAddr()
	rssi := l.link.RSSI()
	l.stats.setRSSI(rssi)

	status := usbDisconnected
	if usb {
		status = usbConnected
	}

	uptime := l.now().Sub(l.boot)
	if uptime < 0 {
		uptime = 0
	}

	return Telemetry{
		ID:         mac.String(),
		Name:       deviceName(l.cfg.NamePrefix, mac),
		USBStatus:  status,
		WiFiSignal: rssi,
		Uptime:     uint64(uptime / time.Second),
	}
}

// deviceName embeds the last two MAC bytes, e.g. "Pico 3a:7f".
func deviceName(prefix string, mac net.HardwareAddr) string {
	var a, b byte
	if n := len(mac); n >= 2 {
		a, b = mac[n-2], mac[n-1]
	}
	return fmt.Sprintf("%s %02x:%02x", prefix, a, b)
}

// SendTelemetry sends one status payload. A fresh discovered peer gets a
// unicast; otherwise the payload goes to the subnet broadcast address and
// then to 255.255.255.255. Failures are logged and not retried. An error is
// returned only when no destination accepted the datagram.
func (l *Listener) SendTelemetry(usb bool) error {
	if !l.Running() {
		return ErrNotListening
	}
	payload, err := json.Marshal(l.BuildTelemetry(usb))
	if err != nil {
		return fmt.Errorf("encoding telemetry: %w", err)
	}

	if l.sink != nil {
		if err := l.sink.Publish(payload); err != nil {
			l.logger.Debug("telemetry sink publish failed", "error", err)
		}
	}

	dests := l.destinations()

	l.mu.Lock()
	conn := l.telConn
	if conn == nil {
		l.mu.Unlock()
		return ErrNotListening
	}
	var errs []error
	delivered := 0
	for _, d := range dests {
		if _, err := conn.WriteToUDP(payload, d.addr); err != nil {
			errs = append(errs, fmt.Errorf("sending to %s: %w", d.addr, err))
			metrics.TelemetrySendErrors.WithLabelValues(d.kind).Inc()
			continue
		}
		delivered++
	}
	l.mu.Unlock()

	for _, err := range errs {
		l.logger.Warn("telemetry send failed", "error", err)
	}
	if delivered == 0 {
		if len(errs) == 0 {
			return errors.New("no telemetry destination")
		}
		return errors.Join(errs...)
	}
	l.stats.telemetryDelivered()
	return nil
}

func (l *Listener) destinations() []destination {
	if peer, ok := l.peers.fresh(); ok {
		return []destination{{addr: peer.Addr, kind: "unicast"}}
	}

	if len(l.broadcastOverride) > 0 {
		out := make([]destination, len(l.broadcastOverride))
		for i, a := range l.broadcastOverride {
			out[i] = destination{addr: a, kind: "broadcast"}
		}
		return out
	}

	port := l.telemetryPort()
	var out []destination
	if ipn := l.link.Addr(); ipn != nil {
		if bc := dhcpv4.DirectedBroadcast(ipn.IP, ipn.Mask); bc != nil && !bc.Equal(net.IPv4bcast) {
			out = append(out, destination{addr: &net.UDPAddr{IP: bc, Port: port}, kind: "subnet_broadcast"})
		}
	}
	return append(out, destination{addr: &net.UDPAddr{IP: net.IPv4bcast, Port: port}, kind: "broadcast"})
}
