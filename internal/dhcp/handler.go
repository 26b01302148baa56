package dhcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/rb3e-bridge/rb3e-bridge/internal/events"
	"github.com/rb3e-bridge/rb3e-bridge/internal/hostname"
	"github.com/rb3e-bridge/rb3e-bridge/internal/metrics"
	"github.com/rb3e-bridge/rb3e-bridge/internal/pool"
	"github.com/rb3e-bridge/rb3e-bridge/pkg/dhcpv4"
)

// HandlerConfig describes the single subnet served in access-point mode.
type HandlerConfig struct {
	ServerIP   net.IP        // own address; also handed out as router and DNS
	Netmask    net.IPMask    // subnet mask option
	BaseOffset int           // last octet of the address for lease slot 0
	LeaseTime  time.Duration // advertised lease time
}

// Handler answers DHCPDISCOVER with DHCPOFFER and DHCPREQUEST with DHCPACK
// out of a fixed lease table. There is no NAK, release or expiry handling.
type Handler struct {
	cfg    HandlerConfig
	leases *pool.LeaseTable
	bus    *events.Bus
	logger *slog.Logger
}

// NewHandler creates a new DHCP message handler.
func NewHandler(cfg HandlerConfig, leases *pool.LeaseTable, bus *events.Bus, logger *slog.Logger) (*Handler, error) {
	ip := cfg.ServerIP.To4()
	if ip == nil {
		return nil, fmt.Errorf("server address %v is not IPv4", cfg.ServerIP)
	}
	if len(cfg.Netmask) != net.IPv4len {
		return nil, fmt.Errorf("netmask %v is not IPv4", cfg.Netmask)
	}
	if cfg.BaseOffset < 1 || cfg.BaseOffset+leases.Size()-1 > 254 {
		return nil, fmt.Errorf("base offset %d with %d slots leaves the subnet", cfg.BaseOffset, leases.Size())
	}
	cfg.ServerIP = ip

	metrics.LeaseSlots.Set(float64(leases.Size()))

	return &Handler{
		cfg:    cfg,
		leases: leases,
		bus:    bus,
		logger: logger,
	}, nil
}

// HandlePacket dispatches a DHCP packet based on message type. A nil reply
// with a nil error means the packet is dropped without a response.
func (h *Handler) HandlePacket(ctx context.Context, pkt *Packet) (*Packet, error) {
	msgType := pkt.MessageType()

	h.logger.Debug("received DHCP packet",
		"msg_type", msgType.String(),
		"mac", pkt.MAC().String(),
		"xid", fmt.Sprintf("%08x", pkt.XID))

	switch msgType {
	case dhcpv4.MessageTypeDiscover:
		return h.respond(pkt, dhcpv4.MessageTypeOffer)
	case dhcpv4.MessageTypeRequest:
		return h.respond(pkt, dhcpv4.MessageTypeAck)
	default:
		h.logger.Debug("ignoring DHCP message type",
			"msg_type", msgType.String(),
			"mac", pkt.MAC().String())
		return nil, nil
	}
}

// ClientIP returns the address handed out for lease slot index.
func (h *Handler) ClientIP(index int) net.IP {
	return dhcpv4.HostInSubnet(h.cfg.ServerIP, byte(h.cfg.BaseOffset+index))
}

// Leases returns the lease table.
func (h *Handler) Leases() *pool.LeaseTable {
	return h.leases
}

// respond builds an OFFER or ACK for the client's slot.
// RFC 2131 §4.3.1 / §4.3.2, without NAK: every REQUEST is acknowledged
// with the slot the client already maps to.
func (h *Handler) respond(pkt *Packet, msgType dhcpv4.MessageType) (*Packet, error) {
	mac := pkt.MAC()

	idx, ok := h.leases.FindOrAllocate(mac)
	if !ok {
		metrics.LeaseExhausted.Inc()
		h.logger.Warn("no free lease slot, dropping request",
			"mac", mac.String(),
			"msg_type", pkt.MessageType().String(),
			"slots", h.leases.Size())
		h.publish(events.EventLeaseExhausted, pkt, -1, nil)
		return nil, nil
	}

	clientIP := h.ClientIP(idx)
	if req := pkt.RequestedIP(); req != nil && !req.Equal(clientIP) {
		h.logger.Debug("client requested a different address",
			"mac", mac.String(),
			"requested_ip", req.String(),
			"assigned_ip", clientIP.String())
	}

	reply := pkt.NewReply(msgType, h.cfg.ServerIP)
	reply.YIAddr = clientIP
	reply.Options.AddUint32(dhcpv4.OptionIPLeaseTime, uint32(h.cfg.LeaseTime/time.Second))
	reply.Options.AddIP(dhcpv4.OptionSubnetMask, net.IP(h.cfg.Netmask))
	reply.Options.AddIP(dhcpv4.OptionRouter, h.cfg.ServerIP)
	reply.Options.AddIP(dhcpv4.OptionDomainNameServer, h.cfg.ServerIP)

	if msgType == dhcpv4.MessageTypeAck {
		if err := h.leases.Commit(idx, mac); err != nil {
			return nil, fmt.Errorf("committing lease %d: %w", idx, err)
		}
		metrics.LeasesActive.Set(float64(h.leases.Allocated()))
		metrics.LeaseOperations.WithLabelValues("ack").Inc()
		h.logger.Info("DHCPACK",
			"mac", mac.String(),
			"ip", clientIP.String(),
			"hostname", hostname.Sanitise(pkt.Hostname()))
		h.publish(events.EventLeaseAck, pkt, idx, clientIP)
	} else {
		metrics.LeaseOperations.WithLabelValues("offer").Inc()
		h.logger.Info("DHCPOFFER",
			"mac", mac.String(),
			"ip", clientIP.String())
		h.publish(events.EventLeaseOffer, pkt, idx, clientIP)
	}

	return reply, nil
}

func (h *Handler) publish(typ events.EventType, pkt *Packet, idx int, ip net.IP) {
	h.bus.Publish(events.Event{
		Type:      typ,
		Timestamp: time.Now(),
		Lease: &events.LeaseData{
			IP:       ip,
			MAC:      pkt.MAC(),
			Index:    idx,
			Hostname: hostname.Sanitise(pkt.Hostname()),
			XID:      pkt.XID,
		},
	})
}
