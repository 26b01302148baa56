// Package dhcp implements the access-point DHCPv4 server: packet codec,
// DISCOVER/REQUEST handling and the UDP server loop.
package dhcp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/rb3e-bridge/rb3e-bridge/pkg/dhcpv4"
)

// Packet represents a decoded DHCPv4 packet (RFC 2131 §2).
type Packet struct {
	Op      dhcpv4.OpCode       // Message op code: 1=BOOTREQUEST, 2=BOOTREPLY
	HType   dhcpv4.HardwareType // Hardware address type (1=Ethernet)
	HLen    byte                // Hardware address length (6 for Ethernet)
	Hops    byte                // Relay hops
	XID     uint32              // Transaction ID
	Secs    uint16              // Seconds elapsed
	Flags   uint16              // Flags (bit 0 = broadcast)
	CIAddr  net.IP              // Client IP address
	YIAddr  net.IP              // 'Your' (client) IP address
	SIAddr  net.IP              // Next server IP address
	GIAddr  net.IP              // Relay agent IP address
	CHAddr  [16]byte            // Client hardware address field, echoed verbatim
	SName   [64]byte            // Server host name
	File    [128]byte           // Boot file name
	Options Options             // DHCP options
}

// packetPool reuses receive buffers in the server loop.
var packetPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, dhcpv4.MaxPacketSize)
	},
}

// GetBuffer returns a buffer from the pool.
func GetBuffer() []byte {
	return packetPool.Get().([]byte)
}

// PutBuffer returns a buffer to the pool.
func PutBuffer(b []byte) {
	clear(b)
	packetPool.Put(b)
}

// DecodePacket parses a raw DHCPv4 packet from bytes.
// RFC 2131 §2: packet format.
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) < dhcpv4.OptionsOffset {
		return nil, fmt.Errorf("packet too short: %d bytes (minimum %d)", len(data), dhcpv4.OptionsOffset)
	}

	// Validate magic cookie (RFC 2131 §3)
	cookie := data[dhcpv4.CookieOffset:dhcpv4.OptionsOffset]
	if !bytes.Equal(cookie, dhcpv4.MagicCookie) {
		return nil, fmt.Errorf("invalid DHCP magic cookie: %v", cookie)
	}

	p := &Packet{}
	p.Op = dhcpv4.OpCode(data[0])
	p.HType = dhcpv4.HardwareType(data[1])
	p.HLen = data[2]
	p.Hops = data[3]
	p.XID = binary.BigEndian.Uint32(data[4:8])
	p.Secs = binary.BigEndian.Uint16(data[8:10])
	p.Flags = binary.BigEndian.Uint16(data[10:12])
	p.CIAddr = dhcpv4.BytesToIP(data[12:16])
	p.YIAddr = dhcpv4.BytesToIP(data[16:20])
	p.SIAddr = dhcpv4.BytesToIP(data[20:24])
	p.GIAddr = dhcpv4.BytesToIP(data[24:28])
	copy(p.CHAddr[:], data[28:44])
	copy(p.SName[:], data[44:108])
	copy(p.File[:], data[108:236])

	p.Options = DecodeOptions(data[dhcpv4.OptionsOffset:])
	return p, nil
}

// Encode serializes a DHCPv4 packet to bytes, padded to the BOOTP minimum.
func (p *Packet) Encode() []byte {
	optBytes := p.Options.Encode()
	totalLen := dhcpv4.OptionsOffset + len(optBytes)
	if totalLen < dhcpv4.MinPacketSize {
		totalLen = dhcpv4.MinPacketSize
	}

	buf := make([]byte, totalLen)
	buf[0] = byte(p.Op)
	buf[1] = byte(p.HType)
	buf[2] = p.HLen
	buf[3] = p.Hops
	binary.BigEndian.PutUint32(buf[4:8], p.XID)
	binary.BigEndian.PutUint16(buf[8:10], p.Secs)
	binary.BigEndian.PutUint16(buf[10:12], p.Flags)

	if p.CIAddr != nil {
		copy(buf[12:16], p.CIAddr.To4())
	}
	if p.YIAddr != nil {
		copy(buf[16:20], p.YIAddr.To4())
	}
	if p.SIAddr != nil {
		copy(buf[20:24], p.SIAddr.To4())
	}
	if p.GIAddr != nil {
		copy(buf[24:28], p.GIAddr.To4())
	}
	copy(buf[28:44], p.CHAddr[:])
	copy(buf[44:108], p.SName[:])
	copy(buf[108:236], p.File[:])

	copy(buf[dhcpv4.CookieOffset:dhcpv4.OptionsOffset], dhcpv4.MagicCookie)
	copy(buf[dhcpv4.OptionsOffset:], optBytes)

	return buf
}

// ValidateRequest checks the header fields a client request must carry:
// BOOTREQUEST over Ethernet with a 6-byte hardware address.
func (p *Packet) ValidateRequest() error {
	if p.Op != dhcpv4.OpCodeBootRequest {
		return fmt.Errorf("unexpected op code %d", p.Op)
	}
	if p.HType != dhcpv4.HardwareTypeEthernet {
		return fmt.Errorf("unsupported hardware type %d", p.HType)
	}
	if p.HLen != dhcpv4.EthernetAddrLen {
		return fmt.Errorf("unsupported hardware address length %d", p.HLen)
	}
	return nil
}

// MAC returns the significant part of the client hardware address.
func (p *Packet) MAC() net.HardwareAddr {
	n := int(p.HLen)
	if n > len(p.CHAddr) {
		n = len(p.CHAddr)
	}
	mac := make(net.HardwareAddr, n)
	copy(mac, p.CHAddr[:n])
	return mac
}

// MessageType returns the DHCP message type from the packet options.
func (p *Packet) MessageType() dhcpv4.MessageType {
	if data, ok := p.Options.Get(dhcpv4.OptionDHCPMessageType); ok && len(data) >= 1 {
		return dhcpv4.MessageType(data[0])
	}
	return 0
}

// RequestedIP returns the requested IP address from option 50.
func (p *Packet) RequestedIP() net.IP {
	if data, ok := p.Options.Get(dhcpv4.OptionRequestedIP); ok && len(data) >= 4 {
		return dhcpv4.BytesToIP(data[:4])
	}
	return nil
}

// Hostname returns the hostname from option 12.
func (p *Packet) Hostname() string {
	if data, ok := p.Options.Get(dhcpv4.OptionHostname); ok {
		return string(data)
	}
	return ""
}

// IsBroadcast returns true if the broadcast flag is set.
func (p *Packet) IsBroadcast() bool {
	return p.Flags&0x8000 != 0
}

// NewReply creates a BOOTREPLY for this request with the header fields
// copied and the message type and server identifier options in place.
func (p *Packet) NewReply(msgType dhcpv4.MessageType, serverIP net.IP) *Packet {
	reply := &Packet{
		Op:     dhcpv4.OpCodeBootReply,
		HType:  p.HType,
		HLen:   p.HLen,
		XID:    p.XID,
		Flags:  p.Flags,
		CIAddr: net.IPv4zero,
		YIAddr: net.IPv4zero,
		SIAddr: serverIP,
		GIAddr: net.IPv4zero,
		CHAddr: p.CHAddr,
	}

	// RFC 2131 §4.3.1: message type first, then server identifier
	reply.Options.Add(dhcpv4.OptionDHCPMessageType, []byte{byte(msgType)})
	reply.Options.AddIP(dhcpv4.OptionServerIdentifier, serverIP)

	return reply
}
