// Package dhcpv4 provides constants and encoding helpers for DHCPv4 packets.
package dhcpv4

import "net"

// DHCP Message Types (RFC 2131 §9.6)
type MessageType byte

const (
	MessageTypeDiscover MessageType = 1 // DHCPDISCOVER
	MessageTypeOffer    MessageType = 2 // DHCPOFFER
	MessageTypeRequest  MessageType = 3 // DHCPREQUEST
	MessageTypeDecline  MessageType = 4 // DHCPDECLINE
	MessageTypeAck      MessageType = 5 // DHCPACK
	MessageTypeNak      MessageType = 6 // DHCPNAK
	MessageTypeRelease  MessageType = 7 // DHCPRELEASE
	MessageTypeInform   MessageType = 8 // DHCPINFORM
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeDiscover:
		return "DHCPDISCOVER"
	case MessageTypeOffer:
		return "DHCPOFFER"
	case MessageTypeRequest:
		return "DHCPREQUEST"
	case MessageTypeDecline:
		return "DHCPDECLINE"
	case MessageTypeAck:
		return "DHCPACK"
	case MessageTypeNak:
		return "DHCPNAK"
	case MessageTypeRelease:
		return "DHCPRELEASE"
	case MessageTypeInform:
		return "DHCPINFORM"
	default:
		return "UNKNOWN"
	}
}

// DHCP Op Codes (RFC 2131 §2)
type OpCode byte

const (
	OpCodeBootRequest OpCode = 1 // BOOTREQUEST
	OpCodeBootReply   OpCode = 2 // BOOTREPLY
)

// Hardware Types (RFC 1700)
type HardwareType byte

const (
	HardwareTypeEthernet HardwareType = 1
)

// EthernetAddrLen is the only hardware address length the server accepts.
const EthernetAddrLen = 6

// DHCP Option Codes (RFC 2132). Only the options this server reads or
// writes are listed.
type OptionCode byte

const (
	OptionPad                  OptionCode = 0
	OptionSubnetMask           OptionCode = 1
	OptionRouter               OptionCode = 3
	OptionDomainNameServer     OptionCode = 6
	OptionHostname             OptionCode = 12
	OptionRequestedIP          OptionCode = 50
	OptionIPLeaseTime          OptionCode = 51
	OptionDHCPMessageType      OptionCode = 53
	OptionServerIdentifier     OptionCode = 54
	OptionParameterRequestList OptionCode = 55
	OptionMaxDHCPMessageSize   OptionCode = 57
	OptionVendorClassID        OptionCode = 60
	OptionClientIdentifier     OptionCode = 61
	OptionEnd                  OptionCode = 255
)

// Fixed header layout (RFC 2131 §2).
const (
	HeaderSize     = 236 // op .. file
	CookieOffset   = 236
	OptionsOffset  = 240
	CHAddrFieldLen = 16
)

// DHCP Packet Size Limits
const (
	MinPacketSize     = 300  // BOOTP minimum, replies are padded up to this
	MaxPacketSize     = 1500 // Maximum DHCP packet size (Ethernet MTU)
	DefaultPacketSize = 576  // Default max packet size (RFC 2131 §2)
)

// DHCP Ports
const (
	ServerPort = 67
	ClientPort = 68
)

// DHCP Magic Cookie (RFC 2131 §3)
const MagicCookieValue uint32 = 0x63825363

var MagicCookie = []byte{99, 130, 83, 99}

// Broadcast and zero IPs
var (
	BroadcastIP = net.IPv4(255, 255, 255, 255)
	ZeroIP      = net.IPv4(0, 0, 0, 0)
)
