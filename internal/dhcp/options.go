package dhcp

import (
	"net"

	"github.com/rb3e-bridge/rb3e-bridge/pkg/dhcpv4"
)

// Option is a single DHCP option (RFC 2132 TLV).
type Option struct {
	Code  dhcpv4.OptionCode
	Value []byte
}

// Options is an ordered list of DHCP options. Order is preserved on the
// wire because some client stacks expect the message type first.
type Options []Option

// DecodeOptions parses the options section of a DHCP packet.
// Parsing stops at END, at the end of data, or at the first option whose
// length runs past the buffer; whatever was decoded up to that point is
// returned.
func DecodeOptions(data []byte) Options {
	var opts Options
	i := 0
	for i < len(data) {
		code := dhcpv4.OptionCode(data[i])
		i++

		// Pad option (RFC 2132 §3.1)
		if code == dhcpv4.OptionPad {
			continue
		}

		// End option (RFC 2132 §3.2)
		if code == dhcpv4.OptionEnd {
			break
		}

		if i >= len(data) {
			break
		}
		length := int(data[i])
		i++
		if i+length > len(data) {
			break
		}

		value := make([]byte, length)
		copy(value, data[i:i+length])
		opts = append(opts, Option{Code: code, Value: value})
		i += length
	}
	return opts
}

// Encode serializes options in order and appends the end marker.
func (opts Options) Encode() []byte {
	size := 1
	for _, o := range opts {
		size += 2 + len(o.Value)
	}

	buf := make([]byte, 0, size)
	for _, o := range opts {
		if o.Code == dhcpv4.OptionPad || o.Code == dhcpv4.OptionEnd {
			continue
		}
		buf = append(buf, byte(o.Code), byte(len(o.Value)))
		buf = append(buf, o.Value...)
	}
	return append(buf, byte(dhcpv4.OptionEnd))
}

// Get returns the value of the first option with the given code.
func (opts Options) Get(code dhcpv4.OptionCode) ([]byte, bool) {
	for _, o := range opts {
		if o.Code == code {
			return o.Value, true
		}
	}
	return nil, false
}

// Has returns true if the option is present.
func (opts Options) Has(code dhcpv4.OptionCode) bool {
	_, ok := opts.Get(code)
	return ok
}

// Add appends a raw option.
func (opts *Options) Add(code dhcpv4.OptionCode, value []byte) {
	*opts = append(*opts, Option{Code: code, Value: value})
}

// AddIP appends an IPv4 address option.
func (opts *Options) AddIP(code dhcpv4.OptionCode, ip net.IP) {
	opts.Add(code, dhcpv4.IPToBytes(ip))
}

// AddUint32 appends a 32-bit big-endian option.
func (opts *Options) AddUint32(code dhcpv4.OptionCode, v uint32) {
	opts.Add(code, dhcpv4.Uint32ToBytes(v))
}
