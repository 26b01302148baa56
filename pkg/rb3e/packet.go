package rb3e

import "fmt"

// Header is the fixed 8 byte RB3E packet header.
type Header struct {
	Version     byte
	Type        EventType
	PayloadSize byte
	Platform    byte
}

// DecodeHeader parses the packet header. The payload is not inspected.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("packet too short: %d bytes (minimum %d)", len(data), HeaderSize)
	}
	if string(data[:4]) != Magic {
		return Header{}, fmt.Errorf("invalid RB3E magic: %q", data[:4])
	}
	return Header{
		Version:     data[offsetVersion],
		Type:        EventType(data[offsetType]),
		PayloadSize: data[offsetSize],
		Platform:    data[offsetPlatform],
	}, nil
}

// Encode serializes the header followed by payload.
func (h Header) Encode(payload []byte) []byte {
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = append(buf, Magic...)
	buf = append(buf, h.Version, byte(h.Type), h.PayloadSize, h.Platform)
	return append(buf, payload...)
}

// DecodeStageKit extracts the left/right bytes of a StageKit event.
// Anything that is not a well-formed StageKit packet yields ok == false.
func DecodeStageKit(data []byte) (left, right byte, ok bool) {
	if len(data) < MinStageKitPacket {
		return 0, 0, false
	}
	if string(data[:4]) != Magic {
		return 0, 0, false
	}
	if EventType(data[offsetType]) != EventStageKit {
		return 0, 0, false
	}
	return data[HeaderSize], data[HeaderSize+1], true
}

// EncodeStageKit builds a StageKit event packet.
func EncodeStageKit(version, platform, left, right byte) []byte {
	h := Header{
		Version:     version,
		Type:        EventStageKit,
		PayloadSize: StageKitSize,
		Platform:    platform,
	}
	return h.Encode([]byte{left, right})
}
