// Package rb3e provides constants and decoding helpers for the RB3Enhanced
// network protocol.
package rb3e

// Magic is the four byte protocol marker at the start of every packet.
const Magic = "RB3E"

// Event Types
type EventType byte

const (
	EventAlive      EventType = 0
	EventState      EventType = 1
	EventSongName   EventType = 2
	EventSongArtist EventType = 3
	EventSongShort  EventType = 4
	EventScore      EventType = 5
	EventStageKit   EventType = 6
	EventBandInfo   EventType = 7
)

func (e EventType) String() string {
	switch e {
	case EventAlive:
		return "ALIVE"
	case EventState:
		return "STATE"
	case EventSongName:
		return "SONG_NAME"
	case EventSongArtist:
		return "SONG_ARTIST"
	case EventSongShort:
		return "SONG_SHORTNAME"
	case EventScore:
		return "SCORE"
	case EventStageKit:
		return "STAGEKIT"
	case EventBandInfo:
		return "BAND_INFO"
	default:
		return "UNKNOWN"
	}
}

// Network Ports
const (
	CommandPort   = 21070
	TelemetryPort = 21071
)

// Packet layout
const (
	HeaderSize        = 8
	StageKitSize      = 2
	MinStageKitPacket = HeaderSize + StageKitSize

	offsetVersion  = 4
	offsetType     = 5
	offsetSize     = 6
	offsetPlatform = 7
)

// StageKit right-channel commands. The left channel carries the LED mask.
const (
	FogOn        byte = 0x01
	FogOff       byte = 0x02
	StrobeSpeed1 byte = 0x03
	StrobeSpeed2 byte = 0x04
	StrobeSpeed3 byte = 0x05
	StrobeSpeed4 byte = 0x06
	StrobeOff    byte = 0x07
	LEDBlue      byte = 0x20
	LEDGreen     byte = 0x40
	LEDYellow    byte = 0x60
	LEDRed       byte = 0x80
	AllOff       byte = 0xFF
)
