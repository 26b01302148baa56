// Package wifi implements the station-mode connection manager: an explicit
// state machine over a radio driver, failure classification and the retry
// policy built on it.
package wifi

// State is the connection state of the station interface.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateListening    State = "listening"
	StateError        State = "error"
)

// AllStates lists every state, in lifecycle order.
var AllStates = []State{StateDisconnected, StateConnecting, StateConnected, StateListening, StateError}

func (s State) String() string {
	return string(s)
}

// IsUp reports whether the link is usable (Connected or Listening).
func (s State) IsUp() bool {
	return s == StateConnected || s == StateListening
}

// FailReason classifies why the last connection attempt failed.
type FailReason string

const (
	FailNone      FailReason = "none"
	FailTimeout   FailReason = "timeout"
	FailNoNetwork FailReason = "no_network"
	FailBadAuth   FailReason = "bad_auth"
	FailGeneral   FailReason = "general"
)

func (r FailReason) String() string {
	return string(r)
}

// Retryable reports whether an automatic retry can help. Bad credentials
// will fail the same way until they are reconfigured.
func (r FailReason) Retryable() bool {
	return r != FailBadAuth && r != FailNone
}

// LinkStatus is the driver's view of the station link.
type LinkStatus int

const (
	LinkDown    LinkStatus = iota // not associated
	LinkJoining                   // association or DHCP in progress
	LinkUp                        // associated with an address
	LinkNoNet                     // network not found
	LinkBadAuth                   // authentication rejected
	LinkFail                      // any other failure
)

func (s LinkStatus) String() string {
	switch s {
	case LinkDown:
		return "down"
	case LinkJoining:
		return "joining"
	case LinkUp:
		return "up"
	case LinkNoNet:
		return "no_network"
	case LinkBadAuth:
		return "bad_auth"
	case LinkFail:
		return "fail"
	default:
		return "unknown"
	}
}
