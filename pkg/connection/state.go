// Package connection models the lifecycle of the underlying network
// connection and the narrow interfaces the core needs from it.
package connection

import "errors"

// State is the lifecycle state of the connection.
type State int

const (
	// NotConnected is the initial state. Next: Connecting.
	NotConnected State = iota
	// Connecting next: Connected on success, Error on failure.
	Connecting
	// Connected next: Disconnecting on user request, Error if the link broke.
	Connected
	// Disconnecting next: NotConnected.
	Disconnecting
	// Error next: NotConnected or Connecting. Not terminal.
	Error
)

// ErrStateViolation is returned for transitions the state machine forbids.
var ErrStateViolation = errors.New("connection: illegal state transition")

var followStates = map[State][]State{
	NotConnected:  {Connecting},
	Connecting:    {Connected, Error},
	Connected:     {Disconnecting, Error},
	Disconnecting: {NotConnected},
	Error:         {NotConnected, Connecting},
}

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NOT_CONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// AllowedFollowStates returns the states reachable from s.
func (s State) AllowedFollowStates() []State {
	next := followStates[s]
	out := make([]State, len(next))
	copy(out, next)
	return out
}

// IsValidFollowState reports whether next may follow s. The check is
// advisory; enforcement is up to whoever drives the connection.
func (s State) IsValidFollowState(next State) bool {
	for _, candidate := range followStates[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// States lists every state in declaration order.
func States() []State {
	return []State{NotConnected, Connecting, Connected, Disconnecting, Error}
}
