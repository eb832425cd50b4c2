package client

import "fmt"

// State is the connection state of a Manager.
//
//	Connecting -> Online <-> Offline -> Fallback
//
// Closed is reachable from every state. Fallback is never left except by
// closing.
type State int32

const (
	Connecting State = iota
	Online
	Offline
	Fallback
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Online:
		return "online"
	case Offline:
		return "offline"
	case Fallback:
		return "fallback"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Realtime reports whether the state belongs to the socket-based lifecycle.
func (s State) Realtime() bool {
	return s == Connecting || s == Online || s == Offline
}
