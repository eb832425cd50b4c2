package client

import (
	"time"

	"github.com/npezzotti/shadow-rooms/internal/protocol"
	"github.com/npezzotti/shadow-rooms/internal/types"
)

// Event is delivered on Manager.Events. The set of implementations is
// closed.
type Event interface {
	event()
}

type StateChanged struct {
	State State
	// Attempt is the number of consecutive failed connection attempts.
	Attempt int
}

type Joined struct {
	Room     types.Room
	Presence types.Presence
}

type PresenceChanged struct {
	Presence types.Presence
}

// MessageReceived is emitted at most once per message id.
type MessageReceived struct {
	Message types.Message
}

type MessageDeleted struct {
	Id        int64
	DeletedAt time.Time
}

type TypingChanged struct {
	Username string
	IsTyping bool
}

// Notice reports a recoverable condition such as a rate limit or a rejected
// operation.
type Notice struct {
	Err *protocol.Error
}

type Pinned struct {
	MessageId int64
	Message   *types.Message
}

// Terminated is the last event. Err is nil after Leave or cancellation.
type Terminated struct {
	Err error
}

func (StateChanged) event()    {}
func (Joined) event()          {}
func (PresenceChanged) event() {}
func (MessageReceived) event() {}
func (MessageDeleted) event()  {}
func (TypingChanged) event()   {}
func (Notice) event()          {}
func (Pinned) event()          {}
func (Terminated) event()      {}
