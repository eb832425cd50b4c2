// Package protocol defines the frames exchanged over the realtime channel.
//
// Every frame is a JSON object with a "type" discriminator. Each direction
// is a closed set: ClientFrame and ServerFrame can only be implemented by
// the types in this package, so a switch over them is checked by review
// against a single list.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/shadow-rooms/internal/types"
)

type FrameType string

// client -> server
const (
	TypeJoin          FrameType = "join"
	TypeTyping        FrameType = "typing"
	TypeMessage       FrameType = "message"
	TypeDeleteMessage FrameType = "delete_message"
)

// server -> client; "typing" and "message" are shared with the client set.
const (
	TypeJoined         FrameType = "joined"
	TypePresence       FrameType = "presence"
	TypeMessageDeleted FrameType = "message_deleted"
	TypeRateLimited    FrameType = "rate_limited"
	TypeRoomMissing    FrameType = "room_missing"
	TypeError          FrameType = "error"
	TypePinned         FrameType = "pinned"
)

var ErrUnknownFrame = errors.New("unknown frame type")

type ClientFrame interface {
	Type() FrameType
	clientFrame()
}

type ServerFrame interface {
	Type() FrameType
	serverFrame()
}

type JoinRequest struct {
	RoomCode   string `json:"roomCode"`
	Username   string `json:"username"`
	SessionId  string `json:"sessionId"`
	Passphrase string `json:"passphrase,omitempty"`
}

type TypingRequest struct {
	IsTyping bool `json:"isTyping"`
}

type MessageRequest struct {
	Content string `json:"content"`
}

type DeleteRequest struct {
	Id int64 `json:"id"`
}

func (JoinRequest) Type() FrameType    { return TypeJoin }
func (TypingRequest) Type() FrameType  { return TypeTyping }
func (MessageRequest) Type() FrameType { return TypeMessage }
func (DeleteRequest) Type() FrameType  { return TypeDeleteMessage }

func (JoinRequest) clientFrame()    {}
func (TypingRequest) clientFrame()  {}
func (MessageRequest) clientFrame() {}
func (DeleteRequest) clientFrame()  {}

type Joined struct {
	Room        types.Room `json:"room"`
	OnlineCount int        `json:"onlineCount"`
	OnlineUsers []string   `json:"onlineUsers"`
}

type PresenceUpdate struct {
	OnlineCount int      `json:"onlineCount"`
	OnlineUsers []string `json:"onlineUsers"`
}

type MessagePosted struct {
	types.Message
}

type MessageDeleted struct {
	Id             int64     `json:"id"`
	DeletedAt      time.Time `json:"deleted_at"`
	AlreadyDeleted bool      `json:"alreadyDeleted,omitempty"`
}

type TypingUpdate struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type RateLimited struct {
	Message string `json:"error"`
}

type RoomMissing struct{}

type ErrorFrame struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"error"`
}

// Pinned announces a pin change; a zero MessageId means the pin was removed.
type Pinned struct {
	MessageId int64          `json:"messageId"`
	Message   *types.Message `json:"message,omitempty"`
}

func (Joined) Type() FrameType         { return TypeJoined }
func (PresenceUpdate) Type() FrameType { return TypePresence }
func (MessagePosted) Type() FrameType  { return TypeMessage }
func (MessageDeleted) Type() FrameType { return TypeMessageDeleted }
func (TypingUpdate) Type() FrameType   { return TypeTyping }
func (RateLimited) Type() FrameType    { return TypeRateLimited }
func (RoomMissing) Type() FrameType    { return TypeRoomMissing }
func (ErrorFrame) Type() FrameType     { return TypeError }
func (Pinned) Type() FrameType         { return TypePinned }

func (Joined) serverFrame()         {}
func (PresenceUpdate) serverFrame() {}
func (MessagePosted) serverFrame()  {}
func (MessageDeleted) serverFrame() {}
func (TypingUpdate) serverFrame()   {}
func (RateLimited) serverFrame()    {}
func (RoomMissing) serverFrame()    {}
func (ErrorFrame) serverFrame()     {}
func (Pinned) serverFrame()         {}

// ErrorFrameFor converts a protocol error into the frame reporting it.
func ErrorFrameFor(err *Error) ServerFrame {
	switch err.Code {
	case CodeRateLimited:
		return RateLimited{Message: err.Message}
	case CodeRoomMissing:
		return RoomMissing{}
	}
	return ErrorFrame{Code: err.Code, Message: err.Message}
}

// AsError is the inverse of ErrorFrameFor. It returns nil for frames that
// do not report a failure.
func AsError(f ServerFrame) *Error {
	switch v := f.(type) {
	case RateLimited:
		return &Error{Code: CodeRateLimited, Message: v.Message}
	case RoomMissing:
		return &Error{Code: CodeRoomMissing, Message: "room not found"}
	case ErrorFrame:
		return &Error{Code: v.Code, Message: v.Message}
	}
	return nil
}

type envelope struct {
	Type FrameType `json:"type"`
}

// withType prefixes the JSON object encoding of v with a "type" member.
func withType(t FrameType, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("frame %q is not a JSON object", t)
	}

	head, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(head) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(head)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

func EncodeClientFrame(f ClientFrame) ([]byte, error) {
	return withType(f.Type(), f)
}

func EncodeServerFrame(f ServerFrame) ([]byte, error) {
	return withType(f.Type(), f)
}

func peekType(raw []byte) (FrameType, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("missing frame type: %w", ErrUnknownFrame)
	}
	return env.Type, nil
}

func decodeInto[T any](raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

func DecodeClientFrame(raw []byte) (ClientFrame, error) {
	t, err := peekType(raw)
	if err != nil {
		return nil, err
	}

	var (
		f    ClientFrame
		derr error
	)
	switch t {
	case TypeJoin:
		f, derr = decodeInto[JoinRequest](raw)
	case TypeTyping:
		f, derr = decodeInto[TypingRequest](raw)
	case TypeMessage:
		f, derr = decodeInto[MessageRequest](raw)
	case TypeDeleteMessage:
		f, derr = decodeInto[DeleteRequest](raw)
	default:
		return nil, fmt.Errorf("%q: %w", t, ErrUnknownFrame)
	}
	if derr != nil {
		return nil, fmt.Errorf("decode %s frame: %w", t, derr)
	}
	return f, nil
}

func DecodeServerFrame(raw []byte) (ServerFrame, error) {
	t, err := peekType(raw)
	if err != nil {
		return nil, err
	}

	var (
		f    ServerFrame
		derr error
	)
	switch t {
	case TypeJoined:
		f, derr = decodeInto[Joined](raw)
	case TypePresence:
		f, derr = decodeInto[PresenceUpdate](raw)
	case TypeMessage:
		f, derr = decodeInto[MessagePosted](raw)
	case TypeMessageDeleted:
		f, derr = decodeInto[MessageDeleted](raw)
	case TypeTyping:
		f, derr = decodeInto[TypingUpdate](raw)
	case TypeRateLimited:
		f, derr = decodeInto[RateLimited](raw)
	case TypeRoomMissing:
		f, derr = decodeInto[RoomMissing](raw)
	case TypeError:
		f, derr = decodeInto[ErrorFrame](raw)
	case TypePinned:
		f, derr = decodeInto[Pinned](raw)
	default:
		return nil, fmt.Errorf("%q: %w", t, ErrUnknownFrame)
	}
	if derr != nil {
		return nil, fmt.Errorf("decode %s frame: %w", t, derr)
	}
	return f, nil
}
