package types

import (
	"time"
)

// Room is the public descriptor of a room. Passphrase digests never leave
// the server; Protected reports whether one is set.
type Room struct {
	Code        string   `json:"code"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Protected   bool     `json:"protected"`
	OnlineCount int      `json:"onlineCount"`
	OnlineUsers []string `json:"onlineUsers,omitempty"`
}

// Message is a chat message as seen by participants. The author's identity
// hash is intentionally absent.
type Message struct {
	Id        int64      `json:"id"`
	Username  string     `json:"username"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func (m Message) Deleted() bool {
	return m.DeletedAt != nil
}

type Presence struct {
	OnlineCount int      `json:"onlineCount"`
	OnlineUsers []string `json:"onlineUsers"`
}

type Pin struct {
	RoomCode  string    `json:"room_code"`
	MessageId int64     `json:"message_id"`
	PinnedAt  time.Time `json:"pinned_at"`
	Message   *Message  `json:"message,omitempty"`
}

type Report struct {
	Id               int64     `json:"report_id"`
	CreatedAt        time.Time `json:"report_created_at"`
	Reason           string    `json:"reason"`
	ReporterHash     string    `json:"reporter_user_hash"`
	MessageId        int64     `json:"message_id"`
	MessageUsername  string    `json:"message_username"`
	MessageContent   string    `json:"message_content"`
	MessageCreatedAt time.Time `json:"message_created_at"`
	RoomCode         string    `json:"room_code"`
	RoomName         string    `json:"room_name"`
}

// Request and response bodies of the HTTP API.

type CreateRoomRequest struct {
	Username    string `json:"username"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Passphrase  string `json:"passphrase,omitempty"`
}

type CreateRoomResponse struct {
	Code string `json:"code"`
}

type JoinRoomRequest struct {
	Username   string `json:"username"`
	Passphrase string `json:"passphrase,omitempty"`
}

type RandomRoomRequest struct {
	Username string `json:"username"`
}

type RoomResponse struct {
	Room Room `json:"room"`
}

type HeartbeatRequest struct {
	Username string `json:"username"`
}

type HeartbeatResponse struct {
	Ok bool `json:"ok"`
	Presence
}

type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

type PostMessageRequest struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

type PostMessageResponse struct {
	Ok      bool    `json:"ok"`
	Message Message `json:"message"`
}

type DeleteMessageResponse struct {
	Ok             bool      `json:"ok"`
	Id             int64     `json:"id"`
	DeletedAt      time.Time `json:"deleted_at"`
	AlreadyDeleted bool      `json:"alreadyDeleted,omitempty"`
}

type PinRequest struct {
	MessageId int64 `json:"messageId"`
}

type PinResponse struct {
	Pin *Pin `json:"pin"`
}

type ReportRequest struct {
	MessageId int64  `json:"messageId"`
	Reason    string `json:"reason"`
}

type ReportsResponse struct {
	Reports []Report `json:"reports"`
}

type OkResponse struct {
	Ok bool `json:"ok"`
}
