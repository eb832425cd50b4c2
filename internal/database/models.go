package database

import (
	"database/sql"
	"time"
)

// DeletedContent replaces the body of soft-deleted messages.
const DeletedContent = "[deleted]"

type Room struct {
	Id             int64
	Code           string
	Name           string
	Description    string
	PassphraseHash string
	CreatedAt      time.Time
}

type Message struct {
	Id        int64
	RoomId    int64
	Username  string
	UserHash  string
	Content   string
	CreatedAt time.Time
	DeletedAt sql.NullTime
	DeletedBy sql.NullString
}

type Pin struct {
	RoomId    int64
	MessageId int64
	PinnedBy  string
	CreatedAt time.Time
}

type ReportView struct {
	Id               int64
	CreatedAt        time.Time
	Reason           string
	ReporterHash     string
	MessageId        int64
	MessageUsername  string
	MessageContent   string
	MessageCreatedAt time.Time
	RoomCode         string
	RoomName         string
}

type CreateRoomParams struct {
	Code           string
	Name           string
	Description    string
	PassphraseHash string
	CreatedAt      time.Time
}

type CreateMessageParams struct {
	RoomId    int64
	Username  string
	UserHash  string
	Content   string
	CreatedAt time.Time
}

type UpsertPinParams struct {
	RoomId    int64
	MessageId int64
	PinnedBy  string
	CreatedAt time.Time
}

type CreateReportParams struct {
	MessageId    int64
	RoomId       int64
	ReporterHash string
	Reason       string
	CreatedAt    time.Time
}
