package database

import (
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// RoomRepository is the durable store behind rooms, messages, pins and
// reports. Implementations return ErrNotFound for missing rows.
type RoomRepository interface {
	Ping() error
	Close() error
	GetRoomByCode(code string) (Room, error)
	GetRoomById(id int64) (Room, error)
	CreateRoom(params CreateRoomParams) (Room, error)
	ListRecentRooms(limit int) ([]Room, error)
	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessageById(id int64) (Message, error)
	// MarkMessageDeleted soft-deletes a message still owned by userHash and
	// reports whether a row changed. Ownership is checked by the caller; the
	// hash is repeated in the update as a guard against races.
	MarkMessageDeleted(id int64, userHash string, at time.Time) (bool, error)
	GetMessages(roomId int64, limit int) ([]Message, error)
	GetPin(roomId int64) (Pin, error)
	UpsertPin(params UpsertPinParams) error
	DeletePin(roomId int64) error
	CreateReport(params CreateReportParams) error
	ListReports(limit int) ([]ReportView, error)
}

// Open connects to the store selected by driver.
func Open(driver, dsn string) (*SqlRoomRepository, error) {
	switch driver {
	case DriverPostgres:
		return NewPgRoomRepository(dsn)
	case DriverSqlite:
		return NewSqliteRoomRepository(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
