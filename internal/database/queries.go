package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SqlRoomRepository implements RoomRepository over database/sql. Queries are
// written with '?' placeholders and rebound per driver.
type SqlRoomRepository struct {
	conn   *sql.DB
	rebind func(string) string
}

func bindQuestion(q string) string { return q }

// bindDollar rewrites '?' placeholders to $1, $2, ... for PostgreSQL.
func bindDollar(q string) string {
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(q) + 8)
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (db *SqlRoomRepository) Ping() error {
	return db.conn.Ping()
}

func (db *SqlRoomRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

const roomColumns = "id, code, name, COALESCE(description, ''), COALESCE(passphrase_hash, ''), created_at"

func scanRoom(scan func(dest ...any) error) (Room, error) {
	var room Room
	err := scan(
		&room.Id,
		&room.Code,
		&room.Name,
		&room.Description,
		&room.PassphraseHash,
		&room.CreatedAt,
	)
	return room, err
}

func (db *SqlRoomRepository) GetRoomByCode(code string) (Room, error) {
	row := db.conn.QueryRow(
		db.rebind("SELECT "+roomColumns+" FROM rooms WHERE code = ? LIMIT 1"),
		code,
	)

	room, err := scanRoom(row.Scan)
	return room, notFound(err)
}

func (db *SqlRoomRepository) GetRoomById(id int64) (Room, error) {
	row := db.conn.QueryRow(
		db.rebind("SELECT "+roomColumns+" FROM rooms WHERE id = ?"),
		id,
	)

	room, err := scanRoom(row.Scan)
	return room, notFound(err)
}

func (db *SqlRoomRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	room := Room{
		Code:           params.Code,
		Name:           params.Name,
		Description:    params.Description,
		PassphraseHash: params.PassphraseHash,
		CreatedAt:      params.CreatedAt,
	}

	err := db.conn.QueryRow(
		db.rebind("INSERT INTO rooms (code, name, description, passphrase_hash, created_at) "+
			"VALUES (?, ?, ?, ?, ?) RETURNING id"),
		params.Code,
		params.Name,
		nullString(params.Description),
		nullString(params.PassphraseHash),
		params.CreatedAt,
	).Scan(&room.Id)
	if err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}

	return room, nil
}

func (db *SqlRoomRepository) ListRecentRooms(limit int) ([]Room, error) {
	rows, err := db.conn.Query(
		db.rebind("SELECT "+roomColumns+" FROM rooms ORDER BY id DESC LIMIT ?"),
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0, limit)
	for rows.Next() {
		room, err := scanRoom(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *SqlRoomRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	msg := Message{
		RoomId:    params.RoomId,
		Username:  params.Username,
		UserHash:  params.UserHash,
		Content:   params.Content,
		CreatedAt: params.CreatedAt,
	}

	err := db.conn.QueryRow(
		db.rebind("INSERT INTO messages (room_id, username, user_hash, content, created_at) "+
			"VALUES (?, ?, ?, ?, ?) RETURNING id"),
		params.RoomId,
		params.Username,
		params.UserHash,
		params.Content,
		params.CreatedAt,
	).Scan(&msg.Id)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return msg, nil
}

const messageColumns = "id, room_id, username, user_hash, content, created_at, deleted_at, deleted_by_user_hash"

func scanMessage(scan func(dest ...any) error) (Message, error) {
	var msg Message
	err := scan(
		&msg.Id,
		&msg.RoomId,
		&msg.Username,
		&msg.UserHash,
		&msg.Content,
		&msg.CreatedAt,
		&msg.DeletedAt,
		&msg.DeletedBy,
	)
	return msg, err
}

func (db *SqlRoomRepository) GetMessageById(id int64) (Message, error) {
	row := db.conn.QueryRow(
		db.rebind("SELECT "+messageColumns+" FROM messages WHERE id = ?"),
		id,
	)

	msg, err := scanMessage(row.Scan)
	return msg, notFound(err)
}

func (db *SqlRoomRepository) MarkMessageDeleted(id int64, userHash string, at time.Time) (bool, error) {
	res, err := db.conn.Exec(
		db.rebind("UPDATE messages SET content = ?, deleted_at = ?, deleted_by_user_hash = ? "+
			"WHERE id = ? AND user_hash = ? AND deleted_at IS NULL"),
		DeletedContent,
		at,
		userHash,
		id,
		userHash,
	)
	if err != nil {
		return false, fmt.Errorf("mark message deleted: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// GetMessages returns the newest limit messages of a room in chronological order.
func (db *SqlRoomRepository) GetMessages(roomId int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.Query(
		db.rebind("SELECT "+messageColumns+" FROM messages WHERE room_id = ? ORDER BY id DESC LIMIT ?"),
		roomId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (db *SqlRoomRepository) GetPin(roomId int64) (Pin, error) {
	row := db.conn.QueryRow(
		db.rebind("SELECT room_id, message_id, pinned_by_user_hash, created_at FROM pins WHERE room_id = ?"),
		roomId,
	)

	var pin Pin
	err := row.Scan(&pin.RoomId, &pin.MessageId, &pin.PinnedBy, &pin.CreatedAt)
	return pin, notFound(err)
}

func (db *SqlRoomRepository) UpsertPin(params UpsertPinParams) error {
	_, err := db.conn.Exec(
		db.rebind("INSERT INTO pins (room_id, message_id, pinned_by_user_hash, created_at) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT (room_id) DO UPDATE SET message_id = excluded.message_id, "+
			"pinned_by_user_hash = excluded.pinned_by_user_hash, created_at = excluded.created_at"),
		params.RoomId,
		params.MessageId,
		params.PinnedBy,
		params.CreatedAt,
	)

	return err
}

func (db *SqlRoomRepository) DeletePin(roomId int64) error {
	_, err := db.conn.Exec(db.rebind("DELETE FROM pins WHERE room_id = ?"), roomId)
	return err
}

func (db *SqlRoomRepository) CreateReport(params CreateReportParams) error {
	_, err := db.conn.Exec(
		db.rebind("INSERT INTO reports (message_id, room_id, reporter_user_hash, reason, created_at) "+
			"VALUES (?, ?, ?, ?, ?)"),
		params.MessageId,
		params.RoomId,
		params.ReporterHash,
		params.Reason,
		params.CreatedAt,
	)

	return err
}

func (db *SqlRoomRepository) ListReports(limit int) ([]ReportView, error) {
	rows, err := db.conn.Query(
		db.rebind(`
		SELECT
				r.id,
				r.created_at,
				r.reason,
				r.reporter_user_hash,
				m.id,
				m.username,
				m.content,
				m.created_at,
				t.code,
				t.name
		FROM reports r
		JOIN messages m ON m.id = r.message_id
		JOIN rooms t ON t.id = r.room_id
		ORDER BY r.id DESC
		LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	reports := make([]ReportView, 0)
	for rows.Next() {
		var r ReportView
		err := rows.Scan(
			&r.Id,
			&r.CreatedAt,
			&r.Reason,
			&r.ReporterHash,
			&r.MessageId,
			&r.MessageUsername,
			&r.MessageContent,
			&r.MessageCreatedAt,
			&r.RoomCode,
			&r.RoomName,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		reports = append(reports, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return reports, nil
}
