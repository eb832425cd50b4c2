package server

import (
	"time"

	"github.com/npezzotti/shadow-rooms/internal/database"
	"github.com/npezzotti/shadow-rooms/internal/types"
)

// MessageView converts a stored message into its participant-facing form.
// Soft-deleted messages show the deletion marker.
func MessageView(m database.Message) types.Message {
	msg := types.Message{
		Id:        m.Id,
		Username:  m.Username,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC(),
	}

	if m.DeletedAt.Valid {
		at := m.DeletedAt.Time.UTC()
		msg.DeletedAt = &at
		msg.Content = database.DeletedContent
	}

	return msg
}

func MessageViews(msgs []database.Message) []types.Message {
	views := make([]types.Message, len(msgs))
	for i, m := range msgs {
		views[i] = MessageView(m)
	}
	return views
}

func RoomView(room database.Room, p types.Presence) types.Room {
	return types.Room{
		Code:        room.Code,
		Name:        room.Name,
		Description: room.Description,
		Protected:   room.PassphraseHash != "",
		OnlineCount: p.OnlineCount,
		OnlineUsers: p.OnlineUsers,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
