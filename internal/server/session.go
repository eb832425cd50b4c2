package server

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/shadow-rooms/internal/database"
	"github.com/npezzotti/shadow-rooms/internal/protocol"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 256
)

type sessionState int32

const (
	stateUnjoined sessionState = iota
	stateJoined
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateUnjoined:
		return "unjoined"
	case stateJoined:
		return "joined"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is the server side of one realtime connection. It moves from
// unjoined to joined at most once and is closed when the socket goes away.
type Session struct {
	id        string
	conn      *websocket.Conn
	cs        *ChatServer
	log       *log.Logger
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32

	// written once by join before registration, read-only afterwards
	roomCode string
	roomId   int64
	username string
	identity string
	joinedAt time.Time
}

func newSession(conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Session {
	id, err := shortid.Generate()
	if err != nil {
		id = "-"
	}

	return &Session{
		id:   id,
		conn: conn,
		cs:   cs,
		log:  l,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (s *Session) Id() string       { return s.id }
func (s *Session) RoomCode() string { return s.roomCode }
func (s *Session) Username() string { return s.username }

func (s *Session) currentState() sessionState {
	return sessionState(s.state.Load())
}

func (s *Session) Joined() bool {
	return s.currentState() == stateJoined
}

func (s *Session) bind(room database.Room, username, identity string, at time.Time) {
	s.roomCode = room.Code
	s.roomId = room.Id
	s.username = username
	s.identity = identity
	s.joinedAt = at
}

func (s *Session) markJoined() bool {
	return s.state.CompareAndSwap(int32(stateUnjoined), int32(stateJoined))
}

func (s *Session) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.close()
		s.cs.debugf("ws %s: write exiting", s.id)
	}()

	for {
		select {
		case b := <-s.send:
			if !s.sendMessage(websocket.TextMessage, b) {
				return
			}
		case <-ticker.C:
			if !s.sendMessage(websocket.PingMessage, nil) {
				return
			}
		case <-s.done:
			s.flush()
			s.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes frames queued before the session was closed, such as the
// error frame explaining a rejected join.
func (s *Session) flush() {
	for {
		select {
		case b := <-s.send:
			if !s.sendMessage(websocket.TextMessage, b) {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) Read() {
	defer func() {
		s.cs.leave(s)
		s.close()
		s.cs.debugf("ws %s: read exiting", s.id)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.log.Printf("ws %s: read: %v", s.id, err)
			}
			return
		}

		s.cs.debugf("ws %s: received %d bytes", s.id, len(raw))
		f, err := protocol.DecodeClientFrame(raw)
		if err != nil {
			s.log.Printf("ws %s: dropping frame: %v", s.id, err)
			continue
		}

		if !s.dispatch(f) {
			return
		}
	}
}

// dispatch handles one client frame and reports whether the session
// should keep reading.
func (s *Session) dispatch(f protocol.ClientFrame) bool {
	switch f := f.(type) {
	case protocol.JoinRequest:
		if s.currentState() != stateUnjoined {
			s.fail(protocol.Errorf(protocol.CodeInvalidInput, "already joined"))
			return true
		}
		if err := s.cs.handleJoin(s, f); err != nil {
			s.fail(err)
			return !err.Code.Terminal()
		}
	case protocol.TypingRequest:
		if s.requireJoined() {
			s.cs.handleTyping(s, f.IsTyping)
		}
	case protocol.MessageRequest:
		if s.requireJoined() {
			if err := s.cs.handleMessage(s, f.Content); err != nil {
				s.fail(err)
			}
		}
	case protocol.DeleteRequest:
		if s.requireJoined() {
			if err := s.cs.handleDelete(s, f.Id); err != nil {
				s.fail(err)
			}
		}
	default:
		s.log.Printf("ws %s: unhandled frame %q", s.id, f.Type())
	}

	return true
}

func (s *Session) requireJoined() bool {
	if s.Joined() {
		return true
	}

	s.fail(protocol.Errorf(protocol.CodeNotJoined, "not joined"))
	return false
}

func (s *Session) fail(err *protocol.Error) {
	s.reply(protocol.ErrorFrameFor(err))
}

func (s *Session) reply(f protocol.ServerFrame) bool {
	b, err := protocol.EncodeServerFrame(f)
	if err != nil {
		s.log.Printf("ws %s: encode %s: %v", s.id, f.Type(), err)
		return false
	}

	return s.queueMessage(b)
}

// queueMessage never blocks: frames for a closed session or a full buffer
// are dropped.
func (s *Session) queueMessage(b []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- b:
	default:
		s.log.Printf("ws %s: send buffer full, dropping frame", s.id)
		return false
	}

	return true
}

func (s *Session) sendMessage(msgType int, msg []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := s.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			s.log.Printf("ws %s: write message: %s", s.id, err)
		}
		return false
	}

	return true
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosed))
		close(s.done)
	})
}
