package server

import (
	"context"
	"errors"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/shadow-rooms/internal/database"
	"github.com/npezzotti/shadow-rooms/internal/identity"
	"github.com/npezzotti/shadow-rooms/internal/presence"
	"github.com/npezzotti/shadow-rooms/internal/protocol"
	"github.com/npezzotti/shadow-rooms/internal/ratelimit"
	"github.com/npezzotti/shadow-rooms/internal/stats"
	"github.com/npezzotti/shadow-rooms/internal/types"
)

const (
	DefaultCapacity     = 15
	DefaultDeleteWindow = 5 * time.Minute

	MetricConnections = "Connections"
	MetricJoined      = "JoinedSessions"
	MetricMessages    = "MessagesAccepted"
	MetricRateLimited = "MessagesRateLimited"
)

var ErrShuttingDown = errors.New("chat server is shutting down")

type Options struct {
	Capacity        int
	CodeMinLen      int
	CodeMaxLen      int
	FilterProfanity bool
	RateMax         int
	RateWindow      time.Duration
	HeartbeatTTL    time.Duration
	AdmissionTTL    time.Duration
	SweepInterval   time.Duration
	DeleteWindow    time.Duration
	Debug           bool
	// Registry defaults to an in-memory registry.
	Registry Registry
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.CodeMinLen <= 0 {
		o.CodeMinLen = DefaultCodeMin
	}
	if o.CodeMaxLen < o.CodeMinLen {
		o.CodeMaxLen = max(DefaultCodeMax, o.CodeMinLen)
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = presence.DefaultSweepInterval
	}
	if o.DeleteWindow <= 0 {
		o.DeleteWindow = DefaultDeleteWindow
	}
	if o.Registry == nil {
		o.Registry = NewRegistry()
	}
	return o
}

// ChatServer owns realtime room state: the registry of live sessions, the
// fallback heartbeat table and the per-identity rate limiter.
type ChatServer struct {
	log        *log.Logger
	db         database.RoomRepository
	stats      stats.StatsProvider
	hasher     *identity.Hasher
	registry   Registry
	heartbeats *presence.HeartbeatStore
	admitted   *admissions
	limiter    *ratelimit.Limiter
	filter     *ProfanityFilter
	opts       Options
	now        func() time.Time

	fallbackLock sync.Mutex

	seqLock sync.Mutex
	seqs    map[string]*roomSeq

	sessionsLock sync.Mutex
	sessions     map[*Session]struct{}
	closed       bool
	wg           sync.WaitGroup
}

func NewChatServer(logger *log.Logger, db database.RoomRepository, su stats.StatsProvider, hasher *identity.Hasher, opts Options) (*ChatServer, error) {
	if hasher == nil {
		return nil, errors.New("identity hasher is required")
	}
	opts = opts.withDefaults()

	cs := &ChatServer{
		log:        logger,
		db:         db,
		stats:      su,
		hasher:     hasher,
		registry:   opts.Registry,
		heartbeats: presence.NewHeartbeatStore(opts.HeartbeatTTL),
		admitted:   newAdmissions(opts.AdmissionTTL),
		limiter:    ratelimit.NewLimiter(opts.RateMax, opts.RateWindow),
		filter:     NewProfanityFilter(opts.FilterProfanity),
		opts:       opts,
		now:        Now,
		seqs:       make(map[string]*roomSeq),
		sessions:   make(map[*Session]struct{}),
	}

	for _, name := range []string{MetricConnections, MetricJoined, MetricMessages, MetricRateLimited} {
		su.RegisterMetric(name)
	}

	return cs, nil
}

func (cs *ChatServer) Capacity() int { return cs.opts.Capacity }

func (cs *ChatServer) ValidRoomCode(code string) bool {
	return ValidRoomCode(code, cs.opts.CodeMinLen, cs.opts.CodeMaxLen)
}

// IdentityFor derives the participant identity for an opaque session token.
func (cs *ChatServer) IdentityFor(token string) string {
	return cs.hasher.Hash(token)
}

func (cs *ChatServer) debugf(format string, args ...any) {
	if cs.opts.Debug {
		cs.log.Printf(format, args...)
	}
}

// Run purges expired heartbeats and idle rate limiter windows until ctx is
// done.
func (cs *ChatServer) Run(ctx context.Context) error {
	ticker := time.NewTicker(cs.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cs.sweep()
		case <-ctx.Done():
			return nil
		}
	}
}

func (cs *ChatServer) sweep() (expired, idle int) {
	expired = cs.heartbeats.Sweep()
	idle = cs.limiter.Cleanup()
	stale := cs.admitted.sweep(cs.now())
	if expired > 0 || idle > 0 || stale > 0 {
		cs.debugf("sweep: %d heartbeats expired, %d rate windows dropped, %d admissions expired", expired, idle, stale)
	}
	return expired, idle
}

// ServeConn starts the read and write pumps for an upgraded connection.
func (cs *ChatServer) ServeConn(conn *websocket.Conn) error {
	s := newSession(conn, cs, cs.log)

	cs.sessionsLock.Lock()
	if cs.closed {
		cs.sessionsLock.Unlock()
		return ErrShuttingDown
	}
	cs.sessions[s] = struct{}{}
	cs.wg.Add(2)
	cs.sessionsLock.Unlock()

	cs.stats.Incr(MetricConnections)
	cs.debugf("ws %s: connected", s.id)

	go func() {
		defer cs.wg.Done()
		s.Write()
	}()
	go func() {
		defer cs.wg.Done()
		s.Read()
	}()

	return nil
}

// Shutdown closes every session and waits for their pumps to exit.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("shutting down chat server")

	cs.sessionsLock.Lock()
	cs.closed = true
	for s := range cs.sessions {
		s.close()
	}
	cs.sessionsLock.Unlock()

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Presence merges live session usernames with fallback heartbeats.
func (cs *ChatServer) Presence(code string) types.Presence {
	online := mergeUsernames(cs.registry.Usernames(code), cs.heartbeats.Usernames(code))
	return types.Presence{OnlineCount: len(online), OnlineUsers: online}
}

func (cs *ChatServer) handleJoin(s *Session, req protocol.JoinRequest) *protocol.Error {
	code := strings.TrimSpace(req.RoomCode)
	username := strings.TrimSpace(req.Username)

	if !cs.ValidRoomCode(code) {
		return protocol.Errorf(protocol.CodeInvalidInput, "invalid room code")
	}
	if !ValidUsername(username) {
		return protocol.Errorf(protocol.CodeInvalidInput, "invalid username")
	}
	if !identity.ValidToken(req.SessionId) {
		return protocol.Errorf(protocol.CodeInvalidInput, "invalid session id")
	}

	room, err := cs.db.GetRoomByCode(code)
	if errors.Is(err, database.ErrNotFound) {
		return protocol.Errorf(protocol.CodeRoomMissing, "room not found")
	}
	if err != nil {
		cs.log.Printf("ws %s: GetRoomByCode: %v", s.id, err)
		return protocol.Errorf(protocol.CodeInternal, "internal server error")
	}

	if !identity.VerifyRoomPassphrase(room.PassphraseHash, req.Passphrase) {
		return protocol.Errorf(protocol.CodeForbidden, "invalid passphrase")
	}

	s.bind(room, username, cs.hasher.Hash(req.SessionId), cs.now())

	// The joined reply is queued under the registry lock so it precedes
	// any room broadcast the new session can observe.
	admitted := cs.registry.RegisterIf(s, func(live []string) bool {
		online := mergeUsernames(live, cs.heartbeats.Usernames(code))
		if !slices.Contains(online, username) {
			if len(online) >= cs.opts.Capacity {
				return false
			}
			online = mergeUsernames(online, []string{username})
		}

		if !s.markJoined() {
			return false
		}

		p := types.Presence{OnlineCount: len(online), OnlineUsers: online}
		s.reply(protocol.Joined{
			Room:        RoomView(room, p),
			OnlineCount: p.OnlineCount,
			OnlineUsers: p.OnlineUsers,
		})
		return true
	})
	if !admitted {
		if s.currentState() == stateClosed {
			return protocol.Errorf(protocol.CodeInternal, "connection closed")
		}
		return protocol.Errorf(protocol.CodeRoomFull, "room is full")
	}

	if room.PassphraseHash != "" {
		cs.admitted.grant(code, s.identity, cs.now())
	}

	cs.stats.Incr(MetricJoined)
	cs.debugf("ws %s: joined room %q", s.id, code)
	cs.broadcastPresence(code, s)

	return nil
}

// leave removes s from its room and tells the remaining members.
func (cs *ChatServer) leave(s *Session) {
	cs.sessionsLock.Lock()
	delete(cs.sessions, s)
	cs.sessionsLock.Unlock()
	cs.stats.Decr(MetricConnections)

	code, ok := cs.registry.Unregister(s)
	if !ok {
		cs.debugf("ws %s: disconnected while %s", s.id, s.currentState())
		return
	}

	cs.stats.Decr(MetricJoined)
	cs.debugf("ws %s: left room %q", s.id, code)
	cs.broadcastPresence(code, nil)
}

func (cs *ChatServer) handleTyping(s *Session, isTyping bool) {
	cs.broadcast(s.roomCode, protocol.TypingUpdate{
		Username: s.username,
		IsTyping: isTyping,
	}, s)
}

func (cs *ChatServer) handleMessage(s *Session, content string) *protocol.Error {
	_, err := cs.submit(s.roomCode, s.roomId, s.username, s.identity, content)
	return err
}

// submit validates, rate limits, filters, persists and relays a message.
// Empty content yields a zero message and no error.
func (cs *ChatServer) submit(code string, roomId int64, username, identityHash, content string) (types.Message, *protocol.Error) {
	content, ok := CheckContent(content)
	if content == "" {
		return types.Message{}, nil
	}
	if !ok {
		return types.Message{}, protocol.Errorf(protocol.CodeTooLong, "message too long (max %d)", MaxContentLength)
	}

	if !cs.limiter.Allow(identityHash) {
		cs.stats.Incr(MetricRateLimited)
		return types.Message{}, protocol.Errorf(protocol.CodeRateLimited, "rate limited, slow down")
	}

	content = cs.filter.Apply(content)

	// The room lock spans the insert so members see ids in increasing
	// order. It is per room: only senders to the same room wait on it.
	unlock := cs.lockRoom(code)
	defer unlock()

	stored, err := cs.db.CreateMessage(database.CreateMessageParams{
		RoomId:    roomId,
		Username:  username,
		UserHash:  identityHash,
		Content:   content,
		CreatedAt: cs.now(),
	})
	if err != nil {
		cs.log.Printf("CreateMessage: %v", err)
		return types.Message{}, protocol.Errorf(protocol.CodeInternal, "failed to save message")
	}

	msg := MessageView(stored)
	cs.stats.Incr(MetricMessages)
	cs.broadcast(code, protocol.MessagePosted{Message: msg}, nil)

	return msg, nil
}

type deleteResult struct {
	frame  protocol.MessageDeleted
	roomId int64
}

// deleteMessage applies the ownership and grace window rules. inRoom
// restricts the message to one room; zero accepts any room.
func (cs *ChatServer) deleteMessage(identityHash string, id, inRoom int64) (deleteResult, *protocol.Error) {
	msg, err := cs.db.GetMessageById(id)
	if errors.Is(err, database.ErrNotFound) {
		return deleteResult{}, protocol.Errorf(protocol.CodeNotFound, "message not found")
	}
	if err != nil {
		cs.log.Printf("GetMessageById: %v", err)
		return deleteResult{}, protocol.Errorf(protocol.CodeInternal, "internal server error")
	}

	if inRoom != 0 && msg.RoomId != inRoom {
		return deleteResult{}, protocol.Errorf(protocol.CodeWrongRoom, "message belongs to another room")
	}
	if msg.UserHash != identityHash {
		return deleteResult{}, protocol.Errorf(protocol.CodeForbidden, "not your message")
	}

	res := deleteResult{roomId: msg.RoomId}
	if msg.DeletedAt.Valid {
		res.frame = protocol.MessageDeleted{Id: id, DeletedAt: msg.DeletedAt.Time.UTC(), AlreadyDeleted: true}
		return res, nil
	}

	now := cs.now()
	if now.Sub(msg.CreatedAt) > cs.opts.DeleteWindow {
		return deleteResult{}, protocol.Errorf(protocol.CodeWindowExpired, "delete window expired (%d min)", int(cs.opts.DeleteWindow.Minutes()))
	}

	changed, err := cs.db.MarkMessageDeleted(id, identityHash, now)
	if err != nil {
		cs.log.Printf("MarkMessageDeleted: %v", err)
		return deleteResult{}, protocol.Errorf(protocol.CodeInternal, "failed to delete message")
	}
	if !changed {
		// lost a race with a concurrent delete
		res.frame = protocol.MessageDeleted{Id: id, DeletedAt: now, AlreadyDeleted: true}
		return res, nil
	}

	res.frame = protocol.MessageDeleted{Id: id, DeletedAt: now}
	return res, nil
}

func (cs *ChatServer) handleDelete(s *Session, id int64) *protocol.Error {
	res, err := cs.deleteMessage(s.identity, id, s.roomId)
	if err != nil {
		return err
	}

	if res.frame.AlreadyDeleted {
		s.reply(res.frame)
		return nil
	}

	unlock := cs.lockRoom(s.roomCode)
	defer unlock()
	cs.broadcast(s.roomCode, res.frame, nil)
	return nil
}

// PostMessage is the fallback send path. The sender must be admitted to
// protected rooms; their heartbeat is refreshed and the stored message is
// relayed to realtime members.
func (cs *ChatServer) PostMessage(room database.Room, username, identityHash, content string) (types.Message, *protocol.Error) {
	if NormalizeContent(content) == "" {
		return types.Message{}, protocol.Errorf(protocol.CodeInvalidInput, "message cannot be empty")
	}

	if err := cs.touchFallback(room, identityHash, username); err != nil {
		return types.Message{}, err
	}
	return cs.submit(room.Code, room.Id, username, identityHash, content)
}

// DeleteMessage is the fallback delete path. Unlike the realtime path it
// does not restrict the message to a room.
func (cs *ChatServer) DeleteMessage(identityHash string, id int64) (protocol.MessageDeleted, *protocol.Error) {
	res, perr := cs.deleteMessage(identityHash, id, 0)
	if perr != nil {
		return protocol.MessageDeleted{}, perr
	}
	if res.frame.AlreadyDeleted {
		return res.frame, nil
	}

	room, err := cs.db.GetRoomById(res.roomId)
	if err != nil {
		cs.log.Printf("GetRoomById: %v", err)
		return res.frame, nil
	}

	unlock := cs.lockRoom(room.Code)
	defer unlock()
	cs.broadcast(room.Code, res.frame, nil)

	return res.frame, nil
}

// Heartbeat keeps a fallback participant online. It fails with forbidden
// for protected rooms the identity was never admitted to, and with
// room_full when a new name would exceed capacity.
func (cs *ChatServer) Heartbeat(room database.Room, identityHash, username string) (types.Presence, *protocol.Error) {
	if err := cs.touchFallback(room, identityHash, username); err != nil {
		return types.Presence{}, err
	}
	return cs.Presence(room.Code), nil
}

// RelayPin tells realtime members of a room that its pin changed.
func (cs *ChatServer) RelayPin(code string, pin protocol.Pinned) {
	cs.broadcast(code, pin, nil)
}
