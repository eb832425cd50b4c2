package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/shadow-rooms/internal/identity"
	"github.com/npezzotti/shadow-rooms/internal/protocol"
	"github.com/npezzotti/shadow-rooms/internal/server"
	"github.com/npezzotti/shadow-rooms/internal/types"
)

var (
	ErrClosed       = errors.New("client closed")
	ErrNotStarted   = errors.New("client not started")
	ErrNotConnected = errors.New("not connected yet, try again in a second")
	ErrEmptyMessage = errors.New("message cannot be empty")
	ErrTooLong      = fmt.Errorf("message too long (max %d)", server.MaxContentLength)
)

const (
	eventBuffer = 256

	timerRetry     = "retry"
	timerAdmit     = "admit"
	timerWatchdog  = "watchdog"
	timerMessages  = "messages"
	timerPresence  = "presence"
	timerHeartbeat = "heartbeat"

	reqHealth    = "health"
	reqAdmit     = "admit"
	reqMessages  = "messages"
	reqPresence  = "presence"
	reqHeartbeat = "heartbeat"
)

type Options struct {
	// BaseURL is the server's http(s) root. The websocket endpoint is
	// derived from it.
	BaseURL    string
	RoomCode   string
	Username   string
	Passphrase string
	// SessionToken defaults to a random token.
	SessionToken string

	Transport Transport
	API       API
	Clock     Clock
	Logger    *log.Logger

	// ForceFallback skips the realtime channel entirely.
	ForceFallback bool
	HistoryLimit  int
}

type timerEntry struct {
	timer Timer
	seq   uint64
}

// Manager keeps one participant connected to a room. All state lives on a
// single loop goroutine; network calls run elsewhere and post their results
// back to it.
type Manager struct {
	opts      Options
	base      *url.URL
	wsURL     string
	log       *log.Logger
	clock     Clock
	api       API
	transport Transport

	state   atomic.Int32
	started atomic.Bool

	cmds      chan func()
	events    chan Event
	done      chan struct{}
	leaving   chan struct{}
	leaveOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the loop goroutine.
	gen        uint64
	conn       Conn
	dialCancel context.CancelFunc
	joined     bool
	admitted   bool
	attempts   int
	stopped    bool
	final      []Event
	timerSeq   uint64
	timers     map[string]timerEntry
	inflight   map[string]bool
	seen       map[int64]bool
}

func websocketURL(base *url.URL) string {
	u := base.JoinPath("/ws")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

func New(opts Options) (*Manager, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", base.Scheme)
	}
	if opts.RoomCode == "" {
		return nil, errors.New("room code cannot be empty")
	}
	if !server.ValidUsername(opts.Username) {
		return nil, fmt.Errorf("invalid username %q", opts.Username)
	}

	if opts.SessionToken == "" {
		opts.SessionToken = uuid.NewString()
	}
	if !identity.ValidToken(opts.SessionToken) {
		return nil, fmt.Errorf("session token must be at least %d characters", identity.MinTokenLength)
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.API == nil {
		api, err := NewHTTPAPI(opts.BaseURL, opts.SessionToken, nil)
		if err != nil {
			return nil, err
		}
		opts.API = api
	}
	if opts.Transport == nil {
		opts.Transport = WebsocketTransport{}
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	m := &Manager{
		opts:      opts,
		base:      base,
		wsURL:     websocketURL(base),
		log:       opts.Logger,
		clock:     opts.Clock,
		api:       opts.API,
		transport: opts.Transport,
		cmds:      make(chan func(), 16),
		events:    make(chan Event, eventBuffer),
		done:      make(chan struct{}),
		leaving:   make(chan struct{}),
		timers:    make(map[string]timerEntry),
		inflight:  make(map[string]bool),
		seen:      make(map[int64]bool),
	}
	m.state.Store(int32(Connecting))

	return m, nil
}

// Events is closed after the Terminated event. The closing StateChanged
// and Terminated events are always delivered, even if the channel was full
// when the session ended.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// Done is closed once the manager has stopped. The final events may still
// be waiting on Events.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Start runs the manager until ctx is cancelled or Leave is called.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("client already started")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	go m.run()
	return nil
}

func (m *Manager) run() {
	if m.opts.ForceFallback || ForceFallback(m.base) {
		m.enterFallback()
	} else {
		m.connect()
	}

	for !m.stopped {
		select {
		case <-m.ctx.Done():
			m.terminate(nil)
		case <-m.leaving:
			m.terminate(nil)
		case fn := <-m.cmds:
			fn()
		}
	}

	m.cancel()
	close(m.done)

	for _, ev := range m.final {
		m.events <- ev
	}
	close(m.events)
}

// post hands fn to the loop. It reports false once the loop has exited.
func (m *Manager) post(fn func()) bool {
	select {
	case m.cmds <- fn:
		return true
	case <-m.done:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (m *Manager) call(fn func() error) error {
	if !m.started.Load() {
		return ErrNotStarted
	}

	errc := make(chan error, 1)
	if !m.post(func() { errc <- fn() }) {
		return ErrClosed
	}

	select {
	case err := <-errc:
		return err
	case <-m.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrClosed
		}
	}
}

// emit blocks until the consumer takes ev, giving up once the session is
// ending.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	case <-m.leaving:
	}
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	m.emit(StateChanged{State: s, Attempt: m.attempts})
}

// schedule arms a named timer, replacing any pending timer of that name.
func (m *Manager) schedule(name string, d time.Duration, fn func()) {
	m.stopTimer(name)

	m.timerSeq++
	seq := m.timerSeq
	t := m.clock.AfterFunc(d, func() {
		m.post(func() {
			if e, ok := m.timers[name]; !ok || e.seq != seq {
				return
			}
			delete(m.timers, name)
			fn()
		})
	})
	m.timers[name] = timerEntry{timer: t, seq: seq}
}

func (m *Manager) stopTimer(name string) {
	if e, ok := m.timers[name]; ok {
		e.timer.Stop()
		delete(m.timers, name)
	}
}

// async runs fn off the loop; the closure it returns is applied on the
// loop. At most one request per name is outstanding.
func (m *Manager) async(name string, fn func(ctx context.Context) func()) {
	if m.inflight[name] {
		return
	}
	m.inflight[name] = true

	ctx := m.ctx
	go func() {
		apply := fn(ctx)
		m.post(func() {
			delete(m.inflight, name)
			if !m.stopped {
				apply()
			}
		})
	}()
}

func (m *Manager) closeConn() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.joined = false
}

func (m *Manager) connect() {
	m.stopTimer(timerRetry)
	m.closeConn()
	m.gen++
	gen := m.gen

	dialCtx, cancel := context.WithCancel(m.ctx)
	m.dialCancel = cancel
	m.schedule(timerWatchdog, WatchdogTimeout, func() { m.onWatchdog(gen) })
	m.setState(Connecting)

	go func() {
		conn, err := m.transport.Dial(dialCtx, m.wsURL)
		if !m.post(func() { m.onDialed(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (m *Manager) onDialed(gen uint64, conn Conn, err error) {
	if gen != m.gen || m.State() != Connecting {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.log.Printf("dial: %v", err)
		m.fail()
		return
	}

	m.stopTimer(timerWatchdog)
	m.dialCancel = nil
	m.conn = conn

	join := protocol.JoinRequest{
		RoomCode:   m.opts.RoomCode,
		Username:   m.opts.Username,
		SessionId:  m.opts.SessionToken,
		Passphrase: m.opts.Passphrase,
	}
	if err := conn.WriteFrame(join); err != nil {
		m.log.Printf("send join: %v", err)
		m.fail()
		return
	}

	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			m.post(func() { m.onClosed(gen, err) })
			return
		}
		if !m.post(func() { m.onFrame(gen, f) }) {
			return
		}
	}
}

func (m *Manager) onWatchdog(gen uint64) {
	if gen != m.gen || m.State() != Connecting || m.conn != nil {
		return
	}

	m.log.Println("connect timed out")
	m.fail()
	// Every timeout checks reachability; promotion still waits for
	// FallbackAfter consecutive failures.
	m.checkServer()
}

func (m *Manager) onClosed(gen uint64, err error) {
	if gen != m.gen || !m.State().Realtime() {
		return
	}

	m.log.Printf("connection closed: %v", err)
	m.fail()
}

// fail records a failed realtime attempt and arranges the next one.
func (m *Manager) fail() {
	m.stopTimer(timerWatchdog)
	m.closeConn()
	m.gen++
	m.attempts++

	m.schedule(timerRetry, Backoff(m.attempts), m.connect)
	if m.attempts >= FallbackAfter {
		m.checkServer()
	}
	m.setState(Offline)
}

// checkServer checks whether the server itself is reachable. If it is, the
// realtime channel is what is failing and the session moves to fallback.
func (m *Manager) checkServer() {
	m.async(reqHealth, func(ctx context.Context) func() {
		err := m.api.Health(ctx)
		return func() {
			if !m.State().Realtime() || m.State() == Online {
				return
			}
			if err != nil {
				m.log.Printf("server not reachable: %v", err)
				return
			}
			if m.attempts >= FallbackAfter {
				m.log.Println("server reachable but realtime channel is blocked, switching to fallback")
				m.enterFallback()
			}
		}
	})
}

func (m *Manager) onFrame(gen uint64, f protocol.ServerFrame) {
	if gen != m.gen {
		return
	}

	switch v := f.(type) {
	case protocol.Joined:
		m.attempts = 0
		m.joined = true
		m.setState(Online)
		m.emit(Joined{
			Room:     v.Room,
			Presence: types.Presence{OnlineCount: v.OnlineCount, OnlineUsers: v.OnlineUsers},
		})
		m.pollMessages()
	case protocol.PresenceUpdate:
		m.emit(PresenceChanged{Presence: types.Presence{OnlineCount: v.OnlineCount, OnlineUsers: v.OnlineUsers}})
	case protocol.MessagePosted:
		m.receive(v.Message)
	case protocol.MessageDeleted:
		m.markDeleted(v.Id, v.DeletedAt)
	case protocol.TypingUpdate:
		m.emit(TypingChanged{Username: v.Username, IsTyping: v.IsTyping})
	case protocol.Pinned:
		m.emit(Pinned{MessageId: v.MessageId, Message: v.Message})
	case protocol.RoomMissing:
		m.terminate(protocol.AsError(v))
	case protocol.RateLimited, protocol.ErrorFrame:
		perr := protocol.AsError(v)
		if m.joined {
			m.emit(Notice{Err: perr})
			return
		}
		if perr.Code.Terminal() {
			m.terminate(perr)
			return
		}
		// The join failed for a transient reason; try again later.
		m.emit(Notice{Err: perr})
		m.fail()
	}
}

// receive emits a message the first time its id is seen. A later copy that
// carries a deletion is reported as a deletion.
func (m *Manager) receive(msg types.Message) {
	deleted, seen := m.seen[msg.Id]
	if !seen {
		m.seen[msg.Id] = msg.Deleted()
		m.emit(MessageReceived{Message: msg})
		return
	}

	if msg.Deleted() && !deleted {
		m.markDeleted(msg.Id, *msg.DeletedAt)
	}
}

func (m *Manager) markDeleted(id int64, at time.Time) {
	if m.seen[id] {
		return
	}

	m.seen[id] = true
	m.emit(MessageDeleted{Id: id, DeletedAt: at})
}

func (m *Manager) enterFallback() {
	m.stopTimer(timerRetry)
	m.stopTimer(timerWatchdog)
	m.closeConn()
	m.gen++

	m.setState(Fallback)
	m.attempts = 0
	m.admit()
}

// admit passes the room's join checks over HTTP before any fallback
// polling starts. Rejections end the session; other failures are retried.
func (m *Manager) admit() {
	m.async(reqAdmit, func(ctx context.Context) func() {
		room, err := m.api.Join(ctx, m.opts.RoomCode, m.opts.Username, m.opts.Passphrase)
		return func() {
			if err != nil {
				var perr *protocol.Error
				if errors.As(err, &perr) && perr.Code.Terminal() {
					m.terminate(perr)
					return
				}
				m.attempts++
				m.log.Printf("join: %v", err)
				m.schedule(timerAdmit, Backoff(m.attempts), m.admit)
				return
			}

			m.attempts = 0
			m.admitted = true
			m.emit(Joined{
				Room:     room,
				Presence: types.Presence{OnlineCount: room.OnlineCount, OnlineUsers: room.OnlineUsers},
			})
			m.heartbeat()
			m.pollPresence()
			m.pollMessages()
		}
	})
}

// pollMessages loads recent history. In fallback mode it repeats.
func (m *Manager) pollMessages() {
	m.async(reqMessages, func(ctx context.Context) func() {
		msgs, err := m.api.Messages(ctx, m.opts.RoomCode, m.opts.HistoryLimit)
		return func() {
			if m.State() == Fallback {
				m.schedule(timerMessages, MessagePollInterval, m.pollMessages)
			}
			if m.requestFailed("messages", err) {
				return
			}
			for _, msg := range msgs {
				m.receive(msg)
			}
		}
	})
}

func (m *Manager) pollPresence() {
	m.async(reqPresence, func(ctx context.Context) func() {
		p, err := m.api.Presence(ctx, m.opts.RoomCode)
		return func() {
			if m.State() == Fallback {
				m.schedule(timerPresence, PresencePollInterval, m.pollPresence)
			}
			if m.requestFailed("presence", err) {
				return
			}
			m.emit(PresenceChanged{Presence: p})
		}
	})
}

func (m *Manager) heartbeat() {
	m.async(reqHeartbeat, func(ctx context.Context) func() {
		p, err := m.api.Heartbeat(ctx, m.opts.RoomCode, m.opts.Username)
		return func() {
			if m.State() == Fallback {
				m.schedule(timerHeartbeat, HeartbeatInterval, m.heartbeat)
			}
			if m.requestFailed("heartbeat", err) {
				return
			}
			m.emit(PresenceChanged{Presence: p})
		}
	})
}

// requestFailed logs a failed request and ends the session if the room is
// gone or the server no longer admits it.
func (m *Manager) requestFailed(what string, err error) bool {
	if err == nil {
		return false
	}

	var perr *protocol.Error
	if errors.As(err, &perr) && perr.Code.Terminal() {
		m.terminate(perr)
		return true
	}

	m.log.Printf("%s: %v", what, err)
	return true
}

func (m *Manager) terminate(err error) {
	if m.stopped {
		return
	}
	m.stopped = true

	for name := range m.timers {
		m.stopTimer(name)
	}
	m.closeConn()
	m.gen++

	m.state.Store(int32(Closed))
	m.final = []Event{StateChanged{State: Closed, Attempt: m.attempts}, Terminated{Err: err}}
}

func (m *Manager) write(f protocol.ClientFrame) error {
	if m.conn == nil || !m.joined {
		return ErrNotConnected
	}

	if err := m.conn.WriteFrame(f); err != nil {
		m.log.Printf("write: %v", err)
		m.fail()
		return ErrNotConnected
	}
	return nil
}

// Send posts a message. Online it goes over the socket and comes back as a
// MessageReceived event; in fallback mode it is sent over HTTP and the
// echoed message is emitted.
func (m *Manager) Send(ctx context.Context, content string) error {
	content, ok := server.CheckContent(content)
	if content == "" {
		return ErrEmptyMessage
	}
	if !ok {
		return ErrTooLong
	}

	var viaHTTP bool
	err := m.call(func() error {
		switch m.State() {
		case Online:
			return m.write(protocol.MessageRequest{Content: content})
		case Fallback:
			if !m.admitted {
				return ErrNotConnected
			}
			viaHTTP = true
			return nil
		case Closed:
			return ErrClosed
		}
		return ErrNotConnected
	})
	if err != nil || !viaHTTP {
		return err
	}

	msg, err := m.api.PostMessage(ctx, m.opts.RoomCode, m.opts.Username, content)
	if err != nil {
		return err
	}
	m.post(func() { m.receive(msg) })
	return nil
}

func (m *Manager) Delete(ctx context.Context, id int64) error {
	var viaHTTP bool
	err := m.call(func() error {
		switch m.State() {
		case Online:
			return m.write(protocol.DeleteRequest{Id: id})
		case Fallback:
			if !m.admitted {
				return ErrNotConnected
			}
			viaHTTP = true
			return nil
		case Closed:
			return ErrClosed
		}
		return ErrNotConnected
	})
	if err != nil || !viaHTTP {
		return err
	}

	resp, err := m.api.DeleteMessage(ctx, id)
	if err != nil {
		return err
	}
	m.post(func() { m.markDeleted(resp.Id, resp.DeletedAt) })
	return nil
}

// Typing is a no-op outside the realtime channel.
func (m *Manager) Typing(isTyping bool) error {
	return m.call(func() error {
		switch m.State() {
		case Online:
			return m.write(protocol.TypingRequest{IsTyping: isTyping})
		case Closed:
			return ErrClosed
		}
		return nil
	})
}

// Leave closes the session and waits for the manager to stop. It does not
// depend on Events being drained and is safe to call more than once.
func (m *Manager) Leave() error {
	if !m.started.Load() {
		return ErrNotStarted
	}

	m.leaveOnce.Do(func() { close(m.leaving) })
	<-m.done
	return nil
}
