package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/shadow-rooms/internal/protocol"
	"github.com/npezzotti/shadow-rooms/internal/types"
	"github.com/stretchr/testify/require"
)

const eventTimeout = 3 * time.Second

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()

	was := !t.stopped
	t.stopped = true
	return was
}

// Advance moves the clock forward and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)

	var due, pending []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.stopped = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

type fakeConn struct {
	in     chan protocol.ServerFrame
	out    chan protocol.ClientFrame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan protocol.ServerFrame, 16),
		out:    make(chan protocol.ClientFrame, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) WriteFrame(f protocol.ClientFrame) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}

	select {
	case c.out <- f:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *fakeConn) ReadFrame() (protocol.ServerFrame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written(t *testing.T) protocol.ClientFrame {
	t.Helper()

	select {
	case f := <-c.out:
		return f
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for a client frame")
		return nil
	}
}

// fakeTransport hands out a new fakeConn per dial, or fails or hangs
// depending on mode.
type fakeTransport struct {
	mode   string
	dialed chan *fakeConn
	mu     sync.Mutex
	dials  int
}

func newFakeTransport(mode string) *fakeTransport {
	return &fakeTransport{mode: mode, dialed: make(chan *fakeConn, 16)}
}

func (tr *fakeTransport) Dial(ctx context.Context, _ string) (Conn, error) {
	tr.mu.Lock()
	tr.dials++
	tr.mu.Unlock()

	switch tr.mode {
	case "fail":
		return nil, errors.New("connection refused")
	case "hang":
		<-ctx.Done()
		return nil, ctx.Err()
	}

	c := newFakeConn()
	tr.dialed <- c
	return c, nil
}

func (tr *fakeTransport) Dials() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.dials
}

func (tr *fakeTransport) next(t *testing.T) *fakeConn {
	t.Helper()

	select {
	case c := <-tr.dialed:
		return c
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

// stubAPI serves canned responses. messages is consulted on every poll.
type stubAPI struct {
	mu        sync.Mutex
	healthErr error
	joinErr   error
	messages  func(call int) []types.Message
	calls     map[string]int
	posted    []string
}

func newStubAPI() *stubAPI {
	return &stubAPI{calls: make(map[string]int)}
}

func (s *stubAPI) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
	return s.calls[name]
}

func (s *stubAPI) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *stubAPI) Health(context.Context) error {
	s.count("health")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthErr
}

func (s *stubAPI) Join(_ context.Context, code, username, _ string) (types.Room, error) {
	s.count("join")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joinErr != nil {
		return types.Room{}, s.joinErr
	}
	return types.Room{Code: code, Name: "Lounge", OnlineCount: 1, OnlineUsers: []string{username}}, nil
}

func (s *stubAPI) Messages(_ context.Context, _ string, _ int) ([]types.Message, error) {
	n := s.count("messages")
	if s.messages == nil {
		return nil, nil
	}
	return s.messages(n), nil
}

func (s *stubAPI) Presence(context.Context, string) (types.Presence, error) {
	s.count("presence")
	return types.Presence{OnlineCount: 1, OnlineUsers: []string{"alice"}}, nil
}

func (s *stubAPI) Heartbeat(context.Context, string, string) (types.Presence, error) {
	s.count("heartbeat")
	return types.Presence{OnlineCount: 1, OnlineUsers: []string{"alice"}}, nil
}

func (s *stubAPI) PostMessage(_ context.Context, _, username, content string) (types.Message, error) {
	n := s.count("post")
	s.mu.Lock()
	s.posted = append(s.posted, content)
	s.mu.Unlock()
	return types.Message{Id: int64(1000 + n), Username: username, Content: content}, nil
}

func (s *stubAPI) DeleteMessage(_ context.Context, id int64) (types.DeleteMessageResponse, error) {
	s.count("delete")
	return types.DeleteMessageResponse{Ok: true, Id: id, DeletedAt: time.Unix(1_700_000_100, 0).UTC()}, nil
}

// waitEvent skips events until one of type T arrives.
func waitEvent[T Event](t *testing.T, m *Manager) T {
	t.Helper()

	timeout := time.After(eventTimeout)
	for {
		select {
		case ev, ok := <-m.Events():
			require.True(t, ok, "events closed while waiting")
			if v, ok := ev.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// waitState skips events until the manager reports state s.
func waitState(t *testing.T, m *Manager, s State) StateChanged {
	t.Helper()

	timeout := time.After(eventTimeout)
	for {
		select {
		case ev, ok := <-m.Events():
			require.True(t, ok, "events closed while waiting for %s", s)
			if sc, ok := ev.(StateChanged); ok && sc.State == s {
				return sc
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", s)
			return StateChanged{}
		}
	}
}

func startManager(t *testing.T, opts Options) *Manager {
	t.Helper()

	if opts.BaseURL == "" {
		opts.BaseURL = "http://rooms.test"
	}
	if opts.RoomCode == "" {
		opts.RoomCode = "abcdef"
	}
	if opts.Username == "" {
		opts.Username = "alice"
	}

	m, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		m.Leave()
		<-m.Done()
	})
	return m
}
