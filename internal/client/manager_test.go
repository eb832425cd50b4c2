package client

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/shadow-rooms/internal/protocol"
	"github.com/npezzotti/shadow-rooms/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextState(t *testing.T, m *Manager) StateChanged {
	t.Helper()

	timeout := time.After(eventTimeout)
	for {
		select {
		case ev, ok := <-m.Events():
			require.True(t, ok, "events closed")
			if sc, ok := ev.(StateChanged); ok {
				return sc
			}
		case <-timeout:
			t.Fatal("timed out waiting for a state change")
			return StateChanged{}
		}
	}
}

// nextMessageEvent returns the next MessageReceived or MessageDeleted.
func nextMessageEvent(t *testing.T, m *Manager) Event {
	t.Helper()

	timeout := time.After(eventTimeout)
	for {
		select {
		case ev, ok := <-m.Events():
			require.True(t, ok, "events closed")
			switch ev.(type) {
			case MessageReceived, MessageDeleted:
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for a message event")
			return nil
		}
	}
}

func waitClosed(t *testing.T, m *Manager) {
	t.Helper()

	select {
	case <-m.Done():
	case <-time.After(eventTimeout):
		t.Fatal("manager did not stop")
	}
	for range m.Events() {
	}
}

func TestNew(t *testing.T) {
	tcases := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{
			name: "valid",
			opts: Options{BaseURL: "http://localhost:3000", RoomCode: "abcdef", Username: "alice"},
		},
		{
			name:    "bad scheme",
			opts:    Options{BaseURL: "ftp://localhost", RoomCode: "abcdef", Username: "alice"},
			wantErr: true,
		},
		{
			name:    "missing room",
			opts:    Options{BaseURL: "http://localhost:3000", Username: "alice"},
			wantErr: true,
		},
		{
			name:    "bad username",
			opts:    Options{BaseURL: "http://localhost:3000", RoomCode: "abcdef", Username: "a b"},
			wantErr: true,
		},
		{
			name:    "short token",
			opts:    Options{BaseURL: "http://localhost:3000", RoomCode: "abcdef", Username: "alice", SessionToken: "short"},
			wantErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := New(tc.opts)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, Connecting, m.State())
			assert.Equal(t, "ws://localhost:3000/ws", m.wsURL)
			assert.GreaterOrEqual(t, len(m.opts.SessionToken), 10)
		})
	}
}

func TestManagerNotStarted(t *testing.T) {
	m, err := New(Options{BaseURL: "http://localhost:3000", RoomCode: "abcdef", Username: "alice"})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Send(context.Background(), "hi"), ErrNotStarted)
	assert.ErrorIs(t, m.Typing(true), ErrNotStarted)
}

func TestManagerOnline(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport("ok")
	api := newStubAPI()
	api.messages = func(int) []types.Message {
		return []types.Message{{Id: 1, Username: "bobby", Content: "earlier"}}
	}

	m := startManager(t, Options{Transport: tr, API: api, Clock: clock, SessionToken: "token-0123456789", Passphrase: "secret"})
	ctx := context.Background()

	assert.Equal(t, 0, waitState(t, m, Connecting).Attempt)
	assert.ErrorIs(t, m.Send(ctx, "too early"), ErrNotConnected)

	conn := tr.next(t)
	join, ok := conn.written(t).(protocol.JoinRequest)
	require.True(t, ok)
	assert.Equal(t, protocol.JoinRequest{RoomCode: "abcdef", Username: "alice", SessionId: "token-0123456789", Passphrase: "secret"}, join)

	conn.in <- protocol.Joined{
		Room:        types.Room{Code: "abcdef", Name: "Lounge"},
		OnlineCount: 2,
		OnlineUsers: []string{"alice", "bobby"},
	}
	waitState(t, m, Online)
	joined := waitEvent[Joined](t, m)
	assert.Equal(t, "Lounge", joined.Room.Name)
	assert.Equal(t, 2, joined.Presence.OnlineCount)

	history := waitEvent[MessageReceived](t, m)
	assert.Equal(t, int64(1), history.Message.Id)

	conn.in <- protocol.MessagePosted{Message: types.Message{Id: 1, Username: "bobby", Content: "earlier"}}
	conn.in <- protocol.MessagePosted{Message: types.Message{Id: 2, Username: "bobby", Content: "new"}}
	ev := nextMessageEvent(t, m)
	require.IsType(t, MessageReceived{}, ev)
	assert.Equal(t, int64(2), ev.(MessageReceived).Message.Id)

	conn.in <- protocol.TypingUpdate{Username: "bobby", IsTyping: true}
	typing := waitEvent[TypingChanged](t, m)
	assert.Equal(t, TypingChanged{Username: "bobby", IsTyping: true}, typing)

	conn.in <- protocol.PresenceUpdate{OnlineCount: 1, OnlineUsers: []string{"alice"}}
	assert.Equal(t, 1, waitEvent[PresenceChanged](t, m).Presence.OnlineCount)

	conn.in <- protocol.RateLimited{Message: "slow down"}
	assert.Equal(t, protocol.CodeRateLimited, waitEvent[Notice](t, m).Err.Code)

	conn.in <- protocol.ErrorFrame{Code: protocol.CodeForbidden, Message: "not yours"}
	assert.Equal(t, protocol.CodeForbidden, waitEvent[Notice](t, m).Err.Code)

	conn.in <- protocol.Pinned{MessageId: 2}
	assert.Equal(t, int64(2), waitEvent[Pinned](t, m).MessageId)

	conn.in <- protocol.MessageDeleted{Id: 2, DeletedAt: time.Unix(1_700_000_050, 0).UTC()}
	deleted := waitEvent[MessageDeleted](t, m)
	assert.Equal(t, int64(2), deleted.Id)

	require.NoError(t, m.Send(ctx, "  hi there \r\n"))
	assert.Equal(t, protocol.MessageRequest{Content: "hi there"}, conn.written(t))

	require.NoError(t, m.Typing(true))
	assert.Equal(t, protocol.TypingRequest{IsTyping: true}, conn.written(t))

	require.NoError(t, m.Delete(ctx, 7))
	assert.Equal(t, protocol.DeleteRequest{Id: 7}, conn.written(t))

	assert.ErrorIs(t, m.Send(ctx, "   "), ErrEmptyMessage)
	assert.ErrorIs(t, m.Send(ctx, strings.Repeat("x", 501)), ErrTooLong)
	assert.Equal(t, Online, m.State())

	require.NoError(t, m.Leave())
	terminated := waitEvent[Terminated](t, m)
	assert.NoError(t, terminated.Err)
	waitClosed(t, m)

	assert.Equal(t, Closed, m.State())
	assert.ErrorIs(t, m.Send(ctx, "late"), ErrClosed)
	assert.NoError(t, m.Leave())

	select {
	case <-conn.closed:
	default:
		t.Fatal("connection left open")
	}
}

func TestManagerReconnects(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport("ok")
	m := startManager(t, Options{Transport: tr, API: newStubAPI(), Clock: clock})

	waitState(t, m, Connecting)
	first := tr.next(t)
	first.written(t)
	first.in <- protocol.Joined{Room: types.Room{Code: "abcdef"}}
	waitState(t, m, Online)

	first.Close()
	offline := nextState(t, m)
	assert.Equal(t, StateChanged{State: Offline, Attempt: 1}, offline)

	clock.Advance(Backoff(1))
	assert.Equal(t, Connecting, nextState(t, m).State)

	second := tr.next(t)
	_, ok := second.written(t).(protocol.JoinRequest)
	require.True(t, ok)
	second.in <- protocol.Joined{Room: types.Room{Code: "abcdef"}}

	online := waitState(t, m, Online)
	assert.Equal(t, 0, online.Attempt)
	assert.Equal(t, 2, tr.Dials())
}

func TestManagerFallbackAfterRepeatedFailures(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport("fail")
	api := newStubAPI()
	m := startManager(t, Options{Transport: tr, API: api, Clock: clock})
	ctx := context.Background()

	assert.Equal(t, Connecting, nextState(t, m).State)
	assert.Equal(t, StateChanged{State: Offline, Attempt: 1}, nextState(t, m))
	assert.Zero(t, api.Calls("health"))

	clock.Advance(Backoff(1))
	assert.Equal(t, StateChanged{State: Connecting, Attempt: 1}, nextState(t, m))
	assert.Equal(t, StateChanged{State: Offline, Attempt: 2}, nextState(t, m))
	assert.Equal(t, Fallback, nextState(t, m).State)

	waitEvent[PresenceChanged](t, m)
	assert.Eventually(t, func() bool { return api.Calls("heartbeat") == 1 }, eventTimeout, 10*time.Millisecond)

	require.NoError(t, m.Send(ctx, "hello"))
	echoed := nextMessageEvent(t, m)
	require.IsType(t, MessageReceived{}, echoed)
	assert.Equal(t, "hello", echoed.(MessageReceived).Message.Content)

	id := echoed.(MessageReceived).Message.Id
	require.NoError(t, m.Delete(ctx, id))
	deleted := nextMessageEvent(t, m)
	require.IsType(t, MessageDeleted{}, deleted)
	assert.Equal(t, id, deleted.(MessageDeleted).Id)

	assert.NoError(t, m.Typing(true))

	clock.Advance(time.Minute)
	assert.Equal(t, 2, tr.Dials(), "fallback never returns to realtime")
	assert.Equal(t, Fallback, m.State())
}

func TestManagerWatchdog(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport("hang")
	api := newStubAPI()
	m := startManager(t, Options{Transport: tr, API: api, Clock: clock})

	assert.Equal(t, Connecting, nextState(t, m).State)
	clock.Advance(WatchdogTimeout)
	assert.Equal(t, StateChanged{State: Offline, Attempt: 1}, nextState(t, m))
	assert.Eventually(t, func() bool { return api.Calls("health") == 1 }, eventTimeout, 10*time.Millisecond,
		"a single timeout checks the server")
	assert.Equal(t, Offline, m.State(), "one timeout is not enough to give up on realtime")

	clock.Advance(Backoff(1))
	assert.Equal(t, Connecting, nextState(t, m).State)
	clock.Advance(WatchdogTimeout)
	assert.Equal(t, StateChanged{State: Offline, Attempt: 2}, nextState(t, m))
	assert.Equal(t, Fallback, nextState(t, m).State)
	assert.Equal(t, 2, api.Calls("health"))
}

func TestManagerServerUnreachable(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport("fail")
	api := newStubAPI()
	api.healthErr = context.DeadlineExceeded
	m := startManager(t, Options{Transport: tr, API: api, Clock: clock})

	waitState(t, m, Offline)
	clock.Advance(Backoff(1))
	assert.Equal(t, StateChanged{State: Offline, Attempt: 2}, waitState(t, m, Offline))
	assert.Eventually(t, func() bool { return api.Calls("health") == 1 }, eventTimeout, 10*time.Millisecond)

	clock.Advance(Backoff(2))
	assert.Equal(t, StateChanged{State: Connecting, Attempt: 2}, nextState(t, m))
	assert.Equal(t, StateChanged{State: Offline, Attempt: 3}, nextState(t, m))
}

func TestManagerJoinRejected(t *testing.T) {
	tcases := []struct {
		name  string
		frame protocol.ServerFrame
		code  protocol.ErrorCode
	}{
		{name: "room missing", frame: protocol.RoomMissing{}, code: protocol.CodeRoomMissing},
		{name: "bad passphrase", frame: protocol.ErrorFrame{Code: protocol.CodeForbidden}, code: protocol.CodeForbidden},
		{name: "room full", frame: protocol.ErrorFrame{Code: protocol.CodeRoomFull}, code: protocol.CodeRoomFull},
		{name: "invalid input", frame: protocol.ErrorFrame{Code: protocol.CodeInvalidInput}, code: protocol.CodeInvalidInput},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newFakeTransport("ok")
			m := startManager(t, Options{Transport: tr, API: newStubAPI(), Clock: newFakeClock()})

			conn := tr.next(t)
			conn.written(t)
			conn.in <- tc.frame

			terminated := waitEvent[Terminated](t, m)
			var perr *protocol.Error
			require.ErrorAs(t, terminated.Err, &perr)
			assert.Equal(t, tc.code, perr.Code)

			waitClosed(t, m)
			assert.Equal(t, Closed, m.State())
			assert.Equal(t, 1, tr.Dials())
		})
	}
}

func TestManagerJoinTransientError(t *testing.T) {
	tr := newFakeTransport("ok")
	m := startManager(t, Options{Transport: tr, API: newStubAPI(), Clock: newFakeClock()})

	conn := tr.next(t)
	conn.written(t)
	conn.in <- protocol.ErrorFrame{Code: protocol.CodeInternal, Message: "internal error"}

	assert.Equal(t, protocol.CodeInternal, waitEvent[Notice](t, m).Err.Code)
	assert.Equal(t, StateChanged{State: Offline, Attempt: 1}, nextState(t, m))
}

func TestManagerForcedFallback(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport("ok")
	api := newStubAPI()

	deletedAt := time.Unix(1_700_000_010, 0).UTC()
	m1 := types.Message{Id: 1, Username: "bobby", Content: "one"}
	m2 := types.Message{Id: 2, Username: "bobby", Content: "two"}
	m3 := types.Message{Id: 3, Username: "carol", Content: "three"}
	m1Deleted := m1
	m1Deleted.Content = "[deleted]"
	m1Deleted.DeletedAt = &deletedAt

	api.messages = func(call int) []types.Message {
		switch call {
		case 1:
			return []types.Message{m1, m2}
		case 2:
			return []types.Message{m1, m2, m3}
		}
		return []types.Message{m1Deleted, m2, m3}
	}

	m := startManager(t, Options{BaseURL: "http://abcdefghijklmnop.onion", Transport: tr, API: api, Clock: clock})

	assert.Equal(t, Fallback, nextState(t, m).State)

	for _, want := range []int64{1, 2} {
		ev := nextMessageEvent(t, m)
		require.IsType(t, MessageReceived{}, ev)
		assert.Equal(t, want, ev.(MessageReceived).Message.Id)
	}

	clock.Advance(MessagePollInterval)
	ev := nextMessageEvent(t, m)
	require.IsType(t, MessageReceived{}, ev)
	assert.Equal(t, int64(3), ev.(MessageReceived).Message.Id)

	clock.Advance(MessagePollInterval)
	ev = nextMessageEvent(t, m)
	require.IsType(t, MessageDeleted{}, ev)
	assert.Equal(t, MessageDeleted{Id: 1, DeletedAt: deletedAt}, ev)

	assert.Zero(t, tr.Dials())
}

func TestManagerCancelContext(t *testing.T) {
	m, err := New(Options{BaseURL: "http://rooms.test", RoomCode: "abcdef", Username: "alice", Transport: newFakeTransport("hang"), API: newStubAPI(), Clock: newFakeClock()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Start(ctx))

	waitState(t, m, Connecting)
	cancel()

	waitClosed(t, m)
	assert.Equal(t, Closed, m.State())
}

func TestManagerFallbackJoinRejected(t *testing.T) {
	tcases := []struct {
		name string
		code protocol.ErrorCode
	}{
		{name: "bad passphrase", code: protocol.CodeForbidden},
		{name: "room full", code: protocol.CodeRoomFull},
		{name: "room missing", code: protocol.CodeRoomMissing},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			api := newStubAPI()
			api.joinErr = protocol.Errorf(tc.code, "rejected")
			m := startManager(t, Options{Transport: newFakeTransport("ok"), API: api, Clock: newFakeClock(), ForceFallback: true})

			terminated := waitEvent[Terminated](t, m)
			var perr *protocol.Error
			require.ErrorAs(t, terminated.Err, &perr)
			assert.Equal(t, tc.code, perr.Code)
			waitClosed(t, m)

			assert.Equal(t, 1, api.Calls("join"))
			for _, name := range []string{"heartbeat", "presence", "messages", "post"} {
				assert.Zero(t, api.Calls(name), name)
			}
			assert.ErrorIs(t, m.Send(context.Background(), "let me in"), ErrClosed)
		})
	}
}

func TestManagerFallbackJoinRetries(t *testing.T) {
	clock := newFakeClock()
	api := newStubAPI()
	api.joinErr = context.DeadlineExceeded
	m := startManager(t, Options{Transport: newFakeTransport("ok"), API: api, Clock: clock, ForceFallback: true})

	assert.Equal(t, Fallback, nextState(t, m).State)
	assert.Eventually(t, func() bool { return api.Calls("join") == 1 }, eventTimeout, 10*time.Millisecond)
	assert.ErrorIs(t, m.Send(context.Background(), "too early"), ErrNotConnected)
	assert.Zero(t, api.Calls("heartbeat"))

	api.mu.Lock()
	api.joinErr = nil
	api.mu.Unlock()
	assert.Eventually(t, func() bool {
		clock.Advance(Backoff(1))
		return api.Calls("join") == 2
	}, eventTimeout, 10*time.Millisecond)

	joined := waitEvent[Joined](t, m)
	assert.Equal(t, "Lounge", joined.Room.Name)
	assert.Equal(t, []string{"alice"}, joined.Presence.OnlineUsers)
	assert.Eventually(t, func() bool { return api.Calls("heartbeat") == 1 }, eventTimeout, 10*time.Millisecond)
	require.NoError(t, m.Send(context.Background(), "now"))
}

func TestManagerLeaveWithFullEvents(t *testing.T) {
	api := newStubAPI()
	api.messages = func(int) []types.Message {
		msgs := make([]types.Message, 2*eventBuffer)
		for i := range msgs {
			msgs[i] = types.Message{Id: int64(i + 1), Username: "bobby", Content: "flood"}
		}
		return msgs
	}
	m := startManager(t, Options{Transport: newFakeTransport("ok"), API: api, Clock: newFakeClock(), ForceFallback: true})

	assert.Eventually(t, func() bool { return len(m.Events()) == eventBuffer }, eventTimeout, 10*time.Millisecond)

	left := make(chan error, 1)
	go func() { left <- m.Leave() }()
	select {
	case err := <-left:
		require.NoError(t, err)
	case <-time.After(eventTimeout):
		t.Fatal("Leave blocked on a full event channel")
	}
	assert.Equal(t, Closed, m.State())

	var last []Event
	for ev := range m.Events() {
		last = append(last, ev)
		if len(last) > 2 {
			last = last[1:]
		}
	}
	require.Len(t, last, 2)
	assert.Equal(t, StateChanged{State: Closed}, last[0])
	assert.Equal(t, Terminated{}, last[1])
}
