package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/shadow-rooms/internal/database"
	"github.com/npezzotti/shadow-rooms/internal/protocol"
	"github.com/npezzotti/shadow-rooms/internal/stats"
	"github.com/npezzotti/shadow-rooms/internal/testutil"
	"github.com/stretchr/testify/require"
)

const frameTimeout = 2 * time.Second

type testEnv struct {
	cs  *ChatServer
	db  *database.SqlRoomRepository
	su  *stats.StatsUpdater
	srv *httptest.Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	repo, err := database.NewSqliteRoomRepository(filepath.Join(t.TempDir(), "rooms.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(repo, database.DriverSqlite))

	su := stats.NewStatsUpdater(nil)
	su.Run()

	cs, err := NewChatServer(testutil.TestLogger(t), repo, su, testutil.TestHasher(t), opts)
	require.NoError(t, err)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if err := cs.ServeConn(conn); err != nil {
			conn.Close()
		}
	}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		defer cancel()
		cs.Shutdown(ctx)
		srv.Close()
		su.Stop()
		repo.Close()
	})

	return &testEnv{cs: cs, db: repo, su: su, srv: srv}
}

func (e *testEnv) room(t *testing.T, code, passphraseHash string) database.Room {
	t.Helper()

	room, err := e.db.CreateRoom(database.CreateRoomParams{
		Code:           code,
		Name:           "Room " + code,
		PassphraseHash: passphraseHash,
		CreatedAt:      Now(),
	})
	require.NoError(t, err)
	return room
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *testEnv) dial(t *testing.T) *wsClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &wsClient{t: t, conn: conn}
}

// join dials a new connection and completes the handshake.
func (e *testEnv) join(t *testing.T, code, username string) (*wsClient, protocol.Joined) {
	t.Helper()

	c := e.dial(t)
	c.send(protocol.JoinRequest{RoomCode: code, Username: username, SessionId: testutil.SessionToken(username)})
	return c, waitFor[protocol.Joined](c)
}

func (c *wsClient) send(f protocol.ClientFrame) {
	c.t.Helper()

	b, err := protocol.EncodeClientFrame(f)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, b))
}

func (c *wsClient) sendRaw(raw string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (c *wsClient) next() protocol.ServerFrame {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(frameTimeout))
	_, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err)

	f, err := protocol.DecodeServerFrame(raw)
	require.NoError(c.t, err)
	return f
}

// waitFor skips frames until one of type T arrives.
func waitFor[T protocol.ServerFrame](c *wsClient) T {
	c.t.Helper()

	deadline := time.Now().Add(frameTimeout)
	for time.Now().Before(deadline) {
		if f, ok := c.next().(T); ok {
			return f
		}
	}

	var zero T
	c.t.Fatalf("timed out waiting for %T", zero)
	return zero
}

// expectSilence fails if any frame of type T arrives within d. The
// connection cannot be read after this returns.
func expectSilence[T protocol.ServerFrame](c *wsClient, d time.Duration) {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(d))
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.DecodeServerFrame(raw)
		require.NoError(c.t, err)
		if _, ok := f.(T); ok {
			c.t.Fatalf("unexpected %s frame: %s", f.Type(), raw)
		}
	}
}

// expectClosed fails unless the server closes the connection.
func (c *wsClient) expectClosed() {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(frameTimeout))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}

		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.t.Fatalf("connection was not closed: %v", err)
		}
		return
	}
}
