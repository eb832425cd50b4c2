package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/shadow-rooms/internal/protocol"
	"github.com/npezzotti/shadow-rooms/internal/testutil"
	"github.com/npezzotti/shadow-rooms/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) dial(t *testing.T, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+"/ws", header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func readUntil[T protocol.ServerFrame](t *testing.T, conn *websocket.Conn) T {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		f, err := protocol.DecodeServerFrame(raw)
		require.NoError(t, err)
		if v, ok := f.(T); ok {
			return v
		}
	}
}

func TestServeWsOrigin(t *testing.T) {
	e := newTestEnv(t)

	tcases := []struct {
		name    string
		origin  string
		wantErr bool
	}{
		{name: "no origin", origin: ""},
		{name: "allowed origin", origin: "http://allowed.example"},
		{name: "foreign origin", origin: "http://evil.example", wantErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := e.dial(t, tc.origin)
			if tc.wantErr {
				require.Error(t, err)
				require.NotNil(t, resp)
				assert.Equal(t, http.StatusForbidden, resp.StatusCode)
				return
			}
			require.NoError(t, err)
		})
	}
}

// A message sent over the REST fallback reaches realtime members.
func TestRestSendRelaysToRealtime(t *testing.T) {
	e := newTestEnv(t)
	room := e.room(t, "Mixed", "")

	conn, _, err := e.dial(t, "")
	require.NoError(t, err)

	b, err := protocol.EncodeClientFrame(protocol.JoinRequest{
		RoomCode:  room.Code,
		Username:  "alice",
		SessionId: testutil.SessionToken("alice"),
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
	readUntil[protocol.Joined](t, conn)

	status, raw := e.do(t, request{
		method:  http.MethodPost,
		path:    "/api/rooms/" + room.Code + "/messages",
		body:    types.PostMessageRequest{Username: "bobby", Content: "from the fallback"},
		session: testutil.SessionToken("bobby"),
	})
	require.Equal(t, http.StatusOK, status, string(raw))

	posted := readUntil[protocol.MessagePosted](t, conn)
	assert.Equal(t, "from the fallback", posted.Content)
	assert.Equal(t, "bobby", posted.Username)

	status, _ = e.do(t, request{
		method:  http.MethodPost,
		path:    "/api/rooms/" + room.Code + "/pin",
		body:    types.PinRequest{MessageId: posted.Id},
		session: testutil.SessionToken("alice"),
	})
	require.Equal(t, http.StatusOK, status)

	pinned := readUntil[protocol.Pinned](t, conn)
	assert.Equal(t, posted.Id, pinned.MessageId)
	require.NotNil(t, pinned.Message)
}
