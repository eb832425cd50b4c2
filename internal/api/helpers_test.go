package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/npezzotti/shadow-rooms/internal/config"
	"github.com/npezzotti/shadow-rooms/internal/database"
	"github.com/npezzotti/shadow-rooms/internal/server"
	"github.com/npezzotti/shadow-rooms/internal/stats"
	"github.com/npezzotti/shadow-rooms/internal/testutil"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

type testEnv struct {
	app *RoomsApp
	cs  *server.ChatServer
	db  *database.SqlRoomRepository
	srv *httptest.Server
}

func newTestEnv(t *testing.T, opts ...config.Option) *testEnv {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rooms.db")
	cfg, err := config.NewConfig(":0", database.DriverSqlite, path, "test-identity-secret",
		base64.StdEncoding.EncodeToString(testSigningKey), []string{"http://allowed.example"}, opts...)
	require.NoError(t, err)

	repo, err := database.NewSqliteRoomRepository(path)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(repo, database.DriverSqlite))

	mux := http.NewServeMux()
	su := stats.NewStatsUpdater(mux)
	su.Run()

	cs, err := server.NewChatServer(testutil.TestLogger(t), repo, su, testutil.TestHasher(t), server.Options{
		Capacity:        cfg.RoomCapacity,
		CodeMinLen:      cfg.CodeMinLen,
		CodeMaxLen:      cfg.CodeMaxLen,
		FilterProfanity: cfg.ProfanityFilter,
		RateMax:         cfg.RateMax,
		RateWindow:      cfg.RateWindow,
	})
	require.NoError(t, err)

	app, err := NewRoomsApp(mux, testutil.TestLogger(t), cs, repo, cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(app.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		cs.Shutdown(ctx)
		srv.Close()
		su.Stop()
		repo.Close()
	})

	return &testEnv{app: app, cs: cs, db: repo, srv: srv}
}

type request struct {
	method  string
	path    string
	body    any
	session string
	bearer  string
}

func (e *testEnv) do(t *testing.T, req request) (int, []byte) {
	t.Helper()

	var body io.Reader
	switch b := req.body.(type) {
	case nil:
	case string:
		body = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		body = bytes.NewBuffer(raw)
	}

	r, err := http.NewRequest(req.method, e.srv.URL+req.path, body)
	require.NoError(t, err)
	r.Header.Set("Content-Type", "application/json")
	if req.session != "" {
		r.Header.Set(SessionHeader, req.session)
	}
	if req.bearer != "" {
		r.Header.Set("Authorization", "Bearer "+req.bearer)
	}

	resp, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func decodeAs[T any](t *testing.T, raw []byte) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func (e *testEnv) room(t *testing.T, name, passphrase string) database.Room {
	t.Helper()

	room, err := e.app.createRoom(name, "", passphrase)
	require.NoError(t, err)
	return room
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
