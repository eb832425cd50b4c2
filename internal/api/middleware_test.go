package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/npezzotti/shadow-rooms/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHandler(t *testing.T) {
	s := &RoomsApp{log: testutil.TestLogger(t)}

	h := s.errorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("something went wrong")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "close", w.Header().Get("Connection"))

	var apiErr ApiError
	require.NoError(t, json.NewDecoder(w.Body).Decode(&apiErr))
	assert.Equal(t, "internal server error", apiErr.Message)
}

func TestSessionMiddleware(t *testing.T) {
	e := newTestEnv(t)

	tcases := []struct {
		name   string
		token  string
		status int
	}{
		{name: "missing", status: http.StatusBadRequest},
		{name: "too short", token: "123456789", status: http.StatusBadRequest},
		{name: "accepted", token: "1234567890", status: http.StatusOK},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			h := e.app.sessionMiddleware(func(w http.ResponseWriter, r *http.Request) {
				got, _ = Identity(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			r := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.token != "" {
				r.Header.Set(SessionHeader, tc.token)
			}
			w := httptest.NewRecorder()
			h(w, r)

			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, e.cs.IdentityFor(tc.token), got)
				assert.NotEqual(t, tc.token, got)
				assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")
			}
		})
	}
}

func TestCorsPreflight(t *testing.T) {
	e := newTestEnv(t)

	r, err := http.NewRequest(http.MethodOptions, e.srv.URL+"/api/report", nil)
	require.NoError(t, err)
	r.Header.Set("Origin", "http://allowed.example")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	r.Header.Set("Access-Control-Request-Headers", SessionHeader)

	resp, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://allowed.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatsMounted(t *testing.T) {
	e := newTestEnv(t)

	status, raw := e.do(t, request{method: http.MethodGet, path: "/debug/vars"})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), "Connections")
}
