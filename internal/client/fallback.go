package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/npezzotti/shadow-rooms/internal/protocol"
	"github.com/npezzotti/shadow-rooms/internal/types"
)

const sessionHeader = "X-Session-Id"

// API is the request/response surface used in fallback mode and for
// history reloads.
type API interface {
	Health(ctx context.Context) error
	// Join runs the server's passphrase and capacity checks and admits the
	// session to the other endpoints of a protected room.
	Join(ctx context.Context, code, username, passphrase string) (types.Room, error)
	Messages(ctx context.Context, code string, limit int) ([]types.Message, error)
	Presence(ctx context.Context, code string) (types.Presence, error)
	Heartbeat(ctx context.Context, code, username string) (types.Presence, error)
	PostMessage(ctx context.Context, code, username, content string) (types.Message, error)
	DeleteMessage(ctx context.Context, id int64) (types.DeleteMessageResponse, error)
}

// HTTPAPI talks to the server's REST endpoints on behalf of one session.
type HTTPAPI struct {
	base   *url.URL
	token  string
	client *http.Client
}

func NewHTTPAPI(baseURL, sessionToken string, client *http.Client) (*HTTPAPI, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &HTTPAPI{base: base, token: sessionToken, client: client}, nil
}

type apiError struct {
	Code    protocol.ErrorCode `json:"code"`
	Message string             `json:"message"`
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := a.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set(sessionHeader, a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Code == "" {
			return &protocol.Error{Code: protocol.CodeInternal, Message: resp.Status}
		}
		return &protocol.Error{Code: apiErr.Code, Message: apiErr.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func roomPath(code, rest string) string {
	return "/api/rooms/" + url.PathEscape(code) + rest
}

func (a *HTTPAPI) Health(ctx context.Context) error {
	var resp types.OkResponse
	if err := a.do(ctx, http.MethodGet, "/health", nil, nil, &resp); err != nil {
		return err
	}
	if !resp.Ok {
		return fmt.Errorf("server reported unhealthy")
	}
	return nil
}

func (a *HTTPAPI) Join(ctx context.Context, code, username, passphrase string) (types.Room, error) {
	var resp types.RoomResponse
	err := a.do(ctx, http.MethodPost, roomPath(code, "/join"), nil,
		types.JoinRoomRequest{Username: username, Passphrase: passphrase}, &resp)
	return resp.Room, err
}

func (a *HTTPAPI) Messages(ctx context.Context, code string, limit int) ([]types.Message, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp types.MessagesResponse
	err := a.do(ctx, http.MethodGet, roomPath(code, "/messages"), query, nil, &resp)
	return resp.Messages, err
}

func (a *HTTPAPI) Presence(ctx context.Context, code string) (types.Presence, error) {
	var resp types.Presence
	err := a.do(ctx, http.MethodGet, roomPath(code, "/presence"), nil, nil, &resp)
	return resp, err
}

func (a *HTTPAPI) Heartbeat(ctx context.Context, code, username string) (types.Presence, error) {
	var resp types.HeartbeatResponse
	err := a.do(ctx, http.MethodPost, roomPath(code, "/heartbeat"), nil, types.HeartbeatRequest{Username: username}, &resp)
	return resp.Presence, err
}

func (a *HTTPAPI) PostMessage(ctx context.Context, code, username, content string) (types.Message, error) {
	var resp types.PostMessageResponse
	err := a.do(ctx, http.MethodPost, roomPath(code, "/messages"), nil,
		types.PostMessageRequest{Username: username, Content: content}, &resp)
	return resp.Message, err
}

func (a *HTTPAPI) DeleteMessage(ctx context.Context, id int64) (types.DeleteMessageResponse, error) {
	var resp types.DeleteMessageResponse
	err := a.do(ctx, http.MethodPost, "/api/messages/"+strconv.FormatInt(id, 10)+"/delete", nil, nil, &resp)
	return resp, err
}
