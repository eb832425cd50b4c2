package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/shadow-rooms/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
)

// Conn is an open realtime channel. WriteFrame is only called from one
// goroutine at a time, ReadFrame from another.
type Conn interface {
	WriteFrame(f protocol.ClientFrame) error
	ReadFrame() (protocol.ServerFrame, error)
	Close() error
}

type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketTransport dials gorilla websocket connections.
type WebsocketTransport struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (t WebsocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, url, t.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteFrame(f protocol.ClientFrame) error {
	b, err := protocol.EncodeClientFrame(f)
	if err != nil {
		return err
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// ReadFrame skips frames it cannot decode.
func (c *wsConn) ReadFrame() (protocol.ServerFrame, error) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		f, err := protocol.DecodeServerFrame(raw)
		if err != nil {
			continue
		}
		return f, nil
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
