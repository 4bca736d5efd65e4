package collab

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HandshakeParams travel with the transport handshake, separately from the join message.
type HandshakeParams struct {
	UserID      string
	WorkspaceID string
	DocumentID  string
}

// Conn is a connected message channel. WriteMessage must be safe for concurrent use.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Transport interface {
	Dial(ctx context.Context, params HandshakeParams) (Conn, error)
}

// TransportError reports a handshake or socket failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("collab transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// WebSocketTransport dials the relay server's /ws endpoint.
type WebSocketTransport struct {
	URL       string
	Token     string
	Dialer    *websocket.Dialer
	Header    http.Header
	WriteWait time.Duration
}

func NewWebSocketTransport(serverURL, token string) *WebSocketTransport {
	return &WebSocketTransport{
		URL:       serverURL,
		Token:     token,
		Dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		WriteWait: 10 * time.Second,
	}
}

func (t *WebSocketTransport) Dial(ctx context.Context, params HandshakeParams) (Conn, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	if t.Token != "" {
		q.Set("token", t.Token)
	}
	q.Set("userId", params.UserID)
	q.Set("workspaceId", params.WorkspaceID)
	q.Set("documentId", params.DocumentID)
	u.RawQuery = q.Encode()

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return &wsConn{ws: ws, writeWait: t.WriteWait}, nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeWait > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}
