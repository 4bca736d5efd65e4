package websocket

import (
	"errors"
	"sync"
	"time"

	"mneumonicore/internal/config"
	"mneumonicore/internal/models"
	"mneumonicore/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("connection send buffer full")
)

// Peer is anything a Hub can deliver frames to.
type Peer interface {
	ID() string
	Send(payload []byte) error
}

// HandshakeMeta is the connection-scoped metadata carried on the upgrade request.
type HandshakeMeta struct {
	WorkspaceID string
	DocumentID  string
}

// Connection is one physical websocket. It may be a member of several rooms.
type Connection struct {
	id       string
	identity models.Identity
	meta     HandshakeMeta
	cfg      config.WebSocketConfig

	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

func NewConnection(conn *websocket.Conn, identity models.Identity, meta HandshakeMeta, cfg config.WebSocketConfig) *Connection {
	return &Connection{
		id:       uuid.NewString(),
		identity: identity,
		meta:     meta,
		cfg:      cfg,
		conn:     conn,
		send:     make(chan []byte, cfg.SendBuffer),
		closed:   make(chan struct{}),
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Identity() models.Identity { return c.identity }

func (c *Connection) Meta() HandshakeMeta { return c.meta }

// Send enqueues payload without blocking. A full buffer closes the connection
// in the background, which in turn runs the disconnect path for every room it
// belonged to. Close may wait on a stuck writer, so Send never runs it inline.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		logger.Warn("Closing slow connection %s (user %s)", c.id, c.identity.UserID)
		go c.Close()
		return ErrSendBufferFull
	}
}

// Close is safe to call more than once and from any goroutine.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteWait))
		_ = c.conn.Close()
	})
}

// ReadPump delivers every inbound text frame to onFrame until the socket fails.
// It blocks; onClose runs exactly once when it returns.
func (c *Connection) ReadPump(onFrame func([]byte), onClose func()) {
	defer func() {
		onClose()
		c.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageBytes)
	// Set read deadline and pong handler for connection health
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error on %s: %v", c.id, err)
			}
			return
		}
		onFrame(message)
	}
}

func (c *Connection) WritePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return

		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("Write error on %s: %v", c.id, err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
