// ABOUTME: One live WebSocket connection with serialized, deadline-bounded writes
// ABOUTME: Implements bridge.Conn; its context ends when the socket closes

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/netra-gateway/internal/auth"
	"github.com/2389/netra-gateway/internal/bridge"
	"github.com/2389/netra-gateway/internal/tracectx"
)

// Close codes sent to clients.
const (
	CloseSuperseded = 4001
	CloseGoingAway  = websocket.CloseGoingAway
)

// Conn wraps a gorilla WebSocket. Gorilla allows one concurrent writer, so
// every write goes through writeMu.
type Conn struct {
	id     string
	userID string
	ws     *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// newConn derives the connection's context from session, which carries the
// handshake's identity and trace.
func newConn(session context.Context, id, userID string, ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	ctx, cancel := context.WithCancel(session)
	return &Conn{
		id:           id,
		userID:       userID,
		ws:           ws,
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// UserID returns the authenticated user.
func (c *Conn) UserID() string { return c.userID }

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// Auth returns the identity the handshake authenticated.
func (c *Conn) Auth() *auth.AuthContext { return auth.FromContext(c.ctx) }

// Trace returns the handshake's trace context, or nil.
func (c *Conn) Trace() *tracectx.TraceContext { return tracectx.FromContext(c.ctx) }

// Send writes one text frame. The write deadline is the earlier of the
// configured write timeout and ctx's deadline.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if c.ctx.Err() != nil {
		return bridge.ErrConnClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return c.writeFailed(err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return c.writeFailed(err)
	}
	return nil
}

// writeFailed maps a write error. Gorilla connections are unusable after a
// failed write except on timeout, so anything else closes the connection.
func (c *Conn) writeFailed(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return err
	}
	c.shutdown()
	return bridge.ErrConnClosed
}

// CloseWith sends a close frame with code and reason, then closes the socket.
func (c *Conn) CloseWith(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.cancel()
		_ = c.ws.Close()
	})
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()
	})
}
