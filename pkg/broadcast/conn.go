package broadcast

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Conn is one bidirectional client connection.
type Conn interface {
	Read(ctx context.Context) (Message, error)
	Write(ctx context.Context, e Envelope) error
	// Ping blocks until the peer answers or ctx ends.
	Ping(ctx context.Context) error
	// Close performs an orderly close and may wait for the peer.
	Close(reason string) error
	// Abort drops the connection immediately.
	Abort() error
}

// WSConn is a Conn over a websocket connection.
type WSConn struct {
	conn *websocket.Conn
}

// NewWSConn wraps an accepted websocket connection.
func NewWSConn(c *websocket.Conn) *WSConn {
	return &WSConn{conn: c}
}

// Read reads one JSON frame.
func (c *WSConn) Read(ctx context.Context) (Message, error) {
	var m Message
	err := wsjson.Read(ctx, c.conn, &m)
	return m, err
}

// Write writes one JSON frame.
func (c *WSConn) Write(ctx context.Context, e Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, e)
}

// Ping sends a websocket ping and waits for the pong. A concurrent Read must
// be in progress for the pong to be seen.
func (c *WSConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close closes the connection with a going-away status.
func (c *WSConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusGoingAway, reason)
}

// Abort closes the underlying connection without the close handshake.
func (c *WSConn) Abort() error {
	return c.conn.CloseNow()
}
