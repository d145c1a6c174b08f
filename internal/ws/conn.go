// Package ws — live connection wrapper around a gorilla WebSocket.
package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps a single client WebSocket. Gorilla connections allow only one
// concurrent writer, so all outbound frames go through a mutex; reads stay
// with the owning goroutine's receive loop and need no locking.
//
// The Conn is owned by the goroutine servicing the connection. The registry
// only ever sees it as a Pusher and never closes it.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

// NewConn wraps an upgraded WebSocket. writeTimeout bounds each outbound
// write so one stuck client cannot wedge a broadcast.
func NewConn(wsc *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{ws: wsc, writeTimeout: writeTimeout}
}

// Push writes one JSON frame. Safe for concurrent use.
func (c *Conn) Push(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(v)
}

// ReadJSON blocks until the next inbound frame and decodes it into v.
func (c *Conn) ReadJSON(v any) error {
	return c.ws.ReadJSON(v)
}

// Drain reads and discards inbound frames until the peer disconnects. Used by
// the global notification channel, whose inbound direction is keep-alive only.
func (c *Conn) Drain() error {
	for {
		if _, _, err := c.ws.NextReader(); err != nil {
			return err
		}
	}
}

// Close closes the underlying transport.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// ClosePolicyViolation sends close code 1008 and closes the transport. Used
// when the handshake credential is missing or invalid, before the connection
// ever touches the registry.
func (c *Conn) ClosePolicyViolation(reason string) {
	c.closeWith(websocket.ClosePolicyViolation, reason)
}

// CloseInternalError sends close code 1011 and closes the transport. Used
// when a server-side failure makes the message stream unreliable and the
// peer must observe the break instead of waiting on a frame that never comes.
func (c *Conn) CloseInternalError(reason string) {
	c.closeWith(websocket.CloseInternalServerErr, reason)
}

func (c *Conn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	c.mu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	c.mu.Unlock()
	_ = c.ws.Close()
}
