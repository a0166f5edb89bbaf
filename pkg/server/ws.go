package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 54 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB; bulk submissions can be large
	sendBuffer     = 256
)

// wsConn wraps one WebSocket connection with a buffered outbound channel.
// It implements registry.Sender: Send never blocks, a full buffer reports
// false and the message is dropped for this connection only.
type wsConn struct {
	id   string
	sock *websocket.Conn
	send chan []byte
	log  *slog.Logger

	closeOnce sync.Once
}

func newWSConn(id string, sock *websocket.Conn, log *slog.Logger) *wsConn {
	return &wsConn{
		id:   id,
		sock: sock,
		send: make(chan []byte, sendBuffer),
		log:  log,
	}
}

// Send queues a message for delivery. Reports false when the outbound
// buffer is full or the connection is closing.
func (c *wsConn) Send(payload []byte) bool {
	defer func() {
		// A racing close may have closed the send channel.
		_ = recover()
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.sock.Close()
	})
}

// readPump delivers inbound messages to handle until the connection drops.
func (c *wsConn) readPump(handle func(data []byte)) {
	defer c.close()
	c.sock.SetReadLimit(maxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongTimeout))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, message, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", "conn", c.id, "err", err)
			}
			return
		}
		handle(message)
	}
}

// writePump drains the outbound channel and keeps the connection alive
// with pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("websocket write failed", "conn", c.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
