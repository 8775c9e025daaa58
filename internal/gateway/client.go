package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/session-broker/internal/broker"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendQueueSize  = 256
)

// client is one websocket connection. Reads happen on the read pump
// goroutine; all writes funnel through the send channel so the write pump
// is the connection's only writer.
type client struct {
	gw      *Gateway
	conn    *websocket.Conn
	send    chan serverMessage
	pending *pendingTable

	mu     sync.Mutex
	userID string

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(gw *Gateway, conn *websocket.Conn) *client {
	return &client{
		gw:      gw,
		conn:    conn,
		send:    make(chan serverMessage, sendQueueSize),
		pending: newPendingTable(gw.cfg.RequestTimeout),
		done:    make(chan struct{}),
	}
}

// identity returns the authenticated user id, or "" before authenticate.
func (c *client) identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *client) setIdentity(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// enqueue hands a message to the write pump. A full queue drops the message
// instead of blocking the caller; the client catches up from history.
func (c *client) enqueue(msg serverMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		slog.Warn("Client send queue full, dropping message", "type", msg.Type)
	}
}

// deliver queues a message that must not be dropped. It waits for queue
// space instead of falling through; if the client stops draining, the write
// pump's deadline tears the connection down, which closes done and unblocks
// the wait.
func (c *client) deliver(msg serverMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	}
}

// reply resolves a correlated request. The first resolution wins; anything
// after the timeout already claimed the id is discarded. Once the id is
// claimed the reply is guaranteed onto the queue so the caller never sees
// neither a reply nor a timeout.
func (c *client) reply(requestID string, msg serverMessage) {
	if requestID != "" {
		if !c.pending.finish(requestID) {
			return
		}
		msg.RequestID = requestID
	}
	c.deliver(msg)
}

// track registers a correlated request and arms its timeout reply.
func (c *client) track(requestID string) bool {
	if requestID == "" {
		return true
	}
	return c.pending.begin(requestID, func() {
		err := &broker.RequestTimeoutError{RequestID: requestID}
		c.deliver(serverMessage{
			Type:      msgSessionError,
			RequestID: requestID,
			Error:     err.Error(),
		})
	})
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.pending.close()
		_ = c.conn.Close()
	})
}

// readPump reads client messages until the connection drops, dispatching
// each to the gateway. It owns the read side of the connection.
func (c *client) readPump() {
	defer func() {
		c.gw.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("WebSocket closed unexpectedly", "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.enqueue(serverMessage{Type: msgSessionError, Error: "invalid message format"})
			continue
		}
		c.gw.dispatch(c, msg)
	}
}

// writePump serializes all outbound traffic and keeps the connection alive
// with pings. It owns the write side of the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
