// Package gateway implements the websocket protocol surface of the broker:
// request/reply correlation, lifecycle event broadcast, per-action ownership
// checks, and the write-failed recreate-and-retry recovery flow.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/session-broker/internal/auth"
	"github.com/workspace/session-broker/internal/backend"
	"github.com/workspace/session-broker/internal/broker"
	"github.com/workspace/session-broker/internal/config"
	"github.com/workspace/session-broker/internal/history"
	"github.com/workspace/session-broker/internal/session"
)

// Gateway accepts websocket connections and mediates between clients and
// the session manager.
type Gateway struct {
	cfg     *config.Config
	auth    auth.Authenticator
	manager *session.Manager
	store   *history.Store

	mu      sync.Mutex
	clients map[*client]struct{}

	started time.Time
}

// New creates a gateway. Run must be called to start event broadcasting.
func New(cfg *config.Config, authn auth.Authenticator, manager *session.Manager, store *history.Store) *Gateway {
	return &Gateway{
		cfg:     cfg,
		auth:    authn,
		manager: manager,
		store:   store,
		clients: make(map[*client]struct{}),
		started: time.Now(),
	}
}

// Routes returns the HTTP handler exposing the websocket endpoint and the
// health check.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/health", g.handleHealth)
	return mux
}

// Run consumes the session manager's event stream and broadcasts each event
// to every connected client, and drives the optional idle sweep. It blocks
// until ctx is canceled.
func (g *Gateway) Run(ctx context.Context) {
	events, cancel := g.manager.Subscribe()
	defer cancel()

	var sweep <-chan time.Time
	if g.cfg.IdleSessionTTL > 0 {
		ticker := time.NewTicker(g.cfg.IdleSessionTTL / 2)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.broadcast(eventMessage(ev))
		case <-sweep:
			if n := g.manager.SweepIdle(g.cfg.IdleSessionTTL); n > 0 {
				slog.Info("Idle sweep destroyed sessions", "count", n)
			}
		}
	}
}

// broadcast fans a message out to all connected clients. Lifecycle events
// and terminal output go to everyone regardless of session ownership.
func (g *Gateway) broadcast(msg serverMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.clients {
		c.enqueue(msg)
	}
}

func (g *Gateway) addClient(c *client) {
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) removeClient(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// upgrader builds a websocket upgrader with explicit origin validation.
// Upgrades bypass CORS, so the check happens here.
func (g *Gateway) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  g.cfg.WSReadBufferSize,
		WriteBufferSize: g.cfg.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Same-origin or non-browser client.
				return true
			}
			return g.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks the origin against the allow list. Supports
// wildcard subdomain patterns like "https://*.example.com".
func (g *Gateway) isOriginAllowed(origin string) bool {
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}
	// The wildcard portion must stay within the host part.
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	up := g.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := newClient(g, conn)
	g.addClient(c)

	c.enqueue(serverMessage{Type: msgConnectionStatus, Status: "connected"})

	go c.writePump()
	go c.readPump()
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": g.manager.SessionCount(),
		"clients":  g.ClientCount(),
		"uptime":   time.Since(g.started).String(),
	})
}

// dispatch routes one parsed client message. Authentication must precede
// everything else on the connection; correlated requests are tracked before
// their handler runs so the timeout covers the whole operation.
func (g *Gateway) dispatch(c *client, msg clientMessage) {
	if msg.Type == msgAuthenticate {
		if !c.track(msg.RequestID) {
			c.enqueue(serverMessage{Type: msgSessionError, RequestID: msg.RequestID, Error: "duplicate requestId: " + msg.RequestID})
			return
		}
		go g.handleAuthenticate(c, msg)
		return
	}

	if c.identity() == "" {
		reply := serverMessage{Type: msgAuthenticationError, Error: "not authenticated"}
		if msg.RequestID != "" && c.track(msg.RequestID) {
			c.reply(msg.RequestID, reply)
			return
		}
		c.enqueue(reply)
		return
	}

	switch msg.Type {
	case msgTerminalInput:
		// Handled inline on the read pump so rapid input frames from one
		// client reach the backend in arrival order.
		g.handleTerminalInput(c, msg)
	case msgResizeTerminal:
		g.handleResizeTerminal(c, msg)
	case msgCreateSession, msgCloseSession, msgListSessions,
		msgGetSessionInfo, msgGetSessionBuffer, msgRefreshTerminal:
		if !c.track(msg.RequestID) {
			c.enqueue(serverMessage{Type: msgSessionError, RequestID: msg.RequestID, Error: "duplicate requestId: " + msg.RequestID})
			return
		}
		go g.handleRequest(c, msg)
	default:
		c.enqueue(serverMessage{Type: msgSessionError, Error: "unknown message type: " + msg.Type})
	}
}

func (g *Gateway) handleAuthenticate(c *client, msg clientMessage) {
	userID, err := g.auth.VerifyToken(msg.Token)
	if err != nil {
		slog.Warn("Authentication failed", "error", err)
		c.reply(msg.RequestID, serverMessage{Type: msgAuthenticationError, Error: "invalid token"})
		return
	}
	c.setIdentity(userID)
	c.reply(msg.RequestID, serverMessage{Type: msgAuthenticated, UserID: userID})
}

func (g *Gateway) handleRequest(c *client, msg clientMessage) {
	switch msg.Type {
	case msgCreateSession:
		g.handleCreateSession(c, msg)
	case msgCloseSession:
		g.handleCloseSession(c, msg)
	case msgListSessions:
		g.handleListSessions(c, msg)
	case msgGetSessionInfo:
		g.handleGetSessionInfo(c, msg)
	case msgGetSessionBuffer:
		g.handleGetSessionBuffer(c, msg)
	case msgRefreshTerminal:
		g.handleRefreshTerminal(c, msg)
	}
}

func (g *Gateway) handleCreateSession(c *client, msg clientMessage) {
	kind := backend.KindPTY
	if msg.Backend == string(backend.KindTmux) {
		kind = backend.KindTmux
	}

	id, err := g.manager.CreateSession(session.CreateParams{
		OwnerUserID: c.identity(),
		WorkingDir:  msg.WorkingDir,
		Command:     msg.Command,
		Backend:     kind,
		Cols:        msg.Cols,
		Rows:        msg.Rows,
	})
	if err != nil {
		c.reply(msg.RequestID, serverMessage{Type: msgSessionError, Error: err.Error()})
		return
	}

	info, _ := g.manager.GetSessionInfo(id)
	c.reply(msg.RequestID, serverMessage{Type: msgSessionCreated, SessionID: id, Session: &info})
}

func (g *Gateway) handleCloseSession(c *client, msg clientMessage) {
	if err := g.authorize(c.identity(), msg.SessionID); err != nil {
		c.reply(msg.RequestID, serverMessage{Type: msgSessionError, SessionID: msg.SessionID, Error: err.Error()})
		return
	}
	if err := g.manager.DestroySession(msg.SessionID); err != nil {
		c.reply(msg.RequestID, serverMessage{Type: msgSessionError, SessionID: msg.SessionID, Error: err.Error()})
		return
	}
	c.reply(msg.RequestID, serverMessage{Type: msgSessionClosed, SessionID: msg.SessionID})
}

func (g *Gateway) handleListSessions(c *client, msg clientMessage) {
	sessions := g.manager.GetUserSessions(c.identity())
	if sessions == nil {
		sessions = []session.Info{}
	}
	c.reply(msg.RequestID, serverMessage{Type: msgSessionsList, Sessions: sessions})
}

func (g *Gateway) handleGetSessionInfo(c *client, msg clientMessage) {
	info, ok := g.manager.GetSessionInfo(msg.SessionID)
	if !ok {
		err := &broker.SessionNotFoundError{SessionID: msg.SessionID}
		c.reply(msg.RequestID, serverMessage{Type: msgSessionError, SessionID: msg.SessionID, Error: err.Error()})
		return
	}
	c.reply(msg.RequestID, serverMessage{Type: msgSessionInfo, SessionID: msg.SessionID, Session: &info})
}

func (g *Gateway) handleGetSessionBuffer(c *client, msg clientMessage) {
	buf := g.manager.GetSessionBuffer(msg.SessionID)
	c.reply(msg.RequestID, serverMessage{Type: msgSessionBuffer, SessionID: msg.SessionID, Buffer: buf})
}

// handleRefreshTerminal reattaches a detached tmux session if needed, then
// returns a fresh buffer snapshot for the client to repaint from.
func (g *Gateway) handleRefreshTerminal(c *client, msg clientMessage) {
	if err := g.manager.EnsureSessionAttached(msg.SessionID); err != nil {
		var notFound *broker.SessionNotFoundError
		if !errors.As(err, &notFound) {
			c.reply(msg.RequestID, serverMessage{Type: msgSessionError, SessionID: msg.SessionID, Error: err.Error()})
			return
		}
		// Not tmux-backed or nothing to reattach; the buffer lookup
		// below still serves whatever history exists.
	}
	buf := g.manager.GetSessionBuffer(msg.SessionID)
	c.reply(msg.RequestID, serverMessage{Type: msgSessionBuffer, SessionID: msg.SessionID, Buffer: buf})
}

// handleTerminalInput forwards input, recovering via recreate-and-retry
// when the live registry misses but persisted metadata says the session
// should still exist.
func (g *Gateway) handleTerminalInput(c *client, msg clientMessage) {
	userID := c.identity()
	err := g.writeAuthorized(userID, msg.SessionID, []byte(msg.Data))
	if err == nil {
		return
	}

	var notFound *broker.SessionNotFoundError
	if errors.As(err, &notFound) && g.recoverAndRetry(c, userID, msg) {
		return
	}
	c.enqueue(serverMessage{Type: msgSessionError, SessionID: msg.SessionID, Error: err.Error()})
}

func (g *Gateway) handleResizeTerminal(c *client, msg clientMessage) {
	userID := c.identity()
	if err := g.authorize(userID, msg.SessionID); err != nil {
		c.enqueue(serverMessage{Type: msgSessionError, SessionID: msg.SessionID, Error: err.Error()})
		return
	}
	if err := g.manager.ResizeSession(msg.SessionID, msg.Cols, msg.Rows); err != nil {
		c.enqueue(serverMessage{Type: msgSessionError, SessionID: msg.SessionID, Error: err.Error()})
	}
}

// authorize checks that the caller owns the live session. A registry miss
// surfaces as SessionNotFoundError so callers can distinguish it.
func (g *Gateway) authorize(userID, sessionID string) error {
	info, ok := g.manager.GetSessionInfo(sessionID)
	if !ok {
		return &broker.SessionNotFoundError{SessionID: sessionID}
	}
	if info.OwnerUserID != userID {
		return &broker.UnauthorizedError{SessionID: sessionID, UserID: userID}
	}
	return nil
}

func (g *Gateway) writeAuthorized(userID, sessionID string, data []byte) error {
	if err := g.authorize(userID, sessionID); err != nil {
		return err
	}
	return g.manager.WriteToSession(sessionID, data)
}

// recoverAndRetry implements the recreate flow: if persisted metadata still
// marks the session active, revive it under the same id, retry the write
// once, and tell the caller a recreate happened instead of dropping the
// input silently. Returns false when recovery does not apply and the
// original error should surface.
func (g *Gateway) recoverAndRetry(c *client, userID string, msg clientMessage) bool {
	meta, err := g.store.GetSessionMetadata(msg.SessionID)
	if err != nil || meta == nil || meta.Status != "active" {
		return false
	}
	if meta.OwnerUserID != userID {
		unauth := &broker.UnauthorizedError{SessionID: msg.SessionID, UserID: userID}
		c.enqueue(serverMessage{Type: msgSessionError, SessionID: msg.SessionID, Error: unauth.Error()})
		return true
	}

	// A tmux session that survived a broker restart only needs a fresh
	// bridge; everything else needs a new backend under the same id.
	if err := g.manager.EnsureSessionAttached(msg.SessionID); err != nil {
		spec := session.RecreateSpec{
			SessionID:   msg.SessionID,
			OwnerUserID: meta.OwnerUserID,
			WorkingDir:  meta.WorkingDir,
			Command:     meta.Command,
			Backend:     backend.Kind(meta.Backend),
			Cols:        meta.Cols,
			Rows:        meta.Rows,
		}
		if err := g.manager.RecreateSession(spec); err != nil {
			slog.Error("Session recreate failed", "session", msg.SessionID, "error", err)
			c.enqueue(serverMessage{Type: msgSessionError, SessionID: msg.SessionID, Error: err.Error()})
			return true
		}
	}

	// Best effort: the retried write may race the new backend's startup.
	if err := g.manager.WriteToSession(msg.SessionID, []byte(msg.Data)); err != nil {
		slog.Warn("Retried write after recreate failed", "session", msg.SessionID, "error", err)
	}
	c.enqueue(serverMessage{Type: msgSessionRecreated, SessionID: msg.SessionID})
	return true
}
