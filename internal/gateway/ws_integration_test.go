package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/session-broker/internal/config"
	"github.com/workspace/session-broker/internal/history"
	"github.com/workspace/session-broker/internal/session"
)

// fakeAuth maps bearer tokens to user ids without touching a JWKS endpoint.
type fakeAuth struct {
	users map[string]string
}

func (f fakeAuth) VerifyToken(token string) (string, error) {
	if u, ok := f.users[token]; ok {
		return u, nil
	}
	return "", fmt.Errorf("unknown token")
}

type testHarness struct {
	gw      *Gateway
	manager *session.Manager
	store   *history.Store
	srv     *httptest.Server
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	manager := session.NewManager(session.ManagerConfig{
		DefaultCommand:  "/bin/bash",
		DefaultCols:     80,
		DefaultRows:     24,
		DestroyGrace:    2 * time.Second,
		RingBufferSize:  4096,
		HistoryMaxLines: 100,
	}, store)
	t.Cleanup(manager.Shutdown)

	cfg := &config.Config{
		AllowedOrigins:    []string{"*"},
		RequestTimeout:    5 * time.Second,
		WSReadBufferSize:  1024,
		WSWriteBufferSize: 1024,
		HistoryMaxLines:   100,
	}

	authn := fakeAuth{users: map[string]string{
		"token-alice": "alice",
		"token-bob":   "bob",
	}}

	gw := New(cfg, authn, manager, store)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gw.Run(ctx)

	srv := httptest.NewServer(gw.Routes())
	t.Cleanup(srv.Close)

	return &testHarness{gw: gw, manager: manager, store: store, srv: srv}
}

func (h *testHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil drains messages until match accepts one. Broadcast traffic from
// other sessions is skipped.
func readUntil(t *testing.T, conn *websocket.Conn, timeout time.Duration, match func(serverMessage) bool) serverMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg clientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", msg.Type, err)
	}
}

func authenticate(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	send(t, conn, clientMessage{Type: msgAuthenticate, RequestID: "auth-1", Token: token})
	readUntil(t, conn, 5*time.Second, func(m serverMessage) bool {
		if m.Type == msgAuthenticationError {
			t.Fatalf("authentication failed: %s", m.Error)
		}
		return m.Type == msgAuthenticated && m.RequestID == "auth-1"
	})
}

func TestGateway_ConnectionStatusOnConnect(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	msg := readUntil(t, conn, 5*time.Second, func(m serverMessage) bool {
		return m.Type == msgConnectionStatus
	})
	if msg.Status != "connected" {
		t.Fatalf("connection_status = %q", msg.Status)
	}
}

func TestGateway_RequestsRequireAuthentication(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, clientMessage{Type: msgListSessions, RequestID: "r1"})
	msg := readUntil(t, conn, 5*time.Second, func(m serverMessage) bool {
		return m.Type == msgAuthenticationError
	})
	if msg.RequestID != "r1" {
		t.Fatalf("error not correlated: %+v", msg)
	}
}

func TestGateway_InvalidToken(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, clientMessage{Type: msgAuthenticate, RequestID: "r1", Token: "garbage"})
	msg := readUntil(t, conn, 5*time.Second, func(m serverMessage) bool {
		return m.Type == msgAuthenticationError
	})
	if msg.RequestID != "r1" {
		t.Fatalf("error not correlated: %+v", msg)
	}
}

func TestGateway_SessionRoundTrip(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	authenticate(t, conn, "token-alice")

	send(t, conn, clientMessage{
		Type:      msgCreateSession,
		RequestID: "create-1",
		Command:   "cat",
	})
	created := readUntil(t, conn, 10*time.Second, func(m serverMessage) bool {
		return m.RequestID == "create-1"
	})
	if created.Type != msgSessionCreated || created.SessionID == "" {
		t.Fatalf("create reply: %+v", created)
	}
	if created.Session == nil || created.Session.OwnerUserID != "alice" {
		t.Fatalf("create reply missing session info: %+v", created.Session)
	}
	id := created.SessionID

	// Fire-and-forget input; cat echoes it back as a broadcast.
	send(t, conn, clientMessage{Type: msgTerminalInput, SessionID: id, Data: "ping from test\n"})
	readUntil(t, conn, 10*time.Second, func(m serverMessage) bool {
		return m.Type == msgTerminalOutput && m.SessionID == id &&
			strings.Contains(m.Data, "ping from test")
	})

	send(t, conn, clientMessage{Type: msgListSessions, RequestID: "list-1"})
	list := readUntil(t, conn, 5*time.Second, func(m serverMessage) bool {
		return m.RequestID == "list-1"
	})
	if list.Type != msgSessionsList || len(list.Sessions) != 1 || list.Sessions[0].ID != id {
		t.Fatalf("list reply: %+v", list)
	}

	send(t, conn, clientMessage{Type: msgGetSessionBuffer, RequestID: "buf-1", SessionID: id})
	buf := readUntil(t, conn, 5*time.Second, func(m serverMessage) bool {
		return m.RequestID == "buf-1"
	})
	if buf.Type != msgSessionBuffer {
		t.Fatalf("buffer reply: %+v", buf)
	}

	send(t, conn, clientMessage{Type: msgGetSessionInfo, RequestID: "info-1", SessionID: id})
	info := readUntil(t, conn, 5*time.Second, func(m serverMessage) bool {
		return m.RequestID == "info-1"
	})
	if info.Type != msgSessionInfo || info.Session == nil || info.Session.ID != id {
		t.Fatalf("info reply: %+v", info)
	}

	send(t, conn, clientMessage{Type: msgCloseSession, RequestID: "close-1", SessionID: id})
	closed := readUntil(t, conn, 10*time.Second, func(m serverMessage) bool {
		return m.RequestID == "close-1"
	})
	if closed.Type != msgSessionClosed || closed.SessionID != id {
		t.Fatalf("close reply: %+v", closed)
	}
}

func TestGateway_InputFramesKeepArrivalOrder(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	authenticate(t, conn, "token-alice")

	send(t, conn, clientMessage{Type: msgCreateSession, RequestID: "c1", Command: "cat"})
	created := readUntil(t, conn, 10*time.Second, func(m serverMessage) bool {
		return m.RequestID == "c1"
	})
	if created.Type != msgSessionCreated {
		t.Fatalf("create failed: %+v", created)
	}
	id := created.SessionID

	// Burst of input frames with no pauses; cat echoes them back in the
	// order they reached the PTY.
	const frames = 10
	for i := 0; i < frames; i++ {
		send(t, conn, clientMessage{Type: msgTerminalInput, SessionID: id, Data: fmt.Sprintf("seq-%02d\n", i)})
	}

	var output strings.Builder
	readUntil(t, conn, 15*time.Second, func(m serverMessage) bool {
		if m.Type == msgTerminalOutput && m.SessionID == id {
			output.WriteString(m.Data)
		}
		return strings.Contains(output.String(), fmt.Sprintf("seq-%02d", frames-1))
	})

	full := output.String()
	last := -1
	for i := 0; i < frames; i++ {
		marker := fmt.Sprintf("seq-%02d", i)
		pos := strings.Index(full, marker)
		if pos < 0 {
			t.Fatalf("marker %s missing from output %q", marker, full)
		}
		if pos < last {
			t.Fatalf("marker %s arrived out of order in %q", marker, full)
		}
		last = pos
	}
}

func TestGateway_OwnershipEnforced(t *testing.T) {
	h := newHarness(t)

	alice := h.dial(t)
	authenticate(t, alice, "token-alice")
	send(t, alice, clientMessage{Type: msgCreateSession, RequestID: "c1", Command: "cat"})
	created := readUntil(t, alice, 10*time.Second, func(m serverMessage) bool {
		return m.RequestID == "c1"
	})
	if created.Type != msgSessionCreated {
		t.Fatalf("create failed: %+v", created)
	}

	bob := h.dial(t)
	authenticate(t, bob, "token-bob")
	send(t, bob, clientMessage{Type: msgCloseSession, RequestID: "x1", SessionID: created.SessionID})
	reply := readUntil(t, bob, 5*time.Second, func(m serverMessage) bool {
		return m.RequestID == "x1"
	})
	if reply.Type != msgSessionError || !strings.Contains(reply.Error, "does not own") {
		t.Fatalf("expected ownership error, got %+v", reply)
	}

	// The session is untouched.
	if _, ok := h.manager.GetSessionInfo(created.SessionID); !ok {
		t.Fatal("session destroyed by a non-owner")
	}
}

func TestGateway_RecreateOnWriteToDeadSession(t *testing.T) {
	h := newHarness(t)

	// Persisted metadata says this session should be alive, but the live
	// registry has never seen it, as after a backend crash.
	const ghost = "ghost-session"
	if err := h.store.UpsertSessionMetadata(history.SessionMetadata{
		SessionID:   ghost,
		OwnerUserID: "alice",
		Command:     "cat",
		Backend:     "pty",
		Status:      "active",
		Cols:        80,
		Rows:        24,
	}); err != nil {
		t.Fatalf("seed metadata: %v", err)
	}

	conn := h.dial(t)
	authenticate(t, conn, "token-alice")

	send(t, conn, clientMessage{Type: msgTerminalInput, SessionID: ghost, Data: "revive\n"})
	readUntil(t, conn, 10*time.Second, func(m serverMessage) bool {
		return m.Type == msgSessionRecreated && m.SessionID == ghost
	})

	info, ok := h.manager.GetSessionInfo(ghost)
	if !ok {
		t.Fatal("session not live after recreate")
	}
	if info.ID != ghost || info.OwnerUserID != "alice" {
		t.Fatalf("recreated session has wrong identity: %+v", info)
	}

	// Writes now go straight through.
	if err := h.manager.WriteToSession(ghost, []byte("direct\n")); err != nil {
		t.Fatalf("write after recreate: %v", err)
	}
}

func TestGateway_RecreateDeniedForClosedSession(t *testing.T) {
	h := newHarness(t)

	if err := h.store.UpsertSessionMetadata(history.SessionMetadata{
		SessionID:   "was-destroyed",
		OwnerUserID: "alice",
		Command:     "cat",
		Backend:     "pty",
		Status:      "closed",
	}); err != nil {
		t.Fatalf("seed metadata: %v", err)
	}

	conn := h.dial(t)
	authenticate(t, conn, "token-alice")

	send(t, conn, clientMessage{Type: msgTerminalInput, SessionID: "was-destroyed", Data: "x"})
	msg := readUntil(t, conn, 5*time.Second, func(m serverMessage) bool {
		return m.Type == msgSessionError && m.SessionID == "was-destroyed"
	})
	if !strings.Contains(msg.Error, "not found") {
		t.Fatalf("expected not-found error, got %+v", msg)
	}
	if _, ok := h.manager.GetSessionInfo("was-destroyed"); ok {
		t.Fatal("explicitly closed session was revived")
	}
}

func TestGateway_HealthEndpoint(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
}
