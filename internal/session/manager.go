// Package session owns the live session registry: it creates, destroys,
// resizes, and recreates sessions, wires backend output into the history
// store and the prompt state detector, and publishes lifecycle events.
package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/workspace/session-broker/internal/backend"
	"github.com/workspace/session-broker/internal/broker"
	"github.com/workspace/session-broker/internal/detector"
	"github.com/workspace/session-broker/internal/history"
)

// State is the lifecycle state of a session.
type State string

const (
	StateStarting     State = "starting"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateWaitingInput State = "waiting_input"
	StateCrashed      State = "crashed"
	StateClosed       State = "closed"
)

// Terminal reports whether no further transitions can leave this state.
func (s State) Terminal() bool {
	return s == StateCrashed || s == StateClosed
}

// Info is the read-only view of a live session.
type Info struct {
	ID             string       `json:"sessionId"`
	OwnerUserID    string       `json:"ownerUserId"`
	WorkingDir     string       `json:"workingDir"`
	Command        string       `json:"command"`
	Backend        backend.Kind `json:"backend"`
	Pid            int          `json:"pid"`
	Cols           int          `json:"cols"`
	Rows           int          `json:"rows"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
	State          State        `json:"state"`
}

// CreateParams are the inputs for a new session.
type CreateParams struct {
	OwnerUserID string
	WorkingDir  string
	Command     string
	Backend     backend.Kind
	Cols        int
	Rows        int
}

// RecreateSpec re-spawns a backend while preserving the given external
// session id, so in-flight client references stay valid.
type RecreateSpec struct {
	SessionID   string
	OwnerUserID string
	WorkingDir  string
	Command     string
	Backend     backend.Kind
	Cols        int
	Rows        int
}

// ManagerConfig holds configuration for the session manager.
type ManagerConfig struct {
	DefaultCommand   string
	DefaultCols      int
	DefaultRows      int
	DestroyGrace     time.Duration
	RingBufferSize   int
	DetectorWindow   int
	HistoryMaxLines  int
	EventChannelSize int
}

// entry is the per-session arena slot. Backend handle, ring buffer, and
// detector are created and destroyed 1:1 with the session.
type entry struct {
	mu      sync.Mutex
	info    Info
	backend backend.Backend
	ring    *RingBuffer
	det     *detector.Detector
	closing bool // destroy requested; exit is expected, not a crash
	ended   bool // exit cleanup already ran
}

// Manager owns the live session registry. It is the registry's only writer.
type Manager struct {
	cfg   ManagerConfig
	store *history.Store

	mu       sync.RWMutex
	sessions map[string]*entry

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	// recreate collapses concurrent recreate requests for the same id
	// into a single backend spawn.
	recreate singleflight.Group
}

// NewManager creates a session manager backed by the given history store.
func NewManager(cfg ManagerConfig, store *history.Store) *Manager {
	if cfg.DefaultCols <= 0 {
		cfg.DefaultCols = 80
	}
	if cfg.DefaultRows <= 0 {
		cfg.DefaultRows = 24
	}
	if cfg.DestroyGrace <= 0 {
		cfg.DestroyGrace = 5 * time.Second
	}
	if cfg.HistoryMaxLines <= 0 {
		cfg.HistoryMaxLines = 5000
	}
	if cfg.EventChannelSize <= 0 {
		cfg.EventChannelSize = 1024
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		sessions: make(map[string]*entry),
		subs:     make(map[int]chan Event),
	}
}

// Subscribe returns a buffered event channel plus a cancel function. Events
// are per-session FIFO; a slow consumer drops events rather than blocking
// the output pipeline.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, m.cfg.EventChannelSize)
	m.subs[id] = ch

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (m *Manager) publish(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("Event subscriber full, dropping event", "session", ev.SessionID())
		}
	}
}

// CreateSession spawns a backend and registers the session. On spawn
// failure the session is never registered and a SpawnError is returned.
func (m *Manager) CreateSession(p CreateParams) (string, error) {
	if p.Command == "" {
		p.Command = m.cfg.DefaultCommand
	}
	if p.Cols <= 0 {
		p.Cols = m.cfg.DefaultCols
	}
	if p.Rows <= 0 {
		p.Rows = m.cfg.DefaultRows
	}
	if p.Backend == "" {
		p.Backend = backend.KindPTY
	}

	id := uuid.NewString()
	e := m.register(id, p.OwnerUserID, p.WorkingDir, p.Command, p.Backend, p.Cols, p.Rows)

	b, err := m.startBackend(id, p.WorkingDir, p.Command, p.Backend, p.Cols, p.Rows)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return "", &broker.SpawnError{Command: p.Command, Err: err}
	}

	e.mu.Lock()
	e.backend = b
	e.info.Pid = b.Pid()
	e.mu.Unlock()

	if err := m.store.UpsertSessionMetadata(history.SessionMetadata{
		SessionID:   id,
		OwnerUserID: p.OwnerUserID,
		WorkingDir:  p.WorkingDir,
		Command:     p.Command,
		Backend:     string(p.Backend),
		TmuxName:    tmuxNameFor(b),
		Status:      "active",
		Cols:        p.Cols,
		Rows:        p.Rows,
	}); err != nil {
		slog.Error("Persist session metadata failed", "session", id, "error", err)
	}

	slog.Info("Session created", "session", id, "owner", p.OwnerUserID, "backend", p.Backend, "pid", e.info.Pid)
	return id, nil
}

// register allocates the arena slot for a session in state starting.
func (m *Manager) register(id, owner, workingDir, command string, kind backend.Kind, cols, rows int) *entry {
	now := time.Now().UTC()
	e := &entry{
		info: Info{
			ID:             id,
			OwnerUserID:    owner,
			WorkingDir:     workingDir,
			Command:        command,
			Backend:        kind,
			Cols:           cols,
			Rows:           rows,
			CreatedAt:      now,
			LastActivityAt: now,
			State:          StateStarting,
		},
		ring: NewRingBuffer(m.cfg.RingBufferSize),
		det:  detector.New(m.cfg.DetectorWindow),
	}
	m.mu.Lock()
	m.sessions[id] = e
	m.mu.Unlock()
	return e
}

func (m *Manager) startBackend(id, workingDir, command string, kind backend.Kind, cols, rows int) (backend.Backend, error) {
	cfg := backend.Config{
		WorkingDir: workingDir,
		Command:    command,
		Cols:       cols,
		Rows:       rows,
		OnData:     func(p []byte) { m.handleData(id, p) },
		OnExit:     func(code int) { m.finishExit(id, code) },
	}
	switch kind {
	case backend.KindTmux:
		name := backend.TmuxSessionName(id)
		if backend.TmuxSessionExists(name) {
			return backend.AttachTmux(name, cfg)
		}
		return backend.StartTmux(name, cfg)
	default:
		return backend.StartPTY(cfg)
	}
}

func tmuxNameFor(b backend.Backend) string {
	if tb, ok := b.(*backend.TmuxBackend); ok {
		return tb.SessionName()
	}
	return ""
}

// handleData is the single producer for a session's ring buffer, history
// append, and detector. It runs on the backend read-loop goroutine, so
// everything downstream observes backend-emission order.
func (m *Manager) handleData(id string, chunk []byte) {
	m.mu.RLock()
	e := m.sessions[id]
	m.mu.RUnlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return
	}
	e.ring.Write(chunk)
	detState := e.det.Feed(chunk)
	prev := e.info.State
	next := stateFromDetector(detState)
	changed := false
	if !prev.Terminal() && prev != next {
		e.info.State = next
		changed = true
	}
	e.info.LastActivityAt = time.Now().UTC()
	e.mu.Unlock()

	if _, err := m.store.Append(id, chunk); err != nil {
		slog.Error("History append failed", "session", id, "error", err)
	}

	m.publish(DataEvent{ID: id, Data: chunk})
	if changed {
		m.publish(StateChangedEvent{ID: id, Previous: prev, State: next})
	}
}

func stateFromDetector(s detector.State) State {
	switch s {
	case detector.StateBusy:
		return StateBusy
	case detector.StateWaitingInput:
		return StateWaitingInput
	default:
		return StateIdle
	}
}

// finishExit runs the exit-equivalent cleanup exactly once per incarnation:
// terminal state, registry removal, persisted status, and events.
func (m *Manager) finishExit(id string, code int) {
	m.mu.Lock()
	e := m.sessions[id]
	m.mu.Unlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return
	}
	e.ended = true
	prev := e.info.State
	crashed := !e.closing
	next := StateClosed
	if crashed {
		next = StateCrashed
	}
	e.info.State = next
	b := e.backend
	e.mu.Unlock()

	m.mu.Lock()
	if m.sessions[id] == e {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if b != nil {
		b.Dispose()
	}

	// A crashed session stays "active" in the store so the gateway's
	// recreate flow can revive it; explicit destroys are marked closed.
	if !crashed {
		if err := m.store.MarkSessionStatus(id, "closed"); err != nil {
			slog.Error("Mark session closed failed", "session", id, "error", err)
		}
	}

	if err := m.store.PruneHistory(id, m.cfg.HistoryMaxLines); err != nil {
		slog.Warn("History prune failed", "session", id, "error", err)
	}

	slog.Info("Session ended", "session", id, "exitCode", code, "crashed", crashed)
	m.publish(StateChangedEvent{ID: id, Previous: prev, State: next})
	m.publish(ExitEvent{ID: id, ExitCode: code, Crashed: crashed})
}

// DestroySession gracefully terminates a session: SIGTERM to the process
// group, then forced kill after the grace period. History is retained.
func (m *Manager) DestroySession(id string) error {
	m.mu.RLock()
	e := m.sessions[id]
	m.mu.RUnlock()
	if e == nil {
		return &broker.SessionNotFoundError{SessionID: id}
	}

	e.mu.Lock()
	e.closing = true
	b := e.backend
	e.mu.Unlock()

	// Mark closed before terminating so a racing recreate sees the
	// explicit destroy and does not revive the session.
	if err := m.store.MarkSessionStatus(id, "closed"); err != nil {
		slog.Error("Mark session closed failed", "session", id, "error", err)
	}

	if b != nil {
		if err := b.Terminate(m.cfg.DestroyGrace); err != nil {
			slog.Warn("Backend terminate failed", "session", id, "error", err)
		}
	}

	// The backend's exit callback normally runs the cleanup; this is the
	// fallback when the exit never surfaced (already-dead backend).
	m.finishExit(id, 0)
	return nil
}

// WriteToSession forwards input to the session's backend. A registry miss
// yields SessionNotFoundError (the gateway's recreate trigger); a write
// against a dead backend yields BackendIOError and exit-equivalent cleanup.
func (m *Manager) WriteToSession(id string, data []byte) error {
	m.mu.RLock()
	e := m.sessions[id]
	m.mu.RUnlock()
	if e == nil {
		return &broker.SessionNotFoundError{SessionID: id}
	}

	e.mu.Lock()
	b := e.backend
	ended := e.ended
	e.mu.Unlock()
	if b == nil || ended {
		return &broker.BackendIOError{SessionID: id, Op: "write", Err: errBackendGone}
	}

	if err := b.Write(data); err != nil {
		go m.failBackend(id, b)
		return &broker.BackendIOError{SessionID: id, Op: "write", Err: err}
	}

	e.mu.Lock()
	e.info.LastActivityAt = time.Now().UTC()
	e.mu.Unlock()
	return nil
}

// ResizeSession forwards a terminal resize to the backend.
func (m *Manager) ResizeSession(id string, cols, rows int) error {
	m.mu.RLock()
	e := m.sessions[id]
	m.mu.RUnlock()
	if e == nil {
		return &broker.SessionNotFoundError{SessionID: id}
	}

	e.mu.Lock()
	b := e.backend
	ended := e.ended
	e.mu.Unlock()
	if b == nil || ended {
		return &broker.BackendIOError{SessionID: id, Op: "resize", Err: errBackendGone}
	}

	if err := b.Resize(cols, rows); err != nil {
		go m.failBackend(id, b)
		return &broker.BackendIOError{SessionID: id, Op: "resize", Err: err}
	}

	e.mu.Lock()
	e.info.Cols = cols
	e.info.Rows = rows
	e.mu.Unlock()
	return nil
}

// failBackend treats an I/O fault as implicit session death.
func (m *Manager) failBackend(id string, b backend.Backend) {
	b.Dispose()
	m.finishExit(id, -1)
}

// RecreateSession re-spawns a backend under the same external session id.
// Concurrent recreates for one id collapse into a single spawn.
func (m *Manager) RecreateSession(spec RecreateSpec) error {
	if spec.SessionID == "" {
		return fmt.Errorf("recreate: session id required")
	}
	if spec.Cols <= 0 {
		spec.Cols = m.cfg.DefaultCols
	}
	if spec.Rows <= 0 {
		spec.Rows = m.cfg.DefaultRows
	}
	if spec.Backend == "" {
		spec.Backend = backend.KindPTY
	}

	_, err, _ := m.recreate.Do(spec.SessionID, func() (interface{}, error) {
		// Retire any stale incarnation quietly; its events would race
		// the new one.
		var oldRing *RingBuffer
		m.mu.Lock()
		if old := m.sessions[spec.SessionID]; old != nil {
			old.mu.Lock()
			old.ended = true
			ob := old.backend
			oldRing = old.ring
			old.mu.Unlock()
			delete(m.sessions, spec.SessionID)
			if ob != nil {
				ob.Dispose()
			}
		}
		m.mu.Unlock()

		e := m.register(spec.SessionID, spec.OwnerUserID, spec.WorkingDir, spec.Command, spec.Backend, spec.Cols, spec.Rows)

		// Recycle the retired incarnation's ring; Reset drops its bytes so
		// output from the old process cannot leak into the new one.
		if oldRing != nil {
			oldRing.Reset()
			e.mu.Lock()
			e.ring = oldRing
			e.mu.Unlock()
		}

		b, err := m.startBackend(spec.SessionID, spec.WorkingDir, spec.Command, spec.Backend, spec.Cols, spec.Rows)
		if err != nil {
			m.mu.Lock()
			delete(m.sessions, spec.SessionID)
			m.mu.Unlock()
			return nil, &broker.SpawnError{Command: spec.Command, Err: err}
		}

		e.mu.Lock()
		e.backend = b
		e.info.Pid = b.Pid()
		e.mu.Unlock()

		if err := m.store.UpsertSessionMetadata(history.SessionMetadata{
			SessionID:   spec.SessionID,
			OwnerUserID: spec.OwnerUserID,
			WorkingDir:  spec.WorkingDir,
			Command:     spec.Command,
			Backend:     string(spec.Backend),
			TmuxName:    tmuxNameFor(b),
			Status:      "active",
			Cols:        spec.Cols,
			Rows:        spec.Rows,
		}); err != nil {
			slog.Error("Persist session metadata failed", "session", spec.SessionID, "error", err)
		}

		slog.Info("Session recreated", "session", spec.SessionID, "backend", spec.Backend)
		return nil, nil
	})
	return err
}

// EnsureSessionAttached reattaches a tmux-backed session whose live PTY
// bridge is missing, typically after a broker restart while the external
// tmux session stayed alive. Distinct from RecreateSession: the supervised
// program is still running, nothing is spawned.
func (m *Manager) EnsureSessionAttached(id string) error {
	m.mu.RLock()
	e := m.sessions[id]
	m.mu.RUnlock()
	if e != nil {
		return nil // live handle already present
	}

	meta, err := m.store.GetSessionMetadata(id)
	if err != nil {
		return fmt.Errorf("load session metadata: %w", err)
	}
	if meta == nil || meta.Status != "active" || meta.Backend != string(backend.KindTmux) {
		return &broker.SessionNotFoundError{SessionID: id}
	}

	name := meta.TmuxName
	if name == "" {
		name = backend.TmuxSessionName(id)
	}
	if !backend.TmuxSessionExists(name) {
		return &broker.SessionNotFoundError{SessionID: id}
	}

	e = m.register(id, meta.OwnerUserID, meta.WorkingDir, meta.Command, backend.KindTmux, meta.Cols, meta.Rows)
	b, err := backend.AttachTmux(name, backend.Config{
		Cols:   meta.Cols,
		Rows:   meta.Rows,
		OnData: func(p []byte) { m.handleData(id, p) },
		OnExit: func(code int) { m.finishExit(id, code) },
	})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return &broker.SpawnError{Command: meta.Command, Err: err}
	}

	e.mu.Lock()
	e.backend = b
	e.info.Pid = b.Pid()
	e.mu.Unlock()

	slog.Info("Session reattached", "session", id, "tmux", name)
	return nil
}

// GetSessionBuffer reconstructs a reconnecting client's view. It never
// fails: history store content first, then the in-memory ring buffer, then
// a backend-specific full-pane capture, then "".
func (m *Manager) GetSessionBuffer(id string) string {
	if lines, err := m.store.RecentHistory(id, m.cfg.HistoryMaxLines); err == nil && len(lines) > 0 {
		var sb strings.Builder
		for _, l := range lines {
			sb.Write(l.Content)
		}
		return sb.String()
	} else if err != nil {
		slog.Warn("History read failed", "session", id, "error", err)
	}

	m.mu.RLock()
	e := m.sessions[id]
	m.mu.RUnlock()
	if e == nil {
		return ""
	}

	e.mu.Lock()
	ring := e.ring
	b := e.backend
	e.mu.Unlock()

	if buf := ring.ReadAll(); len(buf) > 0 {
		return string(buf)
	}
	if tb, ok := b.(*backend.TmuxBackend); ok {
		if pane, err := tb.CapturePane(); err == nil {
			return pane
		}
	}
	return ""
}

// GetSessionInfo returns the live registry view of one session.
func (m *Manager) GetSessionInfo(id string) (Info, bool) {
	m.mu.RLock()
	e := m.sessions[id]
	m.mu.RUnlock()
	if e == nil {
		return Info{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info, true
}

// GetUserSessions lists live sessions owned by a user.
func (m *Manager) GetUserSessions(userID string) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Info
	for _, e := range m.sessions {
		e.mu.Lock()
		if e.info.OwnerUserID == userID {
			out = append(out, e.info)
		}
		e.mu.Unlock()
	}
	return out
}

// ListSessions lists all live sessions.
func (m *Manager) ListSessions() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.sessions))
	for _, e := range m.sessions {
		e.mu.Lock()
		out = append(out, e.info)
		e.mu.Unlock()
	}
	return out
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SweepIdle destroys sessions idle longer than maxIdle. Returns how many
// were destroyed. A zero maxIdle disables the sweep.
func (m *Manager) SweepIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}

	m.mu.RLock()
	var stale []string
	for id, e := range m.sessions {
		e.mu.Lock()
		idle := time.Since(e.info.LastActivityAt)
		e.mu.Unlock()
		if idle > maxIdle {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		if err := m.DestroySession(id); err != nil {
			slog.Warn("Idle sweep destroy failed", "session", id, "error", err)
		}
	}
	return len(stale)
}

// Shutdown releases all live sessions. PTY-backed sessions are terminated;
// tmux-backed sessions are only detached so they survive for reattach.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	entries := make(map[string]*entry, len(m.sessions))
	for id, e := range m.sessions {
		entries[id] = e
	}
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()

	for id, e := range entries {
		e.mu.Lock()
		e.ended = true
		b := e.backend
		kind := e.info.Backend
		e.mu.Unlock()
		if b == nil {
			continue
		}
		if kind == backend.KindTmux {
			b.Dispose() // detach; external session stays alive
			continue
		}
		if err := m.store.MarkSessionStatus(id, "closed"); err != nil {
			slog.Error("Mark session closed failed", "session", id, "error", err)
		}
		_ = b.Terminate(m.cfg.DestroyGrace)
	}
}

var errBackendGone = fmt.Errorf("backend is gone")
