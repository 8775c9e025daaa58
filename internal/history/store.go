// Package history provides SQLite-backed persistence for session output and
// session metadata, so reconnecting clients and a restarted broker can
// reconstruct prior state.
package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Line is one persisted output chunk. Content is stored verbatim so that
// concatenating lines in order reproduces the original byte stream.
type Line struct {
	SessionID  string
	LineNumber int64
	Content    []byte
	CapturedAt time.Time
}

// SessionMetadata is the persisted session descriptor. It survives broker
// restarts and is the source of truth for recreation decisions.
type SessionMetadata struct {
	SessionID   string
	OwnerUserID string
	WorkingDir  string
	Command     string
	Backend     string // "pty" or "tmux"
	TmuxName    string // external tmux session name, empty for pty
	Status      string // "active" or "closed"
	Cols        int
	Rows        int
	CreatedAt   string
	UpdatedAt   string
}

// Store provides persistent session history backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying history migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the session metadata and history tables.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL DEFAULT '',
			working_dir TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			backend TEXT NOT NULL DEFAULT 'pty',
			tmux_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			cols INTEGER NOT NULL DEFAULT 80,
			rows INTEGER NOT NULL DEFAULT 24,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS history_lines (
			session_id TEXT NOT NULL,
			line_no INTEGER NOT NULL,
			content BLOB NOT NULL,
			captured_at TEXT NOT NULL,
			PRIMARY KEY (session_id, line_no)
		);
	`)
	return err
}

// Append persists one output chunk verbatim, assigning the next line number
// for the session. Line numbers are strictly increasing per session.
func (s *Store) Append(sessionID string, content []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lineNo int64
	err := s.db.QueryRow(
		"SELECT COALESCE(MAX(line_no), 0) + 1 FROM history_lines WHERE session_id = ?",
		sessionID,
	).Scan(&lineNo)
	if err != nil {
		return 0, fmt.Errorf("next line number: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT INTO history_lines (session_id, line_no, content, captured_at) VALUES (?, ?, ?, ?)",
		sessionID, lineNo, content, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("append history: %w", err)
	}
	return lineNo, nil
}

// RecentHistory returns the most recent maxLines entries for a session in
// line-number order. A session with no history yields an empty slice.
func (s *Store) RecentHistory(sessionID string, maxLines int) ([]Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT session_id, line_no, content, captured_at
		FROM history_lines WHERE session_id = ?
		ORDER BY line_no DESC LIMIT ?`,
		sessionID, maxLines,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		var captured string
		if err := rows.Scan(&l.SessionID, &l.LineNumber, &l.Content, &captured); err != nil {
			return nil, fmt.Errorf("scan history line: %w", err)
		}
		l.CapturedAt, _ = time.Parse(time.RFC3339Nano, captured)
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	// Rows arrive newest-first; reverse into emission order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// PruneHistory deletes all but the newest keep lines for a session.
func (s *Store) PruneHistory(sessionID string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`DELETE FROM history_lines WHERE session_id = ? AND line_no <= (
			SELECT COALESCE(MAX(line_no), 0) - ? FROM history_lines WHERE session_id = ?
		)`,
		sessionID, keep, sessionID,
	)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	return nil
}

// UpsertSessionMetadata persists the session descriptor.
func (s *Store) UpsertSessionMetadata(meta SessionMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	if meta.CreatedAt == "" {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sessions
			(session_id, owner_user_id, working_dir, command, backend, tmux_name, status, cols, rows, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.SessionID, meta.OwnerUserID, meta.WorkingDir, meta.Command, meta.Backend,
		meta.TmuxName, meta.Status, meta.Cols, meta.Rows, meta.CreatedAt, meta.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session metadata: %w", err)
	}
	return nil
}

// GetSessionMetadata retrieves the persisted descriptor for a session.
// Returns nil, nil if none exists.
func (s *Store) GetSessionMetadata(sessionID string) (*SessionMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m SessionMetadata
	err := s.db.QueryRow(
		`SELECT session_id, owner_user_id, working_dir, command, backend, tmux_name, status, cols, rows, created_at, updated_at
		FROM sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&m.SessionID, &m.OwnerUserID, &m.WorkingDir, &m.Command, &m.Backend,
		&m.TmuxName, &m.Status, &m.Cols, &m.Rows, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session metadata: %w", err)
	}
	return &m, nil
}

// MarkSessionStatus updates the persisted status of a session.
func (s *Store) MarkSessionStatus(sessionID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?",
		status, time.Now().UTC().Format(time.RFC3339), sessionID,
	)
	if err != nil {
		return fmt.Errorf("mark session status: %w", err)
	}
	return nil
}

// ActiveSessions lists persisted descriptors whose status is active. Used
// after a broker restart to decide which tmux sessions to reattach.
func (s *Store) ActiveSessions() ([]SessionMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT session_id, owner_user_id, working_dir, command, backend, tmux_name, status, cols, rows, created_at, updated_at
		FROM sessions WHERE status = 'active' ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionMetadata
	for rows.Next() {
		var m SessionMetadata
		if err := rows.Scan(&m.SessionID, &m.OwnerUserID, &m.WorkingDir, &m.Command, &m.Backend,
			&m.TmuxName, &m.Status, &m.Cols, &m.Rows, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session metadata: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}
