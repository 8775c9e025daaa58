// Package broker defines the shared error taxonomy for the session broker.
// Callers branch on error kinds with errors.As instead of matching message
// text, so recovery decisions survive message wording changes.
package broker

import "fmt"

// SpawnError reports that a backend process could not be started. The
// session is never registered when this is returned.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// SessionNotFoundError reports a live-registry miss. It is the trigger for
// the gateway's recreate flow and is distinct from "never existed": the
// persisted metadata decides which one it is.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}

// UnauthorizedError reports that a non-owner attempted a mutating action.
type UnauthorizedError struct {
	SessionID string
	UserID    string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("user %s does not own session %s", e.UserID, e.SessionID)
}

// RequestTimeoutError reports that a correlated request expired before a
// reply was produced. The underlying operation still completes.
type RequestTimeoutError struct {
	RequestID string
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out", e.RequestID)
}

// BackendIOError reports a write or resize against a dead backend. The
// session manager treats it as implicit session death.
type BackendIOError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *BackendIOError) Error() string {
	return fmt.Sprintf("backend %s on session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *BackendIOError) Unwrap() error { return e.Err }
