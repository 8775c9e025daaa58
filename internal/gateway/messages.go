package gateway

import "github.com/workspace/session-broker/internal/session"

// Client-to-server message types.
const (
	msgAuthenticate     = "authenticate"
	msgCreateSession    = "create_session"
	msgTerminalInput    = "terminal_input"
	msgCloseSession     = "close_session"
	msgResizeTerminal   = "resize_terminal"
	msgListSessions     = "list_sessions"
	msgGetSessionInfo   = "get_session_info"
	msgGetSessionBuffer = "get_session_buffer"
	msgRefreshTerminal  = "refresh_terminal"
)

// Server-to-client message types.
const (
	msgConnectionStatus    = "connection_status"
	msgAuthenticated       = "authenticated"
	msgAuthenticationError = "authentication_error"
	msgSessionCreated      = "session_created"
	msgSessionError        = "session_error"
	msgTerminalOutput      = "terminal_output"
	msgSessionClosed       = "session_closed"
	msgSessionStateChanged = "session_state_changed"
	msgSessionRecreated    = "session_recreated"
	msgSessionsList        = "sessions_list"
	msgSessionInfo         = "session_info"
	msgSessionBuffer       = "session_buffer"
)

// clientMessage is the flat request envelope. Type selects the action;
// RequestID correlates the reply for everything except the fire-and-forget
// terminal_input and resize_terminal. Unused fields stay zero.
type clientMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	Token string `json:"token,omitempty"`

	SessionID  string `json:"sessionId,omitempty"`
	Data       string `json:"data,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	Command    string `json:"command,omitempty"`
	Backend    string `json:"backend,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

// serverMessage is the flat reply/event envelope. RequestID is set only on
// correlated replies; broadcast events carry none.
type serverMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	SessionID     string `json:"sessionId,omitempty"`
	Data          string `json:"data,omitempty"`
	State         string `json:"state,omitempty"`
	PreviousState string `json:"previousState,omitempty"`
	ExitCode      *int   `json:"exitCode,omitempty"`
	Crashed       bool   `json:"crashed,omitempty"`
	Buffer        string `json:"buffer,omitempty"`
	Error         string `json:"error,omitempty"`
	UserID        string `json:"userId,omitempty"`
	Status        string `json:"status,omitempty"`

	Session  *session.Info  `json:"session,omitempty"`
	Sessions []session.Info `json:"sessions,omitempty"`
}

// eventMessage converts a manager lifecycle event into its wire form.
func eventMessage(ev session.Event) serverMessage {
	switch e := ev.(type) {
	case session.DataEvent:
		return serverMessage{
			Type:      msgTerminalOutput,
			SessionID: e.ID,
			Data:      string(e.Data),
		}
	case session.ExitEvent:
		code := e.ExitCode
		return serverMessage{
			Type:      msgSessionClosed,
			SessionID: e.ID,
			ExitCode:  &code,
			Crashed:   e.Crashed,
		}
	case session.StateChangedEvent:
		return serverMessage{
			Type:          msgSessionStateChanged,
			SessionID:     e.ID,
			State:         string(e.State),
			PreviousState: string(e.Previous),
		}
	default:
		return serverMessage{Type: msgSessionError, SessionID: ev.SessionID(), Error: "unknown event"}
	}
}
