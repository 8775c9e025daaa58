package session

// Event is a tagged lifecycle or output event published by the Manager on
// per-consumer channels. Consumers subscribe once and receive everything;
// there is no shared global emitter.
type Event interface {
	SessionID() string
}

// DataEvent carries one raw output chunk in backend-emission order.
type DataEvent struct {
	ID   string
	Data []byte
}

func (e DataEvent) SessionID() string { return e.ID }

// ExitEvent reports that a session's backend ended. Crashed distinguishes
// unexpected backend death from an explicit destroy.
type ExitEvent struct {
	ID       string
	ExitCode int
	Crashed  bool
}

func (e ExitEvent) SessionID() string { return e.ID }

// StateChangedEvent reports a detector- or lifecycle-driven transition.
type StateChangedEvent struct {
	ID       string
	Previous State
	State    State
}

func (e StateChangedEvent) SessionID() string { return e.ID }
