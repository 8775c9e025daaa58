package gateway

import (
	"sync"
	"time"
)

// pendingTable tracks the outstanding correlated requests of one connection.
// Each request id gets at most one reply: whoever removes the entry first,
// the handler or the timeout, owns the reply. Expiring a request does not
// cancel the underlying operation.
type pendingTable struct {
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*pendingEntry
	closed  bool
}

type pendingEntry struct {
	issuedAt time.Time
	timer    *time.Timer
}

func newPendingTable(timeout time.Duration) *pendingTable {
	return &pendingTable{
		timeout: timeout,
		entries: make(map[string]*pendingEntry),
	}
}

// begin registers a request id and arms its expiry. onTimeout fires only if
// no reply claimed the id first. Returns false for a duplicate id; at most
// one resolver per id may be outstanding.
func (t *pendingTable) begin(id string, onTimeout func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if _, dup := t.entries[id]; dup {
		return false
	}

	e := &pendingEntry{issuedAt: time.Now()}
	e.timer = time.AfterFunc(t.timeout, func() {
		if t.finish(id) {
			onTimeout()
		}
	})
	t.entries[id] = e
	return true
}

// finish removes the id and reports whether this call claimed the reply.
func (t *pendingTable) finish(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	delete(t.entries, id)
	e.timer.Stop()
	return true
}

// outstanding returns the number of unreplied requests.
func (t *pendingTable) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// close stops all timers. Used on connection teardown so expired requests
// of a gone client do not fire writes at it.
func (t *pendingTable) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, id)
	}
}
