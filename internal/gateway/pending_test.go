package gateway

import (
	"testing"
	"time"
)

func TestPendingTable_FinishClaimsReplyOnce(t *testing.T) {
	p := newPendingTable(time.Minute)

	if !p.begin("r1", func() {}) {
		t.Fatal("begin rejected a fresh id")
	}
	if p.outstanding() != 1 {
		t.Fatalf("outstanding = %d, want 1", p.outstanding())
	}
	if !p.finish("r1") {
		t.Fatal("first finish should claim the reply")
	}
	if p.finish("r1") {
		t.Fatal("second finish should not claim anything")
	}
	if p.outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0", p.outstanding())
	}
}

func TestPendingTable_DuplicateIDRejected(t *testing.T) {
	p := newPendingTable(time.Minute)
	if !p.begin("r1", func() {}) {
		t.Fatal("begin rejected a fresh id")
	}
	if p.begin("r1", func() {}) {
		t.Fatal("begin accepted a duplicate id")
	}
}

func TestPendingTable_TimeoutFires(t *testing.T) {
	p := newPendingTable(20 * time.Millisecond)

	fired := make(chan struct{})
	p.begin("r1", func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
	// The timeout claimed the reply; a late handler must not.
	if p.finish("r1") {
		t.Fatal("finish after timeout should not claim the reply")
	}
}

func TestPendingTable_ReplyBeatsTimeout(t *testing.T) {
	p := newPendingTable(50 * time.Millisecond)

	fired := make(chan struct{}, 1)
	p.begin("r1", func() { fired <- struct{}{} })
	if !p.finish("r1") {
		t.Fatal("finish should claim the reply")
	}

	select {
	case <-fired:
		t.Fatal("timeout fired after the reply claimed the id")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestPendingTable_CloseStopsEverything(t *testing.T) {
	p := newPendingTable(30 * time.Millisecond)

	fired := make(chan struct{}, 1)
	p.begin("r1", func() { fired <- struct{}{} })
	p.close()

	if p.begin("r2", func() {}) {
		t.Fatal("begin accepted after close")
	}
	select {
	case <-fired:
		t.Fatal("timeout fired on a closed table")
	case <-time.After(100 * time.Millisecond):
	}
}
