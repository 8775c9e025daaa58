package history

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_AppendAssignsIncreasingLineNumbers(t *testing.T) {
	store := openTestStore(t)

	for want := int64(1); want <= 5; want++ {
		got, err := store.Append("s1", []byte("chunk"))
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if got != want {
			t.Fatalf("line number = %d, want %d", got, want)
		}
	}

	// A different session starts its own numbering.
	got, err := store.Append("s2", []byte("chunk"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if got != 1 {
		t.Fatalf("s2 first line number = %d, want 1", got)
	}
}

func TestStore_RecentHistoryPreservesBytesAndOrder(t *testing.T) {
	store := openTestStore(t)

	chunks := [][]byte{
		[]byte("╭──╮\n"),
		[]byte("\x1b[31m│ colored\x1b[0m\n"),
		[]byte("╰──╯\n"),
	}
	for _, c := range chunks {
		if _, err := store.Append("s1", c); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	lines, err := store.RecentHistory("s1", 100)
	if err != nil {
		t.Fatalf("RecentHistory failed: %v", err)
	}
	if len(lines) != len(chunks) {
		t.Fatalf("got %d lines, want %d", len(lines), len(chunks))
	}
	for i, l := range lines {
		if !bytes.Equal(l.Content, chunks[i]) {
			t.Fatalf("line %d = %q, want %q", i, l.Content, chunks[i])
		}
		if l.LineNumber != int64(i+1) {
			t.Fatalf("line %d has number %d", i, l.LineNumber)
		}
	}
}

func TestStore_RecentHistoryCapsToNewest(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 10; i++ {
		if _, err := store.Append("s1", []byte{byte('a' + i)}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	lines, err := store.RecentHistory("s1", 3)
	if err != nil {
		t.Fatalf("RecentHistory failed: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	got := string(lines[0].Content) + string(lines[1].Content) + string(lines[2].Content)
	if got != "hij" {
		t.Fatalf("capped history = %q, want %q", got, "hij")
	}
}

func TestStore_RecentHistoryEmptySession(t *testing.T) {
	store := openTestStore(t)
	lines, err := store.RecentHistory("never-existed", 10)
	if err != nil {
		t.Fatalf("RecentHistory failed: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("expected no lines, got %d", len(lines))
	}
}

func TestStore_PruneHistory(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 10; i++ {
		if _, err := store.Append("s1", []byte{byte('0' + i)}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := store.PruneHistory("s1", 4); err != nil {
		t.Fatalf("PruneHistory failed: %v", err)
	}

	lines, err := store.RecentHistory("s1", 100)
	if err != nil {
		t.Fatalf("RecentHistory failed: %v", err)
	}
	if len(lines) != 4 {
		t.Fatalf("got %d lines after prune, want 4", len(lines))
	}
	if string(lines[0].Content) != "6" {
		t.Fatalf("oldest surviving line = %q, want %q", lines[0].Content, "6")
	}

	// Numbering continues after a prune.
	n, err := store.Append("s1", []byte("next"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if n != 11 {
		t.Fatalf("line number after prune = %d, want 11", n)
	}
}

func TestStore_SessionMetadataRoundTrip(t *testing.T) {
	store := openTestStore(t)

	meta := SessionMetadata{
		SessionID:   "s1",
		OwnerUserID: "user-1",
		WorkingDir:  "/srv/project",
		Command:     "claude",
		Backend:     "tmux",
		TmuxName:    "broker_s1",
		Status:      "active",
		Cols:        120,
		Rows:        40,
	}
	if err := store.UpsertSessionMetadata(meta); err != nil {
		t.Fatalf("UpsertSessionMetadata failed: %v", err)
	}

	got, err := store.GetSessionMetadata("s1")
	if err != nil {
		t.Fatalf("GetSessionMetadata failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected metadata, got nil")
	}
	if got.OwnerUserID != "user-1" || got.Backend != "tmux" || got.Status != "active" ||
		got.Cols != 120 || got.Rows != 40 || got.TmuxName != "broker_s1" {
		t.Fatalf("metadata mismatch: %+v", got)
	}
	if got.CreatedAt == "" || got.UpdatedAt == "" {
		t.Fatal("timestamps not populated")
	}
}

func TestStore_GetSessionMetadataMissing(t *testing.T) {
	store := openTestStore(t)
	got, err := store.GetSessionMetadata("nope")
	if err != nil {
		t.Fatalf("GetSessionMetadata failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing session, got %+v", got)
	}
}

func TestStore_MarkSessionStatusAndActiveSessions(t *testing.T) {
	store := openTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := store.UpsertSessionMetadata(SessionMetadata{
			SessionID: id,
			Backend:   "pty",
			Status:    "active",
		}); err != nil {
			t.Fatalf("upsert %s failed: %v", id, err)
		}
	}
	if err := store.MarkSessionStatus("b", "closed"); err != nil {
		t.Fatalf("MarkSessionStatus failed: %v", err)
	}

	active, err := store.ActiveSessions()
	if err != nil {
		t.Fatalf("ActiveSessions failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("got %d active sessions, want 2", len(active))
	}
	for _, m := range active {
		if m.SessionID == "b" {
			t.Fatal("closed session listed as active")
		}
	}
}

func TestStore_ReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := store.Append("s1", []byte("survives")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.UpsertSessionMetadata(SessionMetadata{SessionID: "s1", Status: "active"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	store.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	lines, err := reopened.RecentHistory("s1", 10)
	if err != nil || len(lines) != 1 || string(lines[0].Content) != "survives" {
		t.Fatalf("history lost across reopen: lines=%v err=%v", lines, err)
	}
	meta, err := reopened.GetSessionMetadata("s1")
	if err != nil || meta == nil || meta.Status != "active" {
		t.Fatalf("metadata lost across reopen: meta=%+v err=%v", meta, err)
	}
}
