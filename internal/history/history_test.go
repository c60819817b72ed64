package history

import (
	"fmt"
	"testing"

	"github.com/wayfarer-labs/relay/internal/db"
)

func TestAppendAndRecent_InMemoryOnly(t *testing.T) {
	s := New(nil, 100)

	s.Append("alpha", DirectionUser, "hello")
	s.Append("alpha", DirectionAssistant, "hi there")

	entries := s.Recent("alpha", 10)
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Direction != DirectionUser || entries[0].Text != "hello" {
		t.Errorf("entries[0] = %+v, want user/hello", entries[0])
	}
	if entries[1].Direction != DirectionAssistant || entries[1].Text != "hi there" {
		t.Errorf("entries[1] = %+v, want assistant/hi there", entries[1])
	}
}

func TestRing_BoundedAtK(t *testing.T) {
	s := New(nil, 3)
	for i := 0; i < 10; i++ {
		s.Append("alpha", DirectionUser, fmt.Sprintf("msg-%d", i))
	}
	entries := s.Recent("alpha", 100)
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3 (ring size)", len(entries))
	}
	if entries[len(entries)-1].Text != "msg-9" {
		t.Errorf("most recent = %q, want msg-9", entries[len(entries)-1].Text)
	}
	if entries[0].Text != "msg-7" {
		t.Errorf("oldest retained = %q, want msg-7", entries[0].Text)
	}
}

func TestAppend_SpillsToDurableStore(t *testing.T) {
	gdb, err := db.ConnectMemory()
	if err != nil {
		t.Fatalf("ConnectMemory: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	s := New(gdb, 2)
	for i := 0; i < 5; i++ {
		s.Append("alpha", DirectionUser, fmt.Sprintf("msg-%d", i))
	}

	// In-memory ring only holds the last 2; Recent(5) must merge durable rows.
	entries := s.Recent("alpha", 5)
	if len(entries) != 5 {
		t.Fatalf("len(entries) = %d, want 5 (merged durable+memory)", len(entries))
	}
	for i, e := range entries {
		want := fmt.Sprintf("msg-%d", i)
		if e.Text != want {
			t.Errorf("entries[%d].Text = %q, want %q", i, e.Text, want)
		}
	}
}

func TestRecoveryContext_FormatsTurns(t *testing.T) {
	s := New(nil, 10)
	s.Append("alpha", DirectionUser, "question")
	s.Append("alpha", DirectionAssistant, "answer")

	ctx := s.RecoveryContext("alpha", 10)
	if ctx == "" {
		t.Fatal("expected non-empty recovery context")
	}
}

func TestRecoveryContext_EmptyForUnknownSession(t *testing.T) {
	s := New(nil, 10)
	if ctx := s.RecoveryContext("never-seen", 10); ctx != "" {
		t.Errorf("RecoveryContext = %q, want empty", ctx)
	}
}

func TestClear_RemovesInMemoryAndDurable(t *testing.T) {
	gdb, err := db.ConnectMemory()
	if err != nil {
		t.Fatalf("ConnectMemory: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	s := New(gdb, 2)
	s.Append("alpha", DirectionUser, "hello")

	if err := s.Clear("alpha"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if entries := s.Recent("alpha", 10); len(entries) != 0 {
		t.Errorf("entries after Clear = %v, want empty", entries)
	}
}

func TestTwoSessionsDoNotShareRings(t *testing.T) {
	s := New(nil, 10)
	s.Append("alpha", DirectionUser, "a-msg")
	s.Append("beta", DirectionUser, "b-msg")

	alphaEntries := s.Recent("alpha", 10)
	betaEntries := s.Recent("beta", 10)

	if len(alphaEntries) != 1 || alphaEntries[0].Text != "a-msg" {
		t.Errorf("alpha entries = %v", alphaEntries)
	}
	if len(betaEntries) != 1 || betaEntries[0].Text != "b-msg" {
		t.Errorf("beta entries = %v", betaEntries)
	}
}
