package notify

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAddPrependsNewest(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.Add("alice", "first", "msg1", "info", "")
	s.Add("alice", "second", "msg2", "info", "")

	list := s.List("alice")
	if len(list) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(list))
	}
	if list[0].Title != "second" {
		t.Fatalf("expected newest first, got %q", list[0].Title)
	}
}

func TestRetentionCapsCount(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < maxPerUser+10; i++ {
		s.Add("alice", "t", "m", "info", "")
	}
	if got := len(s.List("alice")); got != maxPerUser {
		t.Fatalf("expected retention to cap at %d, got %d", maxPerUser, got)
	}
}

func TestMarkAllReadIsIdempotent(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.Add("alice", "t", "m", "info", "")
	s.Add("alice", "t2", "m2", "info", "")

	s.MarkAllRead("alice")
	for _, n := range s.List("alice") {
		if !n.Read {
			t.Fatal("expected all notifications to be read")
		}
	}

	s.MarkAllRead("alice") // must not panic or error on a no-op second call
	for _, n := range s.List("alice") {
		if !n.Read {
			t.Fatal("expected notifications to remain read")
		}
	}
}

func TestSetResponseMasksSensitiveInput(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	n := s.Add("alice", "approve?", "do the thing", "interactive", "")

	ok := s.SetResponse("alice", n.ID, "approve", "super-secret-token", true)
	if !ok {
		t.Fatal("expected SetResponse to succeed")
	}

	got, _ := s.GetByID("alice", n.ID)
	if got.Response == nil || got.Response.Action != "approve" {
		t.Fatal("expected response to be recorded")
	}
	if got.Response.Input != "" {
		t.Fatal("expected masked input to never be recorded by value")
	}
	if len(got.MaskedInputIDs) != 1 {
		t.Fatalf("expected exactly one masked input id, got %d", len(got.MaskedInputIDs))
	}
}

func TestFlushPersistsSynchronously(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	s.Add("alice", "t", "m", "info", "")

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(reloaded.List("alice")); got != 1 {
		t.Fatalf("expected persisted notification to survive reload, got %d", got)
	}
}

func TestDebouncedPersistEventuallyWritesWithoutFlush(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	s.Add("alice", "t", "m", "info", "")

	time.Sleep(debounceWindow + 200*time.Millisecond)

	if _, err := os.Stat(filepath.Join(dir, fileName)); err != nil {
		t.Fatalf("expected debounced persist to have written the file: %v", err)
	}
}
