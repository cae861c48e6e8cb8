package storage

import (
	"encoding/json"
	"testing"
)

type auditEntry struct {
	Event   string `json:"event"`
	Session string `json:"session"`
}

func TestPutGet(t *testing.T) {
	s := New(t.TempDir())

	in := auditEntry{Event: "log_audit_event", Session: "sess-1"}
	if err := s.Put([]string{"sessions", "sess-1"}, in); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var out auditEntry
	if err := s.Get([]string{"sessions", "sess-1"}, &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := New(t.TempDir())
	var out auditEntry
	if err := s.Get([]string{"missing"}, &out); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendAndReadAppendLog(t *testing.T) {
	s := New(t.TempDir())

	entries := []auditEntry{
		{Event: "confirmation_timeout", Session: "sess-1"},
		{Event: "confirmation_timeout", Session: "sess-2"},
	}
	for _, e := range entries {
		if err := s.Append([]string{"audit", "log"}, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var got []auditEntry
	err := s.ReadAppendLog([]string{"audit", "log"}, func(line json.RawMessage) error {
		var e auditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadAppendLog: %v", err)
	}
	if len(got) != 2 || got[0].Session != "sess-1" || got[1].Session != "sess-2" {
		t.Fatalf("unexpected log contents: %+v", got)
	}
}

func TestReadAppendLog_MissingFileIsEmpty(t *testing.T) {
	s := New(t.TempDir())
	called := false
	err := s.ReadAppendLog([]string{"nothing"}, func(json.RawMessage) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatalf("fn should not be called for a missing log file")
	}
}

func TestDelete(t *testing.T) {
	s := New(t.TempDir())
	if err := s.Put([]string{"k"}, auditEntry{Event: "x"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete([]string{"k"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	var out auditEntry
	if err := s.Get([]string{"k"}, &out); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestList(t *testing.T) {
	s := New(t.TempDir())
	if err := s.Put([]string{"sessions", "a"}, auditEntry{Event: "x"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put([]string{"sessions", "b"}, auditEntry{Event: "x"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	names, err := s.List([]string{"sessions"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 entries, got %v", names)
	}
}
