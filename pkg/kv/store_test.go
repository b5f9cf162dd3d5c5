package kv

import (
	"testing"

	"github.com/vzdtic/raftcore/pkg/raft"
)

func applyCommand(t *testing.T, s *Store, cmdType CommandType, key string, value []byte, clientID string, reqID uint64) []byte {
	t.Helper()
	data, err := EncodeCommand(cmdType, key, value, clientID, reqID)
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	out, err := s.Apply(raft.Entry{LogId: raft.LogId{Term: 1, Index: reqID}, Kind: raft.EntryNormal, Data: data})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return out
}

func TestSetAndGet(t *testing.T) {
	s := New()
	applyCommand(t, s, CommandSet, "foo", []byte("bar"), "client-1", 1)

	value, ok := s.Get("foo")
	if !ok {
		t.Fatal("expected key foo to exist")
	}
	if string(value) != "bar" {
		t.Fatalf("got %q, want %q", value, "bar")
	}
}

func TestDelete(t *testing.T) {
	s := New()
	applyCommand(t, s, CommandSet, "foo", []byte("bar"), "client-1", 1)
	applyCommand(t, s, CommandDelete, "foo", nil, "client-1", 2)

	if _, ok := s.Get("foo"); ok {
		t.Fatal("expected foo to be deleted")
	}
}

func TestApplyIsAtMostOnce(t *testing.T) {
	s := New()
	applyCommand(t, s, CommandSet, "foo", []byte("v1"), "client-1", 1)
	// Replaying the same RequestID (as happens after a leader failover
	// re-applies an already-committed entry) must not clobber later state.
	applyCommand(t, s, CommandSet, "foo", []byte("v2"), "client-1", 2)
	applyCommand(t, s, CommandSet, "foo", []byte("v3-replayed"), "client-1", 1)

	value, _ := s.Get("foo")
	if string(value) != "v2" {
		t.Fatalf("replayed stale request mutated state: got %q, want %q", value, "v2")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := New()
	applyCommand(t, s, CommandSet, "a", []byte("1"), "client-1", 1)
	applyCommand(t, s, CommandSet, "b", []byte("2"), "client-1", 2)

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	restored := New()
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	for _, k := range []string{"a", "b"} {
		got, ok := restored.Get(k)
		if !ok {
			t.Fatalf("restored store missing key %s", k)
		}
		want, _ := s.Get(k)
		if string(got) != string(want) {
			t.Fatalf("restored %s = %q, want %q", k, got, want)
		}
	}

	// Session dedup state must also survive the snapshot, so a replayed
	// write after restore is still deduplicated.
	before := restored.Size()
	applyCommand(t, restored, CommandSet, "a", []byte("clobbered"), "client-1", 1)
	if restored.Size() != before {
		t.Fatal("size changed on a replayed request after restore")
	}
	got, _ := restored.Get("a")
	if string(got) != "1" {
		t.Fatalf("replayed request after restore mutated state: got %q", got)
	}
}

func TestNewClientIDUnique(t *testing.T) {
	a := NewClientID()
	b := NewClientID()
	if a == b {
		t.Fatal("expected distinct client ids")
	}
}
