package raft

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

// memStorage is a minimal in-memory Storage for exercising Node behavior
// without pulling in pkg/wal.
type memStorage struct {
	mu      sync.Mutex
	hs      HardState
	entries map[uint64]Entry
	applied uint64
}

func newMemStorage() *memStorage {
	return &memStorage{entries: make(map[uint64]Entry)}
}

func (s *memStorage) GetInitialState(ctx context.Context) (InitialState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return InitialState{HardState: s.hs, LastApplied: s.applied}, nil
}

func (s *memStorage) GetMembershipConfig(ctx context.Context) (MembershipConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mc MembershipConfig
	var at LogId
	for _, e := range s.entries {
		if e.Kind == EntryConfigChange && e.Membership != nil && at.Less(e.LogId) {
			mc = *e.Membership.Clone()
			at = e.LogId
		}
	}
	return mc, nil
}

func (s *memStorage) SaveHardState(ctx context.Context, hs HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hs = hs
	return nil
}

func (s *memStorage) GetLogEntries(ctx context.Context, start, stop uint64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for i := start; i < stop; i++ {
		if e, ok := s.entries[i]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStorage) TryGetLogEntry(ctx context.Context, index uint64) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[index]; ok {
		cp := e
		return &cp, nil
	}
	return nil, nil
}

func (s *memStorage) GetLastLogId(ctx context.Context) (LogId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last LogId
	for _, e := range s.entries {
		if last.Less(e.LogId) {
			last = e.LogId
		}
	}
	return last, nil
}

func (s *memStorage) AppendToLog(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[e.LogId.Index] = e
	}
	return nil
}

func (s *memStorage) DeleteLogsFrom(ctx context.Context, from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.entries {
		if idx >= from {
			delete(s.entries, idx)
		}
	}
	return nil
}

func (s *memStorage) ApplyToStateMachine(ctx context.Context, entries []Entry) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(entries))
	for _, e := range entries {
		s.applied = e.LogId.Index
	}
	return out, nil
}

func (s *memStorage) DoLogCompaction(ctx context.Context) (Snapshot, error) {
	return Snapshot{}, nil
}

func (s *memStorage) BeginReceivingSnapshot(ctx context.Context) (SnapshotSink, error) {
	return nil, ErrSnapshotFailed
}

func (s *memStorage) FinalizeSnapshotInstallation(ctx context.Context, meta SnapshotMeta, sink SnapshotSink) error {
	return nil
}

func (s *memStorage) GetCurrentSnapshot(ctx context.Context) (*Snapshot, error) {
	return nil, nil
}

// noopTransport never reaches a peer; used for single-node tests where no
// RPC should ever be sent.
type noopTransport struct{}

func (noopTransport) SendVote(ctx context.Context, target string, req VoteRequest) (VoteResponse, error) {
	return VoteResponse{}, context.DeadlineExceeded
}

func (noopTransport) SendAppendEntries(ctx context.Context, target string, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	return AppendEntriesResponse{}, context.DeadlineExceeded
}

func (noopTransport) SendInstallSnapshot(ctx context.Context, target string, req InstallSnapshotRequest) (InstallSnapshotResponse, error) {
	return InstallSnapshotResponse{}, context.DeadlineExceeded
}

func testConfig(id string) *Config {
	cfg := DefaultConfig(id)
	cfg.ElectionTimeoutMin = 30 * time.Millisecond
	cfg.ElectionTimeoutMax = 60 * time.Millisecond
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.RPCTimeout = 20 * time.Millisecond
	return cfg
}

// TestInitializeSingleNodeBecomesLeaderWithOneEntry: a pristine
// single-node cluster initialized with {self} becomes Leader
// directly and ends up with exactly one log entry, the initial
// ConfigChange, committed and applied.
func TestInitializeSingleNodeBecomesLeaderWithOneEntry(t *testing.T) {
	storage := newMemStorage()
	n := NewNode(testConfig("n0"), storage, noopTransport{}, nil)
	defer n.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := n.Initialize(ctx, map[string]bool{"n0": true}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		m := n.Metrics()
		if m.Role == RoleLeader {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("node never became leader, role=%s", m.Role)
		}
		time.Sleep(5 * time.Millisecond)
	}

	entries, err := storage.GetLogEntries(ctx, 1, 10)
	if err != nil {
		t.Fatalf("GetLogEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("log has %d entries, want exactly 1", len(entries))
	}
	e := entries[0]
	if e.LogId != (LogId{Term: 1, Index: 1}) {
		t.Fatalf("entry LogId = %v, want (1,1)", e.LogId)
	}
	if e.Kind != EntryConfigChange {
		t.Fatalf("entry kind = %v, want ConfigChange", e.Kind)
	}

	deadline = time.Now().Add(time.Second)
	for {
		m := n.Metrics()
		if m.CommitIndex == 1 && m.LastApplied == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("commit/apply never reached 1: commit=%d applied=%d", m.CommitIndex, m.LastApplied)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestSubscribeMetricsDeliversUpdates: a subscriber receives the next
// published Metrics value when the node's state changes.
func TestSubscribeMetricsDeliversUpdates(t *testing.T) {
	n := NewNode(testConfig("n0"), newMemStorage(), noopTransport{}, nil)
	defer n.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.Initialize(ctx, map[string]bool{"n0": true}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for n.Metrics().Role != RoleLeader {
		if time.Now().After(deadline) {
			t.Fatal("node never became leader")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ch := n.SubscribeMetrics()
	if _, _, err := n.ClientWrite(ctx, []byte("x")); err != nil {
		t.Fatalf("ClientWrite: %v", err)
	}
	select {
	case m := <-ch:
		if m.ID != "n0" {
			t.Fatalf("metrics for wrong node: %s", m.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no metrics update delivered to subscriber")
	}
}

// TestConflictOptSkipsBackByTerm: a follower whose log disagrees with
// the leader's prev entry hints back the greatest LogId at or below it
// whose term differs, so the leader rewinds by whole terms in one round
// trip rather than one index at a time.
func TestConflictOptSkipsBackByTerm(t *testing.T) {
	storage := newMemStorage()
	for i := uint64(8); i <= 12; i++ {
		storage.entries[i] = Entry{LogId: LogId{Term: 2, Index: i}, Kind: EntryNormal}
	}

	c := &core{n: &Node{id: "n1", storage: storage, logger: log.New(io.Discard, "", 0)}}

	// The leader probes with prev=(3,9); every local entry at or below
	// index 9 is from term 2, so the hint is the follower's (2,9).
	got := c.conflictOpt(context.Background(), LogId{Term: 3, Index: 9})
	want := &ConflictOpt{Term: 2, Index: 9}
	if *got != *want {
		t.Fatalf("conflictOpt = %+v, want %+v", got, want)
	}
}

// TestConflictOptEmptyLogIsZero: with nothing at or below the probed
// index the hint is (0,0), which drives the leader to restart
// replication from index 1.
func TestConflictOptEmptyLogIsZero(t *testing.T) {
	c := &core{n: &Node{id: "n1", storage: newMemStorage(), logger: log.New(io.Discard, "", 0)}}
	got := c.conflictOpt(context.Background(), LogId{Term: 3, Index: 7})
	if *got != (ConflictOpt{}) {
		t.Fatalf("conflictOpt = %+v, want (0,0)", got)
	}
}

// TestAppendEntriesCoercesNonVoterToFollower: a non-voter that receives
// a replicated ConfigChange naming it a voter starts behaving as a
// Follower (and so can campaign if the leader later disappears).
func TestAppendEntriesCoercesNonVoterToFollower(t *testing.T) {
	storage := newMemStorage()
	n := NewNode(testConfig("n1"), storage, noopTransport{}, nil)
	defer n.Stop()

	members := NewMembershipConfig("n0", "n1")
	resp, err := n.HandleAppendEntries(context.Background(), AppendEntriesRequest{
		Term:     1,
		LeaderID: "n0",
		Entries: []Entry{
			{LogId: LogId{Term: 1, Index: 1}, Kind: EntryConfigChange, Membership: members},
		},
		LeaderCommit: 1,
	})
	if err != nil {
		t.Fatalf("HandleAppendEntries: %v", err)
	}
	if !resp.Success {
		t.Fatalf("append rejected: %+v", resp)
	}

	deadline := time.Now().Add(time.Second)
	for {
		role := n.Metrics().Role
		if role == RoleFollower || role == RoleCandidate || role == RoleLeader {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("node stayed %s after becoming a voter", role)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestBecomeLeaderCompletesInterruptedMembershipChange: a new leader
// whose log ends in an uncommitted joint ConfigChange finishes its
// crashed predecessor's membership change by appending the matching
// final config as its initial entry.
func TestBecomeLeaderCompletesInterruptedMembershipChange(t *testing.T) {
	storage := newMemStorage()
	joint := &MembershipConfig{
		Members:      map[string]bool{"n0": true},
		MembersAfter: map[string]bool{"n0": true, "n1": true, "n2": true},
	}
	storage.entries[1] = Entry{LogId: LogId{Term: 1, Index: 1}, Kind: EntryConfigChange, Membership: NewMembershipConfig("n0")}
	storage.entries[2] = Entry{LogId: LogId{Term: 1, Index: 2}, Kind: EntryConfigChange, Membership: joint}

	n := &Node{
		id:        "n0",
		cfg:       testConfig("n0"),
		storage:   storage,
		trans:     noopTransport{},
		logger:    log.New(io.Discard, "", 0),
		replicaCh: make(chan replicationEvent, 64),
		metrics:   newMetricsHub(Metrics{ID: "n0"}),
	}
	c := &core{
		n:           n,
		role:        RoleCandidate,
		currentTerm: 2,
		membership:  *joint.Clone(),
		lastLogId:   LogId{Term: 1, Index: 2},
	}

	c.becomeLeader(context.Background())
	defer c.leader.stopStreams()

	final, err := storage.TryGetLogEntry(context.Background(), 3)
	if err != nil || final == nil {
		t.Fatalf("no initial entry appended: %v", err)
	}
	if final.Kind != EntryConfigChange || final.Membership == nil {
		t.Fatalf("initial entry = %+v, want final ConfigChange", final)
	}
	if final.Membership.IsJoint() {
		t.Fatal("appended entry is still joint")
	}
	for _, id := range []string{"n0", "n1", "n2"} {
		if !final.Membership.Members[id] {
			t.Fatalf("final config missing %s: %+v", id, final.Membership.Members)
		}
	}
	if final.LogId.Term != 2 {
		t.Fatalf("final entry term = %d, want the new leader's term 2", final.LogId.Term)
	}
	// The joint window must stay in force until the joint entry applies.
	if !c.membership.IsJoint() {
		t.Fatal("leader cut over to the target config before the joint entry applied")
	}
}

// TestInstallSnapshotRejectsMismatchedOffset: the first chunk of a new
// stream must start at offset 0; anything else is answered with a
// snapshot-mismatch error so the sender restarts the transfer.
func TestInstallSnapshotRejectsMismatchedOffset(t *testing.T) {
	n := NewNode(testConfig("n1"), newMemStorage(), noopTransport{}, nil)
	defer n.Stop()

	_, err := n.HandleInstallSnapshot(context.Background(), InstallSnapshotRequest{
		Term:     1,
		LeaderID: "n0",
		Meta:     SnapshotMeta{LastLogId: LogId{Term: 1, Index: 5}, SnapshotID: "snap-1"},
		Offset:   100,
		Data:     []byte("tail"),
	})
	var mismatch *ErrSnapshotMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want ErrSnapshotMismatch", err)
	}
}
