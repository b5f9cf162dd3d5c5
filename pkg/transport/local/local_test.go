package local

import (
	"context"
	"testing"
	"time"

	"github.com/vzdtic/raftcore/pkg/raft"
)

type fakeNode struct {
	id    string
	votes int
}

func (f *fakeNode) HandleVote(ctx context.Context, req raft.VoteRequest) (raft.VoteResponse, error) {
	f.votes++
	return raft.VoteResponse{Term: req.Term, VoteGranted: true}, nil
}

func (f *fakeNode) HandleAppendEntries(ctx context.Context, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	return raft.AppendEntriesResponse{Term: req.Term, Success: true}, nil
}

func (f *fakeNode) HandleInstallSnapshot(ctx context.Context, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	return raft.InstallSnapshotResponse{Term: req.Term}, nil
}

func TestSendVoteDispatchesToRegisteredNode(t *testing.T) {
	tr := New()
	b := &fakeNode{id: "b"}
	tr.Register("a", &fakeNode{id: "a"})
	tr.Register("b", b)

	resp, err := tr.SendVote(context.Background(), "b", raft.VoteRequest{Term: 1, CandidateID: "a"})
	if err != nil {
		t.Fatalf("SendVote: %v", err)
	}
	if !resp.VoteGranted {
		t.Fatal("expected vote granted")
	}
	if b.votes != 1 {
		t.Fatalf("votes = %d, want 1", b.votes)
	}
}

func TestSendToUnregisteredNodeFails(t *testing.T) {
	tr := New()
	tr.Register("a", &fakeNode{id: "a"})

	_, err := tr.SendVote(context.Background(), "ghost", raft.VoteRequest{Term: 1, CandidateID: "a"})
	if err != raft.ErrNodeNotFound {
		t.Fatalf("err = %v, want ErrNodeNotFound", err)
	}
}

func TestDisconnectBlocksOneDirection(t *testing.T) {
	tr := New()
	tr.Register("a", &fakeNode{id: "a"})
	tr.Register("b", &fakeNode{id: "b"})

	tr.Disconnect("a", "b")
	if _, err := tr.SendVote(context.Background(), "b", raft.VoteRequest{Term: 1, CandidateID: "a"}); err != raft.ErrNodeNotFound {
		t.Fatalf("expected disconnected link to fail, got %v", err)
	}
	// The reverse direction is untouched.
	if _, err := tr.SendVote(context.Background(), "a", raft.VoteRequest{Term: 1, CandidateID: "b"}); err != nil {
		t.Fatalf("reverse direction should still work: %v", err)
	}

	tr.Connect("a", "b")
	if _, err := tr.SendVote(context.Background(), "b", raft.VoteRequest{Term: 1, CandidateID: "a"}); err != nil {
		t.Fatalf("expected reconnected link to work: %v", err)
	}
}

func TestPartitionIsolatesBothDirections(t *testing.T) {
	tr := New()
	tr.Register("a", &fakeNode{id: "a"})
	tr.Register("b", &fakeNode{id: "b"})
	tr.Register("c", &fakeNode{id: "c"})

	tr.Partition("a")

	if _, err := tr.SendVote(context.Background(), "a", raft.VoteRequest{Term: 1, CandidateID: "b"}); err != raft.ErrNodeNotFound {
		t.Fatalf("expected b->a blocked, got %v", err)
	}
	if _, err := tr.SendVote(context.Background(), "b", raft.VoteRequest{Term: 1, CandidateID: "a"}); err != raft.ErrNodeNotFound {
		t.Fatalf("expected a->b blocked, got %v", err)
	}
	// b and c are unaffected.
	if _, err := tr.SendVote(context.Background(), "c", raft.VoteRequest{Term: 1, CandidateID: "b"}); err != nil {
		t.Fatalf("expected b->c unaffected: %v", err)
	}

	tr.Heal("a")
	if _, err := tr.SendVote(context.Background(), "a", raft.VoteRequest{Term: 1, CandidateID: "b"}); err != nil {
		t.Fatalf("expected a healed: %v", err)
	}
}

func TestHealAllClearsEveryDisconnect(t *testing.T) {
	tr := New()
	tr.Register("a", &fakeNode{id: "a"})
	tr.Register("b", &fakeNode{id: "b"})
	tr.Disconnect("a", "b")
	tr.Partition("b")

	tr.HealAll()

	if _, err := tr.SendVote(context.Background(), "b", raft.VoteRequest{Term: 1, CandidateID: "a"}); err != nil {
		t.Fatalf("expected all links healed: %v", err)
	}
}

func TestSetLatencyDelaysDelivery(t *testing.T) {
	tr := New()
	tr.Register("a", &fakeNode{id: "a"})
	tr.Register("b", &fakeNode{id: "b"})
	tr.SetLatency(30 * time.Millisecond)

	start := time.Now()
	if _, err := tr.SendVote(context.Background(), "b", raft.VoteRequest{Term: 1, CandidateID: "a"}); err != nil {
		t.Fatalf("SendVote: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("elapsed = %v, want at least 30ms", elapsed)
	}
}

func TestSendRespectsContextCancellation(t *testing.T) {
	tr := New()
	tr.Register("a", &fakeNode{id: "a"})
	tr.Register("b", &fakeNode{id: "b"})
	tr.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := tr.SendVote(ctx, "b", raft.VoteRequest{Term: 1, CandidateID: "a"})
	if err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}
