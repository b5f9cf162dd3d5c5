package grpc

import (
	"context"
	"testing"
	"time"

	"github.com/vzdtic/raftcore/pkg/raft"
)

type fakeNode struct {
	lastVoteReq raft.VoteRequest
}

func (f *fakeNode) HandleVote(ctx context.Context, req raft.VoteRequest) (raft.VoteResponse, error) {
	f.lastVoteReq = req
	return raft.VoteResponse{Term: req.Term, VoteGranted: true}, nil
}

func (f *fakeNode) HandleAppendEntries(ctx context.Context, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	return raft.AppendEntriesResponse{Term: req.Term, Success: true}, nil
}

func (f *fakeNode) HandleInstallSnapshot(ctx context.Context, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	return raft.InstallSnapshotResponse{Term: req.Term}, nil
}

// startServer brings up a Transport listening on an OS-assigned port and
// returns its actual dialable address.
func startServer(t *testing.T, n node) string {
	t.Helper()
	srv := New("127.0.0.1:0", nil)
	srv.SetNode(n)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv.listener.Addr().String()
}

func TestSendVoteRoundTrip(t *testing.T) {
	fn := &fakeNode{}
	addr := startServer(t, fn)

	client := New("", map[string]string{"peer": addr})
	t.Cleanup(client.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := client.SendVote(ctx, "peer", raft.VoteRequest{Term: 7, CandidateID: "c1"})
	if err != nil {
		t.Fatalf("SendVote: %v", err)
	}
	if !resp.VoteGranted || resp.Term != 7 {
		t.Fatalf("resp = %+v", resp)
	}
	if fn.lastVoteReq.CandidateID != "c1" {
		t.Fatalf("server saw CandidateID = %q, want c1", fn.lastVoteReq.CandidateID)
	}
}

func TestSendAppendEntriesRoundTrip(t *testing.T) {
	fn := &fakeNode{}
	addr := startServer(t, fn)

	client := New("", map[string]string{"peer": addr})
	t.Cleanup(client.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := client.SendAppendEntries(ctx, "peer", raft.AppendEntriesRequest{
		Term:     4,
		LeaderID: "leader-1",
		Entries:  []raft.Entry{{LogId: raft.LogId{Term: 4, Index: 1}, Kind: raft.EntryNormal, Data: []byte("x")}},
	})
	if err != nil {
		t.Fatalf("SendAppendEntries: %v", err)
	}
	if !resp.Success || resp.Term != 4 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestSendInstallSnapshotRoundTrip(t *testing.T) {
	fn := &fakeNode{}
	addr := startServer(t, fn)

	client := New("", map[string]string{"peer": addr})
	t.Cleanup(client.Stop)

	meta := raft.SnapshotMeta{
		LastLogId:  raft.LogId{Term: 2, Index: 100},
		Membership: *raft.NewMembershipConfig("a", "b", "c"),
		SnapshotID: "snap-1",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := client.SendInstallSnapshot(ctx, "peer", raft.InstallSnapshotRequest{
		Term:     2,
		LeaderID: "leader-1",
		Meta:     meta,
		Offset:   0,
		Data:     []byte("snapshot bytes"),
		Done:     true,
	})
	if err != nil {
		t.Fatalf("SendInstallSnapshot: %v", err)
	}
	if resp.Term != 2 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestSendToUnknownPeerFails(t *testing.T) {
	client := New("", map[string]string{})
	t.Cleanup(client.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.SendVote(ctx, "ghost", raft.VoteRequest{Term: 1}); err == nil {
		t.Fatal("expected error dialing unknown peer")
	}
}

func TestConnectionIsReused(t *testing.T) {
	fn := &fakeNode{}
	addr := startServer(t, fn)

	client := New("", map[string]string{"peer": addr})
	t.Cleanup(client.Stop)

	conn1, err := client.getConn("peer")
	if err != nil {
		t.Fatalf("getConn: %v", err)
	}
	conn2, err := client.getConn("peer")
	if err != nil {
		t.Fatalf("getConn: %v", err)
	}
	if conn1 != conn2 {
		t.Fatal("expected cached connection to be reused")
	}
}
