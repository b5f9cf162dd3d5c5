package raft

import "context"

// ClientWrite proposes data to be replicated and committed, returning
// once the entry has committed under the joint-quorum rule and the
// leader has applied it.
func (n *Node) ClientWrite(ctx context.Context, data []byte) (LogId, []byte, error) {
	reply := make(chan clientWriteResult, 1)
	select {
	case n.apiCh <- clientWriteCall{Data: data, reply: reply}:
	case <-ctx.Done():
		return LogId{}, nil, ctx.Err()
	case <-n.doneCh:
		return LogId{}, nil, ErrShuttingDown
	}
	select {
	case res := <-reply:
		return res.LogId, res.Data, res.Err
	case <-ctx.Done():
		return LogId{}, nil, ctx.Err()
	}
}

// ClientRead blocks until a read-quorum heartbeat confirms this node is
// still leader, then returns nil so the caller may read the
// state machine directly with linearizable freshness.
func (n *Node) ClientRead(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case n.apiCh <- clientReadCall{reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.doneCh:
		return ErrShuttingDown
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ChangeMembership drives the joint-consensus sequence to move the
// cluster to the given target member set, returning once the final
// configuration has committed.
func (n *Node) ChangeMembership(ctx context.Context, members map[string]bool) (LogId, error) {
	reply := make(chan changeMembershipResult, 1)
	select {
	case n.apiCh <- changeMembershipCall{Members: members, reply: reply}:
	case <-ctx.Done():
		return LogId{}, ctx.Err()
	case <-n.doneCh:
		return LogId{}, ErrShuttingDown
	}
	select {
	case res := <-reply:
		return res.LogId, res.Err
	case <-ctx.Done():
		return LogId{}, ctx.Err()
	}
}

// AddNonVoter starts replicating to id without granting it a vote,
// beginning its catch-up ahead of a subsequent ChangeMembership call.
func (n *Node) AddNonVoter(ctx context.Context, id, address string) error {
	reply := make(chan error, 1)
	select {
	case n.apiCh <- addNonVoterCall{ID: id, Address: address, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.doneCh:
		return ErrShuttingDown
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initialize bootstraps a brand-new cluster with the given member set.
// Only valid on a node that has never logged any entries.
func (n *Node) Initialize(ctx context.Context, members map[string]bool) error {
	reply := make(chan error, 1)
	select {
	case n.apiCh <- initializeCall{Members: members, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.doneCh:
		return ErrShuttingDown
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleVote, HandleAppendEntries and HandleInstallSnapshot are the
// receiver-side RPC entry points a Transport implementation calls when a
// peer's request arrives.
func (n *Node) HandleVote(ctx context.Context, req VoteRequest) (VoteResponse, error) {
	reply := make(chan VoteResponse, 1)
	select {
	case n.rpcVoteCh <- rpcVoteCall{req: req, reply: reply}:
	case <-ctx.Done():
		return VoteResponse{}, ctx.Err()
	case <-n.doneCh:
		return VoteResponse{}, ErrShuttingDown
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return VoteResponse{}, ctx.Err()
	}
}

func (n *Node) HandleAppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	reply := make(chan AppendEntriesResponse, 1)
	select {
	case n.rpcAppendCh <- rpcAppendCall{req: req, reply: reply}:
	case <-ctx.Done():
		return AppendEntriesResponse{}, ctx.Err()
	case <-n.doneCh:
		return AppendEntriesResponse{}, ErrShuttingDown
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return AppendEntriesResponse{}, ctx.Err()
	}
}

func (n *Node) HandleInstallSnapshot(ctx context.Context, req InstallSnapshotRequest) (InstallSnapshotResponse, error) {
	reply := make(chan rpcSnapResult, 1)
	select {
	case n.rpcSnapCh <- rpcSnapCall{req: req, reply: reply}:
	case <-ctx.Done():
		return InstallSnapshotResponse{}, ctx.Err()
	case <-n.doneCh:
		return InstallSnapshotResponse{}, ErrShuttingDown
	}
	select {
	case res := <-reply:
		return res.resp, res.err
	case <-ctx.Done():
		return InstallSnapshotResponse{}, ctx.Err()
	}
}
