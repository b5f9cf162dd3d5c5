package raft

import "context"

// Transport sends RPCs to a named peer. Implementations must be safe for
// concurrent use by multiple ReplicationStream goroutines and the Node's
// candidate election fan-out.
type Transport interface {
	SendVote(ctx context.Context, target string, req VoteRequest) (VoteResponse, error)
	SendAppendEntries(ctx context.Context, target string, req AppendEntriesRequest) (AppendEntriesResponse, error)
	SendInstallSnapshot(ctx context.Context, target string, req InstallSnapshotRequest) (InstallSnapshotResponse, error)
}
