package raft

// VoteRequest is sent by a Candidate to solicit a vote.
type VoteRequest struct {
	Term        uint64
	CandidateID string
	LastLogId   LogId
}

type VoteResponse struct {
	Term        uint64
	VoteGranted bool
}

// ConflictOpt tells the leader where to rewind nextIndex after a rejected
// AppendEntries, avoiding a one-at-a-time backtrack.
type ConflictOpt struct {
	Term  uint64
	Index uint64
}

// AppendEntriesRequest is the leader's replication/heartbeat RPC.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     string
	PrevLogId    LogId
	Entries      []Entry
	LeaderCommit uint64
}

type AppendEntriesResponse struct {
	Term    uint64
	Success bool
	// Conflict is set when Success is false and the follower can offer a
	// faster rewind target than decrementing PrevLogId.Index by one.
	Conflict *ConflictOpt
}

// InstallSnapshotRequest streams a snapshot in offset-addressed chunks.
type InstallSnapshotRequest struct {
	Term     uint64
	LeaderID string
	Meta     SnapshotMeta
	Offset   uint64
	Data     []byte
	Done     bool
}

type InstallSnapshotResponse struct {
	Term uint64
}

// apiCall is the marker interface implemented by every request the
// embedder-facing API sends into Node.run over the single api channel.
// Each concrete call carries its own typed reply channel so the select
// loop can type-switch on the call and respond without a shared
// request/response correlation table.
type apiCall interface {
	isAPICall()
}

type clientWriteCall struct {
	Data  []byte
	reply chan clientWriteResult
}

func (clientWriteCall) isAPICall() {}

type clientWriteResult struct {
	LogId LogId
	Data  []byte
	Err   error
}

type clientReadCall struct {
	reply chan error
}

func (clientReadCall) isAPICall() {}

type changeMembershipCall struct {
	Members map[string]bool
	reply   chan changeMembershipResult
}

func (changeMembershipCall) isAPICall() {}

type changeMembershipResult struct {
	LogId LogId
	Err   error
}

type addNonVoterCall struct {
	ID      string
	Address string
	reply   chan error
}

func (addNonVoterCall) isAPICall() {}

type initializeCall struct {
	Members map[string]bool
	reply   chan error
}

func (initializeCall) isAPICall() {}

// replicationEvent is sent by a ReplicationStream task back to its owning
// Node over the node's single replica-event channel.
type replicationEvent struct {
	TargetID   string
	MatchIndex uint64
	Term       uint64 // set when the stream observed a higher term
	Err        error
}

// rpcSnapResult pairs an InstallSnapshot reply with the receive-side
// error (e.g. ErrSnapshotMismatch) the transport surfaces to the sender.
type rpcSnapResult struct {
	resp InstallSnapshotResponse
	err  error
}
