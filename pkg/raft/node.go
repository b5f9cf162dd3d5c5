package raft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"time"

	"go.uber.org/atomic"
)

// Node is a single logical actor. All mutable state is confined to the
// goroutine running Node.run; every other caller communicates with it
// exclusively through typed messages on the channels below. There is
// no shared mutable state and no package-level variable.
type Node struct {
	id      string
	cfg     *Config
	storage Storage
	trans   Transport
	logger  *log.Logger

	apiCh        chan apiCall
	replicaCh    chan replicationEvent
	rpcVoteCh    chan rpcVoteCall
	rpcAppendCh  chan rpcAppendCall
	rpcSnapCh    chan rpcSnapCall
	compactionCh chan LogId
	shutdownCh   chan struct{}
	doneCh       chan struct{}

	metrics    *metricsHub
	view       atomic.Value // holds leaderView
	compacting atomic.Bool
}

// leaderView is the slice of leader state a ReplicationStream needs to
// decide what to send next. The leader publishes a new value every time
// it changes instead of letting replication goroutines read core's
// fields directly, keeping state confined to a single writer.
type leaderView struct {
	Term        uint64
	LastLogId   LogId
	CommitIndex uint64
}

func (c *core) publishView() {
	c.n.view.Store(leaderView{Term: c.currentTerm, LastLogId: c.lastLogId, CommitIndex: c.commitIndex})
}

type rpcVoteCall struct {
	req   VoteRequest
	reply chan VoteResponse
}

type rpcAppendCall struct {
	req   AppendEntriesRequest
	reply chan AppendEntriesResponse
}

type rpcSnapCall struct {
	req   InstallSnapshotRequest
	reply chan rpcSnapResult
}

// NewNode constructs a Node and starts its actor goroutine. Call Stop to
// shut it down.
func NewNode(cfg *Config, storage Storage, trans Transport, logger *log.Logger) *Node {
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("[%s] ", cfg.ID), log.LstdFlags)
	}
	n := &Node{
		id:           cfg.ID,
		cfg:          cfg,
		storage:      storage,
		trans:        trans,
		logger:       logger,
		apiCh:        make(chan apiCall),
		replicaCh:    make(chan replicationEvent, 64),
		rpcVoteCh:    make(chan rpcVoteCall),
		rpcAppendCh:  make(chan rpcAppendCall),
		rpcSnapCh:    make(chan rpcSnapCall),
		compactionCh: make(chan LogId, 1),
		shutdownCh:   make(chan struct{}),
		doneCh:       make(chan struct{}),
		metrics:      newMetricsHub(Metrics{ID: cfg.ID}),
	}
	go n.run()
	return n
}

// Stop asks the Node to shut down and waits for its actor goroutine to
// exit. Replication tasks are signalled to stop on the way out; Stop does
// not wait for them to return.
func (n *Node) Stop() {
	select {
	case <-n.shutdownCh:
	default:
		close(n.shutdownCh)
	}
	<-n.doneCh
}

// Metrics returns the latest published snapshot.
func (n *Node) Metrics() Metrics {
	return n.metrics.snapshot()
}

// SubscribeMetrics returns a channel delivering the next Metrics change.
func (n *Node) SubscribeMetrics() <-chan Metrics {
	return n.metrics.subscribe()
}

// core is the state private to the run goroutine. Splitting it from Node
// keeps the channel plumbing (which outside callers reason about) away
// from the fields only run and its helpers may touch.
type core struct {
	n *Node

	role        NodeRole
	currentTerm uint64
	votedFor    string
	leaderID    string
	membership  MembershipConfig

	lastLogId         LogId
	commitIndex       uint64
	lastApplied       uint64
	snapshotLastLogId LogId

	electionDeadline time.Time

	leader *leaderState

	// snapRecv tracks an inbound chunked snapshot stream across
	// InstallSnapshot RPCs: which snapshot id is being received,
	// the next expected offset, and the sink the chunks land in.
	snapRecv *snapshotReceiveState

	// isSteppingDown is latched true the moment a joint config excluding
	// self is proposed, so completeMembershipChange knows to transition to
	// NonVoter (rather than just Follower) once the final config commits.
	// stepDown clears it.
	isSteppingDown bool
}

func (n *Node) run() {
	defer close(n.doneCh)

	ctx := context.Background()
	init, err := n.storage.GetInitialState(ctx)
	if err != nil {
		n.logger.Printf("failed to load initial state: %v", err)
		return
	}

	c := &core{
		n:           n,
		currentTerm: init.HardState.CurrentTerm,
		votedFor:    init.HardState.VotedFor,
		membership:  init.Membership,
		lastLogId:   init.LastLogId,
		commitIndex: init.LastApplied,
		lastApplied: init.LastApplied,
	}
	if snap, err := n.storage.GetCurrentSnapshot(ctx); err == nil && snap != nil {
		c.snapshotLastLogId = snap.Meta.LastLogId
	}

	// Bootstrap role selection. A node with no configured members
	// starts as a non-voter and waits to be initialized or added; a node
	// that is itself in its own membership starts as a follower; any
	// other starts a non-voter learning the cluster.
	if len(c.membership.Members) == 0 {
		c.role = RoleNonVoter
	} else if c.membership.Contains(n.id) {
		c.role = RoleFollower
	} else {
		c.role = RoleNonVoter
	}
	c.resetElectionDeadline()
	if c.role == RoleFollower {
		// After a restart, hold off campaigning for a while longer than a
		// normal timeout so a rejoining node doesn't disrupt an already
		// stable cluster.
		c.electionDeadline = c.electionDeadline.Add(n.cfg.RestartElectionDelay)
	}
	c.publishMetrics()

	n.logger.Printf("starting as %s (term=%d)", c.role, c.currentTerm)

	for {
		if c.role == RoleShutdown {
			if c.leader != nil {
				c.leader.shutdown()
				c.leader = nil
			}
			return
		}
		switch c.role {
		case RoleLeader:
			c.runLeader(ctx)
		case RoleCandidate:
			c.runCandidate(ctx)
		default:
			c.runFollower(ctx)
		}
	}
}

func (c *core) resetElectionDeadline() {
	lo, hi := c.n.cfg.ElectionTimeoutMin, c.n.cfg.ElectionTimeoutMax
	d := lo + time.Duration(rand.Int63n(int64(hi-lo+1)))
	c.electionDeadline = time.Now().Add(d)
}

func (c *core) publishMetrics() {
	m := Metrics{
		ID:                c.n.id,
		Role:              c.role,
		CurrentTerm:       c.currentTerm,
		LastLogId:         c.lastLogId,
		CommitIndex:       c.commitIndex,
		LastApplied:       c.lastApplied,
		LeaderID:          c.leaderID,
		Membership:        *c.membership.Clone(),
		SnapshotLastLogId: c.snapshotLastLogId,
	}
	if c.role == RoleLeader && c.leader != nil {
		lm := &LeaderMetrics{}
		for id, mi := range c.leader.matchIndex {
			lm.Replication = append(lm.Replication, ReplicationMetric{TargetID: id, MatchIndex: mi})
		}
		m.Leader = lm
	}
	c.n.metrics.publish(m)
	c.publishView()
}

// stepDown reverts to Follower at a (possibly) higher term, resetting
// leader-only state. voted_for is cleared on every term bump, uniformly,
// not only in the RequestVote path.
func (c *core) stepDown(ctx context.Context, term uint64) {
	if c.leaderID == c.n.id {
		c.leaderID = ""
	}
	if c.leader != nil {
		c.leader.stopStreams()
		c.leader.failPending(&ErrForwardToLeader{LeaderID: c.leaderID})
		c.leader = nil
	}
	c.isSteppingDown = false
	if term > c.currentTerm {
		c.currentTerm = term
		c.votedFor = ""
		c.saveHardState(ctx)
	}
	if c.role != RoleNonVoter {
		c.role = RoleFollower
	}
	c.coerceRoleToMembership()
	c.resetElectionDeadline()
	c.publishMetrics()
}

func (c *core) saveHardState(ctx context.Context) {
	if err := c.n.storage.SaveHardState(ctx, HardState{CurrentTerm: c.currentTerm, VotedFor: c.votedFor}); err != nil {
		c.n.logger.Printf("failed to persist hard state: %v", err)
	}
}

// handleVoteRequest implements the receiver side of RequestVote.
func (c *core) handleVoteRequest(ctx context.Context, req VoteRequest) VoteResponse {
	if req.Term < c.currentTerm {
		return VoteResponse{Term: c.currentTerm, VoteGranted: false}
	}
	if req.Term > c.currentTerm {
		c.stepDown(ctx, req.Term)
	}
	grant := false
	if (c.votedFor == "" || c.votedFor == req.CandidateID) && c.lastLogId.LessOrEqual(req.LastLogId) {
		grant = true
		c.votedFor = req.CandidateID
		c.saveHardState(ctx)
		c.resetElectionDeadline()
	}
	return VoteResponse{Term: c.currentTerm, VoteGranted: grant}
}

// handleAppendEntries implements the follower receive path.
func (c *core) handleAppendEntries(ctx context.Context, req AppendEntriesRequest) AppendEntriesResponse {
	if req.Term < c.currentTerm {
		return AppendEntriesResponse{Term: c.currentTerm, Success: false}
	}
	if req.Term > c.currentTerm || c.role == RoleCandidate {
		c.stepDown(ctx, req.Term)
	}
	c.leaderID = req.LeaderID
	c.resetElectionDeadline()

	if req.PrevLogId.Index > 0 {
		existing, err := c.n.storage.TryGetLogEntry(ctx, req.PrevLogId.Index)
		if err != nil {
			c.n.logger.Printf("append-entries: storage error: %v", err)
			return AppendEntriesResponse{Term: c.currentTerm, Success: false}
		}
		if existing == nil || existing.LogId.Term != req.PrevLogId.Term {
			return AppendEntriesResponse{Term: c.currentTerm, Success: false, Conflict: c.conflictOpt(ctx, req.PrevLogId)}
		}
	}

	for _, e := range req.Entries {
		existing, err := c.n.storage.TryGetLogEntry(ctx, e.LogId.Index)
		if err != nil {
			return AppendEntriesResponse{Term: c.currentTerm, Success: false}
		}
		if existing != nil && existing.LogId.Term != e.LogId.Term {
			if err := c.n.storage.DeleteLogsFrom(ctx, e.LogId.Index); err != nil {
				c.n.logger.Printf("append-entries: truncate failed: %v", err)
				return AppendEntriesResponse{Term: c.currentTerm, Success: false}
			}
			existing = nil
		}
		if existing == nil {
			if err := c.n.storage.AppendToLog(ctx, []Entry{e}); err != nil {
				c.n.logger.Printf("append-entries: append failed: %v", err)
				return AppendEntriesResponse{Term: c.currentTerm, Success: false}
			}
			if e.Kind == EntryConfigChange && e.Membership != nil {
				c.membership = *e.Membership.Clone()
			}
			c.lastLogId = e.LogId
		}
	}
	if len(req.Entries) > 0 {
		last := req.Entries[len(req.Entries)-1]
		if c.lastLogId.Less(last.LogId) {
			c.lastLogId = last.LogId
		}
	}

	if req.LeaderCommit > c.commitIndex {
		if req.LeaderCommit < c.lastLogId.Index {
			c.commitIndex = req.LeaderCommit
		} else {
			c.commitIndex = c.lastLogId.Index
		}
		c.applyCommitted(ctx)
	}
	c.coerceRoleToMembership()
	c.publishMetrics()
	return AppendEntriesResponse{Term: c.currentTerm, Success: true}
}

// coerceRoleToMembership keeps the passive roles aligned with the
// current configuration: a non-voter that a replicated
// ConfigChange just made a voter starts running an election timer, and a
// follower the configuration dropped stops counting toward quorum.
func (c *core) coerceRoleToMembership() {
	switch {
	case c.role == RoleNonVoter && c.membership.Contains(c.n.id):
		c.role = RoleFollower
		c.resetElectionDeadline()
	case c.role == RoleFollower && !c.membership.Contains(c.n.id):
		c.role = RoleNonVoter
	}
}

// conflictOpt returns the greatest LogId at or below prev whose term
// differs from prev's, so the leader can rewind nextIndex by whole terms
// in one round trip instead of one entry at a time. A
// hint of (0,0) tells the leader to restart replication from index 1.
func (c *core) conflictOpt(ctx context.Context, prev LogId) *ConflictOpt {
	last, err := c.n.storage.GetLastLogId(ctx)
	if err != nil {
		return &ConflictOpt{}
	}
	idx := prev.Index
	if last.Index < idx {
		idx = last.Index
	}
	for ; idx > 0; idx-- {
		entry, err := c.n.storage.TryGetLogEntry(ctx, idx)
		if err != nil {
			return &ConflictOpt{}
		}
		if entry != nil && entry.LogId.Term != prev.Term {
			return &ConflictOpt{Term: entry.LogId.Term, Index: idx}
		}
	}
	return &ConflictOpt{}
}

// applyCommitted drives entries in (last_applied, commit_index] through
// the state machine, strictly in index order, and returns the
// per-index application results so the leader can route them to the
// client writes awaiting those indices.
func (c *core) applyCommitted(ctx context.Context) map[uint64][]byte {
	if c.lastApplied >= c.commitIndex {
		return nil
	}
	entries, err := c.n.storage.GetLogEntries(ctx, c.lastApplied+1, c.commitIndex+1)
	if err != nil {
		c.n.logger.Printf("apply: failed to read entries: %v", err)
		c.role = RoleShutdown
		return nil
	}
	if len(entries) == 0 {
		return nil
	}
	results, err := c.n.storage.ApplyToStateMachine(ctx, entries)
	if err != nil {
		if errors.Is(err, ErrStorageShutdown) {
			c.n.logger.Printf("apply: fatal storage error: %v", err)
			c.role = RoleShutdown
			return nil
		}
		// Application-level failure: the entry is consumed either way;
		// the error is surfaced only to the request that carried it.
		c.n.logger.Printf("apply: state machine error: %v", err)
	}
	out := make(map[uint64][]byte, len(results))
	for i, e := range entries {
		if e.Kind == EntryConfigChange {
			c.onConfigChangeApplied(ctx, e)
		}
		if e.Kind == EntryNormal && i < len(results) {
			out[e.LogId.Index] = results[i]
		}
	}
	c.lastApplied = entries[len(entries)-1].LogId.Index
	if c.n.cfg.SnapshotLogsSinceLast > 0 && c.snapRecv == nil &&
		c.lastApplied-c.snapshotLastLogId.Index >= c.n.cfg.SnapshotLogsSinceLast {
		go c.n.triggerCompaction(ctx)
	}
	return out
}

// triggerCompaction runs snapshot creation off the run loop's
// critical path. At most one compaction runs at a time, and none starts
// while an inbound snapshot stream is open (the caller checks snapRecv).
// The resulting snapshot position is reported back to the run loop over
// the compaction channel.
func (n *Node) triggerCompaction(ctx context.Context) {
	if !n.compacting.CompareAndSwap(false, true) {
		return
	}
	defer n.compacting.Store(false)
	snap, err := n.storage.DoLogCompaction(ctx)
	if err != nil {
		n.logger.Printf("log compaction failed: %v", err)
		return
	}
	select {
	case n.compactionCh <- snap.Meta.LastLogId:
	default:
	}
}

// noteCompaction records a finished compaction's position.
func (c *core) noteCompaction(id LogId) {
	if c.snapshotLastLogId.Less(id) {
		c.snapshotLastLogId = id
		c.publishMetrics()
	}
}

// snapshotReceiveState is the follower side of one chunked snapshot
// stream: the id being received, the offset the next chunk must land at,
// and the open sink.
type snapshotReceiveState struct {
	id     string
	offset uint64
	sink   SnapshotSink
}

// handleInstallSnapshot implements the receiver side of snapshot
// installation. A
// mismatched chunk (wrong offset for a fresh stream, or a stale stream's
// id at a non-zero offset) is rejected with ErrSnapshotMismatch so the
// sender restarts from offset 0.
func (c *core) handleInstallSnapshot(ctx context.Context, req InstallSnapshotRequest) (InstallSnapshotResponse, error) {
	if req.Term < c.currentTerm {
		return InstallSnapshotResponse{Term: c.currentTerm}, nil
	}
	if req.Term > c.currentTerm || c.role == RoleCandidate {
		c.stepDown(ctx, req.Term)
	}
	c.leaderID = req.LeaderID
	c.resetElectionDeadline()

	switch {
	case c.snapRecv == nil:
		if req.Offset != 0 {
			return InstallSnapshotResponse{Term: c.currentTerm},
				&ErrSnapshotMismatch{Expected: SnapshotMeta{}, Got: req.Meta}
		}
		sink, err := c.n.storage.BeginReceivingSnapshot(ctx)
		if err != nil {
			return InstallSnapshotResponse{Term: c.currentTerm}, err
		}
		c.snapRecv = &snapshotReceiveState{id: req.Meta.SnapshotID, sink: sink}

	case c.snapRecv.id != req.Meta.SnapshotID:
		if req.Offset != 0 {
			return InstallSnapshotResponse{Term: c.currentTerm},
				&ErrSnapshotMismatch{Expected: SnapshotMeta{SnapshotID: c.snapRecv.id}, Got: req.Meta}
		}
		// The leader started over with a newer snapshot: drop the old
		// stream and begin receiving the new one.
		c.snapRecv.sink.Close()
		sink, err := c.n.storage.BeginReceivingSnapshot(ctx)
		if err != nil {
			c.snapRecv = nil
			return InstallSnapshotResponse{Term: c.currentTerm}, err
		}
		c.snapRecv = &snapshotReceiveState{id: req.Meta.SnapshotID, sink: sink}

	case c.snapRecv.offset != req.Offset:
		if _, err := c.snapRecv.sink.Seek(int64(req.Offset), io.SeekStart); err != nil {
			return InstallSnapshotResponse{Term: c.currentTerm}, err
		}
		c.snapRecv.offset = req.Offset
	}

	if _, err := c.snapRecv.sink.Write(req.Data); err != nil {
		return InstallSnapshotResponse{Term: c.currentTerm}, err
	}
	c.snapRecv.offset = req.Offset + uint64(len(req.Data))

	if !req.Done {
		return InstallSnapshotResponse{Term: c.currentTerm}, nil
	}
	sink := c.snapRecv.sink
	c.snapRecv = nil
	if err := c.n.storage.FinalizeSnapshotInstallation(ctx, req.Meta, sink); err != nil {
		return InstallSnapshotResponse{Term: c.currentTerm}, err
	}
	if mc, err := c.n.storage.GetMembershipConfig(ctx); err == nil && len(mc.Members) > 0 {
		c.membership = *mc.Clone()
	} else {
		c.membership = *req.Meta.Membership.Clone()
	}
	c.lastLogId = req.Meta.LastLogId
	if c.commitIndex < req.Meta.LastLogId.Index {
		c.commitIndex = req.Meta.LastLogId.Index
	}
	c.lastApplied = req.Meta.LastLogId.Index
	c.snapshotLastLogId = req.Meta.LastLogId
	c.coerceRoleToMembership()
	c.publishMetrics()
	return InstallSnapshotResponse{Term: c.currentTerm}, nil
}
