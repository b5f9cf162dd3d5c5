package raft

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// leaderState is the leader-only state: per-target progress, the
// replication fleet, and in-flight client writes awaiting commit.
type leaderState struct {
	c *core

	matchIndex map[string]uint64
	nextIndex  map[string]uint64

	streams map[string]*ReplicationStream

	// awaitingCommit holds one reply channel per log index a ClientWrite
	// is waiting on, resolved (or failed on step-down) as commitIndex
	// advances.
	awaitingCommit map[uint64]chan clientWriteResult

	// nonVoterReplies holds AddNonVoter callers waiting for their target's
	// first readiness report.
	nonVoterReplies map[string]chan error

	// removeAfterCommit maps a peer removed by a committed config change
	// to the index it must confirm before its stream is torn down, so a
	// departing peer still learns it was removed.
	removeAfterCommit map[string]uint64

	// membershipChange tracks an in-flight joint-consensus transition,
	// nil when none is outstanding.
	membershipChange *membershipChangeState
}

func newLeaderState(c *core) *leaderState {
	return &leaderState{
		c:                 c,
		matchIndex:        make(map[string]uint64),
		nextIndex:         make(map[string]uint64),
		streams:           make(map[string]*ReplicationStream),
		awaitingCommit:    make(map[uint64]chan clientWriteResult),
		nonVoterReplies:   make(map[string]chan error),
		removeAfterCommit: make(map[string]uint64),
	}
}

func (ls *leaderState) startReplication(ctx context.Context, target string) {
	if _, ok := ls.streams[target]; ok {
		return
	}
	ls.nextIndex[target] = ls.c.lastLogId.Index + 1
	s := newReplicationStream(ls.c, target)
	ls.streams[target] = s
	go s.run(ctx)
}

func (ls *leaderState) stopReplication(target string) {
	if s, ok := ls.streams[target]; ok {
		s.stop()
		delete(ls.streams, target)
	}
	delete(ls.matchIndex, target)
	delete(ls.nextIndex, target)
	delete(ls.removeAfterCommit, target)
}

// stopStreams terminates every owned replication stream, so none
// outlives the leader state that owns it.
func (ls *leaderState) stopStreams() {
	for _, s := range ls.streams {
		s.stop()
	}
}

// failPending resolves every outstanding client write, waiting
// AddNonVoter caller and in-flight ChangeMembership caller with err:
// ErrShuttingDown on node shutdown, ErrForwardToLeader on step-down.
// Reads are not tracked here.
func (ls *leaderState) failPending(err error) {
	for idx, ch := range ls.awaitingCommit {
		delete(ls.awaitingCommit, idx)
		ch <- clientWriteResult{Err: err}
	}
	for id, ch := range ls.nonVoterReplies {
		delete(ls.nonVoterReplies, id)
		ch <- err
	}
	if ls.membershipChange != nil && ls.membershipChange.reply != nil {
		ls.membershipChange.reply <- changeMembershipResult{Err: err}
		ls.membershipChange = nil
	}
}

func (ls *leaderState) shutdown() {
	ls.stopStreams()
	ls.failPending(ErrShuttingDown)
}

// runLeader is the leader's event loop: heartbeat timer, replication
// events driving commit-index advancement, and the embedder-facing API.
func (c *core) runLeader(ctx context.Context) {
	ls := c.leader
	heartbeat := time.NewTicker(c.n.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		if c.role != RoleLeader {
			return
		}
		select {
		case <-c.n.shutdownCh:
			c.role = RoleShutdown
			ls.shutdown()
			c.leader = nil
			return

		case <-heartbeat.C:
			for _, s := range ls.streams {
				s.nudge()
			}

		case ev := <-c.n.replicaCh:
			c.handleReplicationEvent(ctx, ev)
			if c.role != RoleLeader {
				return
			}

		case call := <-c.n.apiCh:
			c.dispatchLeaderAPICall(ctx, call)
			if c.role != RoleLeader {
				return
			}

		case rv := <-c.n.rpcVoteCh:
			rv.reply <- c.handleVoteRequest(ctx, rv.req)
			if c.role != RoleLeader {
				return
			}

		case ra := <-c.n.rpcAppendCh:
			ra.reply <- c.handleAppendEntries(ctx, ra.req)
			if c.role != RoleLeader {
				return
			}

		case rs := <-c.n.rpcSnapCh:
			resp, err := c.handleInstallSnapshot(ctx, rs.req)
			rs.reply <- rpcSnapResult{resp: resp, err: err}
			if c.role != RoleLeader {
				return
			}

		case id := <-c.n.compactionCh:
			c.noteCompaction(id)
		}
	}
}

func (c *core) handleReplicationEvent(ctx context.Context, ev replicationEvent) {
	ls := c.leader
	if ev.Err != nil {
		c.n.logger.Printf("replication to %s: %v", ev.TargetID, ev.Err)
		return
	}
	if ev.Term > c.currentTerm {
		c.stepDown(ctx, ev.Term)
		return
	}
	if ev.MatchIndex > ls.matchIndex[ev.TargetID] {
		ls.matchIndex[ev.TargetID] = ev.MatchIndex
		if ev.MatchIndex+1 > ls.nextIndex[ev.TargetID] {
			ls.nextIndex[ev.TargetID] = ev.MatchIndex + 1
		}
	}

	if idx, ok := ls.removeAfterCommit[ev.TargetID]; ok && ls.matchIndex[ev.TargetID] >= idx {
		ls.stopReplication(ev.TargetID)
	}
	if ch, ok := ls.nonVoterReplies[ev.TargetID]; ok && c.nonVoterCaughtUp(ev.TargetID) {
		delete(ls.nonVoterReplies, ev.TargetID)
		ch <- nil
	}

	c.advanceCommitIndex(ctx)
	c.checkMembershipProgress(ctx)
	c.publishMetrics()
}

// nonVoterCaughtUp reports whether target's match index is within the
// configured slack of the leader's last log index.
func (c *core) nonVoterCaughtUp(target string) bool {
	mi := c.leader.matchIndex[target]
	return c.lastLogId.Index <= mi || c.lastLogId.Index-mi <= c.n.cfg.NonVoterReadySlack
}

// advanceCommitIndex recomputes the commit index: a leader may only commit an index
// from its own current term, found via the joint-quorum majority match
// index.
func (c *core) advanceCommitIndex(ctx context.Context) {
	ls := c.leader
	if ls == nil {
		return
	}
	ls.matchIndex[c.n.id] = c.lastLogId.Index
	newCommit := jointQuorumMatchIndex(&c.membership, ls.matchIndex, c.lastLogId.Index)
	if newCommit <= c.commitIndex {
		return
	}
	entry, err := c.n.storage.TryGetLogEntry(ctx, newCommit)
	if err != nil || entry == nil || entry.LogId.Term != c.currentTerm {
		return
	}
	prevCommit := c.commitIndex
	c.commitIndex = newCommit

	// Detach the replies this advance satisfies before applying: a
	// ConfigChange in the batch can demote this node (final config
	// excluding self), which clears c.leader and fails whatever is still
	// pending with ForwardToLeader. These writes committed, so they get
	// their results either way.
	term := c.currentTerm
	resolved := make(map[uint64]chan clientWriteResult)
	for idx := prevCommit + 1; idx <= newCommit; idx++ {
		if ch, ok := ls.awaitingCommit[idx]; ok {
			resolved[idx] = ch
			delete(ls.awaitingCommit, idx)
		}
	}

	results := c.applyCommitted(ctx)
	for idx := prevCommit + 1; idx <= newCommit; idx++ {
		if ch, ok := resolved[idx]; ok {
			ch <- clientWriteResult{LogId: LogId{Term: term, Index: idx}, Data: results[idx]}
		}
	}
}

func (c *core) dispatchLeaderAPICall(ctx context.Context, call apiCall) {
	ls := c.leader
	switch req := call.(type) {
	case clientWriteCall:
		entry := Entry{LogId: LogId{Term: c.currentTerm, Index: c.lastLogId.Index + 1}, Kind: EntryNormal, Data: req.Data}
		if err := c.n.storage.AppendToLog(ctx, []Entry{entry}); err != nil {
			req.reply <- clientWriteResult{Err: err}
			return
		}
		c.lastLogId = entry.LogId
		ls.awaitingCommit[entry.LogId.Index] = req.reply
		for _, s := range ls.streams {
			s.nudge()
		}
		c.advanceCommitIndex(ctx)
		c.publishMetrics()

	case clientReadCall:
		c.beginReadQuorum(ctx, req.reply)

	case changeMembershipCall:
		c.beginMembershipChange(ctx, req.Members, req.reply)

	case addNonVoterCall:
		c.handleAddNonVoter(ctx, req)

	case initializeCall:
		req.reply <- &ErrNotAllowed{Reason: "cluster already initialized"}
	}
}

// handleAddNonVoter implements AddNonVoter: rejected when the
// target is already a voter, already syncing, or on its way out; the
// reply fires when the new target first reports itself caught up.
func (c *core) handleAddNonVoter(ctx context.Context, req addNonVoterCall) {
	ls := c.leader
	switch {
	case c.membership.Contains(req.ID):
		req.reply <- &ErrNotAllowed{Reason: "target is already a voter"}
	case ls.removeAfterCommit[req.ID] != 0:
		req.reply <- &ErrNotAllowed{Reason: "target is being removed"}
	default:
		if _, ok := ls.streams[req.ID]; ok {
			req.reply <- ErrNoop
			return
		}
		ls.startReplication(ctx, req.ID)
		ls.nonVoterReplies[req.ID] = req.reply
	}
}

// beginReadQuorum gates a linearizable read: a client read is only safe to answer
// once a majority of every voting set has acknowledged a heartbeat sent
// after the read was requested, confirming this node is still leader. A
// reply carrying a higher term is routed back to the run loop as a
// replication event so the leader steps down.
func (c *core) beginReadQuorum(ctx context.Context, reply chan error) {
	membership := c.membership.Clone()
	targets := membersList(membership.AllNodes())
	term := c.currentTerm
	prevLogId := c.lastLogId
	leaderCommit := c.commitIndex
	selfID := c.n.id
	n := c.n

	go func() {
		rpcCtx, cancel := context.WithTimeout(ctx, n.cfg.HeartbeatInterval)
		defer cancel()
		g, gctx := errgroup.WithContext(rpcCtx)
		acked := make(chan string, len(targets))
		higherTerm := make(chan uint64, len(targets))
		acked <- selfID
		for _, target := range targets {
			target := target
			if target == selfID {
				continue
			}
			g.Go(func() error {
				resp, err := n.trans.SendAppendEntries(gctx, target, AppendEntriesRequest{
					Term:         term,
					LeaderID:     selfID,
					PrevLogId:    prevLogId,
					LeaderCommit: leaderCommit,
				})
				if err != nil {
					return nil
				}
				if resp.Term > term {
					select {
					case higherTerm <- resp.Term:
					default:
					}
					return nil
				}
				// Any same-term reply acknowledges this node's leadership,
				// including Success=false from a follower whose log merely
				// lags PrevLogId. The log-consistency rejection only rewinds
				// replication; it doesn't dispute the term.
				acked <- target
				return nil
			})
		}
		g.Wait()
		close(acked)
		select {
		case t := <-higherTerm:
			select {
			case n.replicaCh <- replicationEvent{Term: t}:
			default:
			}
			reply <- &ErrForwardToLeader{}
			return
		default:
		}
		votes := map[string]bool{}
		for id := range acked {
			votes[id] = true
		}
		if jointQuorumGranted(membership, votes) {
			reply <- nil
		} else {
			reply <- ErrTimeout
		}
	}()
}
