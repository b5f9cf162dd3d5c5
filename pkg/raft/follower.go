package raft

import (
	"context"
	"time"
)

// runFollower drives the Follower and NonVoter roles: one select loop
// servicing the election timer, the RPC receive channels, the
// embedder-facing API, and replication events (a non-voter can be a
// replication target even though it isn't a voter while it syncs).
func (c *core) runFollower(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		if c.role != RoleFollower && c.role != RoleNonVoter {
			return
		}
		var timerCh <-chan time.Time
		if c.role == RoleFollower {
			d := time.Until(c.electionDeadline)
			if d < 0 {
				d = 0
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)
			timerCh = timer.C
		}

		select {
		case <-c.n.shutdownCh:
			c.role = RoleShutdown
			return

		case <-timerCh:
			if time.Now().Before(c.electionDeadline) {
				continue
			}
			c.role = RoleCandidate
			return

		case call := <-c.n.apiCh:
			c.dispatchAPICall(ctx, call)

		case rv := <-c.n.rpcVoteCh:
			rv.reply <- c.handleVoteRequest(ctx, rv.req)

		case ra := <-c.n.rpcAppendCh:
			ra.reply <- c.handleAppendEntries(ctx, ra.req)

		case rs := <-c.n.rpcSnapCh:
			resp, err := c.handleInstallSnapshot(ctx, rs.req)
			rs.reply <- rpcSnapResult{resp: resp, err: err}

		case id := <-c.n.compactionCh:
			c.noteCompaction(id)

		case <-c.n.replicaCh:
			// Followers and non-voters own no replication streams;
			// drain defensively in case one is in flight during a
			// role transition.
		}
	}
}

// dispatchAPICall answers embedder-facing calls that don't require being
// leader, and rejects the ones that do with ErrForwardToLeader.
func (c *core) dispatchAPICall(ctx context.Context, call apiCall) {
	switch req := call.(type) {
	case clientWriteCall:
		req.reply <- clientWriteResult{Err: &ErrForwardToLeader{LeaderID: c.leaderID}}
	case clientReadCall:
		req.reply <- &ErrForwardToLeader{LeaderID: c.leaderID}
	case changeMembershipCall:
		req.reply <- changeMembershipResult{Err: &ErrForwardToLeader{LeaderID: c.leaderID}}
	case addNonVoterCall:
		req.reply <- &ErrForwardToLeader{LeaderID: c.leaderID}
	case initializeCall:
		req.reply <- c.handleInitialize(ctx, req.Members)
	}
}

// handleInitialize implements the pristine-node Initialize transition: a
// pristine node (no log, term 0) adopts members as its membership without
// appending anything itself. A single-member {self} config becomes Leader
// directly after bumping its term and persisting hard state; any other
// config campaigns as Candidate. Either way, the initial ConfigChange
// entry is appended by the leader-ascent path, not here, so the
// single-node case ends with exactly one log entry.
func (c *core) handleInitialize(ctx context.Context, members map[string]bool) error {
	if c.role != RoleNonVoter || c.lastLogId.Index != 0 || c.currentTerm != 0 {
		return &ErrNotAllowed{Reason: "node already initialized"}
	}
	mc := &MembershipConfig{Members: cloneSet(members)}
	c.membership = *mc.Clone()

	if len(members) == 1 && members[c.n.id] {
		c.currentTerm++
		c.votedFor = c.n.id
		c.saveHardState(ctx)
		c.becomeLeader(ctx)
		return nil
	}

	c.role = RoleCandidate
	c.resetElectionDeadline()
	c.publishMetrics()
	return nil
}
