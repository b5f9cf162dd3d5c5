package raft

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// voteTally is one peer's answer to this campaign, reported back to the
// candidate's own loop so all vote counting happens on the actor
// goroutine.
type voteTally struct {
	target string
	resp   VoteResponse
}

// runCandidate runs one election round: bump term, vote for self, persist,
// solicit votes from every other voter in parallel, and become leader on
// joint quorum.
func (c *core) runCandidate(ctx context.Context) {
	c.currentTerm++
	c.votedFor = c.n.id
	c.leaderID = ""
	c.saveHardState(ctx)
	c.resetElectionDeadline()
	c.publishMetrics()
	c.n.logger.Printf("campaigning for term %d", c.currentTerm)

	term := c.currentTerm
	lastLogId := c.lastLogId
	targets := membersList(c.membership.AllNodes())

	votes := map[string]bool{c.n.id: true}
	if jointQuorumGranted(&c.membership, votes) {
		// Single-member configuration: self-vote alone carries it.
		c.becomeLeader(ctx)
		return
	}

	rpcCtx, cancel := context.WithTimeout(ctx, c.n.cfg.ElectionTimeoutMax)
	defer cancel()

	tallyCh := make(chan voteTally, len(targets))
	g, gctx := errgroup.WithContext(rpcCtx)
	for _, target := range targets {
		target := target
		if target == c.n.id {
			continue
		}
		g.Go(func() error {
			resp, err := c.n.trans.SendVote(gctx, target, VoteRequest{
				Term:        term,
				CandidateID: c.n.id,
				LastLogId:   lastLogId,
			})
			if err != nil {
				return nil // peer unreachable: not fatal for the campaign
			}
			tallyCh <- voteTally{target: target, resp: resp}
			return nil
		})
	}

	deadline := time.NewTimer(time.Until(c.electionDeadline))
	defer deadline.Stop()

	for {
		select {
		case <-c.n.shutdownCh:
			c.role = RoleShutdown
			return

		case tally := <-tallyCh:
			if tally.resp.Term > c.currentTerm {
				c.stepDown(ctx, tally.resp.Term)
				return
			}
			if tally.resp.VoteGranted {
				votes[tally.target] = true
				if jointQuorumGranted(&c.membership, votes) {
					c.becomeLeader(ctx)
					return
				}
			}

		case <-deadline.C:
			// Split vote or unreachable peers: the outer loop restarts
			// the election at a new term.
			return

		case call := <-c.n.apiCh:
			c.dispatchAPICall(ctx, call)
			if c.role != RoleCandidate {
				return
			}

		case rv := <-c.n.rpcVoteCh:
			rv.reply <- c.handleVoteRequest(ctx, rv.req)
			if c.role != RoleCandidate {
				return
			}

		case ra := <-c.n.rpcAppendCh:
			ra.reply <- c.handleAppendEntries(ctx, ra.req)
			if c.role != RoleCandidate {
				return
			}

		case rs := <-c.n.rpcSnapCh:
			resp, err := c.handleInstallSnapshot(ctx, rs.req)
			rs.reply <- rpcSnapResult{resp: resp, err: err}
			if c.role != RoleCandidate {
				return
			}

		case id := <-c.n.compactionCh:
			c.noteCompaction(id)
		}
	}
}

// becomeLeader appends the leader's initial entry: a brand-new log gets
// the current membership as its first ConfigChange (the Initialize path
// never appends it itself, so this is the only place it happens); a log
// whose tail is an uncommitted joint ConfigChange gets the matching final
// config appended to complete a membership change a crashed predecessor
// started; anything else gets a Blank no-op.
func (c *core) becomeLeader(ctx context.Context) {
	c.role = RoleLeader
	c.leaderID = c.n.id
	c.n.logger.Printf("elected leader for term %d", c.currentTerm)

	ls := newLeaderState(c)
	c.leader = ls

	var entry Entry
	switch {
	case c.lastLogId.Index == 0:
		mc := c.membership.Clone()
		entry = Entry{LogId: LogId{Index: 1}, Kind: EntryConfigChange, Membership: mc}
	default:
		tail, err := c.n.storage.TryGetLogEntry(ctx, c.lastLogId.Index)
		if err != nil {
			c.n.logger.Printf("failed to read log tail on ascent: %v", err)
			c.stepDown(ctx, c.currentTerm)
			return
		}
		if tail != nil && tail.Kind == EntryConfigChange && tail.Membership != nil && tail.Membership.IsJoint() {
			// A predecessor crashed mid membership change: the joint entry is
			// on the log but its matching final entry never got
			// appended. Adopt the joint config now, exactly as a
			// follower would on receiving it, so quorum for the final
			// entry we are about to append still requires both the old
			// and new member sets until the joint entry is actually
			// applied.
			c.membership = *tail.Membership.Clone()
			final := &MembershipConfig{Members: cloneSet(tail.Membership.MembersAfter)}
			entry = Entry{LogId: LogId{Index: c.lastLogId.Index + 1}, Kind: EntryConfigChange, Membership: final}
			ls.membershipChange = &membershipChangeState{
				phase:      phaseFinalProposed,
				target:     cloneSet(final.Members),
				jointIndex: tail.LogId,
			}
			if !final.Members[c.n.id] {
				c.isSteppingDown = true
			}
		} else {
			entry = Entry{LogId: LogId{Index: c.lastLogId.Index + 1}, Kind: EntryBlank}
		}
	}
	entry.LogId.Term = c.currentTerm

	if err := c.n.storage.AppendToLog(ctx, []Entry{entry}); err != nil {
		c.n.logger.Printf("failed to append leader initial entry: %v", err)
		c.stepDown(ctx, c.currentTerm)
		return
	}
	c.lastLogId = entry.LogId
	if ls.membershipChange != nil {
		ls.membershipChange.finalIndex = entry.LogId
	}
	if ls.membershipChange == nil && entry.Kind == EntryConfigChange && entry.Membership != nil {
		// Bootstrap case only: the very first entry is its own
		// membership, not a transition, so there is no joint window to
		// protect and adopting it immediately is a no-op.
		c.membership = *entry.Membership.Clone()
	}
	ls.matchIndex[c.n.id] = c.lastLogId.Index

	for target := range c.membership.AllNodes() {
		if target == c.n.id {
			continue
		}
		ls.startReplication(ctx, target)
	}
	c.advanceCommitIndex(ctx)
	c.checkMembershipProgress(ctx)
	c.publishMetrics()
}
