package raft

import "context"

// membershipChangePhase names where an in-flight joint-consensus change
// is in its lifecycle.
type membershipChangePhase int

const (
	phaseSyncingNonVoters membershipChangePhase = iota
	phaseFinalProposed
)

// membershipChangeState tracks one in-flight ChangeMembership call across
// its phases. Only one may be outstanding at a time.
type membershipChangeState struct {
	phase      membershipChangePhase
	target     map[string]bool // the desired final Members set
	jointIndex LogId           // log index the joint config was proposed at
	finalIndex LogId           // log index the final config was proposed at
	reply      chan changeMembershipResult
}

// beginMembershipChange starts the non-voter sync phase: any member of
// target that isn't already a voter must first be caught up as a
// non-voter replication target before the joint config is proposed, so
// the cluster never commits through a member that cannot yet receive
// entries.
func (c *core) beginMembershipChange(ctx context.Context, target map[string]bool, reply chan changeMembershipResult) {
	ls := c.leader
	if ls.membershipChange != nil {
		reply <- changeMembershipResult{Err: &ErrConfigChangeInProgress{LogId: ls.membershipChange.jointIndex}}
		return
	}
	if len(target) == 0 {
		reply <- changeMembershipResult{Err: &ErrInoperableConfig{Reason: "target configuration has no members"}}
		return
	}

	st := &membershipChangeState{phase: phaseSyncingNonVoters, target: target, reply: reply}
	ls.membershipChange = st

	for id := range target {
		if !c.membership.Members[id] {
			ls.startReplication(ctx, id)
		}
	}
	c.maybeAdvanceMembershipChange(ctx)
}

// checkMembershipProgress is called after every replication match-index
// update; it advances the membership-change state machine when the
// condition for its current phase is satisfied.
func (c *core) checkMembershipProgress(ctx context.Context) {
	c.maybeAdvanceMembershipChange(ctx)
}

func (c *core) maybeAdvanceMembershipChange(ctx context.Context) {
	ls := c.leader
	if c.role != RoleLeader || ls == nil {
		// A commit processed just before this call may have completed a
		// change that demoted this node and tore its leader state down.
		return
	}
	st := ls.membershipChange
	if st == nil {
		return
	}
	switch st.phase {
	case phaseSyncingNonVoters:
		if !c.nonVotersReady(st.target) {
			return
		}
		c.proposeJointConfig(ctx, st)
	case phaseFinalProposed:
		// Completion is driven by onConfigChangeApplied once the final
		// entry is actually applied, not merely committed.
	}
}

// onConfigChangeApplied implements the commit-time cutover: the
// cluster only adopts the target membership for quorum purposes once
// the joint entry has actually been applied, not merely appended. When
// the matching final entry is applied, any in-flight ChangeMembership
// call on this leader is completed.
func (c *core) onConfigChangeApplied(ctx context.Context, e Entry) {
	if e.Membership == nil {
		return
	}
	if e.Membership.IsJoint() {
		c.membership = MembershipConfig{Members: cloneSet(e.Membership.MembersAfter)}
	}
	if c.role != RoleLeader || c.leader == nil {
		return
	}
	st := c.leader.membershipChange
	if st == nil || st.phase != phaseFinalProposed || e.LogId != st.finalIndex {
		return
	}
	c.completeMembershipChange(ctx, st)
}

// nonVotersReady reports whether every id in target not already a voter
// has a match index within NonVoterReadySlack of the leader's last log
// index.
func (c *core) nonVotersReady(target map[string]bool) bool {
	ls := c.leader
	for id := range target {
		if c.membership.Members[id] {
			continue
		}
		mi := ls.matchIndex[id]
		if c.lastLogId.Index > mi && c.lastLogId.Index-mi > c.n.cfg.NonVoterReadySlack {
			return false
		}
	}
	return true
}

// proposeJointConfig enters joint consensus: append the joint config
// (members, members_after=target) and, immediately thereafter, the final
// uniform config (members=target), without waiting for the joint entry
// to commit first. If self is not in target, isSteppingDown is latched
// now so completing the change moves this node to NonVoter.
func (c *core) proposeJointConfig(ctx context.Context, st *membershipChangeState) {
	if !st.target[c.n.id] {
		c.isSteppingDown = true
	}
	joint := &MembershipConfig{
		Members:      cloneSet(c.membership.Members),
		MembersAfter: cloneSet(st.target),
	}
	jointEntry := Entry{LogId: LogId{Term: c.currentTerm, Index: c.lastLogId.Index + 1}, Kind: EntryConfigChange, Membership: joint}
	if err := c.n.storage.AppendToLog(ctx, []Entry{jointEntry}); err != nil {
		c.failMembershipChange(st, err)
		return
	}
	c.lastLogId = jointEntry.LogId
	c.membership = *joint.Clone()
	st.jointIndex = jointEntry.LogId
	for target := range joint.AllNodes() {
		if target != c.n.id {
			c.leader.startReplication(ctx, target)
		}
	}

	final := &MembershipConfig{Members: cloneSet(st.target)}
	finalEntry := Entry{LogId: LogId{Term: c.currentTerm, Index: c.lastLogId.Index + 1}, Kind: EntryConfigChange, Membership: final}
	if err := c.n.storage.AppendToLog(ctx, []Entry{finalEntry}); err != nil {
		c.failMembershipChange(st, err)
		return
	}
	c.lastLogId = finalEntry.LogId
	// c.membership stays in its joint form (old members, MembersAfter
	// = target) until the joint entry above is actually applied: the
	// quorum needed to commit this final entry must still be a
	// majority of both the old and new member sets for as long as the
	// joint entry itself is unconfirmed. The cutover happens in
	// onConfigChangeApplied.
	st.finalIndex = finalEntry.LogId
	st.phase = phaseFinalProposed

	for _, s := range c.leader.streams {
		s.nudge()
	}
	c.advanceCommitIndex(ctx)
	c.publishMetrics()
}

// completeMembershipChange finishes the change: the final (uniform)
// config entry has committed. If the leader was excluded from the new
// config, it becomes NonVoter and clears its leader hint; otherwise
// peers no longer in the new config have their replication streams torn
// down.
func (c *core) completeMembershipChange(ctx context.Context, st *membershipChangeState) {
	ls := c.leader
	ls.membershipChange = nil
	if st.reply != nil {
		st.reply <- changeMembershipResult{LogId: st.finalIndex}
	}

	if c.isSteppingDown {
		ls.stopStreams()
		ls.failPending(&ErrForwardToLeader{})
		c.leader = nil
		c.role = RoleNonVoter
		c.leaderID = ""
		c.isSteppingDown = false
		c.publishMetrics()
		return
	}

	// Removed peers that have already confirmed the final config entry
	// are cut loose now; the rest keep their streams until they catch up
	// to it, so they learn they were removed before going silent.
	for id := range ls.streams {
		if st.target[id] {
			continue
		}
		if ls.matchIndex[id] >= st.finalIndex.Index {
			ls.stopReplication(id)
		} else {
			ls.removeAfterCommit[id] = st.finalIndex.Index
		}
	}
}

func (c *core) failMembershipChange(st *membershipChangeState, err error) {
	c.leader.membershipChange = nil
	if st.reply != nil {
		st.reply <- changeMembershipResult{Err: err}
	}
}

func cloneSet(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
