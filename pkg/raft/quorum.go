package raft

// hasQuorum reports whether votes contains a majority of set.
func hasQuorum(set map[string]bool, votes map[string]bool) bool {
	if len(set) == 0 {
		return true
	}
	granted := 0
	for id := range set {
		if votes[id] {
			granted++
		}
	}
	return granted*2 > len(set)
}

// jointQuorumGranted reports whether votes constitutes a majority in
// Members AND (when joint) a majority in MembersAfter.
func jointQuorumGranted(m *MembershipConfig, votes map[string]bool) bool {
	if !hasQuorum(m.Members, votes) {
		return false
	}
	if m.IsJoint() {
		return hasQuorum(m.MembersAfter, votes)
	}
	return true
}

// jointQuorumMatchIndex computes the highest index committed under joint
// quorum rules: the median (by majority) match index in each set,
// conjoined to the minimum across sets when joint.
func jointQuorumMatchIndex(m *MembershipConfig, matchIndex map[string]uint64, selfIndex uint64) uint64 {
	idx := quorumMatchIndexOf(m.Members, matchIndex, selfIndex)
	if m.IsJoint() {
		other := quorumMatchIndexOf(m.MembersAfter, matchIndex, selfIndex)
		if other < idx {
			idx = other
		}
	}
	return idx
}

// quorumMatchIndexOf returns the median match index across set. Callers
// must seed matchIndex[leaderID] with the leader's own last log index
// before calling jointQuorumMatchIndex, since the leader's progress is
// carried in the same map as its followers'.
func quorumMatchIndexOf(set map[string]bool, matchIndex map[string]uint64, selfIndex uint64) uint64 {
	if len(set) == 0 {
		return selfIndex
	}
	vals := make([]uint64, 0, len(set))
	for id := range set {
		vals = append(vals, matchIndex[id])
	}
	return median(vals)
}

func median(vals []uint64) uint64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]uint64(nil), vals...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted[(len(sorted)-1)/2]
}
