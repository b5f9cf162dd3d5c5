package raft

import (
	"context"
	"time"
)

// replicationMode: a ReplicationStream is in exactly one of
// these at a time.
type replicationMode int

const (
	modeLineRate replicationMode = iota
	modeLagging
	modeSnapshotting
)

// ReplicationStream is the task driving one leader-to-peer replication
// relationship. It owns its own view of nextIndex/matchIndex and never
// touches core's fields: it learns the leader's current term/commit/last
// log id from Node.view and reports progress back over Node.replicaCh,
// exactly the message-passing discipline the rest of the node follows.
type ReplicationStream struct {
	n      *Node
	target string

	nextIndex  uint64
	matchIndex uint64
	mode       replicationMode

	nudgeCh chan struct{}
	stopCh  chan struct{}
}

func newReplicationStream(c *core, target string) *ReplicationStream {
	return &ReplicationStream{
		n:         c.n,
		target:    target,
		nextIndex: c.lastLogId.Index + 1,
		nudgeCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// nudge wakes the stream to send immediately instead of waiting for the
// next heartbeat tick.
func (s *ReplicationStream) nudge() {
	select {
	case s.nudgeCh <- struct{}{}:
	default:
	}
}

func (s *ReplicationStream) stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func (s *ReplicationStream) currentView() leaderView {
	v, _ := s.n.view.Load().(leaderView)
	return v
}

// run drives one replication cycle per nudge/heartbeat until stopped.
func (s *ReplicationStream) run(ctx context.Context) {
	ticker := time.NewTicker(s.n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.nudgeCh:
			s.tick(ctx)
		}
	}
}

func (s *ReplicationStream) tick(ctx context.Context) {
	switch s.mode {
	case modeSnapshotting:
		s.sendSnapshot(ctx)
	default:
		s.sendAppendEntries(ctx)
	}
}

func (s *ReplicationStream) report(ev replicationEvent) {
	select {
	case s.n.replicaCh <- ev:
	case <-s.stopCh:
	}
}

// sendAppendEntries implements line-rate/lagging replication: ship up
// to MaxPayloadEntries starting at nextIndex, or fall back to an empty
// heartbeat when the peer is already caught up.
func (s *ReplicationStream) sendAppendEntries(ctx context.Context) {
	view := s.currentView()

	if s.mode == modeLagging && view.CommitIndex > s.matchIndex &&
		view.CommitIndex-s.matchIndex >= s.n.cfg.SnapshotLogsSinceLast {
		// The peer trails the committed log by at least a snapshot's
		// worth of entries; streaming the snapshot is cheaper.
		s.mode = modeSnapshotting
		s.sendSnapshot(ctx)
		return
	}

	prevEntry, err := s.n.storage.TryGetLogEntry(ctx, s.nextIndex-1)
	if err != nil {
		s.report(replicationEvent{TargetID: s.target, Err: err})
		return
	}
	if s.nextIndex > 1 && prevEntry == nil {
		// The entry this stream needs as its anchor has been compacted
		// away: the peer is too far behind to catch up via the log.
		s.mode = modeSnapshotting
		s.sendSnapshot(ctx)
		return
	}
	prevLogId := LogId{}
	if prevEntry != nil {
		prevLogId = prevEntry.LogId
	}

	entries, err := s.n.storage.GetLogEntries(ctx, s.nextIndex, s.nextIndex+uint64(s.n.cfg.MaxPayloadEntries))
	if err != nil {
		s.report(replicationEvent{TargetID: s.target, Err: err})
		return
	}
	for _, e := range entries {
		if e.Kind == EntryPurged {
			s.mode = modeSnapshotting
			s.sendSnapshot(ctx)
			return
		}
	}

	rpcCtx, cancel := context.WithTimeout(ctx, s.n.cfg.RPCTimeout)
	defer cancel()
	resp, err := s.n.trans.SendAppendEntries(rpcCtx, s.target, AppendEntriesRequest{
		Term:         view.Term,
		LeaderID:     s.n.id,
		PrevLogId:    prevLogId,
		Entries:      entries,
		LeaderCommit: view.CommitIndex,
	})
	if err != nil {
		return // transient: retried on next tick
	}
	if resp.Term > view.Term {
		s.report(replicationEvent{TargetID: s.target, Term: resp.Term})
		return
	}
	if !resp.Success {
		s.handleConflict(ctx, view, resp.Conflict)
		return
	}

	if len(entries) > 0 {
		s.matchIndex = entries[len(entries)-1].LogId.Index
		s.nextIndex = s.matchIndex + 1
	} else if prevEntry != nil && s.matchIndex < prevEntry.LogId.Index {
		s.matchIndex = prevEntry.LogId.Index
	}

	if view.LastLogId.Index > s.matchIndex && view.LastLogId.Index-s.matchIndex > s.n.cfg.ReplicationLagThreshold {
		s.mode = modeLagging
	} else {
		s.mode = modeLineRate
	}
	s.report(replicationEvent{TargetID: s.target, MatchIndex: s.matchIndex})
	if s.mode == modeLagging {
		// Keep shipping without waiting for the next heartbeat tick
		// until the peer is back within the line-rate window.
		s.nudge()
	}
}

// handleConflict handles a rejected AppendEntries: rewind
// nextIndex to just past the peer's hint, and decide between resuming
// log shipping and falling back to a snapshot transfer.
func (s *ReplicationStream) handleConflict(ctx context.Context, view leaderView, conflict *ConflictOpt) {
	if conflict == nil {
		if s.nextIndex > 1 {
			s.nextIndex--
		}
		s.nudge()
		return
	}
	if conflict.Index > view.LastLogId.Index {
		// The peer claims a log longer than ours: stale or reordered
		// response, drop it and retry on the next tick.
		return
	}
	s.nextIndex = conflict.Index + 1
	s.matchIndex = conflict.Index
	if conflict.Index == 0 {
		s.mode = modeLagging
		s.report(replicationEvent{TargetID: s.target, MatchIndex: 0})
		s.nudge()
		return
	}
	entry, err := s.n.storage.TryGetLogEntry(ctx, conflict.Index)
	if err != nil {
		s.report(replicationEvent{TargetID: s.target, Err: err})
		return
	}
	if entry == nil || entry.Kind == EntryPurged ||
		view.LastLogId.Index-conflict.Index >= s.n.cfg.SnapshotLogsSinceLast {
		// The hint points below our log's horizon (or so far back that
		// shipping entries would take longer than a snapshot).
		s.mode = modeSnapshotting
	} else {
		s.mode = modeLagging
	}
	s.report(replicationEvent{TargetID: s.target, MatchIndex: s.matchIndex})
	s.nudge()
}

// sendSnapshot streams the leader's current snapshot
// to the peer in bounded chunks, then drops back to lagging replication
// from the snapshot's last log id.
func (s *ReplicationStream) sendSnapshot(ctx context.Context) {
	view := s.currentView()
	snap, err := s.n.storage.GetCurrentSnapshot(ctx)
	if err != nil || snap == nil {
		s.report(replicationEvent{TargetID: s.target, Err: ErrSnapshotFailed})
		return
	}

	const chunkRetries = 3
	chunk := s.n.cfg.SnapshotMaxChunkSize
	for offset := 0; offset < len(snap.Data) || len(snap.Data) == 0; offset += chunk {
		end := offset + chunk
		done := end >= len(snap.Data)
		if done {
			end = len(snap.Data)
		}
		req := InstallSnapshotRequest{
			Term:     view.Term,
			LeaderID: s.n.id,
			Meta:     snap.Meta,
			Offset:   uint64(offset),
			Data:     snap.Data[offset:end],
			Done:     done,
		}
		var resp InstallSnapshotResponse
		var err error
		for attempt := 0; attempt < chunkRetries; attempt++ {
			rpcCtx, cancel := context.WithTimeout(ctx, s.n.cfg.InstallSnapshotTimeout)
			resp, err = s.n.trans.SendInstallSnapshot(rpcCtx, s.target, req)
			cancel()
			if err == nil {
				break
			}
		}
		if err != nil {
			// Still failing after retries: give up this pass; the whole
			// transfer restarts from offset 0 on the next tick.
			return
		}
		if resp.Term > view.Term {
			s.report(replicationEvent{TargetID: s.target, Term: resp.Term})
			return
		}
		if done {
			break
		}
	}

	s.matchIndex = snap.Meta.LastLogId.Index
	s.nextIndex = s.matchIndex + 1
	s.mode = modeLagging
	s.report(replicationEvent{TargetID: s.target, MatchIndex: s.matchIndex})
	s.nudge()
}
