package raft

import (
	"context"
	"io"
)

// InitialState is what a Node reads from Storage on bootstrap to decide
// its starting role.
type InitialState struct {
	HardState  HardState
	Membership MembershipConfig
	LastLogId  LogId
	// LastApplied is the index the state machine has already applied,
	// recovered from the last snapshot plus any replayed log entries.
	LastApplied uint64
}

// Storage is the durable log, hard state and snapshot store a Node is
// built against. Implementations must make SaveHardState and AppendToLog
// durable before returning: Node treats their return as a fsync barrier.
type Storage interface {
	GetInitialState(ctx context.Context) (InitialState, error)

	// GetMembershipConfig returns the most recent configuration in the
	// log or snapshot.
	GetMembershipConfig(ctx context.Context) (MembershipConfig, error)

	SaveHardState(ctx context.Context, hs HardState) error

	// GetLogEntries returns entries in [start, stop).
	GetLogEntries(ctx context.Context, start, stop uint64) ([]Entry, error)
	// TryGetLogEntry returns (nil, nil) if index has been compacted away
	// or was never written.
	TryGetLogEntry(ctx context.Context, index uint64) (*Entry, error)
	GetLastLogId(ctx context.Context) (LogId, error)

	AppendToLog(ctx context.Context, entries []Entry) error
	// DeleteLogsFrom removes every entry with index >= from (log
	// truncation after a conflicting AppendEntries).
	DeleteLogsFrom(ctx context.Context, from uint64) error

	// ApplyToStateMachine applies entries in order and returns one
	// result per entry (nil for entries the state machine has no
	// meaningful reply for, e.g. blanks and config changes).
	ApplyToStateMachine(ctx context.Context, entries []Entry) ([][]byte, error)

	// DoLogCompaction builds a new snapshot covering everything up to
	// and including the state machine's last-applied entry, then
	// purges log entries at or below it.
	DoLogCompaction(ctx context.Context) (Snapshot, error)

	// BeginReceivingSnapshot returns a sink to stream an inbound
	// snapshot into.
	BeginReceivingSnapshot(ctx context.Context) (SnapshotSink, error)
	// FinalizeSnapshotInstallation atomically replaces the state
	// machine and log with the received snapshot's contents, discarding
	// any conflicting log entries.
	FinalizeSnapshotInstallation(ctx context.Context, meta SnapshotMeta, sink SnapshotSink) error

	GetCurrentSnapshot(ctx context.Context) (*Snapshot, error)
}

// SnapshotSink receives a snapshot's bytes at the offsets the sender
// addresses; a retried or restarted chunk can seek back to an earlier
// offset and rewrite bytes already received.
type SnapshotSink interface {
	io.Writer
	io.Seeker
	io.Closer
}

// StateMachine is the application the replicated log drives. Node never
// calls this directly: Storage.ApplyToStateMachine is expected to own the
// state machine and dispatch into it. The interface is exposed so
// embedders implementing Storage have a natural seam to depend on it
// (see pkg/kv for an example pairing).
type StateMachine interface {
	Apply(entry Entry) ([]byte, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}
