package raft

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Node's embedder-facing API.
var (
	ErrTimeout                  = errors.New("raft: operation timed out")
	ErrNodeNotFound             = errors.New("raft: node not found")
	ErrLogCompacted             = errors.New("raft: requested log entry has been compacted")
	ErrSnapshotFailed           = errors.New("raft: snapshot operation failed")
	ErrMembershipChangeDisabled = errors.New("raft: membership changes are disabled")
	ErrShuttingDown             = errors.New("raft: node is shutting down")
	ErrNoop                     = errors.New("raft: operation is a redundant no-op")

	// ErrStorageShutdown is the distinguished error a Storage wraps (or
	// returns) when it can no longer serve requests; the Node treats it
	// as fatal and transitions to Shutdown, where any other
	// ApplyToStateMachine error is surfaced only to the request that
	// carried the failing entry.
	ErrStorageShutdown = errors.New("raft: storage is unusable")
)

// ErrForwardToLeader is returned by ClientWrite/ClientRead/ChangeMembership
// when the local node is not the leader. LeaderID is empty when the node
// doesn't currently know who the leader is.
type ErrForwardToLeader struct {
	LeaderID string
}

func (e *ErrForwardToLeader) Error() string {
	if e.LeaderID == "" {
		return "raft: not leader, and current leader is unknown"
	}
	return fmt.Sprintf("raft: not leader, forward to %s", e.LeaderID)
}

// ErrConfigChangeInProgress is returned when a membership change is
// proposed while a prior one has not yet committed its joint or final
// configuration.
type ErrConfigChangeInProgress struct {
	LogId LogId
}

func (e *ErrConfigChangeInProgress) Error() string {
	return fmt.Sprintf("raft: membership change already in progress since %s", e.LogId)
}

// ErrInoperableConfig is returned when a proposed membership change would
// leave the cluster with no operable quorum (e.g. removing every member).
type ErrInoperableConfig struct {
	Reason string
}

func (e *ErrInoperableConfig) Error() string {
	return fmt.Sprintf("raft: proposed configuration is inoperable: %s", e.Reason)
}

// ErrSnapshotMismatch is returned by the InstallSnapshot receiver when a
// chunk doesn't match the snapshot currently being received: a chunk at a
// non-zero offset with no stream open, or a chunk of a different snapshot
// at a non-zero offset.
type ErrSnapshotMismatch struct {
	Expected SnapshotMeta
	Got      SnapshotMeta
}

func (e *ErrSnapshotMismatch) Error() string {
	return fmt.Sprintf("raft: snapshot mismatch: expected %s got %s", e.Expected.SnapshotID, e.Got.SnapshotID)
}

// ErrNotAllowed is returned when an operation is rejected by an invariant
// check that isn't better modeled by one of the errors above (e.g.
// Initialize on a node that already has state, or AddNonVoter for a peer
// that is already a voter or is being removed).
type ErrNotAllowed struct {
	Reason string
}

func (e *ErrNotAllowed) Error() string {
	return fmt.Sprintf("raft: not allowed: %s", e.Reason)
}
