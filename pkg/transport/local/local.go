// Package local is an in-memory raft.Transport for tests and the
// TestCluster harness: it dispatches directly into a registered Node's
// receiver methods, with optional artificial latency and partition
// injection.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/vzdtic/raftcore/pkg/raft"
)

// node is the subset of *raft.Node the transport needs, so tests can
// register a fake without depending on the concrete Node type.
type node interface {
	HandleVote(ctx context.Context, req raft.VoteRequest) (raft.VoteResponse, error)
	HandleAppendEntries(ctx context.Context, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error)
	HandleInstallSnapshot(ctx context.Context, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error)
}

// Transport implements raft.Transport over an in-memory node registry.
type Transport struct {
	mu       sync.RWMutex
	nodes    map[string]node
	disabled map[string]map[string]bool
	latency  time.Duration
}

// New creates an empty Transport; call Register for each participant.
func New() *Transport {
	return &Transport{
		nodes:    make(map[string]node),
		disabled: make(map[string]map[string]bool),
	}
}

// Register makes id reachable, dispatching RPCs addressed to it into n.
func (t *Transport) Register(id string, n node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = n
	if t.disabled[id] == nil {
		t.disabled[id] = make(map[string]bool)
	}
}

// SetLatency adds artificial delay before every RPC completes.
func (t *Transport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Disconnect makes RPCs from "from" to "to" fail until Connect is called.
func (t *Transport) Disconnect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] == nil {
		t.disabled[from] = make(map[string]bool)
	}
	t.disabled[from][to] = true
}

// Connect restores a link disabled by Disconnect.
func (t *Transport) Connect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] != nil {
		delete(t.disabled[from], to)
	}
}

// Partition isolates id from every other registered node in both
// directions, simulating a network partition.
func (t *Transport) Partition(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for other := range t.nodes {
		if other == id {
			continue
		}
		if t.disabled[id] == nil {
			t.disabled[id] = make(map[string]bool)
		}
		if t.disabled[other] == nil {
			t.disabled[other] = make(map[string]bool)
		}
		t.disabled[id][other] = true
		t.disabled[other][id] = true
	}
}

// Heal reconnects id to every other registered node.
func (t *Transport) Heal(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[id] = make(map[string]bool)
	for other := range t.nodes {
		if t.disabled[other] != nil {
			delete(t.disabled[other], id)
		}
	}
}

// HealAll clears every disconnect and partition.
func (t *Transport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = make(map[string]map[string]bool)
}

func (t *Transport) connected(from, to string) bool {
	if t.disabled[from] == nil {
		return true
	}
	return !t.disabled[from][to]
}

func (t *Transport) resolve(from, to string) (node, time.Duration, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[to]
	if !ok || !t.connected(from, to) {
		return nil, 0, raft.ErrNodeNotFound
	}
	return n, t.latency, nil
}

func (t *Transport) delay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendVote implements raft.Transport.
func (t *Transport) SendVote(ctx context.Context, target string, req raft.VoteRequest) (raft.VoteResponse, error) {
	n, latency, err := t.resolve(req.CandidateID, target)
	if err != nil {
		return raft.VoteResponse{}, err
	}
	if err := t.delay(ctx, latency); err != nil {
		return raft.VoteResponse{}, err
	}
	return n.HandleVote(ctx, req)
}

// SendAppendEntries implements raft.Transport.
func (t *Transport) SendAppendEntries(ctx context.Context, target string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	n, latency, err := t.resolve(req.LeaderID, target)
	if err != nil {
		return raft.AppendEntriesResponse{}, err
	}
	if err := t.delay(ctx, latency); err != nil {
		return raft.AppendEntriesResponse{}, err
	}
	return n.HandleAppendEntries(ctx, req)
}

// SendInstallSnapshot implements raft.Transport.
func (t *Transport) SendInstallSnapshot(ctx context.Context, target string, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	n, latency, err := t.resolve(req.LeaderID, target)
	if err != nil {
		return raft.InstallSnapshotResponse{}, err
	}
	if err := t.delay(ctx, latency); err != nil {
		return raft.InstallSnapshotResponse{}, err
	}
	return n.HandleInstallSnapshot(ctx, req)
}
