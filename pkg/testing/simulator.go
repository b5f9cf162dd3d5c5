package testing

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/vzdtic/raftcore/pkg/kv"
	"github.com/vzdtic/raftcore/pkg/raft"
	"github.com/vzdtic/raftcore/pkg/wal"
)

// simNode is the subset of *raft.Node FaultyTransport dispatches into.
type simNode interface {
	HandleVote(ctx context.Context, req raft.VoteRequest) (raft.VoteResponse, error)
	HandleAppendEntries(ctx context.Context, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error)
	HandleInstallSnapshot(ctx context.Context, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error)
}

// MessageRecord records the outcome of one simulated RPC attempt, for
// post-hoc Jepsen-style analysis of a run.
type MessageRecord struct {
	Time      int64
	From      string
	To        string
	Type      string
	Delivered bool
	Dropped   bool
}

// FaultyTransport is a raft.Transport that, unlike pkg/transport/local,
// can drop messages probabilistically per directed edge in addition to
// outright partitioning, and keeps an audit trail of every attempted
// RPC for later replay.
type FaultyTransport struct {
	mu       sync.RWMutex
	nodes    map[string]simNode
	disabled map[string]map[string]bool
	dropRate map[string]map[string]float64
	latency  time.Duration
	rng      *rand.Rand

	msgMu    sync.Mutex
	messages []MessageRecord
}

// NewFaultyTransport creates an empty, seeded FaultyTransport.
func NewFaultyTransport(seed int64) *FaultyTransport {
	return &FaultyTransport{
		nodes:    make(map[string]simNode),
		disabled: make(map[string]map[string]bool),
		dropRate: make(map[string]map[string]float64),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Register makes id reachable, dispatching RPCs addressed to it into n.
func (t *FaultyTransport) Register(id string, n simNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = n
}

// SetLatency adds artificial delay before every delivered RPC completes.
func (t *FaultyTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// SetDropRate makes messages from -> to drop with probability p,
// independently of any partition.
func (t *FaultyTransport) SetDropRate(from, to string, p float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dropRate[from] == nil {
		t.dropRate[from] = make(map[string]float64)
	}
	t.dropRate[from][to] = p
}

// Partition isolates id from every other registered node in both directions.
func (t *FaultyTransport) Partition(id string) {
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
func (t *FaultyTransport) Heal(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[id] = make(map[string]bool)
	for other := range t.nodes {
		if t.disabled[other] != nil {
			delete(t.disabled[other], id)
		}
	}
}

// HealAll clears every partition and drop-rate fault.
func (t *FaultyTransport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = make(map[string]map[string]bool)
	t.dropRate = make(map[string]map[string]float64)
}

func (t *FaultyTransport) shouldDrop(from, to string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] != nil && t.disabled[from][to] {
		return true
	}
	if rates, ok := t.dropRate[from]; ok {
		if p, ok := rates[to]; ok && p > 0 && t.rng.Float64() < p {
			return true
		}
	}
	return false
}

func (t *FaultyTransport) recordMessage(from, to, msgType string, delivered, dropped bool) {
	t.msgMu.Lock()
	defer t.msgMu.Unlock()
	t.messages = append(t.messages, MessageRecord{
		Time: time.Now().UnixNano(), From: from, To: to, Type: msgType,
		Delivered: delivered, Dropped: dropped,
	})
}

// GetMessageHistory returns every RPC attempted so far.
func (t *FaultyTransport) GetMessageHistory() []MessageRecord {
	t.msgMu.Lock()
	defer t.msgMu.Unlock()
	result := make([]MessageRecord, len(t.messages))
	copy(result, t.messages)
	return result
}

func (t *FaultyTransport) resolve(to string) (simNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[to]
	return n, ok
}

func (t *FaultyTransport) delay(ctx context.Context) error {
	t.mu.RLock()
	d := t.latency
	t.mu.RUnlock()
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
func (t *FaultyTransport) SendVote(ctx context.Context, target string, req raft.VoteRequest) (raft.VoteResponse, error) {
	n, ok := t.resolve(target)
	if !ok {
		t.recordMessage(req.CandidateID, target, "Vote", false, false)
		return raft.VoteResponse{}, raft.ErrNodeNotFound
	}
	if t.shouldDrop(req.CandidateID, target) {
		t.recordMessage(req.CandidateID, target, "Vote", false, true)
		return raft.VoteResponse{}, raft.ErrTimeout
	}
	if err := t.delay(ctx); err != nil {
		return raft.VoteResponse{}, err
	}
	t.recordMessage(req.CandidateID, target, "Vote", true, false)
	return n.HandleVote(ctx, req)
}

// SendAppendEntries implements raft.Transport.
func (t *FaultyTransport) SendAppendEntries(ctx context.Context, target string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	n, ok := t.resolve(target)
	if !ok {
		t.recordMessage(req.LeaderID, target, "AppendEntries", false, false)
		return raft.AppendEntriesResponse{}, raft.ErrNodeNotFound
	}
	if t.shouldDrop(req.LeaderID, target) {
		t.recordMessage(req.LeaderID, target, "AppendEntries", false, true)
		return raft.AppendEntriesResponse{}, raft.ErrTimeout
	}
	if err := t.delay(ctx); err != nil {
		return raft.AppendEntriesResponse{}, err
	}
	t.recordMessage(req.LeaderID, target, "AppendEntries", true, false)
	return n.HandleAppendEntries(ctx, req)
}

// SendInstallSnapshot implements raft.Transport.
func (t *FaultyTransport) SendInstallSnapshot(ctx context.Context, target string, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	n, ok := t.resolve(target)
	if !ok {
		t.recordMessage(req.LeaderID, target, "InstallSnapshot", false, false)
		return raft.InstallSnapshotResponse{}, raft.ErrNodeNotFound
	}
	if t.shouldDrop(req.LeaderID, target) {
		t.recordMessage(req.LeaderID, target, "InstallSnapshot", false, true)
		return raft.InstallSnapshotResponse{}, raft.ErrTimeout
	}
	if err := t.delay(ctx); err != nil {
		return raft.InstallSnapshotResponse{}, err
	}
	t.recordMessage(req.LeaderID, target, "InstallSnapshot", true, false)
	return n.HandleInstallSnapshot(ctx, req)
}

// Simulator wires a cluster over a FaultyTransport for randomized,
// reproducible (given the seed) fault-injection scenarios, complementing
// TestCluster's plain happy-path harness.
type Simulator struct {
	Transport *FaultyTransport
	Nodes     []*raft.Node
	Stores    []*kv.Store
	Storages  []*wal.Storage
	IDs       []string

	rng     *rand.Rand
	seed    int64
	walDirs []string
}

// NewSimulator creates and bootstraps a size-node cluster seeded for
// reproducible randomized fault injection.
func NewSimulator(size int, seed int64) (*Simulator, error) {
	transport := NewFaultyTransport(seed)
	rng := rand.New(rand.NewSource(seed))

	ids := make([]string, size)
	for i := range ids {
		ids[i] = fmt.Sprintf("sim-node-%d", i)
	}

	sim := &Simulator{
		Transport: transport,
		Nodes:     make([]*raft.Node, size),
		Stores:    make([]*kv.Store, size),
		Storages:  make([]*wal.Storage, size),
		IDs:       ids,
		rng:       rng,
		seed:      seed,
		walDirs:   make([]string, size),
	}

	for i := 0; i < size; i++ {
		dir := fmt.Sprintf("/tmp/raftcore-sim-%d-%d-%d", os.Getpid(), seed, i)
		sim.walDirs[i] = dir
		os.RemoveAll(dir)

		store := kv.New()
		sim.Stores[i] = store

		storage, err := wal.New(dir, store)
		if err != nil {
			sim.Cleanup()
			return nil, err
		}
		sim.Storages[i] = storage

		cfg := raft.DefaultConfig(ids[i])
		cfg.ElectionTimeoutMin = 150 * time.Millisecond
		cfg.ElectionTimeoutMax = 300 * time.Millisecond
		cfg.HeartbeatInterval = 50 * time.Millisecond

		node := raft.NewNode(cfg, storage, transport, nil)
		sim.Nodes[i] = node
		transport.Register(ids[i], node)
	}

	members := make(map[string]bool, size)
	for _, id := range ids {
		members[id] = true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sim.Nodes[0].Initialize(ctx, members); err != nil {
		sim.Cleanup()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	return sim, nil
}

// Stop shuts every node down.
func (s *Simulator) Stop() {
	for _, n := range s.Nodes {
		if n != nil {
			n.Stop()
		}
	}
}

// Cleanup stops the simulation and removes its temporary WAL directories.
func (s *Simulator) Cleanup() {
	s.Stop()
	for _, st := range s.Storages {
		if st != nil {
			st.Close()
		}
	}
	for _, dir := range s.walDirs {
		os.RemoveAll(dir)
	}
}

// GetLeader returns the current leader, or nil.
func (s *Simulator) GetLeader() *raft.Node {
	for _, n := range s.Nodes {
		if n.Metrics().Role == raft.RoleLeader {
			return n
		}
	}
	return nil
}

// WaitForLeader polls for a leader, sleeping between attempts.
func (s *Simulator) WaitForLeader(maxIterations int) *raft.Node {
	for i := 0; i < maxIterations; i++ {
		if leader := s.GetLeader(); leader != nil {
			return leader
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

// InjectPartition partitions the node at nodeIdx from the rest of the cluster.
func (s *Simulator) InjectPartition(nodeIdx int) {
	if nodeIdx >= 0 && nodeIdx < len(s.Nodes) {
		s.Transport.Partition(s.IDs[nodeIdx])
	}
}

// HealPartition reconnects the node at nodeIdx.
func (s *Simulator) HealPartition(nodeIdx int) {
	if nodeIdx >= 0 && nodeIdx < len(s.Nodes) {
		s.Transport.Heal(s.IDs[nodeIdx])
	}
}

// HealAll clears every partition and drop-rate fault.
func (s *Simulator) HealAll() {
	s.Transport.HealAll()
}

// RandomPartition isolates a randomly chosen node and returns its index.
func (s *Simulator) RandomPartition() int {
	idx := s.rng.Intn(len(s.Nodes))
	s.InjectPartition(idx)
	return idx
}

// GetSeed returns the simulation seed for reproducibility.
func (s *Simulator) GetSeed() int64 {
	return s.seed
}
