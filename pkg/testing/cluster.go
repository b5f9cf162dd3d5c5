// Package testing is an in-process multi-node harness for exercising
// raftcore end-to-end: cluster bring-up, fault injection, and safety
// checking over the Node/Storage/Transport actor API.
package testing

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/vzdtic/raftcore/pkg/kv"
	"github.com/vzdtic/raftcore/pkg/raft"
	"github.com/vzdtic/raftcore/pkg/transport/local"
	"github.com/vzdtic/raftcore/pkg/wal"
)

// TestCluster wires size nodes over a shared local.Transport, each
// backed by its own on-disk wal.Storage and kv.Store.
type TestCluster struct {
	Nodes     []*raft.Node
	Stores    []*kv.Store
	Storages  []*wal.Storage
	Transport *local.Transport
	IDs       []string

	walDirs []string
}

// NewTestCluster creates and starts size nodes, bootstrapped with one
// uniform membership of all of them by calling Initialize on the first node.
func NewTestCluster(size int) (*TestCluster, error) {
	transport := local.New()
	uniqueID := rand.Int63()

	ids := make([]string, size)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%d", i)
	}

	c := &TestCluster{
		Nodes:     make([]*raft.Node, size),
		Stores:    make([]*kv.Store, size),
		Storages:  make([]*wal.Storage, size),
		Transport: transport,
		IDs:       ids,
		walDirs:   make([]string, size),
	}

	for i := 0; i < size; i++ {
		dir := fmt.Sprintf("/tmp/raftcore-test-%d-%d-%d", os.Getpid(), uniqueID, i)
		c.walDirs[i] = dir
		os.RemoveAll(dir)

		store := kv.New()
		c.Stores[i] = store

		storage, err := wal.New(dir, store)
		if err != nil {
			c.Cleanup()
			return nil, err
		}
		c.Storages[i] = storage

		cfg := raft.DefaultConfig(ids[i])
		cfg.ElectionTimeoutMin = 150 * time.Millisecond
		cfg.ElectionTimeoutMax = 300 * time.Millisecond
		cfg.HeartbeatInterval = 30 * time.Millisecond

		node := raft.NewNode(cfg, storage, transport, nil)
		c.Nodes[i] = node
		transport.Register(ids[i], node)
	}

	members := make(map[string]bool, size)
	for _, id := range ids {
		members[id] = true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Nodes[0].Initialize(ctx, members); err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	return c, nil
}

// Stop shuts down every node.
func (c *TestCluster) Stop() {
	for _, n := range c.Nodes {
		if n != nil {
			n.Stop()
		}
	}
}

// Cleanup stops the cluster and removes its temporary WAL directories.
func (c *TestCluster) Cleanup() {
	c.Stop()
	for _, s := range c.Storages {
		if s != nil {
			s.Close()
		}
	}
	for _, dir := range c.walDirs {
		os.RemoveAll(dir)
	}
}

// GetLeader returns a node currently reporting itself as leader, or nil.
func (c *TestCluster) GetLeader() *raft.Node {
	for _, n := range c.Nodes {
		if n.Metrics().Role == raft.RoleLeader {
			return n
		}
	}
	return nil
}

// WaitForLeader polls until some node reports itself leader.
func (c *TestCluster) WaitForLeader(timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l := c.GetLeader(); l != nil {
			return l, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("no leader elected within %s", timeout)
}

// WaitForStableLeader waits for a leader whose identity doesn't change
// across requiredStable consecutive polls.
func (c *TestCluster) WaitForStableLeader(timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	const requiredStable = 10
	var leader *raft.Node
	stable := 0
	for time.Now().Before(deadline) {
		current := c.GetLeader()
		if current != nil && current == leader {
			stable++
			if stable >= requiredStable {
				return leader, nil
			}
		} else {
			leader = current
			stable = 0
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("no stable leader elected within %s", timeout)
}

// PartitionLeader isolates the current leader from the rest of the
// cluster and returns it.
func (c *TestCluster) PartitionLeader() *raft.Node {
	leader := c.GetLeader()
	if leader != nil {
		c.Transport.Partition(leader.Metrics().ID)
	}
	return leader
}

// HealPartition clears every simulated partition.
func (c *TestCluster) HealPartition() {
	c.Transport.HealAll()
}

// SubmitCommand retries ClientWrite against the current leader until it
// commits or timeout elapses.
func (c *TestCluster) SubmitCommand(data []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		leader := c.GetLeader()
		if leader == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		remaining := time.Until(deadline)
		if remaining < 200*time.Millisecond {
			remaining = 200 * time.Millisecond
		}
		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		_, _, err := leader.ClientWrite(ctx, data)
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("timeout submitting command")
}

// WaitForNewLeader waits for a leader whose id differs from excludeID.
func (c *TestCluster) WaitForNewLeader(excludeID string, timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range c.Nodes {
			m := n.Metrics()
			if m.Role == raft.RoleLeader && m.ID != excludeID {
				return n, nil
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("no new leader elected within %s", timeout)
}
