package testing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vzdtic/raftcore/pkg/kv"
	"github.com/vzdtic/raftcore/pkg/raft"
	"github.com/vzdtic/raftcore/pkg/wal"
)

func TestSingleNodeBringUp(t *testing.T) {
	c, err := NewTestCluster(1)
	if err != nil {
		t.Fatalf("NewTestCluster: %v", err)
	}
	defer c.Cleanup()

	leader, err := c.WaitForLeader(3 * time.Second)
	if err != nil {
		t.Fatalf("WaitForLeader: %v", err)
	}
	if leader.Metrics().ID != "node-0" {
		t.Fatalf("leader = %s, want node-0", leader.Metrics().ID)
	}
}

func TestThreeNodeWriteReplicates(t *testing.T) {
	c, err := NewTestCluster(3)
	if err != nil {
		t.Fatalf("NewTestCluster: %v", err)
	}
	defer c.Cleanup()

	leader, err := c.WaitForStableLeader(5 * time.Second)
	if err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}

	data, err := kv.EncodeCommand(kv.CommandSet, "k", []byte("v"), "client-1", 1)
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	if _, _, err := leader.ClientWrite(context.Background(), data); err != nil {
		t.Fatalf("ClientWrite: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		ok := true
		for i, store := range c.Stores {
			v, found := store.Get("k")
			if !found || string(v) != "v" {
				ok = false
				_ = i
				break
			}
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("write never replicated to all stores")
		}
		time.Sleep(30 * time.Millisecond)
	}

	checker := NewInvariantChecker()
	if err := checker.CollectFromStorages(context.Background(), c.IDs, c.Nodes, c.Storages); err != nil {
		t.Fatalf("CollectFromStorages: %v", err)
	}
	if ok, violations := checker.CheckSafetyInvariants(); !ok {
		t.Fatalf("safety violations: %+v", violations)
	}
	if ok, diffs := CompareStateMachines(c.Stores); !ok {
		t.Fatalf("state machines diverged: %v", diffs)
	}
}

func TestLeaderPartitionElectsNewLeader(t *testing.T) {
	c, err := NewTestCluster(3)
	if err != nil {
		t.Fatalf("NewTestCluster: %v", err)
	}
	defer c.Cleanup()

	first, err := c.WaitForStableLeader(5 * time.Second)
	if err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}
	oldID := first.Metrics().ID
	c.PartitionLeader()

	newLeader, err := c.WaitForNewLeader(oldID, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForNewLeader: %v", err)
	}
	if newLeader.Metrics().ID == oldID {
		t.Fatal("expected a different node to become leader")
	}

	c.HealPartition()
}

func TestJointConsensusMembershipChange(t *testing.T) {
	c, err := NewTestCluster(3)
	if err != nil {
		t.Fatalf("NewTestCluster: %v", err)
	}
	defer c.Cleanup()

	leader, err := c.WaitForStableLeader(5 * time.Second)
	if err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}

	// Add a fourth node as a non-voter, replicate it into the log, then
	// grow the cluster onto it through the joint-consensus sequence.
	dir := t.TempDir()
	store := kv.New()
	storage, err := wal.New(dir, store)
	if err != nil {
		t.Fatalf("wal.New: %v", err)
	}
	defer storage.Close()

	cfg := raft.DefaultConfig("node-3")
	cfg.ElectionTimeoutMin = 150 * time.Millisecond
	cfg.ElectionTimeoutMax = 300 * time.Millisecond
	cfg.HeartbeatInterval = 30 * time.Millisecond
	newNode := raft.NewNode(cfg, storage, c.Transport, nil)
	defer newNode.Stop()
	c.Transport.Register("node-3", newNode)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := leader.AddNonVoter(ctx, "node-3", ""); err != nil {
		t.Fatalf("AddNonVoter: %v", err)
	}

	target := map[string]bool{"node-0": true, "node-1": true, "node-2": true, "node-3": true}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if _, err := leader.ChangeMembership(ctx2, target); err != nil {
		t.Fatalf("ChangeMembership: %v", err)
	}

	for i := 0; i < 100; i++ {
		m := leader.Metrics()
		if !m.Membership.IsJoint() && m.Membership.Contains("node-3") {
			return
		}
		time.Sleep(30 * time.Millisecond)
	}
	t.Fatal("membership change never settled on the new 4-node configuration")
}

func TestMembershipChangeExcludingLeaderStepsDown(t *testing.T) {
	c, err := NewTestCluster(3)
	if err != nil {
		t.Fatalf("NewTestCluster: %v", err)
	}
	defer c.Cleanup()

	leader, err := c.WaitForStableLeader(5 * time.Second)
	if err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}
	oldID := leader.Metrics().ID

	// Shrink the cluster to the two other nodes: the leader drives a
	// change that removes itself, so once the final config commits it
	// must hand off and drop to NonVoter.
	target := make(map[string]bool)
	for _, id := range c.IDs {
		if id != oldID {
			target[id] = true
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := leader.ChangeMembership(ctx, target); err != nil {
		t.Fatalf("ChangeMembership: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for leader.Metrics().Role != raft.RoleNonVoter {
		if time.Now().After(deadline) {
			t.Fatalf("excluded leader is %s, want NonVoter", leader.Metrics().Role)
		}
		time.Sleep(30 * time.Millisecond)
	}

	newLeader, err := c.WaitForNewLeader(oldID, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForNewLeader: %v", err)
	}
	m := newLeader.Metrics()
	if !target[m.ID] {
		t.Fatalf("new leader %s is not in the target config", m.ID)
	}
	if m.Membership.Contains(oldID) {
		t.Fatalf("new leader still counts %s as a voter", oldID)
	}
}

func TestSubmitCommandRetriesUntilLeaderAvailable(t *testing.T) {
	c, err := NewTestCluster(3)
	if err != nil {
		t.Fatalf("NewTestCluster: %v", err)
	}
	defer c.Cleanup()

	if _, err := c.WaitForStableLeader(5 * time.Second); err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}

	for i := 0; i < 5; i++ {
		data, err := kv.EncodeCommand(kv.CommandSet, fmt.Sprintf("k%d", i), []byte("v"), "client-1", uint64(i+1))
		if err != nil {
			t.Fatalf("EncodeCommand: %v", err)
		}
		if err := c.SubmitCommand(data, 3*time.Second); err != nil {
			t.Fatalf("SubmitCommand %d: %v", i, err)
		}
	}
}
