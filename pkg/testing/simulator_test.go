package testing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vzdtic/raftcore/pkg/kv"
)

// submitWithRetry drives one Set through whichever node currently leads,
// retrying across leadership changes until it commits.
func submitWithRetry(sim *Simulator, key, value, clientID string, reqID uint64, timeout time.Duration) error {
	data, err := kv.EncodeCommand(kv.CommandSet, key, []byte(value), clientID, reqID)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range sim.Nodes {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_, _, err := n.ClientWrite(ctx, data)
			cancel()
			if err == nil {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("write %s=%s never committed", key, value)
}

func TestSimulatorConvergesUnderMessageLoss(t *testing.T) {
	sim, err := NewSimulator(3, 42)
	if err != nil {
		t.Fatalf("NewSimulator: %v", err)
	}
	defer sim.Cleanup()

	leader := sim.WaitForLeader(100)
	if leader == nil {
		t.Fatal("no leader elected")
	}

	// Degrade (but don't sever) one replication link.
	leaderID := leader.Metrics().ID
	for _, id := range sim.IDs {
		if id != leaderID {
			sim.Transport.SetDropRate(leaderID, id, 0.3)
			break
		}
	}

	history := NewHistory()
	const writes = 5
	for i := 0; i < writes; i++ {
		key, value := fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)
		opID := history.RecordInvoke("write", key, value, time.Now().UnixNano())
		if err := submitWithRetry(sim, key, value, "sim-client", uint64(i+1), 10*time.Second); err != nil {
			history.RecordFail(opID, time.Now().UnixNano())
			t.Fatalf("submit: %v", err)
		}
		history.RecordOk(opID, value, time.Now().UnixNano())
	}

	sim.HealAll()

	deadline := time.Now().Add(10 * time.Second)
	for {
		converged := true
		for _, store := range sim.Stores {
			for i := 0; i < writes; i++ {
				v, ok := store.Get(fmt.Sprintf("k%d", i))
				if !ok || string(v) != fmt.Sprintf("v%d", i) {
					converged = false
					break
				}
			}
		}
		if converged {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stores never converged after healing")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if ok, diffs := CompareStateMachines(sim.Stores); !ok {
		t.Fatalf("state machines diverged: %v", diffs)
	}
	if ok, err := NewLinearizabilityChecker(history).Check(); !ok {
		t.Fatalf("history not linearizable: %v", err)
	}
	if len(sim.Transport.GetMessageHistory()) == 0 {
		t.Fatal("expected the transport to have recorded RPC attempts")
	}
}

func TestLinearizabilityCheckerFlagsStaleRead(t *testing.T) {
	h := NewHistory()

	w := h.RecordInvoke("write", "k", "v1", 0)
	h.RecordOk(w, "v1", 10)

	// A read strictly after the write that returns a value nobody ever
	// wrote is a violation.
	r := h.RecordInvoke("read", "k", "", 20)
	h.RecordOk(r, "stale", 30)

	if ok, _ := NewLinearizabilityChecker(h).Check(); ok {
		t.Fatal("expected the stale read to be flagged")
	}
}

func TestLinearizabilityCheckerAcceptsConsistentHistory(t *testing.T) {
	h := NewHistory()

	w := h.RecordInvoke("write", "k", "v1", 0)
	h.RecordOk(w, "v1", 10)
	r := h.RecordInvoke("read", "k", "", 20)
	h.RecordOk(r, "v1", 30)

	if ok, err := NewLinearizabilityChecker(h).Check(); !ok {
		t.Fatalf("consistent history rejected: %v", err)
	}
}
