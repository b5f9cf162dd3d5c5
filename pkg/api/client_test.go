package api

import (
	"context"
	"testing"

	"github.com/vzdtic/raftcore/pkg/kv"
	"github.com/vzdtic/raftcore/pkg/raft"
)

func TestClientSetAndGet(t *testing.T) {
	_, node, store := singleNodeCluster(t)
	c := NewClient([]*raft.Node{node}, map[*raft.Node]*kv.Store{node: store})

	ctx := context.Background()
	if err := c.Set(ctx, "foo", "bar"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, "foo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "bar" {
		t.Fatalf("got %q, want %q", got, "bar")
	}
}

func TestClientDelete(t *testing.T) {
	_, node, store := singleNodeCluster(t)
	c := NewClient([]*raft.Node{node}, map[*raft.Node]*kv.Store{node: store})

	ctx := context.Background()
	if err := c.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, "k"); err == nil {
		t.Fatal("expected error reading deleted key")
	}
}

func TestClientGetMissingKeyErrors(t *testing.T) {
	_, node, store := singleNodeCluster(t)
	c := NewClient([]*raft.Node{node}, map[*raft.Node]*kv.Store{node: store})

	if _, err := c.Get(context.Background(), "absent"); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestClientWriteWithNoNodesErrors(t *testing.T) {
	c := NewClient(nil, nil)
	if err := c.Set(context.Background(), "k", "v"); err == nil {
		t.Fatal("expected error with no nodes configured")
	}
}
