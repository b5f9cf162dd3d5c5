package api

import (
	"context"
	"errors"
	"time"

	"go.uber.org/atomic"

	"github.com/vzdtic/raftcore/pkg/kv"
	"github.com/vzdtic/raftcore/pkg/raft"
)

// Client is an in-process convenience wrapper over a set of Nodes
// sharing the same cluster, used by tests that don't go through the
// HTTP surface.
type Client struct {
	nodes    []*raft.Node
	stores   map[*raft.Node]*kv.Store
	timeout  time.Duration
	clientID string
	nextReq  atomic.Uint64
}

// NewClient creates a client over nodes, each paired with the kv.Store
// instance driving it.
func NewClient(nodes []*raft.Node, stores map[*raft.Node]*kv.Store) *Client {
	return &Client{
		nodes:    nodes,
		stores:   stores,
		timeout:  5 * time.Second,
		clientID: kv.NewClientID(),
	}
}

// Set sets a key-value pair, retrying against a different node if the
// one tried isn't leader.
func (c *Client) Set(ctx context.Context, key, value string) error {
	return c.write(ctx, kv.CommandSet, key, []byte(value))
}

// Delete removes a key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.write(ctx, kv.CommandDelete, key, nil)
}

func (c *Client) write(ctx context.Context, cmdType kv.CommandType, key string, value []byte) error {
	if len(c.nodes) == 0 {
		return errors.New("client: no nodes configured")
	}
	data, err := kv.EncodeCommand(cmdType, key, value, c.clientID, c.nextReq.Inc())
	if err != nil {
		return err
	}
	var lastErr error
	for _, n := range c.nodes {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		_, _, err := n.ClientWrite(reqCtx, data)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// Get retrieves a value by key, confirming linearizable freshness via
// ClientRead before reading the local state machine.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var lastErr error
	for _, n := range c.nodes {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := n.ClientRead(reqCtx)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		store := c.stores[n]
		if store == nil {
			lastErr = errors.New("client: no store for leader")
			continue
		}
		value, ok := store.Get(key)
		if !ok {
			return "", errors.New("key not found")
		}
		return string(value), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no leader available")
	}
	return "", lastErr
}

// SetTimeout sets the per-RPC client timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}
