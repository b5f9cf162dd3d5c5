// Package kv is an in-memory key-value StateMachine, at-most-once per
// client session, usable as the application a raftcore Node replicates
// for.
package kv

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vzdtic/raftcore/pkg/raft"
)

// Command types for the KV store
type CommandType int

const (
	CommandSet CommandType = iota
	CommandDelete
)

// Command represents a command to be applied to the state machine
type Command struct {
	Type      CommandType
	Key       string
	Value     []byte
	ClientID  string
	RequestID uint64
}

// ClientSession tracks the last request from each client for deduplication
type ClientSession struct {
	LastRequestID uint64
	Response      bool
}

// Store represents an in-memory key-value state machine
type Store struct {
	mu       sync.RWMutex
	data     map[string][]byte
	sessions map[string]*ClientSession
}

// New creates a new KV store
func New() *Store {
	return &Store{
		data:     make(map[string][]byte),
		sessions: make(map[string]*ClientSession),
	}
}

// Apply implements raft.StateMachine (via wal.StateMachine): decode the
// entry's command and apply it, deduplicating by (ClientID, RequestID)
// so a command replayed after a leader failover is applied at most once.
func (s *Store) Apply(entry raft.Entry) ([]byte, error) {
	var cmd Command
	dec := gob.NewDecoder(bytes.NewReader(entry.Data))
	if err := dec.Decode(&cmd); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[cmd.ClientID]; ok && session.LastRequestID >= cmd.RequestID {
		return encodeResponse(session.Response)
	}

	var response bool
	switch cmd.Type {
	case CommandSet:
		s.data[cmd.Key] = cmd.Value
		response = true
	case CommandDelete:
		delete(s.data, cmd.Key)
		response = true
	}

	s.sessions[cmd.ClientID] = &ClientSession{
		LastRequestID: cmd.RequestID,
		Response:      response,
	}

	return encodeResponse(response)
}

func encodeResponse(ok bool) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ok); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Get retrieves a value by key
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, false
	}

	result := make([]byte, len(value))
	copy(result, value)
	return result, true
}

// GetAll returns all key-value pairs
func (s *Store) GetAll() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]byte)
	for k, v := range s.data {
		result[k] = v
	}
	return result
}

// Snapshot creates a snapshot of the current state
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := struct {
		Data     map[string][]byte
		Sessions map[string]*ClientSession
	}{
		Data:     s.data,
		Sessions: s.sessions,
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(state); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Restore restores state from a snapshot
func (s *Store) Restore(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state struct {
		Data     map[string][]byte
		Sessions map[string]*ClientSession
	}

	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&state); err != nil {
		return err
	}

	s.data = state.Data
	s.sessions = state.Sessions
	return nil
}

// NewClientID mints a session identifier for a new KV client, used as
// the ClientID half of the at-most-once dedup key.
func NewClientID() string {
	return uuid.NewString()
}

// EncodeCommand encodes a command for log storage
func EncodeCommand(cmdType CommandType, key string, value []byte, clientID string, requestID uint64) ([]byte, error) {
	cmd := Command{
		Type:      cmdType,
		Key:       key,
		Value:     value,
		ClientID:  clientID,
		RequestID: requestID,
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(cmd); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Size returns the number of keys in the store
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}