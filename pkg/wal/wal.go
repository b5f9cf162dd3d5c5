// Package wal is a file-backed implementation of raft.Storage: a
// gob+CRC32 write-ahead log for hard state and entries, plus a
// snappy-compressed snapshot file.
package wal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/vzdtic/raftcore/pkg/raft"
)

const (
	walFileName      = "raft.wal"
	snapshotFileName = "snapshot.dat"
	recordHeaderSize = 8 // 4 bytes CRC + 4 bytes length
)

// persistentState is the gob-encoded record the log file holds.
type persistentState struct {
	HardState raft.HardState
	Entries   []raft.Entry
}

// Storage is a single-node, file-backed raft.Storage. All methods are
// safe for concurrent use; the run loop calls into it from a single
// goroutine at a time but ReplicationStream tasks read it concurrently.
type Storage struct {
	mu sync.RWMutex

	dir  string
	file *os.File

	hard       raft.HardState
	entries    []raft.Entry
	membership raft.MembershipConfig
	appliedId  raft.LogId

	sm StateMachine

	snapMeta raft.SnapshotMeta
	snapData []byte // snappy-compressed
}

// StateMachine is the subset of raft.StateMachine the WAL drives
// directly when applying committed entries and compacting snapshots.
type StateMachine interface {
	Apply(entry raft.Entry) ([]byte, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// New creates (or recovers) a Storage rooted at dir, driving sm as the
// applied state machine.
func New(dir string, sm StateMachine) (*Storage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}
	s := &Storage{dir: dir, sm: sm}
	if err := s.recover(); err != nil {
		return nil, fmt.Errorf("failed to recover wal: %w", err)
	}
	return s, nil
}

func (s *Storage) recover() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadSnapshotLocked(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	path := filepath.Join(s.dir, walFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open wal file: %w", err)
	}
	s.file = file

	if err := s.readEntriesLocked(); err != nil && err != io.EOF {
		return fmt.Errorf("failed to read wal entries: %w", err)
	}
	return nil
}

func (s *Storage) readEntriesLocked() error {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(s.file, header); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	crc := binary.LittleEndian.Uint32(header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	data := make([]byte, length)
	if _, err := io.ReadFull(s.file, data); err != nil {
		return err
	}
	if crc32.ChecksumIEEE(data) != crc {
		return fmt.Errorf("crc mismatch in wal record")
	}

	var ps persistentState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ps); err != nil {
		return fmt.Errorf("failed to decode wal record: %w", err)
	}
	s.hard = ps.HardState
	s.entries = ps.Entries
	for _, e := range s.entries {
		if e.Kind == raft.EntryConfigChange && e.Membership != nil {
			s.membership = *e.Membership.Clone()
		}
	}
	return nil
}

func (s *Storage) persistLocked() error {
	ps := persistentState{HardState: s.hard, Entries: s.entries}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ps); err != nil {
		return fmt.Errorf("failed to encode wal record: %w", err)
	}
	data := buf.Bytes()
	crc := crc32.ChecksumIEEE(data)

	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], crc)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek wal file: %w", err)
	}
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate wal file: %w", err)
	}
	if _, err := s.file.Write(header); err != nil {
		return fmt.Errorf("failed to write wal header: %w", err)
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to write wal data: %w", err)
	}
	return s.file.Sync()
}

// GetInitialState implements raft.Storage.
func (s *Storage) GetInitialState(ctx context.Context) (raft.InitialState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last raft.LogId
	if len(s.entries) > 0 {
		last = s.entries[len(s.entries)-1].LogId
	} else if s.snapMeta.LastLogId != (raft.LogId{}) {
		last = s.snapMeta.LastLogId
	}
	membership := s.membership
	if len(membership.Members) == 0 && len(s.snapMeta.Membership.Members) > 0 {
		membership = s.snapMeta.Membership
	}
	return raft.InitialState{
		HardState:   s.hard,
		Membership:  membership,
		LastLogId:   last,
		LastApplied: s.snapMeta.LastLogId.Index,
	}, nil
}

// GetMembershipConfig implements raft.Storage: the most recent
// configuration carried by the log, falling back to the snapshot's.
func (s *Storage) GetMembershipConfig(ctx context.Context) (raft.MembershipConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.membership.Members) > 0 {
		return *s.membership.Clone(), nil
	}
	return *s.snapMeta.Membership.Clone(), nil
}

// SaveHardState implements raft.Storage.
func (s *Storage) SaveHardState(ctx context.Context, hs raft.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hard = hs
	return s.persistLocked()
}

func (s *Storage) indexOf(index uint64) int {
	if len(s.entries) == 0 {
		return -1
	}
	offset := s.entries[0].LogId.Index
	if index < offset {
		return -1
	}
	pos := int(index - offset)
	if pos >= len(s.entries) {
		return -1
	}
	return pos
}

// GetLogEntries implements raft.Storage: entries in [start, stop).
func (s *Storage) GetLogEntries(ctx context.Context, start, stop uint64) ([]raft.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []raft.Entry
	for _, e := range s.entries {
		if e.LogId.Index >= start && e.LogId.Index < stop {
			out = append(out, e)
		}
	}
	return out, nil
}

// TryGetLogEntry implements raft.Storage.
func (s *Storage) TryGetLogEntry(ctx context.Context, index uint64) (*raft.Entry, error) {
	if index == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pos := s.indexOf(index); pos >= 0 {
		e := s.entries[pos]
		return &e, nil
	}
	if s.snapMeta.LastLogId.Index == index {
		e := raft.Entry{LogId: s.snapMeta.LastLogId, Kind: raft.EntryPurged}
		return &e, nil
	}
	return nil, nil
}

// GetLastLogId implements raft.Storage.
func (s *Storage) GetLastLogId(ctx context.Context) (raft.LogId, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) > 0 {
		return s.entries[len(s.entries)-1].LogId, nil
	}
	return s.snapMeta.LastLogId, nil
}

// AppendToLog implements raft.Storage.
func (s *Storage) AppendToLog(ctx context.Context, entries []raft.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	for _, e := range entries {
		if e.Kind == raft.EntryConfigChange && e.Membership != nil {
			s.membership = *e.Membership.Clone()
		}
	}
	return s.persistLocked()
}

// DeleteLogsFrom implements raft.Storage.
func (s *Storage) DeleteLogsFrom(ctx context.Context, from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0:0]
	for _, e := range s.entries {
		if e.LogId.Index < from {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return s.persistLocked()
}

// ApplyToStateMachine implements raft.Storage. Blank, ConfigChange and
// Purged entries advance the applied position without touching the
// state machine.
func (s *Storage) ApplyToStateMachine(ctx context.Context, entries []raft.Entry) ([][]byte, error) {
	out := make([][]byte, len(entries))
	for i, e := range entries {
		if e.Kind == raft.EntryNormal {
			res, err := s.sm.Apply(e)
			if err != nil {
				return nil, fmt.Errorf("state machine apply failed: %w", err)
			}
			out[i] = res
		}
		s.mu.Lock()
		if s.appliedId.Less(e.LogId) {
			s.appliedId = e.LogId
		}
		s.mu.Unlock()
	}
	return out, nil
}

// DoLogCompaction implements raft.Storage: snapshot the state
// machine as of the last applied entry, snappy-compress the payload, and
// purge log entries at or below it. Entries beyond the applied position
// (committed-but-unapplied or still uncommitted) survive the compaction.
func (s *Storage) DoLogCompaction(ctx context.Context) (raft.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.sm.Snapshot()
	if err != nil {
		return raft.Snapshot{}, fmt.Errorf("state machine snapshot failed: %w", err)
	}

	lastApplied := s.appliedId
	if lastApplied.Index == 0 {
		lastApplied = s.snapMeta.LastLogId
	}
	if lastApplied.Index == 0 {
		return raft.Snapshot{}, raft.ErrSnapshotFailed
	}

	meta := raft.SnapshotMeta{
		LastLogId:  lastApplied,
		Membership: s.membership,
		SnapshotID: uuid.NewString(),
	}
	compressed := snappy.Encode(nil, raw)

	if err := s.saveSnapshotLocked(meta, compressed); err != nil {
		return raft.Snapshot{}, err
	}
	kept := s.entries[:0:0]
	for _, e := range s.entries {
		if e.LogId.Index > lastApplied.Index {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	if err := s.persistLocked(); err != nil {
		return raft.Snapshot{}, err
	}

	return raft.Snapshot{Meta: meta, Data: compressed}, nil
}

func (s *Storage) saveSnapshotLocked(meta raft.SnapshotMeta, compressed []byte) error {
	path := filepath.Join(s.dir, snapshotFileName)
	type onDisk struct {
		Meta raft.SnapshotMeta
		Data []byte
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(onDisk{Meta: meta, Data: compressed}); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	data := buf.Bytes()
	crc := crc32.ChecksumIEEE(data)
	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], crc)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(header); err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}
	s.snapMeta = meta
	s.snapData = compressed
	return nil
}

func (s *Storage) loadSnapshotLocked() error {
	path := filepath.Join(s.dir, snapshotFileName)
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(file, header); err != nil {
		return fmt.Errorf("failed to read snapshot header: %w", err)
	}
	crc := binary.LittleEndian.Uint32(header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	data := make([]byte, length)
	if _, err := io.ReadFull(file, data); err != nil {
		return fmt.Errorf("failed to read snapshot data: %w", err)
	}
	if crc32.ChecksumIEEE(data) != crc {
		return fmt.Errorf("crc mismatch in snapshot")
	}

	type onDisk struct {
		Meta raft.SnapshotMeta
		Data []byte
	}
	var od onDisk
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&od); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	s.snapMeta = od.Meta
	s.snapData = od.Data
	s.membership = od.Meta.Membership
	s.appliedId = od.Meta.LastLogId
	return nil
}

// GetCurrentSnapshot implements raft.Storage. Data holds the
// snappy-compressed payload as it travels on the wire: a replication
// stream chunks these bytes verbatim into InstallSnapshot RPCs, and
// FinalizeSnapshotInstallation on the receiving side decompresses them.
func (s *Storage) GetCurrentSnapshot(ctx context.Context) (*raft.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapData == nil {
		return nil, nil
	}
	return &raft.Snapshot{Meta: s.snapMeta, Data: s.snapData}, nil
}

// receivingSnapshot is a raft.SnapshotSink backed by a temp file; the
// node's install-snapshot handler seeks/writes chunks into it and hands
// it back for finalization once the stream completes.
type receivingSnapshot struct {
	*os.File
}

// BeginReceivingSnapshot implements raft.Storage.
func (s *Storage) BeginReceivingSnapshot(ctx context.Context) (raft.SnapshotSink, error) {
	f, err := os.CreateTemp(s.dir, "incoming-snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create incoming snapshot file: %w", err)
	}
	return &receivingSnapshot{File: f}, nil
}

// FinalizeSnapshotInstallation implements raft.Storage: replace
// the state machine and purge every log entry up to and including the
// snapshot's last log id, atomically with respect
// to any reader holding s.mu.
func (s *Storage) FinalizeSnapshotInstallation(ctx context.Context, meta raft.SnapshotMeta, sink raft.SnapshotSink) error {
	rs, ok := sink.(*receivingSnapshot)
	if !ok {
		return fmt.Errorf("finalize: unexpected sink type %T", sink)
	}
	defer os.Remove(rs.Name())
	defer rs.Close()

	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return err
	}
	compressed, err := io.ReadAll(rs)
	if err != nil {
		return fmt.Errorf("failed to read incoming snapshot: %w", err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("failed to decompress incoming snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sm.Restore(raw); err != nil {
		return fmt.Errorf("state machine restore failed: %w", err)
	}
	if err := s.saveSnapshotLocked(meta, compressed); err != nil {
		return err
	}
	kept := s.entries[:0:0]
	for _, e := range s.entries {
		if e.LogId.Index > meta.LastLogId.Index {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	s.membership = meta.Membership
	s.appliedId = meta.LastLogId
	return s.persistLocked()
}

// Close releases the underlying log file.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
