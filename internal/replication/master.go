package replication

import (
	"bytes"
	"context"
	"encoding/gob"
	"hash/crc32"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	vecerrors "github.com/hivellm/vectorizer/internal/errors"
	"github.com/hivellm/vectorizer/internal/vectorstore"
	"github.com/hivellm/vectorizer/internal/wal"
)

// MasterConfig configures a Master's timing behavior.
type MasterConfig struct {
	HeartbeatInterval time.Duration
	ReplicaTimeout    time.Duration
}

// replicaConn tracks one connected replica's outbound channel and
// liveness. lastSeenNano/offset are updated from the per-connection
// send loop and read from the reaper/ListReplicas, so they're atomic
// rather than guarded by Master.mu.
type replicaConn struct {
	conn net.Conn
	ch   chan Command

	lastSeenNano atomic.Int64
	offset       atomic.Uint64
}

// touch records that a frame carrying offset was just written to the
// replica.
func (rc *replicaConn) touch(offset uint64) {
	rc.lastSeenNano.Store(time.Now().UnixNano())
	rc.offset.Store(offset)
}

func (rc *replicaConn) lastSeen() time.Time {
	return time.Unix(0, rc.lastSeenNano.Load())
}

// ReplicaInfo is operator-facing diagnostic information about one
// connected replica. It is not part of the replication wire protocol.
type ReplicaInfo struct {
	Address      string
	Offset       uint64
	HeartbeatAge time.Duration
}

// offsetForCommand extracts the replication offset a command carries,
// for tracking how far a replica has been pushed.
func offsetForCommand(cmd Command) uint64 {
	switch cmd.Type {
	case CmdOperation:
		if cmd.Entry != nil {
			return cmd.Entry.Offset
		}
	case CmdHeartbeat:
		return cmd.MasterOffset
	case CmdPartialSync:
		if n := len(cmd.Operations); n > 0 {
			return cmd.Operations[n-1].Offset
		}
		return cmd.FromOffset
	case CmdFullSync:
		if cmd.SnapshotMeta != nil {
			return cmd.SnapshotMeta.Offset
		}
	}
	return 0
}

// Master accepts replica connections, serves full/partial sync, and
// broadcasts every appended operation plus periodic heartbeats. The
// accept-loop/graceful-shutdown shape is grounded on the teacher's
// daemon.Server.ListenAndServe.
type Master struct {
	cfg   MasterConfig
	log   *Log
	store *vectorstore.Store

	mu       sync.Mutex
	replicas map[string]*replicaConn
	listener net.Listener
	shutdown bool
	wg       sync.WaitGroup
}

// NewMaster creates a master backed by store, retaining logSize
// operations in its replication log.
func NewMaster(store *vectorstore.Store, logSize int, cfg MasterConfig) *Master {
	return &Master{
		cfg:      cfg,
		log:      NewLog(logSize),
		store:    store,
		replicas: make(map[string]*replicaConn),
	}
}

// Log returns the master's replication log, so callers (e.g. the
// collection/vector-store write paths) can append to it after applying
// a mutation locally.
func (m *Master) Log() *Log {
	return m.log
}

// Append records op in the replication log and broadcasts it to every
// connected replica.
func (m *Master) Append(collectionID string, op wal.Operation) LogEntry {
	entry := m.log.Append(collectionID, op)
	m.broadcast(Command{Type: CmdOperation, Entry: &entry})
	return entry
}

func (m *Master) broadcast(cmd Command) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, r := range m.replicas {
		select {
		case r.ch <- cmd:
		default:
			slog.Warn("replication: dropping frame to slow replica", slog.String("replica", id))
		}
	}
}

// ListenAndServe accepts connections on addr until ctx is cancelled,
// spawning one goroutine per replica and a heartbeat ticker.
func (m *Master) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return vecerrors.ReplicationError(vecerrors.ErrCodeConnection, "failed to listen for replicas", err)
	}
	m.listener = listener
	return m.serveOn(ctx, listener)
}

// serveOn runs the accept loop against an already-bound listener, so
// callers (and tests) can pick the listening address themselves.
func (m *Master) serveOn(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.shutdown = true
		m.mu.Unlock()
		_ = listener.Close()
	}()

	go m.heartbeatLoop(ctx)
	go m.reapStaleReplicas(ctx)

	for {
		conn, err := listener.Accept()
		if err != nil {
			m.mu.Lock()
			shutdown := m.shutdown
			m.mu.Unlock()
			if shutdown {
				break
			}
			slog.Error("replication: accept error", slog.String("error", err.Error()))
			continue
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleConnection(ctx, conn)
		}()
	}

	m.wg.Wait()
	return ctx.Err()
}

func (m *Master) heartbeatLoop(ctx context.Context) {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.broadcast(Command{Type: CmdHeartbeat, MasterOffset: m.log.CurrentOffset(), Timestamp: time.Now()})
		}
	}
}

// reapStaleReplicas evicts any replica whose last successful write is
// older than cfg.ReplicaTimeout, per spec.md §4.8: "a replica whose
// heartbeat age exceeds replica_timeout is marked disconnected on the
// master." A ReplicaTimeout of zero disables reaping.
func (m *Master) reapStaleReplicas(ctx context.Context) {
	if m.cfg.ReplicaTimeout <= 0 {
		return
	}

	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evictStaleReplicas()
		}
	}
}

func (m *Master) evictStaleReplicas() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rc := range m.replicas {
		if now.Sub(rc.lastSeen()) > m.cfg.ReplicaTimeout {
			slog.Warn("replication: replica heartbeat timed out, disconnecting",
				slog.String("replica", id))
			_ = rc.conn.Close()
			delete(m.replicas, id)
		}
	}
}

func (m *Master) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	hello, err := ReadFrame(conn)
	if err != nil || hello.Type != CmdHello {
		slog.Warn("replication: bad hello frame", slog.Any("error", err))
		return
	}

	meta, data, ok := m.syncPayloadFor(hello.LastKnownOffset)
	var syncErr error
	if ok {
		syncErr = WriteFrame(conn, Command{
			Type:       CmdPartialSync,
			FromOffset: hello.LastKnownOffset,
			Operations: data.opsOnly,
		})
	} else {
		syncErr = WriteFrame(conn, Command{Type: CmdFullSync, SnapshotMeta: meta, SnapshotData: data.full})
	}
	if syncErr != nil {
		slog.Warn("replication: failed to send initial sync", slog.String("error", syncErr.Error()))
		return
	}

	id := conn.RemoteAddr().String()
	rc := &replicaConn{conn: conn, ch: make(chan Command, 64)}
	rc.touch(hello.LastKnownOffset)
	m.mu.Lock()
	m.replicas[id] = rc
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.replicas, id)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd, open := <-rc.ch:
			if !open {
				return
			}
			if err := WriteFrame(conn, cmd); err != nil {
				slog.Warn("replication: write to replica failed", slog.String("replica", id), slog.String("error", err.Error()))
				return
			}
			rc.touch(offsetForCommand(cmd))
		}
	}
}

// syncSource bundles the two possible response shapes so
// handleConnection can pick one without constructing both payloads.
type syncSource struct {
	opsOnly []LogEntry
	full    *SnapshotData
}

func (m *Master) syncPayloadFor(lastKnownOffset uint64) (*SnapshotMetadata, syncSource, bool) {
	if lastKnownOffset != 0 {
		if ops, ok := m.log.GetOperations(lastKnownOffset); ok {
			return nil, syncSource{opsOnly: ops}, true
		}
	}

	meta, data := m.buildSnapshot()
	return &meta, syncSource{full: &data}, false
}

// buildSnapshot serializes every collection's current state and
// checksums the result, matching spec.md §4.8's
// SnapshotMetadata/SnapshotData split.
func (m *Master) buildSnapshot() (SnapshotMetadata, SnapshotData) {
	names := m.store.List()
	collections := make([]SnapshotCollection, 0, len(names))
	totalVectors := 0

	for _, name := range names {
		col, err := m.store.Get(name)
		if err != nil {
			continue
		}
		meta := col.Metadata()
		ids := col.OrderedIDs()

		vectors := make([]SnapshotVector, 0, len(ids))
		for _, id := range ids {
			v, err := col.GetVector(id)
			if err != nil {
				continue
			}
			vectors = append(vectors, SnapshotVector{ID: v.ID, Data: v.Data, Payload: v.Payload})
		}
		totalVectors += len(vectors)

		collections = append(collections, SnapshotCollection{
			Name:      name,
			Dimension: meta.Config.Dim,
			Metric:    meta.Config.Metric,
			Vectors:   vectors,
		})
	}

	data := SnapshotData{Collections: collections}

	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(data)
	checksum := crc32.ChecksumIEEE(buf.Bytes())

	meta := SnapshotMetadata{
		Offset:           m.log.CurrentOffset(),
		Timestamp:        time.Now(),
		TotalCollections: len(collections),
		TotalVectors:     totalVectors,
		Checksum:         checksum,
	}
	return meta, data
}

// Close marks the master as shut down and closes its listener, ending
// the accept loop. It does not wait for replica handlers: they exit when
// the serving context is cancelled or a write fails, and serveOn waits
// for them before returning.
func (m *Master) Close() error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	if m.listener != nil {
		return m.listener.Close()
	}
	return nil
}

// ReplicaCount returns the number of currently connected replicas.
func (m *Master) ReplicaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replicas)
}

// ListReplicas reports each connected replica's last known pushed
// offset and heartbeat age, for operator diagnostics. Supplemented from
// original_source's replica registry; not part of the wire protocol.
func (m *Master) ListReplicas() []ReplicaInfo {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ReplicaInfo, 0, len(m.replicas))
	for id, rc := range m.replicas {
		out = append(out, ReplicaInfo{
			Address:      id,
			Offset:       rc.offset.Load(),
			HeartbeatAge: now.Sub(rc.lastSeen()),
		})
	}
	return out
}
