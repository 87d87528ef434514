package replication

import (
	"bytes"
	"context"
	"encoding/gob"
	"hash/crc32"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hivellm/vectorizer/internal/collection"
	vecerrors "github.com/hivellm/vectorizer/internal/errors"
	"github.com/hivellm/vectorizer/internal/model"
	"github.com/hivellm/vectorizer/internal/vectorstore"
	"github.com/hivellm/vectorizer/internal/wal"
)

// ReplicaConfig configures a Replica's connection behavior.
type ReplicaConfig struct {
	MasterAddr     string
	DialTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Replica connects to a Master, bootstraps via full or partial sync,
// and applies the streamed operations to its own Vector Store. Its
// reconnect loop runs indefinitely until Stop is called, which is why
// it rolls its own backoff rather than reusing errors.Retry (bounded by
// MaxRetries).
type Replica struct {
	cfg   ReplicaConfig
	store *vectorstore.Store

	mu            sync.Mutex
	offset        uint64
	lastHeartbeat time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewReplica creates a replica that will sync store against the master
// at cfg.MasterAddr.
func NewReplica(store *vectorstore.Store, cfg ReplicaConfig) *Replica {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Replica{cfg: cfg, store: store, stopCh: make(chan struct{})}
}

// Offset returns the last applied replication offset.
func (r *Replica) Offset() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// LastHeartbeat returns the timestamp of the last heartbeat received
// from the master.
func (r *Replica) LastHeartbeat() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHeartbeat
}

// Stop ends the replica's reconnect loop.
func (r *Replica) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Run connects to the master and applies its stream until ctx is
// cancelled or Stop is called, reconnecting with exponential-capped
// backoff whenever the connection drops.
func (r *Replica) Run(ctx context.Context) error {
	backoff := r.cfg.InitialBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			return nil
		default:
		}

		err := r.connectAndSync(ctx)
		if err == nil {
			// connectAndSync only returns nil on a clean shutdown request.
			return nil
		}

		slog.Warn("replication: lost connection to master, retrying",
			slog.String("master", r.cfg.MasterAddr), slog.String("error", err.Error()),
			slog.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
}

func (r *Replica) connectAndSync(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", r.cfg.MasterAddr, r.cfg.DialTimeout)
	if err != nil {
		return vecerrors.ReplicationError(vecerrors.ErrCodeConnection, "failed to dial master", err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, Command{Type: CmdHello, LastKnownOffset: r.Offset()}); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-r.stopCh:
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		default:
		}

		cmd, err := ReadFrame(conn)
		if err != nil {
			return vecerrors.ReplicationError(vecerrors.ErrCodeConnection, "failed to read frame from master", err)
		}

		if err := r.apply(cmd); err != nil {
			slog.Error("replication: failed to apply command",
				slog.String("type", string(cmd.Type)), slog.String("error", err.Error()))
		}
	}
}

func (r *Replica) apply(cmd Command) error {
	switch cmd.Type {
	case CmdFullSync:
		return r.applyFullSync(cmd)
	case CmdPartialSync:
		for _, e := range cmd.Operations {
			if err := r.applyEntry(e); err != nil {
				return err
			}
		}
		return nil
	case CmdOperation:
		if cmd.Entry == nil {
			return vecerrors.New(vecerrors.ErrCodeUnsupportedCommand, "operation command missing entry", nil)
		}
		return r.applyEntry(*cmd.Entry)
	case CmdHeartbeat:
		r.mu.Lock()
		r.lastHeartbeat = cmd.Timestamp
		r.mu.Unlock()
		return nil
	default:
		return vecerrors.New(vecerrors.ErrCodeUnsupportedCommand, "unknown command type: "+string(cmd.Type), nil)
	}
}

// applyFullSync validates the snapshot checksum, then replaces every
// local collection with the snapshot's contents.
func (r *Replica) applyFullSync(cmd Command) error {
	if cmd.SnapshotMeta == nil || cmd.SnapshotData == nil {
		return vecerrors.New(vecerrors.ErrCodeSync, "full sync command missing payload", nil)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(*cmd.SnapshotData); err != nil {
		return vecerrors.Wrap(vecerrors.ErrCodeSerialization, err)
	}
	if crc32.ChecksumIEEE(buf.Bytes()) != cmd.SnapshotMeta.Checksum {
		return vecerrors.New(vecerrors.ErrCodeChecksumMismatch, "full sync snapshot checksum mismatch", nil)
	}

	for _, name := range r.store.List() {
		_ = r.store.DeleteCollection(name)
	}

	for _, sc := range cmd.SnapshotData.Collections {
		cfg := collectionConfigFor(sc)
		if _, err := r.store.CreateCollection(cfg); err != nil {
			return err
		}

		vectors := make([]model.Vector, 0, len(sc.Vectors))
		for _, v := range sc.Vectors {
			vectors = append(vectors, model.Vector{ID: v.ID, Data: v.Data, Payload: v.Payload})
		}
		if len(vectors) > 0 {
			if err := r.store.Insert(sc.Name, vectors); err != nil {
				return err
			}
		}
	}

	r.mu.Lock()
	r.offset = cmd.SnapshotMeta.Offset
	r.mu.Unlock()
	return nil
}

func (r *Replica) applyEntry(e LogEntry) error {
	if err := r.applyOp(e.CollectionID, e.Op); err != nil {
		if vecerrors.GetCode(err) == vecerrors.ErrCodeDuplicateVectorID {
			// Log.GetOperations is inclusive of the offset a reconnecting
			// replica reports as its own, so the first entry of a partial
			// sync is always one already applied before the disconnect.
			// Treat the replay as a no-op instead of aborting the rest of
			// the batch.
			r.mu.Lock()
			if e.Offset > r.offset {
				r.offset = e.Offset
			}
			r.mu.Unlock()
			return nil
		}
		return err
	}
	r.mu.Lock()
	r.offset = e.Offset
	r.mu.Unlock()
	return nil
}

func (r *Replica) applyOp(collectionID string, op wal.Operation) error {
	switch op.Type {
	case wal.OpInsertVector:
		return r.store.Insert(collectionID, []model.Vector{{ID: op.VectorID, Data: op.Data, Payload: op.Metadata}})
	case wal.OpUpdateVector:
		return r.store.Update(collectionID, model.Vector{ID: op.VectorID, Data: op.Data, Payload: op.Metadata})
	case wal.OpDeleteVector:
		return r.store.DeleteVector(collectionID, op.VectorID)
	case wal.OpCreateCollection:
		if op.CollectionConfig == nil {
			return vecerrors.New(vecerrors.ErrCodeUnsupportedCommand, "create_collection operation missing config", nil)
		}
		_, err := r.store.CreateCollection(*op.CollectionConfig)
		return err
	case wal.OpDeleteCollection:
		return r.store.DeleteCollection(collectionID)
	case wal.OpCheckpoint:
		// Checkpoints are a WAL/compaction-local concern on the master;
		// the replica has no WAL file of its own to truncate.
		return nil
	default:
		return vecerrors.New(vecerrors.ErrCodeUnsupportedCommand, "unsupported operation type: "+string(op.Type), nil)
	}
}

func collectionConfigFor(sc SnapshotCollection) collection.Config {
	return collection.Config{Name: sc.Name, Dim: sc.Dimension, Metric: sc.Metric}
}
