// Command vectorizerd runs the vector database core as a standalone
// process: it loads configuration, recovers the on-disk store, starts
// the replication role configured (master or replica), and runs the
// auto-save loop until signalled to stop. It exposes no REST/gRPC/MCP
// surface — those are out of scope per spec.md §1.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hivellm/vectorizer/internal/autosave"
	"github.com/hivellm/vectorizer/internal/collection"
	"github.com/hivellm/vectorizer/internal/compaction"
	"github.com/hivellm/vectorizer/internal/config"
	"github.com/hivellm/vectorizer/internal/logging"
	"github.com/hivellm/vectorizer/internal/model"
	"github.com/hivellm/vectorizer/internal/replication"
	"github.com/hivellm/vectorizer/internal/vectorstore"
	"github.com/hivellm/vectorizer/internal/wal"
)

func main() {
	dataDir := flag.String("data-dir", "", "override server.data_dir from config")
	flag.Parse()

	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintln(os.Stderr, "vectorizerd: failed to load config:", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Server.DataDir = *dataDir
	}

	logCfg := logging.DefaultConfig()
	if cfg.Server.LogLevel != "" {
		logCfg.Level = cfg.Server.LogLevel
	}
	logger, closeLog, err := logging.Setup(logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vectorizerd: failed to set up logging:", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("vectorizerd: fatal error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	dataDir := cfg.Server.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store := vectorstore.New()

	if err := recoverStore(store, dataDir, cfg); err != nil {
		return fmt.Errorf("recover store: %w", err)
	}

	w, err := wal.Open(dataDir, cfg.WAL.MaxWALSizeMB)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer w.Close()

	if err := replayWAL(store, w); err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	compactor := compaction.NewCompactor(dataDir, store)
	snapshotter := compaction.NewSnapshotManager(dataDir, cfg.Autosave.SnapshotRetention)
	saver := autosave.New(autosave.Config{
		SaveInterval:     cfg.Autosave.SaveInterval,
		SnapshotInterval: cfg.Autosave.SnapshotInterval,
	}, compactor, snapshotter, []*wal.WAL{w})
	saver.Start(ctx)
	defer saver.Stop()

	stopReplication, err := startReplication(ctx, store, cfg)
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	defer stopReplication()

	slog.Info("vectorizerd: ready",
		slog.String("data_dir", dataDir),
		slog.String("replication_role", string(cfg.Replication.Role)))

	<-ctx.Done()
	slog.Info("vectorizerd: shutting down")

	if err := saver.ForceSave(); err != nil {
		slog.Error("vectorizerd: final save failed", slog.String("error", err.Error()))
	}
	return nil
}

// recoverStore loads the on-disk archive, if any, rebuilding every
// collection's vectors and (when available) its HNSW dump.
func recoverStore(store *vectorstore.Store, dataDir string, cfg *config.Config) error {
	archivePath := filepath.Join(dataDir, compaction.ArchiveFileName)
	if _, err := os.Stat(archivePath); os.IsNotExist(err) {
		return nil
	}

	persisted, err := compaction.LoadArchive(archivePath)
	if err != nil {
		return err
	}

	hnswDumpDir := filepath.Join(dataDir, "hnsw")
	for _, pc := range persisted {
		col, err := collection.New(pc.Config)
		if err != nil {
			return err
		}

		vectors := make([]model.Vector, 0, len(pc.Vectors))
		for _, v := range pc.Vectors {
			vectors = append(vectors, model.Vector{ID: v.ID, Data: v.Data, Payload: v.Payload})
		}

		if err := col.LoadFromCacheWithHNSWDump(vectors, hnswDumpDir, pc.HNSWDumpBasename); err != nil {
			return err
		}

		store.Register(pc.Name, col)
	}

	slog.Info("vectorizerd: recovered archive", slog.Int("collections", len(persisted)))
	return nil
}

// replayWAL applies every operation recorded since the last checkpoint
// to bring the recovered store up to date with the most recent writes.
func replayWAL(store *vectorstore.Store, w *wal.WAL) error {
	entries, err := w.ReadFrom(0)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := applyOp(store, e.CollectionID, e.Operation); err != nil {
			slog.Warn("vectorizerd: skipping unreplayable wal entry",
				slog.Uint64("sequence", e.Sequence), slog.String("error", err.Error()))
		}
	}

	if len(entries) > 0 {
		slog.Info("vectorizerd: replayed wal", slog.Int("entries", len(entries)))
	}
	return nil
}

func applyOp(store *vectorstore.Store, collectionID string, op wal.Operation) error {
	switch op.Type {
	case wal.OpInsertVector:
		return store.Insert(collectionID, []model.Vector{{ID: op.VectorID, Data: op.Data, Payload: op.Metadata}})
	case wal.OpUpdateVector:
		return store.Update(collectionID, model.Vector{ID: op.VectorID, Data: op.Data, Payload: op.Metadata})
	case wal.OpDeleteVector:
		return store.DeleteVector(collectionID, op.VectorID)
	case wal.OpCreateCollection:
		if op.CollectionConfig == nil {
			return nil
		}
		_, err := store.CreateCollection(*op.CollectionConfig)
		return err
	case wal.OpDeleteCollection:
		return store.DeleteCollection(collectionID)
	case wal.OpCheckpoint:
		return nil
	default:
		return fmt.Errorf("unsupported wal operation type: %s", op.Type)
	}
}

// startReplication wires the configured replication role and returns a
// function that tears it down.
func startReplication(ctx context.Context, store *vectorstore.Store, cfg *config.Config) (func(), error) {
	switch cfg.Replication.Role {
	case config.RoleMaster:
		master := replication.NewMaster(store, cfg.Replication.LogSize, replication.MasterConfig{
			HeartbeatInterval: cfg.Replication.HeartbeatInterval,
			ReplicaTimeout:    cfg.Replication.ReplicaTimeout,
		})

		go func() {
			if cfg.Replication.BindAddress == "" {
				return
			}
			if err := master.ListenAndServe(ctx, cfg.Replication.BindAddress); err != nil {
				slog.Error("vectorizerd: master listener exited", slog.String("error", err.Error()))
			}
		}()

		return func() { _ = master.Close() }, nil

	case config.RoleReplica:
		replica := replication.NewReplica(store, replication.ReplicaConfig{
			MasterAddr:     cfg.Replication.MasterAddress,
			InitialBackoff: cfg.Replication.ReconnectInterval,
		})

		go func() {
			if err := replica.Run(ctx); err != nil {
				slog.Error("vectorizerd: replica loop exited", slog.String("error", err.Error()))
			}
		}()

		return func() { replica.Stop() }, nil

	default:
		return func() {}, nil
	}
}
