// Package autosave runs the ticker-driven background loop that decides
// when to invoke WAL checkpointing and archive/snapshot compaction,
// per spec.md §4.9. The compaction and snapshot I/O itself lives in
// internal/compaction; this package owns only the timing and
// dirty-tracking decisions.
package autosave

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hivellm/vectorizer/internal/wal"
)

// Config controls the manager's save and snapshot intervals.
type Config struct {
	// SaveInterval is how often a dirty store triggers a WAL checkpoint
	// plus archive compaction.
	SaveInterval time.Duration
	// SnapshotInterval is how often an unconditional (dirty or not)
	// snapshot of the current archive is taken.
	SnapshotInterval time.Duration
}

// Archiver is the subset of compaction.Compactor the manager drives.
type Archiver interface {
	Compact() error
}

// Snapshotter is the subset of compaction.SnapshotManager the manager
// drives.
type Snapshotter interface {
	Snapshot() error
}

// tickInterval is how frequently the manager wakes to check whether a
// save or snapshot is due. spec.md §4.9 describes a 1-minute wake.
const tickInterval = time.Minute

// Manager wakes every tickInterval, checkpoints and compacts when the
// store is dirty and SaveInterval has elapsed, and snapshots
// unconditionally once SnapshotInterval has elapsed. Lifecycle mirrors
// the teacher's CompactionManager: a context/cancel pair, a
// WaitGroup, and a Stop guarded by sync.Once.
type Manager struct {
	cfg         Config
	archiver    Archiver
	snapshotter Snapshotter
	wals        []*wal.WAL

	dirty atomic.Bool

	mu           sync.Mutex
	lastSave     time.Time
	lastSnapshot time.Time

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Manager. wals lists every WAL the manager should
// checkpoint on a save cycle (the daemon passes its single process-wide
// WAL).
func New(cfg Config, archiver Archiver, snapshotter Snapshotter, wals []*wal.WAL) *Manager {
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = 5 * time.Minute
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Hour
	}
	return &Manager{cfg: cfg, archiver: archiver, snapshotter: snapshotter, wals: wals}
}

// MarkChanged flags the store as dirty, making it eligible for the next
// save cycle once SaveInterval has elapsed.
func (m *Manager) MarkChanged() {
	m.dirty.Store(true)
}

// Start runs the wake loop until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

// Stop cancels the wake loop and waits for the in-flight cycle, if any,
// to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
	})
}

// ForceSave runs a save cycle (checkpoint + compact) immediately,
// regardless of dirty state or elapsed interval.
func (m *Manager) ForceSave() error {
	return m.save()
}

// ForceSnapshot runs a snapshot immediately, regardless of elapsed
// interval.
func (m *Manager) ForceSnapshot() error {
	return m.snapshot()
}

func (m *Manager) loop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	m.mu.Lock()
	saveDue := time.Since(m.lastSave) >= m.cfg.SaveInterval
	snapshotDue := time.Since(m.lastSnapshot) >= m.cfg.SnapshotInterval
	m.mu.Unlock()

	if saveDue && m.dirty.Load() {
		if err := m.save(); err != nil {
			slog.Error("autosave: save cycle failed", slog.String("error", err.Error()))
		}
	}

	if snapshotDue {
		if err := m.snapshot(); err != nil {
			slog.Error("autosave: snapshot cycle failed", slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) save() error {
	for _, w := range m.wals {
		if w.ShouldCheckpoint() {
			if _, err := w.Checkpoint(); err != nil {
				return err
			}
		}
	}

	if err := m.archiver.Compact(); err != nil {
		return err
	}

	m.mu.Lock()
	m.lastSave = time.Now()
	m.mu.Unlock()
	m.dirty.Store(false)

	slog.Info("autosave: save cycle complete")
	return nil
}

func (m *Manager) snapshot() error {
	if err := m.snapshotter.Snapshot(); err != nil {
		return err
	}

	m.mu.Lock()
	m.lastSnapshot = time.Now()
	m.mu.Unlock()

	slog.Info("autosave: snapshot cycle complete")
	return nil
}
