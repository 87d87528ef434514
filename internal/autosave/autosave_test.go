package autosave

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivellm/vectorizer/internal/wal"
)

type fakeArchiver struct {
	calls atomic.Int32
	err   error
}

func (f *fakeArchiver) Compact() error {
	f.calls.Add(1)
	return f.err
}

type fakeSnapshotter struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSnapshotter) Snapshot() error {
	f.calls.Add(1)
	return f.err
}

func openTestWAL(t *testing.T) *wal.WAL {
	t.Helper()
	w, err := wal.Open(t.TempDir(), 100)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

// Given a Manager with zero elapsed time since construction, ForceSave
// always runs regardless of the dirty flag or interval.
func TestForceSave_RunsRegardlessOfDirtyState(t *testing.T) {
	archiver := &fakeArchiver{}
	snapshotter := &fakeSnapshotter{}
	m := New(Config{SaveInterval: time.Hour, SnapshotInterval: time.Hour}, archiver, snapshotter, nil)

	require.NoError(t, m.ForceSave())
	assert.Equal(t, int32(1), archiver.calls.Load())
}

// Given a dirty store and an elapsed save interval, tick runs a save
// cycle and clears the dirty flag.
func TestTick_SavesWhenDirtyAndIntervalElapsed(t *testing.T) {
	archiver := &fakeArchiver{}
	snapshotter := &fakeSnapshotter{}
	m := New(Config{SaveInterval: 0, SnapshotInterval: time.Hour}, archiver, snapshotter, nil)
	m.MarkChanged()

	m.tick()

	assert.Equal(t, int32(1), archiver.calls.Load())
	assert.False(t, m.dirty.Load())
}

// Given a clean (non-dirty) store, tick does not invoke the archiver
// even once the save interval has elapsed.
func TestTick_SkipsSaveWhenNotDirty(t *testing.T) {
	archiver := &fakeArchiver{}
	snapshotter := &fakeSnapshotter{}
	m := New(Config{SaveInterval: 0, SnapshotInterval: time.Hour}, archiver, snapshotter, nil)

	m.tick()

	assert.Equal(t, int32(0), archiver.calls.Load())
}

// Given an elapsed snapshot interval, tick snapshots unconditionally,
// whether or not the store is dirty.
func TestTick_SnapshotsUnconditionallyOnInterval(t *testing.T) {
	archiver := &fakeArchiver{}
	snapshotter := &fakeSnapshotter{}
	m := New(Config{SaveInterval: time.Hour, SnapshotInterval: 0}, archiver, snapshotter, nil)

	m.tick()

	assert.Equal(t, int32(1), snapshotter.calls.Load())
	assert.Equal(t, int32(0), archiver.calls.Load())
}

// Given a Manager with a registered WAL still below its size threshold,
// a save cycle checks it, leaves it un-checkpointed, and still compacts.
func TestSave_ChecksRegisteredWALsThenCompacts(t *testing.T) {
	w := openTestWAL(t)
	_, err := w.Append("docs", wal.InsertVectorOp("v1", []float32{1, 2, 3}, nil))
	require.NoError(t, err)

	archiver := &fakeArchiver{}
	snapshotter := &fakeSnapshotter{}
	m := New(Config{SaveInterval: time.Hour, SnapshotInterval: time.Hour}, archiver, snapshotter, []*wal.WAL{w})
	m.MarkChanged()

	require.NoError(t, m.ForceSave())
	assert.Equal(t, int32(1), archiver.calls.Load())
}

// Given a running Manager, Start then Stop does not deadlock and
// leaves the background goroutine fully drained.
func TestStartThenStop_ShutsDownCleanly(t *testing.T) {
	archiver := &fakeArchiver{}
	snapshotter := &fakeSnapshotter{}
	m := New(Config{SaveInterval: time.Hour, SnapshotInterval: time.Hour}, archiver, snapshotter, nil)

	m.Start(context.Background())
	m.Stop()
	// Calling Stop twice must be safe (sync.Once).
	m.Stop()
}

// Given an archiver that returns an error, save propagates it rather
// than silently marking the store clean.
func TestSave_PropagatesArchiverError(t *testing.T) {
	archiver := &fakeArchiver{err: assertError("compact failed")}
	snapshotter := &fakeSnapshotter{}
	m := New(Config{SaveInterval: time.Hour, SnapshotInterval: time.Hour}, archiver, snapshotter, nil)
	m.MarkChanged()

	err := m.ForceSave()
	assert.Error(t, err)
	assert.True(t, m.dirty.Load(), "dirty flag must survive a failed save")
}

type assertError string

func (e assertError) Error() string { return string(e) }
