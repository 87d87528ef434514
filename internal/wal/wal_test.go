package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T) *WAL {
	t.Helper()
	dir := t.TempDir()
	w, err := Open(dir, 100)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestAppend_ReturnsMonotonicSequences(t *testing.T) {
	w := openTestWAL(t)

	seq0, err := w.Append("c1", InsertVectorOp("a", []float32{1, 2}, nil))
	require.NoError(t, err)
	seq1, err := w.Append("c1", InsertVectorOp("b", []float32{3, 4}, nil))
	require.NoError(t, err)

	assert.Equal(t, uint64(0), seq0)
	assert.Equal(t, uint64(1), seq1)
}

func TestReadFrom_ReturnsEntriesInOrder(t *testing.T) {
	w := openTestWAL(t)
	_, err := w.Append("c1", InsertVectorOp("a", []float32{1}, nil))
	require.NoError(t, err)
	_, err = w.Append("c1", InsertVectorOp("b", []float32{2}, nil))
	require.NoError(t, err)

	entries, err := w.ReadFrom(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Operation.VectorID)
	assert.Equal(t, "b", entries[1].Operation.VectorID)
}

func TestAppendTransaction_AssignsContiguousSequences(t *testing.T) {
	w := openTestWAL(t)

	txn := NewTransaction("txn-1", "c1")
	txn.Add(InsertVectorOp("a", []float32{1}, nil))
	txn.Add(InsertVectorOp("b", []float32{2}, nil))
	txn.Add(InsertVectorOp("c", []float32{3}, nil))

	seqs, err := w.AppendTransaction(txn)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2}, seqs)

	entries, err := w.ReadFrom(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, "txn-1", e.TransactionID)
	}
}

func TestRecover_FiltersByCollectionAndPreservesOrder(t *testing.T) {
	w := openTestWAL(t)
	_, err := w.Append("A", InsertVectorOp("a1", []float32{1}, nil))
	require.NoError(t, err)
	_, err = w.Append("A", InsertVectorOp("a2", []float32{2}, nil))
	require.NoError(t, err)
	_, err = w.Append("B", InsertVectorOp("b1", []float32{3}, nil))
	require.NoError(t, err)

	entries, err := w.Recover("A")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(0), entries[0].Sequence)
	assert.Equal(t, uint64(1), entries[1].Sequence)
}

func TestValidateIntegrity_PassesOnCleanLog(t *testing.T) {
	w := openTestWAL(t)
	_, err := w.Append("c1", InsertVectorOp("a", []float32{1}, nil))
	require.NoError(t, err)

	assert.NoError(t, w.ValidateIntegrity())
}

func TestValidateIntegrity_FailsOnTruncatedLine(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 100)
	require.NoError(t, err)
	_, err = w.Append("c1", InsertVectorOp("a", []float32{1}, nil))
	require.NoError(t, err)
	_, err = w.Append("c1", InsertVectorOp("b", []float32{2}, nil))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	truncated := data[:len(data)-5]
	require.NoError(t, os.WriteFile(path, truncated, 0o644))

	w2, err := Open(dir, 100)
	require.NoError(t, err)
	defer w2.Close()

	assert.Error(t, w2.ValidateIntegrity())

	entries, err := w2.ReadFrom(0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestShouldCheckpoint_FalseBelowThreshold(t *testing.T) {
	w := openTestWAL(t)
	_, err := w.Append("c1", InsertVectorOp("a", []float32{1}, nil))
	require.NoError(t, err)
	assert.False(t, w.ShouldCheckpoint())
}

func TestCheckpoint_TruncatesAndResetsSequence(t *testing.T) {
	w := openTestWAL(t)
	_, err := w.Append("c1", InsertVectorOp("a", []float32{1}, nil))
	require.NoError(t, err)
	lastSeq, err := w.Append("c1", InsertVectorOp("b", []float32{2}, nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), lastSeq)

	ckptLast, err := w.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ckptLast)

	entries, err := w.ReadFrom(0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	seq, err := w.Append("c1", InsertVectorOp("c", []float32{3}, nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
}

func TestOpen_RecoversNextSequenceFromExistingFile(t *testing.T) {
	dir := t.TempDir()
	w1, err := Open(dir, 100)
	require.NoError(t, err)
	_, err = w1.Append("c1", InsertVectorOp("a", []float32{1}, nil))
	require.NoError(t, err)
	_, err = w1.Append("c1", InsertVectorOp("b", []float32{2}, nil))
	require.NoError(t, err)
	require.NoError(t, w1.Close())

	w2, err := Open(dir, 100)
	require.NoError(t, err)
	defer w2.Close()

	seq, err := w2.Append("c1", InsertVectorOp("c", []float32{3}, nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}
