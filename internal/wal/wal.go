// Package wal implements the process-wide write-ahead log: a single
// newline-delimited JSON file recording every mutating operation before
// it takes effect, so a crash can be recovered from by replaying it.
package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	vecerrors "github.com/hivellm/vectorizer/internal/errors"
)

// FileName is the canonical WAL file name within a data directory.
const FileName = "vectorizer.wal"

// WALEntry is a single recorded line: sequence, timestamp, the
// collection it applies to, the operation, and an optional transaction
// id grouping it with sibling entries.
type WALEntry struct {
	Sequence      uint64    `json:"sequence"`
	Timestamp     time.Time `json:"timestamp"`
	CollectionID  string    `json:"collection_id"`
	Operation     Operation `json:"operation"`
	TransactionID string    `json:"transaction_id,omitempty"`
}

// WAL is the append-only log guarding every collection mutation.
// In-process callers are serialized by mu; the gofrs/flock lock on
// path+".lock" additionally guarantees only one process in the
// deployment holds the write lock at a time, matching spec.md's
// "exclusive write lock" contract across the checkpoint rename.
type WAL struct {
	mu           sync.RWMutex
	path         string
	file         *os.File
	lock         *flock.Flock
	nextSeq      uint64
	maxWALSizeMB int
}

// Open opens (creating if absent) the WAL file at dir/vectorizer.wal,
// acquires the cross-process lock, and recovers nextSeq from the
// highest sequence already present.
func Open(dir string, maxWALSizeMB int) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, vecerrors.IOError("failed to create WAL directory", err)
	}

	path := filepath.Join(dir, FileName)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, vecerrors.IOError("failed to acquire WAL lock", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, vecerrors.IOError("failed to open WAL file", err)
	}

	w := &WAL{path: path, file: f, lock: lock, maxWALSizeMB: maxWALSizeMB}

	last, _, err := w.scan(0, false)
	if err != nil {
		_ = f.Close()
		_ = lock.Unlock()
		return nil, err
	}
	if n := len(last); n > 0 {
		w.nextSeq = last[n-1].Sequence + 1
	}

	return w, nil
}

// Close flushes and releases the WAL file and its cross-process lock.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.file.Close()
	if lockErr := w.lock.Unlock(); lockErr != nil && err == nil {
		err = lockErr
	}
	return err
}

// Append atomically acquires the next sequence, writes one line, flushes,
// and returns the sequence assigned.
func (w *WAL) Append(collectionID string, op Operation) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.nextSeq
	entry := WALEntry{Sequence: seq, Timestamp: time.Now(), CollectionID: collectionID, Operation: op}

	line, err := json.Marshal(entry)
	if err != nil {
		return 0, vecerrors.Wrap(vecerrors.ErrCodeSerialization, err)
	}
	if err := w.writeLine(line); err != nil {
		return 0, err
	}

	w.nextSeq++
	return seq, nil
}

// AppendTransaction acquires a contiguous block of sequences, one per
// operation, and writes all lines under a single write lock with one
// flush: all-or-nothing at the file level.
func (w *WAL) AppendTransaction(txn *Transaction) ([]uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seqs := make([]uint64, len(txn.Operations))
	now := time.Now()

	var buf bytes.Buffer
	for i, op := range txn.Operations {
		seq := w.nextSeq + uint64(i)
		seqs[i] = seq
		entry := WALEntry{
			Sequence:      seq,
			Timestamp:     now,
			CollectionID:  txn.CollectionID,
			Operation:     op,
			TransactionID: txn.ID,
		}
		line, err := json.Marshal(entry)
		if err != nil {
			return nil, vecerrors.Wrap(vecerrors.ErrCodeSerialization, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return nil, vecerrors.IOError("failed to append transaction", err)
	}
	if err := w.file.Sync(); err != nil {
		return nil, vecerrors.IOError("failed to flush transaction", err)
	}

	w.nextSeq += uint64(len(txn.Operations))
	return seqs, nil
}

func (w *WAL) writeLine(line []byte) error {
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return vecerrors.IOError("failed to append WAL entry", err)
	}
	if err := w.file.Sync(); err != nil {
		return vecerrors.IOError("failed to flush WAL entry", err)
	}
	return nil
}

// ReadFrom streams entries with sequence >= seq, in sequence order. It
// reads through an independent file handle so it never races the
// append handle's position. A trailing truncated line (crash mid-write)
// is silently dropped rather than treated as an error.
func (w *WAL) ReadFrom(seq uint64) ([]WALEntry, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	entries, _, err := w.scan(seq, false)
	return entries, err
}

// Recover returns all entries whose collection_id matches, validating
// that their sequences are monotonically increasing relative to the
// original file (other collections' interleaved entries are skipped,
// so gaps in the filtered sequence are expected and not an error).
func (w *WAL) Recover(collectionID string) ([]WALEntry, error) {
	all, err := w.ReadFrom(0)
	if err != nil {
		return nil, err
	}

	out := make([]WALEntry, 0, len(all))
	var lastSeq uint64
	haveLast := false
	for _, e := range all {
		if e.CollectionID != collectionID {
			continue
		}
		if haveLast && e.Sequence < lastSeq {
			return nil, vecerrors.New(vecerrors.ErrCodeInvalidSequence,
				fmt.Sprintf("sequence %d out of order after %d", e.Sequence, lastSeq), nil)
		}
		lastSeq = e.Sequence
		haveLast = true
		out = append(out, e)
	}
	return out, nil
}

// ValidateIntegrity streams the whole file, verifying every line is
// valid JSON and that sequences are strictly monotonic starting at 0
// with no gaps. Returns the first corruption or sequence error found.
func (w *WAL) ValidateIntegrity() error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	_, _, err := w.scan(0, true)
	return err
}

// ShouldCheckpoint reports whether the WAL file has grown past
// max_wal_size_mb.
func (w *WAL) ShouldCheckpoint() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	info, err := w.file.Stat()
	if err != nil {
		return false
	}
	return info.Size() > int64(w.maxWALSizeMB)*1024*1024
}

// Checkpoint atomically truncates the WAL (rename a new empty file over
// the old one) and returns the last sequence written before truncation.
// The caller must have already persisted an external checkpoint (a
// compaction archive or snapshot) representing everything up to that
// sequence. Sequence numbering restarts at 0 in the new file.
func (w *WAL) Checkpoint() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var lastSeq uint64
	if w.nextSeq > 0 {
		lastSeq = w.nextSeq - 1
	}

	tmpPath := w.path + ".checkpoint.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return 0, vecerrors.IOError("failed to create checkpoint file", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return 0, vecerrors.IOError("failed to flush checkpoint file", err)
	}

	if err := w.file.Close(); err != nil {
		_ = tmp.Close()
		return 0, vecerrors.IOError("failed to close WAL before checkpoint", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return 0, vecerrors.IOError("failed to rename checkpoint file over WAL", err)
	}

	w.file = tmp
	w.nextSeq = 0
	return lastSeq, nil
}

// scan reads entries from a fresh file handle starting at sequence >=
// minSeq. When strict is true, any JSON parse error or sequence
// violation is returned as an error (ValidateIntegrity's contract);
// otherwise a bad trailing line simply ends the scan (ReadFrom/Recover's
// crash-tolerant contract).
func (w *WAL) scan(minSeq uint64, strict bool) ([]WALEntry, uint64, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, 0, vecerrors.IOError("failed to open WAL for reading", err)
	}
	defer f.Close()

	var entries []WALEntry
	var expected uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := uint64(0)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var entry WALEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			if strict {
				return nil, 0, vecerrors.New(vecerrors.ErrCodeWALCorruption,
					fmt.Sprintf("invalid JSON at line %d", lineNo), err)
			}
			break
		}

		if entry.Sequence != expected {
			if strict {
				return nil, 0, vecerrors.New(vecerrors.ErrCodeInvalidSequence,
					fmt.Sprintf("expected sequence %d, got %d", expected, entry.Sequence), nil)
			}
			break
		}
		expected++
		lineNo++

		if entry.Sequence >= minSeq {
			entries = append(entries, entry)
		}
	}

	if err := scanner.Err(); err != nil {
		if strict {
			return nil, 0, vecerrors.IOError("failed reading WAL", err)
		}
	}

	return entries, expected, nil
}
