// Package replication implements the master/replica TCP protocol: a
// bounded replication log on the master, full/partial sync, and a
// replica client that applies the stream to its own Vector Store.
package replication

import (
	"sync"
	"time"

	"github.com/hivellm/vectorizer/internal/wal"
)

// LogEntry is one replicated operation, offset 1-based and
// monotonically increasing.
type LogEntry struct {
	Offset       uint64
	Timestamp    time.Time
	CollectionID string
	Op           wal.Operation
}

// Log is the master's bounded circular sequence of the last logSize
// operations. Implemented as a trimmed slice rather than a literal ring
// buffer: the window is small and the trim is O(1) amortized, so the
// extra indirection a true ring buffer saves isn't worth it here.
type Log struct {
	mu         sync.Mutex
	capacity   int
	entries    []LogEntry
	nextOffset uint64
}

// NewLog creates a replication log retaining at most capacity entries.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1
	}
	return &Log{capacity: capacity, nextOffset: 1}
}

// Append records op under collectionID and returns the entry assigned
// the new offset.
func (l *Log) Append(collectionID string, op wal.Operation) LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{Offset: l.nextOffset, Timestamp: time.Now(), CollectionID: collectionID, Op: op}
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	l.nextOffset++
	return entry
}

// GetOperations returns every entry with offset >= fromOffset, and
// false if fromOffset predates the earliest retained offset (the
// caller must fall back to a full sync).
func (l *Log) GetOperations(fromOffset uint64) ([]LogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if fromOffset == 0 {
		return nil, false
	}
	if len(l.entries) == 0 {
		if fromOffset >= l.nextOffset {
			return nil, true
		}
		return nil, false
	}
	if fromOffset < l.entries[0].Offset {
		return nil, false
	}

	out := make([]LogEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Offset >= fromOffset {
			out = append(out, e)
		}
	}
	return out, true
}

// CurrentOffset returns the offset of the last entry appended, or 0 if
// the log is empty.
func (l *Log) CurrentOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nextOffset <= 1 {
		return 0
	}
	return l.nextOffset - 1
}
