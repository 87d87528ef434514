package replication

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"time"

	vecerrors "github.com/hivellm/vectorizer/internal/errors"
	"github.com/hivellm/vectorizer/internal/model"
)

func init() {
	gob.Register("")
	gob.Register(float64(0))
	gob.Register(true)
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
}

// CommandType tags a Command's variant on the wire.
type CommandType string

const (
	CmdHello       CommandType = "hello"
	CmdFullSync    CommandType = "full_sync"
	CmdPartialSync CommandType = "partial_sync"
	CmdOperation   CommandType = "operation"
	CmdHeartbeat   CommandType = "heartbeat"
)

// SnapshotMetadata is the bootstrap payload's header: everything needed
// to validate and size the snapshot before decoding it.
type SnapshotMetadata struct {
	Offset           uint64
	Timestamp        time.Time
	TotalCollections int
	TotalVectors     int
	Compressed       bool
	Checksum         uint32 // CRC-32 of the gob-encoded SnapshotData
}

// SnapshotVector is one vector within a bootstrap snapshot.
type SnapshotVector struct {
	ID      string
	Data    []float32
	Payload model.Payload
}

// SnapshotCollection is one collection's full state within a bootstrap
// snapshot.
type SnapshotCollection struct {
	Name      string
	Dimension int
	Metric    model.Metric
	Vectors   []SnapshotVector
}

// SnapshotData is the bootstrap payload body, checksummed as a whole by
// SnapshotMetadata.Checksum.
type SnapshotData struct {
	Collections []SnapshotCollection
}

// Command is the tagged union of frames exchanged over the replication
// TCP connection. Only the fields relevant to Type are populated.
type Command struct {
	Type CommandType

	// Hello (replica -> master)
	LastKnownOffset uint64

	// FullSync (master -> replica)
	SnapshotMeta *SnapshotMetadata
	SnapshotData *SnapshotData

	// PartialSync (master -> replica)
	FromOffset uint64
	Operations []LogEntry

	// Operation (master -> replica)
	Entry *LogEntry

	// Heartbeat (master -> replica)
	MasterOffset uint64
	Timestamp    time.Time
}

// WriteFrame encodes cmd as gob and writes it length-prefixed
// (u32 big-endian) to w.
func WriteFrame(w io.Writer, cmd Command) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return vecerrors.Wrap(vecerrors.ErrCodeSerialization, err)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(buf.Len()))
	if _, err := w.Write(header[:]); err != nil {
		return vecerrors.ReplicationError(vecerrors.ErrCodeConnection, "failed to write frame header", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return vecerrors.ReplicationError(vecerrors.ErrCodeConnection, "failed to write frame body", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed gob frame from r.
func ReadFrame(r io.Reader) (Command, error) {
	var cmd Command

	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return cmd, vecerrors.ReplicationError(vecerrors.ErrCodeConnection, "failed to read frame header", err)
	}
	length := binary.BigEndian.Uint32(header[:])

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return cmd, vecerrors.ReplicationError(vecerrors.ErrCodeConnection, "failed to read frame body", err)
	}

	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&cmd); err != nil {
		return cmd, vecerrors.Wrap(vecerrors.ErrCodeSerialization, err)
	}
	return cmd, nil
}
