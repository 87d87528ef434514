// Package compaction builds and reads the on-disk archive
// (vectorizer.vecdb) and manages the hourly snapshot directory.
package compaction

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/hivellm/vectorizer/internal/collection"
	vecerrors "github.com/hivellm/vectorizer/internal/errors"
	"github.com/hivellm/vectorizer/internal/model"
	"github.com/hivellm/vectorizer/internal/vectorstore"
)

// ArchiveFileName is the canonical single-file archive name.
const ArchiveFileName = "vectorizer.vecdb"

func init() {
	// Payload values are caller-defined JSON-shaped data stored in an
	// interface{}-valued map; gob requires every concrete type that can
	// appear in an interface{} field to be registered up front.
	gob.Register("")
	gob.Register(float64(0))
	gob.Register(true)
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
}

// magic identifies the archive format: "VECDB" + version 1, little-endian.
var magic = [8]byte{'V', 'E', 'C', 'D', 'B', 0x00, 0x01, 0x00}

// ManifestEntry describes one collection's entry within the archive body.
type ManifestEntry struct {
	CollectionName string `json:"collection_name"`
	Offset         int64  `json:"offset"`
	Length         int64  `json:"length"`
	CRC32          uint32 `json:"crc32"`
	HasHNSWDump    bool   `json:"has_hnsw_dump"`
}

// PersistedVector is one vector as stored in an archive entry.
type PersistedVector struct {
	ID         string
	Data       []float32
	Payload    model.Payload
	Normalized bool
}

// PersistedCollection is the full serialized state of one collection.
type PersistedCollection struct {
	Name             string
	Config           collection.Config
	Vectors          []PersistedVector
	HNSWDumpBasename string
}

// Compactor builds the single-file archive from the live Vector Store
// and writes it atomically. Entries are gzip-compressed gob encodings,
// matching spec.md §6's "optionally gzipped" bincode-analogue entries —
// gob is this corpus's stand-in for bincode (see DESIGN.md).
type Compactor struct {
	mu          sync.Mutex
	dataDir     string
	hnswDumpDir string
	store       *vectorstore.Store
}

// NewCompactor creates a compactor writing to dataDir/vectorizer.vecdb,
// with HNSW sidecar dumps under dataDir/hnsw.
func NewCompactor(dataDir string, store *vectorstore.Store) *Compactor {
	return &Compactor{
		dataDir:     dataDir,
		hnswDumpDir: filepath.Join(dataDir, "hnsw"),
		store:       store,
	}
}

// Compact iterates every collection in the Vector Store, builds an
// in-memory archive entry for each (name, config, ordered vectors,
// HNSW dump basename), and writes the whole archive atomically.
func (c *Compactor) Compact() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := c.store.List()
	manifest := make([]ManifestEntry, 0, len(names))
	var body bytes.Buffer

	for _, name := range names {
		col, err := c.store.Get(name)
		if err != nil {
			continue // deleted between List() and Get(); skip
		}

		persisted, err := c.buildPersisted(name, col)
		if err != nil {
			return err
		}

		entryBytes, err := encodeEntry(persisted)
		if err != nil {
			return err
		}

		manifest = append(manifest, ManifestEntry{
			CollectionName: name,
			Offset:         int64(body.Len()),
			Length:         int64(len(entryBytes)),
			CRC32:          crc32.ChecksumIEEE(entryBytes),
			HasHNSWDump:    persisted.HNSWDumpBasename != "",
		})
		body.Write(entryBytes)
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return vecerrors.Wrap(vecerrors.ErrCodeSerialization, err)
	}

	var out bytes.Buffer
	out.Write(magic[:])
	writeUint32(&out, uint32(len(manifestJSON)))
	out.Write(manifestJSON)
	out.Write(body.Bytes())
	writeUint32(&out, crc32.ChecksumIEEE(manifestJSON))

	return writeAtomic(filepath.Join(c.dataDir, ArchiveFileName), out.Bytes())
}

func (c *Compactor) buildPersisted(name string, col *collection.Collection) (PersistedCollection, error) {
	meta := col.Metadata()
	ids := col.OrderedIDs()

	vectors := make([]PersistedVector, 0, len(ids))
	for _, id := range ids {
		v, err := col.GetVector(id)
		if err != nil {
			continue // removed concurrently; the order log will catch up next cycle
		}
		vectors = append(vectors, PersistedVector{
			ID:         v.ID,
			Data:       v.Data,
			Payload:    v.Payload,
			Normalized: meta.Config.Normalize,
		})
	}

	basename, err := col.DumpHNSWIndex(c.hnswDumpDir)
	if err != nil {
		basename = "" // HNSW dump is best-effort; the vectors themselves are authoritative
	}

	return PersistedCollection{
		Name:             name,
		Config:           meta.Config,
		Vectors:          vectors,
		HNSWDumpBasename: basename,
	}, nil
}

func encodeEntry(pc PersistedCollection) ([]byte, error) {
	var raw bytes.Buffer
	gz := gzip.NewWriter(&raw)
	if err := gob.NewEncoder(gz).Encode(pc); err != nil {
		return nil, vecerrors.Wrap(vecerrors.ErrCodeSerialization, err)
	}
	if err := gz.Close(); err != nil {
		return nil, vecerrors.Wrap(vecerrors.ErrCodeSerialization, err)
	}
	return raw.Bytes(), nil
}

func decodeEntry(data []byte) (PersistedCollection, error) {
	var pc PersistedCollection
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return pc, vecerrors.Wrap(vecerrors.ErrCodeSerialization, err)
	}
	defer gz.Close()
	if err := gob.NewDecoder(gz).Decode(&pc); err != nil {
		return pc, vecerrors.Wrap(vecerrors.ErrCodeSerialization, err)
	}
	return pc, nil
}

// LoadArchive reads and validates an archive, returning every persisted
// collection. The manifest's CRC is checked before any entry body is
// parsed, so a partial or corrupted archive is never silently accepted.
func LoadArchive(path string) ([]PersistedCollection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, vecerrors.IOError("failed to read archive", err)
	}

	if len(data) < 8+4+4 || !bytes.Equal(data[:8], magic[:]) {
		return nil, vecerrors.New(vecerrors.ErrCodeFormatVersion, "archive missing or invalid magic header", nil)
	}

	manifestLen := binary.LittleEndian.Uint32(data[8:12])
	manifestStart := 12
	manifestEnd := manifestStart + int(manifestLen)
	if manifestEnd+4 > len(data) {
		return nil, vecerrors.New(vecerrors.ErrCodeChecksumMismatch, "archive truncated before manifest end", nil)
	}
	manifestJSON := data[manifestStart:manifestEnd]

	footer := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(manifestJSON) != footer {
		return nil, vecerrors.New(vecerrors.ErrCodeChecksumMismatch, "archive manifest CRC mismatch", nil)
	}

	var manifest []ManifestEntry
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, vecerrors.Wrap(vecerrors.ErrCodeSerialization, err)
	}

	bodyStart := manifestEnd
	bodyEnd := len(data) - 4
	body := data[bodyStart:bodyEnd]

	out := make([]PersistedCollection, 0, len(manifest))
	for _, m := range manifest {
		if m.Offset < 0 || m.Offset+m.Length > int64(len(body)) {
			return nil, vecerrors.New(vecerrors.ErrCodeChecksumMismatch,
				fmt.Sprintf("entry %q out of bounds", m.CollectionName), nil)
		}
		entryBytes := body[m.Offset : m.Offset+m.Length]
		if crc32.ChecksumIEEE(entryBytes) != m.CRC32 {
			return nil, vecerrors.New(vecerrors.ErrCodeChecksumMismatch,
				fmt.Sprintf("entry %q CRC mismatch", m.CollectionName), nil)
		}
		pc, err := decodeEntry(entryBytes)
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

// writeAtomic writes data to path via a temp file, fsync, then rename,
// grounded on the teacher's HNSWStore.Save pattern.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return vecerrors.IOError("failed to create archive directory", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return vecerrors.IOError("failed to create temp archive file", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return vecerrors.IOError("failed to write archive", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return vecerrors.IOError("failed to flush archive", err)
	}
	if err := f.Close(); err != nil {
		return vecerrors.IOError("failed to close archive", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return vecerrors.IOError("failed to rename archive into place", err)
	}
	return nil
}
