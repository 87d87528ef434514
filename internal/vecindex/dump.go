package vecindex

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	vecerrors "github.com/hivellm/vectorizer/internal/errors"
)

// dumpMetadata is the gob-encoded sidecar persisted alongside the graph
// export, carrying the string ID mappings coder/hnsw's own format has no
// room for.
type dumpMetadata struct {
	IDMap   map[string]uint64
	NextKey uint64
	Config  Config
	// Vectors mirrors the graph's raw data keyed by internal key, kept
	// alongside the coder/hnsw export so Optimize can rebuild after a
	// load without requiring a graph node-enumeration API.
	Vectors map[uint64][]float32
}

// FileDump writes the index to <dir>/<basename>.graph (coder/hnsw's
// native export) and <dir>/<basename>.data (ID mappings + config),
// atomically via temp-file-then-rename.
func (ix *Index) FileDump(dir, basename string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.closed {
		return vecerrors.New(vecerrors.ErrCodeIO, "index is closed", nil)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return vecerrors.Wrap(vecerrors.ErrCodeIO, fmt.Errorf("create dump dir: %w", err))
	}

	graphPath := filepath.Join(dir, basename+".graph")
	if err := writeAtomic(graphPath, ix.graph.Export); err != nil {
		return vecerrors.Wrap(vecerrors.ErrCodeIO, fmt.Errorf("export graph: %w", err))
	}

	dataPath := filepath.Join(dir, basename+".data")
	meta := dumpMetadata{IDMap: ix.idMap, NextKey: ix.nextKey, Config: ix.config, Vectors: ix.vectors}
	if err := writeAtomic(dataPath, func(f *os.File) error {
		return gob.NewEncoder(f).Encode(meta)
	}); err != nil {
		return vecerrors.Wrap(vecerrors.ErrCodeIO, fmt.Errorf("encode dump metadata: %w", err))
	}

	return nil
}

// LoadFromDump populates ix from dump files written by FileDump. len()
// after a successful load equals the value at dump time.
func LoadFromDump(dir, basename string) (*Index, error) {
	dataPath := filepath.Join(dir, basename+".data")
	dataFile, err := os.Open(dataPath)
	if err != nil {
		return nil, vecerrors.Wrap(vecerrors.ErrCodeIO, fmt.Errorf("open dump metadata: %w", err))
	}
	defer dataFile.Close()

	var meta dumpMetadata
	if err := gob.NewDecoder(dataFile).Decode(&meta); err != nil {
		return nil, vecerrors.New(vecerrors.ErrCodeFormatVersion, fmt.Sprintf("decode dump metadata: %v", err), nil)
	}

	ix, err := New(meta.Config)
	if err != nil {
		return nil, err
	}

	graphPath := filepath.Join(dir, basename+".graph")
	graphFile, err := os.Open(graphPath)
	if err != nil {
		return nil, vecerrors.Wrap(vecerrors.ErrCodeIO, fmt.Errorf("open dump graph: %w", err))
	}
	defer graphFile.Close()

	reader := bufio.NewReader(graphFile)
	if err := ix.graph.Import(reader); err != nil {
		return nil, vecerrors.New(vecerrors.ErrCodeFormatVersion, fmt.Sprintf("import graph: %v", err), nil)
	}

	ix.idMap = meta.IDMap
	ix.nextKey = meta.NextKey
	ix.vectors = meta.Vectors
	ix.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		ix.keyMap[key] = id
	}

	return ix, nil
}

// writeAtomic writes via a temp file in the same directory then renames
// it over the destination, so a reader never observes a partial file.
func writeAtomic(path string, write func(*os.File) error) error {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
