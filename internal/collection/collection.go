// Package collection implements the ACID-per-operation mutable state for
// a single named vector space: storage (full-precision or quantized),
// the HNSW index, the insertion-order log, and the document-ID set.
package collection

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	vecerrors "github.com/hivellm/vectorizer/internal/errors"
	"github.com/hivellm/vectorizer/internal/model"
	"github.com/hivellm/vectorizer/internal/vecindex"
)

// Config declares the immutable shape of a collection: dimension,
// metric, and HNSW/quantization parameters.
type Config struct {
	Name                string
	Dim                 int
	Metric              model.Metric
	Quantization        model.QuantizationMode
	HNSW                vecindex.Config
	CacheSize           int
	Normalize           bool
}

// Metadata is the read side of a collection's identity and counters.
type Metadata struct {
	Name          string
	TenantID      string
	EmbeddingType string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	VectorCount   int
	DocumentCount int
	Config        Config
}

// SearchResult is a single scored hit returned by Search, carrying the
// reconstructed vector data and payload.
type SearchResult struct {
	ID       string
	Score    float32
	Distance float32
	Data     []float32
	Payload  model.Payload
}

// Collection owns exactly the state spec.md §3 assigns it: the vectors
// map (full-precision or quantized, never both for the same id), the
// HNSW index, the insertion-order log, and the document-ID set.
type Collection struct {
	mu sync.RWMutex

	config   Config
	metadata Metadata

	vectors    map[string]model.Vector
	quantized  map[string]model.QuantizedVector
	orderLog   []string
	orderSeen  map[string]struct{}
	documents  map[string]struct{}

	index *vecindex.Index
	cache *lru.Cache[string, model.Vector]
}

// New creates an empty collection bound to cfg.
func New(cfg Config) (*Collection, error) {
	if cfg.Dim <= 0 || cfg.Dim > 65536 {
		return nil, vecerrors.ValidationError(vecerrors.ErrCodeInvalidConfig, "dimension must be in [1, 65536]", nil)
	}
	if cfg.HNSW.Dim == 0 {
		cfg.HNSW.Dim = cfg.Dim
	}
	if cfg.HNSW.Metric == "" {
		cfg.HNSW.Metric = cfg.Metric
	}
	if cfg.Quantization == "" {
		cfg.Quantization = model.QuantizationNone
	}
	// Only Cosine normalizes: DotProduct's whole point is magnitude-
	// sensitive inner-product search (MIPS), per spec.md §4.3.
	cfg.Normalize = cfg.Metric == model.MetricCosine

	idx, err := vecindex.New(cfg.HNSW)
	if err != nil {
		return nil, err
	}

	var cache *lru.Cache[string, model.Vector]
	if cfg.CacheSize > 0 {
		cache, err = lru.New[string, model.Vector](cfg.CacheSize)
		if err != nil {
			return nil, vecerrors.Wrap(vecerrors.ErrCodeInternal, err)
		}
	}

	now := time.Now()
	return &Collection{
		config: cfg,
		metadata: Metadata{
			Name:      cfg.Name,
			CreatedAt: now,
			UpdatedAt: now,
			Config:    cfg,
		},
		vectors:   make(map[string]model.Vector),
		quantized: make(map[string]model.QuantizedVector),
		orderSeen: make(map[string]struct{}),
		documents: make(map[string]struct{}),
		index:     idx,
		cache:     cache,
	}, nil
}

// Metadata returns a snapshot of the collection's metadata.
func (c *Collection) Metadata() Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadata
}

// Len returns vector_count, guaranteed equal to len(index) when fully
// loaded, per spec.md §3 invariant 1.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.orderLog)
}

func (c *Collection) prepare(v model.Vector) (model.Vector, error) {
	if len(v.Data) == 0 {
		return model.Vector{}, vecerrors.ValidationError(vecerrors.ErrCodeEmptyVector, "vector has no components", nil)
	}
	if len(v.Data) != c.config.Dim {
		return model.Vector{}, vecerrors.ValidationError(vecerrors.ErrCodeInvalidDimension,
			fmt.Sprintf("expected dimension %d, got %d", c.config.Dim, len(v.Data)), nil)
	}

	out := v
	out.Payload = v.Payload.Clone()
	if c.config.Normalize {
		out.Data = model.Normalize(v.Data)
	} else {
		data := make([]float32, len(v.Data))
		copy(data, v.Data)
		out.Data = data
	}
	return out, nil
}

// InsertBatch validates and stores every vector, atomic at the batch
// level: any validation failure leaves the collection untouched.
func (c *Collection) InsertBatch(vectors []model.Vector) error {
	if len(vectors) == 0 {
		return nil
	}

	prepared := make([]model.Vector, len(vectors))
	for i, v := range vectors {
		pv, err := c.prepare(v)
		if err != nil {
			return err
		}
		prepared[i] = pv
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pairs := make([]vecindex.Pair, len(prepared))
	for i, v := range prepared {
		pairs[i] = vecindex.Pair{ID: v.ID, Vector: v.Data}
	}
	if err := c.index.BatchAdd(pairs); err != nil {
		return err
	}

	for _, v := range prepared {
		c.store(v)
	}
	c.metadata.UpdatedAt = time.Now()
	c.metadata.VectorCount = len(c.orderLog)
	c.metadata.DocumentCount = len(c.documents)
	return nil
}

// store places v in the active storage (quantized or full-precision),
// the order log, and the document set, overwriting any previous entry.
func (c *Collection) store(v model.Vector) {
	if _, exists := c.orderSeen[v.ID]; !exists {
		c.orderLog = append(c.orderLog, v.ID)
		c.orderSeen[v.ID] = struct{}{}
	}

	delete(c.vectors, v.ID)
	delete(c.quantized, v.ID)
	if c.config.Quantization == model.QuantizationSQ8 {
		c.quantized[v.ID] = model.QuantizeVector(v)
	} else {
		c.vectors[v.ID] = v
	}

	if fp := v.Payload.FilePath(); fp != "" {
		c.documents[fp] = struct{}{}
	}

	if c.cache != nil {
		c.cache.Remove(v.ID)
	}
}

// Update replaces the vector stored for id. Fails NotFound if id is
// absent.
func (c *Collection) Update(v model.Vector) error {
	pv, err := c.prepare(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.orderSeen[v.ID]; !exists {
		return vecerrors.NotFoundError(vecerrors.ErrCodeVectorNotFound, fmt.Sprintf("vector %q not found", v.ID))
	}

	if err := c.index.Update(pv.ID, pv.Data); err != nil {
		return err
	}

	c.store(pv)
	c.metadata.UpdatedAt = time.Now()
	return nil
}

// Delete removes id from storage, the order log, and the index.
func (c *Collection) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.orderSeen[id]; !exists {
		return vecerrors.NotFoundError(vecerrors.ErrCodeVectorNotFound, fmt.Sprintf("vector %q not found", id))
	}

	if err := c.index.Remove(id); err != nil {
		return err
	}

	delete(c.vectors, id)
	delete(c.quantized, id)
	delete(c.orderSeen, id)
	if c.cache != nil {
		c.cache.Remove(id)
	}

	for i, existing := range c.orderLog {
		if existing == id {
			c.orderLog = append(c.orderLog[:i], c.orderLog[i+1:]...)
			break
		}
	}

	c.metadata.UpdatedAt = time.Now()
	c.metadata.VectorCount = len(c.orderLog)
	return nil
}

// GetVector reconstructs a full-precision Vector for id, dequantizing
// and normalizing payload text as needed.
func (c *Collection) GetVector(id string) (model.Vector, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconstruct(id)
}

// reconstruct must be called with at least a read lock held.
func (c *Collection) reconstruct(id string) (model.Vector, error) {
	if c.cache != nil {
		if v, ok := c.cache.Get(id); ok {
			return v, nil
		}
	}

	if v, ok := c.vectors[id]; ok {
		v.Payload = v.Payload.Clone()
		v.Payload.NormalizeText()
		if c.cache != nil {
			c.cache.Add(id, v)
		}
		return v, nil
	}
	if q, ok := c.quantized[id]; ok {
		v := q.ToVector()
		v.Payload = v.Payload.Clone()
		v.Payload.NormalizeText()
		if c.cache != nil {
			c.cache.Add(id, v)
		}
		return v, nil
	}

	return model.Vector{}, vecerrors.NotFoundError(vecerrors.ErrCodeVectorNotFound, fmt.Sprintf("vector %q not found", id))
}

// Search validates the query dimension, normalizes the query for Cosine
// collections only, and returns up to k results with reconstructed
// vector data and payload.
func (c *Collection) Search(query []float32, k int) ([]SearchResult, error) {
	if len(query) != c.config.Dim {
		return nil, vecerrors.ValidationError(vecerrors.ErrCodeInvalidDimension,
			fmt.Sprintf("expected dimension %d, got %d", c.config.Dim, len(query)), nil)
	}

	q := query
	if c.config.Normalize {
		q = model.Normalize(query)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	hits, err := c.index.Search(q, k)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		v, err := c.reconstruct(h.ID)
		if err != nil {
			continue // index/storage momentarily inconsistent mid-mutation; skip
		}
		results = append(results, SearchResult{
			ID:       h.ID,
			Score:    h.Score,
			Distance: h.Distance,
			Data:     v.Data,
			Payload:  v.Payload,
		})
	}
	return results, nil
}

// FastLoadVectors bulk-loads vectors after a cold start or replication
// bootstrap: identical semantics to InsertBatch but via index.BatchAdd
// and without touching the WAL.
func (c *Collection) FastLoadVectors(vectors []model.Vector) error {
	return c.InsertBatch(vectors)
}

// RequantizeExistingVectors migrates full-precision vectors to quantized
// storage in place, in parallel. The index is left untouched: search
// still operates over full-precision data for accuracy.
func (c *Collection) RequantizeExistingVectors() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.vectors))
	for id := range c.vectors {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}

	quantized := make([]model.QuantizedVector, len(ids))
	g := errgroup.Group{}
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			quantized[i] = model.QuantizeVector(c.vectors[id])
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range ids {
		c.quantized[id] = quantized[i]
		delete(c.vectors, id)
		if c.cache != nil {
			c.cache.Remove(id)
		}
	}
	c.config.Quantization = model.QuantizationSQ8
	c.metadata.UpdatedAt = time.Now()
	return nil
}

// DumpHNSWIndex delegates to the index's file dump, returning the
// basename used so the caller can record it in the archive manifest.
func (c *Collection) DumpHNSWIndex(dir string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	basename := c.config.Name
	if err := c.index.FileDump(dir, basename); err != nil {
		return "", err
	}
	return basename, nil
}

// LoadFromCacheWithHNSWDump loads vectors into storage and, if a valid
// dump exists at dumpDir/basename, restores the HNSW index from it
// instead of rebuilding via FastLoadVectors.
func (c *Collection) LoadFromCacheWithHNSWDump(vectors []model.Vector, dumpDir, basename string) error {
	if dumpDir == "" || basename == "" {
		return c.FastLoadVectors(vectors)
	}

	idx, err := vecindex.LoadFromDump(dumpDir, basename)
	if err != nil {
		return c.FastLoadVectors(vectors)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.index = idx
	for _, v := range vectors {
		pv := v
		pv.Payload = v.Payload.Clone()
		c.store(pv)
	}
	c.metadata.UpdatedAt = time.Now()
	c.metadata.VectorCount = len(c.orderLog)
	c.metadata.DocumentCount = len(c.documents)
	return nil
}

// OrderedIDs returns the insertion-order sequence (copy), required for
// deterministic dump/reload per spec.md §3 invariant 3.
func (c *Collection) OrderedIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.orderLog))
	copy(out, c.orderLog)
	return out
}
