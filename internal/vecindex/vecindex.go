// Package vecindex wraps the coder/hnsw pure-Go HNSW implementation into
// a fixed-dimension, fixed-metric approximate nearest-neighbor index with
// string IDs, batch insertion, update/remove, and deterministic dump/restore.
package vecindex

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/coder/hnsw"
	"golang.org/x/sync/errgroup"

	vecerrors "github.com/hivellm/vectorizer/internal/errors"
	"github.com/hivellm/vectorizer/internal/model"
)

// Config configures a new Index. M_0 (level-0 connections) is fixed at
// 2*M per spec.md §4.2 and is not independently configurable.
type Config struct {
	Dim             int
	Metric          model.Metric
	M               int
	EfConstruction  int
	EfSearch        int
	Seed            int64
	Parallel        bool
	InitialCapacity int
	BatchSize       int
}

// Result is a single search hit: Score is ordered so that higher is
// always better, regardless of the underlying metric.
type Result struct {
	ID       string
	Distance float32
	Score    float32
}

// Pair is an (id, vector) tuple for batch insertion.
type Pair struct {
	ID     string
	Vector []float32
}

// Index is a fixed-dimension, fixed-metric HNSW graph addressed by string
// IDs. Concurrent search is safe with concurrent mutation serialized
// behind a single writer lock, per spec.md §5's resource table.
type Index struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config Config

	idMap   map[string]uint64
	keyMap  map[uint64]string
	vectors map[uint64][]float32 // raw data by key, for Optimize rebuild
	nextKey uint64

	closed bool
}

// New creates an empty index bound to dim and the metric in cfg.
func New(cfg Config) (*Index, error) {
	if cfg.Dim <= 0 {
		return nil, vecerrors.ValidationError(vecerrors.ErrCodeInvalidConfig, "dim must be positive", nil)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}
	if cfg.EfConstruction == 0 {
		cfg.EfConstruction = 200
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = distanceFuncFor(cfg.Metric)
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 1 / ln(float64(cfg.M))

	return &Index{
		graph:   graph,
		config:  cfg,
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
		vectors: make(map[uint64][]float32),
		nextKey: 0,
	}, nil
}

func distanceFuncFor(m model.Metric) hnsw.DistanceFunc {
	switch m {
	case model.MetricEuclidean:
		return hnsw.EuclideanDistance
	case model.MetricDotProduct:
		return negativeDotDistance
	default:
		return hnsw.CosineDistance
	}
}

// negativeDotDistance is coder/hnsw's custom Graph.Distance hook for
// MetricDotProduct: the raw inner product, negated so that a smaller
// distance still means "more similar" as the graph's search expects.
// Unlike CosineDistance, it is never applied to normalized vectors, so
// it preserves the magnitude information that distinguishes MIPS search
// from cosine similarity per spec.md §3/§4.2.
func negativeDotDistance(a, b []float32) float32 {
	return -model.DotProduct(a, b)
}

// ln returns the natural logarithm of x, or 1 for x <= 1, so that the
// level-generation factor 1/ln(M) set in New stays finite for M <= 1
// (for M=16 the factor is 1/ln(16) ≈ 0.36).
func ln(x float64) float64 {
	if x <= 1 {
		return 1
	}
	return math.Log(x)
}

// Add inserts a single new vector. Returns ErrCodeDuplicateVectorID if id
// is already present; use Update to replace an existing vector.
func (ix *Index) Add(id string, vec []float32) error {
	return ix.BatchAdd([]Pair{{ID: id, Vector: vec}})
}

// BatchAdd inserts many (id, vector) pairs as new entries. ids must be
// unique within the batch and not already present in the index — per
// spec.md §4.2's add/batch_add contract, a duplicate rejects the whole
// batch with ErrCodeDuplicateVectorID and leaves the index unchanged.
// Dimensions are checked first. When cfg.Parallel is set, the
// vector-preparation stage (copying each vector into a node) then runs
// in one errgroup goroutine per pair; graph mutation itself is always
// serialized behind the writer lock.
func (ix *Index) BatchAdd(pairs []Pair) error {
	return ix.insertBatch(pairs, false)
}

// replaceBatch inserts pairs, overwriting (lazy-delete + re-add) any id
// already present. Used by Update, which already guarantees the id
// exists, so it never rejects as a duplicate.
func (ix *Index) replaceBatch(pairs []Pair) error {
	return ix.insertBatch(pairs, true)
}

func (ix *Index) insertBatch(pairs []Pair, allowOverwrite bool) error {
	if len(pairs) == 0 {
		return nil
	}

	nodes := make([]hnsw.Node[uint64], len(pairs))
	keys := make([]uint64, len(pairs))

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return vecerrors.New(vecerrors.ErrCodeIO, "index is closed", nil)
	}

	for _, p := range pairs {
		if len(p.Vector) != ix.config.Dim {
			return vecerrors.ValidationError(vecerrors.ErrCodeInvalidDimension,
				fmt.Sprintf("expected dimension %d, got %d", ix.config.Dim, len(p.Vector)), nil)
		}
	}

	if !allowOverwrite {
		seen := make(map[string]struct{}, len(pairs))
		for _, p := range pairs {
			if _, dup := seen[p.ID]; dup {
				return vecerrors.New(vecerrors.ErrCodeDuplicateVectorID,
					fmt.Sprintf("duplicate id %q within batch", p.ID), nil)
			}
			seen[p.ID] = struct{}{}
			if _, exists := ix.idMap[p.ID]; exists {
				return vecerrors.New(vecerrors.ErrCodeDuplicateVectorID,
					fmt.Sprintf("id %q already exists", p.ID), nil)
			}
		}
	}

	prepare := func(i int) error {
		p := pairs[i]
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		nodes[i] = hnsw.MakeNode(uint64(0), vec)
		return nil
	}

	if ix.config.Parallel && len(pairs) > 1 {
		g, _ := errgroup.WithContext(context.Background())
		for i := range pairs {
			i := i
			g.Go(func() error { return prepare(i) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		for i := range pairs {
			if err := prepare(i); err != nil {
				return err
			}
		}
	}

	for i, p := range pairs {
		if existingKey, exists := ix.idMap[p.ID]; exists {
			// Only reachable when allowOverwrite: the duplicate check
			// above already rejected this case otherwise. Lazy deletion:
			// orphan the old key rather than calling graph.Delete, which
			// breaks on removing the last node.
			delete(ix.keyMap, existingKey)
			delete(ix.idMap, p.ID)
			delete(ix.vectors, existingKey)
		}

		key := ix.nextKey
		ix.nextKey++
		keys[i] = key

		node := hnsw.MakeNode(key, nodes[i].Value)
		ix.graph.Add(node)

		ix.idMap[p.ID] = key
		ix.keyMap[key] = p.ID
		ix.vectors[key] = nodes[i].Value
	}

	return nil
}

// Update replaces the vector stored for an existing id.
func (ix *Index) Update(id string, vec []float32) error {
	ix.mu.RLock()
	_, exists := ix.idMap[id]
	ix.mu.RUnlock()
	if !exists {
		return vecerrors.NotFoundError(vecerrors.ErrCodeVectorNotFound, fmt.Sprintf("vector %q not found", id))
	}
	return ix.replaceBatch([]Pair{{ID: id, Vector: vec}})
}

// Remove deletes id from future searches via lazy deletion.
func (ix *Index) Remove(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	key, exists := ix.idMap[id]
	if !exists {
		return vecerrors.NotFoundError(vecerrors.ErrCodeVectorNotFound, fmt.Sprintf("vector %q not found", id))
	}

	delete(ix.keyMap, key)
	delete(ix.idMap, id)
	delete(ix.vectors, key)
	return nil
}

// Search returns up to k results ordered by descending score (always
// higher-is-better, regardless of the underlying metric).
func (ix *Index) Search(query []float32, k int) ([]Result, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.closed {
		return nil, vecerrors.New(vecerrors.ErrCodeIO, "index is closed", nil)
	}
	if len(query) != ix.config.Dim {
		return nil, vecerrors.ValidationError(vecerrors.ErrCodeInvalidDimension,
			fmt.Sprintf("expected dimension %d, got %d", ix.config.Dim, len(query)), nil)
	}
	if ix.graph.Len() == 0 {
		return []Result{}, nil
	}

	nodes := ix.graph.Search(query, k)

	results := make([]Result, 0, len(nodes))
	for _, node := range nodes {
		id, exists := ix.keyMap[node.Key]
		if !exists {
			continue // orphaned (lazily deleted) node
		}

		distance := ix.graph.Distance(query, node.Value)
		results = append(results, Result{
			ID:       id,
			Distance: distance,
			Score:    scoreFor(distance, ix.config.Metric),
		})
	}

	return results, nil
}

func scoreFor(distance float32, m model.Metric) float32 {
	switch m {
	case model.MetricEuclidean, model.MetricDotProduct:
		return -distance
	default:
		// Cosine distance ranges 0 (identical) to 2 (opposite).
		return 1 - distance/2
	}
}

// Optimize rebuilds the graph dropping orphaned (lazily deleted) nodes.
// Idempotent: a graph with no orphans is returned unchanged.
func (ix *Index) Optimize() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.graph.Len() == len(ix.idMap) {
		return nil // no orphans
	}

	newGraph := hnsw.NewGraph[uint64]()
	newGraph.Distance = ix.graph.Distance
	newGraph.M = ix.config.M
	newGraph.EfSearch = ix.config.EfSearch
	newGraph.Ml = ix.graph.Ml

	newIDMap := make(map[string]uint64, len(ix.idMap))
	newKeyMap := make(map[uint64]string, len(ix.idMap))
	newVectors := make(map[uint64][]float32, len(ix.idMap))
	var nextKey uint64

	for id, oldKey := range ix.idMap {
		vec, ok := ix.vectors[oldKey]
		if !ok {
			continue
		}
		newGraph.Add(hnsw.MakeNode(nextKey, vec))
		newIDMap[id] = nextKey
		newKeyMap[nextKey] = id
		newVectors[nextKey] = vec
		nextKey++
	}

	ix.graph = newGraph
	ix.idMap = newIDMap
	ix.keyMap = newKeyMap
	ix.vectors = newVectors
	ix.nextKey = nextKey
	return nil
}

// Len returns the number of live (non-orphaned) vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.idMap)
}

// Contains reports whether id is present in the index.
func (ix *Index) Contains(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.idMap[id]
	return ok
}

// Stats reports live vs. orphaned node counts; Optimize removes the
// orphans.
type Stats struct {
	ValidIDs   int
	GraphNodes int
	Orphans    int
}

func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	valid := len(ix.idMap)
	total := ix.graph.Len()
	return Stats{ValidIDs: valid, GraphNodes: total, Orphans: total - valid}
}

// Close releases resources. The index must not be used afterward.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.closed = true
	ix.graph = nil
	return nil
}
