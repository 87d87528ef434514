// Package vectorstore is the process-level registry of collections: it
// owns collection lifecycle and dispatches CRUD/search calls to the
// owning Collection.
package vectorstore

import (
	"sort"
	"sync"

	vecerrors "github.com/hivellm/vectorizer/internal/errors"
	"github.com/hivellm/vectorizer/internal/collection"
	"github.com/hivellm/vectorizer/internal/model"
)

// parallelThreshold is the batch size above which inserts are split
// across goroutines, per spec.md §4.4's "implementation-defined
// threshold (e.g. 256 vectors)".
const parallelThreshold = 256

// Store is the concurrent registry of collections, keyed by name.
// Multi-tenant deployments prefix names with "user_<tenant>:<name>" so
// the name is globally unique and ownership is intrinsic to the key.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection.Collection
}

// New creates an empty store.
func New() *Store {
	return &Store{collections: make(map[string]*collection.Collection)}
}

// TenantName builds the globally-unique collection name for a
// multi-tenant deployment.
func TenantName(tenantID, name string) string {
	if tenantID == "" {
		return name
	}
	return "user_" + tenantID + ":" + name
}

// CreateCollection creates and registers a new collection. Fails
// CollectionAlreadyExists if the name is taken.
func (s *Store) CreateCollection(cfg collection.Config) (*collection.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[cfg.Name]; exists {
		return nil, vecerrors.New(vecerrors.ErrCodeCollectionExists, "collection \""+cfg.Name+"\" already exists", nil)
	}

	c, err := collection.New(cfg)
	if err != nil {
		return nil, err
	}

	s.collections[cfg.Name] = c
	return c, nil
}

// DeleteCollection removes a collection from the registry.
func (s *Store) DeleteCollection(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[name]; !exists {
		return vecerrors.NotFoundError(vecerrors.ErrCodeCollectionNotFound, "collection \""+name+"\" not found")
	}
	delete(s.collections, name)
	return nil
}

// Get returns the collection registered under name.
func (s *Store) Get(name string) (*collection.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.collections[name]
	if !exists {
		return nil, vecerrors.NotFoundError(vecerrors.ErrCodeCollectionNotFound, "collection \""+name+"\" not found")
	}
	return c, nil
}

// List returns every registered collection name, sorted for determinism.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register inserts an already-constructed collection under name,
// replacing any collection registered there (used by the daemon's
// startup recovery when rebuilding from an archive).
func (s *Store) Register(name string, c *collection.Collection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[name] = c
}

// Insert dispatches a batch insert to the named collection. Batches
// above parallelThreshold are split across goroutines before being fed
// to the collection, which still applies them under its own lock.
func (s *Store) Insert(name string, vectors []model.Vector) error {
	c, err := s.Get(name)
	if err != nil {
		return err
	}

	if len(vectors) <= parallelThreshold {
		return c.InsertBatch(vectors)
	}

	return insertParallel(c, vectors)
}

func insertParallel(c *collection.Collection, vectors []model.Vector) error {
	numWorkers := 4
	chunkSize := (len(vectors) + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	errs := make([]error, numWorkers)

	for w := 0; w < numWorkers; w++ {
		start := w * chunkSize
		if start >= len(vectors) {
			break
		}
		end := start + chunkSize
		if end > len(vectors) {
			end = len(vectors)
		}

		wg.Add(1)
		go func(w int, chunk []model.Vector) {
			defer wg.Done()
			errs[w] = c.InsertBatch(chunk)
		}(w, vectors[start:end])
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Update dispatches to the named collection.
func (s *Store) Update(name string, v model.Vector) error {
	c, err := s.Get(name)
	if err != nil {
		return err
	}
	return c.Update(v)
}

// DeleteVector dispatches to the named collection.
func (s *Store) DeleteVector(name, id string) error {
	c, err := s.Get(name)
	if err != nil {
		return err
	}
	return c.Delete(id)
}

// GetVector dispatches to the named collection.
func (s *Store) GetVector(name, id string) (model.Vector, error) {
	c, err := s.Get(name)
	if err != nil {
		return model.Vector{}, err
	}
	return c.GetVector(id)
}

// Search dispatches to the named collection.
func (s *Store) Search(name string, query []float32, k int) ([]collection.SearchResult, error) {
	c, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	return c.Search(query, k)
}
