// Package shard implements a consistent-hash ring mapping shards onto
// nodes, used to decide which node owns a given vector or tenant.
package shard

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// defaultVirtualNodes is the number of ring positions assigned per
// shard when none is specified, matching spec.md §6's default.
const defaultVirtualNodes = 64

// ringEntry is one virtual-node position on the ring. The ring is kept
// as a sorted slice binary-searched by hash, Go's idiomatic analogue of
// an ordered map — no B-tree/ordered-map library appears anywhere in
// the retrieval pack.
type ringEntry struct {
	hash  uint64
	shard string
	node  string
}

// MigrationStep is one move in a rebalance plan.
type MigrationStep struct {
	Shard string
	From  string
	To    string
}

// Router is a consistent-hash ring assigning shards to nodes.
type Router struct {
	mu            sync.RWMutex
	virtualNodes  int
	ring          []ringEntry       // sorted by hash
	shardToNode   map[string]string // shard -> owning node
	nodeToShards  map[string]map[string]struct{}
}

// New creates a router with virtualNodes positions per shard assignment.
// virtualNodes <= 0 uses the default of 64.
func New(virtualNodes int) *Router {
	if virtualNodes <= 0 {
		virtualNodes = defaultVirtualNodes
	}
	return &Router{
		virtualNodes: virtualNodes,
		shardToNode:  make(map[string]string),
		nodeToShards: make(map[string]map[string]struct{}),
	}
}

func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// AssignShard removes any previous assignment of shard, then inserts
// virtualNodes ring positions mapping it to node.
func (r *Router) AssignShard(shardID, node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeShardLocked(shardID)
	r.insertShardLocked(shardID, node)
}

func (r *Router) insertShardLocked(shardID, node string) {
	for v := 0; v < r.virtualNodes; v++ {
		h := hashKey(fmt.Sprintf("%s#%d", shardID, v))
		r.insertEntryLocked(ringEntry{hash: h, shard: shardID, node: node})
	}
	r.shardToNode[shardID] = node
	if r.nodeToShards[node] == nil {
		r.nodeToShards[node] = make(map[string]struct{})
	}
	r.nodeToShards[node][shardID] = struct{}{}
}

func (r *Router) insertEntryLocked(e ringEntry) {
	i := sort.Search(len(r.ring), func(i int) bool { return r.ring[i].hash >= e.hash })
	r.ring = append(r.ring, ringEntry{})
	copy(r.ring[i+1:], r.ring[i:])
	r.ring[i] = e
}

// RemoveShard removes shardID's assignment and every virtual node it
// owns on the ring.
func (r *Router) RemoveShard(shardID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeShardLocked(shardID)
}

func (r *Router) removeShardLocked(shardID string) {
	node, ok := r.shardToNode[shardID]
	if !ok {
		return
	}

	filtered := r.ring[:0]
	for _, e := range r.ring {
		if e.shard != shardID {
			filtered = append(filtered, e)
		}
	}
	r.ring = filtered

	delete(r.shardToNode, shardID)
	if shards := r.nodeToShards[node]; shards != nil {
		delete(shards, shardID)
		if len(shards) == 0 {
			delete(r.nodeToShards, node)
		}
	}
}

// routeLocked picks the first ring entry with hash >= key's hash,
// wrapping to the first entry if none qualifies.
func (r *Router) routeLocked(key string) (ringEntry, bool) {
	if len(r.ring) == 0 {
		return ringEntry{}, false
	}
	h := hashKey(key)
	i := sort.Search(len(r.ring), func(i int) bool { return r.ring[i].hash >= h })
	if i == len(r.ring) {
		i = 0
	}
	return r.ring[i], true
}

// GetShardForVector returns the shard id owning vectorID, for
// single-tenant deployments.
func (r *Router) GetShardForVector(vectorID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.routeLocked(vectorID)
	return e.shard, ok
}

// GetShardForTenantVector returns the shard id owning (tenantID,
// vectorID), for multi-tenant deployments.
func (r *Router) GetShardForTenantVector(tenantID, vectorID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.routeLocked(tenantID + ":" + vectorID)
	return e.shard, ok
}

// GetShardsForTenant returns up to n distinct shard ids derived by
// mixing tenantID with increasing salt values, walking the ring.
func (r *Router) GetShardsForTenant(tenantID string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for salt := 0; salt < n*4 && len(out) < n && len(r.ring) > 0; salt++ {
		e, ok := r.routeLocked(fmt.Sprintf("%s#%d", tenantID, salt))
		if !ok {
			break
		}
		if _, dup := seen[e.shard]; dup {
			continue
		}
		seen[e.shard] = struct{}{}
		out = append(out, e.shard)
	}
	return out
}

// GetShardsForNode returns the shard ids currently assigned to node.
func (r *Router) GetShardsForNode(node string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	shards := r.nodeToShards[node]
	out := make([]string, 0, len(shards))
	for s := range shards {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// GetAllShards returns every assigned shard id, sorted.
func (r *Router) GetAllShards() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.shardToNode))
	for s := range r.shardToNode {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ShardCount returns the number of assigned shards.
func (r *Router) ShardCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shardToNode)
}

// NodeForShard returns the node currently owning shardID.
func (r *Router) NodeForShard(shardID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.shardToNode[shardID]
	return node, ok
}

// MigrateShard verifies shardID currently maps to from, then atomically
// reassigns it to to.
func (r *Router) MigrateShard(shardID, from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.shardToNode[shardID]
	if !ok || current != from {
		return fmt.Errorf("shard %q is not currently assigned to node %q", shardID, from)
	}

	r.removeShardLocked(shardID)
	r.insertShardLocked(shardID, to)
	return nil
}

// Rebalance first removes assignments to any node not in nodes, then
// round-robins the given shards across nodes in deterministic
// (sorted-nodes) order.
func (r *Router) Rebalance(shards, nodes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keep := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		keep[n] = struct{}{}
	}
	for shardID, node := range r.shardToNode {
		if _, ok := keep[node]; !ok {
			r.removeShardLocked(shardID)
		}
	}

	sortedNodes := append([]string(nil), nodes...)
	sort.Strings(sortedNodes)
	if len(sortedNodes) == 0 {
		return
	}

	sortedShards := append([]string(nil), shards...)
	sort.Strings(sortedShards)

	for i, shardID := range sortedShards {
		node := sortedNodes[i%len(sortedNodes)]
		r.removeShardLocked(shardID)
		r.insertShardLocked(shardID, node)
	}
}

// CalculateMigrationPlan produces a minimal-movement plan bringing
// per-node shard counts to within +/-1 of balanced, without mutating
// the router. Overloaded nodes (above floor(total/len(nodes))) first
// give their highest-sorted shard ids to underloaded nodes; a second pass
// then moves shards off any node still more than one above that floor.
func (r *Router) CalculateMigrationPlan(shards, nodes []string) []MigrationStep {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(nodes) == 0 {
		return nil
	}

	byNode := make(map[string][]string)
	for _, s := range shards {
		node := r.shardToNode[s]
		byNode[node] = append(byNode[node], s)
	}
	for node := range byNode {
		sort.Strings(byNode[node])
	}

	total := len(shards)
	target := total / len(nodes)

	sortedNodes := append([]string(nil), nodes...)
	sort.Strings(sortedNodes)

	var overloaded, underloaded []string
	for _, n := range sortedNodes {
		if len(byNode[n]) > target {
			overloaded = append(overloaded, n)
		} else if len(byNode[n]) < target {
			underloaded = append(underloaded, n)
		}
	}

	var plan []MigrationStep
	oi, ui := 0, 0
	for oi < len(overloaded) && ui < len(underloaded) {
		from := overloaded[oi]
		to := underloaded[ui]

		if len(byNode[from]) <= target {
			oi++
			continue
		}
		if len(byNode[to]) >= target {
			ui++
			continue
		}

		shardID := byNode[from][len(byNode[from])-1]
		byNode[from] = byNode[from][:len(byNode[from])-1]
		byNode[to] = append(byNode[to], shardID)

		plan = append(plan, MigrationStep{Shard: shardID, From: from, To: to})
	}

	// The first pass only lifts nodes up to target, so a node can still
	// hold more than target+1 (e.g. 4,4,0 -> 2,4,2); move that excess onto
	// nodes sitting exactly at target.
	for _, from := range sortedNodes {
		for _, to := range sortedNodes {
			for len(byNode[from]) > target+1 && len(byNode[to]) == target {
				shardID := byNode[from][len(byNode[from])-1]
				byNode[from] = byNode[from][:len(byNode[from])-1]
				byNode[to] = append(byNode[to], shardID)
				plan = append(plan, MigrationStep{Shard: shardID, From: from, To: to})
			}
		}
	}

	return plan
}
