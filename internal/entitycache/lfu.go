// Package entitycache implements the two-layer entity cache used by the
// indexing engine: a per-block write buffer (EntityCache) stacked on top of
// a process-wide, byte-weighted LFU read cache (EntityLfuCache) shared
// across every causality region of a deployment.
package entitycache

import (
	"container/heap"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
)

// entry is one cached row. weight is the approximate byte size charged
// against the cache budget; it is recomputed whenever the entity is
// overwritten.
type entry struct {
	key       chainmodel.EntityKey
	value     chainmodel.Entity // nil means "known absent"
	present   bool
	weight    int
	frequency uint64
	lastUse   uint64
	heapIndex int
}

// LfuCache is a byte-budgeted least-frequently-used cache, ties broken by
// least-recently-used. Every Get bumps an entry's frequency counter; every
// Set evicts by popping a min-heap ordered by (frequency, lastUse) until
// the cache is back under budget. It is safe only for single-goroutine use: the engine owns
// exactly one writer per deployment, and readers go through EntityCache,
// never directly through this type concurrently.
type LfuCache struct {
	maxBytes   int
	usedBytes  int
	entries    map[chainmodel.EntityKey]*entry
	order      *lfuHeap
	useCounter uint64
}

// NewLfuCache returns an empty cache with the given byte budget. A zero or
// negative budget disables the cache: every Get misses and Set is a no-op,
// matching a deployment with GRAPH_ENTITY_CACHE_SIZE=0.
func NewLfuCache(maxBytes int) *LfuCache {
	h := &lfuHeap{}
	heap.Init(h)
	return &LfuCache{
		maxBytes: maxBytes,
		entries:  make(map[chainmodel.EntityKey]*entry),
		order:    h,
	}
}

// Get returns the cached value for key and whether it was found. A cache
// hit bumps the entry's frequency and last-use order.
func (c *LfuCache) Get(key chainmodel.EntityKey) (chainmodel.Entity, bool, bool) {
	if c.maxBytes <= 0 {
		return nil, false, false
	}
	e, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}
	e.frequency++
	c.useCounter++
	e.lastUse = c.useCounter
	heap.Fix(c.order, e.heapIndex)
	return e.value, e.present, true
}

// Set inserts or overwrites key with value (nil + present=false records a
// known-absent row, which is itself cacheable). weight is the caller's
// estimate of the row's serialized size in bytes.
func (c *LfuCache) Set(key chainmodel.EntityKey, value chainmodel.Entity, present bool, weight int) {
	if c.maxBytes <= 0 {
		return
	}
	if weight < 1 {
		weight = 1
	}
	c.useCounter++
	if e, ok := c.entries[key]; ok {
		c.usedBytes += weight - e.weight
		e.value, e.present, e.weight = value, present, weight
		e.frequency++
		e.lastUse = c.useCounter
		heap.Fix(c.order, e.heapIndex)
	} else {
		e := &entry{key: key, value: value, present: present, weight: weight, frequency: 1, lastUse: c.useCounter}
		c.entries[key] = e
		heap.Push(c.order, e)
		c.usedBytes += weight
	}
	c.evictToBudget()
}

// Remove drops key from the cache entirely (used when a row is deleted
// upstream and the cache must not serve a stale hit at all).
func (c *LfuCache) Remove(key chainmodel.EntityKey) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	heap.Remove(c.order, e.heapIndex)
	delete(c.entries, key)
	c.usedBytes -= e.weight
}

// UsedBytes reports the current accounted size of the cache.
func (c *LfuCache) UsedBytes() int { return c.usedBytes }

// Len reports the number of cached rows, including known-absent markers.
func (c *LfuCache) Len() int { return len(c.entries) }

func (c *LfuCache) evictToBudget() {
	for c.usedBytes > c.maxBytes && c.order.Len() > 0 {
		victim := heap.Pop(c.order).(*entry)
		delete(c.entries, victim.key)
		c.usedBytes -= victim.weight
	}
}

// lfuHeap orders entries by ascending frequency, breaking ties by lastUse
// (the useCounter snapshot taken the last time the entry was touched) so
// that among equally-frequent entries the least recently used one sorts
// first and is evicted first.
type lfuHeap []*entry

func (h lfuHeap) Len() int { return len(h) }

func (h lfuHeap) Less(i, j int) bool {
	if h[i].frequency != h[j].frequency {
		return h[i].frequency < h[j].frequency
	}
	return h[i].lastUse < h[j].lastUse
}

func (h lfuHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex, h[j].heapIndex = i, j
}

func (h *lfuHeap) Push(x interface{}) {
	e := x.(*entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}

func (h *lfuHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	e.heapIndex = -1
	return e
}
