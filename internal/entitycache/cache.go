package entitycache

import (
	"context"
	"fmt"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
)

// Reader is the subset of the store contract EntityCache needs to satisfy a
// read-through miss. Implemented by internal/store.Store.
type Reader interface {
	GetEntity(ctx context.Context, key chainmodel.EntityKey) (chainmodel.Entity, bool, error)
}

// write is a buffered, not-yet-committed mutation together with its
// estimated weight, used to seed the shared LFU cache on commit without
// re-serializing.
type write struct {
	present bool
	value   chainmodel.Entity
	weight  int
}

// Cache is the per-block write buffer described in the design as
// EntityCache: it shadows a shared LfuCache with read-through on miss, and
// accumulates Set/Remove calls for exactly one block (or one handler batch)
// before being flattened into EntityMutations by AsModifications.
//
// A Cache is not safe for concurrent use; the engine drives exactly one
// Cache per in-flight block on the single per-deployment goroutine.
type Cache struct {
	deployment chainmodel.DeploymentID
	shared     *LfuCache
	reader     Reader
	writes     map[chainmodel.EntityKey]*write
	// order preserves first-write order so AsModifications emits mutations
	// deterministically, which keeps proof-of-indexing digests reproducible.
	order []chainmodel.EntityKey
}

// NewCache wraps shared with a fresh write buffer for one block's worth of
// handler execution against deployment.
func NewCache(deployment chainmodel.DeploymentID, shared *LfuCache, reader Reader) *Cache {
	return &Cache{
		deployment: deployment,
		shared:     shared,
		reader:     reader,
		writes:     make(map[chainmodel.EntityKey]*write),
	}
}

// Get resolves key, checking the block-local write buffer first, then the
// shared LFU cache, then falling through to the store. A store hit or miss
// is written back into the shared cache so later blocks benefit.
func (c *Cache) Get(ctx context.Context, key chainmodel.EntityKey) (chainmodel.Entity, bool, error) {
	if w, ok := c.writes[key]; ok {
		return w.value, w.present, nil
	}
	if value, present, ok := c.shared.Get(key); ok {
		return value, present, nil
	}
	value, present, err := c.reader.GetEntity(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("entitycache: read-through for %s: %w", key, err)
	}
	c.shared.Set(key, value, present, estimateWeight(value))
	return value, present, nil
}

// Set records an upsert of key to value in the block-local buffer.
func (c *Cache) Set(key chainmodel.EntityKey, value chainmodel.Entity) {
	c.record(key, &write{present: true, value: value, weight: estimateWeight(value)})
}

// Remove records a tombstone for key in the block-local buffer.
func (c *Cache) Remove(key chainmodel.EntityKey) {
	c.record(key, &write{present: false, weight: 1})
}

func (c *Cache) record(key chainmodel.EntityKey, w *write) {
	if _, seen := c.writes[key]; !seen {
		c.order = append(c.order, key)
	}
	c.writes[key] = w
}

// Len reports the number of distinct keys written this block.
func (c *Cache) Len() int { return len(c.writes) }

// AsModifications flattens the block-local buffer into an ordered list of
// EntityMutations, folds every write back into the shared LFU cache (so the
// next block's reads are warm), and returns a fresh Cache ready for the
// following block. This mirrors the handoff described for EntityCache: the
// old cache's writes seed the new cache's shared layer before it is
// discarded, preventing a read of a row this very block just wrote.
func (c *Cache) AsModifications() ([]chainmodel.EntityMutation, *Cache) {
	mutations := make([]chainmodel.EntityMutation, 0, len(c.order))
	for _, key := range c.order {
		w := c.writes[key]
		c.shared.Set(key, w.value, w.present, w.weight)
		if w.present {
			mutations = append(mutations, chainmodel.EntityMutation{
				Kind:   chainmodel.MutationSet,
				Key:    key,
				Entity: w.value,
			})
		} else {
			mutations = append(mutations, chainmodel.EntityMutation{
				Kind: chainmodel.MutationRemove,
				Key:  key,
			})
		}
	}
	return mutations, NewCache(c.deployment, c.shared, c.reader)
}

// estimateWeight approximates the serialized size of an entity for the
// purpose of LFU budget accounting. It does not need to be exact, only
// monotonic in the entity's actual footprint.
func estimateWeight(e chainmodel.Entity) int {
	if e == nil {
		return 1
	}
	size := 16 // fixed overhead per row
	for k, v := range e {
		size += len(k) + valueWeight(v)
	}
	return size
}

func valueWeight(v interface{}) int {
	switch val := v.(type) {
	case string:
		return len(val)
	case []byte:
		return len(val)
	case nil:
		return 0
	default:
		return 8
	}
}
