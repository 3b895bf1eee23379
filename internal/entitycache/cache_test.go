package entitycache

import (
	"context"
	"testing"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
)

type fakeReader struct {
	rows  map[chainmodel.EntityKey]chainmodel.Entity
	calls int
}

func (f *fakeReader) GetEntity(ctx context.Context, key chainmodel.EntityKey) (chainmodel.Entity, bool, error) {
	f.calls++
	v, ok := f.rows[key]
	return v, ok, nil
}

func TestCacheGetFallsThroughToStore(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{rows: map[chainmodel.EntityKey]chainmodel.Entity{
		key("a"): {"x": "1"},
	}}
	shared := NewLfuCache(1024)
	c := NewCache("dep1", shared, reader)

	v, present, err := c.Get(context.Background(), key("a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !present || v["x"] != "1" {
		t.Fatalf("unexpected read-through result: %v %v", v, present)
	}
	if reader.calls != 1 {
		t.Fatalf("expected exactly one store read, got %d", reader.calls)
	}

	// Second read should come from the shared cache, not hit the store again.
	if _, _, err := c.Get(context.Background(), key("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reader.calls != 1 {
		t.Fatalf("expected shared cache to absorb second read, store calls=%d", reader.calls)
	}
}

func TestCacheSetShadowsStore(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{rows: map[chainmodel.EntityKey]chainmodel.Entity{}}
	c := NewCache("dep1", NewLfuCache(1024), reader)

	c.Set(key("a"), chainmodel.Entity{"x": "2"})
	v, present, err := c.Get(context.Background(), key("a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !present || v["x"] != "2" {
		t.Fatalf("expected block-local write to shadow store, got %v %v", v, present)
	}
	if reader.calls != 0 {
		t.Fatalf("expected no store read for a locally-written key, got %d calls", reader.calls)
	}
}

func TestCacheAsModificationsOrderAndHandoff(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{rows: map[chainmodel.EntityKey]chainmodel.Entity{}}
	shared := NewLfuCache(1024)
	c := NewCache("dep1", shared, reader)

	c.Set(key("a"), chainmodel.Entity{"x": "1"})
	c.Remove(key("b"))
	c.Set(key("a"), chainmodel.Entity{"x": "2"}) // overwrite, still one mutation

	mutations, next := c.AsModifications()
	if len(mutations) != 2 {
		t.Fatalf("expected 2 mutations (last-writer-wins on a), got %d", len(mutations))
	}
	if mutations[0].Key != key("a") || mutations[0].Entity["x"] != "2" {
		t.Fatalf("expected first mutation to be the final value of a, got %+v", mutations[0])
	}
	if mutations[1].Kind != chainmodel.MutationRemove || mutations[1].Key != key("b") {
		t.Fatalf("expected second mutation to be a tombstone for b, got %+v", mutations[1])
	}

	// The handoff cache must read the just-committed value without a store hit.
	v, present, err := next.Get(context.Background(), key("a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !present || v["x"] != "2" {
		t.Fatalf("expected handoff cache to see committed write, got %v %v", v, present)
	}
	if reader.calls != 0 {
		t.Fatalf("expected handoff cache to avoid re-reading store, calls=%d", reader.calls)
	}
}
