package engine

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
)

// fakeStream is a manually-driven BlockStream: the test pushes events with
// push and the loop consumes them from Events().
type fakeStream struct {
	ch     chan StreamEvent
	closed chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan StreamEvent, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Events() <-chan StreamEvent { return s.ch }
func (s *fakeStream) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}
func (s *fakeStream) push(e StreamEvent) { s.ch <- e }

type fakeStreamBuilder struct {
	streams []*fakeStream
	calls   int
}

func (b *fakeStreamBuilder) Build(ctx context.Context, deployment chainmodel.DeploymentID, startBlocks []chainmodel.BlockPointer, filter *chainmodel.CompositeFilter) (BlockStream, error) {
	s := b.streams[b.calls]
	b.calls++
	return s, nil
}

func TestIndexingLoopRevertScenario(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	metrics := newFakeMetrics()
	chain := newFakeChainAdapter()
	runtime := &fakeMappingRuntime{handler: func(ctx context.Context, tc *TriggerContext) *MappingError { return nil }}
	ictx := newTestContext(t, store, chain, runtime, metrics, Features{})

	parent := chainmodel.BlockPointer{Number: 102, Hash: hash(0xCC)}
	revertTarget := chainmodel.BlockPointer{Number: 103, Hash: hash(0xDD)}
	chain.blocksByPtr[revertTarget] = chainmodel.Block{Pointer: revertTarget, ParentHash: parent.Hash}

	// Seed the store/cache with state that a successful revert must erase.
	store.entities[chainmodel.EntityKey{EntityType: "User", EntityID: "stale"}] = chainmodel.Entity{"x": "1"}
	ictx.DataSources["dynamic-1"] = chainmodel.DataSource{Name: "dynamic-1", CreatedAt: 103}
	ictx.DataSources["static-1"] = chainmodel.DataSource{Name: "static-1", CreatedAt: 0}

	stream := newFakeStream()
	builder := &fakeStreamBuilder{streams: []*fakeStream{stream}}
	loop := NewLoop(ictx, builder, nil, log.New(nopWriter{}, "", 0))

	done := make(chan struct{})
	go func() {
		loop.Run(context.Background())
		close(done)
	}()

	stream.push(StreamEvent{Kind: StreamRevert, RevertTo: &revertTarget})

	// Give the loop a moment to process the revert, then stop it.
	time.Sleep(20 * time.Millisecond)
	loop.Stop()
	stream.push(StreamEvent{Kind: StreamError}) // unblock the select if it's waiting
	<-done

	if len(store.reverts) != 1 || store.reverts[0] != parent {
		t.Fatalf("expected revert_block_operations(parent=%v), got %v", parent, store.reverts)
	}
	if _, ok := ictx.DataSources["dynamic-1"]; ok {
		t.Fatalf("expected dynamic data source created after parent height to be truncated")
	}
	if _, ok := ictx.DataSources["static-1"]; !ok {
		t.Fatalf("expected static data source to survive a revert")
	}
	if ictx.SharedCache().Len() != 0 {
		t.Fatalf("expected EntityLfuCache to be emptied by a revert")
	}
	if metrics.revertedBlocks["dep-1"] != revertTarget.Number {
		t.Fatalf("expected reverted_blocks gauge set to %d, got %d", revertTarget.Number, metrics.revertedBlocks["dep-1"])
	}
}

func TestIndexingLoopIdempotentStop(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	metrics := newFakeMetrics()
	chain := newFakeChainAdapter()
	runtime := &fakeMappingRuntime{handler: func(ctx context.Context, tc *TriggerContext) *MappingError { return nil }}
	ictx := newTestContext(t, store, chain, runtime, metrics, Features{})

	loop := NewLoop(ictx, &fakeStreamBuilder{streams: []*fakeStream{newFakeStream()}}, nil, log.New(nopWriter{}, "", 0))
	loop.Stop()
	loop.Stop() // must not panic or block
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
