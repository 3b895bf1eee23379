package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
)

// cancelGuard is the loop-owned implementation of CancelGuard, also used by
// InstanceManager as the registry's stop handle: Cancel is idempotent and
// safe to call from any goroutine. done is closed exactly once, letting
// runInner's event-reading select unblock immediately on Stop instead of
// waiting for the next stream event.
type cancelGuard struct {
	canceled atomic.Bool
	done     chan struct{}
	once     sync.Once
}

func newCancelGuard() *cancelGuard { return &cancelGuard{done: make(chan struct{})} }

func (g *cancelGuard) Cancel() {
	g.canceled.Store(true)
	g.once.Do(func() { close(g.done) })
}
func (g *cancelGuard) Canceled() bool      { return g.canceled.Load() }
func (g *cancelGuard) Done() <-chan struct{} { return g.done }

// Loop is the outer, restart-bounded state machine described for
// IndexingLoop: it builds a block stream from the context's current
// composite filter, runs the inner per-event loop against it, and on
// needs_restart rebuilds the stream with whatever the filter grew to.
type Loop struct {
	ctx         *IndexingContext
	streamBuild BlockStreamBuilder
	startBlocks []chainmodel.BlockPointer
	guard       *cancelGuard
	logger      *log.Logger
}

// NewLoop returns a loop bound to ctx, ready to Run against startBlocks
// (used only for the very first stream build; subsequent restarts resume
// from the block pointer the store already advanced to).
func NewLoop(ctx *IndexingContext, streamBuilder BlockStreamBuilder, startBlocks []chainmodel.BlockPointer, logger *log.Logger) *Loop {
	if logger == nil {
		logger = log.Default()
	}
	return &Loop{
		ctx:         ctx,
		streamBuild: streamBuilder,
		startBlocks: startBlocks,
		guard:       newCancelGuard(),
		logger:      logger,
	}
}

// Stop requests cooperative shutdown. Idempotent: calling it more than
// once, or after the loop has already exited, is a no-op.
func (l *Loop) Stop() { l.guard.Cancel() }

// Run drives the outer/inner state machine until the loop exits cleanly
// (canceled), or a fatal error occurs. It never returns while the
// deployment is healthy and not canceled; the embedding goroutine (see
// internal/manager) is expected to call Run once and let it block for the
// lifetime of the deployment.
func (l *Loop) Run(ctx context.Context) {
	processor := NewBlockProcessor(l.ctx)
	firstCommitDone := false

	for {
		if l.guard.Canceled() {
			return
		}

		stream, err := l.streamBuild.Build(ctx, l.ctx.Deployment, l.startBlocks, l.ctx.Filter.Clone())
		if err != nil {
			l.logger.Printf("indexing loop %s: failed to build block stream: %v", l.ctx.Deployment, err)
			_ = l.ctx.Store.FailSubgraph(ctx, l.ctx.Deployment, chainmodel.SubgraphError{
				Message:       fmt.Sprintf("failed to build block stream: %v", err),
				Deterministic: false,
			}, false)
			return
		}

		needsRestart := l.runInner(ctx, stream, processor, &firstCommitDone)
		stream.Close()

		if l.guard.Canceled() {
			return
		}
		if !needsRestart {
			// runInner returns false on a fatal, already-handled error
			// path (store marked failed), on a Canceled processing result
			// (including a fail-fast unassign), when ctx is done, or
			// because the stream ended, which is a programming error
			// (§4.2's "end of stream" row). In every case there is
			// nothing left to restart into.
			return
		}
		// needsRestart: loop back around and rebuild with the (possibly
		// now-larger) composite filter.
	}
}

// runInner is the per-event inner loop. It returns true exactly when the
// outer loop should rebuild the stream (a restart was requested by
// BlockProcessor); false means the loop should exit entirely (cancellation,
// a fatal store-marked failure, or an end-of-stream programming error).
func (l *Loop) runInner(ctx context.Context, stream BlockStream, processor *BlockProcessor, firstCommitDone *bool) bool {
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-l.guard.Done():
			return false
		case event, ok := <-events:
			if !ok {
				l.logger.Printf("indexing loop %s: block stream closed unexpectedly (end of stream)", l.ctx.Deployment)
				return false
			}
			switch event.Kind {
			case StreamBlock:
				restart, procErr := processor.Process(ctx, *event.Block, l.guard)
				if procErr != nil {
					switch procErr.Kind {
					case KindCanceled:
						return false
					case KindDeterministic:
						_ = l.ctx.Store.FailSubgraph(ctx, l.ctx.Deployment, chainmodel.SubgraphError{
							Message:       procErr.Err.Error(),
							BlockPointer:  &event.Block.Pointer,
							Deterministic: true,
						}, true)
						return false
					default: // KindUnknown
						_ = l.ctx.Store.FailSubgraph(ctx, l.ctx.Deployment, chainmodel.SubgraphError{
							Message:       procErr.Err.Error(),
							BlockPointer:  &event.Block.Pointer,
							Deterministic: false,
						}, false)
						return false
					}
				}
				if restart {
					return true
				}
				if !*firstCommitDone {
					if err := l.ctx.Store.Unfail(ctx, l.ctx.Deployment); err != nil {
						l.logger.Printf("indexing loop %s: unfail after first commit: %v", l.ctx.Deployment, err)
					}
					*firstCommitDone = true
				}
			case StreamRevert:
				l.handleRevert(ctx, *event.RevertTo)
			case StreamError:
				l.logger.Printf("indexing loop %s: stream error (non-fatal): %v", l.ctx.Deployment, event.Err)
			case StreamEndOfStream:
				l.logger.Printf("indexing loop %s: block stream reported end of stream (programming error)", l.ctx.Deployment)
				return false
			}
		}
	}
}

// handleRevert implements §4.2's Revert row: fetch the reverted block to
// learn its parent, ask the store to roll back to the parent, and on
// success truncate dynamic data sources and reset the shared cache.
func (l *Loop) handleRevert(ctx context.Context, ptr chainmodel.BlockPointer) {
	blocks, err := l.ctx.ChainAdapter.LoadBlocks(ctx, []chainmodel.BlockPointer{ptr})
	if err != nil || len(blocks) != 1 {
		l.logger.Printf("indexing loop %s: could not fetch reverted block %s, deferring to stream re-emit: %v", l.ctx.Deployment, ptr, err)
		return
	}
	block := blocks[0]
	parent := chainmodel.BlockPointer{Number: ptr.Number - 1, Hash: block.ParentHash}

	if err := l.ctx.Store.RevertBlockOperations(ctx, l.ctx.Deployment, parent); err != nil {
		l.logger.Printf("indexing loop %s: revert to parent %s failed, deferring to stream re-emit: %v", l.ctx.Deployment, parent, err)
		return
	}

	l.ctx.TruncateDataSourcesAfter(parent.Number)
	l.ctx.ResetCache()
	l.ctx.Metrics.SetRevertedBlocks(l.ctx.Deployment, ptr.Number)
}
