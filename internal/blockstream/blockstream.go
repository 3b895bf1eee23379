// Package blockstream implements internal/engine.BlockStreamBuilder as a
// polling loop over a ChainAdapter: adaptive batch sizing near chain head,
// parent-hash continuity checks, and revert events on mismatch, in the
// teacher's forward-ingestion service style.
package blockstream

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
	"github.com/graphprotocol/indexer-engine/internal/engine"
)

// HeadFetcher reports the current chain head height, used to compute how
// far behind the stream is and pick a batch size.
type HeadFetcher interface {
	LatestBlockHeight(ctx context.Context) (uint64, error)
}

// Config tunes the polling cadence and batch-sizing behavior.
type Config struct {
	PollInterval  time.Duration
	MaxBatchSize  uint64
	MaxReorgDepth uint64
}

// DefaultConfig mirrors the teacher's forward-ingestion defaults: a one
// second poll interval, batches that shrink to 1 near head, and a generous
// reorg-depth ceiling.
func DefaultConfig() Config {
	return Config{
		PollInterval:  1 * time.Second,
		MaxBatchSize:  10,
		MaxReorgDepth: 1000,
	}
}

// Builder constructs polling BlockStreams backed by adapter/head.
type Builder struct {
	adapter engine.ChainAdapter
	head    HeadFetcher
	config  Config
	logger  *log.Logger
}

// New returns a Builder polling adapter/head on the given config. A nil
// logger falls back to log.Default().
func New(adapter engine.ChainAdapter, head HeadFetcher, config Config, logger *log.Logger) *Builder {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.MaxBatchSize == 0 {
		config.MaxBatchSize = 10
	}
	if config.MaxReorgDepth == 0 {
		config.MaxReorgDepth = 1000
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Builder{adapter: adapter, head: head, config: config, logger: logger}
}

// Build starts a polling goroutine scoped to deployment/filter, beginning
// at startBlocks (the deployment's most recently committed block pointer).
func (b *Builder) Build(ctx context.Context, deployment chainmodel.DeploymentID, startBlocks []chainmodel.BlockPointer, filter *chainmodel.CompositeFilter) (engine.BlockStream, error) {
	var cursor chainmodel.BlockPointer
	if len(startBlocks) > 0 {
		cursor = startBlocks[0]
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		events: make(chan engine.StreamEvent, 16),
		cancel: cancel,
	}
	go s.run(streamCtx, b, deployment, filter, cursor)
	return s, nil
}

type stream struct {
	events chan engine.StreamEvent
	cancel context.CancelFunc
}

func (s *stream) Events() <-chan engine.StreamEvent { return s.events }
func (s *stream) Close()                            { s.cancel() }

func (s *stream) run(ctx context.Context, b *Builder, deployment chainmodel.DeploymentID, filter *chainmodel.CompositeFilter, cursor chainmodel.BlockPointer) {
	defer close(s.events)
	next := cursor.Number + 1
	if cursor.IsZero() {
		next = 0
	}

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		advanced, newNext, newCursor, emitted := b.pollOnce(ctx, deployment, filter, cursor, next, s.events)
		if !emitted {
			return
		}
		if advanced {
			next = newNext
			cursor = newCursor
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce fetches one adaptively-sized batch, checks parent continuity
// against cursor, and emits either a run of StreamBlock events (advancing
// the cursor) or a single StreamRevert event (on a parent-hash mismatch).
// The final bool reports whether the stream should keep running (false
// only once ctx is canceled or a send is abandoned).
func (b *Builder) pollOnce(ctx context.Context, deployment chainmodel.DeploymentID, filter *chainmodel.CompositeFilter, cursor chainmodel.BlockPointer, next uint64, out chan<- engine.StreamEvent) (advanced bool, newNext uint64, newCursor chainmodel.BlockPointer, ok bool) {
	head, err := b.head.LatestBlockHeight(ctx)
	if err != nil {
		return false, next, cursor, b.emitError(ctx, out, fmt.Errorf("blockstream: fetch head: %w", err))
	}
	if next > head {
		return false, next, cursor, true
	}

	batchSize := adaptiveBatchSize(head, next, b.config.MaxBatchSize)
	end := next + batchSize - 1
	if end > head {
		end = head
	}

	for height := next; height <= end; height++ {
		block, err := b.adapter.TriggersInBlock(ctx, filter, chainmodel.BlockPointer{Number: height})
		if err != nil {
			return false, next, cursor, b.emitError(ctx, out, fmt.Errorf("blockstream: fetch block %d: %w", height, err))
		}

		if !cursor.IsZero() && block.ParentHash != cursor.Hash {
			rollback := cursor
			b.logger.Printf("blockstream: parent-hash mismatch at block %d for %s, reverting to %s", height, deployment, rollback)
			select {
			case out <- engine.StreamEvent{Kind: engine.StreamRevert, RevertTo: &rollback}:
			case <-ctx.Done():
				return false, next, cursor, false
			}
			return false, height, rollback, true
		}

		select {
		case out <- engine.StreamEvent{Kind: engine.StreamBlock, Block: &block}:
		case <-ctx.Done():
			return false, next, cursor, false
		}
		cursor = block.Pointer
	}

	return true, end + 1, cursor, true
}

func (b *Builder) emitError(ctx context.Context, out chan<- engine.StreamEvent, err error) bool {
	select {
	case out <- engine.StreamEvent{Kind: engine.StreamError, Err: err}:
		return true
	case <-ctx.Done():
		return false
	}
}

// adaptiveBatchSize mirrors the teacher's near-head batch shrinking: small
// batches close to the chain tip keep latency low, larger batches are used
// only when meaningfully behind.
func adaptiveBatchSize(head, next, maxBatch uint64) uint64 {
	if next > head {
		return 1
	}
	behind := head - next
	switch {
	case behind == 0:
		return 1
	case behind <= 3:
		return 1
	case behind <= 20:
		return min64(maxBatch, 5)
	case behind <= 100:
		return min64(maxBatch, 10)
	default:
		return maxBatch
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
