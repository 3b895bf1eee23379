package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
	"github.com/graphprotocol/indexer-engine/internal/entitycache"
	"github.com/graphprotocol/indexer-engine/internal/poi"
)

// CancelGuard reports whether cooperative shutdown has been requested for
// a deployment. It is checked exactly once per block, immediately before
// the store commit — see step 5 of BlockProcessor.
type CancelGuard interface {
	Canceled() bool
}

// BlockProcessor drives one block through the eleven-step algorithm:
// POI bootstrap, primary dispatch, dynamic-source expansion, error gating,
// cancellation, POI commit, materialization, cache reinstatement, commit,
// fail-fast, and return.
type BlockProcessor struct {
	ctx        *IndexingContext
	dispatcher *Dispatcher
	expander   *Expander
}

// NewBlockProcessor returns a processor bound to ctx's collaborators.
func NewBlockProcessor(ctx *IndexingContext) *BlockProcessor {
	return &BlockProcessor{
		ctx:        ctx,
		dispatcher: NewDispatcher(ctx),
		expander:   NewExpander(ctx),
	}
}

// Process runs the full algorithm against block, using guard to check for
// cancellation before committing. It returns needsRestart=true when the
// outer loop must rebuild its block stream (a possible reorg was detected
// in primary dispatch, or dynamic data sources were created), and a
// classified *ProcessingError on any failure.
func (p *BlockProcessor) Process(ctx context.Context, block chainmodel.Block, guard CancelGuard) (needsRestart bool, procErr *ProcessingError) {
	start := time.Now()
	defer func() {
		p.ctx.Metrics.ObserveBlockProcessingDuration(p.ctx.Deployment, time.Since(start).Seconds())
	}()

	if len(block.Triggers) > 0 {
		p.ctx.Metrics.ObserveBlockTriggerCount(p.ctx.Deployment, len(block.Triggers))
	}

	// Step 1: POI bootstrap.
	supportsPOI, err := p.ctx.Store.SupportsProofOfIndexing(ctx, p.ctx.Deployment)
	if err != nil {
		return false, unknownError(fmt.Errorf("engine: query proof-of-indexing support: %w", err))
	}
	var proofOfIndexing *poi.ProofOfIndexing
	if supportsPOI {
		proofOfIndexing = poi.New(block.Pointer)
	}

	// Step 2: primary dispatch. Move the shared cache out of the context
	// into a write buffer so trigger handlers never alias it directly; a
	// fresh empty cache is left in its place until step 8.
	sharedCache := p.ctx.takeCache()
	cache := entitycache.NewCache(p.ctx.Deployment, sharedCache, p.ctx.Store)
	state := NewBlockState(cache)

	liveSources := snapshotDataSources(p.ctx.DataSources)
	if mapErr := p.dispatcher.Run(ctx, block, liveSources, state, proofOfIndexing); mapErr != nil {
		if mapErr.Kind == MappingPossibleReorg {
			// The in-flight cache is discarded, not reinstated: a possible
			// reorg means this pass's reads may already reflect a dropped
			// fork, so the restarted loop must start from an empty cache
			// rather than risk resuming with stale entries.
			p.ctx.ResetCache()
			return true, nil
		}
		p.ctx.installCache(sharedCache)
		return false, unknownError(mapErr.Err)
	}

	// Step 3: dynamic-source expansion, breadth-first fixed point.
	expandRestart, expandErr := p.expander.Expand(ctx, block, state, proofOfIndexing)
	needsRestart = expandRestart
	if expandErr != nil {
		p.ctx.installCache(sharedCache)
		return needsRestart, unknownError(expandErr.Err)
	}

	// Step 4: error gating.
	if len(state.DeterministicErrors) > 0 && !p.ctx.Features.NonFatalErrors {
		first := state.DeterministicErrors[0]
		p.ctx.installCache(sharedCache)
		return needsRestart, deterministicError(first)
	}

	// Step 5: cancellation point.
	if guard != nil && guard.Canceled() {
		p.ctx.installCache(sharedCache)
		return needsRestart, canceledError()
	}

	// Step 6: POI commit — fold each touched region against its previous
	// digest and queue the result as an entity write.
	if proofOfIndexing != nil {
		if err := p.commitProofOfIndexing(ctx, proofOfIndexing, cache); err != nil {
			p.ctx.installCache(sharedCache)
			return needsRestart, unknownError(err)
		}
	}

	// Step 7: materialize modifications. AsModifications folds every write
	// back into sharedCache in place (it is cache.shared), so sharedCache
	// itself now holds the post-block state; the *Cache it returns alongside
	// is only a fresh write buffer for whoever dispatches the next block.
	mutations, _ := cache.AsModifications()
	dataSources := collectPersistedDataSources(state)

	// Step 8: cache reinstatement invariant.
	if !p.ctx.placeholderIsEmpty() {
		return needsRestart, unknownError(fmt.Errorf("engine: cache reinstatement invariant violated: placeholder cache was written during dispatch"))
	}
	p.ctx.installCache(sharedCache)

	// Step 9: commit.
	commitStart := time.Now()
	if err := p.ctx.Store.TransactBlockOperations(ctx, p.ctx.Deployment, block.Pointer, mutations, dataSources, state.DeterministicErrors); err != nil {
		return needsRestart, unknownError(fmt.Errorf("engine: transact block operations: %w", err))
	}
	p.ctx.Metrics.ObserveTransactDuration(p.ctx.Deployment, time.Since(commitStart).Seconds())

	// Step 10: fail-fast.
	if len(state.DeterministicErrors) > 0 && !p.ctx.Config.DisableFailFast {
		synced, err := p.ctx.Store.IsDeploymentSynced(ctx, p.ctx.Deployment)
		if err != nil {
			return needsRestart, unknownError(fmt.Errorf("engine: check deployment sync status: %w", err))
		}
		if !synced {
			if err := p.ctx.Store.UnassignSubgraph(ctx, p.ctx.Deployment); err != nil {
				return needsRestart, unknownError(fmt.Errorf("engine: unassign subgraph after fail-fast: %w", err))
			}
			return needsRestart, canceledError()
		}
	}

	// Step 11.
	return needsRestart, nil
}

func (p *BlockProcessor) commitProofOfIndexing(ctx context.Context, pf *poi.ProofOfIndexing, cache *entitycache.Cache) error {
	// Resume every region this pass touched against its previously-stored
	// digest before finalizing, so the chain of digests is unbroken.
	for _, region := range pf.TouchedRegions() {
		prev, ok, err := p.ctx.Store.GetPOIDigest(ctx, p.ctx.Deployment, region)
		if err != nil {
			return fmt.Errorf("read previous POI digest for region %q: %w", region, err)
		}
		if ok {
			pf.Resume(region, prev)
		}
	}
	for region, digest := range pf.Digests() {
		key := chainmodel.EntityKey{
			Deployment: p.ctx.Deployment,
			EntityType: chainmodel.POIEntityType,
			EntityID:   string(region),
		}
		// Entities round-trip through JSON (see internal/store), which would
		// otherwise turn a []byte into a base64 string silently re-read as
		// if it were the raw digest; hex-encode explicitly so the stored
		// text is unambiguous and GetPOIDigest's decode matches this write.
		cache.Set(key, chainmodel.Entity{"digest": hex.EncodeToString(digest)})
	}
	return nil
}

func snapshotDataSources(in map[string]chainmodel.DataSource) map[string]chainmodel.DataSource {
	out := make(map[string]chainmodel.DataSource, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// collectPersistedDataSources returns the dynamic data sources
// instantiated this block. They were also written into the cache as
// __data_source__ entities during expansion (step 3.3) so their existence
// survives the commit; returning them here additionally lets the store
// keep a dedicated table without parsing them back out of the entity
// mutation stream.
func collectPersistedDataSources(state *BlockState) []chainmodel.DataSource {
	return state.PersistedDataSources
}
