package engine

import (
	"context"
	"fmt"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
	"github.com/graphprotocol/indexer-engine/internal/poi"
)

// Expander implements the breadth-first dynamic-data-source fixed point
// described for BlockProcessor step 3: while the block state holds
// newly-created data sources, instantiate them, refetch this block's
// triggers against their filters alone, dispatch those triggers against
// only the new hosts, and repeat with whatever the new round creates.
type Expander struct {
	ctx        *IndexingContext
	dispatcher *Dispatcher
}

// NewExpander returns an expander bound to ctx.
func NewExpander(ctx *IndexingContext) *Expander {
	return &Expander{ctx: ctx, dispatcher: NewDispatcher(ctx)}
}

// Expand runs the fixed point. It returns needsRestart=true if any round
// actually created a data source (the outer loop must rebuild its stream
// with the extended filter set), and a *MappingError classified per the
// "PossibleReorg during expansion is promoted to Unknown" rule — a
// PossibleReorg here is never recoverable because the context has already
// been mutated with the new hosts.
func (e *Expander) Expand(ctx context.Context, block chainmodel.Block, state *BlockState, pf *poi.ProofOfIndexing) (needsRestart bool, mapErr *MappingError) {
	for {
		pending := state.DrainCreatedDataSources()
		if len(pending) == 0 {
			return needsRestart, nil
		}

		newSources := make(map[string]chainmodel.DataSource, len(pending))
		for _, created := range pending {
			name := fmt.Sprintf("%s-%s", created.TemplateName, created.Params.Address.Hex())
			if _, exists := e.ctx.DataSources[name]; exists {
				// A handler asked to instantiate a host that already
				// exists. This is deterministic (reproducible from the
				// same chain data every time) so it is recorded, not
				// raised.
				state.AddDeterministicError(chainmodel.SubgraphError{
					Message:       fmt.Sprintf("data source %q already exists, skipping duplicate creation", name),
					BlockPointer:  &block.Pointer,
					Handler:       created.TemplateName,
					Deterministic: true,
				})
				continue
			}
			tmpl, ok := e.ctx.Templates[created.TemplateName]
			if !ok {
				state.AddDeterministicError(chainmodel.SubgraphError{
					Message:       fmt.Sprintf("unknown template %q", created.TemplateName),
					BlockPointer:  &block.Pointer,
					Handler:       created.TemplateName,
					Deterministic: true,
				})
				continue
			}
			addr := created.Params.Address
			ds := chainmodel.DataSource{
				Name:       name,
				Address:    &addr,
				ABI:        tmpl.ABI,
				Template:   tmpl.Name,
				StartBlock: created.Params.StartBlock,
				CreatedAt:  block.Pointer.Number,
				EventSigs:   tmpl.EventSigs,
				CallSigs:    tmpl.CallSigs,
				HasBlockH:   tmpl.HasBlockH,
				HandlerKeys: tmpl.HandlerKeys,
			}
			newSources[name] = ds
		}

		if len(newSources) == 0 {
			continue
		}

		if len(e.ctx.DataSources)+len(newSources) > e.ctx.Config.MaxDataSources {
			return needsRestart, &MappingError{
				Kind: MappingUnknown,
				Err:  fmt.Errorf("engine: data source expansion exceeded MAX_DATA_SOURCES (%d)", e.ctx.Config.MaxDataSources),
			}
		}

		// Recompute a filter scoped to only the new data sources, and ask
		// the chain for this block's triggers against that narrower
		// filter — broadening the full composite filter only after.
		roundFilter := chainmodel.NewCompositeFilter()
		for _, ds := range newSources {
			roundFilter.Extend(ds)
			e.ctx.AddDataSource(ds)
			state.Cache.Set(chainmodel.EntityKey{
				Deployment: e.ctx.Deployment,
				EntityType: "__data_source__",
				EntityID:   ds.Name,
			}, dataSourceEntity(ds))
			state.PersistedDataSources = append(state.PersistedDataSources, ds)
		}
		needsRestart = true

		refetched, err := e.ctx.ChainAdapter.TriggersInBlock(ctx, roundFilter, block.Pointer)
		if err != nil {
			return needsRestart, &MappingError{Kind: MappingUnknown, Err: fmt.Errorf("engine: refetch triggers for dynamic sources: %w", err)}
		}

		if mapErr := e.dispatcher.Run(ctx, refetched, newSources, state, pf); mapErr != nil {
			if mapErr.Kind == MappingPossibleReorg {
				// Not recoverable here: the context already has the new
				// hosts installed, so a clean restart from this point
				// would lose them. Promote to Unknown per the design note.
				return needsRestart, &MappingError{Kind: MappingUnknown, Err: fmt.Errorf("possible reorg during dynamic-source expansion, promoted to unknown: %w", mapErr.Err)}
			}
			return needsRestart, mapErr
		}
	}
}

// dataSourceEntity is the attribute encoding a DataSource is persisted
// under so its existence survives a commit, per step 3.3 of the block
// processing algorithm.
func dataSourceEntity(ds chainmodel.DataSource) chainmodel.Entity {
	e := chainmodel.Entity{
		"name":       ds.Name,
		"template":   ds.Template,
		"abi":        ds.ABI,
		"startBlock": ds.StartBlock,
		"createdAt":  ds.CreatedAt,
	}
	if ds.Address != nil {
		e["address"] = ds.Address.Hex()
	}
	return e
}
