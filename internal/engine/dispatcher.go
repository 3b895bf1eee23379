package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
	"github.com/graphprotocol/indexer-engine/internal/poi"
)

// Dispatcher walks a block's triggers in order and invokes the mapping
// runtime on each, accumulating results into a BlockState. It performs no
// retry and no reordering: the order it is handed is the order it dispatches.
type Dispatcher struct {
	ctx *IndexingContext
}

// NewDispatcher returns a dispatcher bound to ctx's collaborators.
func NewDispatcher(ctx *IndexingContext) *Dispatcher {
	return &Dispatcher{ctx: ctx}
}

// dataSourcesFor resolves which live data sources a trigger belongs to by
// matching its address against the context's data sources. Block triggers
// with no address fan out to every data source that declared a block
// handler.
func (d *Dispatcher) dataSourcesFor(t chainmodel.Trigger) []chainmodel.DataSource {
	var matches []chainmodel.DataSource
	switch t.Kind {
	case chainmodel.TriggerLog:
		if t.Log == nil {
			return nil
		}
		for _, ds := range d.ctx.DataSources {
			if ds.Address != nil && *ds.Address == t.Log.Address {
				matches = append(matches, ds)
			}
		}
	case chainmodel.TriggerCall:
		if t.Call == nil {
			return nil
		}
		for _, ds := range d.ctx.DataSources {
			if ds.Address != nil && *ds.Address == t.Call.To {
				matches = append(matches, ds)
			}
		}
	case chainmodel.TriggerBlock:
		for _, ds := range d.ctx.DataSources {
			if ds.HasBlockH {
				matches = append(matches, ds)
			}
		}
	}
	return matches
}

// Run dispatches every trigger in block against dataSources (restricting
// dispatch to exactly those data sources — used both for primary dispatch,
// where dataSources is every live source, and for expansion rounds, where
// it is only the newly-created ones). proofOfIndexing may be nil when the
// store reports no POI support.
func (d *Dispatcher) Run(ctx context.Context, block chainmodel.Block, dataSources map[string]chainmodel.DataSource, state *BlockState, pf *poi.ProofOfIndexing) *MappingError {
	for _, trigger := range block.Triggers {
		candidates := d.dataSourcesFor(trigger)
		for _, ds := range candidates {
			if _, live := dataSources[ds.Name]; !live {
				continue
			}
			tc := &TriggerContext{
				Deployment: d.ctx.Deployment,
				Block:      block,
				Trigger:    trigger,
				DataSource: ds,
				State:      state,
				POI:        pf,
				Region:     poi.MainCausalityRegion,
			}
			start := time.Now()
			mapErr := d.ctx.MappingRuntime.ProcessTrigger(ctx, tc)
			d.ctx.Metrics.ObserveTriggerProcessingDuration(d.ctx.Deployment, trigger.Kind.String(), time.Since(start).Seconds())
			if mapErr != nil {
				txHash, hasTx := trigger.TransactionHash()
				return wrapMappingError(mapErr, block.Pointer, ds.Name, txHash, hasTx)
			}
		}
	}
	return nil
}

func wrapMappingError(mapErr *MappingError, block chainmodel.BlockPointer, handler string, txHash fmt.Stringer, hasTx bool) *MappingError {
	msg := fmt.Sprintf("handler %q failed at block %s", handler, block.String())
	if hasTx {
		msg = fmt.Sprintf("%s (tx %s)", msg, txHash.String())
	}
	return &MappingError{Kind: mapErr.Kind, Err: fmt.Errorf("%s: %w", msg, mapErr.Err)}
}
