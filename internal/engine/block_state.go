package engine

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
	"github.com/graphprotocol/indexer-engine/internal/entitycache"
)

// BlockState is the per-block scratch BlockProcessor threads through
// primary dispatch and dynamic-source expansion: the write-buffer cache,
// the deterministic errors accumulated by handlers, and the queue of data
// sources mappings asked to create.
type BlockState struct {
	Cache               *entitycache.Cache
	DeterministicErrors []chainmodel.SubgraphError
	CreatedDataSources  []CreatedDataSource
	// PersistedDataSources accumulates every dynamic data source actually
	// instantiated this block (across every expansion round), in creation
	// order, so the store's commit call receives them as a first-class
	// list alongside the entity mutation stream.
	PersistedDataSources []chainmodel.DataSource
}

// CreatedDataSource is a request, emitted by a handler, to instantiate a
// dynamic data source from a named template at a given address.
type CreatedDataSource struct {
	TemplateName string
	Params       DataSourceParams
}

// DataSourceParams carries the instantiation parameters a handler supplies
// when creating a dynamic data source: which template, at what address,
// and from which block onward it should be considered live.
type DataSourceParams struct {
	TemplateName string
	Address      common.Address
	StartBlock   uint64
}

// NewBlockState starts a fresh per-block scratch space wrapping cache.
func NewBlockState(cache *entitycache.Cache) *BlockState {
	return &BlockState{Cache: cache}
}

// AddDeterministicError records a deterministic mapping failure without
// aborting dispatch of subsequent triggers — matching the "mappings
// self-report and continue" discipline the dispatcher relies on.
func (s *BlockState) AddDeterministicError(err chainmodel.SubgraphError) {
	s.DeterministicErrors = append(s.DeterministicErrors, err)
}

// RequestDataSource queues a dynamic data source for instantiation at the
// next expansion iteration.
func (s *BlockState) RequestDataSource(params DataSourceParams) {
	s.CreatedDataSources = append(s.CreatedDataSources, CreatedDataSource{
		TemplateName: params.TemplateName,
		Params:       params,
	})
}

// DrainCreatedDataSources returns and clears the queue of data sources
// requested since the last drain, used by the expander's breadth-first
// fixed-point loop to process "this round's" requests in isolation from
// ones their own handlers might enqueue.
func (s *BlockState) DrainCreatedDataSources() []CreatedDataSource {
	out := s.CreatedDataSources
	s.CreatedDataSources = nil
	return out
}
