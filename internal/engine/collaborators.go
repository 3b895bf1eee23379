package engine

import (
	"context"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
	"github.com/graphprotocol/indexer-engine/internal/entitycache"
	"github.com/graphprotocol/indexer-engine/internal/poi"
)

// Store is everything the engine needs from the entity store: deployment
// lifecycle transitions, transactional commit/revert of block effects, and
// entity read-through. A concrete implementation lives in internal/store
// (Postgres via pgx); tests use an in-memory fake.
type Store interface {
	entitycache.Reader

	StartDeployment(ctx context.Context, deployment chainmodel.DeploymentID, startBlocks []chainmodel.BlockPointer) error
	Unfail(ctx context.Context, deployment chainmodel.DeploymentID) error
	FailSubgraph(ctx context.Context, deployment chainmodel.DeploymentID, err chainmodel.SubgraphError, deterministic bool) error
	RevertBlockOperations(ctx context.Context, deployment chainmodel.DeploymentID, parent chainmodel.BlockPointer) error
	TransactBlockOperations(ctx context.Context, deployment chainmodel.DeploymentID, blockPtr chainmodel.BlockPointer, mods []chainmodel.EntityMutation, dataSources []chainmodel.DataSource, errs []chainmodel.SubgraphError) error
	SupportsProofOfIndexing(ctx context.Context, deployment chainmodel.DeploymentID) (bool, error)
	IsDeploymentSynced(ctx context.Context, deployment chainmodel.DeploymentID) (bool, error)
	UnassignSubgraph(ctx context.Context, deployment chainmodel.DeploymentID) error

	// GetPOIDigest reads back the previously-committed digest for a
	// causality region, used to seed poi.ProofOfIndexing.Resume. Returns
	// ok=false if no digest has ever been written for this region.
	GetPOIDigest(ctx context.Context, deployment chainmodel.DeploymentID, region poi.CausalityRegion) (digest []byte, ok bool, err error)
}

// StreamEventKind tags a BlockStreamEvent.
type StreamEventKind int

const (
	StreamBlock StreamEventKind = iota
	StreamRevert
	StreamError
	StreamEndOfStream
)

// StreamEvent is one item yielded by a BlockStreamBuilder-constructed
// stream. Exactly one of Block/RevertTo/Err is meaningful, selected by
// Kind.
type StreamEvent struct {
	Kind     StreamEventKind
	Block    *chainmodel.Block
	RevertTo *chainmodel.BlockPointer
	Err      error
}

// BlockStream is the channel-shaped contract the loop consumes. Close
// triggers cooperative shutdown of the underlying polling goroutine.
type BlockStream interface {
	Events() <-chan StreamEvent
	Close()
}

// BlockStreamBuilder constructs a BlockStream scoped to one deployment's
// current composite filter set and start blocks. Called once per outer-loop
// iteration (i.e. once per restart).
type BlockStreamBuilder interface {
	Build(ctx context.Context, deployment chainmodel.DeploymentID, startBlocks []chainmodel.BlockPointer, filter *chainmodel.CompositeFilter) (BlockStream, error)
}

// ChainAdapter fetches blocks and computes the triggers within a block that
// match a given filter set, independent of any particular stream.
type ChainAdapter interface {
	LoadBlocks(ctx context.Context, hashes []chainmodel.BlockPointer) ([]chainmodel.Block, error)
	TriggersInBlock(ctx context.Context, filter *chainmodel.CompositeFilter, block chainmodel.BlockPointer) (chainmodel.Block, error)
}

// TriggerContext is everything a MappingRuntime invocation needs: the
// block the trigger occurred in, the trigger itself, the write buffer to
// mutate, and the POI handle to append to.
type TriggerContext struct {
	Deployment chainmodel.DeploymentID
	Block      chainmodel.Block
	Trigger    chainmodel.Trigger
	DataSource chainmodel.DataSource
	State      *BlockState
	POI        *poi.ProofOfIndexing
	Region     poi.CausalityRegion
}

// MappingRuntime executes user-supplied handler code against one trigger.
// Deterministic failures are recorded into tc.State.DeterministicErrors and
// the call returns nil; only host/runtime failures and possible-reorg
// conditions are returned as a *MappingError.
type MappingRuntime interface {
	ProcessTrigger(ctx context.Context, tc *TriggerContext) *MappingError
}

// LinkResolver fetches a raw manifest reference. The implementation in
// internal/manifest (FileResolver) reads local paths only and applies no
// timeout or retry.
type LinkResolver interface {
	Resolve(ctx context.Context, ref string) ([]byte, error)
}

// MetricsRegistry is the engine's view of metrics emission; implemented by
// internal/metrics on top of Prometheus, and by a no-op fake in tests.
type MetricsRegistry interface {
	SetDeploymentCount(n int)
	ObserveBlockTriggerCount(deployment chainmodel.DeploymentID, n int)
	ObserveBlockProcessingDuration(deployment chainmodel.DeploymentID, seconds float64)
	ObserveTransactDuration(deployment chainmodel.DeploymentID, seconds float64)
	ObserveTriggerProcessingDuration(deployment chainmodel.DeploymentID, triggerType string, seconds float64)
	SetRevertedBlocks(deployment chainmodel.DeploymentID, number uint64)
}
