package engine

import (
	"context"
	"sync"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
	"github.com/graphprotocol/indexer-engine/internal/poi"
)

// fakeStore is an in-memory Store used by engine tests; it never touches a
// real database, matching the teacher's preference for dependency-free
// _test.go files.
type fakeStore struct {
	mu sync.Mutex

	entities     map[chainmodel.EntityKey]chainmodel.Entity
	poiDigests   map[poi.CausalityRegion][]byte
	supportsPOI  bool
	synced       bool
	failed       bool
	failedDet    bool
	unassigned   bool
	unfailCalls  int
	transactions []transactCall
	reverts      []chainmodel.BlockPointer
}

type transactCall struct {
	ptr         chainmodel.BlockPointer
	mods        []chainmodel.EntityMutation
	dataSources []chainmodel.DataSource
	errs        []chainmodel.SubgraphError
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entities:   make(map[chainmodel.EntityKey]chainmodel.Entity),
		poiDigests: make(map[poi.CausalityRegion][]byte),
		synced:     true,
	}
}

func (s *fakeStore) GetEntity(ctx context.Context, key chainmodel.EntityKey) (chainmodel.Entity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entities[key]
	return v, ok, nil
}

func (s *fakeStore) StartDeployment(ctx context.Context, deployment chainmodel.DeploymentID, startBlocks []chainmodel.BlockPointer) error {
	return nil
}

func (s *fakeStore) Unfail(ctx context.Context, deployment chainmodel.DeploymentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unfailCalls++
	s.failed = false
	return nil
}

func (s *fakeStore) FailSubgraph(ctx context.Context, deployment chainmodel.DeploymentID, err chainmodel.SubgraphError, deterministic bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = true
	s.failedDet = deterministic
	return nil
}

func (s *fakeStore) RevertBlockOperations(ctx context.Context, deployment chainmodel.DeploymentID, parent chainmodel.BlockPointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverts = append(s.reverts, parent)
	for k := range s.entities {
		delete(s.entities, k)
	}
	return nil
}

func (s *fakeStore) TransactBlockOperations(ctx context.Context, deployment chainmodel.DeploymentID, blockPtr chainmodel.BlockPointer, mods []chainmodel.EntityMutation, dataSources []chainmodel.DataSource, errs []chainmodel.SubgraphError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range mods {
		if m.Kind == chainmodel.MutationSet {
			s.entities[m.Key] = m.Entity
		} else {
			delete(s.entities, m.Key)
		}
	}
	s.transactions = append(s.transactions, transactCall{ptr: blockPtr, mods: mods, dataSources: dataSources, errs: errs})
	return nil
}

func (s *fakeStore) SupportsProofOfIndexing(ctx context.Context, deployment chainmodel.DeploymentID) (bool, error) {
	return s.supportsPOI, nil
}

func (s *fakeStore) IsDeploymentSynced(ctx context.Context, deployment chainmodel.DeploymentID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced, nil
}

func (s *fakeStore) UnassignSubgraph(ctx context.Context, deployment chainmodel.DeploymentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unassigned = true
	return nil
}

func (s *fakeStore) GetPOIDigest(ctx context.Context, deployment chainmodel.DeploymentID, region poi.CausalityRegion) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.poiDigests[region]
	return d, ok, nil
}

// fakeMetrics discards every observation but records call counts for the
// assertions that need them.
type fakeMetrics struct {
	mu               sync.Mutex
	triggerCountObs  []int
	blockDurationObs int
	transactDurObs   int
	revertedBlocks   map[chainmodel.DeploymentID]uint64
	deploymentCount  int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{revertedBlocks: make(map[chainmodel.DeploymentID]uint64)}
}

func (m *fakeMetrics) SetDeploymentCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deploymentCount = n
}
func (m *fakeMetrics) ObserveBlockTriggerCount(deployment chainmodel.DeploymentID, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggerCountObs = append(m.triggerCountObs, n)
}
func (m *fakeMetrics) ObserveBlockProcessingDuration(deployment chainmodel.DeploymentID, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockDurationObs++
}
func (m *fakeMetrics) ObserveTransactDuration(deployment chainmodel.DeploymentID, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactDurObs++
}
func (m *fakeMetrics) ObserveTriggerProcessingDuration(deployment chainmodel.DeploymentID, triggerType string, seconds float64) {
}
func (m *fakeMetrics) SetRevertedBlocks(deployment chainmodel.DeploymentID, number uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revertedBlocks[deployment] = number
}

// fakeChainAdapter serves canned blocks and trigger-matching results keyed
// by block number, set up by the test before the processor/loop runs.
type fakeChainAdapter struct {
	mu            sync.Mutex
	blocksByPtr   map[chainmodel.BlockPointer]chainmodel.Block
	triggersByNum map[uint64]chainmodel.Block
}

func newFakeChainAdapter() *fakeChainAdapter {
	return &fakeChainAdapter{
		blocksByPtr:   make(map[chainmodel.BlockPointer]chainmodel.Block),
		triggersByNum: make(map[uint64]chainmodel.Block),
	}
}

func (c *fakeChainAdapter) LoadBlocks(ctx context.Context, hashes []chainmodel.BlockPointer) ([]chainmodel.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chainmodel.Block, 0, len(hashes))
	for _, h := range hashes {
		if b, ok := c.blocksByPtr[h]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (c *fakeChainAdapter) TriggersInBlock(ctx context.Context, filter *chainmodel.CompositeFilter, block chainmodel.BlockPointer) (chainmodel.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.triggersByNum[block.Number], nil
}

// handlerFunc-based fakeMappingRuntime dispatches to a per-test closure so
// each scenario can script exactly what a handler does without a full
// internal/mapping dependency.
type fakeMappingRuntime struct {
	handler func(ctx context.Context, tc *TriggerContext) *MappingError
}

func (r *fakeMappingRuntime) ProcessTrigger(ctx context.Context, tc *TriggerContext) *MappingError {
	return r.handler(ctx, tc)
}

type fakeCancelGuard struct{ canceled bool }

func (g *fakeCancelGuard) Canceled() bool { return g.canceled }
