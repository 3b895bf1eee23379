// Package chainmodel holds the wire-level data model shared by every
// collaborator of the indexing engine: block pointers, triggers, data
// sources, entity keys and mutations. None of these types carry behavior
// beyond small helpers; the state machine lives in internal/engine.
package chainmodel

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DeploymentID identifies a single subgraph deployment. It is opaque to the
// engine beyond equality and use as a map key.
type DeploymentID string

// BlockPointer identifies a block by number and hash. Equality is defined by
// both fields; monotonicity (for committed pointers) is by Number alone.
type BlockPointer struct {
	Number uint64
	Hash   common.Hash
}

func (p BlockPointer) String() string {
	return fmt.Sprintf("#%d (%s)", p.Number, p.Hash.Hex())
}

// IsZero reports whether p is the zero value, used to distinguish "genesis
// has no parent" from a real pointer.
func (p BlockPointer) IsZero() bool {
	return p.Number == 0 && p.Hash == (common.Hash{})
}

// CallTrace is a minimal call-trace record: enough for call-trigger filters
// and handler dispatch. Real trace decoding (CALL/DELEGATECALL/opcode-level
// detail) is the chain adapter's concern, not the core's.
type CallTrace struct {
	From            common.Address
	To              common.Address
	Input           []byte
	Value           []byte // big-endian integer, avoids importing math/big into the wire type
	GasUsed         uint64
	TransactionHash common.Hash
}

// TriggerKind tags the variant carried by a Trigger.
type TriggerKind int

const (
	TriggerLog TriggerKind = iota
	TriggerCall
	TriggerBlock
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerLog:
		return "event"
	case TriggerCall:
		return "call"
	case TriggerBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Trigger is the tagged variant dispatched to mapping handlers. Exactly one
// of Log, Call is meaningful, selected by Kind; TriggerBlock carries neither.
type Trigger struct {
	Kind Kind
	Log  *types.Log
	Call *CallTrace
}

// Kind is an alias kept for readability at call sites (Trigger.Kind).
type Kind = TriggerKind

// TransactionHash extracts the transaction hash associated with this
// trigger, if any — used to contextualize mapping errors.
func (t Trigger) TransactionHash() (common.Hash, bool) {
	switch t.Kind {
	case TriggerLog:
		if t.Log != nil {
			return t.Log.TxHash, true
		}
	case TriggerCall:
		if t.Call != nil {
			return t.Call.TransactionHash, true
		}
	}
	return common.Hash{}, false
}

// Block is one block together with the ordered triggers the chain adapter
// has already matched against the current composite filter set. Triggers
// are partitioned by type but kept in a single stable order: log triggers
// sorted by log index, then call triggers, then at most one block trigger.
type Block struct {
	Pointer    BlockPointer
	ParentHash common.Hash
	Triggers   []Trigger
}

// DataSource binds a set of chain filters to a handler table. Static data
// sources come from the manifest; dynamic ones are instantiated at runtime
// from a Template plus per-instance Address/StartBlock.
type DataSource struct {
	Name        string
	Address     *common.Address
	ABI         string
	Template    string // empty for static (manifest-declared) data sources
	StartBlock  uint64
	CreatedAt   uint64 // block number the data source was created at (0 for static)
	EventSigs   []common.Hash
	CallSigs    [][4]byte
	HasBlockH   bool // true if this data source declares a block handler
	HandlerKeys []string
}

// Template is the compile-time blueprint dynamic data sources are
// instantiated from. The mapping runtime resolves Template.Name to actual
// handler code; the engine only needs enough to build filters.
type Template struct {
	Name        string
	ABI         string
	EventSigs   []common.Hash
	CallSigs    [][4]byte
	HasBlockH   bool
	HandlerKeys []string
}

// CompositeFilter is the union of log/call/block filters across every live
// data source. Filters only ever grow; they are not narrowed on revert.
type CompositeFilter struct {
	Addresses  map[common.Address]struct{}
	EventSigs  map[common.Hash]struct{}
	CallSigs   map[[4]byte]struct{}
	WantBlocks bool
}

// NewCompositeFilter returns an empty, ready-to-extend filter.
func NewCompositeFilter() *CompositeFilter {
	return &CompositeFilter{
		Addresses: make(map[common.Address]struct{}),
		EventSigs: make(map[common.Hash]struct{}),
		CallSigs:  make(map[[4]byte]struct{}),
	}
}

// Extend merges the filters implied by ds into f. Never removes entries.
func (f *CompositeFilter) Extend(ds DataSource) {
	if ds.Address != nil {
		f.Addresses[*ds.Address] = struct{}{}
	}
	for _, sig := range ds.EventSigs {
		f.EventSigs[sig] = struct{}{}
	}
	for _, sig := range ds.CallSigs {
		f.CallSigs[sig] = struct{}{}
	}
	if ds.HasBlockH {
		f.WantBlocks = true
	}
}

// Clone returns a deep copy, used to hand the block stream builder a
// snapshot of the filter that later Extend calls do not affect.
func (f *CompositeFilter) Clone() *CompositeFilter {
	out := NewCompositeFilter()
	for k := range f.Addresses {
		out.Addresses[k] = struct{}{}
	}
	for k := range f.EventSigs {
		out.EventSigs[k] = struct{}{}
	}
	for k := range f.CallSigs {
		out.CallSigs[k] = struct{}{}
	}
	out.WantBlocks = f.WantBlocks
	return out
}

// EntityKey identifies one entity: a type name plus an id, scoped to a
// deployment. It is immutable and used as a map key throughout the cache
// layers, so it must stay comparable (no slices/maps as fields).
type EntityKey struct {
	Deployment DeploymentID
	EntityType string
	EntityID   string
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Deployment, k.EntityType, k.EntityID)
}

// Entity is an attribute bag. The engine treats values opaquely; only the
// store and mapping runtime know the attribute schema.
type Entity map[string]interface{}

// MutationKind tags an EntityMutation.
type MutationKind int

const (
	MutationSet MutationKind = iota
	MutationRemove
)

// EntityMutation is one write recorded by EntityCache: either an upsert
// (Set) or a tombstone (Remove). Last-writer-wins within a block is
// enforced by EntityCache, not by this type.
type EntityMutation struct {
	Kind   MutationKind
	Key    EntityKey
	Entity Entity // nil for MutationRemove
}

// SubgraphError records one mapping-time or processing-time error.
// Deterministic errors are reproducible from chain data alone (a panic
// inside a handler, a failed required lookup); non-deterministic errors
// indicate a runtime/host failure and are never committed as part of
// nonFatalErrors bookkeeping.
type SubgraphError struct {
	Message       string
	BlockPointer  *BlockPointer
	Handler       string
	Deterministic bool
}

func (e SubgraphError) Error() string {
	return e.Message
}

// POIEntityType is the well-known entity type the engine stores the
// proof-of-indexing digest under, one row per causality region.
const POIEntityType = "poi2$"
