package engine

import (
	"os"
	"strconv"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
	"github.com/graphprotocol/indexer-engine/internal/entitycache"
)

// Features toggled by the manifest, consulted by BlockProcessor's error
// gating step.
type Features struct {
	NonFatalErrors bool
}

// Config bundles the tunables the engine reads from the environment
// (§6 of the design); DefaultConfig does the reading. NewContext uses the
// values it is given as they are, zero values included.
type Config struct {
	EntityCacheSizeBytes int
	DisableFailFast      bool
	MaxDataSources       int
}

// DefaultConfig returns the documented defaults: a 10,000 KB entity cache,
// fail-fast enabled, and a 500 data-source expansion cap per block.
// GRAPH_ENTITY_CACHE_SIZE (in KB), GRAPH_DISABLE_FAIL_FAST (any non-empty
// value) and GRAPH_MAX_DATA_SOURCES override them when set.
func DefaultConfig() Config {
	cfg := Config{
		EntityCacheSizeBytes: 10_000 * 1000,
		DisableFailFast:      false,
		MaxDataSources:       500,
	}
	if kb, err := strconv.Atoi(os.Getenv("GRAPH_ENTITY_CACHE_SIZE")); err == nil {
		cfg.EntityCacheSizeBytes = kb * 1000
	}
	if os.Getenv("GRAPH_DISABLE_FAIL_FAST") != "" {
		cfg.DisableFailFast = true
	}
	if n, err := strconv.Atoi(os.Getenv("GRAPH_MAX_DATA_SOURCES")); err == nil {
		cfg.MaxDataSources = n
	}
	return cfg
}

// IndexingContext is the immutable-inputs-plus-mutable-state bundle the
// BlockProcessor and IndexingLoop thread through a deployment's lifetime.
// Immutable: Deployment, Features, Templates, collaborators. Mutable:
// DataSources, Filter, and the shared LFU cache.
type IndexingContext struct {
	Deployment chainmodel.DeploymentID
	Features   Features
	Templates  map[string]chainmodel.Template
	Config     Config

	Store          Store
	ChainAdapter   ChainAdapter
	MappingRuntime MappingRuntime
	Metrics        MetricsRegistry

	// DataSources is the live set of data sources, static and dynamic,
	// indexed by name. Dynamic additions append; reverts truncate by
	// CreatedAt.
	DataSources map[string]chainmodel.DataSource
	// Filter is the composite filter over every live data source. It only
	// ever grows, even across reverts: TruncateDataSourcesAfter does not
	// narrow it.
	Filter *chainmodel.CompositeFilter

	// sharedCache is the EntityLfuCache shared across blocks of this
	// deployment. BlockProcessor temporarily empties this field during
	// primary dispatch (step 2) and restores it at step 8, just before
	// the commit,
	// matching the "cyclic context ownership" design note: the cache is
	// moved out to avoid aliasing it with the write buffer built on top
	// of it, then moved back.
	sharedCache *entitycache.LfuCache
}

// NewContext builds a context from a resolved manifest's data sources and
// templates. The shared cache starts empty.
func NewContext(deployment chainmodel.DeploymentID, cfg Config, features Features, dataSources []chainmodel.DataSource, templates []chainmodel.Template, store Store, chainAdapter ChainAdapter, runtime MappingRuntime, metrics MetricsRegistry) *IndexingContext {
	ctx := &IndexingContext{
		Deployment:     deployment,
		Features:       features,
		Config:         cfg,
		Templates:      make(map[string]chainmodel.Template, len(templates)),
		Store:          store,
		ChainAdapter:   chainAdapter,
		MappingRuntime: runtime,
		Metrics:        metrics,
		DataSources:    make(map[string]chainmodel.DataSource, len(dataSources)),
		Filter:         chainmodel.NewCompositeFilter(),
		sharedCache:    entitycache.NewLfuCache(cfg.EntityCacheSizeBytes),
	}
	for _, t := range templates {
		ctx.Templates[t.Name] = t
	}
	for _, ds := range dataSources {
		ctx.AddDataSource(ds)
	}
	return ctx
}

// AddDataSource registers ds as live and extends the composite filter. A
// data source already registered under the same name is replaced; the
// filter entries it contributed stay in place.
func (c *IndexingContext) AddDataSource(ds chainmodel.DataSource) {
	c.DataSources[ds.Name] = ds
	c.Filter.Extend(ds)
}

// TruncateDataSourcesAfter drops every data source created strictly after
// parentNumber, used on revert. Static data sources (CreatedAt == 0) are
// never truncated.
func (c *IndexingContext) TruncateDataSourcesAfter(parentNumber uint64) {
	for name, ds := range c.DataSources {
		if ds.CreatedAt > parentNumber {
			delete(c.DataSources, name)
		}
	}
}

// ResetCache discards the shared cache and installs a fresh, empty one —
// used on revert and on loop restart.
func (c *IndexingContext) ResetCache() {
	c.sharedCache = entitycache.NewLfuCache(c.Config.EntityCacheSizeBytes)
}

// takeCache removes the shared cache from the context, leaving a fresh
// empty placeholder behind, and returns the removed cache so BlockProcessor
// can build a write buffer on top of it without aliasing.
func (c *IndexingContext) takeCache() *entitycache.LfuCache {
	taken := c.sharedCache
	c.sharedCache = entitycache.NewLfuCache(c.Config.EntityCacheSizeBytes)
	return taken
}

// placeholderIsEmpty reports whether the placeholder left by takeCache is
// still untouched, enforcing the cache-reinstatement invariant before a
// real cache is installed.
func (c *IndexingContext) placeholderIsEmpty() bool {
	return c.sharedCache.Len() == 0
}

// installCache installs next as the context's shared cache, replacing the
// placeholder. Caller must have verified placeholderIsEmpty first.
func (c *IndexingContext) installCache(next *entitycache.LfuCache) {
	c.sharedCache = next
}

// SharedCache exposes the current shared cache for read-through outside of
// an in-flight BlockProcessor pass (e.g. tests asserting on its contents).
func (c *IndexingContext) SharedCache() *entitycache.LfuCache {
	return c.sharedCache
}
