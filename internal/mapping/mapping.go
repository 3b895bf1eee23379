// Package mapping provides a native, in-process engine.MappingRuntime: a
// handler-table keyed by the manifest's handler names, invoked directly
// instead of through a sandboxed VM. It is the embedding style the
// teacher's Worker uses for its own trigger processing — a plain Go
// function registry switched on trigger kind — adapted here to run
// user-supplied handler funcs rather than hardcoded ingestion logic.
package mapping

import (
	"context"
	"fmt"

	"github.com/graphprotocol/indexer-engine/internal/engine"
)

// EventHandlerFunc processes one log trigger, reading/writing entities and
// requesting dynamic data sources through tc.State. Deterministic errors
// are recorded on tc.State by the handler itself; the returned
// *engine.MappingError is only for possible-reorg/host failures.
type EventHandlerFunc func(ctx context.Context, tc *engine.TriggerContext) *engine.MappingError

// Runtime is a MappingRuntime backed by a flat handler-name -> func table,
// shared across every data source and template (handler names are scoped
// by the manifest author to be unique within a subgraph, matching
// graph-node's own convention).
type Runtime struct {
	handlers map[string]EventHandlerFunc
}

// New returns an empty Runtime. Register handlers with Register before
// wiring it into an engine.IndexingContext.
func New() *Runtime {
	return &Runtime{handlers: make(map[string]EventHandlerFunc)}
}

// Register binds name (a manifest handler name) to fn. Re-registering a
// name overwrites the previous binding.
func (r *Runtime) Register(name string, fn EventHandlerFunc) {
	r.handlers[name] = fn
}

// ProcessTrigger runs every registered handler named in
// tc.DataSource.HandlerKeys, in declaration order, whatever tc.Trigger's
// kind; keys are not filtered by trigger kind. Keys with no registered
// handler are skipped, and a data source with none is a no-op, not an
// error — mirroring the teacher's FetchBlockData, which silently
// skips record kinds a given network doesn't emit.
func (r *Runtime) ProcessTrigger(ctx context.Context, tc *engine.TriggerContext) *engine.MappingError {
	keys := tc.DataSource.HandlerKeys
	if len(keys) == 0 {
		return nil
	}
	for _, key := range keys {
		fn, ok := r.handlers[key]
		if !ok {
			continue
		}
		if mapErr := fn(ctx, tc); mapErr != nil {
			return mapErr
		}
	}
	return nil
}

// ErrUnregisteredHandler is returned by MustHandler-style callers when a
// manifest names a handler the binary never registered — a configuration
// mistake the operator needs to fix before the deployment can run.
func ErrUnregisteredHandler(name string) error {
	return fmt.Errorf("mapping: no handler registered for %q", name)
}

// Has reports whether name has a registered handler, letting an embedding
// binary validate a manifest's handler keys eagerly at deployment start
// rather than discovering the gap mid-sync.
func (r *Runtime) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}
