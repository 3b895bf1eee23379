package mapping

import (
	"context"
	"testing"

	"github.com/graphprotocol/indexer-engine/internal/chainmodel"
	"github.com/graphprotocol/indexer-engine/internal/engine"
)

func TestProcessTriggerRunsRegisteredHandlersInOrder(t *testing.T) {
	t.Parallel()
	r := New()
	var calls []string
	r.Register("handleA", func(ctx context.Context, tc *engine.TriggerContext) *engine.MappingError {
		calls = append(calls, "handleA")
		return nil
	})
	r.Register("handleB", func(ctx context.Context, tc *engine.TriggerContext) *engine.MappingError {
		calls = append(calls, "handleB")
		return nil
	})

	tc := &engine.TriggerContext{
		DataSource: chainmodel.DataSource{HandlerKeys: []string{"handleA", "handleB"}},
	}
	if err := r.ProcessTrigger(context.Background(), tc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 2 || calls[0] != "handleA" || calls[1] != "handleB" {
		t.Fatalf("expected handlers in declaration order, got %v", calls)
	}
}

func TestProcessTriggerSkipsUnregisteredHandlerKeys(t *testing.T) {
	t.Parallel()
	r := New()
	ran := false
	r.Register("known", func(ctx context.Context, tc *engine.TriggerContext) *engine.MappingError {
		ran = true
		return nil
	})

	tc := &engine.TriggerContext{
		DataSource: chainmodel.DataSource{HandlerKeys: []string{"unknown", "known"}},
	}
	if err := r.ProcessTrigger(context.Background(), tc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatalf("expected the known handler to still run")
	}
}

func TestProcessTriggerStopsAtFirstMappingError(t *testing.T) {
	t.Parallel()
	r := New()
	secondRan := false
	wantErr := &engine.MappingError{Kind: engine.MappingPossibleReorg}
	r.Register("first", func(ctx context.Context, tc *engine.TriggerContext) *engine.MappingError {
		return wantErr
	})
	r.Register("second", func(ctx context.Context, tc *engine.TriggerContext) *engine.MappingError {
		secondRan = true
		return nil
	})

	tc := &engine.TriggerContext{
		DataSource: chainmodel.DataSource{HandlerKeys: []string{"first", "second"}},
	}
	got := r.ProcessTrigger(context.Background(), tc)
	if got != wantErr {
		t.Fatalf("expected the first handler's error to short-circuit dispatch, got %v", got)
	}
	if secondRan {
		t.Fatalf("second handler must not run after the first returns an error")
	}
}

func TestHasReportsRegisteredHandlers(t *testing.T) {
	t.Parallel()
	r := New()
	r.Register("present", func(ctx context.Context, tc *engine.TriggerContext) *engine.MappingError { return nil })
	if !r.Has("present") {
		t.Fatalf("expected Has to report a registered handler")
	}
	if r.Has("missing") {
		t.Fatalf("expected Has to report false for an unregistered handler")
	}
}
