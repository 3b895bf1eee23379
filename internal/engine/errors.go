package engine

import (
	"errors"
	"fmt"
)

// ErrCanceled is returned by BlockProcessor and propagated by IndexingLoop
// when the deployment's cancel guard was tripped before a commit happened.
// It carries no payload: cancellation never mutates store health.
var ErrCanceled = errors.New("engine: deployment canceled")

// ProcessingErrorKind classifies a BlockProcessor failure the way the loop
// needs to react to it: deterministic failures mark the deployment failed
// with deterministic=true, unknown failures mark it failed with
// deterministic=false, and canceled failures exit without touching store
// health at all.
type ProcessingErrorKind int

const (
	KindUnknown ProcessingErrorKind = iota
	KindDeterministic
	KindCanceled
)

func (k ProcessingErrorKind) String() string {
	switch k {
	case KindDeterministic:
		return "deterministic"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ProcessingError wraps a BlockProcessor failure together with its
// classification. A nil *ProcessingError paired with needsRestart=false
// means the block committed cleanly.
type ProcessingError struct {
	Kind ProcessingErrorKind
	Err  error
}

func (e *ProcessingError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

func canceledError() *ProcessingError {
	return &ProcessingError{Kind: KindCanceled, Err: ErrCanceled}
}

func deterministicError(err error) *ProcessingError {
	return &ProcessingError{Kind: KindDeterministic, Err: err}
}

func unknownError(err error) *ProcessingError {
	return &ProcessingError{Kind: KindUnknown, Err: err}
}

// MappingErrorKind classifies the two ways a MappingRuntime invocation can
// fail: PossibleReorg is recoverable when raised during primary dispatch,
// Unknown never is.
type MappingErrorKind int

const (
	MappingUnknown MappingErrorKind = iota
	MappingPossibleReorg
)

// MappingError is returned by MappingRuntime.ProcessTrigger. Deterministic
// handler failures are not reported this way — they are recorded directly
// into BlockState.DeterministicErrors by the runtime and the call returns
// successfully, matching the "mappings run to completion and self-report"
// discipline described for the dispatcher.
type MappingError struct {
	Kind MappingErrorKind
	Err  error
}

func (e *MappingError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Err.Error()
}

func (e *MappingError) Unwrap() error { return e.Err }
