// Package trace defines the recorder contract (C3): starting and stopping a
// low-level trace of the current OS thread, and the lazy sequence of
// processed steps a back end consumes to compile.
package trace

import "fmt"

// TraceAction is one processed step of a recorded trace.
type TraceAction struct {
	kind     actionKind
	funcName string
	block    uint64
	promVal  uint64
}

type actionKind uint8

const (
	kindMappedAOTBlock actionKind = iota
	kindUnmappableBlock
	kindPromotion
)

// MappedAOTBlock returns a TraceAction identifying an AOT IR basic block.
func MappedAOTBlock(funcName string, block uint64) TraceAction {
	return TraceAction{kind: kindMappedAOTBlock, funcName: funcName, block: block}
}

// UnmappableBlock returns a TraceAction for one or more machine blocks that
// fall outside AOT coverage.
func UnmappableBlock() TraceAction {
	return TraceAction{kind: kindUnmappableBlock}
}

// Promotion returns a TraceAction for a value the hardware trace recorded
// inline (a runtime-constant promoted during tracing).
func Promotion(val uint64) TraceAction {
	return TraceAction{kind: kindPromotion, promVal: val}
}

// IsMappedAOTBlock reports whether this is a MappedAOTBlock action, and if
// so returns its function name and block index.
func (a TraceAction) IsMappedAOTBlock() (funcName string, block uint64, ok bool) {
	if a.kind != kindMappedAOTBlock {
		return "", 0, false
	}
	return a.funcName, a.block, true
}

// IsUnmappableBlock reports whether this is an UnmappableBlock action.
func (a TraceAction) IsUnmappableBlock() bool { return a.kind == kindUnmappableBlock }

// IsPromotion reports whether this is a Promotion action, and if so
// returns the recorded value.
func (a TraceAction) IsPromotion() (uint64, bool) {
	if a.kind != kindPromotion {
		return 0, false
	}
	return a.promVal, true
}

// Equal reports whether two actions are the same step, used by the block
// mapper to collapse consecutive duplicates.
func (a TraceAction) Equal(b TraceAction) bool {
	return a.kind == b.kind && a.funcName == b.funcName && a.block == b.block && a.promVal == b.promVal
}

func (a TraceAction) String() string {
	switch a.kind {
	case kindMappedAOTBlock:
		return fmt.Sprintf("MappedAOTBlock{%s, bb=%d}", a.funcName, a.block)
	case kindUnmappableBlock:
		return "UnmappableBlock"
	case kindPromotion:
		return fmt.Sprintf("Promotion(%d)", a.promVal)
	default:
		return "TraceAction(invalid)"
	}
}

// AOTTraceIteratorError signals a failure enumerating a trace's steps.
type AOTTraceIteratorError uint8

const (
	// ErrTraceTooLong means the recording exceeded its configured bound.
	ErrTraceTooLong AOTTraceIteratorError = iota
	// ErrLongJmpEncountered means the traced thread executed a longjmp,
	// which a recorder cannot follow reliably.
	ErrLongJmpEncountered
)

func (e AOTTraceIteratorError) Error() string {
	switch e {
	case ErrTraceTooLong:
		return "trace: recording exceeded the configured length bound"
	case ErrLongJmpEncountered:
		return "trace: longjmp encountered while recording"
	default:
		return "trace: unknown iterator error"
	}
}

// InvalidTraceError reports that a finished recording cannot be used.
type InvalidTraceError uint8

const (
	// ErrTraceEmpty means the recording produced zero steps.
	ErrTraceEmpty InvalidTraceError = iota
	// ErrTraceTooLongFinal means the recording was rejected as too long
	// once fully materialized (distinct from the iterator-time signal,
	// which can still recover a partial trace).
	ErrTraceTooLongFinal
)

func (e InvalidTraceError) Error() string {
	switch e {
	case ErrTraceEmpty:
		return "trace: recording produced no steps"
	case ErrTraceTooLongFinal:
		return "trace: recording exceeded the configured length bound"
	default:
		return "trace: unknown invalid-trace error"
	}
}

// AOTTraceIterator lazily yields the processed steps of a stopped
// recording. Implementations must honor the invariants documented on
// TraceRecorder.Stop.
type AOTTraceIterator interface {
	// Next returns the next step, or ok=false once exhausted. err is set
	// only when the underlying recording failed; Next must not be called
	// again after it returns a non-nil err.
	Next() (action TraceAction, ok bool, err error)
}

// TraceRecorder is an in-progress recording of the current OS thread.
type TraceRecorder interface {
	// Stop ends the recording and returns an iterator over its processed
	// steps. The first yielded item is the AOT block immediately after
	// the control-point call that started tracing; no two consecutive
	// items are equal; the recorder's own trailing stop-tracing call is
	// suppressed from the output.
	Stop() (AOTTraceIterator, error)
}

// Tracer starts recordings of the current OS thread. A process has exactly
// one Tracer, selected by configuration (hardware or software back end).
type Tracer interface {
	// StartRecorder begins recording the calling OS thread. Exactly one
	// recorder may be active per thread at a time; starting a second
	// recorder on the same thread is a programming error.
	StartRecorder() (TraceRecorder, error)
}
