// Package compile defines the abstract back-end contract (C7): turning a
// processed trace into a CompiledTrace, and the Guard bookkeeping that
// drives side-trace compilation on repeated guard failure.
package compile

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ptersilie/yk/internal/stackmap"
	"github.com/ptersilie/yk/internal/trace"
)

// CompilationError is returned by a Compiler when it cannot produce a
// CompiledTrace. It is always one of two kinds: Unrecoverable (the
// location is permanently demoted to DontTrace) or Temporary (the
// location resets to Counter(0) and may be retried later).
type CompilationError struct {
	msg       string
	retryable bool
	wrapped   error
}

func (e *CompilationError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("compile: %s: %v", e.msg, e.wrapped)
	}
	return fmt.Sprintf("compile: %s", e.msg)
}

func (e *CompilationError) Unwrap() error { return e.wrapped }

// Retryable reports whether the failing location should reset to
// Counter(0) (true) rather than being permanently demoted to DontTrace
// (false).
func (e *CompilationError) Retryable() bool { return e.retryable }

// Unrecoverable returns a CompilationError that permanently demotes the
// failing location.
func Unrecoverable(msg string) *CompilationError {
	return &CompilationError{msg: msg, retryable: false}
}

// Temporary returns a CompilationError that lets the failing location
// retry from Counter(0).
func Temporary(msg string) *CompilationError {
	return &CompilationError{msg: msg, retryable: true}
}

// WrapUnrecoverable is Unrecoverable with an underlying cause preserved
// for errors.Is/errors.As.
func WrapUnrecoverable(msg string, err error) *CompilationError {
	return &CompilationError{msg: msg, retryable: false, wrapped: err}
}

// WrapTemporary is Temporary with an underlying cause preserved.
func WrapTemporary(msg string, err error) *CompilationError {
	return &CompilationError{msg: msg, retryable: true, wrapped: err}
}

// GuardID identifies one guard within a CompiledTrace's guard table.
type GuardID uint32

// IllegalGuardID is a sentinel used by tests and uninitialized fields; no
// real compiled trace ever emits it.
const IllegalGuardID GuardID = ^GuardID(0)

// Guard tracks one deopt point's failure history and, if the failure
// count crosses the side-trace threshold, the side trace compiled from
// it.
type Guard struct {
	id     GuardID
	failed atomic.Uint32

	mu sync.Mutex
	ct CompiledTrace // nil until a side trace is published.
}

// NewGuard returns a fresh, never-failed Guard with the given id.
func NewGuard(id GuardID) *Guard {
	return &Guard{id: id}
}

// ID returns the guard's identifier.
func (g *Guard) ID() GuardID { return g.id }

// IncFailed records one more failure of this guard and reports whether
// the failure count has just reached threshold — the caller's cue to
// schedule a side trace. Uses a relaxed atomic increment: contention here
// is benign, and an occasional miscount self-corrects on the next visit.
func (g *Guard) IncFailed(threshold uint32) bool {
	return g.failed.Add(1) == threshold
}

// FailedCount returns the current failure count.
func (g *Guard) FailedCount() uint32 { return g.failed.Load() }

// SetCT publishes a compiled side trace for this guard. Publication is a
// single lock-guarded write; GetCT reads under the same lock.
func (g *Guard) SetCT(ct CompiledTrace) {
	g.mu.Lock()
	g.ct = ct
	g.mu.Unlock()
}

// GetCT returns the guard's side trace, or nil if none has been
// published yet.
func (g *Guard) GetCT() CompiledTrace {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ct
}

// CompiledTrace is the executable result of a successful compile: an
// entry point, a stackmap keyed by return address, an AOT-live-values
// descriptor blob, and the guard table the deopt engine consults on
// failure.
type CompiledTrace interface {
	// Entry is the trace's executable entry point: a function of
	// (liveVarsPtr, selfHandle, frameAddr) that never returns normally —
	// every exit path calls the deopt intrinsic.
	Entry() uintptr
	// Stackmap maps an absolute return address to its ordered live-value
	// locations.
	Stackmap() map[uint64][]stackmap.Location
	// AOTVals returns the heap blob describing, per live variable, where
	// in AOT state it should be written back.
	AOTVals() []byte
	// Guards returns the trace's ordered guard table. len(Guards()) is
	// one more than the number of guards the back end emitted, the extra
	// entry being the end-of-trace sentinel.
	Guards() []*Guard
}

// SideTraceInfo seeds a side trace compiled from a specific parent guard:
// the parent trace itself, the guard's id, the offset of the guard's
// AOTVar array within the parent's aotvals blob, and the number of live
// values to read. It carries no image of the parent's call stack.
type SideTraceInfo struct {
	ParentTrace   CompiledTrace
	GuardID       GuardID
	AOTValsOffset int
	NumLiveVars   int
}

// Compiler turns a processed trace into a CompiledTrace. Implementations
// must ensure: entry never returns normally; the stackmap contains one
// record per guard plus one for the exit-tail; the i-th user-location of
// each record corresponds to the i-th AOT target written out during
// deopt.
type Compiler interface {
	Compile(iter trace.AOTTraceIterator, sti *SideTraceInfo) (CompiledTrace, *CompilationError)
}
