// Package location implements the per-control-point atomic state machine
// (C6): Counter -> Tracing -> Compiling -> Compiled/DontTrace, with the
// HotLocation side-object a compiled trace and its guards attach to.
package location

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ptersilie/yk/internal/compile"
)

// State is one of the five states a Location can be in.
type State uint8

const (
	StateCounter State = iota
	StateTracing
	StateCompiling
	StateCompiled
	StateDontTrace
)

func (s State) String() string {
	switch s {
	case StateCounter:
		return "counter"
	case StateTracing:
		return "tracing"
	case StateCompiling:
		return "compiling"
	case StateCompiled:
		return "compiled"
	case StateDontTrace:
		return "dont-trace"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Action is what a caller of Visit should do next.
type Action uint8

const (
	// ActionInterpret means: run the interpreter loop body as normal.
	ActionInterpret Action = iota
	// ActionStartTracing means: the calling thread won the race to become
	// this location's tracer. It must start a recorder and, on its next
	// visit, call Visit again to transition to Compiling.
	ActionStartTracing
	// ActionStopTracingAndCompile means: the calling thread is this
	// location's tracer revisiting it. It must stop its recorder, submit
	// a compile job, and report the result via CompileSucceeded or
	// CompileFailed.
	ActionStopTracingAndCompile
	// ActionAlreadyCompiling means: another thread's compile job for this
	// location is in flight; interpret as normal.
	ActionAlreadyCompiling
	// ActionExecute means: call CompiledTrace().Entry() with the current
	// frame's live variables.
	ActionExecute
)

const (
	stateBits = 3
	stateMask = uint64(1)<<stateBits - 1
)

func pack(s State, payload uint64) uint64 { return uint64(s) | (payload << stateBits) }
func unpack(w uint64) (State, uint64)     { return State(w & stateMask), w >> stateBits }

// Location is one per-control-point state machine. The zero value is
// ready to use, starting in Counter(0).
type Location struct {
	// word packs State into the low stateBits bits and, for StateCounter,
	// the visit counter into the remaining bits; for StateTracing, the
	// owning thread's id. Both the threshold race (Counter->Tracing) and
	// the ownership check (Tracing observed again) must see owner and
	// state change atomically together, so the owner id rides in the
	// same word as the state tag rather than in a side field.
	word atomic.Uint64

	// hot is populated by CompileSucceeded, just before the Compiling ->
	// Compiled transition (one compile result is reported per Compiling
	// episode, so there is no concurrent writer), and read once the
	// location reaches Compiled.
	hot atomic.Pointer[HotLocation]
}

// New returns a fresh Location in Counter(0).
func New() *Location { return &Location{} }

// State returns the location's current state.
func (l *Location) State() State {
	s, _ := unpack(l.word.Load())
	return s
}

// Visit advances the state machine for a visit from thread ownerID (a
// value the embedder keeps stable across repeated visits from the same
// OS thread and distinct across threads) with hot-threshold threshold.
func (l *Location) Visit(ownerID uint64, threshold uint32) Action {
	for {
		old := l.word.Load()
		state, payload := unpack(old)
		switch state {
		case StateCounter:
			n := payload
			if n < uint64(threshold) {
				if l.word.CompareAndSwap(old, pack(StateCounter, n+1)) {
					return ActionInterpret
				}
				continue
			}
			if l.word.CompareAndSwap(old, pack(StateTracing, ownerID)) {
				return ActionStartTracing
			}
			continue
		case StateTracing:
			if payload != ownerID {
				return ActionInterpret
			}
			if l.word.CompareAndSwap(old, pack(StateCompiling, 0)) {
				return ActionStopTracingAndCompile
			}
			continue
		case StateCompiling:
			return ActionAlreadyCompiling
		case StateCompiled:
			return ActionExecute
		case StateDontTrace:
			return ActionInterpret
		default:
			panic(fmt.Sprintf("location: invalid packed state %d", state))
		}
	}
}

// CompiledTrace returns the location's compiled trace. Valid only when
// the most recent Visit returned ActionExecute.
func (l *Location) CompiledTrace() compile.CompiledTrace {
	hl := l.hot.Load()
	if hl == nil {
		return nil
	}
	return hl.trace()
}

// HotLocation returns the location's side-object, or nil until the first
// CompileSucceeded.
func (l *Location) HotLocation() *HotLocation {
	return l.hot.Load()
}

// CompileSucceeded publishes ct and transitions Compiling -> Compiled. It
// must be called exactly once by the thread that received
// ActionStopTracingAndCompile for this location.
func (l *Location) CompileSucceeded(ct compile.CompiledTrace) {
	hl := &HotLocation{loc: l}
	hl.setTrace(ct)
	l.hot.Store(hl)
	if !l.word.CompareAndSwap(pack(StateCompiling, 0), pack(StateCompiled, 0)) {
		panic("location: CompileSucceeded called outside Compiling state")
	}
}

// CompileFailed transitions Compiling back to Counter(0) (retryable
// failures) or to DontTrace (unrecoverable failures), per err.Retryable.
func (l *Location) CompileFailed(err *compile.CompilationError) {
	next := StateDontTrace
	if err.Retryable() {
		next = StateCounter
	}
	if !l.word.CompareAndSwap(pack(StateCompiling, 0), pack(next, 0)) {
		panic("location: CompileFailed called outside Compiling state")
	}
}

// AbandonTracing resets a Tracing(ownerID) location back to Counter(0),
// for use when the owning thread fails to start a recorder and can never
// deliver the ActionStopTracingAndCompile visit that would otherwise
// move the location forward. A no-op if the location has already moved
// on (e.g. another thread's CAS raced ahead, which cannot happen for the
// same ownerID but is checked defensively).
func (l *Location) AbandonTracing(ownerID uint64) {
	old := l.word.Load()
	state, payload := unpack(old)
	if state != StateTracing || payload != ownerID {
		return
	}
	l.word.CompareAndSwap(old, pack(StateCounter, 0))
}

// DemoteAfterLastGuardFailure resets a Compiled location to Counter(0),
// allowing it to be retraced, after its last guard fails.
func (l *Location) DemoteAfterLastGuardFailure() {
	old := l.word.Load()
	state, _ := unpack(old)
	if state != StateCompiled {
		return
	}
	l.word.CompareAndSwap(old, pack(StateCounter, 0))
}

// HotLocation is the heap side-object a Location's compiled trace lives
// on: shared between the Location and the compilation worker that
// populates it, with lock-guarded mutation. loc is a back-reference used
// when issuing a side trace so the child can find its parent location;
// it is logically "weak" (HotLocation must never be the reason a
// Location stays reachable) even though Go's GC, unlike Rust's Weak<T>,
// does not require an explicit weak-pointer type to express that.
type HotLocation struct {
	mu sync.Mutex
	ct compile.CompiledTrace
	// loc is the owning Location; see the "weak" note above.
	loc *Location
}

func (h *HotLocation) setTrace(ct compile.CompiledTrace) {
	h.mu.Lock()
	h.ct = ct
	h.mu.Unlock()
}

func (h *HotLocation) trace() compile.CompiledTrace {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ct
}

// Location returns the HotLocation's owning Location.
func (h *HotLocation) Location() *Location { return h.loc }
