package mt

import "sync/atomic"

// TimingState is a coarse, process-wide marker of what the runtime is
// currently doing, mirroring the repeated timing_state(...) calls a
// meta-tracing runtime makes around tracing, compiling, and executing
// JIT code. It is a lossy approximation under concurrency (multiple
// threads may be in different states at once); it exists for
// observability, not correctness.
type TimingState uint8

const (
	TimingOutsideYk TimingState = iota
	TimingTracing
	TimingCompiling
	TimingJitExecuting
	TimingDeopting
)

func (s TimingState) String() string {
	switch s {
	case TimingOutsideYk:
		return "outside-yk"
	case TimingTracing:
		return "tracing"
	case TimingCompiling:
		return "compiling"
	case TimingJitExecuting:
		return "jit-executing"
	case TimingDeopting:
		return "deopting"
	default:
		return "unknown"
	}
}

// Stats accumulates lock-free counters over an MT's lifetime.
type Stats struct {
	current atomic.Uint32

	tracesStarted   atomic.Uint64
	compiledOK      atomic.Uint64
	compiledFailed  atomic.Uint64
	guardFailures   atomic.Uint64
	sideTracesBuilt atomic.Uint64
}

func newStats() *Stats { return &Stats{} }

// SetTimingState records what the runtime is currently doing.
func (s *Stats) SetTimingState(st TimingState) { s.current.Store(uint32(st)) }

// TimingState returns the most recently recorded state.
func (s *Stats) TimingState() TimingState { return TimingState(s.current.Load()) }

func (s *Stats) incTracesStarted()   { s.tracesStarted.Add(1) }
func (s *Stats) incCompiledOK()      { s.compiledOK.Add(1) }
func (s *Stats) incCompiledFailed()  { s.compiledFailed.Add(1) }
func (s *Stats) incGuardFailures()   { s.guardFailures.Add(1) }
func (s *Stats) incSideTracesBuilt() { s.sideTracesBuilt.Add(1) }

// Snapshot is a point-in-time copy of Stats' counters.
type Snapshot struct {
	TracesStarted   uint64
	CompiledOK      uint64
	CompiledFailed  uint64
	GuardFailures   uint64
	SideTracesBuilt uint64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		TracesStarted:   s.tracesStarted.Load(),
		CompiledOK:      s.compiledOK.Load(),
		CompiledFailed:  s.compiledFailed.Load(),
		GuardFailures:   s.guardFailures.Load(),
		SideTracesBuilt: s.sideTracesBuilt.Load(),
	}
}
