// Package mt implements the meta-tracer (C5): process-wide configuration,
// a bounded compile-worker pool, and the glue that drives a Location
// through its state machine using a Tracer and a Compiler.
package mt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ptersilie/yk/internal/compile"
	"github.com/ptersilie/yk/internal/location"
	"github.com/ptersilie/yk/internal/trace"
)

// MT is the process-wide meta-tracer: one per embedding process, shared
// by every Location.
type MT struct {
	cfg    Config
	sem    *semaphore.Weighted
	eg     *errgroup.Group
	stats  *Stats
	logger *zap.Logger

	// hotThreshold is mutable at runtime (the capi layer's
	// mt_hot_threshold_set exposes exactly this), so it lives outside cfg
	// as its own atomic rather than a plain Config field.
	hotThreshold atomic.Uint32

	mu        sync.Mutex
	recorders map[*location.Location]trace.TraceRecorder
}

// New builds an MT from opts. It fails if no tracer is configured (via
// WithTracer) or if no compiler can be resolved (via WithCompiler,
// YKD_NEW_CODEGEN, or the DefaultCompilerName registration).
func New(opts ...Option) (*MT, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.tracer == nil {
		return nil, fmt.Errorf("mt: no tracer configured (use WithTracer)")
	}
	comp, err := resolveCompiler(cfg)
	if err != nil {
		return nil, err
	}
	cfg.compiler = comp

	m := &MT{
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.workerCount)),
		eg:        &errgroup.Group{},
		stats:     newStats(),
		logger:    cfg.logger,
		recorders: make(map[*location.Location]trace.TraceRecorder),
	}
	m.hotThreshold.Store(cfg.hotThreshold)
	return m, nil
}

// Stats returns MT's running statistics.
func (mt *MT) Stats() *Stats { return mt.stats }

// SetHotThreshold changes the number of visits a Counter location
// tolerates before tracing starts, effective immediately for every
// Location sharing this MT. capi's mt_hot_threshold_set is the only
// caller outside tests.
func (mt *MT) SetHotThreshold(n uint32) { mt.hotThreshold.Store(n) }

// Close blocks until every in-flight compile job has finished.
func (mt *MT) Close() error {
	return mt.eg.Wait()
}

// Tick drives loc's state machine for one visit from ownerID and returns
// what happened. When it returns location.ActionExecute, ct is the trace
// to invoke.
func (mt *MT) Tick(loc *location.Location, ownerID uint64) (location.Action, compile.CompiledTrace) {
	action := loc.Visit(ownerID, mt.hotThreshold.Load())
	switch action {
	case location.ActionStartTracing:
		mt.startRecording(loc, ownerID)
	case location.ActionStopTracingAndCompile:
		mt.stopRecordingAndSubmit(loc)
	case location.ActionExecute:
		return action, loc.CompiledTrace()
	}
	return action, nil
}

func (mt *MT) startRecording(loc *location.Location, ownerID uint64) {
	rec, err := mt.cfg.tracer.StartRecorder()
	if err != nil {
		mt.logger.Warn("failed to start trace recorder", zap.Error(err))
		// The location is already in Tracing; without a recorder it can
		// never be revisited by the same owner in a way that progresses,
		// so abandon it back to Counter(0) immediately.
		loc.AbandonTracing(ownerID)
		return
	}
	mt.mu.Lock()
	mt.recorders[loc] = rec
	mt.mu.Unlock()
	mt.stats.SetTimingState(TimingTracing)
	mt.stats.incTracesStarted()
}

func (mt *MT) stopRecordingAndSubmit(loc *location.Location) {
	mt.mu.Lock()
	rec, ok := mt.recorders[loc]
	delete(mt.recorders, loc)
	mt.mu.Unlock()
	if !ok {
		mt.logger.Error("no recorder registered for location entering Compiling")
		loc.CompileFailed(compile.Unrecoverable("no recorder registered"))
		return
	}

	iter, err := rec.Stop()
	if err != nil {
		mt.logger.Warn("recorder failed to stop cleanly", zap.Error(err))
		loc.CompileFailed(compile.Temporary(err.Error()))
		return
	}
	mt.submitCompileJob(iter, nil, func(ct compile.CompiledTrace, cerr *compile.CompilationError) {
		if cerr != nil {
			loc.CompileFailed(cerr)
			return
		}
		loc.CompileSucceeded(ct)
	})
}

// submitCompileJob runs a compile job on the bounded worker pool. sti is
// non-nil when compiling a side trace. onDone is called with exactly one
// of (ct, nil) or (nil, cerr) once the job finishes; it is responsible
// for publishing the result wherever it belongs (a Location for a
// primary trace, a Guard for a side trace).
func (mt *MT) submitCompileJob(iter trace.AOTTraceIterator, sti *compile.SideTraceInfo, onDone func(compile.CompiledTrace, *compile.CompilationError)) {
	traceID := uuid.New()
	logger := mt.logger.With(zap.String("trace_id", traceID.String()))

	mt.eg.Go(func() error {
		if err := mt.acquireSlot(); err != nil {
			logger.Warn("compile worker queue full, giving up", zap.Error(err))
			mt.stats.incCompiledFailed()
			onDone(nil, compile.Temporary("compile worker queue full"))
			return nil
		}
		defer mt.sem.Release(1)

		mt.stats.SetTimingState(TimingCompiling)
		ct, cerr := mt.cfg.compiler.Compile(iter, sti)
		mt.stats.SetTimingState(TimingOutsideYk)
		if cerr != nil {
			logger.Info("compile failed", zap.Error(cerr), zap.Bool("retryable", cerr.Retryable()))
			mt.stats.incCompiledFailed()
			onDone(nil, cerr)
			return nil
		}
		logger.Info("compile succeeded")
		mt.stats.incCompiledOK()
		if sti != nil {
			mt.stats.incSideTracesBuilt()
		}
		onDone(ct, nil)
		return nil
	})
}

// acquireSlot waits for a free worker slot, retrying with exponential
// backoff up to Config.queueWaitTimeout before giving up. The initial
// interval scales with the timeout itself so a short queueWaitTimeout
// still gets several retries rather than being swallowed by the
// library's 500ms default first wait.
func (mt *MT) acquireSlot() error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = mt.cfg.queueWaitTimeout
	if initial := mt.cfg.queueWaitTimeout / 20; initial < bo.InitialInterval {
		bo.InitialInterval = initial
	}
	return backoff.Retry(func() error {
		if mt.sem.TryAcquire(1) {
			return nil
		}
		return fmt.Errorf("mt: no free compile worker slot")
	}, bo)
}

// GuardFailed reports a guard failure to the meta-tracer's hot-guard
// accounting, returning true when the guard has just crossed the
// side-trace threshold and a side trace should be scheduled.
func (mt *MT) GuardFailed(g *compile.Guard, isSwitchGuard, isLastGuard bool) bool {
	mt.stats.incGuardFailures()
	if isSwitchGuard || isLastGuard {
		return false
	}
	return g.IncFailed(mt.cfg.sidetraceThreshold)
}

// ScheduleSideTrace submits a side-trace compile job seeded by sti,
// publishing the result onto g once it completes. hl is retained only to
// keep the parent HotLocation (and transitively its compiled trace)
// reachable while the side trace is being built.
func (mt *MT) ScheduleSideTrace(hl *location.HotLocation, g *compile.Guard, sti *compile.SideTraceInfo) {
	rec, err := mt.cfg.tracer.StartRecorder()
	if err != nil {
		mt.logger.Warn("failed to start side-trace recorder", zap.Error(err))
		return
	}
	// Side traces are recorded synchronously from the guard-failure path
	// (it is already off the hot path by definition), then compiled on
	// the regular bounded worker pool.
	iter, err := mt.stopSideRecorder(rec)
	if err != nil {
		mt.logger.Warn("side-trace recording failed", zap.Error(err))
		return
	}
	mt.submitCompileJob(iter, sti, func(ct compile.CompiledTrace, cerr *compile.CompilationError) {
		_ = hl // kept alive for the duration of the side-trace build
		if cerr != nil {
			mt.logger.Info("side-trace compile failed", zap.Error(cerr))
			return
		}
		g.SetCT(ct)
	})
}

func (mt *MT) stopSideRecorder(rec trace.TraceRecorder) (trace.AOTTraceIterator, error) {
	return rec.Stop()
}
