package mt

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptersilie/yk/internal/compile"
	"github.com/ptersilie/yk/internal/location"
	"github.com/ptersilie/yk/internal/stackmap"
	"github.com/ptersilie/yk/internal/trace"
)

// fakeRecorder/fakeTracer let tests control exactly when StartRecorder and
// Stop succeed or fail, without touching any real tracing back end.
type fakeRecorder struct {
	iter trace.AOTTraceIterator
	err  error
}

func (r *fakeRecorder) Stop() (trace.AOTTraceIterator, error) { return r.iter, r.err }

type fakeTracer struct {
	mu          sync.Mutex
	startErr    error
	nextIter    trace.AOTTraceIterator
	nextStopErr error
}

func (f *fakeTracer) StartRecorder() (trace.TraceRecorder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &fakeRecorder{iter: f.nextIter, err: f.nextStopErr}, nil
}

// emptyIterator yields nothing; good enough since fakeCompiler never reads it.
type emptyIterator struct{}

func (emptyIterator) Next() (trace.TraceAction, bool, error) { return trace.TraceAction{}, false, nil }

// fakeCompiler lets tests control compile outcomes and observe calls.
type fakeCompiler struct {
	mu        sync.Mutex
	calls     int
	sideCalls int
	result    compile.CompiledTrace
	err       *compile.CompilationError
}

func (f *fakeCompiler) Compile(iter trace.AOTTraceIterator, sti *compile.SideTraceInfo) (compile.CompiledTrace, *compile.CompilationError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if sti != nil {
		f.sideCalls++
	}
	return f.result, f.err
}

type fakeCT struct{ id int }

func (f *fakeCT) Entry() uintptr                          { return uintptr(f.id) + 1 }
func (f *fakeCT) Stackmap() map[uint64][]stackmap.Location { return nil }
func (f *fakeCT) AOTVals() []byte                          { return nil }
func (f *fakeCT) Guards() []*compile.Guard                 { return nil }

var _ compile.CompiledTrace = (*fakeCT)(nil)

func newTestMT(t *testing.T, tr trace.Tracer, comp compile.Compiler, opts ...Option) *MT {
	t.Helper()
	base := []Option{WithTracer(tr), WithCompiler(comp), WithHotThreshold(2)}
	m, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return m
}

func TestNew_requiresTracer(t *testing.T) {
	_, err := New(WithCompiler(&fakeCompiler{}))
	assert.Error(t, err)
}

func TestNew_requiresResolvableCompiler(t *testing.T) {
	_, err := New(WithTracer(&fakeTracer{}))
	assert.Error(t, err)
}

func TestTick_fullLifecycleExecutesCompiledTrace(t *testing.T) {
	ct := &fakeCT{id: 42}
	tracer := &fakeTracer{nextIter: emptyIterator{}}
	comp := &fakeCompiler{result: ct}
	m := newTestMT(t, tracer, comp)

	loc := location.New()
	const owner = uint64(1)

	for i := 0; i < 2; i++ {
		a, ct := m.Tick(loc, owner)
		assert.Equal(t, location.ActionInterpret, a)
		assert.Nil(t, ct)
	}

	a, _ := m.Tick(loc, owner)
	require.Equal(t, location.ActionStartTracing, a)
	assert.Equal(t, location.StateTracing, loc.State())

	a, _ = m.Tick(loc, owner)
	require.Equal(t, location.ActionStopTracingAndCompile, a)

	require.NoError(t, m.Close())

	a, gotCT := m.Tick(loc, owner)
	require.Equal(t, location.ActionExecute, a)
	assert.Same(t, ct, gotCT)

	snap := m.Stats().Snapshot()
	assert.Equal(t, uint64(1), snap.TracesStarted)
	assert.Equal(t, uint64(1), snap.CompiledOK)
	assert.Equal(t, uint64(0), snap.CompiledFailed)
}

func TestTick_compileFailureTemporaryResetsToCounter(t *testing.T) {
	tracer := &fakeTracer{nextIter: emptyIterator{}}
	comp := &fakeCompiler{err: compile.Temporary("boom")}
	m := newTestMT(t, tracer, comp)

	loc := location.New()
	const owner = uint64(1)
	for i := 0; i < 2; i++ {
		m.Tick(loc, owner)
	}
	m.Tick(loc, owner) // -> Tracing
	m.Tick(loc, owner) // -> Compiling

	require.NoError(t, m.Close())
	assert.Equal(t, location.StateCounter, loc.State())
	assert.Equal(t, uint64(1), m.Stats().Snapshot().CompiledFailed)
}

func TestTick_recorderStartFailureAbandonsTracing(t *testing.T) {
	tracer := &fakeTracer{startErr: fmt.Errorf("no hardware tracer available")}
	comp := &fakeCompiler{}
	m := newTestMT(t, tracer, comp)

	loc := location.New()
	const owner = uint64(1)
	for i := 0; i < 2; i++ {
		m.Tick(loc, owner)
	}
	a, _ := m.Tick(loc, owner)
	require.Equal(t, location.ActionStartTracing, a)

	// Abandoned back to Counter(0): the same owner can retry from scratch.
	assert.Equal(t, location.StateCounter, loc.State())
	assert.Equal(t, location.ActionInterpret, loc.Visit(owner, 2))
}

func TestTick_recorderStopFailureIsTemporary(t *testing.T) {
	tracer := &fakeTracer{nextStopErr: fmt.Errorf("ptrace detached unexpectedly")}
	comp := &fakeCompiler{}
	m := newTestMT(t, tracer, comp)

	loc := location.New()
	const owner = uint64(1)
	for i := 0; i < 2; i++ {
		m.Tick(loc, owner)
	}
	m.Tick(loc, owner) // -> Tracing
	m.Tick(loc, owner) // -> Compiling, stop fails synchronously

	assert.Equal(t, location.StateCounter, loc.State())
	assert.Equal(t, 0, comp.calls)
}

func TestTick_concurrentVisitorsOnlyOneTraces(t *testing.T) {
	tracer := &fakeTracer{nextIter: emptyIterator{}}
	comp := &fakeCompiler{result: &fakeCT{id: 1}}
	m := newTestMT(t, tracer, comp, WithHotThreshold(0))

	loc := location.New()
	const n = 32
	var starts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, _ := m.Tick(loc, uint64(i))
			if a == location.ActionStartTracing {
				starts.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), starts.Load())
	require.NoError(t, m.Close())
}

func TestGuardFailed_crossesSideTraceThresholdOnce(t *testing.T) {
	tracer := &fakeTracer{}
	comp := &fakeCompiler{}
	m := newTestMT(t, tracer, comp, WithSidetraceThreshold(3))

	g := compile.NewGuard(compile.GuardID(1))
	assert.False(t, m.GuardFailed(g, false, false))
	assert.False(t, m.GuardFailed(g, false, false))
	assert.True(t, m.GuardFailed(g, false, false))
	assert.Equal(t, uint64(3), m.Stats().Snapshot().GuardFailures)
}

func TestGuardFailed_switchOrLastGuardNeverSchedules(t *testing.T) {
	tracer := &fakeTracer{}
	comp := &fakeCompiler{}
	m := newTestMT(t, tracer, comp, WithSidetraceThreshold(1))

	g := compile.NewGuard(compile.GuardID(1))
	assert.False(t, m.GuardFailed(g, true, false))
	assert.False(t, m.GuardFailed(g, false, true))
	assert.Equal(t, uint32(0), g.FailedCount())
}

func TestScheduleSideTrace_publishesOntoGuard(t *testing.T) {
	sideCT := &fakeCT{id: 99}
	tracer := &fakeTracer{nextIter: emptyIterator{}}
	comp := &fakeCompiler{result: sideCT}
	m := newTestMT(t, tracer, comp)

	parentLoc := location.New()
	for i := 0; i < 2; i++ {
		m.Tick(parentLoc, 1)
	}
	m.Tick(parentLoc, 1)
	m.Tick(parentLoc, 1)
	require.NoError(t, m.Close())
	require.Equal(t, location.StateCompiled, parentLoc.State())

	hl := parentLoc.HotLocation()
	require.NotNil(t, hl)
	g := compile.NewGuard(compile.GuardID(7))
	sti := &compile.SideTraceInfo{GuardID: g.ID()}

	m.ScheduleSideTrace(hl, g, sti)
	require.NoError(t, m.Close())

	assert.Same(t, sideCT, g.GetCT())
	// The parent location's own state machine is untouched by a side
	// trace completing: it is still the compiled primary trace.
	assert.Equal(t, location.StateCompiled, parentLoc.State())
	assert.Equal(t, uint64(1), m.Stats().Snapshot().SideTracesBuilt)
	assert.Equal(t, 1, comp.sideCalls)
}

func TestScheduleSideTrace_compileFailureLeavesGuardUnpublished(t *testing.T) {
	tracer := &fakeTracer{nextIter: emptyIterator{}}
	okComp := &fakeCompiler{result: &fakeCT{id: 1}}
	m := newTestMT(t, tracer, okComp)

	parentLoc := location.New()
	for i := 0; i < 2; i++ {
		m.Tick(parentLoc, 1)
	}
	m.Tick(parentLoc, 1)
	m.Tick(parentLoc, 1)
	require.NoError(t, m.Close())
	require.Equal(t, location.StateCompiled, parentLoc.State())

	failComp := &fakeCompiler{err: compile.Temporary("side trace compile failed")}
	mSide := newTestMT(t, tracer, failComp)
	g := compile.NewGuard(compile.GuardID(1))
	mSide.ScheduleSideTrace(parentLoc.HotLocation(), g, &compile.SideTraceInfo{})
	require.NoError(t, mSide.Close())

	assert.Nil(t, g.GetCT())
	assert.Equal(t, location.StateCompiled, parentLoc.State())
}

func TestAcquireSlot_timesOutWhenQueueStaysFull(t *testing.T) {
	release := make(chan struct{})
	holder := &blockingCompiler{inFlight: &atomic.Int32{}, maxInFlight: &atomic.Int32{}, release: release}
	tracer := &fakeTracer{nextIter: emptyIterator{}}
	m := newTestMT(t, tracer, holder, WithWorkerCount(1), WithQueueWaitTimeout(20*time.Millisecond))

	holdLoc := location.New()
	for i := 0; i < 2; i++ {
		m.Tick(holdLoc, 1)
	}
	m.Tick(holdLoc, 1) // -> Tracing
	m.Tick(holdLoc, 1) // -> Compiling, occupies the only worker slot

	secondLoc := location.New()
	for i := 0; i < 2; i++ {
		m.Tick(secondLoc, 1)
	}
	m.Tick(secondLoc, 1) // -> Tracing
	m.Tick(secondLoc, 1) // -> Compiling, cannot acquire a slot before the timeout

	close(release)
	require.NoError(t, m.Close())

	assert.Equal(t, location.StateCounter, secondLoc.State())
	assert.Equal(t, location.StateCompiled, holdLoc.State())
}

func TestWorkerPool_boundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	blockUntil := make(chan struct{})
	comp := &blockingCompiler{
		inFlight:    &inFlight,
		maxInFlight: &maxInFlight,
		release:     blockUntil,
	}
	tracer := &fakeTracer{nextIter: emptyIterator{}}
	m := newTestMT(t, tracer, comp, WithWorkerCount(2), WithQueueWaitTimeout(50*time.Millisecond))

	const jobs = 5
	for i := 0; i < jobs; i++ {
		loc := location.New()
		for j := 0; j < 2; j++ {
			m.Tick(loc, 1)
		}
		m.Tick(loc, 1) // -> Tracing
		m.Tick(loc, 1) // -> Compiling, submits
	}
	close(blockUntil)
	require.NoError(t, m.Close())
	assert.LessOrEqual(t, maxInFlight.Load(), int32(2))
}

type blockingCompiler struct {
	inFlight, maxInFlight *atomic.Int32
	release               chan struct{}
}

func (c *blockingCompiler) Compile(iter trace.AOTTraceIterator, sti *compile.SideTraceInfo) (compile.CompiledTrace, *compile.CompilationError) {
	n := c.inFlight.Add(1)
	for {
		cur := c.maxInFlight.Load()
		if n <= cur || c.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	<-c.release
	c.inFlight.Add(-1)
	return &fakeCT{id: 1}, nil
}
