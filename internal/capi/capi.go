// Package capi is the process's one C ABI boundary (spec.md §6): the
// handful of cgo-exported functions an AOT-compiled interpreter links
// against directly. Everything here is thin plumbing over internal/mt,
// internal/location, and internal/deopt/arch — no policy lives in this
// package that isn't already expressed, and tested, in Go further down.
package capi

/*
#include <stdint.h>
#include <pthread.h>

// yk_thread_id identifies the calling OS thread, stable across repeated
// cgo calls from the same thread for as long as it lives. Location's
// single-writer CAS protocol needs exactly this: the same owner revisiting
// to transition Tracing->Compiling, and distinct owners for concurrent
// callers.
static uint64_t yk_thread_id(void) {
	return (uint64_t)(uintptr_t)pthread_self();
}
*/
import "C"

import (
	"os"
	"reflect"
	"runtime/cgo"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/ptersilie/yk/internal/compile/asmtrace"
	"github.com/ptersilie/yk/internal/deopt/arch"
	"github.com/ptersilie/yk/internal/location"
	"github.com/ptersilie/yk/internal/mt"
	"github.com/ptersilie/yk/internal/trace"
)

// deoptEntryAddr returns the linker address of the naked __llvm_deoptimize
// shim (deopt_amd64.s), the same way every other CompiledTrace's guard
// exits are expected to reference it. reflect.ValueOf(fn).Pointer() is the
// standard way to recover a Go func's entry address as a uintptr; it works
// here precisely because llvmDeoptimize has no Go body to optimize away or
// inline.
func deoptEntryAddr() uintptr {
	return reflect.ValueOf(llvmDeoptimize).Pointer()
}

// newDefaultTracer returns the trace back end mt_new configures. It reads
// no build flag or environment variable: hardware tracing needs a
// platform Collector and a BlockMap built from the host binary's
// block-address-map section — both explicit external collaborators (see
// DESIGN.md's C3 entry) that only the embedding AOT runtime can supply —
// so the tracer returned is always the self-contained software tracer.
func newDefaultTracer() trace.Tracer {
	return trace.NewSoftwareTracer(4096)
}

// registerDefaultCompilerOnce registers this build's asmtrace back end
// under mt.DefaultCompilerName the first time mt_new runs, so resolveCompiler's
// YKD_NEW_CODEGEN/registry path (mt/registry.go) actually has something to
// select between rather than always being short-circuited by an explicit
// WithCompiler. asmtrace.New needs this build's real deopt entry address,
// which is only known here, so the registration can't happen from
// asmtrace's own init function.
var registerDefaultCompilerOnce sync.Once

// mt_new constructs the process-wide meta-tracer, wires internal/deopt/arch
// into its compiled traces' guard-failure path, and returns an opaque
// handle for the rest of this package's exports.
//
//export mt_new
func mt_new() C.uintptr_t {
	logger, _ := zap.NewProduction()
	if os.Getenv("YKD_LOG_LEVEL") == "" {
		logger = zap.NewNop()
	}

	registerDefaultCompilerOnce.Do(func() {
		mt.RegisterCompiler(mt.DefaultCompilerName, asmtrace.New(deoptEntryAddr()))
	})

	m, err := mt.New(
		mt.WithTracer(newDefaultTracer()),
		mt.WithLogger(logger),
	)
	if err != nil {
		// mt.New only fails on missing/unresolvable configuration, which a
		// correctly built capi never produces; a bug here cannot be
		// reported through this function's C-compatible return type.
		panic(err)
	}
	arch.Install(m, nil)
	return C.uintptr_t(cgo.NewHandle(m))
}

// mt_drop releases the handle returned by mt_new, blocking until every
// in-flight compile job finishes.
//
//export mt_drop
func mt_drop(h C.uintptr_t) {
	handle := cgo.Handle(h)
	m := handle.Value().(*mt.MT)
	_ = m.Close()
	handle.Delete()
}

// mt_hot_threshold_set changes the number of visits a Counter location
// tolerates before tracing starts.
//
//export mt_hot_threshold_set
func mt_hot_threshold_set(h C.uintptr_t, n C.uint32_t) {
	m := cgo.Handle(h).Value().(*mt.MT)
	m.SetHotThreshold(uint32(n))
}

// location_new allocates a fresh Location and returns an opaque handle to
// it. Every Location a running program creates keeps the returned handle
// for its whole lifetime, passing it back to control_point on every visit.
//
//export location_new
func location_new() C.uintptr_t {
	return C.uintptr_t(cgo.NewHandle(location.New()))
}

// location_drop releases a handle returned by location_new.
//
//export location_drop
func location_drop(h C.uintptr_t) {
	cgo.Handle(h).Delete()
}

// control_point is the dummy call the AOT compiler pass looks for and
// rewrites into __ykrt_control_point once it has placed live interpreter
// state at a live_vars pointer (spec.md §6). Left as a body-less optimizer
// barrier: a real call here must survive every AOT optimization pass
// unscathed so the pass has something to find and replace.
//
//export control_point
func control_point(mtHandle, locHandle C.uintptr_t) {}

// traceEntryFn is the signature every CompiledTrace.Entry() function
// pointer is called through: opaque live variables, a strong reference to
// the owning CompiledTrace (so the trace can't be freed out from under
// itself while running), and the calling frame's address.
type traceEntryFn func(liveVars unsafe.Pointer, self unsafe.Pointer, frameAddr unsafe.Pointer)

// __ykrt_control_point is what the AOT pass rewrites control_point into:
// it drives loc's state machine for one visit and, on ActionExecute, calls
// through to the compiled trace's entry point. liveVarsPtr and
// returnValPtr are opaque to this layer — they are meaningful only to the
// AOT-generated entry function and its guard-failure exits.
//
//export __ykrt_control_point
func __ykrt_control_point(mtHandle, locHandle C.uintptr_t, liveVarsPtr, returnValPtr unsafe.Pointer) {
	m := cgo.Handle(mtHandle).Value().(*mt.MT)
	loc := cgo.Handle(locHandle).Value().(*location.Location)

	action, ct := m.Tick(loc, ownerID())
	if action != location.ActionExecute {
		return
	}

	// self carries both the compiled trace and its owning HotLocation
	// across the entry call as a single opaque word — the same way
	// ykrt's LLVMCompiledTrace bundles its own hl: Weak<...>
	// back-reference rather than threading it as a separate argument.
	// Whichever guard eventually fails reads the HotLocation back out of
	// this same handle (internal/deopt/arch.Dispatch), which is what
	// lets deopt.Deopt schedule a side trace or demote the location on
	// the real guard-failure path, not just from synthetic test handles.
	self := arch.NewSelfHandle(arch.NewTraceHandle(ct), arch.NewHotLocationHandle(loc.HotLocation()))
	entry := ct.Entry()
	fn := *(*traceEntryFn)(unsafe.Pointer(&entry))
	fn(liveVarsPtr, unsafe.Pointer(uintptr(self)), returnValPtr)
}

// ownerID identifies the calling OS thread for Location's single-writer
// CAS protocol. Go goroutine IDs are deliberately not exposed by the
// runtime, and a goroutine isn't the right granularity anyway: the AOT
// interpreter's call stack lives on one OS thread for the whole time it is
// tracing, so pthread_self is exactly the identity Location needs.
func ownerID() uint64 {
	return uint64(C.yk_thread_id())
}
