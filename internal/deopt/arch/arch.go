// Package arch bridges the portable guard-failure core in internal/deopt
// to the raw, naked-assembly entry points that must live in internal/capi
// (the only package that owns the process's single C ABI boundary). This
// package holds everything about that bridge that portable Go can express:
// registering the active *MT/FrameReconstructor pair, wrapping Go values
// that must cross the C ABI as a single opaque word, and resolving one
// guard failure's spilled registers into an outcome.
//
// What deliberately does NOT live here is the naked assembly itself. A
// function with no compiler-generated prologue must be the literal symbol
// the AOT-compiled interpreter's guard-failure call resolves to, which
// requires the go:cgo_export_static compiler pragma — only available in a
// cgo-enabled file — so that asm lives alongside capi's other exports
// instead of here. This package stays pure Go so internal/deopt's own
// portable tests can exercise it without a C toolchain.
package arch

import (
	"runtime/cgo"
	"unsafe"

	"github.com/ptersilie/yk/internal/compile"
	"github.com/ptersilie/yk/internal/deopt"
	"github.com/ptersilie/yk/internal/location"
	"github.com/ptersilie/yk/internal/mt"
)

var active struct {
	mt    *mt.MT
	recon deopt.FrameReconstructor
}

// Install registers the meta-tracer and frame reconstructor every guard
// failure dispatches into. It must be called once, before control_point is
// ever reached, and is not safe to call concurrently with a guard failure
// in flight.
func Install(m *mt.MT, recon deopt.FrameReconstructor) {
	active.mt = m
	active.recon = recon
}

// NewTraceHandle wraps ct so it can be threaded through the C ABI as a
// single opaque word. The handle is valid until ReleaseTraceHandle is
// called on it or NewSelfHandle consumes it (NewSelfHandle deletes the
// handles it is given).
func NewTraceHandle(ct compile.CompiledTrace) cgo.Handle {
	return cgo.NewHandle(ct)
}

// ReleaseTraceHandle invalidates a handle returned by NewTraceHandle.
func ReleaseTraceHandle(h cgo.Handle) { h.Delete() }

// HotLocationHandle and its NewHotLocationHandle/ReleaseHotLocationHandle
// pair do for *location.HotLocation exactly what NewTraceHandle does for a
// CompiledTrace: let a Go pointer with non-trivial internal structure cross
// the C boundary as one opaque word. The zero handle means "no hot
// location" (the weak back-reference has already been dropped).
type HotLocationHandle = cgo.Handle

func NewHotLocationHandle(hl *location.HotLocation) HotLocationHandle {
	if hl == nil {
		return 0
	}
	return cgo.NewHandle(hl)
}

func ReleaseHotLocationHandle(h HotLocationHandle) {
	if h != 0 {
		h.Delete()
	}
}

// selfRef is what a SelfHandle actually wraps: a compiled trace bundled
// with its own owning hot location, mirroring the way ykrt's
// LLVMCompiledTrace carries its own hl: Weak<...> back-reference rather
// than having one threaded through __llvm_deoptimize as a separate
// argument. __llvm_deoptimize's and the trace entry point's argument lists
// are both fixed by the AOT ABI contract, with no room for a genuinely
// separate hot-location argument, so it travels inside the same opaque
// word as the trace handle instead.
type selfRef struct {
	trace  compile.CompiledTrace
	hotLoc *location.HotLocation
}

// SelfHandle is the single opaque word a CompiledTrace's entry point (and,
// on a guard failure, __llvm_deoptimize) receives as its self/ctr
// argument: both the trace to run and the hot location whose guard
// statistics and side-trace slots that failure should update.
type SelfHandle = cgo.Handle

// NewSelfHandle bundles ct and hl into a single handle suitable for passing
// across the C ABI as one argument. hl may be nil (CompileSucceeded always
// populates one on the real production path, but tests are free to pass
// nil for paths that never read it back).
func NewSelfHandle(trace cgo.Handle, hotLoc HotLocationHandle) SelfHandle {
	var hl *location.HotLocation
	if hotLoc != 0 {
		hl = hotLoc.Value().(*location.HotLocation)
		hotLoc.Delete()
	}
	ct := trace.Value().(compile.CompiledTrace)
	trace.Delete()
	return cgo.NewHandle(selfRef{trace: ct, hotLoc: hl})
}

// ReleaseSelfHandle invalidates a handle returned by NewSelfHandle.
func ReleaseSelfHandle(h SelfHandle) { h.Delete() }

// DispatchResult is what Dispatch hands back to its caller's assembly:
// either a side trace to jump into directly, or a reconstructed-frames
// image to splice onto the live stack. Exactly one of SideEntry/
// SideLiveVars and FrameSrc/FrameDst is populated; the asm branches on
// SideEntry being non-zero. Field order matters: the calling assembly
// reads this struct by raw offset.
type DispatchResult struct {
	SideEntry       uintptr
	SideSelf        uintptr // SelfHandle for the side trace, passed as its entry point's self argument.
	SideLiveVars    unsafe.Pointer // *uint64 array, len SideLiveVarsLen
	SideLiveVarsLen uintptr
	FrameSrc        unsafe.Pointer
	FrameDst        unsafe.Pointer
}

// Dispatch is the one call capi's naked entry shim makes into ordinary Go
// code, once it has spilled the Sys-V general-purpose registers to
// rspSpill and recovered its other arguments. It is the direct analogue of
// ykrt's __ykrt_deopt: resolve the guard failure through the portable core
// in internal/deopt, then hand back whichever outcome resulted so the asm
// tail can act on it without itself understanding CompiledTrace,
// stackmaps, or Locations. selfHandle is the same bundled trace+hot-location
// word __ykrt_control_point built for the entry call, unwrapped here into
// both halves deopt.Deopt needs.
func Dispatch(
	selfHandle SelfHandle,
	frameAddr unsafe.Pointer,
	aotvalsOffset, aotvalsLen uintptr,
	retAddr uint64,
	rspSpill unsafe.Pointer,
	guardID uint32,
	isSwitchGuard bool,
) DispatchResult {
	ref := selfHandle.Value().(selfRef)

	out, err := deopt.Deopt(active.mt, ref.trace, deopt.Params{
		FrameAddr:     frameAddr,
		AOTVals:       deopt.LiveAOTVals{Offset: aotvalsOffset, Length: aotvalsLen},
		RetAddr:       retAddr,
		RSP:           rspSpill,
		GuardID:       compile.GuardID(guardID),
		IsSwitchGuard: isSwitchGuard,
		HotLocation:   ref.hotLoc,
	}, active.recon)
	if err != nil {
		// A stackmap/guard-table mismatch here is a code-generation bug,
		// not a condition the running program can recover from: there is
		// no Go stack left above this call to propagate an error through.
		panic(err)
	}

	if out.SideTrace != nil {
		vars := out.SideTrace.LiveVars
		var base unsafe.Pointer
		if len(vars) > 0 {
			base = unsafe.Pointer(&vars[0])
		}
		side := NewSelfHandle(NewTraceHandle(out.SideTrace.Trace), NewHotLocationHandle(ref.hotLoc))
		return DispatchResult{
			SideEntry:       out.SideTrace.Trace.Entry(),
			SideSelf:        uintptr(side),
			SideLiveVars:    base,
			SideLiveVarsLen: uintptr(len(vars)),
		}
	}
	return DispatchResult{FrameSrc: out.Frames.Src, FrameDst: out.Frames.Dst}
}
