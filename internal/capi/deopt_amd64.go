//go:build amd64

package capi

/*
#include <stdint.h>
*/
import "C"

import (
	"unsafe"

	"github.com/ptersilie/yk/internal/deopt/arch"
)

// llvmDeoptimize and reconstructFrames are implemented in deopt_amd64.s
// with no Go-generated prologue, so the AOT-compiled interpreter's
// guard-failure call site's own register and stack state — exactly what
// the stackmap's live-variable locations are relative to — reaches them
// completely unclobbered.
//
// go:cgo_export_static, not a normal //export comment, gives each the
// literal external symbol name spec.md §6 names. A normal //export would
// wrap them in cgo's usual argument-marshalling trampoline, which is
// itself a function with a prologue — precisely the thing that must not
// run before these get a chance to read the caller's registers.

//go:cgo_export_static __llvm_deoptimize
func llvmDeoptimize()

//go:cgo_export_static __ykrt_reconstruct_frames
func reconstructFrames()

// asmArgs is the parameter block llvmDeoptimize's assembly builds on the
// stack and hands a pointer to goDeoptTrampoline. Every field is one
// 8-byte word; field order must match what deopt_amd64.s writes.
type asmArgs struct {
	selfHandle    uintptr
	frameAddr     unsafe.Pointer
	aotvalsOffset uintptr
	aotvalsLen    uintptr
	retAddr       uint64
	rspSpill      unsafe.Pointer
	guardID       uint64
	isSwitchGuard uint64
}

// goDeoptTrampoline is the only plain-Go-ABI call the assembly makes: a
// two-pointer-argument function, which keeps the asm call site simple
// regardless of how arch.Dispatch's own signature evolves. It also owns
// releasing selfHandle once this guard failure has been resolved — the
// handle bundles the one strong reference to the trace (and its owning
// hot location) the AOT call site was holding, mirroring the original's
// ctr: Arc<...> being consumed and dropped inside __ykrt_deopt.
func goDeoptTrampoline(args *asmArgs, result *arch.DispatchResult) {
	self := arch.SelfHandle(args.selfHandle)
	defer arch.ReleaseSelfHandle(self)

	*result = arch.Dispatch(
		self,
		args.frameAddr,
		args.aotvalsOffset,
		args.aotvalsLen,
		args.retAddr,
		args.rspSpill,
		uint32(args.guardID),
		args.isSwitchGuard != 0,
	)
}
