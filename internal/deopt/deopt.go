// Package deopt implements guard-failure handling (C8): reading spilled
// registers and the parent trace's stackmap, either jumping directly into
// an already-compiled side trace or reconstructing the AOT frames to
// resume interpretation, plus the hot-guard accounting that schedules a
// new side trace once a guard fails often enough.
//
// This package defines the portable, testable core. The part that cannot
// be expressed in portable Go — saving the live registers before they are
// clobbered and splicing reconstructed frames onto the live stack without
// unwinding through a normal Go call — lives in the architecture-specific
// shim package internal/deopt/arch, which calls into the functions here.
package deopt

import (
	"fmt"
	"unsafe"

	"github.com/ptersilie/yk/internal/compile"
	"github.com/ptersilie/yk/internal/location"
	"github.com/ptersilie/yk/internal/mt"
	"github.com/ptersilie/yk/internal/stackmap"
)

// Registers is the view over the eight general-purpose registers an arch
// shim spills to the stack in Sys-V order (rsp, rbp, rdi, rsi, rbx, rcx,
// rdx, rax) before calling into this package, indexed by the DWARF
// register number the stackmap format uses to address them.
type Registers struct {
	words []uintptr
}

// RegistersFromSpillArea wraps the eight-word spill area an arch shim
// built on the stack. addr must point at the first (lowest DWARF-numbered)
// saved register and the eight words must be contiguous.
func RegistersFromSpillArea(addr unsafe.Pointer) Registers {
	return Registers{words: unsafe.Slice((*uintptr)(addr), 8)}
}

// Get returns the previous frame's value of the register with the given
// DWARF register number. Only numbers 0-7 are ever saved; anything else is
// a stackmap contract violation, not a recoverable error.
func (r Registers) Get(dwarfReg uint16) uintptr {
	if dwarfReg > 7 {
		panic(fmt.Sprintf("deopt: register #%d was not saved during deoptimization", dwarfReg))
	}
	return r.words[dwarfReg]
}

// AOTVar is the location, in terms of an opaque AOT-module value handle and
// enclosing stack-frame index, of one live AOT variable. It mirrors the
// struct the back end's code generator lays out alongside each guard.
type AOTVar struct {
	Val   unsafe.Pointer
	SFIdx uintptr
}

const aotVarSize = unsafe.Sizeof(AOTVar{})

// LiveAOTVals describes where, within a CompiledTrace's AOTVals blob, the
// AOTVar array for one specific guard failure lives.
type LiveAOTVals struct {
	Offset uintptr
	Length uintptr
}

// NewFramesInfo is what a reconstructed-frames decision hands to the
// splice shim: a heap-allocated image of the new frames, and the address
// on the live stack to copy it to.
type NewFramesInfo struct {
	Src unsafe.Pointer
	Dst unsafe.Pointer
}

// FrameReconstructor builds a byte image of reconstructed AOT call frames
// from live variable values read out of a parent trace's stackmap. The
// concrete implementation lives outside this package — it understands the
// AOT module's cataloged frame layouts, the way an LLVM-level
// FrameReconstructor would. This package only defines the contract it is
// driven through, exactly as Compiler (C7) is a contract around a code
// generator this package never looks inside.
type FrameReconstructor interface {
	// VarInit records that AOT variable val, living in stack-frame index
	// sfidx, should be initialized to v.
	VarInit(val unsafe.Pointer, sfidx uintptr, v uint64)
	// Reconstruct builds the new frame image for the active frames ending
	// at frameAddr (the control point's own frame) and reports the size of
	// its bottom-most (innermost) frame — used to compute where on the
	// live stack the image belongs.
	Reconstruct(frameAddr unsafe.Pointer) (src unsafe.Pointer, bottomFrameSize uintptr)
}

// SideTraceOutcome is returned when a guard's side trace has already been
// compiled: execution should jump directly into it rather than
// reconstructing AOT frames.
type SideTraceOutcome struct {
	Trace compile.CompiledTrace
	// LiveVars holds one slot per live AOT variable (the record's live
	// variables minus the leading metadata slot), ready to hand to the
	// child trace's entry point.
	LiveVars []uint64
}

// Outcome is the result of resolving one guard failure: exactly one of
// SideTrace or Frames is set.
type Outcome struct {
	SideTrace *SideTraceOutcome
	Frames    *NewFramesInfo
}

// Params bundles the values an arch shim extracts from the failing
// guard's call and hands to Deopt.
type Params struct {
	FrameAddr     unsafe.Pointer
	AOTVals       LiveAOTVals
	RetAddr       uint64
	RSP           unsafe.Pointer
	GuardID       compile.GuardID
	IsSwitchGuard bool
	// HotLocation is the owning location's side-object, used to publish a
	// newly scheduled side trace. May be nil if the location has since
	// been dropped, in which case side-trace scheduling is silently
	// skipped (mirrors the "weak back-reference" cancellation rule).
	HotLocation *location.HotLocation
}

// Deopt resolves one guard failure for ctr: it is the direct Go
// translation of the language-level deopt routine an arch shim tail-calls
// into after saving registers. recon is used only on the
// reconstruct-frames path.
func Deopt(m *mt.MT, ctr compile.CompiledTrace, p Params, recon FrameReconstructor) (Outcome, error) {
	m.Stats().SetTimingState(mt.TimingDeopting)
	defer m.Stats().SetTimingState(mt.TimingOutsideYk)

	guards := ctr.Guards()
	if int(p.GuardID) >= len(guards) {
		return Outcome{}, fmt.Errorf("deopt: guard id %d out of range (%d guards)", p.GuardID, len(guards))
	}
	g := guards[p.GuardID]
	last := isLastGuard(guards, p.GuardID)
	regs := RegistersFromSpillArea(p.RSP)

	if !last {
		if side := g.GetCT(); side != nil {
			liveVars, err := readGuardLiveVars(ctr, p.RetAddr, regs)
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{SideTrace: &SideTraceOutcome{Trace: side, LiveVars: liveVars}}, nil
		}
	}

	frames, err := reconstructFrames(ctr, p, regs, recon)
	if err != nil {
		return Outcome{}, err
	}

	failed := m.GuardFailed(g, p.IsSwitchGuard, last)
	switch {
	case last:
		// The last guard failing means the trace itself has run out of
		// road: demote the location back to Counter(0) so it gets
		// retraced from scratch instead of permanently falling back to
		// the reconstructed-frames path on every future visit.
		if p.HotLocation != nil {
			p.HotLocation.Location().DemoteAfterLastGuardFailure()
		}
	case failed && p.HotLocation != nil:
		m.ScheduleSideTrace(p.HotLocation, g, &compile.SideTraceInfo{
			ParentTrace:   ctr,
			GuardID:       g.ID(),
			AOTValsOffset: int(p.AOTVals.Offset),
			NumLiveVars:   int(p.AOTVals.Length),
		})
	}

	return Outcome{Frames: &frames}, nil
}

// isLastGuard reports whether id names the last real guard in the table —
// the entry immediately before the end-of-trace sentinel compile.Compiler
// implementations append (see compile.CompiledTrace.Guards).
func isLastGuard(guards []*compile.Guard, id compile.GuardID) bool {
	return len(guards) >= 2 && int(id) == len(guards)-2
}

// readGuardLiveVars extracts the live variable values recorded at retAddr,
// skipping the record's leading metadata slot (CC/flags/num-deopts),
// ready to pass as a side trace's entry-point argument buffer.
func readGuardLiveVars(ctr compile.CompiledTrace, retAddr uint64, regs Registers) ([]uint64, error) {
	locs, ok := ctr.Stackmap()[retAddr]
	if !ok {
		return nil, fmt.Errorf("deopt: no stackmap record for return address %#x", retAddr)
	}
	if len(locs) == 0 {
		panic(fmt.Sprintf("deopt: stackmap record at %#x has no live variables", retAddr))
	}
	out := make([]uint64, len(locs)-1)
	for i, loc := range locs[1:] {
		out[i] = readLiveValue(loc, regs)
	}
	return out, nil
}

// reconstructFrames drives recon through every live AOT variable at
// p.RetAddr, pairing stackmap locations with the AOTVar array living at
// p.AOTVals in ctr's aotvals blob, then builds the frame image.
func reconstructFrames(ctr compile.CompiledTrace, p Params, regs Registers, recon FrameReconstructor) (NewFramesInfo, error) {
	locs, ok := ctr.Stackmap()[p.RetAddr]
	if !ok {
		return NewFramesInfo{}, fmt.Errorf("deopt: no stackmap record for return address %#x", p.RetAddr)
	}
	if len(locs) == 0 {
		panic(fmt.Sprintf("deopt: stackmap record at %#x has no live variables", p.RetAddr))
	}

	aotVars := aotVarsAt(ctr, p.AOTVals)
	for i, loc := range locs[1:] { // first slot is CC/flags/num-deopts metadata
		v := readLiveValue(loc, regs)
		aot := aotVars[i]
		recon.VarInit(aot.Val, aot.SFIdx, v)
	}

	src, bottomFrameSize := recon.Reconstruct(p.FrameAddr)
	dst := unsafe.Pointer(uintptr(p.FrameAddr) - bottomFrameSize)
	return NewFramesInfo{Src: src, Dst: dst}, nil
}

func aotVarsAt(ctr compile.CompiledTrace, lv LiveAOTVals) []AOTVar {
	blob := ctr.AOTVals()
	if lv.Offset+lv.Length*aotVarSize > uintptr(len(blob)) {
		panic("deopt: aotvals offset/length out of range of the trace's aotvals blob")
	}
	if lv.Length == 0 {
		return nil
	}
	base := unsafe.Pointer(&blob[lv.Offset])
	return unsafe.Slice((*AOTVar)(base), int(lv.Length))
}

// readLiveValue reads the value a single stackmap location denotes,
// relative to the previous frame's registers. Register locations and
// illegal sizes are stackmap contract violations: a bug in the back end
// that produced the stackmap, not a recoverable runtime condition.
func readLiveValue(loc stackmap.Location, regs Registers) uint64 {
	switch loc.Kind {
	case stackmap.KindDirect:
		return uint64(regs.Get(loc.DwarfReg) + uintptr(int64(loc.Offset)))
	case stackmap.KindIndirect:
		addr := unsafe.Pointer(regs.Get(loc.DwarfReg) + uintptr(int64(loc.Offset)))
		return readSized(addr, loc.Size)
	case stackmap.KindConstant, stackmap.KindLargeConstant:
		return loc.Constant
	case stackmap.KindRegister:
		panic(fmt.Sprintf("deopt: register-kind live value (dwarf reg %d) is unsupported", loc.DwarfReg))
	default:
		panic(fmt.Sprintf("deopt: unknown stackmap location kind %s", loc.Kind))
	}
}

func readSized(addr unsafe.Pointer, size uint16) uint64 {
	switch size {
	case 1:
		return uint64(*(*uint8)(addr))
	case 2:
		return uint64(*(*uint16)(addr))
	case 4:
		return uint64(*(*uint32)(addr))
	case 8:
		return *(*uint64)(addr)
	default:
		panic(fmt.Sprintf("deopt: illegal indirect location size %d", size))
	}
}
