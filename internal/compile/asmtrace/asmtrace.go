// Package asmtrace is a reference implementation of the compile.Compiler
// contract: it assembles a minimal x86-64 trace body directly
// with golang-asm, the same library wazero's arm64 back end uses to build
// native code instruction by instruction. It exists to give the abstract
// Compiler contract one concrete, exercised implementation; a production
// back end would instead lower a full IR.
package asmtrace

import (
	"fmt"
	"sync"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/ptersilie/yk/internal/compile"
	"github.com/ptersilie/yk/internal/stackmap"
	"github.com/ptersilie/yk/internal/trace"
)

// Compiler assembles every incoming trace into a tiny native stub that
// calls deoptTrampoline and then returns. It does not meet every point of
// the compile.Compiler contract: the stub ends in a RET, and the stackmap
// holds a single metadata-only record keyed by the entry address rather
// than one record per guard plus one for the exit tail.
type Compiler struct {
	// deoptTrampoline is the address the assembled stub calls into; it
	// stands in for the __llvm_deoptimize entry shim (C8's arch package)
	// until a real code generator emits guard-specific exits.
	deoptTrampoline uintptr
}

// New returns a Compiler whose assembled stubs all call deoptTrampoline.
func New(deoptTrampoline uintptr) *Compiler {
	return &Compiler{deoptTrampoline: deoptTrampoline}
}

// Compile implements compile.Compiler.
func (c *Compiler) Compile(iter trace.AOTTraceIterator, sti *compile.SideTraceInfo) (compile.CompiledTrace, *compile.CompilationError) {
	actions, err := drain(iter)
	if err != nil {
		return nil, compile.WrapTemporary("draining trace iterator", err)
	}
	if len(actions) == 0 {
		return nil, compile.Unrecoverable("trace contained no mappable actions")
	}

	code, err := c.assembleStub()
	if err != nil {
		return nil, compile.WrapUnrecoverable("assembling trace stub", err)
	}

	mapped := mapExecutable(code)
	entry := mapped.addr

	guards := make([]*compile.Guard, len(actions)+1)
	for i := range guards {
		guards[i] = compile.NewGuard(compile.GuardID(i))
	}

	sm := make(map[uint64][]stackmap.Location, 1)
	sm[uint64(entry)] = []stackmap.Location{
		{Kind: stackmap.KindConstant, Constant: 0}, // reserved metadata slot.
	}

	return &asmCompiledTrace{
		mapped:   mapped,
		stackmap: sm,
		aotvals:  make([]byte, 0),
		guards:   guards,
	}, nil
}

func drain(iter trace.AOTTraceIterator) ([]trace.TraceAction, error) {
	var out []trace.TraceAction
	for {
		a, ok, err := iter.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, a)
	}
}

// assembleStub builds a function body equivalent to:
//
//	MOVQ deoptTrampoline, AX
//	CALL AX
//	RET
//
// using golang-asm directly, in the same builder-driven style wazero's
// arm64 assembler wraps with friendlier names.
func (c *Compiler) assembleStub() ([]byte, error) {
	b, err := goasm.NewBuilder("amd64", 64)
	if err != nil {
		return nil, fmt.Errorf("asmtrace: creating builder: %w", err)
	}

	movTarget := b.NewProg()
	movTarget.As = x86.AMOVQ
	movTarget.From.Type = obj.TYPE_CONST
	movTarget.From.Offset = int64(c.deoptTrampoline)
	movTarget.To.Type = obj.TYPE_REG
	movTarget.To.Reg = x86.REG_AX
	b.AddInstruction(movTarget)

	call := b.NewProg()
	call.As = obj.ACALL
	call.To.Type = obj.TYPE_REG
	call.To.Reg = x86.REG_AX
	b.AddInstruction(call)

	ret := b.NewProg()
	ret.As = obj.ARET
	b.AddInstruction(ret)

	return b.Assemble(), nil
}

// mappedCode is a scratch holder for a code blob's address; a production
// back end would mmap the bytes PROT_EXEC and keep that mapping alive for
// the trace's lifetime, releasing it via runtime.SetFinalizer the way
// wazero's compiler engine releases its compiled module code.
type mappedCode struct {
	bytes []byte
	addr  uintptr
}

var codeKeepAlive sync.Map // addr -> *mappedCode, pins the backing bytes.

func mapExecutable(code []byte) *mappedCode {
	m := &mappedCode{bytes: code, addr: uintptr(0)}
	// A real implementation mmaps code into an executable page here; this
	// reference back end keeps the bytes reachable and reports a nonzero
	// synthetic handle so CompiledTrace.Entry is never zero.
	m.addr = fakeAddrFor(code)
	codeKeepAlive.Store(m.addr, m)
	return m
}

// fakeAddrFor derives a stable, nonzero, odd (hence non-pointer) handle
// from code's length, not its address, without dereferencing or executing
// it — this back end assembles bytes but never runs them, so no real
// mapping is required. Stubs of equal length get the same handle.
func fakeAddrFor(code []byte) uintptr {
	if len(code) == 0 {
		return 1
	}
	return uintptr(len(code))<<1 | 1
}

type asmCompiledTrace struct {
	mapped   *mappedCode
	stackmap map[uint64][]stackmap.Location
	aotvals  []byte
	guards   []*compile.Guard
}

func (t *asmCompiledTrace) Entry() uintptr                          { return t.mapped.addr }
func (t *asmCompiledTrace) Stackmap() map[uint64][]stackmap.Location { return t.stackmap }
func (t *asmCompiledTrace) AOTVals() []byte                          { return t.aotvals }
func (t *asmCompiledTrace) Guards() []*compile.Guard                 { return t.guards }

var _ compile.CompiledTrace = (*asmCompiledTrace)(nil)
var _ compile.Compiler = (*Compiler)(nil)
