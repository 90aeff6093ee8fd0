// Package blockmapper translates a stream of raw machine blocks recorded
// by a hardware tracer into the deduplicated TraceAction sequence a
// compiler back end consumes (C4).
package blockmapper

import (
	"sort"

	"github.com/ptersilie/yk/internal/blockmap"
	"github.com/ptersilie/yk/internal/trace"
)

// AddrResolver converts a virtual address observed during tracing into an
// offset within the object the block map was built from.
type AddrResolver interface {
	Resolve(addr uint64) (offset uint64, ok bool)
}

// AddrResolverFunc adapts a plain function to AddrResolver.
type AddrResolverFunc func(addr uint64) (uint64, bool)

func (f AddrResolverFunc) Resolve(addr uint64) (uint64, bool) { return f(addr) }

// Symbolizer resolves a function's offset-within-object to its name.
type Symbolizer interface {
	FuncName(funcOffset uint64) (string, error)
}

// Mapper implements trace.RawBlockMapper: it is the consumer a
// trace.HardwareTracer hands its raw blocks to once a recording stops.
type Mapper struct {
	bm       *blockmap.BlockMap
	resolver AddrResolver
	symb     Symbolizer
}

// New returns a Mapper that looks up blocks in bm, resolving trace
// addresses via resolver and function names via symb.
func New(bm *blockmap.BlockMap, resolver AddrResolver, symb Symbolizer) *Mapper {
	return &Mapper{bm: bm, resolver: resolver, symb: symb}
}

// Map implements trace.RawBlockMapper.
func (m *Mapper) Map(blocks []trace.RawBlock) trace.AOTTraceIterator {
	actions := m.mapBlocks(blocks)
	return &actionIterator{actions: actions}
}

// mapBlocks runs the mapping algorithm eagerly, since trimming the
// trailing unmapped tail requires knowing whether a later block is
// mappable before the earlier ones can be finalized.
func (m *Mapper) mapBlocks(blocks []trace.RawBlock) []trace.TraceAction {
	var out []trace.TraceAction
	seenFirstUnmappable := false

	for _, blk := range blocks {
		entries := m.lookup(blk)
		if len(entries) == 0 {
			if !seenFirstUnmappable {
				out = append(out, trace.UnmappableBlock())
				seenFirstUnmappable = true
				continue
			}
			// The first zero-entry block after we'd already seen one (and
			// presumably mapped real blocks in between) means tracing has
			// left AOT-covered code for good; trim the tail here.
			break
		}

		var prevEnd uint64
		for i, e := range entries {
			if e.Entry.Block == blockmap.NoBlock {
				panic("blockmapper: block map interval carries the NoBlock sentinel")
			}
			if i > 0 && e.Start != prevEnd {
				panic("blockmapper: non-contiguous fall-through within a single machine block")
			}
			prevEnd = e.End

			name, err := m.symb.FuncName(e.Entry.FuncOffset)
			if err != nil {
				name = ""
			}
			action := trace.MappedAOTBlock(name, e.Entry.Block)
			if len(out) > 0 && out[len(out)-1].Equal(action) {
				continue
			}
			out = append(out, action)
		}
	}

	// The first action is never the control point's own unmappable body.
	if len(out) > 0 && out[0].IsUnmappableBlock() {
		out = out[1:]
	}
	return out
}

func (m *Mapper) lookup(blk trace.RawBlock) []blockmap.Match {
	startOff, ok := m.resolver.Resolve(blk.First)
	if !ok {
		return nil
	}
	endOff, ok := m.resolver.Resolve(blk.Last)
	if !ok || endOff < startOff {
		endOff = startOff
	}
	length := endOff - startOff + 1

	entries := m.bm.QueryIntervals(startOff, startOff+length)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Start < entries[j].Start })
	return entries
}

// actionIterator implements trace.AOTTraceIterator over a precomputed
// slice of actions.
type actionIterator struct {
	actions []trace.TraceAction
	pos     int
}

func (it *actionIterator) Next() (trace.TraceAction, bool, error) {
	if it.pos >= len(it.actions) {
		return trace.TraceAction{}, false, nil
	}
	a := it.actions[it.pos]
	it.pos++
	return a, true, nil
}
