// Package blockmap parses a per-executable basic-block-address-map section
// (the LLVM `.llvm_bb_addr_map`-style format) and answers interval queries
// from a machine-code offset range back to (function-offset, block-index)
// pairs.
package blockmap

import (
	"encoding/binary"
	"fmt"

	"github.com/google/btree"
)

// NoBlock is the sentinel meaning "this machine basic block has no
// corresponding LLVM IR basic block".
const NoBlock = ^uint64(0)

// Entry is one decoded basic-block-address-map record.
type Entry struct {
	// FuncOffset is the offset, from the start of the executable region
	// this block map covers, of the function the block belongs to.
	FuncOffset uint64
	// Block is the LLVM IR basic-block index within the function, or
	// NoBlock if this machine block has no corresponding IR block.
	Block uint64
}

// interval is one node of the ordered index: a half-open byte range
// [Start, End) tagged with the Entry it maps to.
type interval struct {
	Start, End uint64
	Entry      Entry
}

// Less implements btree.Item, ordering intervals by start offset. Ties
// (two intervals starting at the same offset, which should not happen in a
// well-formed block map) are broken by end offset so iteration is still
// deterministic.
func (i interval) Less(than btree.Item) bool {
	o := than.(interval)
	if i.Start != o.Start {
		return i.Start < o.Start
	}
	return i.End < o.End
}

// BlockMap is a read-only, process-wide singleton once built: an ordered
// index over block intervals queried by machine-code offset.
type BlockMap struct {
	tree *btree.BTree
	// maxLen is the length of the longest interval inserted, used to bound
	// the ascending scan a query performs: any interval overlapping
	// [qstart, qend) must start at or after qstart-maxLen, since no
	// interval is longer than maxLen.
	maxLen uint64
	count  int
}

// New returns an empty BlockMap; use Insert to populate it (normally from
// Parse), or use Parse directly to build one from section bytes.
func New() *BlockMap {
	return &BlockMap{tree: btree.New(32)}
}

// Insert adds one interval to the map.
func (m *BlockMap) Insert(start, end uint64, e Entry) {
	if end < start {
		panic(fmt.Sprintf("blockmap: invalid interval [%d, %d)", start, end))
	}
	if l := end - start; l > m.maxLen {
		m.maxLen = l
	}
	m.tree.ReplaceOrInsert(interval{Start: start, End: end, Entry: e})
	m.count++
}

// Len returns the number of intervals in the map.
func (m *BlockMap) Len() int { return m.count }

// Query returns, in ascending start-offset order, every interval that
// overlaps the half-open range [start, end).
func (m *BlockMap) Query(start, end uint64) []Entry {
	matches := m.QueryIntervals(start, end)
	out := make([]Entry, len(matches))
	for i, mt := range matches {
		out[i] = mt.Entry
	}
	return out
}

// Match is one interval returned by QueryIntervals: the interval's own
// bounds alongside the Entry it was tagged with.
type Match struct {
	Start, End uint64
	Entry      Entry
}

// QueryIntervals is like Query but also returns each match's own interval
// bounds, needed to check machine fall-through contiguity between
// consecutive matches.
func (m *BlockMap) QueryIntervals(start, end uint64) []Match {
	var lo uint64
	if m.maxLen <= start {
		lo = start - m.maxLen
	}
	var out []Match
	m.tree.AscendRange(interval{Start: lo}, interval{Start: end}, func(it btree.Item) bool {
		iv := it.(interval)
		if iv.End > start && iv.Start < end {
			out = append(out, Match{Start: iv.Start, End: iv.End, Entry: iv.Entry})
		}
		return true
	})
	return out
}

// ParseError reports a malformed basic-block-address-map section.
type ParseError struct {
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("blockmap: parse error at byte offset %d: %s", e.Offset, e.Reason)
}

// Parse decodes a basic-block-address-map section into a BlockMap. The
// format (per function): an 8-byte function offset, a ULEB128 block count,
// then that many block records of (ULEB128 block offset from the function,
// ULEB128 block size, 1 metadata byte, ULEB128 block index).
func Parse(data []byte) (*BlockMap, error) {
	bm := New()
	off := 0
	for off < len(data) {
		if off+8 > len(data) {
			return nil, &ParseError{Offset: off, Reason: "truncated function offset"}
		}
		funcOff := binary.LittleEndian.Uint64(data[off:])
		off += 8

		nBlocks, n, err := uvarint(data, off)
		if err != nil {
			return nil, &ParseError{Offset: off, Reason: err.Error()}
		}
		off += n

		for i := uint64(0); i < nBlocks; i++ {
			bOff, n, err := uvarint(data, off)
			if err != nil {
				return nil, &ParseError{Offset: off, Reason: err.Error()}
			}
			off += n

			bSize, n, err := uvarint(data, off)
			if err != nil {
				return nil, &ParseError{Offset: off, Reason: err.Error()}
			}
			off += n

			if off+1 > len(data) {
				return nil, &ParseError{Offset: off, Reason: "truncated block metadata byte"}
			}
			off++ // metadata byte, unused here.

			bIdx, n, err := uvarint(data, off)
			if err != nil {
				return nil, &ParseError{Offset: off, Reason: err.Error()}
			}
			off += n

			lo := funcOff + bOff
			hi := lo + bSize
			bm.Insert(lo, hi, Entry{FuncOffset: funcOff, Block: bIdx})
		}
	}
	return bm, nil
}

// uvarint decodes an unsigned LEB128 varint from data starting at off,
// returning the value and the number of bytes consumed.
func uvarint(data []byte, off int) (uint64, int, error) {
	var result uint64
	var shift uint
	for i := 0; ; i++ {
		if off+i >= len(data) {
			return 0, 0, fmt.Errorf("truncated varint")
		}
		b := data[off+i]
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, 0, fmt.Errorf("varint too long")
		}
	}
}
