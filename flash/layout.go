package flash

import (
	"errors"
	"fmt"
	"sort"
)

// Block is one erasable storage block covering [Begin, End).
type Block struct {
	Begin uint32 `yaml:"begin"`
	End   uint32 `yaml:"end"`
}

// Len returns the block size in bytes.
func (b Block) Len() uint32 {
	return b.End - b.Begin
}

// Contains reports whether addr lies inside the block.
func (b Block) Contains(addr uint32) bool {
	return addr >= b.Begin && addr < b.End
}

// Range is the address range [Address, Address+Length).
type Range struct {
	Address uint32
	Length  uint32
}

// End returns the first address after the range.
func (r Range) End() uint32 {
	return r.Address + r.Length
}

// Layout describes the storage geometry: the write granularity and the
// ordered storage-block table, which may contain unmapped gaps.
type Layout struct {
	// SegmentSize is the write granularity in bytes. Must be a power of two.
	SegmentSize uint32 `yaml:"segment_size"`

	// Blocks is the storage-block table, sorted by address, non-overlapping.
	Blocks []Block `yaml:"blocks"`
}

// ErrInvalidLayout is returned by Validate for a malformed layout.
var ErrInvalidLayout = errors.New("invalid flash layout")

// Validate checks the layout invariants every consumer relies on.
func (l Layout) Validate() error {
	if l.SegmentSize == 0 || l.SegmentSize&(l.SegmentSize-1) != 0 {
		return fmt.Errorf("%w: segment size %d is not a power of two", ErrInvalidLayout, l.SegmentSize)
	}
	if len(l.Blocks) == 0 {
		return fmt.Errorf("%w: no storage blocks", ErrInvalidLayout)
	}

	mask := l.SegmentSize - 1
	for i, b := range l.Blocks {
		if b.End <= b.Begin {
			return fmt.Errorf("%w: block %d [0x%08X,0x%08X) is empty", ErrInvalidLayout, i, b.Begin, b.End)
		}
		if b.Begin&mask != 0 || b.End&mask != 0 {
			return fmt.Errorf("%w: block %d [0x%08X,0x%08X) not aligned to segment size %d",
				ErrInvalidLayout, i, b.Begin, b.End, l.SegmentSize)
		}
		if i > 0 && b.Begin < l.Blocks[i-1].End {
			return fmt.Errorf("%w: block %d overlaps or precedes block %d", ErrInvalidLayout, i, i-1)
		}
	}
	return nil
}

// Find returns the index of the storage block containing addr.
func (l Layout) Find(addr uint32) (int, bool) {
	i := sort.Search(len(l.Blocks), func(i int) bool {
		return l.Blocks[i].End > addr
	})
	if i < len(l.Blocks) && l.Blocks[i].Contains(addr) {
		return i, true
	}
	return 0, false
}

// Split returns the parts of [addr, addr+length) that fall inside storage
// blocks, cut at every block boundary. Unmapped parts are omitted.
func (l Layout) Split(addr, length uint32) []Range {
	if length == 0 {
		return nil
	}
	end := uint64(addr) + uint64(length)

	var out []Range
	for _, b := range l.Blocks {
		if uint64(b.Begin) >= end {
			break
		}
		lo := max(addr, b.Begin)
		hi := min(end, uint64(b.End))
		if uint64(lo) < hi {
			out = append(out, Range{Address: lo, Length: uint32(hi - uint64(lo))})
		}
	}
	return out
}

// Covered reports whether every byte of [addr, addr+length) is mapped.
func (l Layout) Covered(addr, length uint32) bool {
	var n uint64
	for _, r := range l.Split(addr, length) {
		n += uint64(r.Length)
	}
	return n == uint64(length)
}

// AlignDown rounds addr down to the segment size.
func (l Layout) AlignDown(addr uint32) uint32 {
	return addr &^ (l.SegmentSize - 1)
}

// AlignUp rounds addr up to the segment size.
func (l Layout) AlignUp(addr uint32) uint32 {
	return (addr + l.SegmentSize - 1) &^ (l.SegmentSize - 1)
}

// Aligned reports whether addr is a multiple of the segment size.
func (l Layout) Aligned(addr uint32) bool {
	return addr&(l.SegmentSize-1) == 0
}

// Start returns the first mapped address.
func (l Layout) Start() uint32 {
	if len(l.Blocks) == 0 {
		return 0
	}
	return l.Blocks[0].Begin
}

// End returns the first address after the last storage block.
func (l Layout) End() uint32 {
	if len(l.Blocks) == 0 {
		return 0
	}
	return l.Blocks[len(l.Blocks)-1].End
}

// Regions returns the maximal runs of adjacent storage blocks.
func (l Layout) Regions() []Range {
	var out []Range
	for _, b := range l.Blocks {
		if n := len(out); n > 0 && out[n-1].End() == b.Begin {
			out[n-1].Length += b.Len()
			continue
		}
		out = append(out, Range{Address: b.Begin, Length: b.Len()})
	}
	return out
}

// Uniform builds a layout of count equally sized blocks starting at base.
func Uniform(base, blockSize uint32, count int, segmentSize uint32) Layout {
	l := Layout{SegmentSize: segmentSize, Blocks: make([]Block, 0, count)}
	for i := 0; i < count; i++ {
		begin := base + uint32(i)*blockSize
		l.Blocks = append(l.Blocks, Block{Begin: begin, End: begin + blockSize})
	}
	return l
}
