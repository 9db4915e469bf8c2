package memprog

import "fmt"

// padLength returns the number of fill bytes that align address+length to
// segSize, a power of two. A zero length needs no padding.
func padLength(address, length, segSize uint32) uint32 {
	if length == 0 {
		return 0
	}
	mask := segSize - 1
	return (segSize - ((address + length) & mask)) & mask
}

// padder pads the tail of a write in place and can restore what it overwrote.
type padder struct {
	size  uint32
	fill  byte
	saved []byte
	n     uint32
}

func newPadder(segSize uint32, fill byte) padder {
	return padder{size: segSize, fill: fill, saved: make([]byte, segSize)}
}

// pad writes fill bytes into data[length:] up to the next segment boundary
// and returns how many it wrote. The capacity must already be reserved.
func (p *padder) pad(address, length uint32, data []byte) uint32 {
	n := padLength(address, length, p.size)
	if uint64(length)+uint64(n) > uint64(len(data)) {
		panic(fmt.Sprintf("memprog: padding %d bytes overruns buffer of %d at length %d", n, len(data), length))
	}
	tail := data[length : length+n]
	copy(p.saved, tail)
	for i := range tail {
		tail[i] = p.fill
	}
	p.n = n
	return n
}

// unpad restores the bytes the last pad call overwrote.
func (p *padder) unpad(address, length uint32, data []byte) {
	n := padLength(address, length, p.size)
	if n != p.n {
		panic(fmt.Sprintf("memprog: unpad of %d bytes does not match last pad of %d", n, p.n))
	}
	copy(data[length:length+n], p.saved[:n])
	p.n = 0
}
