package flash

import (
	"fmt"
	"sync"
)

// ErasedByte is the value of an erased flash byte.
const ErasedByte = 0xFF

// Stats counts device operations.
type Stats struct {
	Erases       int
	Writes       int
	Reads        int
	BytesErased  uint64
	BytesWritten uint64
}

// MemDevice is a RAM-backed flash with NOR semantics: erase sets bytes to
// ErasedByte, and a write may only clear bits. Writes must be aligned to the
// layout's segment size and stay inside mapped blocks.
//
// MemDevice is safe for concurrent use.
type MemDevice struct {
	mu     sync.Mutex
	layout Layout
	base   uint32
	data   []byte
	stats  Stats

	// fault, when set, is consulted before every erase and write
	fault func(op string, addr uint32) error
}

// NewMemDevice creates an erased in-memory device covering the layout.
func NewMemDevice(layout Layout) (*MemDevice, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	d := &MemDevice{
		layout: layout,
		base:   layout.Start(),
		data:   make([]byte, layout.End()-layout.Start()),
	}
	for i := range d.data {
		d.data[i] = ErasedByte
	}
	return d, nil
}

// Layout returns the device geometry.
func (d *MemDevice) Layout() Layout {
	return d.layout
}

// SetFault installs a hook that can fail erase and write operations.
// Pass nil to remove it.
func (d *MemDevice) SetFault(fn func(op string, addr uint32) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault = fn
}

// Erase erases [addr, addr+length). Every byte must be mapped.
func (d *MemDevice) Erase(addr, length uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check("erase", addr, length); err != nil {
		return err
	}
	if d.fault != nil {
		if err := d.fault("erase", addr); err != nil {
			return err
		}
	}

	off := addr - d.base
	for i := off; i < off+length; i++ {
		d.data[i] = ErasedByte
	}
	d.stats.Erases++
	d.stats.BytesErased += uint64(length)
	return nil
}

// Write programs data at addr.
func (d *MemDevice) Write(addr uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	length := uint32(len(data))
	if err := d.check("write", addr, length); err != nil {
		return err
	}
	if !d.layout.Aligned(addr) || !d.layout.Aligned(length) {
		return &AccessError{Op: "write", Address: addr, Length: length,
			Reason: fmt.Sprintf("not aligned to segment size %d", d.layout.SegmentSize)}
	}
	if d.fault != nil {
		if err := d.fault("write", addr); err != nil {
			return err
		}
	}

	cur := d.data[addr-d.base : addr-d.base+length]
	for i := range data {
		if cur[i]&data[i] != data[i] {
			return fmt.Errorf("write at 0x%08X: %w", addr+uint32(i), ErrWriteRequiresErase)
		}
	}
	copy(cur, data)
	d.stats.Writes++
	d.stats.BytesWritten += uint64(length)
	return nil
}

// Read copies len(p) bytes starting at addr into p.
func (d *MemDevice) Read(addr uint32, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check("read", addr, uint32(len(p))); err != nil {
		return err
	}
	copy(p, d.data[addr-d.base:])
	d.stats.Reads++
	return nil
}

// Bytes returns a copy of [addr, addr+length). Unmapped bytes read as ErasedByte.
func (d *MemDevice) Bytes(addr, length uint32) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]byte, length)
	for i := range out {
		a := uint64(addr) + uint64(i)
		if a >= uint64(d.base) && a < uint64(d.base)+uint64(len(d.data)) {
			out[i] = d.data[a-uint64(d.base)]
		} else {
			out[i] = ErasedByte
		}
	}
	return out
}

// Stats returns a snapshot of the operation counters.
func (d *MemDevice) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *MemDevice) check(op string, addr, length uint32) error {
	if !d.layout.Covered(addr, length) {
		return &AccessError{Op: op, Address: addr, Length: length, Reason: "range not mapped"}
	}
	return nil
}
