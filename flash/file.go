package flash

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"
)

// FileOption configures a FileDevice.
type FileOption func(*fileConfig)

type fileConfig struct {
	direct bool
	lock   bool
}

// WithDirectIO opens the backing file with O_DIRECT (or the platform
// equivalent) and routes all access through aligned bounce blocks. The layout
// size must be a multiple of directio.BlockSize.
func WithDirectIO(enabled bool) FileOption {
	return func(c *fileConfig) {
		c.direct = enabled
	}
}

// WithLock takes an exclusive advisory lock on the backing file for the
// lifetime of the device. Enabled by default.
func WithLock(enabled bool) FileOption {
	return func(c *fileConfig) {
		c.lock = enabled
	}
}

// FileDevice is flash backed by an image file or block device. Address
// Layout().Start() maps to file offset 0. It keeps the NOR semantics of
// MemDevice: writes may only clear bits and must be segment aligned.
//
// FileDevice is safe for concurrent use.
type FileDevice struct {
	mu     sync.Mutex
	f      *os.File
	layout Layout
	base   uint32
	direct bool
	locked bool
	erased []byte
}

// OpenFile opens or creates the flash image at path. A new or short file is
// extended to the layout size and the extension is filled with ErasedByte.
func OpenFile(path string, layout Layout, opts ...FileOption) (*FileDevice, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	cfg := fileConfig{lock: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	size := int64(layout.End() - layout.Start())
	if cfg.direct && size%directio.BlockSize != 0 {
		return nil, fmt.Errorf("direct I/O needs a size multiple of %d, layout spans %d bytes",
			directio.BlockSize, size)
	}
	if err := prepareImage(path, size); err != nil {
		return nil, err
	}

	var (
		f   *os.File
		err error
	)
	if cfg.direct {
		f, err = directio.OpenFile(path, os.O_RDWR, 0o644)
	} else {
		f, err = os.OpenFile(path, os.O_RDWR, 0o644)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image: %w", err)
	}

	d := &FileDevice{
		f:      f,
		layout: layout,
		base:   layout.Start(),
		direct: cfg.direct,
		erased: make([]byte, layout.SegmentSize),
	}
	for i := range d.erased {
		d.erased[i] = ErasedByte
	}

	if cfg.lock {
		if err := lockFile(f); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to lock flash image %s: %w", path, err)
		}
		d.locked = true
	}
	return d, nil
}

// prepareImage grows the file at path to size bytes of ErasedByte.
func prepareImage(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create flash image: %w", err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Mode()&os.ModeDevice != 0 || st.Size() >= size {
		return nil
	}

	chunk := make([]byte, 64*1024)
	for i := range chunk {
		chunk[i] = ErasedByte
	}
	for off := st.Size(); off < size; {
		n := min(int64(len(chunk)), size-off)
		if _, err := f.WriteAt(chunk[:n], off); err != nil {
			return fmt.Errorf("failed to extend flash image: %w", err)
		}
		off += n
	}
	return nil
}

// Layout returns the device geometry.
func (d *FileDevice) Layout() Layout {
	return d.layout
}

// Erase fills [addr, addr+length) with ErasedByte.
func (d *FileDevice) Erase(addr, length uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return ErrClosed
	}
	if !d.layout.Covered(addr, length) {
		return &AccessError{Op: "erase", Address: addr, Length: length, Reason: "range not mapped"}
	}

	fill := make([]byte, min(length, 64*1024))
	for i := range fill {
		fill[i] = ErasedByte
	}
	for done := uint32(0); done < length; {
		n := min(uint32(len(fill)), length-done)
		if err := d.writeAt(int64(addr-d.base+done), fill[:n]); err != nil {
			return fmt.Errorf("flash erase at 0x%08X: %w", addr+done, err)
		}
		done += n
	}
	return nil
}

// Write programs data at addr.
func (d *FileDevice) Write(addr uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return ErrClosed
	}
	length := uint32(len(data))
	if !d.layout.Covered(addr, length) {
		return &AccessError{Op: "write", Address: addr, Length: length, Reason: "range not mapped"}
	}
	if !d.layout.Aligned(addr) || !d.layout.Aligned(length) {
		return &AccessError{Op: "write", Address: addr, Length: length,
			Reason: fmt.Sprintf("not aligned to segment size %d", d.layout.SegmentSize)}
	}

	cur := make([]byte, length)
	if err := d.readAt(int64(addr-d.base), cur); err != nil {
		return fmt.Errorf("flash read before write at 0x%08X: %w", addr, err)
	}
	for i := range data {
		if cur[i]&data[i] != data[i] {
			return fmt.Errorf("write at 0x%08X: %w", addr+uint32(i), ErrWriteRequiresErase)
		}
	}
	return d.writeAt(int64(addr-d.base), data)
}

// Read copies len(p) bytes starting at addr into p.
func (d *FileDevice) Read(addr uint32, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return ErrClosed
	}
	if !d.layout.Covered(addr, uint32(len(p))) {
		return &AccessError{Op: "read", Address: addr, Length: uint32(len(p)), Reason: "range not mapped"}
	}
	return d.readAt(int64(addr-d.base), p)
}

// Sync flushes written data to stable storage.
func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return ErrClosed
	}
	return syncFile(d.f)
}

// Close syncs, unlocks and closes the backing file.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return nil
	}
	err := syncFile(d.f)
	if d.locked {
		err = errors.Join(err, unlockFile(d.f))
	}
	err = errors.Join(err, d.f.Close())
	d.f = nil
	return err
}

func (d *FileDevice) readAt(off int64, p []byte) error {
	if !d.direct {
		_, err := d.f.ReadAt(p, off)
		if errors.Is(err, io.EOF) {
			err = nil
		}
		return err
	}

	start, buf, err := d.readWindow(off, len(p))
	if err != nil {
		return err
	}
	copy(p, buf[off-start:])
	return nil
}

func (d *FileDevice) writeAt(off int64, p []byte) error {
	if !d.direct {
		_, err := d.f.WriteAt(p, off)
		return err
	}

	start, buf, err := d.readWindow(off, len(p))
	if err != nil {
		return err
	}
	copy(buf[off-start:], p)
	_, err = d.f.WriteAt(buf, start)
	return err
}

// readWindow reads the directio-aligned window covering [off, off+n).
func (d *FileDevice) readWindow(off int64, n int) (int64, []byte, error) {
	const bs = directio.BlockSize
	start := off &^ (bs - 1)
	end := (off + int64(n) + bs - 1) &^ (bs - 1)

	buf := directio.AlignedBlock(int(end - start))
	if _, err := d.f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
		return 0, nil, err
	}
	return start, buf, nil
}
