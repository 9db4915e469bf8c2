package image

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Format identifies a firmware image file format.
type Format string

// Supported image formats.
const (
	FormatIntelHex Format = "ihex"
	FormatCyacd    Format = "cyacd"
	FormatRaw      Format = "raw"
)

// Segment is a contiguous run of image bytes.
type Segment struct {
	// Address is the target address of the first byte
	Address uint32

	// Data is the segment content
	Data []byte
}

// End returns the address one past the last byte.
func (s Segment) End() uint64 {
	return uint64(s.Address) + uint64(len(s.Data))
}

// Image is a parsed firmware image with address-ordered, non-overlapping,
// non-adjacent segments.
type Image struct {
	// Format is the format the image was read from
	Format Format

	// Segments holds the image data in ascending address order
	Segments []Segment

	// Entry is the start address from an Intel HEX start record
	Entry uint32

	// HasEntry reports whether Entry was set
	HasEntry bool

	// SiliconID and SiliconRev come from a .cyacd header
	SiliconID  uint32
	SiliconRev byte
}

// Size returns the number of data bytes in the image.
func (img *Image) Size() int {
	n := 0
	for _, s := range img.Segments {
		n += len(s.Data)
	}
	return n
}

// Bounds returns the lowest address and one past the highest address.
func (img *Image) Bounds() (begin uint32, end uint64) {
	if len(img.Segments) == 0 {
		return 0, 0
	}
	return img.Segments[0].Address, img.Segments[len(img.Segments)-1].End()
}

// Options controls Load.
type Options struct {
	// Format forces the format instead of deriving it from the file extension
	Format Format

	// Base is the load address of raw and .cyacd images
	Base uint32

	// ArrayRows is the number of rows per flash array in .cyacd images
	ArrayRows uint32
}

// DetectFormat derives the image format from a file name.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex", ".ihx":
		return FormatIntelHex
	case ".cyacd":
		return FormatCyacd
	default:
		return FormatRaw
	}
}

// Load reads an image file.
//
// Example:
//
//	img, err := image.Load("app.hex", image.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("%d segments, %d bytes\n", len(img.Segments), img.Size())
func Load(path string, opts Options) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	format := opts.Format
	if format == "" {
		format = DetectFormat(path)
	}
	switch format {
	case FormatIntelHex:
		return ParseIntelHex(f)
	case FormatCyacd:
		return ParseCyacd(f, opts.Base, opts.ArrayRows)
	case FormatRaw:
		return ParseRaw(f, opts.Base)
	default:
		return nil, fmt.Errorf("unknown image format %q", format)
	}
}

// normalize sorts segments, rejects overlaps and joins adjacent runs.
func normalize(segs []Segment) ([]Segment, error) {
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Address < segs[j].Address })

	out := make([]Segment, 0, len(segs))
	for _, s := range segs {
		if len(s.Data) == 0 {
			continue
		}
		if s.End() > 1<<32 {
			return nil, fmt.Errorf("segment at 0x%08X exceeds the 32-bit address space", s.Address)
		}
		if n := len(out); n > 0 {
			last := &out[n-1]
			switch {
			case uint64(s.Address) < last.End():
				return nil, fmt.Errorf("segment at 0x%08X overlaps segment ending at 0x%08X", s.Address, last.End())
			case uint64(s.Address) == last.End():
				last.Data = append(last.Data, s.Data...)
				continue
			}
		}
		out = append(out, Segment{Address: s.Address, Data: append([]byte(nil), s.Data...)})
	}
	return out, nil
}

// Align returns a copy of the image whose segments start on a multiple of
// segSize. Segments that would share a segSize unit are joined, and the
// bytes added in front or between them are set to fill.
func (img *Image) Align(segSize uint32, fill byte) *Image {
	if segSize == 0 {
		panic("image: zero alignment")
	}
	down := func(a uint64) uint64 { return a - a%uint64(segSize) }
	up := func(a uint64) uint64 { return down(a + uint64(segSize) - 1) }

	out := *img
	out.Segments = nil
	for _, s := range img.Segments {
		begin := down(uint64(s.Address))
		if n := len(out.Segments); n > 0 {
			last := &out.Segments[n-1]
			if begin < up(last.End()) {
				gap := int(uint64(s.Address) - last.End())
				last.Data = append(last.Data, bytes.Repeat([]byte{fill}, gap)...)
				last.Data = append(last.Data, s.Data...)
				continue
			}
		}
		data := bytes.Repeat([]byte{fill}, int(uint64(s.Address)-begin))
		out.Segments = append(out.Segments, Segment{Address: uint32(begin), Data: append(data, s.Data...)})
	}
	return &out
}

// Clip returns the parts of the image inside [begin, end).
func (img *Image) Clip(begin uint32, end uint64) []Segment {
	var out []Segment
	for _, s := range img.Segments {
		lo := max(uint64(s.Address), uint64(begin))
		hi := min(s.End(), end)
		if lo >= hi {
			continue
		}
		off := lo - uint64(s.Address)
		out = append(out, Segment{Address: uint32(lo), Data: s.Data[off : off+(hi-lo)]})
	}
	return out
}
