package image

import (
	"fmt"
	"io"
)

// ParseRaw reads a flat binary image loaded at base.
func ParseRaw(r io.Reader, base uint32) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty file")
	}
	segs, err := normalize([]Segment{{Address: base, Data: data}})
	if err != nil {
		return nil, err
	}
	return &Image{Format: FormatRaw, Segments: segs}, nil
}
