// Package image reads firmware image files into address-ordered segments.
//
// # Formats
//
//   - Intel HEX (.hex, .ihex, .ihx): record types 00 to 05
//   - Cypress .cyacd: rows addressed by array and row number
//   - raw binary: one segment at a base address
//
// # Basic Usage
//
//	img, err := image.Load("app.hex", image.Options{})
//	if err != nil {
//	    return err
//	}
//	for _, s := range img.Align(layout.SegmentSize, 0xFF).Segments {
//	    fmt.Printf("0x%08X %d bytes\n", s.Address, len(s.Data))
//	}
//
// Segments never overlap and never touch: adjacent data is joined on load.
package image
