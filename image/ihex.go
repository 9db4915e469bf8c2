package image

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Intel HEX record types.
const (
	recordData              = 0x00
	recordEOF               = 0x01
	recordExtSegmentAddress = 0x02
	recordStartSegment      = 0x03
	recordExtLinearAddress  = 0x04
	recordStartLinear       = 0x05
)

// minimumRecordBytes is length + address + type + checksum.
const minimumRecordBytes = 5

// ParseIntelHex parses an Intel HEX image.
//
// Record types 00 (data), 01 (end of file), 02 (extended segment address),
// 04 (extended linear address) and the start records 03 and 05 are
// understood. Parsing stops at the end-of-file record.
func ParseIntelHex(r io.Reader) (*Image, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024), 1<<20)

	img := &Image{Format: FormatIntelHex}
	var segs []Segment
	var base uint32
	lineNum := 0
	sawEOF := false

	for !sawEOF && scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		rec, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}

		switch rec.kind {
		case recordData:
			addr := uint64(base) + uint64(rec.offset)
			if addr+uint64(len(rec.data)) > 1<<32 {
				return nil, fmt.Errorf("line %d: data at 0x%X exceeds the 32-bit address space", lineNum, addr)
			}
			if n := len(segs); n > 0 && segs[n-1].End() == addr {
				segs[n-1].Data = append(segs[n-1].Data, rec.data...)
			} else {
				segs = append(segs, Segment{Address: uint32(addr), Data: append([]byte(nil), rec.data...)})
			}
		case recordEOF:
			sawEOF = true
		case recordExtSegmentAddress:
			if len(rec.data) != 2 {
				return nil, fmt.Errorf("line %d: extended segment address needs 2 bytes, got %d", lineNum, len(rec.data))
			}
			base = (uint32(rec.data[0])<<8 | uint32(rec.data[1])) << 4
		case recordExtLinearAddress:
			if len(rec.data) != 2 {
				return nil, fmt.Errorf("line %d: extended linear address needs 2 bytes, got %d", lineNum, len(rec.data))
			}
			base = (uint32(rec.data[0])<<8 | uint32(rec.data[1])) << 16
		case recordStartSegment, recordStartLinear:
			if len(rec.data) != 4 {
				return nil, fmt.Errorf("line %d: start address needs 4 bytes, got %d", lineNum, len(rec.data))
			}
			v := uint32(rec.data[0])<<24 | uint32(rec.data[1])<<16 | uint32(rec.data[2])<<8 | uint32(rec.data[3])
			if rec.kind == recordStartSegment {
				// CS:IP
				v = (v>>16)<<4 + v&0xFFFF
			}
			img.Entry = v
			img.HasEntry = true
		default:
			return nil, fmt.Errorf("line %d: unsupported record type 0x%02X", lineNum, rec.kind)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if !sawEOF {
		return nil, fmt.Errorf("missing end-of-file record")
	}

	var err error
	if img.Segments, err = normalize(segs); err != nil {
		return nil, err
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("no data records found in file")
	}
	return img, nil
}

type record struct {
	kind   byte
	offset uint16
	data   []byte
}

// parseRecord decodes one ":LLAAAATT<data>CC" line and checks its checksum.
func parseRecord(line string) (record, error) {
	if line[0] != ':' {
		return record{}, fmt.Errorf("record must start with ':'")
	}
	raw, err := hex.DecodeString(line[1:])
	if err != nil {
		return record{}, fmt.Errorf("invalid hex data: %w", err)
	}
	if len(raw) < minimumRecordBytes {
		return record{}, fmt.Errorf("record too short: got %d bytes, minimum is %d", len(raw), minimumRecordBytes)
	}

	n := int(raw[0])
	if len(raw) != minimumRecordBytes+n {
		return record{}, fmt.Errorf("data length mismatch: got %d bytes, expected %d", len(raw), minimumRecordBytes+n)
	}

	checksum := raw[len(raw)-1]
	if calculated := recordChecksum(raw[:len(raw)-1]); checksum != calculated {
		return record{}, fmt.Errorf("checksum mismatch: got 0x%02X, expected 0x%02X", checksum, calculated)
	}

	return record{
		kind:   raw[3],
		offset: uint16(raw[1])<<8 | uint16(raw[2]),
		data:   raw[4 : 4+n],
	}, nil
}

// recordChecksum is the two's complement of the byte sum. Intel HEX and
// .cyacd rows share it.
func recordChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return ^sum + 1
}
