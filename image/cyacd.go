package image

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// .cyacd layout constants.
const (
	// cyacdHeaderLength is the header line length in hex characters
	cyacdHeaderLength = 12

	// cyacdRowHeaderSize is arrayID + rowNum + dataLen
	cyacdRowHeaderSize = 5

	// cyacdMinimumRowBytes is a row header plus checksum
	cyacdMinimumRowBytes = cyacdRowHeaderSize + 1
)

// cyacdRow is one flash row of a .cyacd file.
type cyacdRow struct {
	arrayID byte
	rowNum  uint16
	data    []byte
}

// ParseCyacd parses a Cypress .cyacd image.
//
// Row addresses are base + (arrayID*arrayRows + rowNum) * rowSize, where
// rowSize is the data length of the rows, which must all match. Images with
// a nonzero array ID need arrayRows.
//
// Rows are plain hex or carry a ':' prefix. In the prefixed form the row
// number and length are big-endian, otherwise little-endian.
func ParseCyacd(r io.Reader, base, arrayRows uint32) (*Image, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read header: %w", err)
		}
		return nil, fmt.Errorf("empty file")
	}

	img, err := parseCyacdHeader(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	var segs []Segment
	rowSize := 0
	lineNum := 1
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		bigEndian := line[0] == ':'
		row, err := parseCyacdRow(strings.TrimPrefix(line, ":"), bigEndian)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}

		if rowSize == 0 {
			rowSize = len(row.data)
		} else if len(row.data) != rowSize {
			return nil, fmt.Errorf("line %d: row size %d differs from %d", lineNum, len(row.data), rowSize)
		}
		if row.arrayID != 0 && arrayRows == 0 {
			return nil, fmt.Errorf("line %d: array %d needs a rows-per-array setting", lineNum, row.arrayID)
		}

		index := uint64(row.arrayID)*uint64(arrayRows) + uint64(row.rowNum)
		addr := uint64(base) + index*uint64(rowSize)
		if addr+uint64(rowSize) > 1<<32 {
			return nil, fmt.Errorf("line %d: row at 0x%X exceeds the 32-bit address space", lineNum, addr)
		}
		segs = append(segs, Segment{Address: uint32(addr), Data: row.data})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("no rows found in file")
	}

	if img.Segments, err = normalize(segs); err != nil {
		return nil, err
	}
	return img, nil
}

// parseCyacdHeader parses [SiliconID(4)][SiliconRev(1)][ChecksumType(1)].
func parseCyacdHeader(line string) (*Image, error) {
	if len(line) != cyacdHeaderLength {
		return nil, fmt.Errorf("invalid header length: got %d characters, expected %d", len(line), cyacdHeaderLength)
	}

	data, err := hex.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}

	// checksum type 0x00 is basic summation, 0x01 is CRC-16-CCITT
	if data[5] != 0x00 && data[5] != 0x01 {
		return nil, fmt.Errorf("invalid checksum type: 0x%02X (must be 0x00 or 0x01)", data[5])
	}

	return &Image{
		Format:     FormatCyacd,
		SiliconID:  uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3]),
		SiliconRev: data[4],
	}, nil
}

// parseCyacdRow parses [ArrayID(1)][RowNum(2)][DataLen(2)][Data(N)][Checksum(1)].
func parseCyacdRow(line string, bigEndian bool) (cyacdRow, error) {
	data, err := hex.DecodeString(line)
	if err != nil {
		return cyacdRow{}, fmt.Errorf("invalid hex data: %w", err)
	}
	if len(data) < cyacdMinimumRowBytes {
		return cyacdRow{}, fmt.Errorf("row data too short: got %d bytes, minimum is %d", len(data), cyacdMinimumRowBytes)
	}

	var rowNum, dataLen uint16
	if bigEndian {
		rowNum = uint16(data[1])<<8 | uint16(data[2])
		dataLen = uint16(data[3])<<8 | uint16(data[4])
	} else {
		rowNum = uint16(data[1]) | uint16(data[2])<<8
		dataLen = uint16(data[3]) | uint16(data[4])<<8
	}

	if expected := cyacdMinimumRowBytes + int(dataLen); len(data) != expected {
		return cyacdRow{}, fmt.Errorf("data length mismatch: got %d bytes, expected %d", len(data), expected)
	}

	checksum := data[len(data)-1]
	if calculated := recordChecksum(data[:len(data)-1]); checksum != calculated {
		return cyacdRow{}, fmt.Errorf("checksum mismatch: got 0x%02X, expected 0x%02X", checksum, calculated)
	}

	return cyacdRow{
		arrayID: data[0],
		rowNum:  rowNum,
		data:    data[cyacdRowHeaderSize : cyacdRowHeaderSize+int(dataLen)],
	}, nil
}
