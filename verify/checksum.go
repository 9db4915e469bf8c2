package verify

import "hash"

// Checksum algorithm constants.
const (
	// CRC16Polynomial is the CRC-16-CCITT polynomial (0x1021)
	CRC16Polynomial = 0x1021

	// CRC16InitialValue is the CRC-16 initial value
	CRC16InitialValue = 0xFFFF

	// CRC16HighBitMask is the high bit mask for CRC-16 calculations
	CRC16HighBitMask = 0x8000

	// BitsPerByte is the number of bits per byte
	BitsPerByte = 8
)

// sum8 is the 8-bit two's-complement summation checksum used by simple
// bootloaders: sum all bytes, then negate.
type sum8 struct {
	sum byte
}

// NewSum8 returns a hash.Hash computing the 8-bit two's-complement checksum.
func NewSum8() hash.Hash {
	return &sum8{}
}

func (s *sum8) Write(p []byte) (int, error) {
	for _, b := range p {
		s.sum += b
	}
	return len(p), nil
}

func (s *sum8) Sum(b []byte) []byte {
	// 2's complement: invert and add 1
	return append(b, ^s.sum+1)
}

func (s *sum8) Reset()         { s.sum = 0 }
func (s *sum8) Size() int      { return 1 }
func (s *sum8) BlockSize() int { return 1 }

// crc16 computes CRC-16-CCITT incrementally.
//
// CRC-16-CCITT parameters:
//   - Polynomial: CRC16Polynomial
//   - Initial value: CRC16InitialValue
//   - No final XOR
type crc16 struct {
	crc uint16
}

// NewCRC16 returns a hash.Hash computing CRC-16-CCITT, big-endian digest.
func NewCRC16() hash.Hash {
	return &crc16{crc: CRC16InitialValue}
}

func (c *crc16) Write(p []byte) (int, error) {
	crc := c.crc
	for _, b := range p {
		crc ^= uint16(b) << BitsPerByte
		for i := 0; i < BitsPerByte; i++ {
			if crc&CRC16HighBitMask != 0 {
				crc = (crc << 1) ^ CRC16Polynomial
			} else {
				crc = crc << 1
			}
		}
	}
	c.crc = crc
	return len(p), nil
}

func (c *crc16) Sum(b []byte) []byte {
	return append(b, byte(c.crc>>8), byte(c.crc))
}

func (c *crc16) Reset()         { c.crc = CRC16InitialValue }
func (c *crc16) Size() int      { return 2 }
func (c *crc16) BlockSize() int { return 1 }
