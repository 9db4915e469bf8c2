package process

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/moffa90/go-memprog/memprog"
	"github.com/moffa90/go-memprog/protocol"
)

const (
	// minDecoderMemory is the decoder memory floor, large enough for the
	// window of any frame a small segment compresses to
	minDecoderMemory = 1 << 20

	// maxInputPrealloc caps the input buffer reserved up front
	maxInputPrealloc = 64 << 10
)

// ZstdDecompressor decompresses zstd-framed segment data.
//
// Input is collected until the segment ends. At finalize the frame is
// decoded incrementally into the pipeline's process buffer, and decoding
// stops with an error as soon as the output would exceed the segment's
// target length. Frames declaring a larger content size are rejected before
// any block is decoded.
type ZstdDecompressor struct {
	decoder *zstd.Decoder
	info    memprog.SegmentInfo
	in      []byte
	sent    int
	started bool
	done    bool
}

// NewZstdDecompressor creates a decompressor.
func NewZstdDecompressor() *ZstdDecompressor {
	return &ZstdDecompressor{}
}

// Accepts implements memprog.DataProcessor.
func (z *ZstdDecompressor) Accepts(format protocol.DataFormat) bool {
	return format == protocol.FormatZstd
}

// Init implements memprog.DataProcessor.
func (z *ZstdDecompressor) Init(info memprog.SegmentInfo) error {
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
		zstd.WithDecoderMaxMemory(max(uint64(info.TargetLength), minDecoderMemory)),
	)
	if err != nil {
		return fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	z.decoder = dec
	z.info = info
	z.in = make([]byte, 0, min(info.LogicalLength, maxInputPrealloc))
	z.sent = 0
	z.started = false
	z.done = false
	return nil
}

// Process implements memprog.DataProcessor.
func (z *ZstdDecompressor) Process(in, out []byte, finalize bool) (int, int, error) {
	if z.decoder == nil {
		return 0, 0, fmt.Errorf("zstd decompressor not initialized")
	}
	if !finalize {
		z.in = append(z.in, in...)
		return len(in), 0, nil
	}
	if z.done {
		return 0, 0, nil
	}
	if !z.started {
		if err := z.decoder.Reset(bytes.NewReader(z.in)); err != nil {
			return 0, 0, fmt.Errorf("zstd decode: %w", err)
		}
		z.started = true
	}

	target := int(z.info.TargetLength)
	if left := target - z.sent; left > 0 {
		n, err := io.ReadFull(z.decoder, out[:min(len(out), left)])
		z.sent += n
		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			return 0, 0, fmt.Errorf("zstd decode: got %d bytes, segment expects %d", z.sent, target)
		case err != nil:
			return 0, 0, fmt.Errorf("zstd decode: %w", err)
		}
		return 0, n, nil
	}

	// the frame must end exactly at the target length
	var extra [1]byte
	switch _, err := io.ReadFull(z.decoder, extra[:]); {
	case err == io.EOF:
		z.done = true
		z.in = nil
		return 0, 0, nil
	case err == nil:
		return 0, 0, fmt.Errorf("zstd decode: output exceeds the %d bytes of the segment", target)
	default:
		return 0, 0, fmt.Errorf("zstd decode: %w", err)
	}
}

// Deinit implements memprog.DataProcessor.
func (z *ZstdDecompressor) Deinit() error {
	if z.decoder != nil {
		z.decoder.Close()
		z.decoder = nil
	}
	z.in = nil
	return nil
}

// Compress encodes data as a single zstd frame, the form
// ZstdDecompressor expects on the wire.
func Compress(data []byte, level zstd.EncoderLevel) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}
