package process

import (
	"fmt"
	"io"

	"github.com/moffa90/go-memprog/memprog"
)

// Flusher is implemented by writers that buffer, such as *bufio.Writer.
type Flusher interface {
	Flush() error
}

// WriterStream forwards segments inside an address window to an io.Writer
// instead of local storage.
type WriterStream struct {
	w     io.Writer
	begin uint32
	end   uint32

	current  memprog.SegmentInfo
	consumed uint64
	segments int
}

// NewWriterStream streams segments whose target range lies in [begin, end).
func NewWriterStream(w io.Writer, begin, end uint32) *WriterStream {
	return &WriterStream{w: w, begin: begin, end: end}
}

// Accepts implements memprog.StreamConsumer.
func (s *WriterStream) Accepts(info memprog.SegmentInfo) bool {
	last := uint64(info.TargetAddress) + uint64(info.TargetLength)
	return info.TargetAddress >= s.begin && last <= uint64(s.end)
}

// Init implements memprog.StreamConsumer.
func (s *WriterStream) Init(info memprog.SegmentInfo) error {
	s.current = info
	s.segments++
	return nil
}

// Process implements memprog.StreamConsumer.
func (s *WriterStream) Process(p []byte) (int, error) {
	n, err := s.w.Write(p)
	s.consumed += uint64(n)
	if err != nil {
		return n, fmt.Errorf("stream segment 0x%08X: %w", s.current.TargetAddress, err)
	}
	return n, nil
}

// Finalize implements memprog.StreamConsumer.
func (s *WriterStream) Finalize() error {
	if f, ok := s.w.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// Deinit implements memprog.StreamConsumer.
func (s *WriterStream) Deinit() error {
	s.current = memprog.SegmentInfo{}
	return nil
}

// Consumed returns the total number of bytes forwarded.
func (s *WriterStream) Consumed() uint64 {
	return s.consumed
}

// Segments returns the number of segments streamed.
func (s *WriterStream) Segments() int {
	return s.segments
}
