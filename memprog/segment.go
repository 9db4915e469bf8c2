package memprog

import (
	"context"
	"fmt"

	"github.com/moffa90/go-memprog/flash"
	"github.com/moffa90/go-memprog/protocol"
)

// SegmentInfo describes one segment of a block.
type SegmentInfo struct {
	// TargetAddress is where the segment is written; it must be segment aligned
	TargetAddress uint32

	// TargetLength is the number of bytes written to storage
	TargetLength uint32

	// LogicalAddress is the address the dispatcher reports (defaults to TargetAddress)
	LogicalAddress uint32

	// LogicalLength is the number of bytes delivered by data indications
	// (defaults to TargetLength). It differs from TargetLength for processed data.
	LogicalLength uint32

	// DataFormat selects the data processor; FormatRaw writes through
	DataFormat protocol.DataFormat
}

// segmentState is the single active segment.
type segmentState struct {
	info   SegmentInfo
	index  int
	active bool
	mode   segmentMode
	proc   DataProcessor
	stream StreamConsumer

	// procDone and closed record that the adapters were released
	procDone bool
	closed   bool

	inputKind    JobKind
	writeAddress uint32
	hold         []byte
	remainder    uint32

	received uint32
	produced uint32
	written  uint32
	consumed uint32
	closing  bool
}

// SegmentStart opens a segment in the current block. Gap fill between the
// previous segment and this one is queued when enabled.
func (p *Pipeline) SegmentStart(ctx context.Context, info SegmentInfo) error {
	return p.do(OpSegmentStart, func() error {
		if err := p.enter(OpSegmentStart); err != nil {
			return err
		}
		b := &p.block
		if b.segments >= b.info.MaxSegments {
			return &ParameterError{Op: OpSegmentStart,
				Reason: fmt.Sprintf("block allows at most %d segments", b.info.MaxSegments)}
		}
		if info.LogicalLength == 0 {
			info.LogicalLength = info.TargetLength
		}
		if info.LogicalAddress == 0 {
			info.LogicalAddress = info.TargetAddress
		}
		if err := p.checkSegment(info); err != nil {
			return err
		}

		mode, proc, stream, err := p.route(info)
		if err != nil {
			return err
		}
		if mode == modeWrite && info.LogicalLength != info.TargetLength {
			return &ParameterError{Op: OpSegmentStart,
				Reason: "logical and target length differ for unprocessed data"}
		}

		s := &p.segment
		*s = segmentState{
			info:         info,
			index:        b.segments,
			active:       true,
			mode:         mode,
			proc:         proc,
			stream:       stream,
			inputKind:    mode.inputKind(),
			writeAddress: info.TargetAddress,
			hold:         s.hold,
			procDone:     proc == nil,
			closed:       stream == nil,
		}
		if proc != nil {
			if err := proc.Init(info); err != nil {
				s.procDone = true
				return &AdapterError{Adapter: "processor", Reason: "init failed", Err: err}
			}
		}
		if stream != nil {
			if err := stream.Init(info); err != nil {
				s.closed = true
				return &AdapterError{Adapter: "stream", Reason: "init failed", Err: err}
			}
		}

		if p.config.GapFill && !mode.streamed() && info.TargetAddress > b.paddedEnd {
			p.queueFill(b.paddedEnd, info.TargetAddress-b.paddedEnd)
		}
		b.segments++

		p.setupProgram()
		p.logDebug("segment started",
			"index", s.index,
			"address", hex32(info.TargetAddress),
			"length", info.TargetLength,
			"mode", mode.String(),
		)

		if !p.config.Pipelined {
			if err := p.run(ctx, false, false); err != nil {
				return err
			}
		}
		p.permit(OpSegmentStart)
		return nil
	})
}

func (p *Pipeline) checkSegment(info SegmentInfo) error {
	b := &p.block
	bad := func(format string, args ...interface{}) error {
		return &ParameterError{Op: OpSegmentStart, Reason: fmt.Sprintf(format, args...)}
	}

	end := uint64(info.TargetAddress) + uint64(info.TargetLength)
	switch {
	case info.TargetLength == 0:
		return bad("zero length")
	case !p.layout.Aligned(info.TargetAddress):
		return bad("address 0x%08X not aligned to %d", info.TargetAddress, p.segSize)
	case info.TargetAddress < b.paddedEnd:
		return bad("address 0x%08X overlaps previous segment ending at 0x%08X", info.TargetAddress, b.paddedEnd)
	case end > uint64(b.info.TargetAddress)+uint64(b.info.TargetLength):
		return bad("segment end 0x%X exceeds block end 0x%X", end, b.end())
	case end > uint64(^uint32(0))-uint64(p.segSize):
		return bad("segment end 0x%X out of range", end)
	}

	if !p.streams(info) {
		padded := p.layout.AlignUp(uint32(end)) - info.TargetAddress
		if !p.layout.Covered(info.TargetAddress, padded) {
			return bad("range 0x%08X+0x%X is not mapped", info.TargetAddress, padded)
		}
	}
	return nil
}

// streams reports whether a stream consumer takes the segment.
func (p *Pipeline) streams(info SegmentInfo) bool {
	for _, sc := range p.config.Streams {
		if sc.Accepts(info) {
			return true
		}
	}
	return false
}

// setupProgram starts the program phase of the active segment. Its share
// of the program weight is proportional to its share of the block.
func (p *Pipeline) setupProgram() {
	b := &p.block
	s := &p.segment
	w := p.config.Weights
	rel := s.info.TargetAddress - b.info.TargetAddress

	p.progress.setup(PhaseProgram, s.info.LogicalAddress, s.index+1,
		w.Erase+scale(rel, w.Program, b.info.TargetLength),
		scale(s.info.TargetLength, w.Program, b.info.TargetLength),
		s.info.LogicalLength,
	)
}

// DataIndication delivers the next chunk of the active segment: length bytes
// of buf starting at offset. If the chunk starts at the beginning of
// ActiveBuffer it is taken without a copy.
//
// In pipelined mode the call returns as soon as an input buffer is free;
// otherwise every queued job has completed on return.
func (p *Pipeline) DataIndication(ctx context.Context, buf []byte, offset, length int) error {
	return p.do(OpDataIndication, func() error {
		if err := p.enter(OpDataIndication); err != nil {
			return err
		}
		s := &p.segment
		if offset < 0 || length < 0 || offset+length > len(buf) {
			return &ParameterError{Op: OpDataIndication,
				Reason: fmt.Sprintf("chunk [%d:%d] outside buffer of %d bytes", offset, offset+length, len(buf))}
		}
		if uint64(s.received)+uint64(length) > uint64(s.info.LogicalLength) {
			return &ParameterError{Op: OpDataIndication,
				Reason: fmt.Sprintf("%d bytes exceed the %d bytes left in the segment",
					length, s.info.LogicalLength-s.received)}
		}

		data := buf[offset : offset+length]
		if j := p.freeInput(); j != nil && length > 0 && length <= j.netSize && &data[0] == &j.net()[0] {
			j.used = length
			if err := p.accept(j); err != nil {
				return err
			}
			data = nil
		}
		for len(data) > 0 {
			j := p.freeInput()
			if j == nil {
				if err := p.run(ctx, true, false); err != nil {
					return err
				}
				continue
			}
			n := copy(j.net(), data)
			j.used = n
			data = data[n:]
			if err := p.accept(j); err != nil {
				return err
			}
		}

		if err := p.run(ctx, p.config.Pipelined, false); err != nil {
			return err
		}
		p.applySuspend()
		p.permit(OpDataIndication)
		return nil
	})
}

// accept queues a filled input job.
func (p *Pipeline) accept(j *job) error {
	s := &p.segment
	b := &p.block

	data := j.current()
	if v := b.verifiers.Input; v != nil {
		if err := v.Update(data); err != nil {
			return &VerificationError{Stage: "input", Err: err}
		}
	}
	if v := b.verifiers.Processed; v != nil && !s.mode.processed() {
		if err := v.Update(data); err != nil {
			return &VerificationError{Stage: "processed", Err: err}
		}
	}

	j.segment = s.index
	p.enqueue(j, s.inputKind)
	p.next = (p.next + 1) % len(p.inputs)
	s.received += uint32(len(data))
	p.progress.update(s.info.LogicalLength - s.received)
	return nil
}

// SegmentEnd closes the active segment once all its data was delivered. It
// flushes every queued job, pads the final storage segment and returns the
// number of bytes written, or consumed by the stream for streamed segments.
//
// A BusyError means the scheduler was suspended before the segment closed;
// call SegmentEnd again after Resume.
func (p *Pipeline) SegmentEnd(ctx context.Context) (uint32, error) {
	var written uint32
	err := p.do(OpSegmentEnd, func() error {
		if err := p.enter(OpSegmentEnd); err != nil {
			return err
		}
		s := &p.segment
		b := &p.block
		if s.received < s.info.LogicalLength {
			return &InsufficientDataError{Expected: s.info.LogicalLength, Actual: s.received}
		}

		if !s.closing {
			s.closing = true
			p.final.segment = s.index
			p.final.completion = completionUnconditional
			p.enqueue(p.final, s.mode.finalKind())
		}
		if err := p.run(ctx, false, true); err != nil {
			return err
		}

		switch {
		case s.mode.streamed():
			s.written = s.consumed
			b.paddedEnd = p.layout.AlignUp(s.info.TargetAddress + s.info.TargetLength)
		case s.written != s.info.TargetLength:
			return &InsufficientDataError{Expected: s.info.TargetLength, Actual: s.written}
		default:
			b.paddedEnd = s.writeAddress
			b.written = append(b.written, flash.Range{Address: s.info.TargetAddress, Length: s.written})
		}
		written = s.written
		s.active = false

		p.progress.conclude()
		p.logDebug("segment ended", "index", s.index, "written", written)
		p.permit(OpSegmentEnd)
		return nil
	})
	return written, err
}
