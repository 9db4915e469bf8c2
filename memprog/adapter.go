package memprog

import (
	"fmt"

	"github.com/moffa90/go-memprog/protocol"
)

// DataProcessor transforms segment data before it is written, for example
// to decompress or decrypt it. Output length may differ from input length.
//
// Process is called with finalize=false for every input chunk, and then
// repeatedly with finalize=true and no input at segment end until it
// produces nothing. Returning zero consumed and zero produced bytes while
// input remains is treated as a stall.
type DataProcessor interface {
	// Accepts reports whether the processor handles the data format
	Accepts(format protocol.DataFormat) bool

	// Init prepares the processor for a segment
	Init(info SegmentInfo) error

	// Process transforms in into out
	Process(in, out []byte, finalize bool) (consumed, produced int, err error)

	// Deinit releases the processor after the segment
	Deinit() error
}

// StreamConsumer receives segment data instead of local storage.
type StreamConsumer interface {
	// Accepts reports whether the segment is to be streamed
	Accepts(info SegmentInfo) bool

	// Init prepares the consumer for a segment
	Init(info SegmentInfo) error

	// Process consumes a prefix of p
	Process(p []byte) (consumed int, err error)

	// Finalize flushes the consumer at segment end
	Finalize() error

	// Deinit releases the consumer after the segment
	Deinit() error
}

// segmentMode is the data route chosen at segment start.
type segmentMode uint8

const (
	modeWrite segmentMode = iota
	modeProcess
	modeStream
	modeProcessStream
)

func (m segmentMode) String() string {
	switch m {
	case modeProcess:
		return "process"
	case modeStream:
		return "stream"
	case modeProcessStream:
		return "process+stream"
	default:
		return "write"
	}
}

func (m segmentMode) processed() bool {
	return m == modeProcess || m == modeProcessStream
}

func (m segmentMode) streamed() bool {
	return m == modeStream || m == modeProcessStream
}

// inputKind is the kind given to every data-indication job of the segment.
func (m segmentMode) inputKind() JobKind {
	switch m {
	case modeProcess, modeProcessStream:
		return JobProcInput
	case modeStream:
		return JobStreamInput
	default:
		return JobInputWrite
	}
}

// outputKind is the kind given to the processor output job.
func (m segmentMode) outputKind() JobKind {
	if m == modeProcessStream {
		return JobStreamProc
	}
	return JobProcWrite
}

// finalKind is the kind of the job closing the segment.
func (m segmentMode) finalKind() JobKind {
	switch m {
	case modeProcess, modeProcessStream:
		return JobProcFinalize
	case modeStream:
		return JobStreamFinalize
	default:
		return JobWriteFinalize
	}
}

// route picks the adapters for a segment.
func (p *Pipeline) route(info SegmentInfo) (segmentMode, DataProcessor, StreamConsumer, error) {
	var proc DataProcessor
	if info.DataFormat != protocol.FormatRaw {
		for _, dp := range p.config.Processors {
			if dp.Accepts(info.DataFormat) {
				proc = dp
				break
			}
		}
		if proc == nil {
			return modeWrite, nil, nil, &ParameterError{Op: OpSegmentStart,
				Reason: fmt.Sprintf("no data processor accepts format 0x%02X", byte(info.DataFormat))}
		}
	}

	var stream StreamConsumer
	for _, sc := range p.config.Streams {
		if sc.Accepts(info) {
			stream = sc
			break
		}
	}

	switch {
	case proc != nil && stream != nil:
		return modeProcessStream, proc, stream, nil
	case proc != nil:
		return modeProcess, proc, nil, nil
	case stream != nil:
		return modeStream, nil, stream, nil
	default:
		return modeWrite, nil, nil, nil
	}
}

// stepProcessInput feeds one input job to the processor.
func (p *Pipeline) stepProcessInput(j *job) (bool, error) {
	s := &p.segment
	out := p.output

	space := out.space()
	if len(space) == 0 {
		p.raise(out)
		return false, nil
	}

	consumed, produced, err := s.proc.Process(j.current(), space, false)
	if err != nil {
		return false, &AdapterError{Adapter: "processor", Reason: "process failed", Err: err}
	}
	if consumed < 0 || consumed > j.used || produced < 0 || produced > len(space) {
		return false, &AdapterError{Adapter: "processor", Reason: "reported lengths out of range"}
	}
	if consumed == 0 && produced == 0 {
		return false, &AdapterError{Adapter: "processor", Reason: "stalled: consumed and produced nothing"}
	}
	j.consume(consumed)
	if err := p.produce(space[:produced]); err != nil {
		return false, err
	}
	return j.used == 0, nil
}

// stepProcessFinalize drains the processor. Once it produces nothing the
// processor is released and the job turns into the write or stream finalize.
func (p *Pipeline) stepProcessFinalize(j *job) (bool, error) {
	s := &p.segment
	out := p.output

	space := out.space()
	if len(space) == 0 {
		p.raise(out)
		return false, nil
	}

	_, produced, err := s.proc.Process(nil, space, true)
	if err != nil {
		return false, &AdapterError{Adapter: "processor", Reason: "finalize failed", Err: err}
	}
	if produced < 0 || produced > len(space) {
		return false, &AdapterError{Adapter: "processor", Reason: "reported lengths out of range"}
	}
	if produced > 0 {
		return false, p.produce(space[:produced])
	}

	s.procDone = true
	if err := s.proc.Deinit(); err != nil {
		return false, &AdapterError{Adapter: "processor", Reason: "deinit failed", Err: err}
	}
	if s.mode == modeProcessStream {
		p.requeue(j, JobStreamFinalize)
	} else {
		p.requeue(j, JobWriteFinalize)
	}
	return false, nil
}

// produce accounts processor output that was placed in the output job's space.
func (p *Pipeline) produce(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	s := &p.segment
	if uint64(s.produced)+uint64(len(b)) > uint64(s.info.TargetLength) {
		return &AdapterError{Adapter: "processor",
			Reason: fmt.Sprintf("output exceeds segment length %d", s.info.TargetLength)}
	}
	if v := p.block.verifiers.Processed; v != nil {
		if err := v.Update(b); err != nil {
			return &VerificationError{Stage: "processed", Err: err}
		}
	}
	s.produced += uint32(len(b))

	out := p.output
	out.used += len(b)
	if !out.queued() {
		out.segment = s.index
		p.enqueue(out, s.mode.outputKind())
	}
	return nil
}

// stepStream hands a job's bytes to the stream consumer.
func (p *Pipeline) stepStream(j *job) (bool, error) {
	s := &p.segment
	data := j.current()
	if len(data) == 0 {
		return true, nil
	}

	n, err := s.stream.Process(data)
	if err != nil {
		return false, &AdapterError{Adapter: "stream", Reason: "process failed", Err: err}
	}
	if n < 0 || n > len(data) {
		return false, &AdapterError{Adapter: "stream", Reason: "reported length out of range"}
	}
	if n == 0 {
		return false, &AdapterError{Adapter: "stream", Reason: "stalled: consumed nothing"}
	}
	j.consume(n)
	s.consumed += uint32(n)
	return j.used == 0, nil
}

// stepStreamFinalize flushes and releases the stream consumer.
func (p *Pipeline) stepStreamFinalize(*job) (bool, error) {
	s := &p.segment
	if err := s.stream.Finalize(); err != nil {
		return false, &AdapterError{Adapter: "stream", Reason: "finalize failed", Err: err}
	}
	s.closed = true
	if err := s.stream.Deinit(); err != nil {
		return false, &AdapterError{Adapter: "stream", Reason: "deinit failed", Err: err}
	}
	return true, nil
}
