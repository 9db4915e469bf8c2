package memprog

import (
	"fmt"

	"github.com/moffa90/go-memprog/flash"
)

// stepWrite writes an input or processor output job.
func (p *Pipeline) stepWrite(j *job) (bool, error) {
	if err := p.writeSegment(j, false); err != nil {
		return false, err
	}
	return true, nil
}

// stepWriteFinalize writes the held remainder of the segment, padded.
func (p *Pipeline) stepWriteFinalize(j *job) (bool, error) {
	if err := p.writeSegment(j, true); err != nil {
		return false, err
	}
	return true, nil
}

// writeSegment writes the job's bytes behind the segment's held remainder.
// Without finalize only whole storage segments are written and the tail is
// held for the next call. With finalize everything is written and the tail
// padded up to the next segment boundary.
func (p *Pipeline) writeSegment(j *job, finalize bool) error {
	s := &p.segment
	rem := int(s.remainder)
	if rem > j.position {
		panic(fmt.Sprintf("memprog: remainder of %d bytes does not fit in front reserve of %s job", rem, j.kind))
	}

	// The front reserve takes the held remainder so one write covers both.
	start := j.position - rem
	copy(j.buffer[start:j.position], s.hold[:rem])
	n := rem + j.used
	j.consume(j.used)

	length := n
	if !finalize {
		length = n &^ int(p.segSize-1)
		s.remainder = uint32(copy(s.hold, j.buffer[start+length:start+n]))
	} else {
		s.remainder = 0
	}
	if length == 0 {
		return nil
	}

	addr := s.writeAddress
	data := j.buffer[start:]
	total := uint32(length)
	if finalize {
		total += p.pad.pad(addr, uint32(length), data)
	}
	err := p.program(j.kind, addr, data[:total])
	if finalize {
		p.pad.unpad(addr, uint32(length), data)
	}
	if err != nil {
		return err
	}

	p.queueCheck(addr, uint32(length))
	s.writeAddress += total
	s.written += uint32(length)
	return nil
}

// program writes data at addr, cutting it at storage block boundaries.
func (p *Pipeline) program(kind JobKind, addr uint32, data []byte) error {
	for len(data) > 0 {
		p.kick()

		i, ok := p.layout.Find(addr)
		if !ok {
			return &ParameterError{Op: OpDataIndication,
				Reason: fmt.Sprintf("address 0x%08X is not mapped", addr)}
		}
		n := uint32(len(data))
		if end := p.layout.Blocks[i].End; uint64(addr)+uint64(n) > uint64(end) {
			n = end - addr
		}

		if err := p.dev.Write(addr, data[:n]); err != nil {
			return &DriverError{Op: "write", Address: addr, Length: n, Err: err}
		}
		if p.config.Observer != nil {
			p.config.Observer.BytesProgrammed(kind, n)
		}
		p.logDebug("programmed", "kind", kind.String(), "address", hex32(addr), "length", n)

		addr += n
		data = data[n:]
	}
	return nil
}

// queueCheck schedules written bytes for the pipelined verifier.
func (p *Pipeline) queueCheck(addr, length uint32) {
	b := &p.block
	if b.verifiers.Pipelined == nil || length == 0 {
		return
	}
	if n := len(b.checks); n > 0 && b.checks[n-1].End() == addr {
		b.checks[n-1].Length += length
	} else {
		b.checks = append(b.checks, flash.Range{Address: addr, Length: length})
	}
	if !p.check.queued() {
		p.enqueue(p.check, JobVerifyPipe)
	}
}

// stepVerifyPipe reads back one chunk of written bytes into the pipelined verifier.
func (p *Pipeline) stepVerifyPipe(j *job) (bool, error) {
	b := &p.block
	if len(b.checks) == 0 {
		return true, nil
	}

	r := &b.checks[0]
	chunk := j.buffer[:min(uint32(len(j.buffer)), r.Length)]
	if err := b.read(r.Address, chunk); err != nil {
		return false, &DriverError{Op: "read", Address: r.Address, Length: uint32(len(chunk)), Err: err}
	}
	if err := b.verifiers.Pipelined.Update(chunk); err != nil {
		return false, &VerificationError{Stage: "pipelined", Err: err}
	}

	r.Address += uint32(len(chunk))
	r.Length -= uint32(len(chunk))
	if r.Length == 0 {
		b.checks = b.checks[1:]
	}
	return len(b.checks) == 0, nil
}
