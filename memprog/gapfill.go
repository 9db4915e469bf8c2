package memprog

import "github.com/moffa90/go-memprog/flash"

// queueFill schedules the fill pattern for [addr, addr+length). Parts that
// fall between storage blocks are skipped.
func (p *Pipeline) queueFill(addr, length uint32) {
	b := &p.block
	ranges := p.layout.Split(addr, length)
	if len(ranges) == 0 {
		return
	}
	for _, r := range ranges {
		b.fills = append(b.fills, r)
		b.fillTotal += r.Length
		b.fillRemain += r.Length
	}
	p.logDebug("gap fill queued", "address", hex32(addr), "length", length, "ranges", len(ranges))

	if !p.fill.queued() {
		p.enqueue(p.fill, JobGapFill)
	}
}

// stepGapFill programs one bounded chunk of the first pending fill range.
func (p *Pipeline) stepGapFill(j *job) (bool, error) {
	b := &p.block
	if len(b.fills) == 0 {
		return true, nil
	}

	r := &b.fills[0]
	n := min(uint32(len(j.buffer)), r.Length)
	if err := p.program(JobGapFill, r.Address, j.buffer[:n]); err != nil {
		return false, err
	}

	r.Address += n
	r.Length -= n
	if r.Length == 0 {
		b.fills = b.fills[1:]
	}
	b.fillRemain -= n
	if p.progress.phase == PhaseGapFill {
		p.progress.update(b.fillRemain)
	}
	return len(b.fills) == 0, nil
}

// pendingFill returns the gap-fill ranges not yet programmed.
func (p *Pipeline) pendingFill() []flash.Range {
	return append([]flash.Range(nil), p.block.fills...)
}
