package memprog

// scale returns done*weight/target rounded down, clamped to weight. The
// product is taken in 64 bits so no byte count can overflow it.
func scale(done, weight, target uint32) uint32 {
	if done == 0 || weight == 0 || target == 0 {
		return 0
	}
	v := uint64(done) * uint64(weight) / uint64(target)
	return uint32(min(v, uint64(weight)))
}

// progressReporter turns byte counters into phase-weighted percentages.
type progressReporter struct {
	cb          ProgressCallback
	percentStep uint32
	byteStep    uint32

	phase          Phase
	logicalAddress uint32
	segmentCount   int
	totalOffset    uint32
	totalWeight    uint32
	target         uint32

	done        uint32
	lastDone    uint32
	lastPartial uint32
	lastTotal   uint32
}

func (r *progressReporter) setup(phase Phase, logicalAddress uint32, segmentCount int,
	totalOffset, totalWeight, target uint32) {
	r.phase = phase
	r.logicalAddress = logicalAddress
	r.segmentCount = segmentCount
	r.totalOffset = min(totalOffset, 100)
	r.totalWeight = min(totalWeight, 100-r.totalOffset)
	r.target = target
	r.done = 0
	r.lastDone = 0
	r.lastPartial = 0
	r.lastTotal = r.totalOffset
}

func (r *progressReporter) percentages(done uint32) (partial, total uint32) {
	if r.target == 0 {
		return 100, r.totalOffset + r.totalWeight
	}
	return scale(done, 100, r.target), r.totalOffset + scale(done, r.totalWeight, r.target)
}

// update reports when the phase advanced past its threshold.
func (r *progressReporter) update(remaining uint32) {
	remaining = min(remaining, r.target)
	r.done = r.target - remaining
	if r.cb == nil {
		return
	}

	partial, total := r.percentages(r.done)
	if r.phase == PhaseErase {
		if r.done-r.lastDone < r.byteStep {
			return
		}
	} else if partial-r.lastPartial < r.percentStep && total-r.lastTotal < r.percentStep {
		return
	}
	r.report(partial, total)
}

// conclude reports the phase-final values unconditionally.
func (r *progressReporter) conclude() {
	r.done = r.target
	r.report(100, r.totalOffset+r.totalWeight)
}

// total returns the current total percentage.
func (r *progressReporter) total() uint32 {
	_, total := r.percentages(r.done)
	return total
}

func (r *progressReporter) report(partial, total uint32) {
	r.lastDone = r.done
	r.lastPartial = partial
	r.lastTotal = total
	if r.cb == nil {
		return
	}
	r.cb(Progress{
		Phase:          r.phase,
		LogicalAddress: r.logicalAddress,
		SegmentCount:   r.segmentCount,
		TotalPercent:   int(total),
		PartialPercent: int(partial),
		Done:           r.done,
		Target:         r.target,
	})
}
