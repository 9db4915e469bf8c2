package memprog

import (
	"context"
	"fmt"

	"github.com/moffa90/go-memprog/flash"
)

// BlockInfo describes a block: one logical flash region programmed by a
// sequence of segments.
type BlockInfo struct {
	// TargetAddress is the first storage address of the block; it must be segment aligned
	TargetAddress uint32

	// TargetLength is the size of the block in storage
	TargetLength uint32

	// LogicalAddress is the address the dispatcher reports (defaults to TargetAddress)
	LogicalAddress uint32

	// LogicalLength is the logical size of the block (defaults to TargetLength)
	LogicalLength uint32

	// Verifiers are the optional verification stages
	Verifiers Verifiers

	// Read reads storage back for verification (defaults to the device)
	Read ReadFunc

	// MaxSegments limits the segments in the block (defaults to the configured limit)
	MaxSegments int
}

// blockState persists across the segments of a block.
type blockState struct {
	info      BlockInfo
	active    bool
	verifiers Verifiers
	read      ReadFunc

	segments  int
	paddedEnd uint32
	ending    bool

	// written are the segment ranges programmed to storage
	written []flash.Range

	// checks are written ranges not yet fed to the pipelined verifier
	checks []flash.Range

	// fills are the pending gap-fill ranges
	fills      []flash.Range
	fillTotal  uint32
	fillRemain uint32
}

func (b *blockState) end() uint64 {
	return uint64(b.info.TargetAddress) + uint64(b.info.TargetLength)
}

// BlockErase erases every storage block intersecting [address, address+length).
//
// Example:
//
//	if err := p.BlockErase(ctx, 0x08004000, 0x4000); err != nil {
//	    return err
//	}
func (p *Pipeline) BlockErase(ctx context.Context, address, length uint32) error {
	return p.do(OpBlockErase, func() error {
		if err := p.enter(OpBlockErase); err != nil {
			return err
		}
		if length == 0 {
			return &ParameterError{Op: OpBlockErase, Reason: "zero length"}
		}
		if uint64(address)+uint64(length) > 1<<32 {
			return &ParameterError{Op: OpBlockErase, Reason: "range exceeds the address space"}
		}
		if _, ok := p.layout.Find(address); !ok {
			return &ParameterError{Op: OpBlockErase,
				Reason: fmt.Sprintf("address 0x%08X is not mapped", address)}
		}

		var (
			targets []flash.Block
			total   uint32
		)
		for _, r := range p.layout.Split(address, length) {
			i, _ := p.layout.Find(r.Address)
			blk := p.layout.Blocks[i]
			if n := len(targets); n > 0 && targets[n-1] == blk {
				continue
			}
			targets = append(targets, blk)
			total += blk.Len()
		}

		w := p.config.Weights
		p.progress.setup(PhaseErase, address, 0, 0, w.Erase, total)
		p.logInfo("erasing", "address", hex32(address), "length", length, "blocks", len(targets))

		remaining := total
		for _, blk := range targets {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("erase interrupted: %w", err)
			}
			p.kick()
			if err := p.dev.Erase(blk.Begin, blk.Len()); err != nil {
				return &DriverError{Op: "erase", Address: blk.Begin, Length: blk.Len(), Err: err}
			}
			if p.config.Observer != nil {
				p.config.Observer.BytesErased(blk.Len())
			}
			remaining -= blk.Len()
			p.progress.update(remaining)
		}
		p.progress.conclude()

		p.permit(OpBlockErase)
		return nil
	})
}

// BlockStart opens a block. It resets the verifiers given in info.
func (p *Pipeline) BlockStart(ctx context.Context, info BlockInfo) error {
	return p.do(OpBlockStart, func() error {
		if err := p.enter(OpBlockStart); err != nil {
			return err
		}
		if info.LogicalAddress == 0 {
			info.LogicalAddress = info.TargetAddress
		}
		if info.LogicalLength == 0 {
			info.LogicalLength = info.TargetLength
		}
		if info.MaxSegments <= 0 {
			info.MaxSegments = p.config.MaxSegments
		}
		if info.Read == nil {
			info.Read = p.dev.Read
		}

		switch {
		case info.TargetLength == 0:
			return &ParameterError{Op: OpBlockStart, Reason: "zero length"}
		case !p.layout.Aligned(info.TargetAddress):
			return &ParameterError{Op: OpBlockStart,
				Reason: fmt.Sprintf("address 0x%08X not aligned to %d", info.TargetAddress, p.segSize)}
		case uint64(info.TargetAddress)+uint64(info.TargetLength) > 1<<32-uint64(p.segSize):
			return &ParameterError{Op: OpBlockStart, Reason: "range exceeds the address space"}
		}
		if _, ok := p.layout.Find(info.TargetAddress); !ok {
			return &ParameterError{Op: OpBlockStart,
				Reason: fmt.Sprintf("address 0x%08X is not mapped", info.TargetAddress)}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		// Jobs of the previous block are stale once a new block starts.
		if p.queue.len() > 0 {
			if err := p.run(ctx, false, true); err != nil {
				return err
			}
		}

		b := &p.block
		*b = blockState{
			info:      info,
			active:    true,
			verifiers: info.Verifiers,
			read:      info.Read,
			paddedEnd: info.TargetAddress,
			written:   b.written[:0],
			checks:    b.checks[:0],
			fills:     b.fills[:0],
		}
		for _, st := range b.verifiers.stages() {
			if st.v == nil {
				continue
			}
			if err := st.v.Init(); err != nil {
				return &VerificationError{Stage: st.name, Err: err}
			}
		}

		p.logInfo("block started",
			"address", hex32(info.TargetAddress),
			"length", info.TargetLength,
			"max_segments", info.MaxSegments,
		)
		p.permit(OpBlockStart)
		return nil
	})
}

// BlockEnd closes the block. With gap fill enabled the space after the last
// segment up to the block end is filled.
func (p *Pipeline) BlockEnd(ctx context.Context) error {
	return p.do(OpBlockEnd, func() error {
		if err := p.enter(OpBlockEnd); err != nil {
			return err
		}
		b := &p.block
		if !b.ending {
			b.ending = true
			if p.config.GapFill {
				// fill up to the target end; logical addresses only label progress
				end := p.layout.AlignUp(uint32(b.end()))
				if end > b.paddedEnd {
					p.queueFill(b.paddedEnd, end-b.paddedEnd)
				}
			}
			w := p.config.Weights
			p.progress.setup(PhaseGapFill, b.info.LogicalAddress, b.segments,
				w.Erase+w.Program, w.GapFill, b.fillTotal)
			p.progress.update(b.fillRemain)
		}

		if err := p.run(ctx, false, true); err != nil {
			return err
		}
		p.progress.conclude()

		p.logInfo("block ended", "address", hex32(b.info.TargetAddress), "segments", b.segments)
		p.permit(OpBlockEnd)
		return nil
	})
}
