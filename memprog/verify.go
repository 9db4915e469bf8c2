package memprog

import (
	"context"
	"fmt"
)

// Verifier is an incremental verification computation.
type Verifier interface {
	// Init resets the computation
	Init() error

	// Update feeds bytes to the computation
	Update(p []byte) error

	// Finalize checks the computation against reference
	Finalize(reference []byte) error
}

// Verifiers are the verification stages attached to a block. Nil stages are skipped.
type Verifiers struct {
	// Input is fed the bytes delivered by data indications
	Input Verifier

	// Processed is fed the bytes after the data processor
	Processed Verifier

	// Pipelined is fed the bytes read back as they are written
	Pipelined Verifier

	// Output is fed a full read-back of the block's segments at verify time
	Output Verifier
}

type verifierStage struct {
	name string
	v    Verifier
}

func (v Verifiers) stages() []verifierStage {
	return []verifierStage{
		{"input", v.Input},
		{"processed", v.Processed},
		{"pipelined", v.Pipelined},
		{"output", v.Output},
	}
}

// VerifyData holds the reference values for each stage.
type VerifyData struct {
	Input     []byte
	Processed []byte
	Pipelined []byte
	Output    []byte
}

func (d VerifyData) reference(stage int) []byte {
	return [...][]byte{d.Input, d.Processed, d.Pipelined, d.Output}[stage]
}

// Outcome is the result of one verification stage.
type Outcome uint8

// Verification outcomes.
const (
	OutcomeSkipped Outcome = iota
	OutcomePassed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePassed:
		return "passed"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// VerifyResult reports each verification stage of a block.
type VerifyResult struct {
	Input     Outcome
	Processed Outcome
	Pipelined Outcome
	Output    Outcome
}

func (r *VerifyResult) set(stage int, o Outcome) {
	switch stage {
	case 0:
		r.Input = o
	case 1:
		r.Processed = o
	case 2:
		r.Pipelined = o
	case 3:
		r.Output = o
	}
}

// OK reports whether no stage failed.
func (r VerifyResult) OK() bool {
	return r.Input != OutcomeFailed && r.Processed != OutcomeFailed &&
		r.Pipelined != OutcomeFailed && r.Output != OutcomeFailed
}

// BlockVerify completes every queued job and finalizes the block's
// verification stages in order: input, processed, pipelined, then a full
// read-back for output. The first failing stage stops verification.
func (p *Pipeline) BlockVerify(ctx context.Context, data VerifyData) (VerifyResult, error) {
	var result VerifyResult
	err := p.do(OpBlockVerify, func() error {
		if err := p.enter(OpBlockVerify); err != nil {
			return err
		}
		if err := p.run(ctx, false, true); err != nil {
			return err
		}

		b := &p.block
		for i, st := range b.verifiers.stages() {
			if st.v == nil {
				continue
			}
			if i == 3 {
				if err := p.readBack(ctx, st.v); err != nil {
					return err
				}
			}
			if err := st.v.Finalize(data.reference(i)); err != nil {
				result.set(i, OutcomeFailed)
				return &VerificationError{Stage: st.name, Err: err}
			}
			result.set(i, OutcomePassed)
		}
		if b.verifiers.Output == nil {
			w := p.config.Weights
			p.progress.setup(PhaseVerify, b.info.LogicalAddress, b.segments,
				w.Erase+w.Program+w.GapFill, w.Verify, 0)
			p.progress.conclude()
		}

		b.active = false
		p.logInfo("block verified",
			"address", hex32(b.info.TargetAddress),
			"input", result.Input.String(),
			"processed", result.Processed.String(),
			"pipelined", result.Pipelined.String(),
			"output", result.Output.String(),
		)
		p.permit(OpBlockVerify)
		return nil
	})
	return result, err
}

// readBack feeds the block's written segments to v, reporting verify progress.
func (p *Pipeline) readBack(ctx context.Context, v Verifier) error {
	b := &p.block
	var total uint32
	for _, r := range b.written {
		total += r.Length
	}
	w := p.config.Weights
	p.progress.setup(PhaseVerify, b.info.LogicalAddress, b.segments,
		w.Erase+w.Program+w.GapFill, w.Verify, total)

	buf := p.check.buffer
	remaining := total
	for _, r := range b.written {
		for off := uint32(0); off < r.Length; {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("verification interrupted: %w", err)
			}
			p.kick()

			chunk := buf[:min(uint32(len(buf)), r.Length-off)]
			if err := b.read(r.Address+off, chunk); err != nil {
				return &DriverError{Op: "read", Address: r.Address + off, Length: uint32(len(chunk)), Err: err}
			}
			if err := v.Update(chunk); err != nil {
				return &VerificationError{Stage: "output", Err: err}
			}
			off += uint32(len(chunk))
			remaining -= uint32(len(chunk))
			p.progress.update(remaining)
		}
	}
	p.progress.conclude()
	return nil
}
