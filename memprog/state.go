package memprog

import (
	"fmt"
	"strings"
)

// Op is a public pipeline entry point governed by the protocol state machine.
type Op uint8

// Entry points.
const (
	OpBlockErase Op = 1 << iota
	OpBlockStart
	OpSegmentStart
	OpDataIndication
	OpSegmentEnd
	OpBlockEnd
	OpBlockVerify
)

func (op Op) String() string {
	switch op {
	case OpBlockErase:
		return "block-erase"
	case OpBlockStart:
		return "block-start"
	case OpSegmentStart:
		return "segment-start"
	case OpDataIndication:
		return "data-indication"
	case OpSegmentEnd:
		return "segment-end"
	case OpBlockEnd:
		return "block-end"
	case OpBlockVerify:
		return "block-verify"
	default:
		return fmt.Sprintf("op(0x%02X)", uint8(op))
	}
}

// Ops is a set of entry points that may legally be called next.
type Ops uint8

// OpsNone is the reset state. Only a block start or erase may follow it.
const OpsNone Ops = 0

func opsOf(ops ...Op) Ops {
	var s Ops
	for _, op := range ops {
		s |= Ops(op)
	}
	return s
}

// Has reports whether op is in the set.
func (s Ops) Has(op Op) bool {
	return s&Ops(op) != 0
}

// effective resolves OpsNone to the operations that may start a new block.
func (s Ops) effective() Ops {
	if s == OpsNone {
		return opsOf(OpBlockStart, OpBlockErase)
	}
	return s
}

func (s Ops) String() string {
	if s == OpsNone {
		return "none"
	}
	var names []string
	for op := OpBlockErase; op <= OpBlockVerify && op != 0; op <<= 1 {
		if s.Has(op) {
			names = append(names, op.String())
		}
	}
	return strings.Join(names, "|")
}

// transitions lists what each entry point permits after it succeeds.
var transitions = map[Op]Ops{
	OpBlockErase:     opsOf(OpBlockStart, OpBlockErase),
	OpBlockStart:     opsOf(OpSegmentStart),
	OpSegmentStart:   opsOf(OpDataIndication),
	OpDataIndication: opsOf(OpDataIndication, OpSegmentEnd),
	OpSegmentEnd:     opsOf(OpSegmentStart, OpBlockEnd),
	OpBlockEnd:       opsOf(OpBlockVerify),
	OpBlockVerify:    opsOf(OpBlockStart, OpBlockErase),
}

// State is the programming state inspected at the top of every scheduler cycle.
type State uint8

// Programming states.
const (
	// StateIdle means the queue is empty
	StateIdle State = iota

	// StatePending means queued work remains
	StatePending

	// StateCheckpoint means the scheduler runs only until an input buffer is free
	StateCheckpoint

	// StateSuspended means the scheduler does not advance the queue
	StateSuspended

	// StateSuspendPending means a suspension takes effect at the next cycle
	StateSuspendPending

	// StateError means an unrecoverable failure occurred; only Init recovers
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateCheckpoint:
		return "checkpoint"
	case StateSuspended:
		return "suspended"
	case StateSuspendPending:
		return "suspend-pending"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) suspended() bool {
	return s == StateSuspended || s == StateSuspendPending
}
