package memprog

import (
	"context"
	"errors"
	"fmt"

	"github.com/moffa90/go-memprog/protocol"
)

// SequenceError indicates an entry point was called while the protocol state
// machine did not allow it. The allowed set is reset to OpsNone.
type SequenceError struct {
	Op      Op
	Allowed Ops
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("%s not allowed: expected one of %s", e.Op, e.Allowed.effective())
}

// ParameterError indicates an invalid address, length or format.
type ParameterError struct {
	Op     Op
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("%s: invalid parameter: %s", e.Op, e.Reason)
}

// InsufficientDataError indicates a segment ended short of its declared length.
type InsufficientDataError struct {
	Expected uint32
	Actual   uint32
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: segment expects %d bytes, got %d", e.Expected, e.Actual)
}

// DriverError wraps a failure of the storage primitive.
type DriverError struct {
	Op      string
	Address uint32
	Length  uint32
	Err     error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("flash %s at 0x%08X (+%d) failed: %v", e.Op, e.Address, e.Length, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// AdapterError indicates a data processor or stream consumer failed, or
// stalled by neither consuming nor producing bytes.
type AdapterError struct {
	Adapter string
	Reason  string
	Err     error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Adapter, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Adapter, e.Reason)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// VerificationError indicates a verification stage did not pass.
type VerificationError struct {
	Stage string
	Err   error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s verification failed: %v", e.Stage, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// BusyError indicates the scheduler is suspended. The call had no effect on
// the protocol state and may be repeated after Resume.
type BusyError struct {
	Op Op
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s: scheduler suspended", e.Op)
}

// FailedError indicates the pipeline is in the error state.
type FailedError struct {
	Op Op
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%s: pipeline failed, reinitialization required", e.Op)
}

// StatusOf maps an error returned by the pipeline onto a protocol status.
func StatusOf(err error) protocol.Status {
	var (
		seq    *SequenceError
		param  *ParameterError
		short  *InsufficientDataError
		drv    *DriverError
		adp    *AdapterError
		ver    *VerificationError
		busy   *BusyError
		failed *FailedError
	)
	switch {
	case err == nil:
		return protocol.StatusOK
	case errors.As(err, &seq):
		return protocol.StatusSequenceError
	case errors.As(err, &param):
		return protocol.StatusParameterError
	case errors.As(err, &short):
		return protocol.StatusInsufficientData
	case errors.As(err, &drv):
		return protocol.StatusDriverError
	case errors.As(err, &adp):
		return protocol.StatusAdapterError
	case errors.As(err, &ver):
		return protocol.StatusVerificationError
	case errors.As(err, &busy):
		return protocol.StatusBusy
	case errors.As(err, &failed):
		return protocol.StatusFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return protocol.StatusDriverError
	default:
		return protocol.StatusFailed
	}
}
