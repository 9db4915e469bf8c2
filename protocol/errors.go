package protocol

import (
	"errors"
	"fmt"
)

// NegativeResponseError is returned by a dispatcher when a service request is
// answered with a negative response.
type NegativeResponseError struct {
	// Service is the service identifier of the rejected request
	Service byte

	// Code is the negative response code
	Code byte

	// Err is the pipeline error behind the response (optional)
	Err error
}

func (e *NegativeResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("service 0x%02X rejected: %s (0x%02X): %v",
			e.Service, getNRCName(e.Code), e.Code, e.Err)
	}
	return fmt.Sprintf("service 0x%02X rejected: %s (0x%02X)", e.Service, getNRCName(e.Code), e.Code)
}

func (e *NegativeResponseError) Unwrap() error {
	return e.Err
}

// IsNegativeResponse returns true if the error is or wraps a NegativeResponseError.
func IsNegativeResponse(err error) bool {
	var nrc *NegativeResponseError
	return errors.As(err, &nrc)
}

// ResponseCode maps a pipeline status onto the negative response code a
// dispatcher sends. StatusOK maps to NRCPositive.
func ResponseCode(status Status) byte {
	switch status {
	case StatusOK:
		return NRCPositive
	case StatusSequenceError, StatusInsufficientData:
		return NRCRequestSequenceError
	case StatusParameterError:
		return NRCRequestOutOfRange
	case StatusDriverError, StatusVerificationError:
		return NRCGeneralProgrammingFailure
	case StatusAdapterError:
		return NRCTransferDataSuspended
	case StatusBusy:
		return NRCResponsePending
	case StatusFailed:
		return NRCConditionsNotCorrect
	default:
		return NRCGeneralReject
	}
}

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSequenceError:
		return "sequence error"
	case StatusParameterError:
		return "parameter error"
	case StatusInsufficientData:
		return "insufficient data"
	case StatusDriverError:
		return "driver error"
	case StatusAdapterError:
		return "adapter error"
	case StatusVerificationError:
		return "verification error"
	case StatusBusy:
		return "busy"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown status %d", byte(s))
	}
}

// getNRCName returns a human-readable name for a negative response code.
func getNRCName(code byte) string {
	switch code {
	case NRCPositive:
		return "positive response"
	case NRCGeneralReject:
		return "general reject"
	case NRCIncorrectMessageLength:
		return "incorrect message length or invalid format"
	case NRCConditionsNotCorrect:
		return "conditions not correct"
	case NRCRequestSequenceError:
		return "request sequence error"
	case NRCRequestOutOfRange:
		return "request out of range"
	case NRCUploadDownloadNotAccepted:
		return "upload/download not accepted"
	case NRCTransferDataSuspended:
		return "transfer data suspended"
	case NRCGeneralProgrammingFailure:
		return "general programming failure"
	case NRCWrongBlockSequenceCounter:
		return "wrong block sequence counter"
	case NRCResponsePending:
		return "response pending"
	default:
		return fmt.Sprintf("unknown response code 0x%02X", code)
	}
}
