// Package protocol defines the vocabulary shared between the memory-programming
// pipeline and the diagnostic dispatcher that drives it.
//
// This package does not encode or decode frames. It provides the pieces a
// dispatcher needs to turn pipeline results into diagnostic responses.
//
// # Status Values
//
// Every pipeline operation resolves to a Status:
//
//	status := memprog.StatusOf(err)
//	if status != protocol.StatusOK {
//	    code := protocol.ResponseCode(status)
//	    // send negative response with code
//	}
//
// # Negative Responses
//
// The ResponseCode mapping follows the usual flash download conventions:
//   - Sequence errors and short segments map to requestSequenceError (0x24)
//   - Parameter errors map to requestOutOfRange (0x31)
//   - Driver and verification failures map to generalProgrammingFailure (0x72)
//   - Adapter stalls map to transferDataSuspended (0x71)
//   - A suspended scheduler maps to responsePending (0x78)
//
// Dispatchers report failures with NegativeResponseError:
//
//	err := &protocol.NegativeResponseError{
//	    Service: protocol.SIDTransferData,
//	    Code:    protocol.NRCRequestOutOfRange,
//	}
//	// err.Error() returns: "service 0x36 rejected: request out of range (0x31)"
//
// # Data Formats
//
// DataFormat mirrors the dataFormatIdentifier of RequestDownload. The pipeline
// routes any format other than FormatRaw to a registered data processor.
package protocol
