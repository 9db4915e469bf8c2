package protocol

// Status is the outcome of a pipeline operation, as handed to the diagnostic
// dispatcher for mapping onto a negative response code.
type Status byte

// Pipeline status values.
const (
	// StatusOK indicates the operation completed
	StatusOK Status = iota

	// StatusSequenceError indicates the operation is not allowed in the current protocol state
	StatusSequenceError

	// StatusParameterError indicates an invalid address, length or format
	StatusParameterError

	// StatusInsufficientData indicates a segment ended before its declared length was delivered
	StatusInsufficientData

	// StatusDriverError indicates the storage erase/write/read primitive failed
	StatusDriverError

	// StatusAdapterError indicates a data-processing or stream consumer failed or stalled
	StatusAdapterError

	// StatusVerificationError indicates a verification computation did not match its reference
	StatusVerificationError

	// StatusBusy indicates the scheduler is suspended and the request should be repeated
	StatusBusy

	// StatusFailed indicates the pipeline is in the error state and needs reinitialization
	StatusFailed
)

// UDS negative response codes per ISO 14229-1 annex A.1.
const (
	// NRCPositive is not a negative response, it marks success
	NRCPositive = 0x00

	// NRCGeneralReject indicates the request was rejected for an unspecified reason
	NRCGeneralReject = 0x10

	// NRCIncorrectMessageLength indicates the request length or format is wrong
	NRCIncorrectMessageLength = 0x13

	// NRCConditionsNotCorrect indicates the server is not in a state to accept the request
	NRCConditionsNotCorrect = 0x22

	// NRCRequestSequenceError indicates the request arrived out of order
	NRCRequestSequenceError = 0x24

	// NRCRequestOutOfRange indicates an address, length or format parameter is invalid
	NRCRequestOutOfRange = 0x31

	// NRCUploadDownloadNotAccepted indicates a download request could not be accepted
	NRCUploadDownloadNotAccepted = 0x70

	// NRCTransferDataSuspended indicates the data transfer was halted by a fault
	NRCTransferDataSuspended = 0x71

	// NRCGeneralProgrammingFailure indicates erasing or programming memory failed
	NRCGeneralProgrammingFailure = 0x72

	// NRCWrongBlockSequenceCounter indicates a TransferData counter mismatch
	NRCWrongBlockSequenceCounter = 0x73

	// NRCResponsePending asks the client to wait for the final response
	NRCResponsePending = 0x78
)

// Diagnostic service identifiers used by a flash download sequence.
const (
	// SIDRoutineControl starts erase and check routines
	SIDRoutineControl = 0x31

	// SIDRequestDownload opens a download of one segment
	SIDRequestDownload = 0x34

	// SIDTransferData carries one chunk of segment data
	SIDTransferData = 0x36

	// SIDRequestTransferExit closes the current segment
	SIDRequestTransferExit = 0x37
)

// Routine identifiers for RoutineControl.
const (
	// RoutineEraseMemory erases a memory range
	RoutineEraseMemory = 0xFF00

	// RoutineCheckMemory runs block verification
	RoutineCheckMemory = 0x0202
)

// DataFormat is the dataFormatIdentifier of a download request.
// The high nibble selects the compression method, the low nibble the encryption method.
type DataFormat byte

// Known data formats.
const (
	// FormatRaw is uncompressed, unencrypted data
	FormatRaw DataFormat = 0x00

	// FormatZstd is zstd-compressed data
	FormatZstd DataFormat = 0x10
)

// Compression returns the compression method nibble.
func (f DataFormat) Compression() byte {
	return byte(f) >> 4
}

// Encryption returns the encryption method nibble.
func (f DataFormat) Encryption() byte {
	return byte(f) & 0x0F
}

// MaxTransferLength is the largest TransferData payload a dispatcher announces by default.
const MaxTransferLength = 0x400
