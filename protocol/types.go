package protocol

// EraseRequest is the decoded option record of an EraseMemory routine.
type EraseRequest struct {
	// Address is the first byte to erase
	Address uint32

	// Length is the number of bytes to erase
	Length uint32
}

// DownloadRequest is a decoded RequestDownload.
type DownloadRequest struct {
	// Format is the dataFormatIdentifier
	Format DataFormat

	// Address is the target memory address
	Address uint32

	// Size is the uncompressed memory size
	Size uint32

	// TransferSize is the number of bytes the client will transfer.
	// Zero means the same as Size.
	TransferSize uint32
}

// DownloadResponse is the positive response to a RequestDownload.
type DownloadResponse struct {
	// MaxBlockLength is the largest TransferData payload the server accepts
	MaxBlockLength int
}

// TransferRequest is a decoded TransferData.
type TransferRequest struct {
	// Sequence is the block sequence counter, wrapping from 0xFF to 0x00
	Sequence byte

	// Data is the transferred payload
	Data []byte
}

// TransferExitResponse is the positive response to a RequestTransferExit.
type TransferExitResponse struct {
	// Written is the number of bytes the segment produced
	Written uint32
}

// CheckRequest carries the reference values for a CheckMemory routine.
// A nil reference skips the matching verification.
type CheckRequest struct {
	Input     []byte
	Processed []byte
	Pipelined []byte
	Output    []byte
}
