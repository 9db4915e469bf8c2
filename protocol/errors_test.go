package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResponseCode(t *testing.T) {
	tests := []struct {
		status   Status
		expected byte
	}{
		{StatusOK, NRCPositive},
		{StatusSequenceError, NRCRequestSequenceError},
		{StatusParameterError, NRCRequestOutOfRange},
		{StatusInsufficientData, NRCRequestSequenceError},
		{StatusDriverError, NRCGeneralProgrammingFailure},
		{StatusAdapterError, NRCTransferDataSuspended},
		{StatusVerificationError, NRCGeneralProgrammingFailure},
		{StatusBusy, NRCResponsePending},
		{StatusFailed, NRCConditionsNotCorrect},
		{Status(0xEE), NRCGeneralReject},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, ResponseCode(tt.status))
		})
	}
}

func TestNegativeResponseError(t *testing.T) {
	cause := errors.New("flash write failed")
	err := &NegativeResponseError{
		Service: SIDTransferData,
		Code:    NRCGeneralProgrammingFailure,
		Err:     cause,
	}

	assert.Equal(t,
		"service 0x36 rejected: general programming failure (0x72): flash write failed",
		err.Error())
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("transfer: %w", err)
	assert.True(t, IsNegativeResponse(wrapped))
	assert.False(t, IsNegativeResponse(cause))

	bare := &NegativeResponseError{Service: SIDRequestDownload, Code: 0x99}
	assert.Equal(t, "service 0x34 rejected: unknown response code 0x99 (0x99)", bare.Error())
}

func TestDataFormatNibbles(t *testing.T) {
	f := DataFormat(0x12)
	assert.Equal(t, byte(0x1), f.Compression())
	assert.Equal(t, byte(0x2), f.Encryption())
	assert.Equal(t, byte(0x1), FormatZstd.Compression())
	assert.Equal(t, byte(0x0), FormatRaw.Compression())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "insufficient data", StatusInsufficientData.String())
	assert.Equal(t, "unknown status 200", Status(200).String())
}
