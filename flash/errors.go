package flash

import (
	"errors"
	"fmt"
)

var (
	// ErrWriteRequiresErase is returned when a write would need to set bits that are not erased.
	ErrWriteRequiresErase = errors.New("flash write requires erase")

	// ErrClosed is returned by a device used after Close.
	ErrClosed = errors.New("flash device closed")
)

// AccessError describes an access that does not fit the device geometry.
type AccessError struct {
	Op      string
	Address uint32
	Length  uint32
	Reason  string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("flash %s at 0x%08X (+%d): %s", e.Op, e.Address, e.Length, e.Reason)
}
