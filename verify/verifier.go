package verify

import (
	"bytes"
	"errors"
	"fmt"
	"hash"
)

// ErrMismatch is wrapped by every MismatchError.
var ErrMismatch = errors.New("digest mismatch")

// MismatchError reports a computed digest that differs from the reference.
type MismatchError struct {
	Algorithm string
	Expected  []byte
	Actual    []byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s digest mismatch: expected %X, got %X", e.Algorithm, e.Expected, e.Actual)
}

func (e *MismatchError) Unwrap() error {
	return ErrMismatch
}

// HashVerifier drives a running hash over the bytes handed to Update and
// compares the result with a reference digest in Finalize.
type HashVerifier struct {
	name   string
	h      hash.Hash
	n      uint64
	digest []byte
}

// NewHashVerifier wraps h under the given algorithm name.
func NewHashVerifier(name string, h hash.Hash) *HashVerifier {
	return &HashVerifier{name: name, h: h}
}

// Name returns the algorithm name.
func (v *HashVerifier) Name() string {
	return v.name
}

// Init resets the running state.
func (v *HashVerifier) Init() error {
	v.h.Reset()
	v.n = 0
	v.digest = nil
	return nil
}

// Update feeds p into the running hash.
func (v *HashVerifier) Update(p []byte) error {
	_, err := v.h.Write(p)
	v.n += uint64(len(p))
	return err
}

// Finalize computes the digest and compares it with reference.
// A nil reference only computes the digest.
func (v *HashVerifier) Finalize(reference []byte) error {
	v.digest = v.h.Sum(nil)
	if reference == nil {
		return nil
	}
	if !bytes.Equal(v.digest, reference) {
		return &MismatchError{Algorithm: v.name, Expected: reference, Actual: v.digest}
	}
	return nil
}

// Digest returns the digest computed by the last Finalize.
func (v *HashVerifier) Digest() []byte {
	return v.digest
}

// Count returns the number of bytes fed since Init.
func (v *HashVerifier) Count() uint64 {
	return v.n
}
