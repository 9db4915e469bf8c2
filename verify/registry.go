package verify

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"hash/crc32"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Algorithm names accepted by New.
const (
	AlgSum8     = "sum8"
	AlgCRC16    = "crc16"
	AlgCRC32    = "crc32"
	AlgXXHash64 = "xxhash64"
	AlgSHA256   = "sha256"
)

var algorithms = map[string]func() hash.Hash{
	AlgSum8:     NewSum8,
	AlgCRC16:    NewCRC16,
	AlgCRC32:    func() hash.Hash { return crc32.NewIEEE() },
	AlgXXHash64: func() hash.Hash { return xxhash.New() },
	AlgSHA256:   sha256.New,
}

// New returns a HashVerifier for the named algorithm.
func New(name string) (*HashVerifier, error) {
	fn, ok := algorithms[name]
	if !ok {
		return nil, fmt.Errorf("unknown verification algorithm %q", name)
	}
	return NewHashVerifier(name, fn()), nil
}

// Digest computes the named algorithm's digest of data in one shot.
// Used by dispatchers to prepare reference values.
func Digest(name string, data ...[]byte) ([]byte, error) {
	fn, ok := algorithms[name]
	if !ok {
		return nil, fmt.Errorf("unknown verification algorithm %q", name)
	}
	h := fn()
	for _, p := range data {
		_, _ = h.Write(p)
	}
	return h.Sum(nil), nil
}

// Algorithms returns the registered algorithm names, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
