package dispatch

import (
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/moffa90/go-memprog/memprog"
	"github.com/moffa90/go-memprog/protocol"
	"github.com/moffa90/go-memprog/verify"
)

// Stage selects a verification stage.
type Stage uint8

// Verification stages.
const (
	StageInput Stage = 1 << iota
	StageProcessed
	StagePipelined
	StageOutput
)

// Config holds the session configuration.
type Config struct {
	// Logger is used for logging service requests (optional)
	Logger memprog.Logger

	// MaxBlockLength is the largest TransferData payload announced to clients
	MaxBlockLength int

	// Algorithm is the verification algorithm name, see verify.Algorithms
	Algorithm string

	// Stages selects the verification stages attached to every block
	Stages Stage

	// Compress makes Program send zstd-compressed segments
	Compress bool

	// CompressionLevel is the zstd level used when Compress is set
	CompressionLevel zstd.EncoderLevel

	// FillByte pads segments that Program aligns
	FillByte byte

	// Retries is the number of times Program repeats a request answered with response pending
	Retries int

	// RetryDelay is the wait between such repeats
	RetryDelay time.Duration
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		MaxBlockLength:   protocol.MaxTransferLength,
		Algorithm:        verify.AlgCRC32,
		Stages:           StageInput | StageOutput,
		CompressionLevel: zstd.SpeedDefault,
		FillByte:         0xFF,
		Retries:          3,
		RetryDelay:       10 * time.Millisecond,
	}
}

// Option is a functional option for configuring the Session.
type Option func(*Config)

// WithLogger sets a logger for service requests.
func WithLogger(logger memprog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMaxBlockLength sets the TransferData payload limit.
func WithMaxBlockLength(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxBlockLength = n
		}
	}
}

// WithVerification selects the verification algorithm and stages.
// Passing no stages disables verification.
//
// Example:
//
//	s := dispatch.New(p, dispatch.WithVerification(verify.AlgSHA256, dispatch.StageInput, dispatch.StageOutput))
func WithVerification(algorithm string, stages ...Stage) Option {
	return func(c *Config) {
		c.Algorithm = algorithm
		c.Stages = 0
		for _, s := range stages {
			c.Stages |= s
		}
	}
}

// WithCompression makes Program compress every segment with zstd.
func WithCompression(level zstd.EncoderLevel) Option {
	return func(c *Config) {
		c.Compress = true
		c.CompressionLevel = level
	}
}

// WithFillByte sets the byte Program uses to align segments.
func WithFillByte(b byte) Option {
	return func(c *Config) {
		c.FillByte = b
	}
}

// WithRetries sets how often Program repeats a request answered with
// response pending, and the wait in between.
func WithRetries(retries int, delay time.Duration) Option {
	return func(c *Config) {
		if retries >= 0 {
			c.Retries = retries
		}
		c.RetryDelay = delay
	}
}
