package memprog

import (
	"time"

	"github.com/moffa90/go-memprog/flash"
	"github.com/moffa90/go-memprog/protocol"
)

// Phase names a progress phase.
type Phase string

// Progress phases.
const (
	PhaseErase   Phase = "erase"
	PhaseProgram Phase = "program"
	PhaseGapFill Phase = "gapfill"
	PhaseVerify  Phase = "verify"
)

// Progress is a two-level progress report.
type Progress struct {
	// Phase is the current phase
	Phase Phase

	// LogicalAddress is the logical address the phase works on
	LogicalAddress uint32

	// SegmentCount is the number of segments started in the current block
	SegmentCount int

	// TotalPercent is the overall completion (0-100), phase-weighted
	TotalPercent int

	// PartialPercent is the completion of the current phase (0-100)
	PartialPercent int

	// Done and Target are the byte counters behind PartialPercent
	Done   uint32
	Target uint32
}

// ProgressCallback is called when progress advances past the configured
// thresholds and once at the end of each phase. It runs on the caller's
// goroutine and should return quickly.
//
// Example:
//
//	p := memprog.New(dev,
//	    memprog.WithProgressCallback(func(pr memprog.Progress) {
//	        fmt.Printf("[%s] %d%% (total %d%%)\n", pr.Phase, pr.PartialPercent, pr.TotalPercent)
//	    }),
//	)
type ProgressCallback func(Progress)

// Logger is an optional logging interface. *slog.Logger satisfies it.
//
// Example with standard log package:
//
//	type StdLogger struct{}
//	func (l *StdLogger) Debug(msg string, kv ...interface{}) { log.Println(msg, kv) }
//	func (l *StdLogger) Info(msg string, kv ...interface{})  { log.Println(msg, kv) }
//	func (l *StdLogger) Error(msg string, kv ...interface{}) { log.Println(msg, kv) }
//
//	p := memprog.New(dev, memprog.WithLogger(&StdLogger{}))
type Logger interface {
	// Debug logs a debug message with optional key-value pairs
	Debug(msg string, keysAndValues ...interface{})

	// Info logs an info message with optional key-value pairs
	Info(msg string, keysAndValues ...interface{})

	// Error logs an error message with optional key-value pairs
	Error(msg string, keysAndValues ...interface{})
}

// Observer receives scheduler and operation events, typically for metrics.
type Observer interface {
	JobQueued(kind JobKind)
	JobDone(kind JobKind, elapsed time.Duration)
	BytesProgrammed(kind JobKind, n uint32)
	BytesErased(n uint32)
	OperationDone(op Op, elapsed time.Duration, status protocol.Status)
	QueueDepth(n int)
}

// Watchdog is serviced at every state check and every iteration of the
// erase and write loops. It returns true when the dispatcher should send an
// out-of-band busy notification.
type Watchdog func() bool

// Device is the storage collaborator.
type Device interface {
	Erase(addr, length uint32) error
	Write(addr uint32, data []byte) error
	Read(addr uint32, p []byte) error
	Layout() flash.Layout
}

// ReadFunc reads storage for verification.
type ReadFunc func(addr uint32, p []byte) error
