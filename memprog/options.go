package memprog

// PhaseWeights are the shares of the total progress, in percent, given to
// each phase. They must add up to 100.
type PhaseWeights struct {
	Erase   uint32
	Program uint32
	GapFill uint32
	Verify  uint32
}

func (w PhaseWeights) sum() uint32 {
	return w.Erase + w.Program + w.GapFill + w.Verify
}

// Config holds the pipeline configuration.
type Config struct {
	// ProgressCallback receives progress reports (optional)
	ProgressCallback ProgressCallback

	// Logger is used for logging operations (optional)
	Logger Logger

	// Observer receives scheduler events (optional)
	Observer Observer

	// Watchdog is serviced during long loops (optional)
	Watchdog Watchdog

	// BusyHandler is called when the watchdog asks for a busy notification (optional)
	BusyHandler func()

	// BufferSize is the net size of each input buffer
	BufferSize int

	// InputBuffers is the number of input buffers
	InputBuffers int

	// Pipelined makes DataIndication return as soon as an input buffer is free
	Pipelined bool

	// ProcessBufferSize is the net size of the data-processor output buffer
	ProcessBufferSize int

	// MaxSegments is the default limit of segments per block
	MaxSegments int

	// GapFill enables filling the gaps between segments
	GapFill bool

	// FillByte is used for gap fill and for tail padding
	FillByte byte

	// FillChunkSize bounds the size of a single gap-fill write
	FillChunkSize int

	// VerifyChunkSize bounds the size of a single verification read
	VerifyChunkSize int

	// Weights splits the total progress between phases
	Weights PhaseWeights

	// PercentStep is the minimum progress advance, in percent, between reports
	PercentStep uint32

	// EraseByteStep is the minimum erase advance, in bytes, between reports
	EraseByteStep uint32

	// Processors are the data-processing adapters, tried in order
	Processors []DataProcessor

	// Streams are the stream consumers, tried in order
	Streams []StreamConsumer
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		BufferSize:        256,
		InputBuffers:      1,
		ProcessBufferSize: 256,
		MaxSegments:       32,
		FillByte:          0xFF,
		FillChunkSize:     256,
		VerifyChunkSize:   256,
		Weights:           PhaseWeights{Erase: 10, Program: 70, GapFill: 5, Verify: 15},
		PercentStep:       1,
		EraseByteStep:     0x1000,
	}
}

// Option is a functional option for configuring the Pipeline.
type Option func(*Config)

// WithProgressCallback sets a callback function to track progress.
func WithProgressCallback(callback ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = callback
	}
}

// WithLogger sets a logger for pipeline operations.
//
// Example:
//
//	p := memprog.New(dev, memprog.WithLogger(slog.Default()))
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithObserver sets an observer for scheduler events.
func WithObserver(o Observer) Option {
	return func(c *Config) {
		c.Observer = o
	}
}

// WithWatchdog sets the watchdog trigger.
func WithWatchdog(w Watchdog) Option {
	return func(c *Config) {
		c.Watchdog = w
	}
}

// WithBusyHandler sets the function called when the watchdog asks for an
// out-of-band busy notification.
func WithBusyHandler(fn func()) Option {
	return func(c *Config) {
		c.BusyHandler = fn
	}
}

// WithBufferSize sets the net size of each input buffer.
func WithBufferSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.BufferSize = size
		}
	}
}

// WithPipelining enables pipelined operation with the given number of input
// buffers. Values below 2 disable pipelining.
//
// Example:
//
//	p := memprog.New(dev, memprog.WithPipelining(2))
func WithPipelining(buffers int) Option {
	return func(c *Config) {
		if buffers >= 2 {
			c.Pipelined = true
			c.InputBuffers = buffers
		} else {
			c.Pipelined = false
			c.InputBuffers = 1
		}
	}
}

// WithProcessBufferSize sets the net size of the processor output buffer.
func WithProcessBufferSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.ProcessBufferSize = size
		}
	}
}

// WithMaxSegments sets the default segment limit per block.
func WithMaxSegments(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxSegments = n
		}
	}
}

// WithGapFill enables gap fill with the given fill byte. The same byte pads
// segment tails.
func WithGapFill(fill byte) Option {
	return func(c *Config) {
		c.GapFill = true
		c.FillByte = fill
	}
}

// WithFillChunkSize bounds the size of a single gap-fill write.
func WithFillChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.FillChunkSize = size
		}
	}
}

// WithVerifyChunkSize bounds the size of a single verification read.
func WithVerifyChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.VerifyChunkSize = size
		}
	}
}

// WithPhaseWeights sets the progress share of each phase. Weights that do not
// add up to 100 are ignored.
func WithPhaseWeights(w PhaseWeights) Option {
	return func(c *Config) {
		if w.sum() == 100 {
			c.Weights = w
		}
	}
}

// WithProgressThresholds sets the minimum advance between progress reports.
func WithProgressThresholds(percent, eraseBytes uint32) Option {
	return func(c *Config) {
		if percent > 0 {
			c.PercentStep = percent
		}
		if eraseBytes > 0 {
			c.EraseByteStep = eraseBytes
		}
	}
}

// WithProcessor registers a data-processing adapter.
func WithProcessor(p DataProcessor) Option {
	return func(c *Config) {
		c.Processors = append(c.Processors, p)
	}
}

// WithStream registers a stream consumer.
func WithStream(s StreamConsumer) Option {
	return func(c *Config) {
		c.Streams = append(c.Streams, s)
	}
}
