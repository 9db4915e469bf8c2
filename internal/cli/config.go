package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/moffa90/go-memprog/dispatch"
	"github.com/moffa90/go-memprog/flash"
	"github.com/moffa90/go-memprog/memprog"
	"github.com/moffa90/go-memprog/verify"
)

// Config is the YAML configuration of the memprog binary.
type Config struct {
	Device struct {
		// Type is "mem" or "file"
		Type     string `yaml:"type"`
		Path     string `yaml:"path"`
		DirectIO bool   `yaml:"direct_io"`
		NoLock   bool   `yaml:"no_lock"`
	} `yaml:"device"`

	Layout struct {
		SegmentSize uint32        `yaml:"segment_size"`
		Blocks      []flash.Block `yaml:"blocks"`
		Uniform     struct {
			Base      uint32 `yaml:"base"`
			BlockSize uint32 `yaml:"block_size"`
			Count     int    `yaml:"count"`
		} `yaml:"uniform"`
	} `yaml:"layout"`

	Pipeline struct {
		BufferSize        int   `yaml:"buffer_size"`
		InputBuffers      int   `yaml:"input_buffers"`
		ProcessBufferSize int   `yaml:"process_buffer_size"`
		MaxSegments       int   `yaml:"max_segments"`
		GapFill           bool  `yaml:"gap_fill"`
		FillByte          *byte `yaml:"fill_byte"`
		VerifyChunkSize   int   `yaml:"verify_chunk_size"`
	} `yaml:"pipeline"`

	Verify struct {
		Algorithm string   `yaml:"algorithm"`
		Stages    []string `yaml:"stages"`
	} `yaml:"verify"`

	Transfer struct {
		MaxBlockLength   int  `yaml:"max_block_length"`
		Compress         bool `yaml:"compress"`
		CompressionLevel int  `yaml:"compression_level"`
	} `yaml:"transfer"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}

// layout builds the storage layout from the explicit block table, or from
// the uniform section when no blocks are listed.
func (c *Config) layout() (flash.Layout, error) {
	l := flash.Layout{SegmentSize: c.Layout.SegmentSize, Blocks: c.Layout.Blocks}
	if len(l.Blocks) == 0 && c.Layout.Uniform.Count > 0 {
		u := c.Layout.Uniform
		l = flash.Uniform(u.Base, u.BlockSize, u.Count, c.Layout.SegmentSize)
	}
	if err := l.Validate(); err != nil {
		return flash.Layout{}, err
	}
	return l, nil
}

// device opens the configured storage. The returned close function flushes
// and releases file-backed devices.
func (c *Config) device(l flash.Layout) (memprog.Device, func() error, error) {
	switch strings.ToLower(c.Device.Type) {
	case "", "mem":
		dev, err := flash.NewMemDevice(l)
		if err != nil {
			return nil, nil, err
		}
		return dev, func() error { return nil }, nil
	case "file":
		if c.Device.Path == "" {
			return nil, nil, fmt.Errorf("device path is required for file devices")
		}
		dev, err := flash.OpenFile(c.Device.Path, l,
			flash.WithDirectIO(c.Device.DirectIO),
			flash.WithLock(!c.Device.NoLock))
		if err != nil {
			return nil, nil, err
		}
		return dev, func() error {
			if err := dev.Sync(); err != nil {
				_ = dev.Close()
				return err
			}
			return dev.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown device type %q", c.Device.Type)
	}
}

// pipelineOptions maps the pipeline section onto memprog options. Zero
// values keep the library defaults.
func (c *Config) pipelineOptions() []memprog.Option {
	var opts []memprog.Option
	p := c.Pipeline
	if p.BufferSize > 0 {
		opts = append(opts, memprog.WithBufferSize(p.BufferSize))
	}
	if p.InputBuffers > 1 {
		opts = append(opts, memprog.WithPipelining(p.InputBuffers))
	}
	if p.ProcessBufferSize > 0 {
		opts = append(opts, memprog.WithProcessBufferSize(p.ProcessBufferSize))
	}
	if p.MaxSegments > 0 {
		opts = append(opts, memprog.WithMaxSegments(p.MaxSegments))
	}
	if p.GapFill {
		fill := byte(flash.ErasedByte)
		if p.FillByte != nil {
			fill = *p.FillByte
		}
		opts = append(opts, memprog.WithGapFill(fill))
	}
	if p.VerifyChunkSize > 0 {
		opts = append(opts, memprog.WithVerifyChunkSize(p.VerifyChunkSize))
	}
	return opts
}

var stageNames = map[string]dispatch.Stage{
	"input":     dispatch.StageInput,
	"processed": dispatch.StageProcessed,
	"pipelined": dispatch.StagePipelined,
	"output":    dispatch.StageOutput,
}

// sessionOptions maps the verify and transfer sections onto dispatch options.
func (c *Config) sessionOptions() ([]dispatch.Option, error) {
	var opts []dispatch.Option

	if c.Verify.Algorithm != "" || len(c.Verify.Stages) > 0 {
		alg := c.Verify.Algorithm
		if alg == "" {
			alg = verify.AlgCRC32
		}
		if _, err := verify.New(alg); err != nil {
			return nil, err
		}
		stages := make([]dispatch.Stage, 0, len(c.Verify.Stages))
		for _, name := range c.Verify.Stages {
			st, ok := stageNames[strings.ToLower(name)]
			if !ok {
				return nil, fmt.Errorf("unknown verification stage %q", name)
			}
			stages = append(stages, st)
		}
		opts = append(opts, dispatch.WithVerification(alg, stages...))
	}

	if c.Transfer.MaxBlockLength > 0 {
		opts = append(opts, dispatch.WithMaxBlockLength(c.Transfer.MaxBlockLength))
	}
	if c.Transfer.Compress {
		level := zstd.SpeedDefault
		if c.Transfer.CompressionLevel > 0 {
			level = zstd.EncoderLevelFromZstd(c.Transfer.CompressionLevel)
		}
		opts = append(opts, dispatch.WithCompression(level))
	}
	if c.Pipeline.FillByte != nil {
		opts = append(opts, dispatch.WithFillByte(*c.Pipeline.FillByte))
	}
	return opts, nil
}

// logger builds the slog logger. Output goes to the log file when one is
// set, otherwise to w.
func (c *Config) logger(w io.Writer) (*slog.Logger, func() error, error) {
	var level slog.Level
	if c.Log.Level != "" {
		if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
			return nil, nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	closer := func() error { return nil }
	if c.Log.File != "" {
		f, err := os.OpenFile(c.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
		closer = f.Close
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer, nil
}
