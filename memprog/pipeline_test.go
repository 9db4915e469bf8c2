package memprog

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moffa90/go-memprog/flash"
	"github.com/moffa90/go-memprog/protocol"
	"github.com/moffa90/go-memprog/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLayout has 0x10-byte segments and an unmapped hole at [0x3000, 0x4000).
func testLayout() flash.Layout {
	return flash.Layout{
		SegmentSize: 0x10,
		Blocks: []flash.Block{
			{Begin: 0x1000, End: 0x2000},
			{Begin: 0x2000, End: 0x3000},
			{Begin: 0x4000, End: 0x5000},
		},
	}
}

func newTestPipeline(t *testing.T, opts ...Option) (*Pipeline, *flash.MemDevice) {
	t.Helper()
	dev, err := flash.NewMemDevice(testLayout())
	require.NoError(t, err)
	return New(dev, opts...), dev
}

// pattern returns n bytes none of which is zero.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i%251) | 0x01
	}
	return b
}

func send(t *testing.T, p *Pipeline, data []byte, chunk int) {
	t.Helper()
	ctx := context.Background()
	for len(data) > 0 {
		n := min(chunk, len(data))
		require.NoError(t, p.DataIndication(ctx, data[:n], 0, n))
		data = data[n:]
	}
}

func crc32Verifier(t *testing.T) *verify.HashVerifier {
	t.Helper()
	v, err := verify.New(verify.AlgCRC32)
	require.NoError(t, err)
	return v
}

func crc32Of(t *testing.T, data ...[]byte) []byte {
	t.Helper()
	d, err := verify.Digest(verify.AlgCRC32, data...)
	require.NoError(t, err)
	return d
}

func TestNewPanicsOnNilDevice(t *testing.T) {
	assert.Panics(t, func() { New(nil) })
}

func TestNewPanicsOnInvalidLayout(t *testing.T) {
	dev, err := flash.NewMemDevice(testLayout())
	require.NoError(t, err)
	bad := badLayoutDevice{dev}
	assert.Panics(t, func() { New(bad) })
}

type badLayoutDevice struct {
	*flash.MemDevice
}

func (badLayoutDevice) Layout() flash.Layout {
	return flash.Layout{SegmentSize: 3}
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	p, dev := newTestPipeline(t)
	data := pattern(0x100)

	in, proc, pipe, out := crc32Verifier(t), crc32Verifier(t), crc32Verifier(t), crc32Verifier(t)

	require.NoError(t, p.BlockErase(ctx, 0x1000, 0x100))
	assert.Equal(t, opsOf(OpBlockStart, OpBlockErase), p.Allowed())

	require.NoError(t, p.BlockStart(ctx, BlockInfo{
		TargetAddress: 0x1000,
		TargetLength:  0x100,
		Verifiers:     Verifiers{Input: in, Processed: proc, Pipelined: pipe, Output: out},
	}))
	require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x100}))
	for i := 0; i < 4; i++ {
		require.NoError(t, p.DataIndication(ctx, data, i*64, 64))
		assert.Equal(t, StateIdle, p.State())
	}

	written, err := p.SegmentEnd(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100), written)
	require.NoError(t, p.BlockEnd(ctx))

	ref := crc32Of(t, data)
	result, err := p.BlockVerify(ctx, VerifyData{Input: ref, Processed: ref, Pipelined: ref, Output: ref})
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, VerifyResult{OutcomePassed, OutcomePassed, OutcomePassed, OutcomePassed}, result)

	assert.Equal(t, data, dev.Bytes(0x1000, 0x100))
	assert.Equal(t, opsOf(OpBlockStart, OpBlockErase), p.Allowed())
	assert.Equal(t, StateIdle, p.State())
}

func TestJobsReusedAcrossBlocks(t *testing.T) {
	ctx := context.Background()
	p, dev := newTestPipeline(t, WithGapFill(0x00))
	jobs := p.jobs()
	queue := p.queue

	for _, base := range []uint32{0x1000, 0x1100} {
		data := pattern(0x30)
		require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: base, TargetLength: 0x100}))
		require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: base + 0x10, TargetLength: 0x30}))
		send(t, p, data, 0x10)
		_, err := p.SegmentEnd(ctx)
		require.NoError(t, err)
		require.NoError(t, p.BlockEnd(ctx))
		_, err = p.BlockVerify(ctx, VerifyData{})
		require.NoError(t, err)
		assert.Equal(t, data, dev.Bytes(base+0x10, 0x30))
		assert.Equal(t, make([]byte, 0x10), dev.Bytes(base, 0x10))
	}

	assert.Equal(t, jobs, p.jobs())
	assert.Same(t, queue, p.queue)
	assert.Zero(t, p.queue.len())
}

func TestChunkingInvariance(t *testing.T) {
	const length = 0x321
	data := pattern(length)

	for _, chunk := range []int{1, 7, 0x40, 0x100, 0x321} {
		p, dev := newTestPipeline(t, WithBufferSize(0x80))
		ctx := context.Background()

		require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x400}))
		require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: length}))
		send(t, p, data, chunk)

		written, err := p.SegmentEnd(ctx)
		require.NoError(t, err, "chunk %d", chunk)
		assert.Equal(t, uint32(length), written, "chunk %d", chunk)
		assert.Equal(t, data, dev.Bytes(0x1000, length), "chunk %d", chunk)
		// padded tail of the last storage segment
		assert.Equal(t, bytes.Repeat([]byte{0xFF}, 0xF), dev.Bytes(0x1000+length, 0xF))
	}
}

func TestSegmentCrossesStorageBlocks(t *testing.T) {
	ctx := context.Background()
	p, dev := newTestPipeline(t)
	data := pattern(0x40)

	require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1F00, TargetLength: 0x200}))
	require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1FE0, TargetLength: 0x40}))
	send(t, p, data, 0x40)
	_, err := p.SegmentEnd(ctx)
	require.NoError(t, err)

	assert.Equal(t, data, dev.Bytes(0x1FE0, 0x40))
}

func TestInsufficientData(t *testing.T) {
	ctx := context.Background()
	p, dev := newTestPipeline(t)

	require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100}))
	require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x100}))
	send(t, p, pattern(0x88), 0x44)

	_, err := p.SegmentEnd(ctx)
	var short *InsufficientDataError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, uint32(0x100), short.Expected)
	assert.Equal(t, uint32(0x88), short.Actual)
	assert.Equal(t, protocol.StatusInsufficientData, StatusOf(err))
	assert.Equal(t, StateError, p.State())

	// nothing beyond the delivered whole segments was written
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 0x78), dev.Bytes(0x1088, 0x78))

	err = p.DataIndication(ctx, []byte{1}, 0, 1)
	var failed *FailedError
	assert.ErrorAs(t, err, &failed)
	assert.Equal(t, protocol.StatusFailed, StatusOf(err))
	assert.Equal(t, StateError, p.State())

	assert.ErrorAs(t, p.FlushPending(ctx), &failed)
	_, err = p.Task(ctx)
	assert.ErrorAs(t, err, &failed)
}

func TestDataExceedsSegment(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100}))
	require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x20}))
	err := p.DataIndication(ctx, pattern(0x21), 0, 0x21)

	var param *ParameterError
	assert.ErrorAs(t, err, &param)
	assert.Equal(t, StateError, p.State())
}

func TestSequenceErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("segment start before block start", func(t *testing.T) {
		p, _ := newTestPipeline(t)
		err := p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x10})

		var seq *SequenceError
		require.ErrorAs(t, err, &seq)
		assert.Equal(t, OpSegmentStart, seq.Op)
		assert.Equal(t, OpsNone, p.Allowed())
		assert.NotEqual(t, StateError, p.State())
		assert.Equal(t, protocol.StatusSequenceError, StatusOf(err))

		assert.ErrorAs(t, p.DataIndication(ctx, []byte{1}, 0, 1), &seq)
		assert.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x10}))
	})

	t.Run("data indication after block end", func(t *testing.T) {
		p, _ := newTestPipeline(t)
		require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x10}))
		require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x10}))
		send(t, p, pattern(0x10), 0x10)
		_, err := p.SegmentEnd(ctx)
		require.NoError(t, err)
		require.NoError(t, p.BlockEnd(ctx))

		var seq *SequenceError
		assert.ErrorAs(t, p.DataIndication(ctx, []byte{1}, 0, 1), &seq)
		assert.Equal(t, OpsNone, p.Allowed())
		assert.ErrorAs(t, p.DataIndication(ctx, []byte{1}, 0, 1), &seq)

		// verify is no longer reachable either
		_, err = p.BlockVerify(ctx, VerifyData{})
		assert.ErrorAs(t, err, &seq)
		assert.NoError(t, p.BlockErase(ctx, 0x1000, 0x10))
	})
}

func TestSegmentStartParameters(t *testing.T) {
	tests := []struct {
		name string
		info SegmentInfo
	}{
		{"zero length", SegmentInfo{TargetAddress: 0x1000}},
		{"misaligned", SegmentInfo{TargetAddress: 0x1004, TargetLength: 0x10}},
		{"before block", SegmentInfo{TargetAddress: 0x0F00, TargetLength: 0x10}},
		{"beyond block", SegmentInfo{TargetAddress: 0x10F0, TargetLength: 0x20}},
		{"unknown format", SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x10, DataFormat: protocol.FormatZstd}},
		{"length mismatch", SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x10, LogicalLength: 0x20}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			p, _ := newTestPipeline(t)
			require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100}))

			err := p.SegmentStart(ctx, tt.info)
			var param *ParameterError
			assert.ErrorAs(t, err, &param)
			assert.Equal(t, protocol.StatusParameterError, StatusOf(err))
		})
	}
}

func TestSegmentOverlapAndLimit(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)
	require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100, MaxSegments: 2}))

	for _, addr := range []uint32{0x1000, 0x1020} {
		require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: addr, TargetLength: 0x8}))
		send(t, p, pattern(8), 8)
		_, err := p.SegmentEnd(ctx)
		require.NoError(t, err)
	}

	err := p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1040, TargetLength: 0x8})
	var param *ParameterError
	require.ErrorAs(t, err, &param)
	assert.Contains(t, param.Reason, "at most 2 segments")

	p.Init()
	require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100}))
	require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1020, TargetLength: 0x8}))
	send(t, p, pattern(8), 8)
	_, err = p.SegmentEnd(ctx)
	require.NoError(t, err)

	err = p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1020, TargetLength: 0x8})
	require.ErrorAs(t, err, &param)
	assert.Contains(t, param.Reason, "overlaps")
}

func TestGapFill(t *testing.T) {
	ctx := context.Background()

	t.Run("between segments", func(t *testing.T) {
		p, dev := newTestPipeline(t, WithGapFill(0x00))
		require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100}))

		require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x40}))
		send(t, p, pattern(0x40), 0x40)
		_, err := p.SegmentEnd(ctx)
		require.NoError(t, err)

		require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1050, TargetLength: 0x40}))
		assert.Equal(t, make([]byte, 0x10), dev.Bytes(0x1040, 0x10))
		assert.Equal(t, pattern(0x40), dev.Bytes(0x1000, 0x40))
		assert.Equal(t, uint32(0x10), p.block.fillTotal)

		send(t, p, pattern(0x40), 0x40)
		_, err = p.SegmentEnd(ctx)
		require.NoError(t, err)
		require.NoError(t, p.BlockEnd(ctx))

		// tail of the block
		assert.Equal(t, make([]byte, 0x70), dev.Bytes(0x1090, 0x70))
		assert.Equal(t, []byte{0xFF}, dev.Bytes(0x1100, 1))
	})

	t.Run("queued range", func(t *testing.T) {
		p, _ := newTestPipeline(t, WithGapFill(0xFF), WithPipelining(2))
		require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x1000}))

		require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x40}))
		assert.Empty(t, p.pendingFill())
		send(t, p, pattern(0x40), 0x40)
		_, err := p.SegmentEnd(ctx)
		require.NoError(t, err)

		require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1050, TargetLength: 0x40}))
		assert.Equal(t, []flash.Range{{Address: 0x1040, Length: 0x10}}, p.pendingFill())
		assert.True(t, p.fill.queued())
	})

	t.Run("adjacent segments", func(t *testing.T) {
		p, _ := newTestPipeline(t, WithGapFill(0xFF), WithPipelining(2))
		require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x1000}))
		require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x40}))
		send(t, p, pattern(0x40), 0x40)
		_, err := p.SegmentEnd(ctx)
		require.NoError(t, err)

		require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1040, TargetLength: 0x40}))
		assert.Empty(t, p.pendingFill())
		assert.False(t, p.fill.queued())
	})

	t.Run("unaligned segment end", func(t *testing.T) {
		p, _ := newTestPipeline(t, WithGapFill(0xFF), WithPipelining(2))
		require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x1000}))
		require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x3A}))
		send(t, p, pattern(0x3A), 0x3A)
		_, err := p.SegmentEnd(ctx)
		require.NoError(t, err)

		// the padded end at 0x1040 is where the fill starts
		require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1080, TargetLength: 0x10}))
		assert.Equal(t, []flash.Range{{Address: 0x1040, Length: 0x40}}, p.pendingFill())
	})

	t.Run("skips unmapped storage", func(t *testing.T) {
		p, _ := newTestPipeline(t, WithGapFill(0xFF), WithPipelining(2))
		require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x2F00, TargetLength: 0x1200}))
		require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x2F00, TargetLength: 0x10}))
		send(t, p, pattern(0x10), 0x10)
		_, err := p.SegmentEnd(ctx)
		require.NoError(t, err)

		require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x4080, TargetLength: 0x10}))
		assert.Equal(t, []flash.Range{
			{Address: 0x2F10, Length: 0xF0},
			{Address: 0x4000, Length: 0x80},
		}, p.pendingFill())
	})
}

// doubler repeats every input byte and appends a trailer at finalize.
type doubler struct {
	format  protocol.DataFormat
	trailer []byte
	stall   bool

	sent    int
	info    SegmentInfo
	inits   int
	deinits int
}

func (d *doubler) Accepts(f protocol.DataFormat) bool { return f == d.format }

func (d *doubler) Init(info SegmentInfo) error {
	d.inits++
	d.info = info
	d.sent = 0
	return nil
}

func (d *doubler) Process(in, out []byte, finalize bool) (int, int, error) {
	if d.stall {
		return 0, 0, nil
	}
	if finalize {
		n := copy(out, d.trailer[d.sent:])
		d.sent += n
		return 0, n, nil
	}
	n := min(len(in), len(out)/2)
	for i := 0; i < n; i++ {
		out[2*i], out[2*i+1] = in[i], in[i]
	}
	return n, 2 * n, nil
}

func (d *doubler) Deinit() error {
	d.deinits++
	return nil
}

func doubled(in, trailer []byte) []byte {
	var out []byte
	for _, b := range in {
		out = append(out, b, b)
	}
	return append(out, trailer...)
}

// collector is a stream consumer taking at most max bytes per call.
type collector struct {
	from uint32
	max  int
	err  error

	buf       bytes.Buffer
	finalized int
	deinits   int
}

func (c *collector) Accepts(info SegmentInfo) bool { return info.TargetAddress >= c.from }
func (c *collector) Init(SegmentInfo) error       { return nil }

func (c *collector) Process(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n := min(len(p), c.max)
	c.buf.Write(p[:n])
	return n, nil
}

func (c *collector) Finalize() error {
	c.finalized++
	return nil
}

func (c *collector) Deinit() error {
	c.deinits++
	return nil
}

func TestProcessedSegment(t *testing.T) {
	ctx := context.Background()
	const format = protocol.DataFormat(0x20)
	trailer := []byte{0xDE, 0xAD, 0xBE}
	proc := &doubler{format: format, trailer: trailer}
	p, dev := newTestPipeline(t, WithProcessor(proc), WithProcessBufferSize(0x10))

	in := pattern(0x40)
	want := doubled(in, trailer)
	inV, procV := crc32Verifier(t), crc32Verifier(t)

	require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100,
		Verifiers: Verifiers{Input: inV, Processed: procV}}))
	require.NoError(t, p.SegmentStart(ctx, SegmentInfo{
		TargetAddress: 0x1000,
		TargetLength:  uint32(len(want)),
		LogicalLength: uint32(len(in)),
		DataFormat:    format,
	}))
	assert.Equal(t, 1, proc.inits)
	assert.Equal(t, uint32(0x40), proc.info.LogicalLength)

	send(t, p, in, 0x18)
	written, err := p.SegmentEnd(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(want)), written)
	assert.Equal(t, 1, proc.deinits)
	assert.Equal(t, want, dev.Bytes(0x1000, uint32(len(want))))

	require.NoError(t, p.BlockEnd(ctx))
	result, err := p.BlockVerify(ctx, VerifyData{Input: crc32Of(t, in), Processed: crc32Of(t, want)})
	require.NoError(t, err)
	assert.Equal(t, OutcomePassed, result.Processed)
	assert.Equal(t, OutcomeSkipped, result.Output)
}

func TestProcessorStall(t *testing.T) {
	ctx := context.Background()
	proc := &doubler{format: 0x20, stall: true}
	p, _ := newTestPipeline(t, WithProcessor(proc))

	require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100}))
	require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x20,
		LogicalLength: 0x10, DataFormat: 0x20}))

	err := p.DataIndication(ctx, pattern(0x10), 0, 0x10)
	var adp *AdapterError
	require.ErrorAs(t, err, &adp)
	assert.Contains(t, adp.Reason, "stalled")
	assert.Equal(t, protocol.StatusAdapterError, StatusOf(err))
	assert.Equal(t, StateError, p.State())

	p.Init()
	assert.Equal(t, 1, proc.deinits)
	assert.Equal(t, StateIdle, p.State())
}

func TestStreamedSegment(t *testing.T) {
	ctx := context.Background()
	stream := &collector{from: 0x4000, max: 5}
	p, dev := newTestPipeline(t, WithStream(stream))
	data := pattern(0x53)

	require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x4000, TargetLength: 0x100}))
	require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x4000, TargetLength: 0x53}))
	send(t, p, data, 0x20)

	written, err := p.SegmentEnd(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x53), written)
	assert.Equal(t, data, stream.buf.Bytes())
	assert.Equal(t, 1, stream.finalized)
	assert.Equal(t, 1, stream.deinits)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 0x60), dev.Bytes(0x4000, 0x60))
}

func TestProcessedStream(t *testing.T) {
	ctx := context.Background()
	trailer := []byte{1, 2, 3, 4, 5}
	proc := &doubler{format: 0x20, trailer: trailer}
	stream := &collector{max: 7}
	p, _ := newTestPipeline(t, WithProcessor(proc), WithStream(stream), WithProcessBufferSize(0x10))

	in := pattern(0x30)
	want := doubled(in, trailer)
	require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100}))
	require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000,
		TargetLength: uint32(len(want)), LogicalLength: 0x30, DataFormat: 0x20}))
	send(t, p, in, 0x30)

	written, err := p.SegmentEnd(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(want)), written)
	assert.Equal(t, want, stream.buf.Bytes())
	assert.Equal(t, 1, proc.deinits)
	assert.Equal(t, 1, stream.deinits)
}

func TestStreamFailure(t *testing.T) {
	ctx := context.Background()
	stream := &collector{max: 0}
	p, _ := newTestPipeline(t, WithStream(stream))

	require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100}))
	require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x10}))
	err := p.DataIndication(ctx, pattern(0x10), 0, 0x10)

	var adp *AdapterError
	require.ErrorAs(t, err, &adp)
	assert.Equal(t, "stream", adp.Adapter)
}

func TestVerificationFailure(t *testing.T) {
	ctx := context.Background()
	data := pattern(0x40)

	run := func(t *testing.T, verifiers Verifiers, read ReadFunc, ref VerifyData) (*Pipeline, VerifyResult, error) {
		p, _ := newTestPipeline(t)
		require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x40,
			Verifiers: verifiers, Read: read}))
		require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x40}))
		send(t, p, data, 0x40)
		_, err := p.SegmentEnd(ctx)
		require.NoError(t, err)
		require.NoError(t, p.BlockEnd(ctx))
		result, err := p.BlockVerify(ctx, ref)
		return p, result, err
	}

	t.Run("input mismatch stops verification", func(t *testing.T) {
		out := crc32Verifier(t)
		p, result, err := run(t, Verifiers{Input: crc32Verifier(t), Output: out}, nil,
			VerifyData{Input: []byte{0, 0, 0, 0}, Output: crc32Of(t, data)})

		var ver *VerificationError
		require.ErrorAs(t, err, &ver)
		assert.Equal(t, "input", ver.Stage)
		assert.ErrorIs(t, err, verify.ErrMismatch)
		assert.Equal(t, OutcomeFailed, result.Input)
		assert.Equal(t, OutcomeSkipped, result.Output)
		assert.False(t, result.OK())
		assert.Zero(t, out.Count())
		assert.Equal(t, protocol.StatusVerificationError, StatusOf(err))
		assert.Equal(t, StateError, p.State())
	})

	t.Run("read-back detects corrupted storage", func(t *testing.T) {
		read := func(addr uint32, b []byte) error {
			copy(b, pattern(0x40)[addr-0x1000:])
			if addr == 0x1000 {
				b[3] ^= 0x10
			}
			return nil
		}
		_, result, err := run(t, Verifiers{Output: crc32Verifier(t)}, read, VerifyData{Output: crc32Of(t, data)})

		var ver *VerificationError
		require.ErrorAs(t, err, &ver)
		assert.Equal(t, "output", ver.Stage)
		assert.Equal(t, OutcomeFailed, result.Output)
	})

	t.Run("read error", func(t *testing.T) {
		read := func(uint32, []byte) error { return errors.New("bus fault") }
		_, _, err := run(t, Verifiers{Output: crc32Verifier(t)}, read, VerifyData{})

		var drv *DriverError
		require.ErrorAs(t, err, &drv)
		assert.Equal(t, "read", drv.Op)
	})
}

func TestPipelinedMode(t *testing.T) {
	ctx := context.Background()
	p, dev := newTestPipeline(t, WithPipelining(2), WithBufferSize(0x20))
	data := pattern(0x80)
	pipe := crc32Verifier(t)

	require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100,
		Verifiers: Verifiers{Pipelined: pipe}}))
	require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x80}))

	for off := 0; off < len(data); off += 0x20 {
		buf := p.ActiveBuffer()
		require.NotNil(t, buf)
		require.Len(t, buf, 0x20)
		n := copy(buf, data[off:off+0x20])
		require.NoError(t, p.DataIndication(ctx, buf, 0, n))
		assert.Equal(t, StatePending, p.State())
	}

	for {
		more, err := p.Task(ctx)
		require.NoError(t, err)
		if !more {
			break
		}
	}
	assert.Equal(t, StateIdle, p.State())
	assert.Equal(t, data, dev.Bytes(0x1000, 0x80))

	written, err := p.SegmentEnd(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x80), written)
	require.NoError(t, p.BlockEnd(ctx))
	result, err := p.BlockVerify(ctx, VerifyData{Pipelined: crc32Of(t, data)})
	require.NoError(t, err)
	assert.Equal(t, OutcomePassed, result.Pipelined)
	assert.Equal(t, uint64(0x80), pipe.Count())
}

func TestSuspendResume(t *testing.T) {
	ctx := context.Background()
	p, dev := newTestPipeline(t, WithPipelining(2), WithBufferSize(0x20))
	data := pattern(0x40)

	require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100}))
	require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x40}))
	require.NoError(t, p.DataIndication(ctx, data, 0, 0x20))
	require.Equal(t, StatePending, p.State())

	p.Suspend()
	assert.Equal(t, StateSuspendPending, p.State())
	more, err := p.Task(ctx)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, StateSuspended, p.State())
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 0x20), dev.Bytes(0x1000, 0x20))

	allowed := p.Allowed()
	err = p.DataIndication(ctx, data, 0x20, 0x20)
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, protocol.StatusBusy, StatusOf(err))
	assert.Equal(t, byte(protocol.NRCResponsePending), protocol.ResponseCode(StatusOf(err)))
	assert.Equal(t, allowed, p.Allowed())
	_, err = p.SegmentEnd(ctx)
	require.ErrorAs(t, err, &busy)

	require.NoError(t, p.Resume(ctx))
	assert.Equal(t, StateIdle, p.State())
	assert.Equal(t, data[:0x20], dev.Bytes(0x1000, 0x20))

	require.NoError(t, p.DataIndication(ctx, data, 0x20, 0x20))
	written, err := p.SegmentEnd(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x40), written)
}

func TestSuspendWhileIdle(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)
	p.Suspend()
	assert.Equal(t, StateSuspended, p.State())

	err := p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x10})
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, OpsNone, p.Allowed())

	require.NoError(t, p.Resume(ctx))
	assert.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x10}))
}

func TestWatchdog(t *testing.T) {
	ctx := context.Background()
	var kicks, busy int
	p, _ := newTestPipeline(t,
		WithBufferSize(0x10),
		WithWatchdog(func() bool {
			kicks++
			return kicks%4 == 0
		}),
		WithBusyHandler(func() { busy++ }),
	)

	require.NoError(t, p.BlockErase(ctx, 0x1000, 0x2000))
	require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100}))
	require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x100}))
	send(t, p, pattern(0x100), 0x100)
	_, err := p.SegmentEnd(ctx)
	require.NoError(t, err)

	assert.Greater(t, kicks, 16)
	assert.Equal(t, kicks/4, busy)
}

func TestDriverErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("write", func(t *testing.T) {
		p, dev := newTestPipeline(t)
		boom := errors.New("program failure")
		dev.SetFault(func(op string, addr uint32) error {
			if op == "write" && addr >= 0x1040 {
				return boom
			}
			return nil
		})

		require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100}))
		require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x100}))
		require.NoError(t, p.DataIndication(ctx, pattern(0x40), 0, 0x40))
		err := p.DataIndication(ctx, pattern(0x40), 0, 0x40)

		var drv *DriverError
		require.ErrorAs(t, err, &drv)
		assert.Equal(t, uint32(0x1040), drv.Address)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, StateError, p.State())
		assert.Equal(t, OpsNone, p.Allowed())

		var failed *FailedError
		_, err = p.SegmentEnd(ctx)
		assert.ErrorAs(t, err, &failed)
		assert.Equal(t, protocol.StatusFailed, StatusOf(err))

		p.Init()
		dev.SetFault(nil)
		assert.Equal(t, StateIdle, p.State())
		assert.NoError(t, p.BlockErase(ctx, 0x1000, 0x100))
	})

	t.Run("erase", func(t *testing.T) {
		p, dev := newTestPipeline(t)
		dev.SetFault(func(op string, addr uint32) error {
			if op == "erase" && addr == 0x2000 {
				return errors.New("erase timeout")
			}
			return nil
		})

		err := p.BlockErase(ctx, 0x1800, 0x1000)
		var drv *DriverError
		require.ErrorAs(t, err, &drv)
		assert.Equal(t, "erase", drv.Op)
		assert.Equal(t, uint32(0x2000), drv.Address)
		assert.Equal(t, 1, dev.Stats().Erases)
	})

	t.Run("canceled", func(t *testing.T) {
		p, _ := newTestPipeline(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := p.BlockErase(cctx, 0x1000, 0x100)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, protocol.StatusDriverError, StatusOf(err))
		assert.Equal(t, StateError, p.State())
	})
}

func TestBlockErase(t *testing.T) {
	ctx := context.Background()

	var reports []Progress
	p, dev := newTestPipeline(t, WithProgressCallback(func(pr Progress) { reports = append(reports, pr) }),
		WithProgressThresholds(1, 0x1000))

	require.NoError(t, p.BlockErase(ctx, 0x1F00, 0x200))
	assert.Equal(t, 2, dev.Stats().Erases)
	assert.Equal(t, uint64(0x2000), dev.Stats().BytesErased)
	require.NotEmpty(t, reports)
	last := reports[len(reports)-1]
	assert.Equal(t, PhaseErase, last.Phase)
	assert.Equal(t, 100, last.PartialPercent)

	err := p.BlockErase(ctx, 0x3000, 0x100)
	var param *ParameterError
	assert.ErrorAs(t, err, &param)
}

func TestProgressAcrossPhases(t *testing.T) {
	ctx := context.Background()
	var reports []Progress
	p, _ := newTestPipeline(t, WithProgressCallback(func(pr Progress) { reports = append(reports, pr) }))

	require.NoError(t, p.BlockErase(ctx, 0x1000, 0x100))
	require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100}))
	require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x100}))
	send(t, p, pattern(0x100), 0x10)
	_, err := p.SegmentEnd(ctx)
	require.NoError(t, err)
	require.NoError(t, p.BlockEnd(ctx))
	_, err = p.BlockVerify(ctx, VerifyData{})
	require.NoError(t, err)

	require.NotEmpty(t, reports)
	var phases []Phase
	for i, r := range reports {
		if i > 0 {
			assert.GreaterOrEqual(t, r.TotalPercent, reports[i-1].TotalPercent)
		}
		if len(phases) == 0 || phases[len(phases)-1] != r.Phase {
			phases = append(phases, r.Phase)
		}
	}
	assert.Equal(t, []Phase{PhaseErase, PhaseProgram, PhaseGapFill, PhaseVerify}, phases)
	assert.Equal(t, 100, reports[len(reports)-1].TotalPercent)
}

type spyObserver struct {
	queued     map[JobKind]int
	done       map[JobKind]int
	programmed map[JobKind]uint32
	erased     uint32
	ops        map[Op]protocol.Status
	maxDepth   int
}

func newSpyObserver() *spyObserver {
	return &spyObserver{
		queued:     map[JobKind]int{},
		done:       map[JobKind]int{},
		programmed: map[JobKind]uint32{},
		ops:        map[Op]protocol.Status{},
	}
}

func (s *spyObserver) JobQueued(kind JobKind)               { s.queued[kind]++ }
func (s *spyObserver) JobDone(kind JobKind, _ time.Duration) { s.done[kind]++ }
func (s *spyObserver) BytesProgrammed(kind JobKind, n uint32) {
	s.programmed[kind] += n
}
func (s *spyObserver) BytesErased(n uint32) { s.erased += n }
func (s *spyObserver) OperationDone(op Op, _ time.Duration, st protocol.Status) {
	s.ops[op] = st
}
func (s *spyObserver) QueueDepth(n int) { s.maxDepth = max(s.maxDepth, n) }

func TestObserver(t *testing.T) {
	ctx := context.Background()
	obs := newSpyObserver()
	p, _ := newTestPipeline(t, WithObserver(obs), WithGapFill(0xFF))

	require.NoError(t, p.BlockErase(ctx, 0x1000, 0x100))
	require.NoError(t, p.BlockStart(ctx, BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100}))
	require.NoError(t, p.SegmentStart(ctx, SegmentInfo{TargetAddress: 0x1020, TargetLength: 0x25}))
	send(t, p, pattern(0x25), 0x25)
	_, err := p.SegmentEnd(ctx)
	require.NoError(t, err)
	require.NoError(t, p.BlockEnd(ctx))
	_, err = p.SegmentEnd(ctx)
	assert.Error(t, err)

	assert.Equal(t, uint32(0x1000), obs.erased)
	assert.Equal(t, uint32(0x20), obs.programmed[JobInputWrite])
	assert.Equal(t, uint32(0x10), obs.programmed[JobWriteFinalize])
	assert.Equal(t, uint32(0x20+0xB0), obs.programmed[JobGapFill])
	assert.Equal(t, obs.queued[JobInputWrite], obs.done[JobInputWrite])
	assert.Equal(t, protocol.StatusOK, obs.ops[OpBlockEnd])
	assert.Equal(t, protocol.StatusSequenceError, obs.ops[OpSegmentEnd])
	assert.GreaterOrEqual(t, obs.maxDepth, 1)
}
