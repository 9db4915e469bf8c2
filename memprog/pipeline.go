package memprog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moffa90/go-memprog/flash"
)

// Pipeline turns a stream of data indications into aligned, verified writes.
//
// Jobs, buffers and queue slots are allocated once by New and reused for
// every block. The per-block lists of written, pending-fill and
// pending-check ranges grow with the number of segments in a block and keep
// their capacity across blocks. The pipeline
// is a cooperative single-threaded scheduler: every entry point runs on the
// caller's goroutine. Only Suspend and State may be called concurrently with
// the other methods.
type Pipeline struct {
	dev     Device
	config  Config
	layout  flash.Layout
	segSize uint32

	// mu guards state
	mu    sync.Mutex
	state State

	allowed Ops
	queue   *jobQueue

	inputs []*job
	next   int
	output *job
	final  *job
	fill   *job
	check  *job
	pad    padder

	block    blockState
	segment  segmentState
	progress progressReporter
}

// New creates a Pipeline writing to dev.
// It panics if dev is nil or its layout is invalid.
//
// Example:
//
//	dev, _ := flash.NewMemDevice(flash.Uniform(0x08000000, 0x800, 64, 8))
//	p := memprog.New(dev,
//	    memprog.WithProgressCallback(progressFunc),
//	    memprog.WithGapFill(0xFF),
//	)
func New(dev Device, opts ...Option) *Pipeline {
	if dev == nil {
		panic("device cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	layout := dev.Layout()
	if err := layout.Validate(); err != nil {
		panic(fmt.Sprintf("memprog: %v", err))
	}
	seg := int(layout.SegmentSize)
	alignUp := func(n int) int { return (n + seg - 1) &^ (seg - 1) }

	p := &Pipeline{
		dev:     dev,
		config:  cfg,
		layout:  layout,
		segSize: layout.SegmentSize,
	}

	p.inputs = make([]*job, cfg.InputBuffers)
	for i := range p.inputs {
		p.inputs[i] = newJob(seg+cfg.BufferSize+seg, seg, JobInputWrite)
	}
	p.output = newJob(seg+alignUp(cfg.ProcessBufferSize)+seg, seg, JobProcWrite)
	p.final = newJob(2*seg, seg, JobWriteFinalize)
	p.fill = newJob(alignUp(cfg.FillChunkSize), 0, JobGapFill)
	for i := range p.fill.buffer {
		p.fill.buffer[i] = cfg.FillByte
	}
	p.check = newJob(cfg.VerifyChunkSize, 0, JobVerifyPipe)
	p.pad = newPadder(layout.SegmentSize, cfg.FillByte)
	p.segment.hold = make([]byte, seg)
	p.queue = newJobQueue(len(p.inputs) + 4)
	p.progress = progressReporter{
		cb:          cfg.ProgressCallback,
		percentStep: cfg.PercentStep,
		byteStep:    cfg.EraseByteStep,
	}

	p.Init()
	return p
}

// Init fully reinitializes the pipeline: queued jobs are discarded, active
// adapters are released, the error state is cleared and only a block start
// or erase is allowed next.
func (p *Pipeline) Init() {
	s := &p.segment
	if s.active {
		if s.proc != nil && !s.procDone {
			_ = s.proc.Deinit()
		}
		if s.stream != nil && !s.closed {
			_ = s.stream.Deinit()
		}
	}
	hold := s.hold
	*s = segmentState{hold: hold}
	p.block = blockState{}

	p.queue.reset(len(p.inputs) + 4)
	for _, j := range p.jobs() {
		j.handle = 0
		j.rewind()
	}
	p.next = 0
	p.allowed = OpsNone
	p.setState(StateIdle)
	p.observeDepth()
}

func (p *Pipeline) jobs() []*job {
	return append([]*job{p.output, p.final, p.fill, p.check}, p.inputs...)
}

// State returns the programming state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Allowed returns the set of entry points that may be called next.
func (p *Pipeline) Allowed() Ops {
	return p.allowed
}

// Layout returns the storage geometry the pipeline works with.
func (p *Pipeline) Layout() flash.Layout {
	return p.layout
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// settle records the scheduler's own state without overriding a pending
// suspension or an error.
func (p *Pipeline) settle(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.suspended() || p.state == StateError {
		return
	}
	p.state = s
}

// Suspend stops the scheduler at the start of its next cycle. It is safe to
// call from another goroutine.
func (p *Pipeline) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateIdle:
		p.state = StateSuspended
	case StatePending, StateCheckpoint:
		p.state = StateSuspendPending
	}
}

// Resume lets a suspended scheduler continue and runs the queue to completion.
func (p *Pipeline) Resume(ctx context.Context) error {
	p.mu.Lock()
	if !p.state.suspended() {
		p.mu.Unlock()
		return nil
	}
	p.state = StatePending
	p.mu.Unlock()

	if err := p.run(ctx, false, true); err != nil {
		return p.fail("resume", err)
	}
	return nil
}

// applySuspend turns a pending suspension into a suspension.
func (p *Pipeline) applySuspend() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateSuspendPending {
		p.state = StateSuspended
	}
	return p.state == StateSuspended
}

// enter runs the checks every entry point starts with.
func (p *Pipeline) enter(op Op) error {
	p.kick()

	switch st := p.State(); {
	case st == StateError:
		return &FailedError{Op: op}
	case st.suspended():
		return &BusyError{Op: op}
	}

	if !p.allowed.effective().Has(op) {
		err := &SequenceError{Op: op, Allowed: p.allowed}
		p.allowed = OpsNone
		p.logError("sequence error", "op", op.String(), "error", err)
		return err
	}
	return nil
}

// permit records a successful entry point.
func (p *Pipeline) permit(op Op) {
	p.allowed = transitions[op]
}

// fail moves the pipeline into the error state unless err is a sequence or
// busy error, and returns err.
func (p *Pipeline) fail(what string, err error) error {
	var (
		seq  *SequenceError
		busy *BusyError
		st   *FailedError
	)
	if errors.As(err, &seq) || errors.As(err, &busy) || errors.As(err, &st) {
		return err
	}
	p.setState(StateError)
	p.allowed = OpsNone
	p.logError("pipeline failed", "during", what, "status", StatusOf(err).String(), "error", err)
	return err
}

// do wraps an entry point with observation.
func (p *Pipeline) do(op Op, fn func() error) error {
	start := time.Now()
	err := fn()
	if err != nil {
		err = p.fail(op.String(), err)
	}
	if p.config.Observer != nil {
		p.config.Observer.OperationDone(op, time.Since(start), StatusOf(err))
	}
	return err
}

// kick services the watchdog.
func (p *Pipeline) kick() {
	if p.config.Watchdog != nil && p.config.Watchdog() && p.config.BusyHandler != nil {
		p.config.BusyHandler()
	}
}

// freeInput returns the next input job if it is not queued.
func (p *Pipeline) freeInput() *job {
	j := p.inputs[p.next]
	if j.queued() {
		return nil
	}
	return j
}

// ActiveBuffer returns the pipeline-owned buffer the next chunk may be
// written into. Passing (a prefix of) it back to DataIndication avoids a
// copy. It returns nil while every input buffer is queued.
//
// Example:
//
//	buf := p.ActiveBuffer()
//	n := copy(buf, chunk)
//	err := p.DataIndication(ctx, buf, 0, n)
func (p *Pipeline) ActiveBuffer() []byte {
	j := p.freeInput()
	if j == nil {
		return nil
	}
	return j.net()
}

// FlushPending runs every queued job to completion.
func (p *Pipeline) FlushPending(ctx context.Context) error {
	switch st := p.State(); {
	case st == StateError:
		return &FailedError{}
	case st.suspended():
		return &BusyError{}
	}
	if err := p.run(ctx, false, true); err != nil {
		return p.fail("flush", err)
	}
	return nil
}

// Task runs one scheduler cycle. It reports whether queued work remains.
// Dispatchers call it from their idle loop when pipelining is enabled.
func (p *Pipeline) Task(ctx context.Context) (bool, error) {
	switch st := p.State(); {
	case st == StateError:
		return false, &FailedError{}
	case st.suspended():
		p.applySuspend()
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, p.fail("task", err)
	}

	p.kick()
	j := p.queue.first()
	if j == nil {
		p.settle(StateIdle)
		return false, nil
	}
	p.settle(StatePending)
	if err := p.step(j); err != nil {
		return false, p.fail("task", err)
	}
	if p.queue.first() == nil {
		p.settle(StateIdle)
		return false, nil
	}
	return true, nil
}

// run advances the queue. With untilFree it returns as soon as an input
// buffer is free. With honorSuspend a requested suspension stops it with a
// BusyError.
func (p *Pipeline) run(ctx context.Context, untilFree, honorSuspend bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("scheduler interrupted: %w", err)
		}
		p.kick()
		if honorSuspend && p.applySuspend() {
			return &BusyError{}
		}

		j := p.queue.first()
		if j == nil {
			p.settle(StateIdle)
			return nil
		}
		if untilFree {
			if p.freeInput() != nil {
				p.settle(StatePending)
				return nil
			}
			p.settle(StateCheckpoint)
		} else {
			p.settle(StatePending)
		}

		if err := p.step(j); err != nil {
			return err
		}
	}
}

// step advances the head job once.
func (p *Pipeline) step(j *job) error {
	start := time.Now()

	var (
		done bool
		err  error
	)
	switch j.kind {
	case JobInputWrite, JobProcWrite:
		done, err = p.stepWrite(j)
	case JobProcInput:
		done, err = p.stepProcessInput(j)
	case JobProcFinalize:
		done, err = p.stepProcessFinalize(j)
	case JobStreamInput, JobStreamProc:
		done, err = p.stepStream(j)
	case JobStreamFinalize:
		done, err = p.stepStreamFinalize(j)
	case JobWriteFinalize:
		done, err = p.stepWriteFinalize(j)
	case JobGapFill:
		done, err = p.stepGapFill(j)
	case JobVerifyPipe:
		done, err = p.stepVerifyPipe(j)
	default:
		panic(fmt.Sprintf("memprog: unknown job kind %d", j.kind))
	}
	if err != nil {
		return err
	}

	if done {
		kind := j.kind
		p.dequeue(j)
		if p.config.Observer != nil {
			p.config.Observer.JobDone(kind, time.Since(start))
		}
	}
	return nil
}

func (p *Pipeline) enqueue(j *job, kind JobKind) {
	if j.queued() {
		panic(fmt.Sprintf("memprog: %s job queued twice", kind))
	}
	j.kind = kind
	j.handle = p.queue.insertDefault(j)
	if p.config.Observer != nil {
		p.config.Observer.JobQueued(kind)
	}
	p.observeDepth()
}

// requeue changes the kind of a queued job and moves it to that kind's priority.
func (p *Pipeline) requeue(j *job, kind JobKind) {
	j.kind = kind
	j.handle = p.queue.update(j.handle, jobPriority[kind])
}

// raise makes j run before any input is admitted.
func (p *Pipeline) raise(j *job) {
	if !j.queued() {
		j.handle = p.queue.insert(priorityHigh, j)
		p.observeDepth()
		return
	}
	if p.queue.priority(j.handle) != priorityHigh {
		j.handle = p.queue.update(j.handle, priorityHigh)
	}
}

func (p *Pipeline) dequeue(j *job) {
	p.queue.remove(j.handle)
	j.handle = 0
	j.rewind()
	p.observeDepth()
}

func (p *Pipeline) observeDepth() {
	if p.config.Observer != nil {
		p.config.Observer.QueueDepth(p.queue.len())
	}
}

// logDebug logs a debug message if a logger is configured.
func (p *Pipeline) logDebug(msg string, keysAndValues ...interface{}) {
	if p.config.Logger != nil {
		p.config.Logger.Debug(msg, keysAndValues...)
	}
}

// logInfo logs an info message if a logger is configured.
func (p *Pipeline) logInfo(msg string, keysAndValues ...interface{}) {
	if p.config.Logger != nil {
		p.config.Logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if a logger is configured.
func (p *Pipeline) logError(msg string, keysAndValues ...interface{}) {
	if p.config.Logger != nil {
		p.config.Logger.Error(msg, keysAndValues...)
	}
}

func hex32(v uint32) string {
	return fmt.Sprintf("0x%08X", v)
}
