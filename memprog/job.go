package memprog

import "fmt"

// JobKind tells the scheduler what must happen to a job's bytes.
type JobKind uint8

// Job kinds.
const (
	// JobInputWrite writes raw input to storage
	JobInputWrite JobKind = iota

	// JobProcInput feeds input to the data processor
	JobProcInput

	// JobProcWrite writes processor output to storage
	JobProcWrite

	// JobProcFinalize drains the data processor at segment end
	JobProcFinalize

	// JobStreamInput hands raw input to the stream consumer
	JobStreamInput

	// JobStreamProc hands processor output to the stream consumer
	JobStreamProc

	// JobStreamFinalize finalizes the stream consumer at segment end
	JobStreamFinalize

	// JobWriteFinalize writes the held remainder, padded, at segment end
	JobWriteFinalize

	// JobGapFill programs the fill pattern into gaps between segments
	JobGapFill

	// JobVerifyPipe feeds written bytes back into the pipelined verifier
	JobVerifyPipe

	numJobKinds
)

var jobKindNames = [numJobKinds]string{
	JobInputWrite:     "input-write",
	JobProcInput:      "proc-input",
	JobProcWrite:      "proc-write",
	JobProcFinalize:   "proc-finalize",
	JobStreamInput:    "stream-input",
	JobStreamProc:     "stream-proc",
	JobStreamFinalize: "stream-finalize",
	JobWriteFinalize:  "write-finalize",
	JobGapFill:        "gap-fill",
	JobVerifyPipe:     "verify-pipe",
}

func (k JobKind) String() string {
	if k < numJobKinds {
		return jobKindNames[k]
	}
	return fmt.Sprintf("job-kind(%d)", uint8(k))
}

// completion selects how much of a job must be flushed.
type completion uint8

const (
	// completionNormal writes only whole storage segments and holds the remainder
	completionNormal completion = iota

	// completionFinalize writes everything, padding the tail
	completionFinalize

	// completionUnconditional keeps the job queued until its adapter reports done
	completionUnconditional
)

// job describes one pre-allocated buffer region and a cursor over it.
//
// Buffer layout of data jobs:
//
//	[front reserve][net region][tail reserve]
//
// The front reserve receives the carried remainder, the tail reserve the padding.
type job struct {
	buffer     []byte
	totalSize  int
	netSize    int
	offset     int
	position   int
	used       int
	kind       JobKind
	completion completion
	segment    int

	// handle is the queue slot, 0 when not queued
	handle int
}

func newJob(size, reserve int, kind JobKind) *job {
	j := &job{}
	j.init(make([]byte, size), kind)
	if reserve > 0 {
		j.reserve(reserve, reserve)
	}
	return j
}

// init attaches buffer and resets every cursor field.
func (j *job) init(buffer []byte, kind JobKind) {
	j.buffer = buffer
	j.totalSize = len(buffer)
	j.netSize = len(buffer)
	j.offset = 0
	j.position = 0
	j.used = 0
	j.kind = kind
	j.completion = completionNormal
	j.segment = 0
	j.handle = 0
}

// reserve carves front and tail reserves out of the net region.
func (j *job) reserve(front, tail int) {
	if front+tail > j.totalSize {
		panic(fmt.Sprintf("memprog: reserve %d+%d exceeds job buffer %d", front, tail, j.totalSize))
	}
	j.offset = front
	j.position = front
	j.netSize = j.totalSize - front - tail
}

// rewind empties the job without touching its buffer.
func (j *job) rewind() {
	j.position = j.offset
	j.used = 0
	j.completion = completionNormal
}

func (j *job) checkCursor() {
	if j.position < j.offset || j.position > j.offset+j.netSize ||
		j.used < 0 || j.offset+j.used > j.totalSize || j.position+j.used > j.offset+j.netSize {
		panic(fmt.Sprintf("memprog: %s job cursor out of bounds (offset=%d net=%d position=%d used=%d size=%d)",
			j.kind, j.offset, j.netSize, j.position, j.used, j.totalSize))
	}
}

// current returns the unconsumed bytes.
func (j *job) current() []byte {
	j.checkCursor()
	return j.buffer[j.position : j.position+j.used]
}

// space returns the free part of the net region after the unconsumed bytes.
func (j *job) space() []byte {
	j.checkCursor()
	return j.buffer[j.position+j.used : j.offset+j.netSize]
}

// net returns the whole net region.
func (j *job) net() []byte {
	return j.buffer[j.offset : j.offset+j.netSize]
}

// consume advances the cursor by n bytes.
func (j *job) consume(n int) {
	if n < 0 || n > j.used {
		panic(fmt.Sprintf("memprog: consume %d of %d bytes in %s job", n, j.used, j.kind))
	}
	j.position += n
	j.used -= n
}

func (j *job) queued() bool {
	return j.handle != 0
}
