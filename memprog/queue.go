package memprog

import "fmt"

// Job priorities. Larger runs first.
const (
	priorityGapFill       uint8 = 0x10
	priorityVerify        uint8 = 0x20
	priorityWriteFinalize uint8 = 0x20
	priorityFinalize      uint8 = 0x30
	priorityOutput        uint8 = 0x40
	priorityInput         uint8 = 0x50
	priorityHigh          uint8 = 0x70

	// priorityHead belongs to the used-ring sentinel; no job may use it
	priorityHead uint8 = 0xFF
)

var jobPriority = [numJobKinds]uint8{
	JobInputWrite:     priorityInput,
	JobProcInput:      priorityInput,
	JobProcWrite:      priorityOutput,
	JobProcFinalize:   priorityFinalize,
	JobStreamInput:    priorityInput,
	JobStreamProc:     priorityOutput,
	JobStreamFinalize: priorityFinalize,
	JobWriteFinalize:  priorityWriteFinalize,
	JobGapFill:        priorityGapFill,
	JobVerifyPipe:     priorityVerify,
}

const (
	usedHead = 0
	freeHead = 1
)

type queueEntry struct {
	job      *job
	priority uint8
	prev     int
	next     int
}

// jobQueue is a fixed-capacity priority queue stored in a slot array. Two
// rings share the array: the free ring and the used ring, the latter ordered
// by descending priority with FIFO order inside a priority band.
type jobQueue struct {
	entries []queueEntry
	count   int
}

func newJobQueue(capacity int) *jobQueue {
	q := &jobQueue{}
	q.reset(capacity)
	return q
}

func (q *jobQueue) reset(capacity int) {
	q.entries = make([]queueEntry, capacity+2)
	q.count = 0

	q.entries[usedHead] = queueEntry{priority: priorityHead, prev: usedHead, next: usedHead}
	q.entries[freeHead] = queueEntry{prev: freeHead, next: freeHead}
	for i := 2; i < len(q.entries); i++ {
		q.linkAfter(i, q.entries[freeHead].prev)
	}
}

func (q *jobQueue) unlink(i int) {
	e := &q.entries[i]
	q.entries[e.prev].next = e.next
	q.entries[e.next].prev = e.prev
	e.prev, e.next = i, i
}

func (q *jobQueue) linkAfter(i, at int) {
	next := q.entries[at].next
	q.entries[i].prev = at
	q.entries[i].next = next
	q.entries[at].next = i
	q.entries[next].prev = i
}

// insert takes the first free slot and splices it into the used ring after
// the last entry whose priority is at least priority.
func (q *jobQueue) insert(priority uint8, j *job) int {
	if priority == priorityHead {
		panic("memprog: job priority collides with queue head")
	}
	slot := q.entries[freeHead].next
	if slot == freeHead {
		panic(fmt.Sprintf("memprog: job queue exhausted (%d slots)", len(q.entries)-2))
	}
	q.unlink(slot)
	q.entries[slot].job = j
	q.entries[slot].priority = priority

	at := q.entries[usedHead].prev
	for q.entries[at].priority < priority {
		at = q.entries[at].prev
	}
	q.linkAfter(slot, at)
	q.count++
	return slot
}

// insertDefault queues j with the priority of its kind.
func (q *jobQueue) insertDefault(j *job) int {
	return q.insert(jobPriority[j.kind], j)
}

// remove returns the slot to the tail of the free ring.
func (q *jobQueue) remove(handle int) {
	if handle < 2 || handle >= len(q.entries) || q.entries[handle].job == nil {
		panic(fmt.Sprintf("memprog: invalid queue handle %d", handle))
	}
	q.unlink(handle)
	q.entries[handle].job = nil
	q.linkAfter(handle, q.entries[freeHead].prev)
	q.count--
}

// update moves the entry to the position for priority and returns its new handle.
func (q *jobQueue) update(handle int, priority uint8) int {
	j := q.entries[handle].job
	q.remove(handle)
	return q.insert(priority, j)
}

// first returns the job at the head of the used ring, or nil.
func (q *jobQueue) first() *job {
	head := q.entries[usedHead].next
	if head == usedHead {
		return nil
	}
	return q.entries[head].job
}

func (q *jobQueue) priority(handle int) uint8 {
	return q.entries[handle].priority
}

func (q *jobQueue) len() int {
	return q.count
}
