// Package memprog provides the memory-programming pipeline of a bootloader.
//
// # Overview
//
// A dispatcher hands the pipeline firmware data in the order a diagnostic
// download delivers it:
//   - BlockErase erases the storage blocks of a region
//   - BlockStart opens a block and resets its verifiers
//   - SegmentStart, DataIndication and SegmentEnd deliver each segment
//   - BlockEnd fills the tail of the block
//   - BlockVerify checks the block
//
// Every chunk becomes a job in a fixed-capacity priority queue. The queue
// writes whole storage segments only, holding unaligned tails until the next
// chunk arrives or the segment ends.
//
// # Basic Usage
//
//	dev, err := flash.NewMemDevice(flash.Uniform(0x1000, 0x1000, 4, 8))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	p := memprog.New(dev)
//
//	_ = p.BlockErase(ctx, 0x1000, 0x100)
//	_ = p.BlockStart(ctx, memprog.BlockInfo{TargetAddress: 0x1000, TargetLength: 0x100})
//	_ = p.SegmentStart(ctx, memprog.SegmentInfo{TargetAddress: 0x1000, TargetLength: 0x100})
//	for _, chunk := range chunks {
//	    _ = p.DataIndication(ctx, chunk, 0, len(chunk))
//	}
//	written, _ := p.SegmentEnd(ctx)
//	_ = p.BlockEnd(ctx)
//	result, _ := p.BlockVerify(ctx, memprog.VerifyData{})
//
// # Protocol State
//
// Allowed reports which entry points may follow. Calling anything else
// returns a SequenceError and resets the allowed set to OpsNone, after which
// only BlockStart or BlockErase are accepted.
//
// # Pipelining
//
// With WithPipelining(n) the pipeline owns n input buffers and DataIndication
// returns as soon as one of them is free. The dispatcher then drives the rest
// of the queue from its idle loop:
//
//	for {
//	    more, err := p.Task(ctx)
//	    if err != nil || !more {
//	        break
//	    }
//	}
//
// ActiveBuffer returns the buffer the next chunk may be received into;
// passing it back to DataIndication avoids a copy.
//
// # Error Handling
//
// The package provides structured error types; StatusOf maps them onto
// protocol.Status:
//   - SequenceError: entry point called out of order
//   - ParameterError: invalid address, length or format
//   - InsufficientDataError: segment ended short of its length
//   - DriverError: storage erase, write or read failed
//   - AdapterError: data processor or stream consumer failed or stalled
//   - VerificationError: a verification stage failed
//   - BusyError: the scheduler is suspended
//   - FailedError: the pipeline failed earlier and needs Init
//
// Any error other than a sequence or busy error moves the pipeline into
// StateError. Only Init recovers from it.
package memprog
