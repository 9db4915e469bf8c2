package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moffa90/go-memprog/flash"
	"github.com/moffa90/go-memprog/image"
	"github.com/moffa90/go-memprog/process"
	"github.com/moffa90/go-memprog/protocol"
	"github.com/moffa90/go-memprog/verify"
)

// plannedBlock is one erase/download/check cycle of Program.
type plannedBlock struct {
	erase    flash.Range
	segments []image.Segment
}

// Program replays a whole image through the session, acting as the
// diagnostic client:
//  1. Align the image to the segment size
//  2. Group segments into blocks over adjacent storage blocks
//  3. Erase each block, download its segments and check it
//
// Example:
//
//	img, _ := image.Load("app.hex", image.Options{})
//	err := s.Program(ctx, img)
func (s *Session) Program(ctx context.Context, img *image.Image) error {
	if img == nil || len(img.Segments) == 0 {
		return fmt.Errorf("image cannot be empty")
	}

	start := time.Now()
	plan, err := s.plan(img)
	if err != nil {
		return err
	}

	total := 0
	for _, b := range plan {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled: %w", err)
		}
		n, err := s.programBlock(ctx, b)
		if err != nil {
			return fmt.Errorf("block 0x%08X: %w", b.erase.Address, err)
		}
		total += n
	}

	s.logInfo("programming complete",
		"blocks", len(plan),
		"bytes", total,
		"elapsed", time.Since(start).String(),
	)
	return nil
}

// plan lays the aligned image onto the storage regions.
func (s *Session) plan(img *image.Image) ([]plannedBlock, error) {
	layout := s.p.Layout()
	aligned := img.Align(layout.SegmentSize, s.config.FillByte)

	var plan []plannedBlock
	placed := 0
	for _, r := range layout.Regions() {
		segs := aligned.Clip(r.Address, uint64(r.Address)+uint64(r.Length))
		if len(segs) == 0 {
			continue
		}
		for _, seg := range segs {
			placed += len(seg.Data)
		}

		first, _ := layout.Find(segs[0].Address)
		last, _ := layout.Find(uint32(segs[len(segs)-1].End() - 1))
		begin, end := layout.Blocks[first].Begin, layout.Blocks[last].End
		plan = append(plan, plannedBlock{
			erase:    flash.Range{Address: begin, Length: end - begin},
			segments: segs,
		})
	}

	if outside := aligned.Size() - placed; outside > 0 {
		return nil, fmt.Errorf("image has %d bytes outside mapped storage", outside)
	}
	return plan, nil
}

// programBlock runs one erase/download/check cycle and returns the number
// of image bytes written.
func (s *Session) programBlock(ctx context.Context, b plannedBlock) (int, error) {
	if err := s.retry(ctx, func() error {
		return s.RoutineErase(ctx, protocol.EraseRequest{Address: b.erase.Address, Length: b.erase.Length})
	}); err != nil {
		return 0, fmt.Errorf("erase: %w", err)
	}

	var sent, data [][]byte
	written := 0
	for _, seg := range b.segments {
		payload, err := s.downloadSegment(ctx, seg)
		if err != nil {
			return written, fmt.Errorf("segment 0x%08X: %w", seg.Address, err)
		}
		sent = append(sent, payload)
		data = append(data, seg.Data)
		written += len(seg.Data)
	}

	req, err := s.references(sent, data)
	if err != nil {
		return written, err
	}
	if err := s.retry(ctx, func() error {
		_, err := s.CheckMemory(ctx, req)
		return err
	}); err != nil {
		return written, fmt.Errorf("check memory: %w", err)
	}
	return written, nil
}

// downloadSegment sends one segment and returns the bytes transferred.
func (s *Session) downloadSegment(ctx context.Context, seg image.Segment) ([]byte, error) {
	payload, format := seg.Data, protocol.FormatRaw
	if s.config.Compress {
		c, err := process.Compress(seg.Data, s.config.CompressionLevel)
		if err != nil {
			return nil, err
		}
		payload, format = c, protocol.FormatZstd
	}

	var resp protocol.DownloadResponse
	if err := s.retry(ctx, func() error {
		var err error
		resp, err = s.RequestDownload(ctx, protocol.DownloadRequest{
			Format:       format,
			Address:      seg.Address,
			Size:         uint32(len(seg.Data)),
			TransferSize: uint32(len(payload)),
		})
		return err
	}); err != nil {
		return nil, fmt.Errorf("request download: %w", err)
	}

	seq := byte(1)
	for off := 0; off < len(payload); {
		n := min(resp.MaxBlockLength, len(payload)-off)
		req := protocol.TransferRequest{Sequence: seq, Data: payload[off : off+n]}
		if err := s.retry(ctx, func() error { return s.TransferData(ctx, req) }); err != nil {
			return nil, fmt.Errorf("transfer data (sequence 0x%02X): %w", seq, err)
		}
		off += n
		seq++
	}

	var exit protocol.TransferExitResponse
	if err := s.retry(ctx, func() error {
		var err error
		exit, err = s.RequestTransferExit(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("transfer exit: %w", err)
	}
	if exit.Written != uint32(len(seg.Data)) {
		return nil, fmt.Errorf("transfer exit: wrote %d bytes, expected %d", exit.Written, len(seg.Data))
	}
	return payload, nil
}

// references computes the CheckMemory reference values for the configured
// stages. sent are the transferred payloads, data the decoded segments.
func (s *Session) references(sent, data [][]byte) (protocol.CheckRequest, error) {
	var req protocol.CheckRequest
	for _, st := range []struct {
		stage Stage
		parts [][]byte
		dst   *[]byte
	}{
		{StageInput, sent, &req.Input},
		{StageProcessed, data, &req.Processed},
		{StagePipelined, data, &req.Pipelined},
		{StageOutput, data, &req.Output},
	} {
		if s.config.Stages&st.stage == 0 {
			continue
		}
		d, err := verify.Digest(s.config.Algorithm, st.parts...)
		if err != nil {
			return protocol.CheckRequest{}, err
		}
		*st.dst = d
	}
	return req, nil
}

// retry repeats fn while it is answered with response pending.
func (s *Session) retry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		var nrc *protocol.NegativeResponseError
		if err == nil || !errors.As(err, &nrc) || nrc.Code != protocol.NRCResponsePending || attempt >= s.config.Retries {
			return err
		}
		s.logDebug("response pending, retrying", "service", fmt.Sprintf("0x%02X", nrc.Service), "attempt", attempt+1)
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled: %w", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("cancelled: %w", ctx.Err())
		case <-time.After(s.config.RetryDelay):
		}
	}
}
