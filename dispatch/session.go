package dispatch

import (
	"context"
	"fmt"

	"github.com/moffa90/go-memprog/memprog"
	"github.com/moffa90/go-memprog/protocol"
	"github.com/moffa90/go-memprog/verify"
)

// Session handles the download services of one diagnostic session on top of
// a pipeline. Every service returns a *protocol.NegativeResponseError when
// the request is rejected.
//
// Session is not safe for concurrent use.
type Session struct {
	p      *memprog.Pipeline
	config Config

	// seq is the block sequence counter expected next
	seq byte
	// lastLen is the payload length of the last accepted TransferData
	lastLen     int
	downloading bool
}

// New creates a Session driving p.
//
// Example:
//
//	p := memprog.New(dev, memprog.WithProcessor(process.NewZstdDecompressor()))
//	s := dispatch.New(p, dispatch.WithCompression(zstd.SpeedDefault))
//	err := s.Program(ctx, img)
func New(p *memprog.Pipeline, opts ...Option) *Session {
	if p == nil {
		panic("pipeline cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Session{p: p, config: cfg}
}

// Pipeline returns the pipeline the session drives.
func (s *Session) Pipeline() *memprog.Pipeline {
	return s.p
}

// RoutineErase runs the EraseMemory routine and opens a block over the
// erased range.
func (s *Session) RoutineErase(ctx context.Context, req protocol.EraseRequest) error {
	s.logDebug("routine erase", "address", fmt.Sprintf("0x%08X", req.Address), "length", req.Length)

	if err := s.p.BlockErase(ctx, req.Address, req.Length); err != nil {
		return s.reject(protocol.SIDRoutineControl, err)
	}

	verifiers, err := s.verifiers()
	if err != nil {
		return &protocol.NegativeResponseError{
			Service: protocol.SIDRoutineControl, Code: protocol.NRCConditionsNotCorrect, Err: err}
	}
	if err := s.p.BlockStart(ctx, memprog.BlockInfo{
		TargetAddress: req.Address,
		TargetLength:  req.Length,
		Verifiers:     verifiers,
	}); err != nil {
		return s.reject(protocol.SIDRoutineControl, err)
	}
	s.downloading = false
	return nil
}

// RequestDownload opens a segment.
func (s *Session) RequestDownload(ctx context.Context, req protocol.DownloadRequest) (protocol.DownloadResponse, error) {
	s.logDebug("request download",
		"format", fmt.Sprintf("0x%02X", byte(req.Format)),
		"address", fmt.Sprintf("0x%08X", req.Address),
		"size", req.Size,
		"transfer_size", req.TransferSize,
	)

	if err := s.p.SegmentStart(ctx, memprog.SegmentInfo{
		TargetAddress: req.Address,
		TargetLength:  req.Size,
		LogicalLength: req.TransferSize,
		DataFormat:    req.Format,
	}); err != nil {
		return protocol.DownloadResponse{}, s.reject(protocol.SIDRequestDownload, err)
	}

	s.seq = 1
	s.lastLen = 0
	s.downloading = true
	return protocol.DownloadResponse{MaxBlockLength: s.config.MaxBlockLength}, nil
}

// TransferData hands one chunk to the pipeline. A repeat of the previous
// chunk, identified by its sequence counter, is acknowledged without being
// written again.
func (s *Session) TransferData(ctx context.Context, req protocol.TransferRequest) error {
	if !s.downloading {
		return &protocol.NegativeResponseError{
			Service: protocol.SIDTransferData, Code: protocol.NRCRequestSequenceError}
	}
	if len(req.Data) == 0 || len(req.Data) > s.config.MaxBlockLength {
		return &protocol.NegativeResponseError{
			Service: protocol.SIDTransferData, Code: protocol.NRCIncorrectMessageLength}
	}
	if req.Sequence == s.seq-1 && s.lastLen == len(req.Data) {
		s.logDebug("repeated transfer acknowledged", "sequence", req.Sequence)
		return nil
	}
	if req.Sequence != s.seq {
		return &protocol.NegativeResponseError{
			Service: protocol.SIDTransferData, Code: protocol.NRCWrongBlockSequenceCounter,
			Err: fmt.Errorf("got sequence 0x%02X, expected 0x%02X", req.Sequence, s.seq)}
	}

	if err := s.indicate(ctx, req.Data); err != nil {
		return s.reject(protocol.SIDTransferData, err)
	}
	s.seq++
	s.lastLen = len(req.Data)
	return nil
}

// indicate passes data to the pipeline, through its active buffer when the
// chunk fits.
func (s *Session) indicate(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		buf := s.p.ActiveBuffer()
		if len(buf) == 0 {
			return s.p.DataIndication(ctx, data, 0, len(data))
		}
		n := copy(buf, data)
		if err := s.p.DataIndication(ctx, buf, 0, n); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// RequestTransferExit closes the current segment.
func (s *Session) RequestTransferExit(ctx context.Context) (protocol.TransferExitResponse, error) {
	written, err := s.p.SegmentEnd(ctx)
	if err != nil {
		return protocol.TransferExitResponse{}, s.reject(protocol.SIDRequestTransferExit, err)
	}
	s.downloading = false
	s.logDebug("transfer exit", "written", written)
	return protocol.TransferExitResponse{Written: written}, nil
}

// CheckMemory runs the CheckMemory routine: it ends the block and verifies it.
func (s *Session) CheckMemory(ctx context.Context, req protocol.CheckRequest) (memprog.VerifyResult, error) {
	if err := s.p.BlockEnd(ctx); err != nil {
		return memprog.VerifyResult{}, s.reject(protocol.SIDRoutineControl, err)
	}
	result, err := s.p.BlockVerify(ctx, memprog.VerifyData{
		Input:     req.Input,
		Processed: req.Processed,
		Pipelined: req.Pipelined,
		Output:    req.Output,
	})
	if err != nil {
		return result, s.reject(protocol.SIDRoutineControl, err)
	}
	return result, nil
}

// verifiers builds fresh verifiers for the configured stages.
func (s *Session) verifiers() (memprog.Verifiers, error) {
	var v memprog.Verifiers
	for _, st := range []struct {
		stage Stage
		dst   *memprog.Verifier
	}{
		{StageInput, &v.Input},
		{StageProcessed, &v.Processed},
		{StagePipelined, &v.Pipelined},
		{StageOutput, &v.Output},
	} {
		if s.config.Stages&st.stage == 0 {
			continue
		}
		hv, err := verify.New(s.config.Algorithm)
		if err != nil {
			return memprog.Verifiers{}, err
		}
		*st.dst = hv
	}
	return v, nil
}

// reject turns a pipeline error into a negative response.
func (s *Session) reject(service byte, err error) error {
	status := memprog.StatusOf(err)
	s.logError("request rejected",
		"service", fmt.Sprintf("0x%02X", service),
		"status", status.String(),
		"error", err,
	)
	if status != protocol.StatusBusy {
		s.downloading = false
	}
	return &protocol.NegativeResponseError{
		Service: service,
		Code:    protocol.ResponseCode(status),
		Err:     err,
	}
}

func (s *Session) logDebug(msg string, keysAndValues ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(msg, keysAndValues...)
	}
}

func (s *Session) logInfo(msg string, keysAndValues ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Info(msg, keysAndValues...)
	}
}

func (s *Session) logError(msg string, keysAndValues ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Error(msg, keysAndValues...)
	}
}
