// Package dispatch implements the flash download services of a diagnostic
// session on top of a memprog pipeline.
//
// # Services
//
//   - RoutineErase: RoutineControl EraseMemory, opens a block over the erased range
//   - RequestDownload: opens a segment
//   - TransferData: delivers one chunk, checking the block sequence counter
//   - RequestTransferExit: closes the segment
//   - CheckMemory: RoutineControl CheckMemory, ends and verifies the block
//
// A rejected request returns a *protocol.NegativeResponseError whose Code is
// derived from the pipeline status with protocol.ResponseCode. A suspended
// pipeline answers with response pending (0x78) and the request may be
// repeated.
//
// # Replaying an Image
//
// Program acts as the client and runs the whole sequence for an image:
//
//	dev, _ := flash.NewMemDevice(layout)
//	p := memprog.New(dev, memprog.WithProcessor(process.NewZstdDecompressor()))
//	s := dispatch.New(p,
//	    dispatch.WithCompression(zstd.SpeedDefault),
//	    dispatch.WithVerification(verify.AlgCRC32, dispatch.StageInput, dispatch.StageOutput),
//	)
//	if err := s.Program(ctx, img); err != nil {
//	    log.Fatal(err)
//	}
//
// Reference values for CheckMemory are computed with verify.Digest over the
// transferred bytes (input stage) and the decoded image (other stages).
package dispatch
