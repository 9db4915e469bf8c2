// Package process provides ready-made data processors and stream consumers
// for the memprog pipeline.
//
// # Decompression
//
// ZstdDecompressor handles segments announced with protocol.FormatZstd:
//
//	p := memprog.New(dev, memprog.WithProcessor(process.NewZstdDecompressor()))
//
// The sender compresses each segment into one frame with Compress.
//
// # Streaming
//
// WriterStream diverts segments in an address window to an io.Writer, for
// example a connection to a secondary controller:
//
//	p := memprog.New(dev, memprog.WithStream(process.NewWriterStream(conn, 0x80000000, 0x80100000)))
package process
