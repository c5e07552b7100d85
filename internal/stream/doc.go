// Package stream implements the handle-addressed byte channel that carries
// all inter-process traffic.
//
// A stream is an unbounded, ordered, many-producer/single-consumer byte
// channel. Each side is addressed by an opaque Handle owned by a process;
// handles name a capability and are transferred, never copied. The consumer
// side can be adopted by another process (or the kernel), which revokes the
// previous holder's handle.
//
// Semantics:
//   - Writes always complete immediately; backpressure belongs to the layers
//     above (the portal protocol limits outstanding calls).
//   - Bytes written in one Write call stay contiguous; writes from concurrent
//     producers are linearized into a single FIFO.
//   - TryRead never blocks and returns zero progress rather than an error
//     when the channel is empty.
//   - ReadWait blocks the calling goroutine until data arrives or the stream
//     dies; callback-driven consumers arm RegisterWakeup instead.
//
// Example Usage:
//
//	reg := stream.NewRegistry(logger, nil)
//	prod, cons := reg.Create(kernelOwner)
//	reg.Write(prod, []byte("hello"))
//	n, err := reg.TryRead(cons, buf)
//
// The sync bridge (internal/syncbridge) layers the SyncMode abstraction over
// these primitives.
package stream
