package syncbridge

import (
	"errors"

	"go.uber.org/zap"

	"github.com/helios-os/helios/internal/stream"
)

var (
	ErrNilContinuation = errors.New("wakeup mode requires a continuation")
	ErrNilSignal       = errors.New("signal mode requires a channel")
)

// Bridge layers the Mode abstraction over the stream registry's primitive
// read/write operations.
type Bridge struct {
	streams *stream.Registry
	log     *zap.Logger
}

// New creates a bridge over the given registry. A nil logger disables
// logging.
func New(streams *stream.Registry, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{streams: streams, log: log}
}

// Streams exposes the underlying registry for layers that need handle
// management (create, adopt, close).
func (b *Bridge) Streams() *stream.Registry { return b.streams }

// Read consumes from the stream behind h according to mode. For Signal and
// Wakeup modes a return of (0, nil) means the operation parked a
// registration; the retry path delivers the data.
func (b *Bridge) Read(h stream.Handle, p []byte, m Mode) (int, error) {
	switch m.kind {
	case modeBlocking:
		return b.streams.ReadWait(h, p)
	case modeAttempt:
		return b.streams.TryRead(h, p)
	case modeSignal:
		if m.signal == nil {
			return 0, ErrNilSignal
		}
		n, err := b.streams.TryRead(h, p)
		if n > 0 || err != nil {
			return n, err
		}
		ch := m.signal
		err = b.streams.RegisterWakeup(h, stream.DirRead, func() {
			select {
			case ch <- struct{}{}:
			default:
			}
		})
		return 0, err
	case modeWakeup:
		if m.cont == nil || m.cont.Fire == nil {
			return 0, ErrNilContinuation
		}
		n, err := b.streams.TryRead(h, p)
		if n > 0 || err != nil {
			return n, err
		}
		return 0, b.streams.RegisterWakeup(h, stream.DirRead, m.cont.Fire)
	}
	return 0, nil
}

// Write appends p to the stream behind h. The transport is unbounded, so a
// write on a live handle completes immediately under every mode; Mode is
// accepted for shape-uniformity with Read.
func (b *Bridge) Write(h stream.Handle, p []byte, m Mode) (int, error) {
	switch m.kind {
	case modeSignal:
		if m.signal == nil {
			return 0, ErrNilSignal
		}
	case modeWakeup:
		if m.cont == nil || m.cont.Fire == nil {
			return 0, ErrNilContinuation
		}
	}
	return b.streams.Write(h, p)
}

// Deregister drops an armed Signal/Wakeup registration for (h, dir).
func (b *Bridge) Deregister(h stream.Handle, dir stream.Direction) {
	b.streams.DeregisterWakeup(h, dir)
}
