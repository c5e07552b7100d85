package stream

import (
	"errors"
	"sync"
)

var (
	ErrBadHandle        = errors.New("unknown or revoked handle")
	ErrClosed           = errors.New("stream closed")
	ErrWrongSide        = errors.New("operation not valid for this side of the stream")
	ErrWakeupRegistered = errors.New("wakeup already registered for this handle and direction")
)

// Handle names one endpoint of a stream within the registry. The zero value
// is never a valid handle.
type Handle uint64

// Owner identifies the process holding a handle. Owner 0 is the kernel.
type Owner uint32

// KernelOwner is the owner id reserved for kernel-held handles.
const KernelOwner Owner = 0

// Direction selects which half of an endpoint an operation targets.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

func (d Direction) String() string {
	if d == DirRead {
		return "read"
	}
	return "write"
}

type side int

const (
	sideProducer side = iota
	sideConsumer
)

func (s side) String() string {
	if s == sideProducer {
		return "producer"
	}
	return "consumer"
}

// channel is the shared core between the two sides of a stream. Segments
// preserve per-writer contiguity: one Write call appends exactly one segment,
// and the consumer drains segments in FIFO order.
type channel struct {
	mu       sync.Mutex
	readable *sync.Cond

	segs     [][]byte
	buffered int

	producers     int
	producersGone bool
	consumerGone  bool

	// One registration slot per direction; firing clears the slot.
	wakeup [2]func()
}

func newChannel() *channel {
	ch := &channel{producers: 1}
	ch.readable = sync.NewCond(&ch.mu)
	return ch
}

// takeWakeup detaches the registered callback, if any. Callers invoke the
// callback after releasing ch.mu: the callback is defined as a re-issue of
// the original operation and will take the lock itself.
func (ch *channel) takeWakeup(dir Direction) func() {
	fn := ch.wakeup[dir]
	ch.wakeup[dir] = nil
	return fn
}

type endpoint struct {
	handle  Handle
	side    side
	owner   Owner
	ch      *channel
	revoked bool // guarded by ch.mu; set on close or adoption
}
