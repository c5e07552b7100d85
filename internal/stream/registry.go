package stream

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Observer receives transport events for metrics. Implementations must be
// cheap; calls happen on the I/O path. Endpoint events are symmetric: every
// allocation (Create, CloneProducer, Adopt) reports EndpointOpened and every
// revocation (Close, the adopted-away handle) reports EndpointClosed.
type Observer interface {
	StreamCreated()
	EndpointOpened()
	EndpointClosed()
	BytesWritten(n int)
	BytesRead(n int)
	WakeupFired(dir Direction)
}

// Registry is the process-scoped handle table. All stream operations address
// endpoints through it; a handle deleted from the table is revoked and every
// subsequent use fails with ErrBadHandle.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[Handle]*endpoint
	next      atomic.Uint64

	log *zap.Logger
	obs Observer
}

// NewRegistry creates an empty handle table. A nil logger disables logging.
func NewRegistry(log *zap.Logger, obs Observer) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		endpoints: make(map[Handle]*endpoint),
		log:       log,
		obs:       obs,
	}
}

func (r *Registry) allocate(s side, owner Owner, ch *channel) Handle {
	h := Handle(r.next.Add(1))
	r.endpoints[h] = &endpoint{handle: h, side: s, owner: owner, ch: ch}
	return h
}

// Create makes a new stream and returns its producer and consumer handles,
// both owned by the given process.
func (r *Registry) Create(owner Owner) (producer, consumer Handle) {
	ch := newChannel()

	r.mu.Lock()
	producer = r.allocate(sideProducer, owner, ch)
	consumer = r.allocate(sideConsumer, owner, ch)
	r.mu.Unlock()

	if r.obs != nil {
		r.obs.StreamCreated()
		r.obs.EndpointOpened()
		r.obs.EndpointOpened()
	}
	r.log.Debug("stream created",
		zap.Uint64("producer", uint64(producer)),
		zap.Uint64("consumer", uint64(consumer)),
		zap.Uint32("owner", uint32(owner)))
	return producer, consumer
}

func (r *Registry) lookup(h Handle) (*endpoint, error) {
	r.mu.RLock()
	ep, ok := r.endpoints[h]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadHandle, h)
	}
	return ep, nil
}

// CloneProducer shares the producer side of a stream with another owner. The
// channel itself serializes writes, so producers need no coordination.
func (r *Registry) CloneProducer(h Handle, owner Owner) (Handle, error) {
	ep, err := r.lookup(h)
	if err != nil {
		return 0, err
	}
	if ep.side != sideProducer {
		return 0, fmt.Errorf("%w: clone of %s handle %d", ErrWrongSide, ep.side, h)
	}

	ep.ch.mu.Lock()
	if ep.revoked {
		ep.ch.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrBadHandle, h)
	}
	ep.ch.producers++
	ep.ch.mu.Unlock()

	r.mu.Lock()
	clone := r.allocate(sideProducer, owner, ep.ch)
	r.mu.Unlock()

	if r.obs != nil {
		r.obs.EndpointOpened()
	}
	return clone, nil
}

// Adopt transfers consumption rights to a new owner. The previous consumer
// handle is revoked; a reader blocked on it fails with ErrBadHandle. Any
// wakeup registered by the previous holder is dropped with it.
func (r *Registry) Adopt(h Handle, owner Owner) (Handle, error) {
	ep, err := r.lookup(h)
	if err != nil {
		return 0, err
	}
	if ep.side != sideConsumer {
		return 0, fmt.Errorf("%w: adopt of %s handle %d", ErrWrongSide, ep.side, h)
	}

	ep.ch.mu.Lock()
	if ep.revoked {
		ep.ch.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrBadHandle, h)
	}
	ep.revoked = true
	ep.ch.wakeup[DirRead] = nil
	ep.ch.readable.Broadcast()
	ep.ch.mu.Unlock()

	r.mu.Lock()
	delete(r.endpoints, h)
	adopted := r.allocate(sideConsumer, owner, ep.ch)
	r.mu.Unlock()

	if r.obs != nil {
		r.obs.EndpointClosed()
		r.obs.EndpointOpened()
	}
	r.log.Debug("stream adopted",
		zap.Uint64("old", uint64(h)),
		zap.Uint64("new", uint64(adopted)),
		zap.Uint32("owner", uint32(owner)))
	return adopted, nil
}

// Write appends p to the stream as one contiguous segment. Capacity is
// unbounded, so a valid producer handle always writes all of p immediately.
func (r *Registry) Write(h Handle, p []byte) (int, error) {
	ep, err := r.lookup(h)
	if err != nil {
		return 0, err
	}
	if ep.side != sideProducer {
		return 0, fmt.Errorf("%w: write on %s handle %d", ErrWrongSide, ep.side, h)
	}

	ch := ep.ch
	ch.mu.Lock()
	if ep.revoked {
		ch.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrBadHandle, h)
	}
	if ch.consumerGone {
		ch.mu.Unlock()
		return 0, fmt.Errorf("%w: consumer gone", ErrClosed)
	}
	seg := make([]byte, len(p))
	copy(seg, p)
	ch.segs = append(ch.segs, seg)
	ch.buffered += len(seg)
	ch.readable.Signal()
	fire := ch.takeWakeup(DirRead)
	ch.mu.Unlock()

	if r.obs != nil {
		r.obs.BytesWritten(len(p))
	}
	if fire != nil {
		if r.obs != nil {
			r.obs.WakeupFired(DirRead)
		}
		fire()
	}
	return len(p), nil
}

// drain copies up to len(p) buffered bytes into p. Caller holds ch.mu.
func (ch *channel) drain(p []byte) int {
	n := 0
	for n < len(p) && len(ch.segs) > 0 {
		seg := ch.segs[0]
		c := copy(p[n:], seg)
		n += c
		if c == len(seg) {
			ch.segs = ch.segs[1:]
		} else {
			ch.segs[0] = seg[c:]
		}
	}
	ch.buffered -= n
	return n
}

// TryRead consumes from the front of the stream without blocking. An empty
// stream yields (0, nil); a drained stream whose producers are all gone
// yields ErrClosed.
func (r *Registry) TryRead(h Handle, p []byte) (int, error) {
	ep, err := r.lookup(h)
	if err != nil {
		return 0, err
	}
	if ep.side != sideConsumer {
		return 0, fmt.Errorf("%w: read on %s handle %d", ErrWrongSide, ep.side, h)
	}

	ch := ep.ch
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ep.revoked {
		return 0, fmt.Errorf("%w: %d", ErrBadHandle, h)
	}
	if ch.buffered == 0 {
		if ch.producersGone {
			return 0, fmt.Errorf("%w: all producers gone", ErrClosed)
		}
		return 0, nil
	}
	n := ch.drain(p)
	if r.obs != nil {
		r.obs.BytesRead(n)
	}
	return n, nil
}

// ReadWait blocks the calling goroutine until at least one byte is readable,
// then consumes like TryRead. It unblocks with an error when the stream dies
// or the handle is revoked mid-wait.
func (r *Registry) ReadWait(h Handle, p []byte) (int, error) {
	ep, err := r.lookup(h)
	if err != nil {
		return 0, err
	}
	if ep.side != sideConsumer {
		return 0, fmt.Errorf("%w: read on %s handle %d", ErrWrongSide, ep.side, h)
	}

	ch := ep.ch
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for {
		if ep.revoked {
			return 0, fmt.Errorf("%w: %d", ErrBadHandle, h)
		}
		if ch.buffered > 0 {
			n := ch.drain(p)
			if r.obs != nil {
				r.obs.BytesRead(n)
			}
			return n, nil
		}
		if ch.producersGone {
			return 0, fmt.Errorf("%w: all producers gone", ErrClosed)
		}
		ch.readable.Wait()
	}
}

// RegisterWakeup arms a one-shot callback fired when the operation for the
// given direction becomes retry-worthy. At most one registration per
// (handle, direction) may be outstanding; a second is a usage error.
//
// If the condition already holds (data buffered, or the stream is dead and a
// retry would observe that), the callback fires before RegisterWakeup
// returns rather than being parked.
func (r *Registry) RegisterWakeup(h Handle, dir Direction, fn func()) error {
	ep, err := r.lookup(h)
	if err != nil {
		return err
	}
	if (dir == DirRead) != (ep.side == sideConsumer) {
		return fmt.Errorf("%w: %s wakeup on %s handle %d", ErrWrongSide, dir, ep.side, h)
	}

	ch := ep.ch
	ch.mu.Lock()
	if ep.revoked {
		ch.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrBadHandle, h)
	}
	if ch.wakeup[dir] != nil {
		ch.mu.Unlock()
		return fmt.Errorf("%w: handle %d, %s", ErrWakeupRegistered, h, dir)
	}

	// Writes never block, and reads are retry-worthy as soon as data is
	// buffered or the peer is gone.
	immediate := dir == DirWrite || ch.buffered > 0 || ch.producersGone || ch.consumerGone
	if !immediate {
		ch.wakeup[dir] = fn
	}
	ch.mu.Unlock()

	if immediate {
		if r.obs != nil {
			r.obs.WakeupFired(dir)
		}
		fn()
	}
	return nil
}

// DeregisterWakeup drops an armed callback so it can never fire. It is the
// cancellation path's guarantee that no wakeup lands in a dead task.
func (r *Registry) DeregisterWakeup(h Handle, dir Direction) {
	ep, err := r.lookup(h)
	if err != nil {
		return
	}
	ep.ch.mu.Lock()
	ep.ch.wakeup[dir] = nil
	ep.ch.mu.Unlock()
}

// Close revokes a handle. Closing the last producer marks the stream
// end-of-data; closing the consumer discards buffered data and fails later
// writes. Blocked readers and armed wakeups observe the closure.
func (r *Registry) Close(h Handle) error {
	r.mu.Lock()
	ep, ok := r.endpoints[h]
	if ok {
		delete(r.endpoints, h)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrBadHandle, h)
	}

	ch := ep.ch
	ch.mu.Lock()
	ep.revoked = true
	var fire func()
	fireDir := DirRead
	switch ep.side {
	case sideProducer:
		ch.producers--
		if ch.producers == 0 {
			ch.producersGone = true
			ch.readable.Broadcast()
			fire = ch.takeWakeup(DirRead)
		}
	case sideConsumer:
		ch.consumerGone = true
		ch.segs = nil
		ch.buffered = 0
		ch.readable.Broadcast()
		fire = ch.takeWakeup(DirWrite)
		fireDir = DirWrite
	}
	ch.mu.Unlock()

	if fire != nil {
		if r.obs != nil {
			r.obs.WakeupFired(fireDir)
		}
		fire()
	}
	if r.obs != nil {
		r.obs.EndpointClosed()
	}
	r.log.Debug("handle closed", zap.Uint64("handle", uint64(h)), zap.String("side", ep.side.String()))
	return nil
}

// CloseOwned revokes every handle owned by the given process. The process
// substrate calls this on termination so peers observe closure rather than
// silence.
func (r *Registry) CloseOwned(owner Owner) int {
	r.mu.RLock()
	var doomed []Handle
	for h, ep := range r.endpoints {
		if ep.owner == owner {
			doomed = append(doomed, h)
		}
	}
	r.mu.RUnlock()

	for _, h := range doomed {
		_ = r.Close(h)
	}
	if len(doomed) > 0 {
		r.log.Info("closed process streams",
			zap.Uint32("owner", uint32(owner)),
			zap.Int("handles", len(doomed)))
	}
	return len(doomed)
}

// Depth reports the number of buffered bytes behind a consumer handle.
func (r *Registry) Depth(h Handle) (int, error) {
	ep, err := r.lookup(h)
	if err != nil {
		return 0, err
	}
	ep.ch.mu.Lock()
	defer ep.ch.mu.Unlock()
	return ep.ch.buffered, nil
}

// Info describes one live endpoint for introspection.
type Info struct {
	Handle   Handle `json:"handle"`
	Side     string `json:"side"`
	Owner    Owner  `json:"owner"`
	Buffered int    `json:"buffered"`
	PeerGone bool   `json:"peer_gone"`
}

// Snapshot lists all live endpoints.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		ep.ch.mu.Lock()
		info := Info{
			Handle:   ep.handle,
			Side:     ep.side.String(),
			Owner:    ep.owner,
			Buffered: ep.ch.buffered,
		}
		if ep.side == sideProducer {
			info.PeerGone = ep.ch.consumerGone
		} else {
			info.PeerGone = ep.ch.producersGone
		}
		ep.ch.mu.Unlock()
		infos = append(infos, info)
	}
	return infos
}
