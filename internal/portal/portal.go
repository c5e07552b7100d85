package portal

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/helios-os/helios/internal/atomicstate"
	"github.com/helios-os/helios/internal/shared/id"
	"github.com/helios-os/helios/internal/stream"
	"github.com/helios-os/helios/internal/syncbridge"
	"github.com/helios-os/helios/internal/task"
)

var (
	ErrUnbound           = errors.New("portal not negotiated")
	ErrClosedPortal      = errors.New("portal closed")
	ErrPeerClosed        = errors.New("peer closed portal")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrAlreadyNegotiated = errors.New("portal already negotiated")
	ErrNotEvent          = errors.New("route is not an event")
)

// Lifecycle bits: Unbound until both schema directions complete, then
// Negotiated, then Closed. Closed is terminal and forbids re-negotiation.
const (
	bitSchemaSent atomicstate.Bit = iota
	bitSchemaRecv
	bitClosed
	stateWidth = 3
)

// Observer receives portal events for metrics. Implementations must be
// cheap; calls happen on the call path.
type Observer interface {
	PortalNegotiated()
	PortalClosed()
	CallCompleted(route string, d time.Duration, ok bool)
	ResponseDropped()
}

// Incoming is one inbound call delivered to the serving side. Responder is
// nil for event routes, which expect no response.
type Incoming struct {
	Call      *CallFrame
	Responder *Responder
}

type pendingCall struct {
	route *Route
	task  *task.Task
	start time.Time
}

// Portal is one typed remote-call connection over a stream pair: in is the
// consumer handle frames arrive on, out the producer handle they leave on.
type Portal struct {
	id     id.PortalID
	local  *Schema
	in     stream.Handle
	out    stream.Handle
	bridge *syncbridge.Bridge
	exec   *task.Executor
	log    *zap.Logger
	obs    Observer

	state       *atomicstate.State
	seq         atomic.Uint64
	negotiating atomic.Bool

	mu            sync.Mutex
	peer          *Schema
	pending       map[uint64]*pendingCall
	closeErr      error
	reader        *task.Task
	readerStarted bool

	negotiated chan struct{}
	closed     chan struct{}
	incoming   chan Incoming
}

// New creates an unbound portal. The local schema is what this side serves;
// the peer's schema arrives during negotiation.
func New(local *Schema, in, out stream.Handle, bridge *syncbridge.Bridge, exec *task.Executor, log *zap.Logger, obs Observer) (*Portal, error) {
	if local == nil {
		return nil, errors.New("portal requires a schema")
	}
	if log == nil {
		log = zap.NewNop()
	}

	st, err := atomicstate.NewBuilder(stateWidth).
		Rule(bitSchemaSent, atomicstate.Guard{Forbid: 1 << bitClosed}, ErrClosedPortal).
		Rule(bitSchemaRecv, atomicstate.Guard{Forbid: 1 << bitClosed}, ErrClosedPortal).
		Build(0)
	if err != nil {
		return nil, err
	}

	return &Portal{
		id:         id.NewPortalID(),
		local:      local,
		in:         in,
		out:        out,
		bridge:     bridge,
		exec:       exec,
		log:        log,
		obs:        obs,
		state:      st,
		pending:    make(map[uint64]*pendingCall),
		negotiated: make(chan struct{}),
		closed:     make(chan struct{}),
		incoming:   make(chan Incoming, 64),
	}, nil
}

// ID returns the portal's identity.
func (p *Portal) ID() id.PortalID { return p.id }

// Negotiate sends the local schema, starts the frame reader, and blocks the
// calling task until the peer's schema has arrived. Both sides must call it;
// the directions are independent, so order does not matter.
func (p *Portal) Negotiate(t *task.Task) error {
	if !p.negotiating.CompareAndSwap(false, true) {
		return ErrAlreadyNegotiated
	}
	if err := p.state.Set(bitSchemaSent); err != nil {
		return err
	}

	for _, r := range p.local.Routes() {
		if _, err := p.bridge.WriteTask(t, p.out, EncodeFrame(EncodeRoute(r))); err != nil {
			p.closeWith(fmt.Errorf("sending schema: %w", err))
			return err
		}
	}
	if _, err := p.bridge.WriteTask(t, p.out, EncodeFrame(EncodeSchemaEnd())); err != nil {
		p.closeWith(fmt.Errorf("sending schema end: %w", err))
		return err
	}

	p.mu.Lock()
	if p.closeErr != nil {
		err := p.closeErr
		p.mu.Unlock()
		return err
	}
	p.readerStarted = true
	p.reader = p.exec.Go("portal-reader/"+string(p.id), p.readLoop)
	p.mu.Unlock()

	select {
	case <-p.negotiated:
		return nil
	case <-p.closed:
		return p.closeReason()
	case <-t.Token().Done():
		return task.ErrCancelled
	}
}

// Peer returns the negotiated remote schema.
func (p *Portal) Peer() (*Schema, error) {
	if !p.state.IsSet(bitSchemaRecv) {
		return nil, ErrUnbound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer, nil
}

// Serve returns the channel inbound calls are delivered on. The channel is
// closed when the portal closes.
func (p *Portal) Serve() <-chan Incoming { return p.incoming }

// Call invokes a route on the peer and suspends the calling task until the
// response arrives. Multiple calls may be outstanding; responses match by
// sequence number, so they may complete in any order. Cancellation at the
// suspension point abandons the call: a late response is dropped, not
// misdelivered.
func (p *Portal) Call(t *task.Task, route string, args map[string]any) (any, error) {
	peer, err := p.Peer()
	if err != nil {
		return nil, err
	}
	if p.state.IsSet(bitClosed) {
		return nil, p.closeReason()
	}

	call, err := peer.Bind(route, args)
	if err != nil {
		return nil, err
	}
	r, _ := peer.Route(route)

	if r.Kind == RouteEvent {
		return nil, p.emit(t, r, call)
	}

	seq := p.seq.Add(1)
	frame, err := EncodeCall(r, seq, call)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	p.mu.Lock()
	if p.closeErr != nil {
		err := p.closeErr
		p.mu.Unlock()
		return nil, err
	}
	p.pending[seq] = &pendingCall{route: r, task: t, start: start}
	p.mu.Unlock()

	if _, err := p.bridge.WriteTask(t, p.out, frame); err != nil {
		p.dropPending(seq)
		return nil, err
	}

	for {
		res, err := t.Suspend()
		if err != nil {
			// Cancelled at the suspension point. The pending entry goes
			// with us; a response that races in is dropped by the reader.
			p.dropPending(seq)
			t.Drain()
			p.observe(r.Name, start, false)
			return nil, err
		}
		if res.Err != nil {
			p.observe(r.Name, start, false)
			return nil, res.Err
		}

		resp, ok := res.Value.(*ResponseFrame)
		if !ok || resp.Seq != seq {
			// Stale delivery from an operation this task abandoned
			// earlier; our response is still on its way.
			continue
		}
		v, err := resp.Value(r.Returns)
		p.observe(r.Name, start, err == nil)
		return v, err
	}
}

// Emit fires an event route on the peer. No response is expected or waited
// for.
func (p *Portal) Emit(t *task.Task, route string, args map[string]any) error {
	peer, err := p.Peer()
	if err != nil {
		return err
	}
	call, err := peer.Bind(route, args)
	if err != nil {
		return err
	}
	r, _ := peer.Route(route)
	if r.Kind != RouteEvent {
		return fmt.Errorf("%w: %q", ErrNotEvent, route)
	}
	return p.emit(t, r, call)
}

func (p *Portal) emit(t *task.Task, r *Route, call *RouteCall) error {
	frame, err := EncodeCall(r, p.seq.Add(1), call)
	if err != nil {
		return err
	}
	_, err = p.bridge.WriteTask(t, p.out, frame)
	return err
}

func (p *Portal) dropPending(seq uint64) {
	p.mu.Lock()
	delete(p.pending, seq)
	p.mu.Unlock()
}

func (p *Portal) observe(route string, start time.Time, ok bool) {
	if p.obs != nil {
		p.obs.CallCompleted(route, time.Since(start), ok)
	}
}

// readLoop is the portal's dedicated reader task: it reassembles frames from
// the inbound stream and dispatches handshake, call, and response payloads.
func (p *Portal) readLoop(t *task.Task) {
	// The reader is the only sender on incoming, so it alone may close it.
	defer close(p.incoming)

	asm := &frameAssembler{}
	peerSchema := newSchemaAssembler()
	buf := make([]byte, 32<<10)

	for {
		n, err := p.bridge.ReadTask(t, p.in, buf)
		if err != nil {
			switch {
			case errors.Is(err, task.ErrCancelled):
				p.closeWith(ErrClosedPortal)
			case errors.Is(err, stream.ErrClosed), errors.Is(err, stream.ErrBadHandle):
				p.closeWith(ErrPeerClosed)
			default:
				p.closeWith(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
			}
			return
		}

		frames, err := asm.Feed(buf[:n])
		for _, payload := range frames {
			if derr := p.dispatch(t, payload, peerSchema); derr != nil {
				p.closeWith(derr)
				return
			}
		}
		if err != nil {
			p.closeWith(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
			return
		}
	}
}

func (p *Portal) dispatch(t *task.Task, payload []byte, peerSchema *schemaAssembler) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty frame", ErrProtocolViolation)
	}

	if !p.state.IsSet(bitSchemaRecv) {
		done, err := peerSchema.Add(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		if !done {
			return nil
		}
		schema, err := peerSchema.Schema()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		p.mu.Lock()
		p.peer = schema
		p.mu.Unlock()
		if err := p.state.Set(bitSchemaRecv); err != nil {
			return err
		}
		close(p.negotiated)
		if p.obs != nil {
			p.obs.PortalNegotiated()
		}
		p.log.Info("portal negotiated",
			zap.String("portal", string(p.id)),
			zap.Int("local_routes", p.local.Len()),
			zap.Int("peer_routes", schema.Len()))
		return nil
	}

	switch payload[0] {
	case tagCall:
		return p.dispatchCall(t, payload)
	case tagResponse:
		return p.dispatchResponse(payload)
	case tagRoute, tagEnd:
		return fmt.Errorf("%w: handshake frame after negotiation", ErrProtocolViolation)
	}
	return fmt.Errorf("%w: unknown frame tag %#x", ErrProtocolViolation, payload[0])
}

func (p *Portal) dispatchCall(t *task.Task, payload []byte) error {
	call, err := DecodeCall(p.local, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	in := Incoming{Call: call}
	if call.Route.Kind == RouteHandle {
		in.Responder = &Responder{portal: p, seq: call.Seq, route: call.Route}
	}

	select {
	case p.incoming <- in:
		return nil
	case <-t.Token().Done():
		return ErrClosedPortal
	}
}

func (p *Portal) dispatchResponse(payload []byte) error {
	resp, err := DecodeResponse(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	p.mu.Lock()
	pc, ok := p.pending[resp.Seq]
	if ok {
		delete(p.pending, resp.Seq)
	}
	p.mu.Unlock()

	if !ok {
		// Abandoned by a cancelled caller, or a peer bug. Either way it is
		// not fatal to the portal.
		if p.obs != nil {
			p.obs.ResponseDropped()
		}
		p.log.Warn("response with no waiting caller dropped",
			zap.String("portal", string(p.id)),
			zap.Uint64("seq", resp.Seq))
		return nil
	}

	if !pc.task.Resume(task.Result{Value: resp}) {
		p.log.Warn("caller mailbox full, response dropped",
			zap.String("portal", string(p.id)),
			zap.Uint64("seq", resp.Seq))
	}
	return nil
}

// Responder answers one inbound call. Reply and Fail are one-shot.
type Responder struct {
	portal   *Portal
	seq      uint64
	route    *Route
	answered atomic.Bool
}

// Route returns the route being answered.
func (r *Responder) Route() *Route { return r.route }

// Reply sends a success response carrying the route's return value.
func (r *Responder) Reply(t *task.Task, value any) error {
	if !r.answered.CompareAndSwap(false, true) {
		return errors.New("call already answered")
	}
	frame, err := EncodeResponse(r.route, r.seq, value)
	if err != nil {
		r.answered.Store(false)
		return err
	}
	_, err = r.portal.bridge.WriteTask(t, r.portal.out, frame)
	return err
}

// Fail sends a failure response carrying a message. The caller observes it
// as a RemoteError.
func (r *Responder) Fail(t *task.Task, msg string) error {
	if !r.answered.CompareAndSwap(false, true) {
		return errors.New("call already answered")
	}
	_, err := r.portal.bridge.WriteTask(t, r.portal.out, EncodeErrorResponse(r.seq, msg))
	return err
}

// Close moves the portal to Closed: both stream handles are released, the
// reader stops, and every outstanding call fails.
func (p *Portal) Close() error {
	p.closeWith(ErrClosedPortal)
	return nil
}

func (p *Portal) closeReason() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closeErr != nil {
		return p.closeErr
	}
	return ErrClosedPortal
}

// closeWith performs the one-way transition to Closed. The first reason
// wins; later calls are no-ops. Every pending call is failed with the
// reason so no caller is left suspended.
func (p *Portal) closeWith(reason error) {
	p.mu.Lock()
	if p.closeErr != nil {
		p.mu.Unlock()
		return
	}
	p.closeErr = reason
	stranded := p.pending
	p.pending = make(map[uint64]*pendingCall)
	reader := p.reader
	readerStarted := p.readerStarted
	p.mu.Unlock()

	// Closed is unguarded and terminal.
	_ = p.state.Set(bitClosed)
	close(p.closed)
	if reader != nil {
		reader.Cancel()
	}

	for seq, pc := range stranded {
		if !pc.task.Resume(task.Result{Err: reason}) {
			p.log.Warn("stranded call could not be failed",
				zap.String("portal", string(p.id)),
				zap.Uint64("seq", seq))
		}
	}

	_ = p.bridge.Streams().Close(p.in)
	_ = p.bridge.Streams().Close(p.out)
	if !readerStarted {
		close(p.incoming)
	}

	if p.obs != nil {
		p.obs.PortalClosed()
	}
	p.log.Info("portal closed",
		zap.String("portal", string(p.id)),
		zap.Int("stranded_calls", len(stranded)),
		zap.Error(reason))
}

// Done is closed when the portal reaches Closed.
func (p *Portal) Done() <-chan struct{} { return p.closed }

// StateName renders the lifecycle phase for introspection.
func (p *Portal) StateName() string {
	switch {
	case p.state.IsSet(bitClosed):
		return "closed"
	case p.state.IsSet(bitSchemaSent) && p.state.IsSet(bitSchemaRecv):
		return "negotiated"
	default:
		return "unbound"
	}
}

// PortalInfo describes one portal for introspection.
type PortalInfo struct {
	ID          id.PortalID `json:"id"`
	State       string      `json:"state"`
	LocalRoutes int         `json:"local_routes"`
	PeerRoutes  int         `json:"peer_routes"`
	Pending     int         `json:"pending"`
}

// Snapshot reports the portal's current shape.
func (p *Portal) Snapshot() PortalInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := PortalInfo{
		ID:          p.id,
		State:       p.StateName(),
		LocalRoutes: p.local.Len(),
		Pending:     len(p.pending),
	}
	if p.peer != nil {
		info.PeerRoutes = p.peer.Len()
	}
	return info
}
