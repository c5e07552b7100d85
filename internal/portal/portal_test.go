package portal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-os/helios/internal/stream"
	"github.com/helios-os/helios/internal/syncbridge"
	"github.com/helios-os/helios/internal/task"
)

type pair struct {
	a, b *Portal
	reg  *stream.Registry
	exec *task.Executor
	toA  stream.Handle // producer feeding a's inbound stream
}

type callResult struct {
	val any
	err error
}

// newPair wires two portals over crossed stream pairs and negotiates both
// sides.
func newPair(t *testing.T, schemaA, schemaB *Schema) *pair {
	t.Helper()

	reg := stream.NewRegistry(nil, nil)
	br := syncbridge.New(reg, nil)
	exec := task.NewExecutor(nil)

	abProd, abCons := reg.Create(stream.KernelOwner)
	baProd, baCons := reg.Create(stream.KernelOwner)

	a, err := New(schemaA, baCons, abProd, br, exec, nil, nil)
	require.NoError(t, err)
	b, err := New(schemaB, abCons, baProd, br, exec, nil, nil)
	require.NoError(t, err)

	errs := make(chan error, 2)
	exec.Go("negotiate-a", func(tk *task.Task) { errs <- a.Negotiate(tk) })
	exec.Go("negotiate-b", func(tk *task.Task) { errs <- b.Negotiate(tk) })
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("negotiation never completed")
		}
	}

	return &pair{a: a, b: b, reg: reg, exec: exec, toA: baProd}
}

func serverSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewBuilder().
		Route("hello", []Arg{{Name: "hi_amount", Type: U64}}, ArrayOf(U32)).
		Route("stall", nil, Bool).
		Event("tick", []Arg{{Name: "when", Type: U64}}).
		Build()
	require.NoError(t, err)
	return s
}

func emptySchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewBuilder().Build()
	require.NoError(t, err)
	return s
}

func countdown(n uint64) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(i)
	}
	return out
}

// serveHello answers "hello" with [0..hi_amount) and holds "stall" calls on
// the returned channel instead of answering them.
func serveHello(p *pair) <-chan Incoming {
	stalled := make(chan Incoming, 4)
	p.exec.Go("server", func(tk *task.Task) {
		for in := range p.b.Serve() {
			switch in.Call.Route.Name {
			case "hello":
				_ = in.Responder.Reply(tk, countdown(in.Call.Args["hi_amount"].(uint64)))
			case "stall":
				stalled <- in
			}
		}
	})
	return stalled
}

// call runs a portal call on its own task and reports the outcome.
func call(p *pair, route string, args map[string]any) (<-chan callResult, *task.Task) {
	out := make(chan callResult, 1)
	tk := p.exec.Go("caller", func(tk *task.Task) {
		v, err := p.a.Call(tk, route, args)
		out <- callResult{val: v, err: err}
	})
	return out, tk
}

func waitResult(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("call never completed")
		return callResult{}
	}
}

func TestNegotiationExchangesSchemas(t *testing.T) {
	p := newPair(t, emptySchema(t), serverSchema(t))

	peer, err := p.a.Peer()
	require.NoError(t, err)
	assert.Equal(t, 3, peer.Len())

	peer, err = p.b.Peer()
	require.NoError(t, err)
	assert.Equal(t, 0, peer.Len())

	assert.Equal(t, "negotiated", p.a.StateName())
	assert.Equal(t, "negotiated", p.b.StateName())
}

func TestCallBeforeNegotiationFails(t *testing.T) {
	reg := stream.NewRegistry(nil, nil)
	br := syncbridge.New(reg, nil)
	exec := task.NewExecutor(nil)
	_, cons := reg.Create(stream.KernelOwner)
	prod, _ := reg.Create(stream.KernelOwner)

	p, err := New(emptySchema(t), cons, prod, br, exec, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "unbound", p.StateName())

	got := make(chan error, 1)
	exec.Go("caller", func(tk *task.Task) {
		_, err := p.Call(tk, "hello", nil)
		got <- err
	})
	assert.ErrorIs(t, <-got, ErrUnbound)
}

func TestCallRoundTrip(t *testing.T) {
	p := newPair(t, emptySchema(t), serverSchema(t))
	serveHello(p)

	res := waitResult(t, mustCall(p, "hello", map[string]any{"hi_amount": uint64(3)}))
	require.NoError(t, res.err)
	assert.Equal(t, []uint32{0, 1, 2}, res.val)
}

func mustCall(p *pair, route string, args map[string]any) <-chan callResult {
	ch, _ := call(p, route, args)
	return ch
}

func TestArgumentRejectionProducesNoTraffic(t *testing.T) {
	p := newPair(t, emptySchema(t), serverSchema(t))

	res := waitResult(t, mustCall(p, "hello", map[string]any{"hi_amount": "three"}))
	assert.ErrorIs(t, res.err, ErrArgMismatch)

	// Nothing crossed the wire: the serving side sees no call.
	select {
	case in := <-p.b.Serve():
		t.Fatalf("unexpected incoming call %q", in.Call.Route.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOutOfOrderResponses(t *testing.T) {
	p := newPair(t, emptySchema(t), serverSchema(t))

	// Collect two calls, then answer them in reverse arrival order.
	p.exec.Go("server", func(tk *task.Task) {
		var held []Incoming
		for in := range p.b.Serve() {
			held = append(held, in)
			if len(held) == 2 {
				break
			}
		}
		for i := len(held) - 1; i >= 0; i-- {
			in := held[i]
			_ = in.Responder.Reply(tk, countdown(in.Call.Args["hi_amount"].(uint64)))
		}
	})

	var wg sync.WaitGroup
	results := make([]callResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		n := uint64(i + 1)
		idx := i
		p.exec.Go("caller", func(tk *task.Task) {
			defer wg.Done()
			v, err := p.a.Call(tk, "hello", map[string]any{"hi_amount": n})
			results[idx] = callResult{val: v, err: err}
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("calls never completed")
	}

	// Each caller got its own response, not the other's.
	require.NoError(t, results[0].err)
	require.NoError(t, results[1].err)
	assert.Equal(t, []uint32{0}, results[0].val)
	assert.Equal(t, []uint32{0, 1}, results[1].val)
}

func TestEventIsOneWay(t *testing.T) {
	p := newPair(t, emptySchema(t), serverSchema(t))

	seen := make(chan Incoming, 1)
	p.exec.Go("server", func(tk *task.Task) {
		for in := range p.b.Serve() {
			seen <- in
		}
	})

	emitErr := make(chan error, 1)
	p.exec.Go("emitter", func(tk *task.Task) {
		emitErr <- p.a.Emit(tk, "tick", map[string]any{"when": uint64(99)})
	})
	require.NoError(t, <-emitErr)

	select {
	case in := <-seen:
		assert.Equal(t, "tick", in.Call.Route.Name)
		assert.Equal(t, uint64(99), in.Call.Args["when"])
		assert.Nil(t, in.Responder, "events carry no responder")
	case <-time.After(2 * time.Second):
		t.Fatal("event never arrived")
	}
}

func TestEmitRejectsHandleRoute(t *testing.T) {
	p := newPair(t, emptySchema(t), serverSchema(t))

	got := make(chan error, 1)
	p.exec.Go("emitter", func(tk *task.Task) {
		got <- p.a.Emit(tk, "hello", map[string]any{"hi_amount": uint64(1)})
	})
	assert.ErrorIs(t, <-got, ErrNotEvent)
}

func TestRemoteFailureSurfacesAsRemoteError(t *testing.T) {
	p := newPair(t, emptySchema(t), serverSchema(t))

	p.exec.Go("server", func(tk *task.Task) {
		for in := range p.b.Serve() {
			_ = in.Responder.Fail(tk, "no such thing")
		}
	})

	res := waitResult(t, mustCall(p, "hello", map[string]any{"hi_amount": uint64(1)}))
	var remote *RemoteError
	require.ErrorAs(t, res.err, &remote)
	assert.Equal(t, "no such thing", remote.Msg)
}

func TestCancelledCallAbandonsPending(t *testing.T) {
	p := newPair(t, emptySchema(t), serverSchema(t))
	stalled := serveHello(p)

	got, caller := call(p, "stall", nil)

	var in Incoming
	select {
	case in = <-stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("call never arrived at server")
	}

	caller.Cancel()
	assert.ErrorIs(t, waitResult(t, got).err, task.ErrCancelled)
	assert.Equal(t, 0, p.a.Snapshot().Pending)

	// The late response is dropped without hurting the portal.
	answered := make(chan error, 1)
	p.exec.Go("late-reply", func(tk *task.Task) {
		answered <- in.Responder.Reply(tk, true)
	})
	require.NoError(t, <-answered)

	res := waitResult(t, mustCall(p, "hello", map[string]any{"hi_amount": uint64(2)}))
	require.NoError(t, res.err)
	assert.Equal(t, []uint32{0, 1}, res.val)
}

func TestCloseFailsOutstandingCalls(t *testing.T) {
	p := newPair(t, emptySchema(t), serverSchema(t))
	stalled := serveHello(p)

	got, _ := call(p, "stall", nil)
	<-stalled

	require.NoError(t, p.a.Close())
	assert.ErrorIs(t, waitResult(t, got).err, ErrClosedPortal)
	assert.Equal(t, "closed", p.a.StateName())
}

func TestPeerClosureFailsOutstandingCalls(t *testing.T) {
	p := newPair(t, emptySchema(t), serverSchema(t))
	stalled := serveHello(p)

	got, _ := call(p, "stall", nil)
	<-stalled

	require.NoError(t, p.b.Close())
	assert.ErrorIs(t, waitResult(t, got).err, ErrPeerClosed)

	select {
	case <-p.a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("portal never observed peer closure")
	}
}

func TestGarbageFrameIsProtocolViolation(t *testing.T) {
	p := newPair(t, emptySchema(t), serverSchema(t))
	stalled := serveHello(p)

	got, _ := call(p, "stall", nil)
	<-stalled

	// Inject an unknown frame tag directly into a's inbound stream.
	_, err := p.reg.Write(p.toA, EncodeFrame([]byte{0x7F}))
	require.NoError(t, err)

	assert.ErrorIs(t, waitResult(t, got).err, ErrProtocolViolation)
	assert.Equal(t, "closed", p.a.StateName())
}

func TestUnmatchedResponseIsDroppedNotFatal(t *testing.T) {
	p := newPair(t, emptySchema(t), serverSchema(t))
	serveHello(p)

	// A response no caller is waiting for.
	_, err := p.reg.Write(p.toA, EncodeErrorResponse(9999, "stray"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	res := waitResult(t, mustCall(p, "hello", map[string]any{"hi_amount": uint64(1)}))
	require.NoError(t, res.err)
	assert.Equal(t, []uint32{0}, res.val)
}

func TestDoubleNegotiateRejected(t *testing.T) {
	p := newPair(t, emptySchema(t), serverSchema(t))

	got := make(chan error, 1)
	p.exec.Go("again", func(tk *task.Task) {
		got <- p.a.Negotiate(tk)
	})
	assert.ErrorIs(t, <-got, ErrAlreadyNegotiated)
}

func TestResponderIsOneShot(t *testing.T) {
	p := newPair(t, emptySchema(t), serverSchema(t))

	answered := make(chan error, 2)
	p.exec.Go("server", func(tk *task.Task) {
		in := <-p.b.Serve()
		answered <- in.Responder.Reply(tk, []uint32{1})
		answered <- in.Responder.Reply(tk, []uint32{2})
	})

	res := waitResult(t, mustCall(p, "hello", map[string]any{"hi_amount": uint64(1)}))
	require.NoError(t, res.err)
	assert.Equal(t, []uint32{1}, res.val)

	require.NoError(t, <-answered)
	assert.Error(t, <-answered)
}

func TestSnapshotReportsShape(t *testing.T) {
	p := newPair(t, emptySchema(t), serverSchema(t))

	info := p.a.Snapshot()
	assert.Equal(t, "negotiated", info.State)
	assert.Equal(t, 0, info.LocalRoutes)
	assert.Equal(t, 3, info.PeerRoutes)
	assert.Equal(t, 0, info.Pending)
}
