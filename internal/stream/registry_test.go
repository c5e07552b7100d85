package stream

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenRead(t *testing.T) {
	r := NewRegistry(nil, nil)
	prod, cons := r.Create(KernelOwner)

	n, err := r.Write(prod, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = r.TryRead(cons, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestTryReadEmptyReturnsZeroNoError(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, cons := r.Create(KernelOwner)

	n, err := r.TryRead(cons, make([]byte, 8))
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestPartialReadPreservesRemainder(t *testing.T) {
	r := NewRegistry(nil, nil)
	prod, cons := r.Create(KernelOwner)

	_, err := r.Write(prod, []byte("abcdef"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := r.TryRead(cons, buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))

	n, err = r.TryRead(cons, buf)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(buf[:n]))
}

func TestProducerContiguityUnderConcurrency(t *testing.T) {
	r := NewRegistry(nil, nil)
	prod, cons := r.Create(KernelOwner)
	clone, err := r.CloneProducer(prod, Owner(7))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = r.Write(prod, []byte("AB")) }()
	go func() { defer wg.Done(); _, _ = r.Write(clone, []byte("12")) }()
	wg.Wait()

	buf := make([]byte, 8)
	n, err := r.TryRead(cons, buf)
	require.NoError(t, err)
	got := string(buf[:n])
	if got != "AB12" && got != "12AB" {
		t.Fatalf("writer bytes interleaved: %q", got)
	}
}

func TestManyProducersLinearize(t *testing.T) {
	r := NewRegistry(nil, nil)
	prod, cons := r.Create(KernelOwner)

	const writers = 8
	const rounds = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		h := prod
		if w > 0 {
			var err error
			h, err = r.CloneProducer(prod, Owner(uint32(w)))
			require.NoError(t, err)
		}
		wg.Add(1)
		go func(h Handle, tag byte) {
			defer wg.Done()
			msg := []byte{tag, tag, tag, tag}
			for i := 0; i < rounds; i++ {
				if _, err := r.Write(h, msg); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}(h, byte('a'+w))
	}
	wg.Wait()

	var sb strings.Builder
	buf := make([]byte, 64)
	for {
		n, err := r.TryRead(cons, buf)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		sb.Write(buf[:n])
	}

	got := sb.String()
	require.Len(t, got, writers*rounds*4)
	for i := 0; i < len(got); i += 4 {
		seg := got[i : i+4]
		if seg != strings.Repeat(seg[:1], 4) {
			t.Fatalf("segment split across writers at %d: %q", i, seg)
		}
	}
}

func TestReadWaitBlocksUntilWrite(t *testing.T) {
	r := NewRegistry(nil, nil)
	prod, cons := r.Create(KernelOwner)

	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 8)
		n, err := r.ReadWait(cons, buf)
		if err != nil {
			done <- "err:" + err.Error()
			return
		}
		done <- string(buf[:n])
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := r.Write(prod, []byte("wake"))
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, "wake", got)
	case <-time.After(time.Second):
		t.Fatal("ReadWait did not wake")
	}
}

func TestReadWaitUnblocksOnProducerClose(t *testing.T) {
	r := NewRegistry(nil, nil)
	prod, cons := r.Create(KernelOwner)

	done := make(chan error, 1)
	go func() {
		_, err := r.ReadWait(cons, make([]byte, 8))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Close(prod))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("ReadWait did not observe closure")
	}
}

func TestAdoptRevokesOldHandle(t *testing.T) {
	r := NewRegistry(nil, nil)
	prod, cons := r.Create(KernelOwner)

	adopted, err := r.Adopt(cons, Owner(42))
	require.NoError(t, err)

	_, err = r.TryRead(cons, make([]byte, 4))
	assert.ErrorIs(t, err, ErrBadHandle)

	_, err = r.Write(prod, []byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := r.TryRead(adopted, buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:n]))
}

func TestAdoptOnlyConsumerSide(t *testing.T) {
	r := NewRegistry(nil, nil)
	prod, _ := r.Create(KernelOwner)

	_, err := r.Adopt(prod, Owner(1))
	assert.ErrorIs(t, err, ErrWrongSide)
}

func TestWriteAfterConsumerCloseFails(t *testing.T) {
	r := NewRegistry(nil, nil)
	prod, cons := r.Create(KernelOwner)

	require.NoError(t, r.Close(cons))
	_, err := r.Write(prod, []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDrainedClosedStreamReportsClosed(t *testing.T) {
	r := NewRegistry(nil, nil)
	prod, cons := r.Create(KernelOwner)

	_, err := r.Write(prod, []byte("bye"))
	require.NoError(t, err)
	require.NoError(t, r.Close(prod))

	buf := make([]byte, 8)
	n, err := r.TryRead(cons, buf)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(buf[:n]))

	_, err = r.TryRead(cons, buf)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegisterWakeupFiresOnWrite(t *testing.T) {
	r := NewRegistry(nil, nil)
	prod, cons := r.Create(KernelOwner)

	fired := make(chan struct{}, 1)
	require.NoError(t, r.RegisterWakeup(cons, DirRead, func() { fired <- struct{}{} }))

	select {
	case <-fired:
		t.Fatal("wakeup fired before data arrived")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := r.Write(prod, []byte("go"))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("wakeup never fired")
	}
}

func TestRegisterWakeupImmediateWhenReadable(t *testing.T) {
	r := NewRegistry(nil, nil)
	prod, cons := r.Create(KernelOwner)
	_, err := r.Write(prod, []byte("pending"))
	require.NoError(t, err)

	fired := false
	require.NoError(t, r.RegisterWakeup(cons, DirRead, func() { fired = true }))
	assert.True(t, fired, "wakeup with data already buffered must fire immediately")
}

func TestDoubleWakeupRegistrationIsUsageError(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, cons := r.Create(KernelOwner)

	require.NoError(t, r.RegisterWakeup(cons, DirRead, func() {}))
	err := r.RegisterWakeup(cons, DirRead, func() {})
	assert.ErrorIs(t, err, ErrWakeupRegistered)
}

func TestDeregisteredWakeupNeverFires(t *testing.T) {
	r := NewRegistry(nil, nil)
	prod, cons := r.Create(KernelOwner)

	fired := make(chan struct{}, 1)
	require.NoError(t, r.RegisterWakeup(cons, DirRead, func() { fired <- struct{}{} }))
	r.DeregisterWakeup(cons, DirRead)

	_, err := r.Write(prod, []byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
		t.Fatal("deregistered wakeup fired")
	case <-time.After(50 * time.Millisecond):
	}

	// The slot is free again for an unrelated registration.
	require.NoError(t, r.RegisterWakeup(cons, DirRead, func() {}))
}

func TestWakeupIsOneShot(t *testing.T) {
	r := NewRegistry(nil, nil)
	prod, cons := r.Create(KernelOwner)

	var mu sync.Mutex
	count := 0
	require.NoError(t, r.RegisterWakeup(cons, DirRead, func() {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	_, err := r.Write(prod, []byte("a"))
	require.NoError(t, err)
	_, err = r.Write(prod, []byte("b"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestCloseOwnedRevokesAll(t *testing.T) {
	r := NewRegistry(nil, nil)
	p1, c1 := r.Create(Owner(9))
	p2, c2 := r.Create(Owner(9))
	pK, _ := r.Create(KernelOwner)

	closed := r.CloseOwned(Owner(9))
	assert.Equal(t, 4, closed)

	for _, h := range []Handle{p1, c1, p2, c2} {
		_, err := r.TryRead(h, make([]byte, 1))
		assert.ErrorIs(t, err, ErrBadHandle)
	}

	// Kernel handles survive.
	_, err := r.Write(pK, []byte("still here"))
	assert.NoError(t, err)
}

func TestSnapshotReportsDepth(t *testing.T) {
	r := NewRegistry(nil, nil)
	prod, cons := r.Create(Owner(3))
	_, err := r.Write(prod, []byte("12345"))
	require.NoError(t, err)

	depth, err := r.Depth(cons)
	require.NoError(t, err)
	assert.Equal(t, 5, depth)

	infos := r.Snapshot()
	assert.Len(t, infos, 2)
	for _, info := range infos {
		assert.Equal(t, Owner(3), info.Owner)
		assert.Equal(t, 5, info.Buffered)
	}
}

// countingObserver tallies endpoint events so the open/close accounting can
// be checked for symmetry.
type countingObserver struct {
	mu      sync.Mutex
	streams int
	opened  int
	closed  int
}

func (o *countingObserver) StreamCreated() {
	o.mu.Lock()
	o.streams++
	o.mu.Unlock()
}

func (o *countingObserver) EndpointOpened() {
	o.mu.Lock()
	o.opened++
	o.mu.Unlock()
}

func (o *countingObserver) EndpointClosed() {
	o.mu.Lock()
	o.closed++
	o.mu.Unlock()
}

func (o *countingObserver) BytesWritten(int)      {}
func (o *countingObserver) BytesRead(int)         {}
func (o *countingObserver) WakeupFired(Direction) {}

func (o *countingObserver) live() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened - o.closed
}

func TestObserverEndpointAccountingIsSymmetric(t *testing.T) {
	obs := &countingObserver{}
	r := NewRegistry(nil, obs)

	prod, cons := r.Create(Owner(1))
	assert.Equal(t, 1, obs.streams)
	assert.Equal(t, 2, obs.live())

	clone, err := r.CloneProducer(prod, Owner(2))
	require.NoError(t, err)
	assert.Equal(t, 3, obs.live())

	// Adoption revokes one endpoint and allocates another.
	adopted, err := r.Adopt(cons, Owner(2))
	require.NoError(t, err)
	assert.Equal(t, 3, obs.live())

	require.NoError(t, r.Close(prod))
	require.NoError(t, r.Close(clone))
	require.NoError(t, r.Close(adopted))

	assert.Equal(t, 1, obs.streams)
	assert.Zero(t, obs.live())
	assert.Equal(t, obs.opened, obs.closed)
}
