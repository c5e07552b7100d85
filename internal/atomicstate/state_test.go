package atomicstate

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errLocked   = errors.New("door is locked")
	errNotReady = errors.New("not ready")
)

const (
	bitOpen Bit = iota
	bitLocked
	bitAway
)

func doorState(t *testing.T, initial uint64) *State {
	t.Helper()
	st, err := NewBuilder(3).
		Rule(bitOpen, Guard{Forbid: 1<<bitLocked | 1<<bitAway}, errLocked).
		Build(initial)
	require.NoError(t, err)
	return st
}

func TestBuilderRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*State, error)
		want  error
	}{
		{
			"zero width",
			func() (*State, error) { return NewBuilder(0).Build(0) },
			ErrWidth,
		},
		{
			"width over 64",
			func() (*State, error) { return NewBuilder(65).Build(0) },
			ErrWidth,
		},
		{
			"duplicate bit",
			func() (*State, error) {
				return NewBuilder(2).
					Rule(0, Guard{}, errNotReady).
					Rule(0, Guard{}, errNotReady).
					Build(0)
			},
			ErrDuplicateBit,
		},
		{
			"rule out of range",
			func() (*State, error) {
				return NewBuilder(2).Rule(5, Guard{}, errNotReady).Build(0)
			},
			ErrBitRange,
		},
		{
			"guard out of range",
			func() (*State, error) {
				return NewBuilder(2).Rule(0, Guard{Require: 1 << 10}, errNotReady).Build(0)
			},
			ErrBitRange,
		},
		{
			"self-referential guard",
			func() (*State, error) {
				return NewBuilder(2).Rule(1, Guard{Forbid: 1 << 1}, errNotReady).Build(0)
			},
			ErrSelfGuard,
		},
		{
			"nil guard error",
			func() (*State, error) {
				return NewBuilder(2).Rule(0, Guard{}, nil).Build(0)
			},
			ErrNilGuardErr,
		},
		{
			"initial outside width",
			func() (*State, error) { return NewBuilder(2).Build(1 << 3) },
			ErrInitialBits,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := tt.build()
			assert.Nil(t, st)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGuardFailureLeavesStateUntouched(t *testing.T) {
	st := doorState(t, 1<<bitLocked)

	err := st.Set(bitOpen)
	assert.ErrorIs(t, err, errLocked)
	assert.Equal(t, uint64(1<<bitLocked), st.Value())
	assert.False(t, st.IsSet(bitOpen))
}

func TestTransitionFlipsExactlyOneBit(t *testing.T) {
	st := doorState(t, 0)

	require.NoError(t, st.Set(bitOpen))
	assert.Equal(t, uint64(1<<bitOpen), st.Value())

	require.NoError(t, st.Clear(bitOpen))
	require.NoError(t, st.Set(bitLocked))
	assert.Equal(t, uint64(1<<bitLocked), st.Value())

	// And the guard observes the post-transition value again.
	assert.ErrorIs(t, st.Set(bitOpen), errLocked)
}

func TestTransitionIsIdempotent(t *testing.T) {
	st := doorState(t, 0)

	require.NoError(t, st.Set(bitAway))
	require.NoError(t, st.Set(bitAway))
	assert.Equal(t, uint64(1<<bitAway), st.Value())

	require.NoError(t, st.Clear(bitOpen))
	assert.Equal(t, uint64(1<<bitAway), st.Value())
}

func TestOutOfRangeBitIsUsageError(t *testing.T) {
	st := doorState(t, 0)
	assert.ErrorIs(t, st.Set(40), ErrBitRange)
	assert.False(t, st.IsSet(40))
}

func TestUnguardedBitsTransitionFreely(t *testing.T) {
	st := doorState(t, 0)
	require.NoError(t, st.Set(bitLocked))
	require.NoError(t, st.Set(bitAway))
	require.NoError(t, st.Clear(bitLocked))
	assert.Equal(t, uint64(1<<bitAway), st.Value())
}

func TestConcurrentDisjointBitsAllSucceed(t *testing.T) {
	const width = 32
	b := NewBuilder(width)
	st, err := b.Build(0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for bit := Bit(0); bit < width; bit++ {
		wg.Add(1)
		go func(bit Bit) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if err := st.Set(bit); err != nil {
					t.Errorf("Set(%d) = %v", bit, err)
					return
				}
				if err := st.Clear(bit); err != nil {
					t.Errorf("Clear(%d) = %v", bit, err)
					return
				}
			}
			if err := st.Set(bit); err != nil {
				t.Errorf("final Set(%d) = %v", bit, err)
			}
		}(bit)
	}
	wg.Wait()

	assert.Equal(t, uint64(1<<width)-1, st.Value())
}

func TestConcurrentGuardedTransitions(t *testing.T) {
	// One goroutine toggles the lock, another hammers the door. Every Set on
	// the door must either succeed or fail with the declared guard error, and
	// the open-while-locked invariant must hold at every observed value.
	st, err := NewBuilder(3).
		Rule(bitOpen, Guard{Forbid: 1 << bitLocked}, errLocked).
		Rule(bitLocked, Guard{Forbid: 1 << bitOpen}, errNotReady).
		Build(0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = st.Set(bitLocked)
			_ = st.Clear(bitLocked)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if err := st.Set(bitOpen); err != nil {
				if !errors.Is(err, errLocked) {
					t.Errorf("unexpected error: %v", err)
					return
				}
				continue
			}
			_ = st.Clear(bitOpen)
		}
	}()
	wg.Wait()

	v := st.Value()
	if v&(1<<bitOpen) != 0 && v&(1<<bitLocked) != 0 {
		t.Errorf("door open while locked: %#x", v)
	}
}
