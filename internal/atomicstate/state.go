package atomicstate

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// MaxWidth is the widest supported bit vector. Transitions race on a single
// machine word, so the vector must fit in one.
const MaxWidth = 64

var (
	ErrWidth        = errors.New("state width must be between 1 and 64 bits")
	ErrBitRange     = errors.New("bit index outside state width")
	ErrDuplicateBit = errors.New("bit already has a transition rule")
	ErrSelfGuard    = errors.New("guard may not reference its own bit")
	ErrNilGuardErr  = errors.New("guard requires a non-nil error value")
	ErrInitialBits  = errors.New("initial value has bits outside state width")
)

// Bit indexes a single flag within a State.
type Bit uint

// Guard is a precondition attached to a bit, expressed over the other bits
// and evaluated against the post-transition value. Require lists bits that
// must be set, Forbid bits that must be clear.
type Guard struct {
	Require uint64
	Forbid  uint64
}

type rule struct {
	declared bool
	guard    Guard
	err      error
}

// State is a guarded bitset. Transitions flip one bit per call through Set
// and Clear; the zero value is not usable, construct through a Builder.
type State struct {
	width uint
	rules [MaxWidth]rule
	bits  atomic.Uint64
}

// Set attempts to transition the target bit to 1.
func (s *State) Set(bit Bit) error {
	return s.transition(bit, true)
}

// Clear attempts to transition the target bit to 0.
func (s *State) Clear(bit Bit) error {
	return s.transition(bit, false)
}

// transition is the read-guard-CAS loop. The guard is checked against the
// candidate (post-transition) value on every iteration, so a transition that
// becomes illegal mid-race is still rejected.
func (s *State) transition(bit Bit, set bool) error {
	if uint(bit) >= s.width {
		return fmt.Errorf("%w: bit %d of %d", ErrBitRange, bit, s.width)
	}

	mask := uint64(1) << bit
	for {
		cur := s.bits.Load()
		next := cur &^ mask
		if set {
			next = cur | mask
		}

		if r := &s.rules[bit]; r.declared {
			if next&r.guard.Require != r.guard.Require || next&r.guard.Forbid != 0 {
				return r.err
			}
		}

		if cur == next {
			// Bit already holds the requested value.
			return nil
		}
		if s.bits.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// Value returns the current bit vector.
func (s *State) Value() uint64 {
	return s.bits.Load()
}

// IsSet reports whether the given bit is currently set. Out-of-range bits
// read as clear.
func (s *State) IsSet(bit Bit) bool {
	if uint(bit) >= s.width {
		return false
	}
	return s.bits.Load()&(1<<bit) != 0
}

// Width returns the declared width of the bit vector.
func (s *State) Width() uint {
	return s.width
}
