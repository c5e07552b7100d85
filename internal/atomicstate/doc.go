// Package atomicstate provides a lock-free guarded bitset for enforcing
// multi-bit invariants under concurrent access.
//
// A State is a fixed-width bit vector whose transitions flip exactly one bit
// at a time via compare-and-swap. Each bit may carry a guard: a conjunction of
// bits that must be set and bits that must be clear in the value *after* the
// transition. A transition whose guard fails returns the guard's declared
// error and leaves the state untouched; CAS contention is retried and is
// invisible to the caller except as latency.
//
// States are built once through a Builder and are immutable afterwards except
// for the bit vector itself:
//
//	st, err := atomicstate.NewBuilder(3).
//	    Rule(bitOpen, atomicstate.Guard{Forbid: 1<<bitLocked | 1<<bitAway}, ErrLocked).
//	    Build(0)
//	err = st.Set(bitOpen) // fails with ErrLocked while locked or away is set
//
// The package is deliberately dependency-free: it sits below the stream and
// portal layers and is used to guard kernel resource lifecycles.
package atomicstate
