package atomicstate

import "fmt"

// Builder stages the rule table for a State. Structural problems (duplicate
// bits, out-of-range guards) are collected as rules are added and reported by
// Build, so a misdeclared machine never reaches first use.
type Builder struct {
	width uint
	rules [MaxWidth]rule
	err   error
}

// NewBuilder starts a builder for a state of the given width in bits.
func NewBuilder(width uint) *Builder {
	b := &Builder{width: width}
	if width == 0 || width > MaxWidth {
		b.err = fmt.Errorf("%w: got %d", ErrWidth, width)
	}
	return b
}

// Rule attaches a guard and its failure error to a bit. At most one rule per
// bit; the guard may not reference the bit it protects.
func (b *Builder) Rule(bit Bit, guard Guard, err error) *Builder {
	if b.err != nil {
		return b
	}

	switch {
	case uint(bit) >= b.width:
		b.err = fmt.Errorf("%w: rule for bit %d, width %d", ErrBitRange, bit, b.width)
	case b.rules[bit].declared:
		b.err = fmt.Errorf("%w: bit %d", ErrDuplicateBit, bit)
	case err == nil:
		b.err = fmt.Errorf("%w: bit %d", ErrNilGuardErr, bit)
	case (guard.Require|guard.Forbid)&(1<<bit) != 0:
		b.err = fmt.Errorf("%w: bit %d", ErrSelfGuard, bit)
	case b.width < MaxWidth && (guard.Require|guard.Forbid)>>b.width != 0:
		b.err = fmt.Errorf("%w: guard for bit %d references bits past width %d", ErrBitRange, bit, b.width)
	default:
		b.rules[bit] = rule{declared: true, guard: guard, err: err}
	}
	return b
}

// Build finalizes the machine with the given initial bit vector. The rule
// table is frozen; only the bit vector changes afterwards.
func (b *Builder) Build(initial uint64) (*State, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.width < MaxWidth && initial>>b.width != 0 {
		return nil, fmt.Errorf("%w: %#x with width %d", ErrInitialBits, initial, b.width)
	}

	s := &State{width: b.width, rules: b.rules}
	s.bits.Store(initial)
	return s, nil
}
