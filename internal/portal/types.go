package portal

import (
	"errors"
	"fmt"
	"strings"
)

var ErrBadType = errors.New("unknown or malformed type")

// Kind enumerates the wire types a route signature can use.
type Kind uint8

const (
	KindU8 Kind = iota
	KindU16
	KindU32
	KindU64
	KindUSize
	KindBool
	KindStr
	KindUnit
	KindArray
)

// Type describes one wire type. Array is the only container; Elem is nil for
// primitives.
type Type struct {
	Kind Kind
	Elem *Type
}

// Primitive types usable in route signatures.
var (
	U8    = Type{Kind: KindU8}
	U16   = Type{Kind: KindU16}
	U32   = Type{Kind: KindU32}
	U64   = Type{Kind: KindU64}
	USize = Type{Kind: KindUSize}
	Bool  = Type{Kind: KindBool}
	Str   = Type{Kind: KindStr}
	Unit  = Type{Kind: KindUnit}
)

// ArrayOf builds the container type Array elem.
func ArrayOf(elem Type) Type {
	e := elem
	return Type{Kind: KindArray, Elem: &e}
}

var kindNames = map[Kind]string{
	KindU8:    "u8",
	KindU16:   "u16",
	KindU32:   "u32",
	KindU64:   "u64",
	KindUSize: "usize",
	KindBool:  "bool",
	KindStr:   "str",
	KindUnit:  "unit",
}

// String renders the handshake-grammar spelling: primitives by name,
// containers by concatenation ("Array" + "u32" = "Arrayu32").
func (t Type) String() string {
	if t.Kind == KindArray {
		if t.Elem == nil {
			return "Array?"
		}
		return "Array" + t.Elem.String()
	}
	if n, ok := kindNames[t.Kind]; ok {
		return n
	}
	return "?"
}

// Equal reports structural type equality.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind {
		return false
	}
	if t.Kind != KindArray {
		return true
	}
	if t.Elem == nil || o.Elem == nil {
		return t.Elem == o.Elem
	}
	return t.Elem.Equal(*o.Elem)
}

// valid reports whether the type is fully formed.
func (t Type) valid() bool {
	if t.Kind == KindArray {
		return t.Elem != nil && t.Elem.valid() && t.Elem.Kind != KindUnit
	}
	_, ok := kindNames[t.Kind]
	return ok
}

// parseTypePrefix decodes the longest type at the front of s and returns the
// remainder. The grammar is a prefix code: "Array" recurses, otherwise the
// next bytes must spell exactly one primitive.
func parseTypePrefix(s string) (Type, string, error) {
	if rest, ok := strings.CutPrefix(s, "Array"); ok {
		elem, rest, err := parseTypePrefix(rest)
		if err != nil {
			return Type{}, s, err
		}
		if elem.Kind == KindUnit {
			return Type{}, s, fmt.Errorf("%w: Array of unit", ErrBadType)
		}
		return ArrayOf(elem), rest, nil
	}
	// Longest match first so "usize" is not read as "u8"/"u16" fragments.
	for _, name := range []string{"usize", "unit", "u16", "u32", "u64", "u8", "bool", "str"} {
		if rest, ok := strings.CutPrefix(s, name); ok {
			for k, n := range kindNames {
				if n == name {
					return Type{Kind: k}, rest, nil
				}
			}
		}
	}
	return Type{}, s, fmt.Errorf("%w: %q", ErrBadType, truncate(s, 16))
}

// ParseType decodes a complete type string such as "u64" or "Arrayu32".
func ParseType(s string) (Type, error) {
	t, rest, err := parseTypePrefix(s)
	if err != nil {
		return Type{}, err
	}
	if rest != "" {
		return Type{}, fmt.Errorf("%w: trailing %q after %s", ErrBadType, truncate(rest, 16), t)
	}
	return t, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// isIdent reports whether s is a legal route or argument name: lowercase
// identifier, which keeps names unambiguous against the grammar's 'A'/'O'
// markers and the '!' ':' delimiters.
func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
