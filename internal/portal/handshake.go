package portal

import (
	"errors"
	"fmt"
	"strings"
)

// Handshake grammar, one frame per route:
//
//	'R' name '!' ('A' name ':' type)* 'O' type '!'
//
// followed by a single 'N' frame closing the schema. The spelling is
// byte-exact: no separators beyond the grammar's own, types rendered by
// concatenation (Array u32 = "Arrayu32"). Identifiers are lowercase, so the
// 'A' and 'O' markers can never be mistaken for name or type bytes.

var (
	ErrBadHandshake   = errors.New("malformed handshake frame")
	ErrSchemaConflict = errors.New("schema negotiation conflict")
)

// EncodeRoute renders one route declaration payload.
func EncodeRoute(r *Route) []byte {
	var sb strings.Builder
	sb.WriteByte(tagRoute)
	sb.WriteString(r.Name)
	sb.WriteByte('!')
	for _, a := range r.Args {
		sb.WriteByte('A')
		sb.WriteString(a.Name)
		sb.WriteByte(':')
		sb.WriteString(a.Type.String())
	}
	sb.WriteByte('O')
	sb.WriteString(r.Returns.String())
	sb.WriteByte('!')
	return []byte(sb.String())
}

// EncodeSchemaEnd renders the frame that closes the peer's schema.
func EncodeSchemaEnd() []byte {
	return []byte{tagEnd}
}

// DecodeRoute parses one route declaration payload. The route's kind is
// implied by its return type: unit-returning routes are one-way events.
func DecodeRoute(payload []byte) (*Route, error) {
	s := string(payload)
	if len(s) == 0 || s[0] != tagRoute {
		return nil, fmt.Errorf("%w: missing route marker", ErrBadHandshake)
	}
	s = s[1:]

	name, s, ok := strings.Cut(s, "!")
	if !ok {
		return nil, fmt.Errorf("%w: unterminated route name", ErrBadHandshake)
	}
	if !isIdent(name) {
		return nil, fmt.Errorf("%w: route name %q", ErrBadHandshake, truncate(name, 32))
	}

	var args []Arg
	seen := make(map[string]bool)
	for len(s) > 0 && s[0] == 'A' {
		s = s[1:]
		aname, rest, ok := strings.Cut(s, ":")
		if !ok {
			return nil, fmt.Errorf("%w: route %q: argument without type", ErrBadHandshake, name)
		}
		if !isIdent(aname) {
			return nil, fmt.Errorf("%w: route %q: argument name %q", ErrBadHandshake, name, truncate(aname, 32))
		}
		if seen[aname] {
			return nil, fmt.Errorf("%w: route %q: duplicate argument %q", ErrBadHandshake, name, aname)
		}
		seen[aname] = true

		t, remain, err := parseTypePrefix(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: route %q argument %q: %v", ErrBadHandshake, name, aname, err)
		}
		if t.Kind == KindUnit {
			return nil, fmt.Errorf("%w: route %q argument %q: unit argument", ErrBadHandshake, name, aname)
		}
		args = append(args, Arg{Name: aname, Type: t})
		s = remain
	}

	if len(s) == 0 || s[0] != 'O' {
		return nil, fmt.Errorf("%w: route %q: missing output marker", ErrBadHandshake, name)
	}
	ret, s, err := parseTypePrefix(s[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: route %q output: %v", ErrBadHandshake, name, err)
	}
	if s != "!" {
		return nil, fmt.Errorf("%w: route %q: trailing %q", ErrBadHandshake, name, truncate(s, 16))
	}

	kind := RouteHandle
	if ret.Kind == KindUnit {
		kind = RouteEvent
	}
	return &Route{Name: name, Kind: kind, Args: args, Returns: ret}, nil
}

// schemaAssembler accumulates the peer's route declarations until the end
// frame closes the schema. A redeclaration with an identical signature is
// tolerated; any signature drift is a negotiation conflict.
type schemaAssembler struct {
	builder *Builder
	byName  map[string]*Route
	done    bool
}

func newSchemaAssembler() *schemaAssembler {
	return &schemaAssembler{
		builder: NewBuilder(),
		byName:  make(map[string]*Route),
	}
}

// Add ingests one handshake payload. It returns true once the end frame has
// been seen and the schema is complete.
func (a *schemaAssembler) Add(payload []byte) (bool, error) {
	if a.done {
		return true, fmt.Errorf("%w: frame after schema end", ErrBadHandshake)
	}
	if len(payload) == 1 && payload[0] == tagEnd {
		a.done = true
		return true, nil
	}

	r, err := DecodeRoute(payload)
	if err != nil {
		return false, err
	}
	if prev, ok := a.byName[r.Name]; ok {
		if prev.SignatureEqual(r) {
			return false, nil
		}
		return false, fmt.Errorf("%w: route %q declared twice with different signatures", ErrSchemaConflict, r.Name)
	}
	a.byName[r.Name] = r
	if r.Kind == RouteEvent {
		a.builder.Event(r.Name, r.Args)
	} else {
		a.builder.Route(r.Name, r.Args, r.Returns)
	}
	return false, nil
}

// Schema finalizes the assembled peer schema. Valid only after Add reported
// completion.
func (a *schemaAssembler) Schema() (*Schema, error) {
	if !a.done {
		return nil, fmt.Errorf("%w: schema not closed", ErrBadHandshake)
	}
	return a.builder.Build()
}
