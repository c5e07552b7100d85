package portal

import (
	"errors"
	"fmt"
)

var (
	ErrBadIdent      = errors.New("invalid identifier")
	ErrDuplicateName = errors.New("duplicate name in schema")
	ErrUnknownRoute  = errors.New("unknown route")
	ErrArgMismatch   = errors.New("arguments do not match route signature")
)

// Arg is one named, typed route argument.
type Arg struct {
	Name string
	Type Type
}

// RouteKind distinguishes two-way calls from one-way events.
type RouteKind int

const (
	// RouteHandle is a two-way route: every call frame is answered by a
	// response frame.
	RouteHandle RouteKind = iota
	// RouteEvent is one-way, fire-and-forget. Event routes return unit and
	// produce no response frame.
	RouteEvent
)

// Route is a named remote-call signature. ID is assigned in declaration
// order at build time and is stable for the schema's lifetime.
type Route struct {
	ID      int
	Name    string
	Kind    RouteKind
	Args    []Arg
	Returns Type
}

// SignatureEqual reports whether two routes agree in name, argument names
// and types (in order), and return type.
func (r *Route) SignatureEqual(o *Route) bool {
	if r.Name != o.Name || len(r.Args) != len(o.Args) || !r.Returns.Equal(o.Returns) {
		return false
	}
	for i := range r.Args {
		if r.Args[i].Name != o.Args[i].Name || !r.Args[i].Type.Equal(o.Args[i].Type) {
			return false
		}
	}
	return true
}

// Schema is an immutable set of routes. Built once through a Builder; the
// route set is closed after Build.
type Schema struct {
	byName  map[string]*Route
	ordered []*Route
}

// Route looks up a route by name.
func (s *Schema) Route(name string) (*Route, bool) {
	r, ok := s.byName[name]
	return r, ok
}

// Routes returns the routes in declaration order.
func (s *Schema) Routes() []*Route {
	out := make([]*Route, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Len returns the number of routes.
func (s *Schema) Len() int { return len(s.ordered) }

// RouteCall is a validated invocation: a route name plus argument values
// that are known to match the route's signature.
type RouteCall struct {
	Route string
	Args  map[string]any
}

// Bind validates argument values against a route's signature and produces a
// RouteCall. Missing, extra, or mistyped arguments are rejected here, before
// any bytes are produced.
func (s *Schema) Bind(route string, args map[string]any) (*RouteCall, error) {
	r, ok := s.byName[route]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoute, route)
	}
	if len(args) != len(r.Args) {
		return nil, fmt.Errorf("%w: route %q wants %d arguments, got %d",
			ErrArgMismatch, route, len(r.Args), len(args))
	}
	for _, a := range r.Args {
		v, ok := args[a.Name]
		if !ok {
			return nil, fmt.Errorf("%w: route %q missing argument %q", ErrArgMismatch, route, a.Name)
		}
		if err := checkValue(a.Type, v); err != nil {
			return nil, fmt.Errorf("%w: route %q argument %q: %v", ErrArgMismatch, route, a.Name, err)
		}
	}

	bound := make(map[string]any, len(args))
	for k, v := range args {
		bound[k] = v
	}
	return &RouteCall{Route: route, Args: bound}, nil
}

// Builder stages routes for a Schema. Structural errors (bad identifiers,
// duplicate names, malformed types) are reported by Build, not at first use.
type Builder struct {
	routes []*Route
	err    error
}

// NewBuilder starts an empty schema builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) add(name string, kind RouteKind, args []Arg, returns Type) *Builder {
	if b.err != nil {
		return b
	}

	if !isIdent(name) {
		b.err = fmt.Errorf("%w: route %q", ErrBadIdent, name)
		return b
	}
	for _, r := range b.routes {
		if r.Name == name {
			b.err = fmt.Errorf("%w: route %q", ErrDuplicateName, name)
			return b
		}
	}
	seen := make(map[string]bool, len(args))
	for _, a := range args {
		if !isIdent(a.Name) {
			b.err = fmt.Errorf("%w: route %q argument %q", ErrBadIdent, name, a.Name)
			return b
		}
		if seen[a.Name] {
			b.err = fmt.Errorf("%w: route %q argument %q", ErrDuplicateName, name, a.Name)
			return b
		}
		seen[a.Name] = true
		if !a.Type.valid() || a.Type.Kind == KindUnit {
			b.err = fmt.Errorf("route %q argument %q: %w: %s", name, a.Name, ErrBadType, a.Type)
			return b
		}
	}
	if !returns.valid() {
		b.err = fmt.Errorf("route %q return: %w: %s", name, ErrBadType, returns)
		return b
	}

	copied := make([]Arg, len(args))
	copy(copied, args)
	b.routes = append(b.routes, &Route{
		ID:      len(b.routes),
		Name:    name,
		Kind:    kind,
		Args:    copied,
		Returns: returns,
	})
	return b
}

// Route declares a two-way route with the given arguments and return type.
func (b *Builder) Route(name string, args []Arg, returns Type) *Builder {
	if b.err == nil && returns.Kind == KindUnit {
		b.err = fmt.Errorf("route %q: unit return is reserved for events", name)
		return b
	}
	return b.add(name, RouteHandle, args, returns)
}

// Event declares a one-way, fire-and-forget route. Events return unit on the
// wire and produce no response frame.
func (b *Builder) Event(name string, args []Arg) *Builder {
	return b.add(name, RouteEvent, args, Unit)
}

// Build freezes the schema. After Build the route set never changes.
func (b *Builder) Build() (*Schema, error) {
	if b.err != nil {
		return nil, b.err
	}
	s := &Schema{byName: make(map[string]*Route, len(b.routes))}
	for _, r := range b.routes {
		s.byName[r.Name] = r
		s.ordered = append(s.ordered, r)
	}
	return s, nil
}
