// Package portal implements the typed remote-call protocol spoken over
// stream pairs.
//
// A portal is one negotiated route-capable connection: each side declares an
// immutable Schema of named routes (typed arguments, one typed return) built
// through a Builder, sends it once as a sequence of handshake frames, and
// from then on exchanges compact call frames that carry values only; the
// peer already knows every route's types from negotiation.
//
// Handshake frames are byte-exact:
//
//	Rhello!Ahi_amount:u64OArrayu32!
//
// declares route "hello" taking hi_amount: u64 and returning Array u32. One
// frame per route, terminated by a single 'N' frame marking the end of the
// schema. Call frames reference a route by name and carry a per-call
// sequence number, so responses may arrive out of order and multiple calls
// can be outstanding on one portal; bodies above a size threshold are
// zstd-compressed.
//
// Lifecycle: Unbound -> Negotiated -> Closed, tracked by a guarded atomic
// bitset. A protocol violation or peer closure moves the portal to Closed
// and fails every outstanding call; a response with no waiting caller is
// dropped and logged, never fatal.
package portal
