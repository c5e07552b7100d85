package portal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Frame and body layout. Every frame is a u32 little-endian length prefix
// followed by that many payload bytes. The first payload byte tags the frame
// kind; call and response bodies after the (flags, seq) header may be
// zstd-compressed, signalled by flag bit 0.
const (
	tagRoute    byte = 'R'
	tagCall     byte = 'C'
	tagResponse byte = 'S'
	tagEnd      byte = 'N'

	flagCompressed byte = 1 << 0

	statusOK    byte = 0
	statusError byte = 1

	// Bodies at or above this size are compressed.
	compressThreshold = 4 << 10

	// MaxFrameSize bounds a single frame's payload. A peer announcing a
	// larger frame is treated as a protocol violation rather than an
	// allocation request.
	MaxFrameSize = 16 << 20
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrTruncated     = errors.New("truncated frame body")
	ErrBadValue      = errors.New("value does not match wire type")
	ErrBadFrame      = errors.New("malformed frame")
)

var (
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDec, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
)

// checkValue verifies that a Go value is representable as the given wire
// type. It mirrors appendValue exactly so a bound call can never fail to
// encode.
func checkValue(t Type, v any) error {
	switch t.Kind {
	case KindU8:
		if _, ok := v.(uint8); !ok {
			return fmt.Errorf("%w: want uint8, got %T", ErrBadValue, v)
		}
	case KindU16:
		if _, ok := v.(uint16); !ok {
			return fmt.Errorf("%w: want uint16, got %T", ErrBadValue, v)
		}
	case KindU32:
		if _, ok := v.(uint32); !ok {
			return fmt.Errorf("%w: want uint32, got %T", ErrBadValue, v)
		}
	case KindU64:
		if _, ok := v.(uint64); !ok {
			return fmt.Errorf("%w: want uint64, got %T", ErrBadValue, v)
		}
	case KindUSize:
		if _, ok := v.(uint); !ok {
			return fmt.Errorf("%w: want uint, got %T", ErrBadValue, v)
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%w: want bool, got %T", ErrBadValue, v)
		}
	case KindStr:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%w: want string, got %T", ErrBadValue, v)
		}
	case KindUnit:
		if v != nil {
			return fmt.Errorf("%w: want nil for unit, got %T", ErrBadValue, v)
		}
	case KindArray:
		return checkArray(*t.Elem, v)
	default:
		return fmt.Errorf("%w: %s", ErrBadType, t)
	}
	return nil
}

func checkArray(elem Type, v any) error {
	switch elem.Kind {
	case KindU8:
		if _, ok := v.([]uint8); ok {
			return nil
		}
	case KindU16:
		if _, ok := v.([]uint16); ok {
			return nil
		}
	case KindU32:
		if _, ok := v.([]uint32); ok {
			return nil
		}
	case KindU64:
		if _, ok := v.([]uint64); ok {
			return nil
		}
	case KindUSize:
		if _, ok := v.([]uint); ok {
			return nil
		}
	case KindBool:
		if _, ok := v.([]bool); ok {
			return nil
		}
	case KindStr:
		if _, ok := v.([]string); ok {
			return nil
		}
	case KindArray:
		vs, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%w: want []any for nested array, got %T", ErrBadValue, v)
		}
		for i, e := range vs {
			if err := checkArray(*elem.Elem, e); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: want slice of %s, got %T", ErrBadValue, elem, v)
}

func appendU16(b []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(b, v) }
func appendU32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }
func appendU64(b []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(b, v) }

func appendStr(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

// appendValue encodes v as type t. Values are validated by checkValue before
// encoding, so type assertions here cannot fail for bound calls.
func appendValue(b []byte, t Type, v any) ([]byte, error) {
	if err := checkValue(t, v); err != nil {
		return b, err
	}
	switch t.Kind {
	case KindU8:
		return append(b, v.(uint8)), nil
	case KindU16:
		return appendU16(b, v.(uint16)), nil
	case KindU32:
		return appendU32(b, v.(uint32)), nil
	case KindU64:
		return appendU64(b, v.(uint64)), nil
	case KindUSize:
		// usize travels as 8 bytes regardless of host width.
		return appendU64(b, uint64(v.(uint))), nil
	case KindBool:
		if v.(bool) {
			return append(b, 1), nil
		}
		return append(b, 0), nil
	case KindStr:
		return appendStr(b, v.(string)), nil
	case KindUnit:
		return b, nil
	case KindArray:
		return appendArray(b, *t.Elem, v)
	}
	return b, fmt.Errorf("%w: %s", ErrBadType, t)
}

func appendArray(b []byte, elem Type, v any) ([]byte, error) {
	switch elem.Kind {
	case KindU8:
		vs := v.([]uint8)
		b = appendU32(b, uint32(len(vs)))
		return append(b, vs...), nil
	case KindU16:
		vs := v.([]uint16)
		b = appendU32(b, uint32(len(vs)))
		for _, e := range vs {
			b = appendU16(b, e)
		}
		return b, nil
	case KindU32:
		vs := v.([]uint32)
		b = appendU32(b, uint32(len(vs)))
		for _, e := range vs {
			b = appendU32(b, e)
		}
		return b, nil
	case KindU64:
		vs := v.([]uint64)
		b = appendU32(b, uint32(len(vs)))
		for _, e := range vs {
			b = appendU64(b, e)
		}
		return b, nil
	case KindUSize:
		vs := v.([]uint)
		b = appendU32(b, uint32(len(vs)))
		for _, e := range vs {
			b = appendU64(b, uint64(e))
		}
		return b, nil
	case KindBool:
		vs := v.([]bool)
		b = appendU32(b, uint32(len(vs)))
		for _, e := range vs {
			if e {
				b = append(b, 1)
			} else {
				b = append(b, 0)
			}
		}
		return b, nil
	case KindStr:
		vs := v.([]string)
		b = appendU32(b, uint32(len(vs)))
		for _, e := range vs {
			b = appendStr(b, e)
		}
		return b, nil
	case KindArray:
		vs := v.([]any)
		b = appendU32(b, uint32(len(vs)))
		var err error
		for _, e := range vs {
			if b, err = appendArray(b, *elem.Elem, e); err != nil {
				return b, err
			}
		}
		return b, nil
	}
	return b, fmt.Errorf("%w: Array %s", ErrBadType, elem)
}

// byteReader walks a decoded body. Every take is bounds-checked so a
// malformed peer body fails with ErrTruncated instead of panicking.
type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, ErrTruncated
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *byteReader) u8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *byteReader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *byteReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *byteReader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *byteReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *byteReader) remaining() int { return len(r.buf) - r.off }

// readValue decodes one value of type t from the reader.
func readValue(r *byteReader, t Type) (any, error) {
	switch t.Kind {
	case KindU8:
		return r.u8()
	case KindU16:
		return r.u16()
	case KindU32:
		return r.u32()
	case KindU64:
		return r.u64()
	case KindUSize:
		v, err := r.u64()
		return uint(v), err
	case KindBool:
		b, err := r.u8()
		if err != nil {
			return nil, err
		}
		if b > 1 {
			return nil, fmt.Errorf("%w: bool byte %#x", ErrBadValue, b)
		}
		return b == 1, nil
	case KindStr:
		return r.str()
	case KindUnit:
		return nil, nil
	case KindArray:
		return readArray(r, *t.Elem)
	}
	return nil, fmt.Errorf("%w: %s", ErrBadType, t)
}

func readArray(r *byteReader, elem Type) (any, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	n := int(count)
	// A count that cannot fit in the remaining bytes is corrupt; reject it
	// before allocating.
	if min := minElemSize(elem); n*min > r.remaining() {
		return nil, fmt.Errorf("%w: array count %d exceeds body", ErrTruncated, n)
	}

	switch elem.Kind {
	case KindU8:
		b, err := r.take(n)
		if err != nil {
			return nil, err
		}
		out := make([]uint8, n)
		copy(out, b)
		return out, nil
	case KindU16:
		out := make([]uint16, n)
		for i := range out {
			if out[i], err = r.u16(); err != nil {
				return nil, err
			}
		}
		return out, nil
	case KindU32:
		out := make([]uint32, n)
		for i := range out {
			if out[i], err = r.u32(); err != nil {
				return nil, err
			}
		}
		return out, nil
	case KindU64:
		out := make([]uint64, n)
		for i := range out {
			if out[i], err = r.u64(); err != nil {
				return nil, err
			}
		}
		return out, nil
	case KindUSize:
		out := make([]uint, n)
		for i := range out {
			v, err := r.u64()
			if err != nil {
				return nil, err
			}
			out[i] = uint(v)
		}
		return out, nil
	case KindBool:
		out := make([]bool, n)
		for i := range out {
			b, err := r.u8()
			if err != nil {
				return nil, err
			}
			if b > 1 {
				return nil, fmt.Errorf("%w: bool byte %#x", ErrBadValue, b)
			}
			out[i] = b == 1
		}
		return out, nil
	case KindStr:
		out := make([]string, n)
		for i := range out {
			if out[i], err = r.str(); err != nil {
				return nil, err
			}
		}
		return out, nil
	case KindArray:
		out := make([]any, n)
		for i := range out {
			if out[i], err = readArray(r, *elem.Elem); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: Array %s", ErrBadType, elem)
}

// minElemSize is the smallest possible encoding of one element, used to
// sanity-check array counts against the remaining body.
func minElemSize(t Type) int {
	switch t.Kind {
	case KindU8, KindBool:
		return 1
	case KindU16:
		return 2
	case KindU32:
		return 4
	case KindU64, KindUSize:
		return 8
	case KindStr, KindArray:
		return 4
	}
	return 1
}

// sealBody applies the compression policy and returns (flags, body).
func sealBody(body []byte) (byte, []byte) {
	if len(body) < compressThreshold {
		return 0, body
	}
	return flagCompressed, zstdEnc.EncodeAll(body, nil)
}

func openBody(flags byte, body []byte) ([]byte, error) {
	if flags&flagCompressed == 0 {
		return body, nil
	}
	out, err := zstdDec.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing body: %v", ErrBadFrame, err)
	}
	return out, nil
}

// EncodeFrame wraps a payload in the length prefix.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, 0, 4+len(payload))
	out = appendU32(out, uint32(len(payload)))
	return append(out, payload...)
}

// EncodeCall produces a complete call frame for a bound call. Events and
// handles share the layout; an event simply never gets a response.
func EncodeCall(r *Route, seq uint64, c *RouteCall) ([]byte, error) {
	body := appendStr(nil, r.Name)
	var err error
	for _, a := range r.Args {
		if body, err = appendValue(body, a.Type, c.Args[a.Name]); err != nil {
			return nil, fmt.Errorf("encoding %q argument %q: %w", r.Name, a.Name, err)
		}
	}
	flags, body := sealBody(body)

	payload := make([]byte, 0, 2+8+len(body))
	payload = append(payload, tagCall, flags)
	payload = appendU64(payload, seq)
	payload = append(payload, body...)
	return EncodeFrame(payload), nil
}

// CallFrame is a decoded inbound call.
type CallFrame struct {
	Seq   uint64
	Route *Route
	Args  map[string]any
}

// DecodeCall parses a call payload against the schema the peer is calling
// into. The caller has already consumed the length prefix and checked the
// tag byte.
func DecodeCall(s *Schema, payload []byte) (*CallFrame, error) {
	r := &byteReader{buf: payload}
	if tag, err := r.u8(); err != nil || tag != tagCall {
		return nil, fmt.Errorf("%w: not a call frame", ErrBadFrame)
	}
	flags, err := r.u8()
	if err != nil {
		return nil, err
	}
	seq, err := r.u64()
	if err != nil {
		return nil, err
	}
	body, err := openBody(flags, payload[r.off:])
	if err != nil {
		return nil, err
	}

	br := &byteReader{buf: body}
	name, err := br.str()
	if err != nil {
		return nil, err
	}
	route, ok := s.Route(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoute, name)
	}

	args := make(map[string]any, len(route.Args))
	for _, a := range route.Args {
		v, err := readValue(br, a.Type)
		if err != nil {
			return nil, fmt.Errorf("decoding %q argument %q: %w", name, a.Name, err)
		}
		args[a.Name] = v
	}
	if br.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %q arguments", ErrBadFrame, br.remaining(), name)
	}
	return &CallFrame{Seq: seq, Route: route, Args: args}, nil
}

// EncodeResponse produces a success response carrying the route's return
// value.
func EncodeResponse(r *Route, seq uint64, value any) ([]byte, error) {
	body := []byte{statusOK}
	body, err := appendValue(body, r.Returns, value)
	if err != nil {
		return nil, fmt.Errorf("encoding %q response: %w", r.Name, err)
	}
	return sealResponse(seq, body), nil
}

// EncodeErrorResponse produces a failure response carrying a message instead
// of a value.
func EncodeErrorResponse(seq uint64, msg string) []byte {
	body := appendStr([]byte{statusError}, msg)
	return sealResponse(seq, body)
}

func sealResponse(seq uint64, body []byte) []byte {
	flags, body := sealBody(body)
	payload := make([]byte, 0, 2+8+len(body))
	payload = append(payload, tagResponse, flags)
	payload = appendU64(payload, seq)
	payload = append(payload, body...)
	return EncodeFrame(payload)
}

// ResponseFrame is a decoded response header plus its raw body. The value is
// decoded separately because the return type is only known once the sequence
// number has been matched to its pending call.
type ResponseFrame struct {
	Seq  uint64
	body []byte
}

// DecodeResponse parses the header of a response payload and decompresses
// the body.
func DecodeResponse(payload []byte) (*ResponseFrame, error) {
	r := &byteReader{buf: payload}
	if tag, err := r.u8(); err != nil || tag != tagResponse {
		return nil, fmt.Errorf("%w: not a response frame", ErrBadFrame)
	}
	flags, err := r.u8()
	if err != nil {
		return nil, err
	}
	seq, err := r.u64()
	if err != nil {
		return nil, err
	}
	body, err := openBody(flags, payload[r.off:])
	if err != nil {
		return nil, err
	}
	return &ResponseFrame{Seq: seq, body: body}, nil
}

// Value decodes the response body against the matched route's return type.
// A failure response yields a RemoteError.
func (f *ResponseFrame) Value(returns Type) (any, error) {
	r := &byteReader{buf: f.body}
	status, err := r.u8()
	if err != nil {
		return nil, err
	}
	switch status {
	case statusOK:
		v, err := readValue(r, returns)
		if err != nil {
			return nil, err
		}
		if r.remaining() != 0 {
			return nil, fmt.Errorf("%w: %d trailing bytes after response value", ErrBadFrame, r.remaining())
		}
		return v, nil
	case statusError:
		msg, err := r.str()
		if err != nil {
			return nil, err
		}
		return nil, &RemoteError{Msg: msg}
	}
	return nil, fmt.Errorf("%w: response status %#x", ErrBadFrame, status)
}

// RemoteError is a route handler failure reported by the peer.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "remote: " + e.Msg }

// frameAssembler reassembles length-delimited frames from arbitrary byte
// chunks. The transport preserves per-writer contiguity but reads may split a
// frame anywhere, so the assembler buffers across Feed calls.
type frameAssembler struct {
	buf []byte
}

// Feed appends a chunk and returns every complete frame payload it closes
// over, in order.
func (a *frameAssembler) Feed(chunk []byte) ([][]byte, error) {
	a.buf = append(a.buf, chunk...)

	var frames [][]byte
	for {
		if len(a.buf) < 4 {
			return frames, nil
		}
		size := int(binary.LittleEndian.Uint32(a.buf))
		if size > MaxFrameSize {
			return frames, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
		}
		if len(a.buf) < 4+size {
			return frames, nil
		}
		payload := make([]byte, size)
		copy(payload, a.buf[4:4+size])
		a.buf = a.buf[4+size:]
		frames = append(frames, payload)
	}
}
