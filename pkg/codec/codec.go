// Package codec converts tagged values to and from the self-describing
// binary form kept in shared memory.
//
// An encoded value is a flags byte, a kind tag and the payload for that kind:
//
//	null       (empty)
//	bool       1 byte, 0 or 1
//	number     8 bytes, IEEE-754 bits, little endian
//	text       uvarint length, UTF-8 bytes
//	bytes      uvarint length, raw bytes
//	timestamp  8 bytes, milliseconds since the Unix epoch, little endian
//	list       uvarint count, then tag and payload per element
//	map        uvarint count, then per entry in ascending key order:
//	           uvarint key length, key, tag and payload
//
// When flag bit 0 is set the payload that follows the top-level tag is an s2
// block. Any decoding failure is reported as ErrCorrupted.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/valyala/bytebufferpool"
)

// MaxDepth bounds list and map nesting.
const MaxDepth = 64

// MaxCompressedPayload is the largest payload that is ever compressed.
// Compressed entries claiming a larger decoded size are rejected before any
// buffer is sized from them.
const MaxCompressedPayload = 64 << 20

const (
	flagCompressed byte = 1 << iota

	knownFlags = flagCompressed
)

var (
	// ErrCorrupted is returned for bytes that are not a valid encoding.
	ErrCorrupted = errors.New("codec: corrupted value")
	// ErrUnsupportedType is returned when a Go value has no tagged form.
	ErrUnsupportedType = errors.New("codec: unsupported type")
	// ErrTooDeep is returned when lists and maps nest deeper than MaxDepth.
	ErrTooDeep = errors.New("codec: nesting too deep")
)

// Codec encodes and decodes values. The zero Codec never compresses.
type Codec struct {
	compressThreshold int
}

// New returns a Codec that compresses payloads of at least
// compressThreshold bytes when that makes them smaller. A threshold of 0
// disables compression.
func New(compressThreshold int) *Codec {
	if compressThreshold < 0 {
		compressThreshold = 0
	}
	return &Codec{compressThreshold: compressThreshold}
}

var plain = &Codec{}

// Marshal encodes v without compression.
func Marshal(v Value) ([]byte, error) {
	return plain.Append(nil, v)
}

// Unmarshal decodes data produced by any Codec.
func Unmarshal(data []byte) (Value, error) {
	return plain.Unmarshal(data)
}

// Marshal encodes v into a new slice.
func (c *Codec) Marshal(v Value) ([]byte, error) {
	return c.Append(nil, v)
}

// Append appends the encoding of v to dst.
func (c *Codec) Append(dst []byte, v Value) ([]byte, error) {
	if v.kind == KindInvalid {
		return dst, fmt.Errorf("%w: zero Value", ErrUnsupportedType)
	}
	payload := bytebufferpool.Get()
	defer bytebufferpool.Put(payload)

	var err error
	payload.B, err = appendPayload(payload.B[:0], v, 0)
	if err != nil {
		return dst, err
	}

	if c.compressThreshold > 0 && len(payload.B) >= c.compressThreshold && len(payload.B) <= MaxCompressedPayload {
		if n := s2.MaxEncodedLen(len(payload.B)); n > 0 {
			block := bytebufferpool.Get()
			defer bytebufferpool.Put(block)
			block.B = slices.Grow(block.B[:0], n)[:n]
			enc := s2.Encode(block.B, payload.B)
			if len(enc) < len(payload.B) {
				dst = append(dst, flagCompressed, byte(v.kind))
				return append(dst, enc...), nil
			}
		}
	}
	dst = append(dst, 0, byte(v.kind))
	return append(dst, payload.B...), nil
}

// Unmarshal decodes data. The result never aliases data.
func (c *Codec) Unmarshal(data []byte) (Value, error) {
	if len(data) < 2 {
		return Value{}, fmt.Errorf("%w: %d bytes", ErrCorrupted, len(data))
	}
	flags, kind, payload := data[0], Kind(data[1]), data[2:]
	if flags&^knownFlags != 0 {
		return Value{}, fmt.Errorf("%w: unknown flags %#x", ErrCorrupted, flags)
	}
	if flags&flagCompressed != 0 {
		n, err := s2.DecodedLen(payload)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		if n > MaxCompressedPayload {
			return Value{}, fmt.Errorf("%w: compressed payload claims %d bytes", ErrCorrupted, n)
		}
		block := bytebufferpool.Get()
		defer bytebufferpool.Put(block)
		block.B = slices.Grow(block.B[:0], n)[:n]
		payload, err = s2.Decode(block.B, payload)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
	}
	d := decoder{buf: payload}
	v, err := d.payload(kind, 0)
	if err != nil {
		return Value{}, err
	}
	if d.pos != len(d.buf) {
		return Value{}, fmt.Errorf("%w: %d trailing bytes", ErrCorrupted, len(d.buf)-d.pos)
	}
	return v, nil
}

func appendValue(dst []byte, v Value, depth int) ([]byte, error) {
	if v.kind == KindInvalid {
		return dst, fmt.Errorf("%w: zero Value", ErrUnsupportedType)
	}
	dst = append(dst, byte(v.kind))
	return appendPayload(dst, v, depth)
}

func appendPayload(dst []byte, v Value, depth int) ([]byte, error) {
	switch v.kind {
	case KindNull:
		return dst, nil
	case KindBool:
		if v.b {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil
	case KindNumber:
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.n)), nil
	case KindText:
		dst = binary.AppendUvarint(dst, uint64(len(v.s)))
		return append(dst, v.s...), nil
	case KindBytes:
		dst = binary.AppendUvarint(dst, uint64(len(v.raw)))
		return append(dst, v.raw...), nil
	case KindTimestamp:
		return binary.LittleEndian.AppendUint64(dst, uint64(v.t.UnixMilli())), nil
	case KindList:
		if depth >= MaxDepth {
			return dst, ErrTooDeep
		}
		dst = binary.AppendUvarint(dst, uint64(len(v.list)))
		var err error
		for _, e := range v.list {
			if dst, err = appendValue(dst, e, depth+1); err != nil {
				return dst, err
			}
		}
		return dst, nil
	case KindMap:
		if depth >= MaxDepth {
			return dst, ErrTooDeep
		}
		dst = binary.AppendUvarint(dst, uint64(len(v.m)))
		var err error
		for _, k := range slices.Sorted(maps.Keys(v.m)) {
			dst = binary.AppendUvarint(dst, uint64(len(k)))
			dst = append(dst, k...)
			if dst, err = appendValue(dst, v.m[k], depth+1); err != nil {
				return dst, err
			}
		}
		return dst, nil
	default:
		return dst, fmt.Errorf("%w: kind %d", ErrUnsupportedType, v.kind)
	}
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) value(depth int) (Value, error) {
	if d.pos >= len(d.buf) {
		return Value{}, fmt.Errorf("%w: missing tag", ErrCorrupted)
	}
	kind := Kind(d.buf[d.pos])
	d.pos++
	return d.payload(kind, depth)
}

func (d *decoder) payload(kind Kind, depth int) (Value, error) {
	switch kind {
	case KindNull:
		return Null(), nil
	case KindBool:
		b, err := d.take(1)
		if err != nil {
			return Value{}, err
		}
		switch b[0] {
		case 0:
			return Bool(false), nil
		case 1:
			return Bool(true), nil
		}
		return Value{}, fmt.Errorf("%w: bool byte %d", ErrCorrupted, b[0])
	case KindNumber:
		b, err := d.take(8)
		if err != nil {
			return Value{}, err
		}
		return Number(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	case KindText:
		b, err := d.chunk()
		if err != nil {
			return Value{}, err
		}
		return Text(string(b)), nil
	case KindBytes:
		b, err := d.chunk()
		if err != nil {
			return Value{}, err
		}
		return Bytes(append([]byte{}, b...)), nil
	case KindTimestamp:
		b, err := d.take(8)
		if err != nil {
			return Value{}, err
		}
		ms := int64(binary.LittleEndian.Uint64(b))
		return Value{kind: KindTimestamp, t: time.UnixMilli(ms).UTC()}, nil
	case KindList:
		if depth >= MaxDepth {
			return Value{}, fmt.Errorf("%w: %w", ErrCorrupted, ErrTooDeep)
		}
		// every element takes at least its tag byte
		n, err := d.count(1)
		if err != nil {
			return Value{}, err
		}
		list := make([]Value, n)
		for i := range list {
			if list[i], err = d.value(depth + 1); err != nil {
				return Value{}, err
			}
		}
		return List(list...), nil
	case KindMap:
		if depth >= MaxDepth {
			return Value{}, fmt.Errorf("%w: %w", ErrCorrupted, ErrTooDeep)
		}
		// every entry takes at least a key length and a tag
		n, err := d.count(2)
		if err != nil {
			return Value{}, err
		}
		m := make(map[string]Value, n)
		var last string
		for i := 0; i < n; i++ {
			kb, err := d.chunk()
			if err != nil {
				return Value{}, err
			}
			k := string(kb)
			if i > 0 && k <= last {
				return Value{}, fmt.Errorf("%w: map keys out of order at %q", ErrCorrupted, k)
			}
			last = k
			if m[k], err = d.value(depth + 1); err != nil {
				return Value{}, err
			}
		}
		return Map(m), nil
	default:
		return Value{}, fmt.Errorf("%w: unknown tag %d", ErrCorrupted, kind)
	}
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.buf)-d.pos < n {
		return nil, fmt.Errorf("%w: truncated", ErrCorrupted)
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad length", ErrCorrupted)
	}
	d.pos += n
	return v, nil
}

func (d *decoder) chunk() ([]byte, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.pos) {
		return nil, fmt.Errorf("%w: truncated", ErrCorrupted)
	}
	return d.take(int(n))
}

func (d *decoder) count(minSize int) (int, error) {
	n, err := d.uvarint()
	if err != nil {
		return 0, err
	}
	if n > uint64((len(d.buf)-d.pos)/minSize) {
		return 0, fmt.Errorf("%w: count %d exceeds remaining bytes", ErrCorrupted, n)
	}
	return int(n), nil
}
