package codec

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the shape of a Value. The numeric values are part of the
// wire format.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNull
	KindBool
	KindNumber
	KindText
	KindList
	KindMap
	KindTimestamp
	KindBytes
)

var kindNames = [...]string{
	KindInvalid:   "invalid",
	KindNull:      "null",
	KindBool:      "bool",
	KindNumber:    "number",
	KindText:      "text",
	KindList:      "list",
	KindMap:       "map",
	KindTimestamp: "timestamp",
	KindBytes:     "bytes",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a tagged value. The zero Value is invalid; use Null for an
// explicit null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	raw  []byte
	t    time.Time
	list []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// Text returns a text value.
func Text(s string) Value { return Value{kind: KindText, s: s} }

// Bytes returns a raw byte value. b is not copied.
func Bytes(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{kind: KindBytes, raw: b}
}

// Timestamp returns a timestamp value with millisecond precision in UTC.
func Timestamp(t time.Time) Value {
	return Value{kind: KindTimestamp, t: time.UnixMilli(t.UnixMilli()).UTC()}
}

// List returns a list value holding vs.
func List(vs ...Value) Value {
	if vs == nil {
		vs = []Value{}
	}
	return Value{kind: KindList, list: vs}
}

// Map returns a map value. m is not copied.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// Of converts a Go value into a Value:
//
//	nil                         null
//	bool                        bool
//	int*, uint*, float*         number (as float64)
//	string                      text
//	[]byte                      bytes
//	time.Time                   timestamp
//	[]any, []Value              list
//	map[string]any, map[string]Value  map
//	Value                       itself
//
// Any other type yields ErrUnsupportedType.
func Of(x any) (Value, error) {
	return of(x, 0)
}

func of(x any, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, ErrTooDeep
	}
	switch v := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		if v.kind == KindInvalid {
			return Value{}, fmt.Errorf("%w: zero Value", ErrUnsupportedType)
		}
		return v, nil
	case *Value:
		if v == nil {
			return Null(), nil
		}
		return of(*v, depth)
	case bool:
		return Bool(v), nil
	case int:
		return Number(float64(v)), nil
	case int8:
		return Number(float64(v)), nil
	case int16:
		return Number(float64(v)), nil
	case int32:
		return Number(float64(v)), nil
	case int64:
		return Number(float64(v)), nil
	case uint:
		return Number(float64(v)), nil
	case uint8:
		return Number(float64(v)), nil
	case uint16:
		return Number(float64(v)), nil
	case uint32:
		return Number(float64(v)), nil
	case uint64:
		return Number(float64(v)), nil
	case float32:
		return Number(float64(v)), nil
	case float64:
		return Number(v), nil
	case string:
		return Text(v), nil
	case []byte:
		return Bytes(v), nil
	case time.Time:
		return Timestamp(v), nil
	case []Value:
		for _, e := range v {
			if e.kind == KindInvalid {
				return Value{}, fmt.Errorf("%w: zero Value in list", ErrUnsupportedType)
			}
		}
		return List(v...), nil
	case []any:
		list := make([]Value, len(v))
		for i, e := range v {
			ev, err := of(e, depth+1)
			if err != nil {
				return Value{}, err
			}
			list[i] = ev
		}
		return List(list...), nil
	case []string:
		list := make([]Value, len(v))
		for i, e := range v {
			list[i] = Text(e)
		}
		return List(list...), nil
	case map[string]Value:
		for k, e := range v {
			if e.kind == KindInvalid {
				return Value{}, fmt.Errorf("%w: zero Value under key %q", ErrUnsupportedType, k)
			}
		}
		return Map(v), nil
	case map[string]any:
		m := make(map[string]Value, len(v))
		for k, e := range v {
			ev, err := of(e, depth+1)
			if err != nil {
				return Value{}, err
			}
			m[k] = ev
		}
		return Map(m), nil
	case map[string]string:
		m := make(map[string]Value, len(v))
		for k, e := range v {
			m[k] = Text(e)
		}
		return Map(m), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedType, x)
	}
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean held by v.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Number returns the number held by v.
func (v Value) Number() (float64, bool) { return v.n, v.kind == KindNumber }

// Text returns the text held by v.
func (v Value) Text() (string, bool) { return v.s, v.kind == KindText }

// Bytes returns the raw bytes held by v.
func (v Value) Bytes() ([]byte, bool) { return v.raw, v.kind == KindBytes }

// Time returns the timestamp held by v.
func (v Value) Time() (time.Time, bool) { return v.t, v.kind == KindTimestamp }

// List returns the elements held by v.
func (v Value) List() ([]Value, bool) { return v.list, v.kind == KindList }

// Map returns the entries held by v.
func (v Value) Map() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Interface converts v back into plain Go values: nil, bool, float64, string,
// []byte, time.Time, []any or map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindText:
		return v.s
	case KindBytes:
		return v.raw
	case KindTimestamp:
		return v.t
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// Equal reports whether v and o hold the same kind and content. Numbers
// compare with ==, so NaN is never equal to itself.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindText:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindTimestamp:
		return v.t.Equal(o.t)
	case KindList:
		return slices.EqualFunc(v.list, o.list, Value.Equal)
	case KindMap:
		return maps.EqualFunc(v.m, o.m, Value.Equal)
	default:
		return true
	}
}

// String renders v for humans. The output is not a stable format.
func (v Value) String() string {
	var sb strings.Builder
	v.format(&sb)
	return sb.String()
}

func (v Value) format(sb *strings.Builder) {
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		sb.WriteString(strconv.FormatFloat(v.n, 'g', -1, 64))
	case KindText:
		sb.WriteString(strconv.Quote(v.s))
	case KindBytes:
		fmt.Fprintf(sb, "0x%x", v.raw)
	case KindTimestamp:
		sb.WriteString(v.t.Format(time.RFC3339Nano))
	case KindList:
		sb.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				sb.WriteString(", ")
			}
			e.format(sb)
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteByte('{')
		for i, k := range slices.Sorted(maps.Keys(v.m)) {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteString(": ")
			v.m[k].format(sb)
		}
		sb.WriteByte('}')
	default:
		sb.WriteString("<invalid>")
	}
}
