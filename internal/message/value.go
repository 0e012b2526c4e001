package message

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind identifies the wire type tag of a payload.
type Kind int32

const (
	KindNull Kind = iota
	KindString
	KindError
	KindAssoc
	KindDouble
	KindInt32
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindString:
		return "STRING"
	case KindError:
		return "ERROR"
	case KindAssoc:
		return "ASSOC_ARRAY"
	case KindDouble:
		return "DOUBLE"
	case KindInt32:
		return "INT32"
	case KindArray:
		return "ARRAY"
	default:
		return "UNKNOWN"
	}
}

// Value is a typed payload cell. Exactly one of the fields below is
// meaningful, selected by Kind.
type Value struct {
	Kind  Kind
	Str   string // STRING, ERROR
	Int   int32  // INT32
	Dbl   float64 // DOUBLE
	Assoc map[string]Value // ASSOC_ARRAY
	Arr   []Value          // ARRAY
}

// Null is the absence of a value.
var Null = Value{Kind: KindNull}

// Str builds a STRING value.
func Str(s string) Value { return Value{Kind: KindString, Str: s} }

// Err builds an ERROR value.
func Err(s string) Value { return Value{Kind: KindError, Str: s} }

// Int32 builds an INT32 value.
func Int32(i int32) Value { return Value{Kind: KindInt32, Int: i} }

// Double builds a DOUBLE value.
func Double(f float64) Value { return Value{Kind: KindDouble, Dbl: f} }

// Array builds an ARRAY value.
func Array(vs ...Value) Value { return Value{Kind: KindArray, Arr: vs} }

// AssocOf builds an ASSOC_ARRAY value from a map.
func AssocOf(m map[string]Value) Value { return Value{Kind: KindAssoc, Assoc: m} }

// encodeValue serializes v's body (not its Kind, which the caller already
// wrote into the frame header or a parent container cell).
func encodeValue(v Value) []byte {
	switch v.Kind {
	case KindNull:
		return nil
	case KindString, KindError:
		return []byte(v.Str)
	case KindInt32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v.Int)) //nolint:gosec // deliberate bit-reinterpretation
		return b
	case KindDouble:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(v.Dbl))
		return b
	case KindArray:
		var out []byte
		out = append(out, u32(uint32(len(v.Arr)))...)
		for _, cell := range v.Arr {
			out = append(out, encodeCell(cell)...)
		}
		return out
	case KindAssoc:
		keys := make([]string, 0, len(v.Assoc))
		for k := range v.Assoc {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []byte
		out = append(out, u32(uint32(len(keys)))...)
		for _, k := range keys {
			out = append(out, u32(uint32(len(k)))...)
			out = append(out, []byte(k)...)
			out = append(out, encodeCell(v.Assoc[k])...)
		}
		return out
	default:
		return nil
	}
}

// encodeCell encodes a self-describing (kind, length, body) cell, used
// inside ARRAY and ASSOC_ARRAY containers where the parent length prefix
// alone isn't enough to know how to split up the buffer.
func encodeCell(v Value) []byte {
	body := encodeValue(v)
	out := make([]byte, 0, 8+len(body))
	out = append(out, u32(uint32(v.Kind))...)
	out = append(out, u32(uint32(len(body)))...)
	out = append(out, body...)
	return out
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// decodeValue parses body as a payload of the given kind.
func decodeValue(kind Kind, body []byte) (Value, error) {
	switch kind {
	case KindNull:
		return Null, nil
	case KindString:
		return Str(string(body)), nil
	case KindError:
		return Err(string(body)), nil
	case KindInt32:
		if len(body) != 4 {
			return Value{}, fmt.Errorf("message: INT32 payload must be 4 bytes, got %d", len(body))
		}
		return Int32(int32(binary.LittleEndian.Uint32(body))), nil //nolint:gosec
	case KindDouble:
		if len(body) != 8 {
			return Value{}, fmt.Errorf("message: DOUBLE payload must be 8 bytes, got %d", len(body))
		}
		return Double(math.Float64frombits(binary.LittleEndian.Uint64(body))), nil
	case KindArray:
		return decodeArray(body)
	case KindAssoc:
		return decodeAssoc(body)
	default:
		return Value{}, fmt.Errorf("message: unknown value kind %d", kind)
	}
}

func decodeArray(body []byte) (Value, error) {
	if len(body) < 4 {
		return Value{}, fmt.Errorf("message: truncated ARRAY length")
	}
	n := binary.LittleEndian.Uint32(body[0:4])
	off := 4
	arr := make([]Value, 0, n)
	for i := uint32(0); i < n; i++ {
		cell, consumed, err := decodeCell(body[off:])
		if err != nil {
			return Value{}, err
		}
		arr = append(arr, cell)
		off += consumed
	}
	return Array(arr...), nil
}

func decodeAssoc(body []byte) (Value, error) {
	if len(body) < 4 {
		return Value{}, fmt.Errorf("message: truncated ASSOC_ARRAY length")
	}
	n := binary.LittleEndian.Uint32(body[0:4])
	off := 4
	m := make(map[string]Value, n)
	for i := uint32(0); i < n; i++ {
		if len(body[off:]) < 4 {
			return Value{}, fmt.Errorf("message: truncated ASSOC_ARRAY key length")
		}
		klen := binary.LittleEndian.Uint32(body[off : off+4])
		off += 4
		if uint32(len(body[off:])) < klen {
			return Value{}, fmt.Errorf("message: truncated ASSOC_ARRAY key")
		}
		key := string(body[off : off+int(klen)])
		off += int(klen)

		cell, consumed, err := decodeCell(body[off:])
		if err != nil {
			return Value{}, err
		}
		off += consumed
		m[key] = cell
	}
	return AssocOf(m), nil
}

// decodeCell parses a self-describing (kind, length, body) cell and returns
// the number of bytes it consumed from buf.
func decodeCell(buf []byte) (Value, int, error) {
	if len(buf) < 8 {
		return Value{}, 0, fmt.Errorf("message: truncated cell header")
	}
	kind := Kind(binary.LittleEndian.Uint32(buf[0:4])) //nolint:gosec
	length := binary.LittleEndian.Uint32(buf[4:8])
	if uint32(len(buf[8:])) < length {
		return Value{}, 0, fmt.Errorf("message: truncated cell body")
	}
	v, err := decodeValue(kind, buf[8:8+int(length)])
	if err != nil {
		return Value{}, 0, err
	}
	return v, 8 + int(length), nil
}

// ToAny unwraps a Value into plain Go data: nil, string, int, float64,
// map[string]any, or []any. No scalar coercion happens here — ToAny
// reflects exactly what the wire said the type was. Coerce is a separate,
// later step applied only at leaf extraction (see the channel package).
func ToAny(v Value) any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindString, KindError:
		return v.Str
	case KindInt32:
		return int(v.Int)
	case KindDouble:
		return v.Dbl
	case KindArray:
		out := make([]any, len(v.Arr))
		for i, cell := range v.Arr {
			out[i] = ToAny(cell)
		}
		return out
	case KindAssoc:
		out := make(map[string]any, len(v.Assoc))
		for k, cell := range v.Assoc {
			out[k] = ToAny(cell)
		}
		return out
	default:
		return nil
	}
}

// Coerce applies the load-bearing scalar coercion rule: try integer, then
// floating-point, else leave as text. It is applied only at leaf extraction
// points (see the channel package); mappings are never coerced.
func Coerce(s string) any {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
