package task

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// CodecVersion is written into every payload. Decode rejects any other value.
const CodecVersion = 1

// maxDepth bounds nesting of kwarg values on both encode and decode.
const maxDepth = 64

// Payload fields.
const (
	fieldVersion      protowire.Number = 1
	fieldTaskID       protowire.Number = 2
	fieldTaskName     protowire.Number = 3
	fieldKwargs       protowire.Number = 4
	fieldTraceHeaders protowire.Number = 5
)

// Value oneof fields.
const (
	valueNull   protowire.Number = 1
	valueBool   protowire.Number = 2
	valueInt    protowire.Number = 3
	valueDouble protowire.Number = 4
	valueString protowire.Number = 5
	valueList   protowire.Number = 6
	valueMap    protowire.Number = 7
)

// Shared by Map.entries, List.items and Header/Entry key.
const (
	fieldRepeated protowire.Number = 1
	fieldKey      protowire.Number = 1
	fieldValue    protowire.Number = 2
)

// Encode serializes inv into the versioned wire format.
//
// Supported kwarg values are nil, bool, integers, floats, string, []any and
// map[string]any. Integers decode as int64 and floats as float64. Nil lists
// and maps nested inside kwargs decode as empty, non-nil values.
func Encode(inv Invocation) ([]byte, error) {
	b := protowire.AppendTag(nil, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, CodecVersion)
	b = protowire.AppendTag(b, fieldTaskID, protowire.BytesType)
	b = protowire.AppendString(b, inv.TaskID)
	b = protowire.AppendTag(b, fieldTaskName, protowire.BytesType)
	b = protowire.AppendString(b, inv.Name)

	if inv.Kwargs != nil {
		m, err := appendMap(nil, inv.Kwargs, 0)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldKwargs, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}

	for _, k := range sortedKeys(inv.TraceHeaders) {
		var h []byte
		h = protowire.AppendTag(h, fieldKey, protowire.BytesType)
		h = protowire.AppendString(h, k)
		h = protowire.AppendTag(h, fieldValue, protowire.BytesType)
		h = protowire.AppendString(h, inv.TraceHeaders[k])
		b = protowire.AppendTag(b, fieldTraceHeaders, protowire.BytesType)
		b = protowire.AppendBytes(b, h)
	}
	return b, nil
}

func appendMap(b []byte, m map[string]any, depth int) ([]byte, error) {
	for _, k := range sortedKeys(m) {
		v, err := appendValue(nil, m[k], depth+1)
		if err != nil {
			return nil, fmt.Errorf("kwarg %q: %w", k, err)
		}
		var e []byte
		e = protowire.AppendTag(e, fieldKey, protowire.BytesType)
		e = protowire.AppendString(e, k)
		e = protowire.AppendTag(e, fieldValue, protowire.BytesType)
		e = protowire.AppendBytes(e, v)
		b = protowire.AppendTag(b, fieldRepeated, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b, nil
}

func appendValue(b []byte, v any, depth int) ([]byte, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("value nested deeper than %d", maxDepth)
	}
	switch x := v.(type) {
	case nil:
		b = protowire.AppendTag(b, valueNull, protowire.VarintType)
		return protowire.AppendVarint(b, 0), nil
	case bool:
		b = protowire.AppendTag(b, valueBool, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeBool(x)), nil
	case string:
		b = protowire.AppendTag(b, valueString, protowire.BytesType)
		return protowire.AppendString(b, x), nil
	case float64:
		return appendDouble(b, x), nil
	case float32:
		return appendDouble(b, float64(x)), nil
	case int:
		return appendInt(b, int64(x)), nil
	case int8:
		return appendInt(b, int64(x)), nil
	case int16:
		return appendInt(b, int64(x)), nil
	case int32:
		return appendInt(b, int64(x)), nil
	case int64:
		return appendInt(b, x), nil
	case uint:
		return appendUint(b, uint64(x))
	case uint8:
		return appendInt(b, int64(x)), nil
	case uint16:
		return appendInt(b, int64(x)), nil
	case uint32:
		return appendInt(b, int64(x)), nil
	case uint64:
		return appendUint(b, x)
	case []any:
		var l []byte
		for i, item := range x {
			iv, err := appendValue(nil, item, depth+1)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			l = protowire.AppendTag(l, fieldRepeated, protowire.BytesType)
			l = protowire.AppendBytes(l, iv)
		}
		b = protowire.AppendTag(b, valueList, protowire.BytesType)
		return protowire.AppendBytes(b, l), nil
	case map[string]any:
		m, err := appendMap(nil, x, depth)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, valueMap, protowire.BytesType)
		return protowire.AppendBytes(b, m), nil
	default:
		return nil, fmt.Errorf("unsupported kwarg type %T", v)
	}
}

func appendInt(b []byte, v int64) []byte {
	b = protowire.AppendTag(b, valueInt, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendUint(b []byte, v uint64) ([]byte, error) {
	if v > math.MaxInt64 {
		return nil, fmt.Errorf("unsigned value %d overflows int64", v)
	}
	return appendInt(b, int64(v)), nil
}

func appendDouble(b []byte, v float64) []byte {
	b = protowire.AppendTag(b, valueDouble, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// Decode parses a payload produced by Encode. Any structural problem is
// reported as ErrMalformedPayload.
func Decode(data []byte) (Invocation, error) {
	var (
		inv     Invocation
		version uint64
		seen    bool
	)
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldVersion:
			if typ != protowire.VarintType {
				return 0, errWireType(num)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			version, seen = v, true
			return n, nil
		case fieldTaskID, fieldTaskName:
			s, n, err := consumeString(num, typ, b)
			if err != nil {
				return 0, err
			}
			if num == fieldTaskID {
				inv.TaskID = s
			} else {
				inv.Name = s
			}
			return n, nil
		case fieldKwargs:
			raw, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			m, err := decodeMap(raw, 0)
			if err != nil {
				return 0, err
			}
			inv.Kwargs = m
			return n, nil
		case fieldTraceHeaders:
			raw, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			k, v, err := decodePair(raw, func(vt protowire.Type, vb []byte) (string, int, error) {
				return consumeString(fieldValue, vt, vb)
			})
			if err != nil {
				return 0, err
			}
			if inv.TraceHeaders == nil {
				inv.TraceHeaders = make(map[string]string)
			}
			inv.TraceHeaders[k] = v
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return Invocation{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !seen {
		return Invocation{}, fmt.Errorf("%w: missing version", ErrMalformedPayload)
	}
	if version != CodecVersion {
		return Invocation{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedPayload, version)
	}
	return inv, nil
}

func decodeMap(data []byte, depth int) (map[string]any, error) {
	m := make(map[string]any)
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldRepeated {
			return skip(num, typ, b)
		}
		raw, n, err := consumeBytes(num, typ, b)
		if err != nil {
			return 0, err
		}
		k, v, err := decodePair(raw, func(vt protowire.Type, vb []byte) (any, int, error) {
			vraw, vn, err := consumeBytes(fieldValue, vt, vb)
			if err != nil {
				return nil, 0, err
			}
			val, err := decodeValue(vraw, depth+1)
			return val, vn, err
		})
		if err != nil {
			return 0, err
		}
		m[k] = v
		return n, nil
	})
	return m, err
}

// decodePair reads a {1: key, 2: value} message.
func decodePair[V any](data []byte, value func(protowire.Type, []byte) (V, int, error)) (string, V, error) {
	var (
		key        string
		val        V
		gotK, gotV bool
	)
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldKey:
			s, n, err := consumeString(num, typ, b)
			key, gotK = s, true
			return n, err
		case fieldValue:
			v, n, err := value(typ, b)
			val, gotV = v, true
			return n, err
		}
		return skip(num, typ, b)
	})
	if err == nil && (!gotK || !gotV) {
		err = fmt.Errorf("incomplete key/value entry")
	}
	return key, val, err
}

func decodeValue(data []byte, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("value nested deeper than %d", maxDepth)
	}
	var (
		out any
		set bool
	)
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			n   int
			err error
		)
		switch num {
		case valueNull, valueBool, valueInt:
			if typ != protowire.VarintType {
				return 0, errWireType(num)
			}
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			switch num {
			case valueNull:
				out = nil
			case valueBool:
				out = protowire.DecodeBool(v)
			default:
				out = protowire.DecodeZigZag(v)
			}
		case valueDouble:
			if typ != protowire.Fixed64Type {
				return 0, errWireType(num)
			}
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			out = math.Float64frombits(v)
		case valueString:
			out, n, err = consumeString(num, typ, b)
		case valueList:
			var raw []byte
			raw, n, err = consumeBytes(num, typ, b)
			if err == nil {
				out, err = decodeList(raw, depth)
			}
		case valueMap:
			var raw []byte
			raw, n, err = consumeBytes(num, typ, b)
			if err == nil {
				out, err = decodeMap(raw, depth)
			}
		default:
			return skip(num, typ, b)
		}
		if err != nil {
			return 0, err
		}
		if set {
			return 0, fmt.Errorf("value has more than one kind")
		}
		set = true
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	if !set {
		return nil, fmt.Errorf("empty value")
	}
	return out, nil
}

func decodeList(data []byte, depth int) ([]any, error) {
	out := make([]any, 0)
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldRepeated {
			return skip(num, typ, b)
		}
		raw, n, err := consumeBytes(num, typ, b)
		if err != nil {
			return 0, err
		}
		v, err := decodeValue(raw, depth+1)
		if err != nil {
			return 0, err
		}
		out = append(out, v)
		return n, nil
	})
	return out, err
}

// walk iterates over the fields of one message. fn consumes the field value
// and reports how many bytes it used.
func walk(data []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		data = data[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errWireType(num)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte) (string, int, error) {
	v, n, err := consumeBytes(num, typ, b)
	return string(v), n, err
}

func errWireType(num protowire.Number) error {
	return fmt.Errorf("field %d has unexpected wire type", num)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
