package codec

import (
	"cmp"
	"fmt"
	"math"
	"reflect"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	rerrors "github.com/xiaonanln/goreplica/util/errors"
)

// Normalize converts v to the canonical Go representation of t: int64 for
// Int, uint64 for Uint, float64 for Double, []any for lists, map[any]any for
// maps. Native widths (int, int32, float32, ...) and typed slices and maps
// are accepted. Nil is accepted for containers, bytes and object references
// and becomes the empty value.
func Normalize(v any, t Type, records RecordSet) (any, error) {
	switch t.Kind {
	case KindVoid:
		if v != nil {
			return nil, mismatch(v, t)
		}
		return nil, nil

	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}

	case KindInt:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int8:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case uint8:
			return int64(n), nil
		case uint16:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		case uint:
			if uint64(n) <= math.MaxInt64 {
				return int64(n), nil
			}
		case uint64:
			if n <= math.MaxInt64 {
				return int64(n), nil
			}
		}

	case KindUint:
		switch n := v.(type) {
		case uint64:
			return n, nil
		case uint:
			return uint64(n), nil
		case uint8:
			return uint64(n), nil
		case uint16:
			return uint64(n), nil
		case uint32:
			return uint64(n), nil
		case int:
			if n >= 0 {
				return uint64(n), nil
			}
		case int32:
			if n >= 0 {
				return uint64(n), nil
			}
		case int64:
			if n >= 0 {
				return uint64(n), nil
			}
		}

	case KindDouble:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case int32:
			return float64(n), nil
		}

	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}

	case KindBytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case nil:
			return []byte(nil), nil
		case string:
			return []byte(b), nil
		}

	case KindObject:
		switch ref := v.(type) {
		case ObjectRef:
			return ref, nil
		case *ObjectRef:
			if ref == nil {
				return ObjectRef{}, nil
			}
			return *ref, nil
		case nil:
			return ObjectRef{}, nil
		}

	case KindList:
		return normalizeList(v, t, records)

	case KindMap:
		return normalizeMap(v, t, records)

	case KindRecord:
		return normalizeRecord(v, t, records)
	}
	return nil, mismatch(v, t)
}

func normalizeList(v any, t Type, records RecordSet) (any, error) {
	if v == nil {
		return []any{}, nil
	}
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, e := range list {
			n, err := Normalize(e, t.elem(), records)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, mismatch(v, t)
	}
	out := make([]any, rv.Len())
	for i := range out {
		n, err := Normalize(rv.Index(i).Interface(), t.elem(), records)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func normalizeMap(v any, t Type, records RecordSet) (any, error) {
	if v == nil {
		return map[any]any{}, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return nil, mismatch(v, t)
	}
	out := make(map[any]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k, err := Normalize(iter.Key().Interface(), t.key(), records)
		if err != nil {
			return nil, err
		}
		e, err := Normalize(iter.Value().Interface(), t.elem(), records)
		if err != nil {
			return nil, err
		}
		out[k] = e
	}
	return out, nil
}

func normalizeRecord(v any, t Type, records RecordSet) (any, error) {
	rt, ok := records.Lookup(t.Name)
	if !ok {
		return nil, rerrors.New(rerrors.KindUnknownType, "codec.Normalize", "record %q is not registered", t.Name)
	}

	var rec Record
	switch r := v.(type) {
	case Record:
		rec = r
	case *Record:
		if r == nil {
			return nil, mismatch(v, t)
		}
		rec = *r
	default:
		return nil, mismatch(v, t)
	}
	if rec.Type != "" && rec.Type != rt.Name {
		return nil, rerrors.New(rerrors.KindInvalidArgument, "codec.Normalize", "record %s given for %s", rec.Type, rt.Name)
	}
	if len(rec.Fields) != len(rt.Fields) {
		return nil, rerrors.New(rerrors.KindInvalidArgument, "codec.Normalize",
			"record %s has %d fields, want %d", rt.Name, len(rec.Fields), len(rt.Fields))
	}

	out := Record{Type: rt.Name, Fields: make([]any, len(rt.Fields))}
	for i, f := range rt.Fields {
		n, err := Normalize(rec.Fields[i], f.Type, records)
		if err != nil {
			return nil, err
		}
		out.Fields[i] = n
	}
	return out, nil
}

func mismatch(v any, t Type) error {
	return rerrors.New(rerrors.KindInvalidArgument, "codec", "cannot use %T as %s", v, t)
}

// Encode appends the canonical encoding of v (of type t) to dst.
func Encode(dst []byte, v any, t Type, records RecordSet) ([]byte, error) {
	n, err := Normalize(v, t, records)
	if err != nil {
		return dst, err
	}
	return appendValue(dst, n, t, records)
}

// EncodeValue returns the canonical encoding of v as a new slice.
func EncodeValue(v any, t Type, records RecordSet) ([]byte, error) {
	return Encode(nil, v, t, records)
}

func appendValue(dst []byte, v any, t Type, records RecordSet) ([]byte, error) {
	switch t.Kind {
	case KindVoid:
		return dst, nil
	case KindBool:
		return protowire.AppendVarint(dst, protowire.EncodeBool(v.(bool))), nil
	case KindInt:
		return protowire.AppendVarint(dst, protowire.EncodeZigZag(v.(int64))), nil
	case KindUint:
		return protowire.AppendVarint(dst, v.(uint64)), nil
	case KindDouble:
		return protowire.AppendFixed64(dst, math.Float64bits(v.(float64))), nil
	case KindString:
		return protowire.AppendString(dst, v.(string)), nil
	case KindBytes:
		return protowire.AppendBytes(dst, v.([]byte)), nil
	case KindObject:
		ref := v.(ObjectRef)
		dst = protowire.AppendString(dst, ref.Name)
		return protowire.AppendString(dst, ref.TypeName), nil

	case KindList:
		list := v.([]any)
		dst = protowire.AppendVarint(dst, uint64(len(list)))
		var err error
		for _, e := range list {
			if dst, err = appendValue(dst, e, t.elem(), records); err != nil {
				return dst, err
			}
		}
		return dst, nil

	case KindMap:
		m := v.(map[any]any)
		keys := make([]any, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.SortFunc(keys, compareKeys)

		dst = protowire.AppendVarint(dst, uint64(len(m)))
		var err error
		for _, k := range keys {
			if dst, err = appendValue(dst, k, t.key(), records); err != nil {
				return dst, err
			}
			if dst, err = appendValue(dst, m[k], t.elem(), records); err != nil {
				return dst, err
			}
		}
		return dst, nil

	case KindRecord:
		rt, ok := records.Lookup(t.Name)
		if !ok {
			return dst, rerrors.New(rerrors.KindUnknownType, "codec.Encode", "record %q is not registered", t.Name)
		}
		rec := v.(Record)
		var err error
		for i, f := range rt.Fields {
			if dst, err = appendValue(dst, rec.Fields[i], f.Type, records); err != nil {
				return dst, err
			}
		}
		return dst, nil
	}
	return dst, rerrors.New(rerrors.KindUnknownType, "codec.Encode", "unsupported type %s", t)
}

// compareKeys orders normalized map keys. Keys of one map always share a type.
func compareKeys(a, b any) int {
	switch x := a.(type) {
	case string:
		return cmp.Compare(x, b.(string))
	case int64:
		return cmp.Compare(x, b.(int64))
	case uint64:
		return cmp.Compare(x, b.(uint64))
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	}
	return 0
}

// Decode reads one value of type t from the front of src and returns it
// with the remaining bytes.
func Decode(src []byte, t Type, records RecordSet) (any, []byte, error) {
	return decodeValue(src, t, records, 0)
}

// DecodeValue decodes exactly one value of type t; trailing bytes are an error.
func DecodeValue(src []byte, t Type, records RecordSet) (any, error) {
	v, rest, err := Decode(src, t, records)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, invalid("%d trailing bytes after %s", len(rest), t)
	}
	return v, nil
}

const maxDepth = 64

func decodeValue(src []byte, t Type, records RecordSet, depth int) (any, []byte, error) {
	if depth > maxDepth {
		return nil, nil, invalid("value nested deeper than %d", maxDepth)
	}

	switch t.Kind {
	case KindVoid:
		return nil, src, nil

	case KindBool:
		x, n := protowire.ConsumeVarint(src)
		if n < 0 || x > 1 {
			return nil, nil, invalid("bad bool")
		}
		return x == 1, src[n:], nil

	case KindInt:
		x, n := protowire.ConsumeVarint(src)
		if n < 0 {
			return nil, nil, invalid("bad int")
		}
		return protowire.DecodeZigZag(x), src[n:], nil

	case KindUint:
		x, n := protowire.ConsumeVarint(src)
		if n < 0 {
			return nil, nil, invalid("bad uint")
		}
		return x, src[n:], nil

	case KindDouble:
		x, n := protowire.ConsumeFixed64(src)
		if n < 0 {
			return nil, nil, invalid("bad double")
		}
		return math.Float64frombits(x), src[n:], nil

	case KindString:
		s, n := protowire.ConsumeString(src)
		if n < 0 {
			return nil, nil, invalid("bad string")
		}
		return s, src[n:], nil

	case KindBytes:
		b, n := protowire.ConsumeBytes(src)
		if n < 0 {
			return nil, nil, invalid("bad bytes")
		}
		return slices.Clone(b), src[n:], nil

	case KindObject:
		name, n := protowire.ConsumeString(src)
		if n < 0 {
			return nil, nil, invalid("bad object reference")
		}
		src = src[n:]
		typeName, n := protowire.ConsumeString(src)
		if n < 0 {
			return nil, nil, invalid("bad object reference")
		}
		return ObjectRef{Name: name, TypeName: typeName}, src[n:], nil

	case KindList:
		count, rest, err := consumeCount(src)
		if err != nil {
			return nil, nil, err
		}
		list := make([]any, 0, count)
		for i := uint64(0); i < count; i++ {
			var e any
			if e, rest, err = decodeValue(rest, t.elem(), records, depth+1); err != nil {
				return nil, nil, err
			}
			list = append(list, e)
		}
		return list, rest, nil

	case KindMap:
		count, rest, err := consumeCount(src)
		if err != nil {
			return nil, nil, err
		}
		m := make(map[any]any, count)
		for i := uint64(0); i < count; i++ {
			var k, e any
			if k, rest, err = decodeValue(rest, t.key(), records, depth+1); err != nil {
				return nil, nil, err
			}
			if e, rest, err = decodeValue(rest, t.elem(), records, depth+1); err != nil {
				return nil, nil, err
			}
			m[k] = e
		}
		return m, rest, nil

	case KindRecord:
		rt, ok := records.Lookup(t.Name)
		if !ok {
			return nil, nil, rerrors.New(rerrors.KindUnknownType, "codec.Decode", "record %q is not registered", t.Name)
		}
		rec := Record{Type: rt.Name, Fields: make([]any, len(rt.Fields))}
		rest := src
		var err error
		for i, f := range rt.Fields {
			if rec.Fields[i], rest, err = decodeValue(rest, f.Type, records, depth+1); err != nil {
				return nil, nil, err
			}
		}
		return rec, rest, nil
	}
	return nil, nil, rerrors.New(rerrors.KindUnknownType, "codec.Decode", "unsupported type %s", t)
}

// consumeCount reads an element count. Every element occupies at least one
// byte, so a count larger than the remaining input is rejected up front.
func consumeCount(src []byte) (uint64, []byte, error) {
	count, n := protowire.ConsumeVarint(src)
	if n < 0 {
		return 0, nil, invalid("bad element count")
	}
	rest := src[n:]
	if count > uint64(len(rest)) {
		return 0, nil, invalid("element count %d exceeds %d remaining bytes", count, len(rest))
	}
	return count, rest, nil
}

func invalid(format string, args ...any) error {
	return rerrors.New(rerrors.KindInvalidMessage, "codec.Decode", format, args...)
}

// EncodeArgs encodes a parameter list back to back.
func EncodeArgs(args []any, types []Type, records RecordSet) ([]byte, error) {
	if len(args) != len(types) {
		return nil, rerrors.New(rerrors.KindInvalidArgument, "codec.EncodeArgs", "got %d arguments, want %d", len(args), len(types))
	}
	var buf []byte
	var err error
	for i, a := range args {
		if buf, err = Encode(buf, a, types[i], records); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return buf, nil
}

// DecodeArgs decodes a parameter list produced by EncodeArgs.
func DecodeArgs(src []byte, types []Type, records RecordSet) ([]any, error) {
	args := make([]any, len(types))
	rest := src
	var err error
	for i, t := range types {
		if args[i], rest, err = Decode(rest, t, records); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	if len(rest) != 0 {
		return nil, invalid("%d trailing bytes after arguments", len(rest))
	}
	return args, nil
}
