package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/xiaonanln/goreplica/util/errors"
)

var testRecords = RecordSet{
	"Point": {Name: "Point", Fields: []Field{{"x", Double}, {"y", Double}}},
	"Tagged": {Name: "Tagged", Fields: []Field{
		{"label", String},
		{"points", List(RecordOf("Point"))},
		{"attrs", Map(String, Int)},
	}},
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		typ   Type
		value any
	}{
		{"bool true", Bool, true},
		{"bool false", Bool, false},
		{"int negative", Int, int64(-123456789)},
		{"int min", Int, int64(math.MinInt64)},
		{"uint max", Uint, uint64(math.MaxUint64)},
		{"double", Double, 3.25},
		{"double nan bits", Double, math.Inf(-1)},
		{"string", String, "héllo"},
		{"empty string", String, ""},
		{"bytes", Bytes, []byte{0, 1, 2, 255}},
		{"object ref", Object, ObjectRef{Name: "parent/child", TypeName: "Child"}},
		{"list of int", List(Int), []any{int64(1), int64(-2), int64(3)}},
		{"empty list", List(String), []any{}},
		{"map", Map(String, List(Int)), map[any]any{"a": []any{int64(1)}, "b": []any{}}},
		{"record", RecordOf("Point"), Record{Type: "Point", Fields: []any{1.5, -2.0}}},
		{"nested record", RecordOf("Tagged"), Record{Type: "Tagged", Fields: []any{
			"t",
			[]any{Record{Type: "Point", Fields: []any{0.0, 1.0}}},
			map[any]any{"k": int64(7)},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := EncodeValue(tt.value, tt.typ, testRecords)
			require.NoError(t, err)

			got, err := DecodeValue(enc, tt.typ, testRecords)
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)

			again, err := EncodeValue(got, tt.typ, testRecords)
			require.NoError(t, err)
			assert.Equal(t, enc, again, "re-encoding a decoded value must give identical bytes")
		})
	}
}

func TestEncodeDeterministicMapOrder(t *testing.T) {
	typ := Map(Int, String)
	m := map[any]any{}
	for i := int64(0); i < 100; i++ {
		m[i*7%101] = "v"
	}

	first, err := EncodeValue(m, typ, nil)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		enc, err := EncodeValue(m, typ, nil)
		require.NoError(t, err)
		require.Equal(t, first, enc)
	}

	// keys come out ascending
	got, err := DecodeValue(first, typ, nil)
	require.NoError(t, err)
	assert.Len(t, got, 100)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		typ   Type
		in    any
		want  any
		fails bool
	}{
		{"int from int", Int, 5, int64(5), false},
		{"int from int32", Int, int32(-5), int64(-5), false},
		{"int from huge uint64", Int, uint64(math.MaxUint64), nil, true},
		{"uint from int", Uint, 5, uint64(5), false},
		{"uint from negative", Uint, -1, nil, true},
		{"double from float32", Double, float32(0.5), 0.5, false},
		{"double from int", Double, 2, 2.0, false},
		{"bytes from string", Bytes, "ab", []byte("ab"), false},
		{"typed slice", List(String), []string{"a", "b"}, []any{"a", "b"}, false},
		{"nil list", List(Int), nil, []any{}, false},
		{"typed map", Map(String, Int), map[string]int{"a": 1}, map[any]any{"a": int64(1)}, false},
		{"nil object", Object, nil, ObjectRef{}, false},
		{"string for int", Int, "1", nil, true},
		{"wrong record arity", RecordOf("Point"), Record{Fields: []any{1.0}}, nil, true},
		{"void with value", Void, 1, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in, tt.typ, testRecords)
			if tt.fails {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnknownRecord(t *testing.T) {
	_, err := EncodeValue(Record{Type: "Missing"}, RecordOf("Missing"), testRecords)
	require.ErrorIs(t, err, rerrors.ErrUnknownType)

	_, err = DecodeValue([]byte{0}, RecordOf("Missing"), testRecords)
	require.ErrorIs(t, err, rerrors.ErrUnknownType)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		typ  Type
		data []byte
	}{
		{"empty int", Int, nil},
		{"bad bool", Bool, []byte{2}},
		{"truncated double", Double, []byte{1, 2, 3}},
		{"truncated string", String, []byte{5, 'a'}},
		{"list count exceeds input", List(Int), []byte{0x80, 0x80, 0x80, 0x80, 0x01}},
		{"truncated list", List(Int), []byte{3, 2}},
		{"truncated record", RecordOf("Point"), []byte{0, 0, 0, 0, 0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeValue(tt.data, tt.typ, testRecords)
			require.Error(t, err)
			assert.ErrorIs(t, err, rerrors.ErrInvalidMessage)
		})
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	enc, err := EncodeValue(int64(1), Int, nil)
	require.NoError(t, err)

	_, err = DecodeValue(append(enc, 0), Int, nil)
	require.ErrorIs(t, err, rerrors.ErrInvalidMessage)

	v, rest, err := Decode(append(enc, 9), Int, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, []byte{9}, rest)
}

func TestArgs(t *testing.T) {
	types := []Type{String, Int, RecordOf("Point")}
	args := []any{"x", 42, Record{Fields: []any{1.0, 2.0}}}

	enc, err := EncodeArgs(args, types, testRecords)
	require.NoError(t, err)

	got, err := DecodeArgs(enc, types, testRecords)
	require.NoError(t, err)
	assert.Equal(t, []any{"x", int64(42), Record{Type: "Point", Fields: []any{1.0, 2.0}}}, got)

	_, err = EncodeArgs(args[:2], types, testRecords)
	require.ErrorIs(t, err, rerrors.ErrInvalidArgument)

	_, err = DecodeArgs(append(enc, 1), types, testRecords)
	require.ErrorIs(t, err, rerrors.ErrInvalidMessage)
}
