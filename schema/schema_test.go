package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaonanln/goreplica/codec"
	rerrors "github.com/xiaonanln/goreplica/util/errors"
)

func counterBuilder() *Builder {
	return NewBuilder("Counter").
		Record(codec.RecordType{Name: "Limits", Fields: []codec.Field{{Name: "min", Type: codec.Int}, {Name: "max", Type: codec.Int}}}).
		Property("value", codec.Int, ReadWrite).
		Property("label", codec.String, Constant).
		PersistedProperty("limits", codec.RecordOf("Limits"), ReadOnly).
		Signal("overflowed", codec.Int).
		Method("increment", codec.Int, codec.Int).
		Method("reset", codec.Void)
}

func TestBuild(t *testing.T) {
	ts, err := counterBuilder().Build()
	require.NoError(t, err)

	assert.Equal(t, "Counter", ts.TypeName)
	assert.Len(t, ts.Properties, 3)

	idx, ok := ts.PropertyIndex("limits")
	require.True(t, ok)
	assert.Equal(t, 2, idx)

	_, ok = ts.PropertyIndex("missing")
	assert.False(t, ok)

	idx, ok = ts.MethodIndex("reset")
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.True(t, ts.Methods[idx].Return.IsVoid())

	idx, ok = ts.SignalIndex("overflowed")
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	assert.True(t, ts.HasPersisted())
	assert.False(t, ts.Signature().IsZero())
	assert.Contains(t, ts.CanonicalText(), "property limits:record:Limits:readonly:true")
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		builder *Builder
		wantErr string
	}{
		{"empty type name", NewBuilder(""), "type name is empty"},
		{"duplicate property", NewBuilder("T").Property("a", codec.Int, ReadOnly).Property("a", codec.String, ReadOnly), "duplicate property"},
		{"duplicate method", NewBuilder("T").Method("m", codec.Void).Method("m", codec.Int), "duplicate method"},
		{"void property", NewBuilder("T").Property("a", codec.Void, ReadOnly), "must not be void"},
		{"void parameter", NewBuilder("T").Method("m", codec.Void, codec.Void), "must not be void"},
		{"void signal parameter", NewBuilder("T").Signal("s", codec.Void), "must not be void"},
		{"unknown record", NewBuilder("T").Property("a", codec.RecordOf("Nope"), ReadOnly), "unknown record"},
		{"empty record", NewBuilder("T").Record(codec.RecordType{Name: "E"}), "has no fields"},
		{"duplicate record", NewBuilder("T").
			Record(codec.RecordType{Name: "R", Fields: []codec.Field{{Name: "a", Type: codec.Int}}}).
			Record(codec.RecordType{Name: "R", Fields: []codec.Field{{Name: "a", Type: codec.Int}}}), "duplicate record"},
		{"self containing record", NewBuilder("T").
			Record(codec.RecordType{Name: "R", Fields: []codec.Field{{Name: "r", Type: codec.RecordOf("R")}}}), "contains itself"},
		{"bad map key", NewBuilder("T").Property("m", codec.Map(codec.Double, codec.Int), ReadOnly), "not a scalar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			require.Error(t, err)
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRecursiveRecordThroughList(t *testing.T) {
	_, err := NewBuilder("Tree").
		Record(codec.RecordType{Name: "Node", Fields: []codec.Field{
			{Name: "value", Type: codec.Int},
			{Name: "children", Type: codec.List(codec.RecordOf("Node"))},
		}}).
		Property("root", codec.RecordOf("Node"), ReadOnly).
		Build()
	require.NoError(t, err)
}

func TestSignatureStable(t *testing.T) {
	a := counterBuilder().MustBuild()
	b := counterBuilder().MustBuild()
	assert.Equal(t, a.Signature(), b.Signature())
	assert.Len(t, a.Signature().String(), 64)

	parsed, err := ParseSignature(a.Signature().String())
	require.NoError(t, err)
	assert.Equal(t, a.Signature(), parsed)
}

func TestSignatureSensitivity(t *testing.T) {
	base := counterBuilder().MustBuild().Signature()

	variants := map[string]*Builder{
		"type name": NewBuilder("Counter2").
			Record(codec.RecordType{Name: "Limits", Fields: []codec.Field{{Name: "min", Type: codec.Int}, {Name: "max", Type: codec.Int}}}).
			Property("value", codec.Int, ReadWrite).
			Property("label", codec.String, Constant).
			PersistedProperty("limits", codec.RecordOf("Limits"), ReadOnly).
			Signal("overflowed", codec.Int).
			Method("increment", codec.Int, codec.Int).
			Method("reset", codec.Void),
		"property order": NewBuilder("Counter").
			Record(codec.RecordType{Name: "Limits", Fields: []codec.Field{{Name: "min", Type: codec.Int}, {Name: "max", Type: codec.Int}}}).
			Property("label", codec.String, Constant).
			Property("value", codec.Int, ReadWrite).
			PersistedProperty("limits", codec.RecordOf("Limits"), ReadOnly).
			Signal("overflowed", codec.Int).
			Method("increment", codec.Int, codec.Int).
			Method("reset", codec.Void),
		"property type": NewBuilder("Counter").
			Record(codec.RecordType{Name: "Limits", Fields: []codec.Field{{Name: "min", Type: codec.Int}, {Name: "max", Type: codec.Int}}}).
			Property("value", codec.Uint, ReadWrite).
			Property("label", codec.String, Constant).
			PersistedProperty("limits", codec.RecordOf("Limits"), ReadOnly).
			Signal("overflowed", codec.Int).
			Method("increment", codec.Int, codec.Int).
			Method("reset", codec.Void),
		"modifier": NewBuilder("Counter").
			Record(codec.RecordType{Name: "Limits", Fields: []codec.Field{{Name: "min", Type: codec.Int}, {Name: "max", Type: codec.Int}}}).
			Property("value", codec.Int, ReadOnly).
			Property("label", codec.String, Constant).
			PersistedProperty("limits", codec.RecordOf("Limits"), ReadOnly).
			Signal("overflowed", codec.Int).
			Method("increment", codec.Int, codec.Int).
			Method("reset", codec.Void),
		"record field": NewBuilder("Counter").
			Record(codec.RecordType{Name: "Limits", Fields: []codec.Field{{Name: "min", Type: codec.Int}, {Name: "max", Type: codec.Uint}}}).
			Property("value", codec.Int, ReadWrite).
			Property("label", codec.String, Constant).
			PersistedProperty("limits", codec.RecordOf("Limits"), ReadOnly).
			Signal("overflowed", codec.Int).
			Method("increment", codec.Int, codec.Int).
			Method("reset", codec.Void),
		"method return": NewBuilder("Counter").
			Record(codec.RecordType{Name: "Limits", Fields: []codec.Field{{Name: "min", Type: codec.Int}, {Name: "max", Type: codec.Int}}}).
			Property("value", codec.Int, ReadWrite).
			Property("label", codec.String, Constant).
			PersistedProperty("limits", codec.RecordOf("Limits"), ReadOnly).
			Signal("overflowed", codec.Int).
			Method("increment", codec.Void, codec.Int).
			Method("reset", codec.Void),
	}

	for name, b := range variants {
		t.Run(name, func(t *testing.T) {
			sig := b.MustBuild().Signature()
			assert.NotEqual(t, base, sig)
		})
	}
}

func TestEncodeDecodeProperty(t *testing.T) {
	ts := counterBuilder().MustBuild()

	enc, err := ts.EncodeProperty(2, codec.NewRecord("Limits", 1, 10))
	require.NoError(t, err)

	v, err := ts.DecodeProperty(2, enc)
	require.NoError(t, err)
	assert.Equal(t, codec.Record{Type: "Limits", Fields: []any{int64(1), int64(10)}}, v)
}

func TestZeroValue(t *testing.T) {
	ts := counterBuilder().MustBuild()
	assert.Equal(t, int64(0), ZeroValue(codec.Int, nil))
	assert.Equal(t, []any{}, ZeroValue(codec.List(codec.Int), nil))
	assert.Equal(t, codec.Record{Type: "Limits", Fields: []any{int64(0), int64(0)}},
		ZeroValue(codec.RecordOf("Limits"), ts.Records()))

	// zero values always encode
	for i, p := range ts.Properties {
		_, err := ts.EncodeProperty(i, ZeroValue(p.Type, ts.Records()))
		assert.NoError(t, err, "property %s", p.Name)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	ts := counterBuilder().MustBuild()

	got, err := Unmarshal(Marshal(ts))
	require.NoError(t, err)

	assert.Equal(t, ts.Signature(), got.Signature())
	assert.Equal(t, ts.CanonicalText(), got.CanonicalText())
	idx, ok := got.MethodIndex("increment")
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.True(t, got.Properties[2].Persisted)
}

func TestUnmarshalRejectsForgedSignature(t *testing.T) {
	ts := counterBuilder().MustBuild()
	data := Marshal(ts)

	// The signature blob starts right after the length-prefixed type name.
	sigStart := 1 + len(ts.TypeName) + 1
	data[sigStart] ^= 0xFF

	_, err := Unmarshal(data)
	require.ErrorIs(t, err, rerrors.ErrInvalidMessage)
}

func TestUnmarshalTruncated(t *testing.T) {
	data := Marshal(counterBuilder().MustBuild())
	_, err := Unmarshal(data[:len(data)/2])
	require.ErrorIs(t, err, rerrors.ErrInvalidMessage)
}
