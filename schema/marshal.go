package schema

import (
	"bytes"

	"github.com/xiaonanln/goreplica/codec"
	rerrors "github.com/xiaonanln/goreplica/util/errors"
)

// Marshal encodes ts for transmission inside an advertisement so that
// replicas without a compiled-in schema can adopt it.
func Marshal(ts *TypeSchema) []byte {
	var w codec.PayloadWriter
	w.Text(ts.TypeName)
	w.Blob(ts.signature[:])

	w.Uvarint(uint64(len(ts.recordOrder)))
	for _, r := range ts.recordOrder {
		w.Text(r.Name)
		w.Uvarint(uint64(len(r.Fields)))
		for _, f := range r.Fields {
			w.Text(f.Name)
			w.Type(f.Type)
		}
	}

	w.Uvarint(uint64(len(ts.Properties)))
	for _, p := range ts.Properties {
		w.Text(p.Name)
		w.Type(p.Type)
		w.Uvarint(uint64(p.Modifier))
		w.Bool(p.Persisted)
	}

	w.Uvarint(uint64(len(ts.Signals)))
	for _, s := range ts.Signals {
		w.Text(s.Name)
		writeTypes(&w, s.Params)
	}

	w.Uvarint(uint64(len(ts.Methods)))
	for _, m := range ts.Methods {
		w.Text(m.Name)
		writeTypes(&w, m.Params)
		w.Type(m.Return)
	}
	return w.Bytes()
}

func writeTypes(w *codec.PayloadWriter, types []codec.Type) {
	w.Uvarint(uint64(len(types)))
	for _, t := range types {
		w.Type(t)
	}
}

func readTypes(r *codec.PayloadReader) []codec.Type {
	n := r.Count()
	if n == 0 {
		return nil
	}
	types := make([]codec.Type, n)
	for i := range types {
		types[i] = r.Type()
	}
	return types
}

// Unmarshal decodes a schema produced by Marshal. The signature is
// recomputed from the decoded members; a schema whose carried signature
// disagrees is rejected.
func Unmarshal(data []byte) (*TypeSchema, error) {
	const op = "schema.Unmarshal"
	r := codec.NewPayloadReader(data)

	b := NewBuilder(r.Text())
	carried := r.Blob()

	for i, n := 0, r.Count(); i < n && r.Err() == nil; i++ {
		rt := codec.RecordType{Name: r.Text()}
		for j, m := 0, r.Count(); j < m && r.Err() == nil; j++ {
			rt.Fields = append(rt.Fields, codec.Field{Name: r.Text(), Type: r.Type()})
		}
		b.Record(rt)
	}
	for i, n := 0, r.Count(); i < n && r.Err() == nil; i++ {
		name, typ := r.Text(), r.Type()
		mod := Modifier(r.Uvarint())
		if r.Bool() {
			b.PersistedProperty(name, typ, mod)
		} else {
			b.Property(name, typ, mod)
		}
	}
	for i, n := 0, r.Count(); i < n && r.Err() == nil; i++ {
		b.Signal(r.Text(), readTypes(r)...)
	}
	for i, n := 0, r.Count(); i < n && r.Err() == nil; i++ {
		name, params := r.Text(), readTypes(r)
		b.Method(name, r.Type(), params...)
	}
	if err := r.Done(); err != nil {
		return nil, err
	}

	ts, err := b.Build()
	if err != nil {
		return nil, rerrors.Wrap(rerrors.KindInvalidMessage, op, err)
	}
	if !bytes.Equal(carried, ts.signature[:]) {
		return nil, rerrors.New(rerrors.KindInvalidMessage, op, "carried signature does not match content of %s", ts.TypeName)
	}
	return ts, nil
}
