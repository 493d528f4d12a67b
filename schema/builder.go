package schema

import (
	"errors"
	"fmt"

	"github.com/xiaonanln/goreplica/codec"
)

// Builder assembles a TypeSchema. Members keep the order they were added
// in; that order defines their wire indices.
//
//	counter := schema.NewBuilder("Counter").
//		Property("value", codec.Int, schema.ReadWrite).
//		Signal("overflowed", codec.Int).
//		Method("increment", codec.Int, codec.Int).
//		MustBuild()
type Builder struct {
	ts   *TypeSchema
	errs []error
}

// NewBuilder starts a schema for typeName.
func NewBuilder(typeName string) *Builder {
	return &Builder{ts: &TypeSchema{TypeName: typeName, records: codec.RecordSet{}}}
}

// Property adds a property.
func (b *Builder) Property(name string, t codec.Type, mod Modifier) *Builder {
	b.ts.Properties = append(b.ts.Properties, Property{Name: name, Type: t, Modifier: mod})
	return b
}

// PersistedProperty adds a property whose value is saved through the
// persistence provider when replicas are released.
func (b *Builder) PersistedProperty(name string, t codec.Type, mod Modifier) *Builder {
	b.ts.Properties = append(b.ts.Properties, Property{Name: name, Type: t, Modifier: mod, Persisted: true})
	return b
}

// Signal adds a signal.
func (b *Builder) Signal(name string, params ...codec.Type) *Builder {
	b.ts.Signals = append(b.ts.Signals, Signal{Name: name, Params: params})
	return b
}

// Method adds a method returning ret (codec.Void for none).
func (b *Builder) Method(name string, ret codec.Type, params ...codec.Type) *Builder {
	b.ts.Methods = append(b.ts.Methods, Method{Name: name, Params: params, Return: ret})
	return b
}

// Record declares a record type used by members of this schema.
func (b *Builder) Record(rt codec.RecordType) *Builder {
	if _, dup := b.ts.records[rt.Name]; dup {
		b.errs = append(b.errs, fmt.Errorf("duplicate record %q", rt.Name))
		return b
	}
	r := &codec.RecordType{Name: rt.Name, Fields: append([]codec.Field(nil), rt.Fields...)}
	b.ts.records[r.Name] = r
	b.ts.recordOrder = append(b.ts.recordOrder, r)
	return b
}

// Build validates the schema and computes its index tables and signature.
// The builder must not be used afterwards.
func (b *Builder) Build() (*TypeSchema, error) {
	ts := b.ts
	errs := append([]error(nil), b.errs...)
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if ts.TypeName == "" {
		fail("type name is empty")
	}

	checkType := func(where string, t codec.Type, allowVoid bool) {
		if t.IsVoid() && !allowVoid {
			fail("%s: type must not be void", where)
			return
		}
		if err := t.Validate(); err != nil {
			fail("%s: %v", where, err)
			return
		}
		t.Records(func(name string) {
			if _, ok := ts.records[name]; !ok {
				fail("%s: unknown record %q", where, name)
			}
		})
	}

	for _, r := range ts.recordOrder {
		if r.Name == "" {
			fail("record with empty name")
		}
		if len(r.Fields) == 0 {
			fail("record %s has no fields", r.Name)
		}
		seen := map[string]bool{}
		for _, f := range r.Fields {
			if seen[f.Name] {
				fail("record %s: duplicate field %q", r.Name, f.Name)
			}
			seen[f.Name] = true
			checkType(fmt.Sprintf("record %s field %s", r.Name, f.Name), f.Type, false)
		}
	}
	if cyc := directRecordCycle(ts.records); cyc != "" {
		fail("record %s contains itself without a list or map in between", cyc)
	}

	ts.propIndex = make(map[string]int, len(ts.Properties))
	for i, p := range ts.Properties {
		if p.Name == "" {
			fail("property %d has empty name", i)
		}
		if _, dup := ts.propIndex[p.Name]; dup {
			fail("duplicate property %q", p.Name)
		}
		ts.propIndex[p.Name] = i
		if p.Modifier > ReadPush {
			fail("property %s: unknown modifier %d", p.Name, p.Modifier)
		}
		checkType("property "+p.Name, p.Type, false)
	}

	ts.signalIndex = make(map[string]int, len(ts.Signals))
	for i, s := range ts.Signals {
		if s.Name == "" {
			fail("signal %d has empty name", i)
		}
		if _, dup := ts.signalIndex[s.Name]; dup {
			fail("duplicate signal %q", s.Name)
		}
		ts.signalIndex[s.Name] = i
		for j, t := range s.Params {
			checkType(fmt.Sprintf("signal %s parameter %d", s.Name, j), t, false)
		}
	}

	ts.methodIndex = make(map[string]int, len(ts.Methods))
	for i, m := range ts.Methods {
		if m.Name == "" {
			fail("method %d has empty name", i)
		}
		if _, dup := ts.methodIndex[m.Name]; dup {
			fail("duplicate method %q", m.Name)
		}
		ts.methodIndex[m.Name] = i
		for j, t := range m.Params {
			checkType(fmt.Sprintf("method %s parameter %d", m.Name, j), t, false)
		}
		checkType("method "+m.Name+" return", m.Return, true)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("schema %s: %w", ts.TypeName, errors.Join(errs...))
	}

	ts.canonical = canonicalText(ts)
	ts.signature = hashWithDomain(SignatureDomain, []byte(ts.canonical))
	b.ts = nil
	return ts, nil
}

// MustBuild is like Build but panics on error. Use it for package-level schemas.
func (b *Builder) MustBuild() *TypeSchema {
	ts, err := b.Build()
	if err != nil {
		panic(err)
	}
	return ts
}

// directRecordCycle returns the name of a record that reaches itself through
// plain record fields. Such a value would have infinite size.
func directRecordCycle(records codec.RecordSet) string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := map[string]int{}
	var visit func(name string) string
	visit = func(name string) string {
		switch state[name] {
		case visiting:
			return name
		case done:
			return ""
		}
		state[name] = visiting
		if r, ok := records[name]; ok {
			for _, f := range r.Fields {
				if f.Type.Kind == codec.KindRecord {
					if cyc := visit(f.Type.Name); cyc != "" {
						return cyc
					}
				}
			}
		}
		state[name] = done
		return ""
	}
	for name := range records {
		if cyc := visit(name); cyc != "" {
			return cyc
		}
	}
	return ""
}
