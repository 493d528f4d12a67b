// Package codec implements the goreplica wire format: typed value encoding
// and the length-prefixed frames that carry it between nodes.
//
// Values are encoded with protobuf wire primitives (varints, zigzag, fixed64,
// length-delimited bytes) but without field tags: the schema on both ends
// says what comes next, so a value is just its bytes in declaration order.
// Encoding is deterministic, so two equal values always produce equal bytes
// and sources can detect no-op changes by comparing encodings.
package codec

import (
	"fmt"
	"strings"
)

// Kind identifies the shape of a value.
type Kind uint8

const (
	KindVoid Kind = iota
	KindBool
	KindInt
	KindUint
	KindDouble
	KindString
	KindBytes
	KindList
	KindMap
	KindRecord
	KindObject
)

var kindNames = [...]string{
	KindVoid:   "void",
	KindBool:   "bool",
	KindInt:    "int",
	KindUint:   "uint",
	KindDouble: "double",
	KindString: "string",
	KindBytes:  "bytes",
	KindList:   "list",
	KindMap:    "map",
	KindRecord: "record",
	KindObject: "object",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Type describes a value. Elem is set for lists and maps (the value type),
// Key for maps, Name for records.
type Type struct {
	Kind Kind
	Elem *Type
	Key  *Type
	Name string
}

var (
	Void   = Type{Kind: KindVoid}
	Bool   = Type{Kind: KindBool}
	Int    = Type{Kind: KindInt}
	Uint   = Type{Kind: KindUint}
	Double = Type{Kind: KindDouble}
	String = Type{Kind: KindString}
	Bytes  = Type{Kind: KindBytes}
	Object = Type{Kind: KindObject}
)

// List returns the type of a list of elem.
func List(elem Type) Type {
	return Type{Kind: KindList, Elem: &elem}
}

// Map returns the type of a map from key to value.
func Map(key, value Type) Type {
	return Type{Kind: KindMap, Key: &key, Elem: &value}
}

// RecordOf returns a reference to the record type called name.
func RecordOf(name string) Type {
	return Type{Kind: KindRecord, Name: name}
}

// IsVoid reports whether t is the void type.
func (t Type) IsVoid() bool {
	return t.Kind == KindVoid
}

// String returns the canonical spelling of t. Schema signatures hash this text.
func (t Type) String() string {
	var b strings.Builder
	t.writeTo(&b)
	return b.String()
}

func (t Type) writeTo(b *strings.Builder) {
	switch t.Kind {
	case KindList:
		b.WriteString("list<")
		t.elem().writeTo(b)
		b.WriteByte('>')
	case KindMap:
		b.WriteString("map<")
		t.key().writeTo(b)
		b.WriteByte(',')
		t.elem().writeTo(b)
		b.WriteByte('>')
	case KindRecord:
		b.WriteString("record:")
		b.WriteString(t.Name)
	default:
		b.WriteString(t.Kind.String())
	}
}

func (t Type) elem() Type {
	if t.Elem == nil {
		return Void
	}
	return *t.Elem
}

func (t Type) key() Type {
	if t.Key == nil {
		return Void
	}
	return *t.Key
}

// Equal reports whether t and o describe the same type.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindList:
		return t.elem().Equal(o.elem())
	case KindMap:
		return t.key().Equal(o.key()) && t.elem().Equal(o.elem())
	case KindRecord:
		return t.Name == o.Name
	}
	return true
}

// Validate checks that t is well formed: containers have element types,
// elements are never void and map keys are scalar.
func (t Type) Validate() error {
	switch t.Kind {
	case KindVoid, KindBool, KindInt, KindUint, KindDouble, KindString, KindBytes, KindObject:
		return nil
	case KindList:
		if t.Elem == nil || t.Elem.IsVoid() {
			return fmt.Errorf("list element type must not be void")
		}
		return t.Elem.Validate()
	case KindMap:
		if t.Key == nil || t.Elem == nil || t.Elem.IsVoid() {
			return fmt.Errorf("map needs key and non-void value types")
		}
		switch t.Key.Kind {
		case KindBool, KindInt, KindUint, KindString:
		default:
			return fmt.Errorf("map key type %s is not a scalar", t.Key)
		}
		return t.Elem.Validate()
	case KindRecord:
		if t.Name == "" {
			return fmt.Errorf("record type needs a name")
		}
		return nil
	}
	return fmt.Errorf("unknown type kind %d", t.Kind)
}

// Records calls fn for every record name t references, including nested ones.
func (t Type) Records(fn func(name string)) {
	switch t.Kind {
	case KindRecord:
		fn(t.Name)
	case KindList:
		t.elem().Records(fn)
	case KindMap:
		t.key().Records(fn)
		t.elem().Records(fn)
	}
}

// ParseType parses the canonical spelling produced by Type.String.
func ParseType(s string) (Type, error) {
	t, rest, err := parseType(strings.TrimSpace(s))
	if err != nil {
		return Void, err
	}
	if rest != "" {
		return Void, fmt.Errorf("trailing input %q in type %q", rest, s)
	}
	return t, nil
}

func parseType(s string) (Type, string, error) {
	switch {
	case strings.HasPrefix(s, "list<"):
		elem, rest, err := parseType(s[len("list<"):])
		if err != nil {
			return Void, "", err
		}
		if !strings.HasPrefix(rest, ">") {
			return Void, "", fmt.Errorf("expected '>' in list type")
		}
		return List(elem), rest[1:], nil
	case strings.HasPrefix(s, "map<"):
		key, rest, err := parseType(s[len("map<"):])
		if err != nil {
			return Void, "", err
		}
		if !strings.HasPrefix(rest, ",") {
			return Void, "", fmt.Errorf("expected ',' in map type")
		}
		value, rest, err := parseType(rest[1:])
		if err != nil {
			return Void, "", err
		}
		if !strings.HasPrefix(rest, ">") {
			return Void, "", fmt.Errorf("expected '>' in map type")
		}
		return Map(key, value), rest[1:], nil
	case strings.HasPrefix(s, "record:"):
		s = s[len("record:"):]
		end := strings.IndexAny(s, ",>")
		if end < 0 {
			end = len(s)
		}
		if end == 0 {
			return Void, "", fmt.Errorf("record type needs a name")
		}
		return RecordOf(s[:end]), s[end:], nil
	}

	end := strings.IndexAny(s, ",>")
	if end < 0 {
		end = len(s)
	}
	word := s[:end]
	for k, name := range kindNames {
		if name == word && Kind(k) != KindList && Kind(k) != KindMap && Kind(k) != KindRecord {
			return Type{Kind: Kind(k)}, s[end:], nil
		}
	}
	return Void, "", fmt.Errorf("unknown type %q", word)
}

// Field is one named member of a record.
type Field struct {
	Name string
	Type Type
}

// RecordType declares an aggregate with a fixed, ordered field list.
type RecordType struct {
	Name   string
	Fields []Field
}

// FieldIndex returns the position of the field called name, or -1.
func (r *RecordType) FieldIndex(name string) int {
	for i, f := range r.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// RecordSet resolves record names to their declarations.
type RecordSet map[string]*RecordType

// Lookup returns the record type called name.
func (rs RecordSet) Lookup(name string) (*RecordType, bool) {
	r, ok := rs[name]
	return r, ok
}

// Record is the in-memory form of a record value: field values in
// declaration order.
type Record struct {
	Type   string
	Fields []any
}

// NewRecord builds a record value from fields in declaration order.
func NewRecord(typeName string, fields ...any) Record {
	return Record{Type: typeName, Fields: fields}
}

// ObjectRef is the wire value of a child-object property: the name the child
// is published under and its type name. A zero ObjectRef means "no child".
type ObjectRef struct {
	Name     string
	TypeName string
}

// IsZero reports whether ref points at nothing.
func (ref ObjectRef) IsZero() bool {
	return ref.Name == ""
}
