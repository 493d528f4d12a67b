// Package schema describes replicable object types: their properties,
// signals and methods, and the signature that two nodes compare before
// exchanging any data for an object.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/xiaonanln/goreplica/codec"
)

// Modifier controls who may change a property and how it travels.
type Modifier uint8

const (
	// ReadOnly properties change only on the source.
	ReadOnly Modifier = iota
	// Constant properties are fixed at enable time and only travel in the advertisement.
	Constant
	// ReadWrite properties accept writes from replicas.
	ReadWrite
	// ReadPush properties accept writes from replicas; writes are pushed without a getter round trip.
	ReadPush
)

func (m Modifier) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case Constant:
		return "constant"
	case ReadWrite:
		return "readwrite"
	case ReadPush:
		return "readpush"
	}
	return fmt.Sprintf("modifier(%d)", uint8(m))
}

// Writable reports whether replicas may write a property with this modifier.
func (m Modifier) Writable() bool {
	return m == ReadWrite || m == ReadPush
}

// Property is one replicated attribute.
type Property struct {
	Name      string
	Type      codec.Type
	Modifier  Modifier
	Persisted bool
}

// Signal is an event a source emits to every replica.
type Signal struct {
	Name   string
	Params []codec.Type
}

// Method is an operation replicas invoke on the source. Return is
// codec.Void for fire-and-forget methods.
type Method struct {
	Name   string
	Params []codec.Type
	Return codec.Type
}

// SignatureDomain prefixes the canonical text before hashing.
const SignatureDomain = "goreplica/schema/v1"

// Signature identifies a schema by content.
type Signature [sha256.Size]byte

// String returns the signature as lowercase hex.
func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}

// IsZero reports whether s is the zero signature.
func (s Signature) IsZero() bool {
	return s == Signature{}
}

// ParseSignature parses the hex form produced by String.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	b, err := hex.DecodeString(s)
	if err != nil {
		return sig, err
	}
	if len(b) != len(sig) {
		return sig, fmt.Errorf("signature has %d bytes, want %d", len(b), len(sig))
	}
	copy(sig[:], b)
	return sig, nil
}

// TypeSchema is the immutable description of an object type.
// Build one with Builder and share it freely.
type TypeSchema struct {
	TypeName   string
	Properties []Property
	Signals    []Signal
	Methods    []Method

	records     codec.RecordSet
	recordOrder []*codec.RecordType

	propIndex   map[string]int
	signalIndex map[string]int
	methodIndex map[string]int

	canonical string
	signature Signature
}

// Signature returns the content hash of the schema.
func (ts *TypeSchema) Signature() Signature {
	return ts.signature
}

// CanonicalText returns the text the signature is computed over.
func (ts *TypeSchema) CanonicalText() string {
	return ts.canonical
}

// Records returns the record declarations used by the schema.
func (ts *TypeSchema) Records() codec.RecordSet {
	return ts.records
}

// RecordTypes returns the record declarations in declaration order.
func (ts *TypeSchema) RecordTypes() []*codec.RecordType {
	return ts.recordOrder
}

// PropertyIndex returns the index of the property called name.
func (ts *TypeSchema) PropertyIndex(name string) (int, bool) {
	i, ok := ts.propIndex[name]
	return i, ok
}

// SignalIndex returns the index of the signal called name.
func (ts *TypeSchema) SignalIndex(name string) (int, bool) {
	i, ok := ts.signalIndex[name]
	return i, ok
}

// MethodIndex returns the index of the method called name.
func (ts *TypeSchema) MethodIndex(name string) (int, bool) {
	i, ok := ts.methodIndex[name]
	return i, ok
}

// HasPersisted reports whether any property is marked persisted.
func (ts *TypeSchema) HasPersisted() bool {
	for _, p := range ts.Properties {
		if p.Persisted {
			return true
		}
	}
	return false
}

// EncodeProperty encodes v as the value of property i.
func (ts *TypeSchema) EncodeProperty(i int, v any) ([]byte, error) {
	return codec.EncodeValue(v, ts.Properties[i].Type, ts.records)
}

// DecodeProperty decodes an encoded value of property i.
func (ts *TypeSchema) DecodeProperty(i int, b []byte) (any, error) {
	return codec.DecodeValue(b, ts.Properties[i].Type, ts.records)
}

// ZeroValue returns the canonical zero value of t.
func ZeroValue(t codec.Type, records codec.RecordSet) any {
	switch t.Kind {
	case codec.KindBool:
		return false
	case codec.KindInt:
		return int64(0)
	case codec.KindUint:
		return uint64(0)
	case codec.KindDouble:
		return float64(0)
	case codec.KindString:
		return ""
	case codec.KindBytes:
		return []byte{}
	case codec.KindList:
		return []any{}
	case codec.KindMap:
		return map[any]any{}
	case codec.KindObject:
		return codec.ObjectRef{}
	case codec.KindRecord:
		rt, ok := records.Lookup(t.Name)
		if !ok {
			return nil
		}
		rec := codec.Record{Type: rt.Name, Fields: make([]any, len(rt.Fields))}
		for i, f := range rt.Fields {
			rec.Fields[i] = ZeroValue(f.Type, records)
		}
		return rec
	}
	return nil
}

func canonicalText(ts *TypeSchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "type %s\n", ts.TypeName)
	for _, r := range ts.recordOrder {
		fmt.Fprintf(&b, "record %s{", r.Name)
		for i, f := range r.Fields {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%s:%s", f.Name, f.Type)
		}
		b.WriteString("}\n")
	}
	for _, p := range ts.Properties {
		fmt.Fprintf(&b, "property %s:%s:%s:%t\n", p.Name, p.Type, p.Modifier, p.Persisted)
	}
	for _, s := range ts.Signals {
		fmt.Fprintf(&b, "signal %s(%s)\n", s.Name, joinTypes(s.Params))
	}
	for _, m := range ts.Methods {
		fmt.Fprintf(&b, "method %s(%s)->%s\n", m.Name, joinTypes(m.Params), m.Return)
	}
	return b.String()
}

func joinTypes(types []codec.Type) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) Signature {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	var sig Signature
	copy(sig[:], h.Sum(nil))
	return sig
}
