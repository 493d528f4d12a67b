package codec

import (
	"google.golang.org/protobuf/encoding/protowire"

	rerrors "github.com/xiaonanln/goreplica/util/errors"
)

// ProtocolVersion is sent in the handshake. Peers with a different version
// are disconnected.
const ProtocolVersion = 1

// PayloadWriter builds frame payloads field by field.
type PayloadWriter struct {
	buf []byte
}

// Bytes returns the payload built so far.
func (w *PayloadWriter) Bytes() []byte { return w.buf }

func (w *PayloadWriter) Uvarint(v uint64) { w.buf = protowire.AppendVarint(w.buf, v) }
func (w *PayloadWriter) Bool(v bool) { w.buf = protowire.AppendVarint(w.buf, protowire.EncodeBool(v)) }
func (w *PayloadWriter) Text(s string) { w.buf = protowire.AppendString(w.buf, s) }
func (w *PayloadWriter) Blob(b []byte) { w.buf = protowire.AppendBytes(w.buf, b) }

// Type writes t structurally: kind byte, then key/elem or record name.
func (w *PayloadWriter) Type(t Type) {
	w.buf = append(w.buf, byte(t.Kind))
	switch t.Kind {
	case KindList:
		w.Type(t.elem())
	case KindMap:
		w.Type(t.key())
		w.Type(t.elem())
	case KindRecord:
		w.Text(t.Name)
	}
}

// PayloadReader consumes a payload. The first error sticks: later reads
// return zero values and Err reports it.
type PayloadReader struct {
	buf []byte
	err error
}

// NewPayloadReader reads from b.
func NewPayloadReader(b []byte) *PayloadReader {
	return &PayloadReader{buf: b}
}

// Err returns the first decoding error.
func (r *PayloadReader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *PayloadReader) Remaining() int { return len(r.buf) }

// Done returns Err, or an error if unread bytes remain.
func (r *PayloadReader) Done() error {
	if r.err == nil && len(r.buf) != 0 {
		r.fail("%d trailing bytes", len(r.buf))
	}
	return r.err
}

func (r *PayloadReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = rerrors.New(rerrors.KindInvalidMessage, "codec.PayloadReader", format, args...)
	}
	r.buf = nil
}

func (r *PayloadReader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.buf)
	if n < 0 {
		r.fail("bad varint")
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *PayloadReader) Bool() bool {
	v := r.Uvarint()
	if v > 1 {
		r.fail("bad bool %d", v)
		return false
	}
	return v == 1
}

func (r *PayloadReader) Text() string {
	return string(r.Blob())
}

// Blob returns a length-delimited byte string. The result aliases the payload.
func (r *PayloadReader) Blob() []byte {
	if r.err != nil {
		return nil
	}
	b, n := protowire.ConsumeBytes(r.buf)
	if n < 0 {
		r.fail("bad length-delimited field")
		return nil
	}
	r.buf = r.buf[n:]
	return b
}

// Count reads a list length and rejects values larger than the remaining input.
func (r *PayloadReader) Count() int {
	c := r.Uvarint()
	if r.err == nil && c > uint64(len(r.buf)) {
		r.fail("count %d exceeds %d remaining bytes", c, len(r.buf))
		return 0
	}
	return int(c)
}

// Type reads a type written by PayloadWriter.Type.
func (r *PayloadReader) Type() Type {
	return r.typeAt(0)
}

func (r *PayloadReader) typeAt(depth int) Type {
	if r.err != nil {
		return Void
	}
	if depth > maxDepth {
		r.fail("type nested deeper than %d", maxDepth)
		return Void
	}
	if len(r.buf) == 0 {
		r.fail("truncated type")
		return Void
	}
	kind := Kind(r.buf[0])
	r.buf = r.buf[1:]
	switch kind {
	case KindVoid, KindBool, KindInt, KindUint, KindDouble, KindString, KindBytes, KindObject:
		return Type{Kind: kind}
	case KindList:
		return List(r.typeAt(depth + 1))
	case KindMap:
		key := r.typeAt(depth + 1)
		return Map(key, r.typeAt(depth+1))
	case KindRecord:
		return RecordOf(r.Text())
	}
	r.fail("unknown type kind %d", kind)
	return Void
}

// Handshake is the first frame on every connection, sent by both sides.
type Handshake struct {
	Version uint32
	NodeID  string
	Token   string
}

func (h Handshake) Marshal() []byte {
	var w PayloadWriter
	w.Uvarint(uint64(h.Version))
	w.Text(h.NodeID)
	w.Text(h.Token)
	return w.Bytes()
}

func UnmarshalHandshake(b []byte) (Handshake, error) {
	r := NewPayloadReader(b)
	h := Handshake{
		Version: uint32(r.Uvarint()),
		NodeID:  r.Text(),
		Token:   r.Text(),
	}
	return h, r.Done()
}

// Advertise announces a source on a connection together with its schema
// and a snapshot of every property value (canonical encodings, in index order).
type Advertise struct {
	Name      string
	TypeName  string
	Signature []byte
	Schema    []byte
	Snapshot  [][]byte
}

func (a Advertise) Marshal() []byte {
	var w PayloadWriter
	w.Text(a.Name)
	w.Text(a.TypeName)
	w.Blob(a.Signature)
	w.Blob(a.Schema)
	w.Uvarint(uint64(len(a.Snapshot)))
	for _, v := range a.Snapshot {
		w.Blob(v)
	}
	return w.Bytes()
}

func UnmarshalAdvertise(b []byte) (Advertise, error) {
	r := NewPayloadReader(b)
	a := Advertise{
		Name:      r.Text(),
		TypeName:  r.Text(),
		Signature: r.Blob(),
		Schema:    r.Blob(),
	}
	n := r.Count()
	if n > 0 {
		a.Snapshot = make([][]byte, n)
		for i := range a.Snapshot {
			a.Snapshot[i] = r.Blob()
		}
	}
	return a, r.Done()
}

// PropertyUpdate carries one encoded property value. It is the payload of
// both PropertyChanged (source to replica) and WriteProperty (replica to source).
type PropertyUpdate struct {
	Index uint32
	Value []byte
}

func (p PropertyUpdate) Marshal() []byte {
	var w PayloadWriter
	w.Uvarint(uint64(p.Index))
	w.Blob(p.Value)
	return w.Bytes()
}

func UnmarshalPropertyUpdate(b []byte) (PropertyUpdate, error) {
	r := NewPayloadReader(b)
	p := PropertyUpdate{Index: uint32(r.Uvarint()), Value: r.Blob()}
	return p, r.Done()
}

// Signal carries an emitted signal and its encoded arguments.
type Signal struct {
	Index uint32
	Args  []byte
}

func (s Signal) Marshal() []byte {
	var w PayloadWriter
	w.Uvarint(uint64(s.Index))
	w.Blob(s.Args)
	return w.Bytes()
}

func UnmarshalSignal(b []byte) (Signal, error) {
	r := NewPayloadReader(b)
	s := Signal{Index: uint32(r.Uvarint()), Args: r.Blob()}
	return s, r.Done()
}

// Invoke requests a method call. CallID 0 means no reply is expected.
type Invoke struct {
	Method uint32
	CallID uint64
	Args   []byte
}

func (m Invoke) Marshal() []byte {
	var w PayloadWriter
	w.Uvarint(uint64(m.Method))
	w.Uvarint(m.CallID)
	w.Blob(m.Args)
	return w.Bytes()
}

func UnmarshalInvoke(b []byte) (Invoke, error) {
	r := NewPayloadReader(b)
	m := Invoke{Method: uint32(r.Uvarint()), CallID: r.Uvarint(), Args: r.Blob()}
	return m, r.Done()
}

// Reply answers an Invoke. Either Value (OK) or ErrKind/ErrMsg is set.
type Reply struct {
	CallID  uint64
	OK      bool
	Value   []byte
	ErrKind string
	ErrMsg  string
}

func (m Reply) Marshal() []byte {
	var w PayloadWriter
	w.Uvarint(m.CallID)
	w.Bool(m.OK)
	if m.OK {
		w.Blob(m.Value)
	} else {
		w.Text(m.ErrKind)
		w.Text(m.ErrMsg)
	}
	return w.Bytes()
}

func UnmarshalReply(b []byte) (Reply, error) {
	r := NewPayloadReader(b)
	m := Reply{CallID: r.Uvarint(), OK: r.Bool()}
	if m.OK {
		m.Value = r.Blob()
	} else {
		m.ErrKind = r.Text()
		m.ErrMsg = r.Text()
	}
	return m, r.Done()
}
