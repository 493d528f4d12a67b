package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	rerrors "github.com/xiaonanln/goreplica/util/errors"
)

// FrameKind identifies the message a frame carries.
type FrameKind uint8

const (
	FrameHandshake FrameKind = iota + 1
	FrameObjectAdvertise
	FrameObjectRemove
	FramePropertyChanged
	FrameWriteProperty
	FrameInvokeMethod
	FrameMethodReply
	FrameSignalEmitted
	FrameHeartbeat
)

var frameKindNames = map[FrameKind]string{
	FrameHandshake:       "Handshake",
	FrameObjectAdvertise: "ObjectAdvertise",
	FrameObjectRemove:    "ObjectRemove",
	FramePropertyChanged: "PropertyChanged",
	FrameWriteProperty:   "WriteProperty",
	FrameInvokeMethod:    "InvokeMethod",
	FrameMethodReply:     "MethodReply",
	FrameSignalEmitted:   "SignalEmitted",
	FrameHeartbeat:       "Heartbeat",
}

func (k FrameKind) String() string {
	if name, ok := frameKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("FrameKind(%d)", uint8(k))
}

// Valid reports whether k is a known frame kind.
func (k FrameKind) Valid() bool {
	return k >= FrameHandshake && k <= FrameHeartbeat
}

// SourceOwned reports whether the object id of a k frame was assigned by the
// sender (the side owning the source). Replica-originated frames
// (WriteProperty, InvokeMethod) carry ids assigned by the receiver.
func (k FrameKind) SourceOwned() bool {
	switch k {
	case FrameObjectAdvertise, FrameObjectRemove, FramePropertyChanged, FrameSignalEmitted:
		return true
	}
	return false
}

// DefaultMaxFrameSize bounds the length field of a frame.
const DefaultMaxFrameSize = 16 << 20

// frameHeaderSize is the size of the length prefix.
const frameHeaderSize = 4

// Frame is one unit on the wire:
//
//	[length:u32 big-endian][kind:u8][objectId:varint][payload]
//
// length counts everything after itself.
type Frame struct {
	Kind     FrameKind
	ObjectID uint64
	Payload  []byte
}

// Size returns the encoded size of f including the length prefix.
func (f Frame) Size() int {
	return frameHeaderSize + 1 + protowire.SizeVarint(f.ObjectID) + len(f.Payload)
}

// AppendFrame appends the encoding of f to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	length := 1 + protowire.SizeVarint(f.ObjectID) + len(f.Payload)
	dst = binary.BigEndian.AppendUint32(dst, uint32(length))
	dst = append(dst, byte(f.Kind))
	dst = protowire.AppendVarint(dst, f.ObjectID)
	return append(dst, f.Payload...)
}

// WriteFrame writes f to w in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, f.Size()), f))
	return err
}

// ReadFrame reads one frame from r. A clean end of stream before the first
// header byte returns io.EOF unchanged; anything malformed, oversized or
// truncated is KindInvalidMessage.
func ReadFrame(r io.Reader, maxSize int) (Frame, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, rerrors.Wrap(rerrors.KindInvalidMessage, "codec.ReadFrame", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length < 2 {
		return Frame{}, rerrors.New(rerrors.KindInvalidMessage, "codec.ReadFrame", "frame length %d too short", length)
	}
	if uint64(length) > uint64(maxSize) {
		return Frame{}, rerrors.New(rerrors.KindInvalidMessage, "codec.ReadFrame", "frame length %d exceeds limit %d", length, maxSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, rerrors.Wrap(rerrors.KindInvalidMessage, "codec.ReadFrame", err)
	}
	return ParseFrame(body)
}

// ParseFrame decodes a frame body (everything after the length prefix).
func ParseFrame(body []byte) (Frame, error) {
	if len(body) < 2 {
		return Frame{}, rerrors.New(rerrors.KindInvalidMessage, "codec.ParseFrame", "frame body of %d bytes", len(body))
	}
	kind := FrameKind(body[0])
	if !kind.Valid() {
		return Frame{}, rerrors.New(rerrors.KindInvalidMessage, "codec.ParseFrame", "unknown frame kind %d", body[0])
	}
	id, n := protowire.ConsumeVarint(body[1:])
	if n < 0 {
		return Frame{}, rerrors.New(rerrors.KindInvalidMessage, "codec.ParseFrame", "bad object id")
	}
	return Frame{Kind: kind, ObjectID: id, Payload: body[1+n:]}, nil
}
