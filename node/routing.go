package node

import (
	"bytes"
	"context"

	"github.com/xiaonanln/goreplica/codec"
	"github.com/xiaonanln/goreplica/connection"
	"github.com/xiaonanln/goreplica/schema"
	"github.com/xiaonanln/goreplica/util/callcontext"
	rerrors "github.com/xiaonanln/goreplica/util/errors"
	"github.com/xiaonanln/goreplica/util/metrics"
)

// connHandler forwards connection events into the node's event loop.
type connHandler struct {
	node   *Node
	scheme string
}

func (h *connHandler) OnOpen(c *connection.Connection) {
	h.node.post(func() { h.node.handleOpen(c, h.scheme) })
}

func (h *connHandler) OnFrame(c *connection.Connection, f codec.Frame) {
	h.node.post(func() { h.node.handleFrame(c, f) })
}

func (h *connHandler) OnClosed(c *connection.Connection, err error) {
	h.node.post(func() { h.node.handleClosed(c, err) })
}

// link is the node's state for one open connection. Each side numbers its
// own sources; advertise, remove, property and signal frames use the
// sender's numbering, write and invoke frames the receiver's.
type link struct {
	conn   *connection.Connection
	scheme string

	nextSourceID uint64
	sourceIDs    map[*SourceBinding]uint64
	sourcesByID  map[uint64]*SourceBinding

	remotes      map[uint64]*remoteObject
	remoteByName map[string]uint64

	calls map[uint64]*PendingCall
}

func newLink(c *connection.Connection, scheme string) *link {
	return &link{
		conn:         c,
		scheme:       scheme,
		sourceIDs:    make(map[*SourceBinding]uint64),
		sourcesByID:  make(map[uint64]*SourceBinding),
		remotes:      make(map[uint64]*remoteObject),
		remoteByName: make(map[string]uint64),
		calls:        make(map[uint64]*PendingCall),
	}
}

func (l *link) send(kind codec.FrameKind, id uint64, payload []byte) error {
	return l.conn.Send(codec.Frame{Kind: kind, ObjectID: id, Payload: payload})
}

// remoteObject is a source the peer advertised, with its latest values.
type remoteObject struct {
	id        uint64
	name      string
	signature schema.Signature
	schema    *schema.TypeSchema
	values    [][]byte
}

type linkKey struct{}

// invokeContext carries the calling peer into Object.Invoke and PropertyWriter.
func (node *Node) invokeContext(l *link) context.Context {
	ctx := callcontext.WithPeer(node.ctx, callcontext.Peer{
		NodeID:  l.conn.PeerNodeID(),
		Address: l.conn.RemoteAddr(),
		Local:   l.conn.Local(),
	})
	return context.WithValue(ctx, linkKey{}, l)
}

func linkFrom(ctx context.Context) *link {
	l, _ := ctx.Value(linkKey{}).(*link)
	return l
}

func (node *Node) handleOpen(c *connection.Connection, scheme string) {
	if node.stopped.Load() {
		c.Close()
		return
	}
	l := newLink(c, scheme)
	node.links[c] = l
	metrics.RecordConnectionOpened(node.id, scheme)
	node.logger.Infof("Connection to %s open (%s)", c.PeerNodeID(), c.RemoteAddr())

	for _, b := range node.sources {
		b.advertise(l)
	}
}

func (node *Node) handleClosed(c *connection.Connection, err error) {
	l, ok := node.links[c]
	if !ok {
		return
	}
	node.logger.Infof("Connection to %s closed: %v", c.PeerNodeID(), err)
	node.dropLink(l, rerrors.Wrap(rerrors.KindNoConnection, "node.connection", err))
}

// dropLink forgets l: replicas fed by it become Suspect and its calls fail.
func (node *Node) dropLink(l *link, reason error) {
	delete(node.links, l.conn)
	metrics.RecordConnectionClosed(node.id, l.scheme)

	for _, ro := range l.remotes {
		node.remoteGone(l, ro, reason)
	}
	for id, pc := range l.calls {
		delete(l.calls, id)
		pc.fail(CallFailed, reason)
	}
	if node.registryHost != nil {
		node.registryHost.linkClosed(l)
	}
}

func (node *Node) handleFrame(c *connection.Connection, f codec.Frame) {
	l, ok := node.links[c]
	if !ok {
		return
	}
	if err := node.dispatch(l, f); err != nil {
		node.logger.Warnf("Closing connection to %s: %v", c.PeerNodeID(), err)
		c.CloseWithError(err)
	}
}

func (node *Node) dispatch(l *link, f codec.Frame) error {
	const op = "node.dispatch"
	switch f.Kind {
	case codec.FrameObjectAdvertise:
		msg, err := codec.UnmarshalAdvertise(f.Payload)
		if err != nil {
			return err
		}
		return node.handleAdvertise(l, f.ObjectID, msg)

	case codec.FrameObjectRemove:
		ro, ok := l.remotes[f.ObjectID]
		if !ok {
			return rerrors.New(rerrors.KindInvalidMessage, op, "remove of unknown object %d", f.ObjectID)
		}
		delete(l.remotes, ro.id)
		if l.remoteByName[ro.name] == ro.id {
			delete(l.remoteByName, ro.name)
		}
		node.remoteGone(l, ro, rerrors.New(rerrors.KindNoConnection, op, "source %s was removed", ro.name))
		return nil

	case codec.FramePropertyChanged:
		msg, err := codec.UnmarshalPropertyUpdate(f.Payload)
		if err != nil {
			return err
		}
		return node.handlePropertyChanged(l, f.ObjectID, msg)

	case codec.FrameSignalEmitted:
		msg, err := codec.UnmarshalSignal(f.Payload)
		if err != nil {
			return err
		}
		return node.handleSignal(l, f.ObjectID, msg)

	case codec.FrameWriteProperty:
		msg, err := codec.UnmarshalPropertyUpdate(f.Payload)
		if err != nil {
			return err
		}
		b, ok := l.sourcesByID[f.ObjectID]
		if !ok {
			node.logger.Debugf("Write to unknown source %d from %s ignored", f.ObjectID, l.conn.PeerNodeID())
			return nil
		}
		return b.handleWrite(l, msg)

	case codec.FrameInvokeMethod:
		msg, err := codec.UnmarshalInvoke(f.Payload)
		if err != nil {
			return err
		}
		b, ok := l.sourcesByID[f.ObjectID]
		if !ok {
			if msg.CallID != 0 {
				reply := codec.Reply{CallID: msg.CallID, ErrKind: string(rerrors.KindNotBound), ErrMsg: "source is no longer enabled"}
				l.send(codec.FrameMethodReply, f.ObjectID, reply.Marshal())
			}
			return nil
		}
		return b.handleInvoke(l, f.ObjectID, msg)

	case codec.FrameMethodReply:
		msg, err := codec.UnmarshalReply(f.Payload)
		if err != nil {
			return err
		}
		pc, ok := l.calls[msg.CallID]
		if !ok {
			// Already timed out.
			return nil
		}
		delete(l.calls, msg.CallID)
		pc.finishReply(msg)
		return nil
	}
	return rerrors.New(rerrors.KindInvalidMessage, op, "unexpected %s frame", f.Kind)
}

func (node *Node) handleAdvertise(l *link, id uint64, msg codec.Advertise) error {
	const op = "node.advertise"
	if len(msg.Signature) != len(schema.Signature{}) {
		return rerrors.New(rerrors.KindInvalidMessage, op, "signature of %s has %d bytes", msg.Name, len(msg.Signature))
	}
	ts, err := schema.Unmarshal(msg.Schema)
	if err != nil {
		return err
	}
	sig := ts.Signature()
	if !bytes.Equal(sig[:], msg.Signature) || ts.TypeName != msg.TypeName {
		return rerrors.New(rerrors.KindInvalidMessage, op, "advertised schema of %s does not match its signature", msg.Name)
	}
	if len(msg.Snapshot) != len(ts.Properties) {
		return rerrors.New(rerrors.KindInvalidMessage, op, "snapshot of %s has %d values for %d properties", msg.Name, len(msg.Snapshot), len(ts.Properties))
	}
	for i, b := range msg.Snapshot {
		if _, err := ts.DecodeProperty(i, b); err != nil {
			return err
		}
	}

	if oldID, ok := l.remoteByName[msg.Name]; ok && oldID != id {
		delete(l.remotes, oldID)
	}
	ro := &remoteObject{id: id, name: msg.Name, signature: sig, schema: ts, values: msg.Snapshot}
	l.remotes[id] = ro
	l.remoteByName[msg.Name] = id
	node.logger.Debugf("%s advertised %s (%s) as %d", l.conn.PeerNodeID(), msg.Name, msg.TypeName, id)

	for _, r := range node.replicas[msg.Name] {
		r.offer(l, ro)
	}
	return nil
}

func (node *Node) handlePropertyChanged(l *link, id uint64, msg codec.PropertyUpdate) error {
	ro, ok := l.remotes[id]
	if !ok {
		return rerrors.New(rerrors.KindInvalidMessage, "node.propertyChanged", "unknown object %d", id)
	}
	idx := int(msg.Index)
	if idx >= len(ro.schema.Properties) {
		return rerrors.New(rerrors.KindInvalidMessage, "node.propertyChanged", "%s has no property %d", ro.name, idx)
	}
	if _, err := ro.schema.DecodeProperty(idx, msg.Value); err != nil {
		return err
	}
	ro.values[idx] = msg.Value

	for _, r := range node.attachedReplicas(l, ro) {
		r.applyValue(idx, msg.Value)
	}
	return nil
}

func (node *Node) handleSignal(l *link, id uint64, msg codec.Signal) error {
	ro, ok := l.remotes[id]
	if !ok {
		return rerrors.New(rerrors.KindInvalidMessage, "node.signal", "unknown object %d", id)
	}
	idx := int(msg.Index)
	if idx >= len(ro.schema.Signals) {
		return rerrors.New(rerrors.KindInvalidMessage, "node.signal", "%s has no signal %d", ro.name, idx)
	}
	args, err := codec.DecodeArgs(msg.Args, ro.schema.Signals[idx].Params, ro.schema.Records())
	if err != nil {
		return err
	}
	for _, r := range node.attachedReplicas(l, ro) {
		r.deliverSignal(idx, args, msg.Args)
	}
	return nil
}

// attachedReplicas returns the replicas fed by ro on l.
func (node *Node) attachedReplicas(l *link, ro *remoteObject) []*Replica {
	var out []*Replica
	for _, r := range node.replicas[ro.name] {
		if r.link == l && r.remoteID == ro.id {
			out = append(out, r)
		}
	}
	return out
}

// remoteGone detaches replicas fed by ro and lets them look for another source.
func (node *Node) remoteGone(l *link, ro *remoteObject, reason error) {
	for _, r := range node.attachedReplicas(l, ro) {
		r.lost(reason)
	}
	for _, r := range node.replicas[ro.name] {
		if r.link == nil {
			node.attachReplica(r)
		}
	}
}

// findRemote returns an open link that currently advertises name.
func (node *Node) findRemote(name string) (*link, *remoteObject) {
	for _, l := range node.links {
		if id, ok := l.remoteByName[name]; ok {
			return l, l.remotes[id]
		}
	}
	return nil, nil
}

// attachReplica feeds r from a buffered advertisement, or starts discovery.
func (node *Node) attachReplica(r *Replica) {
	if l, ro := node.findRemote(r.name); ro != nil {
		r.offer(l, ro)
		return
	}
	node.discover(r.name)
}
