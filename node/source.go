package node

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xiaonanln/goreplica/codec"
	"github.com/xiaonanln/goreplica/object"
	"github.com/xiaonanln/goreplica/schema"
	rerrors "github.com/xiaonanln/goreplica/util/errors"
	"github.com/xiaonanln/goreplica/util/logger"
	"github.com/xiaonanln/goreplica/util/metrics"
)

// PassthroughTarget receives what replicas do to a pass-through source.
// Values and arguments stay in their wire encoding.
type PassthroughTarget interface {
	WriteProperty(index int, encoded []byte)
	// Invoke forwards a call. reply is nil when no reply is expected; otherwise
	// it must be called exactly once, from any goroutine.
	Invoke(method int, encodedArgs []byte, reply func(codec.Reply))
}

// SourceBinding publishes one object under a name. It holds the
// authoritative property values, both decoded and encoded.
type SourceBinding struct {
	node      *Node
	name      string
	schema    *schema.TypeSchema
	marshaled []byte
	obj       object.Object
	target    PassthroughTarget
	logger    *logger.Logger

	// Owned by the event loop.
	enabled  bool
	values   []any
	encoded  [][]byte
	parent   *SourceBinding
	children map[int]*SourceBinding
}

// Name returns the published name.
func (b *SourceBinding) Name() string { return b.name }

// Schema returns the published type.
func (b *SourceBinding) Schema() *schema.TypeSchema { return b.schema }

// Object returns the bound object, nil for pass-through bindings.
func (b *SourceBinding) Object() object.Object { return b.obj }

func (b *SourceBinding) String() string {
	return fmt.Sprintf("Source(%s:%s)", b.name, b.schema.TypeName)
}

// EnableRemoting publishes obj as name on every current and future connection
// and registers it with the registry when one is configured.
func (node *Node) EnableRemoting(obj object.Object, name string) (*SourceBinding, error) {
	const op = "node.EnableRemoting"
	if obj == nil || name == "" {
		return nil, node.recordError(rerrors.New(rerrors.KindInvalidArgument, op, "object and name are required"))
	}
	var b *SourceBinding
	var err error
	if callErr := node.call(op, func() { b, err = node.enableLocked(obj, name, nil) }); callErr != nil {
		return nil, node.recordError(callErr)
	}
	if err != nil {
		return nil, node.recordError(err)
	}
	return b, nil
}

// EnablePassthrough publishes a source whose values come from elsewhere in
// encoded form. Writes and invocations from replicas go to target.
func (node *Node) EnablePassthrough(name string, ts *schema.TypeSchema, snapshot [][]byte, target PassthroughTarget) (*SourceBinding, error) {
	const op = "node.EnablePassthrough"
	if ts == nil || target == nil || name == "" {
		return nil, node.recordError(rerrors.New(rerrors.KindInvalidArgument, op, "name, schema and target are required"))
	}
	if len(snapshot) != len(ts.Properties) {
		return nil, node.recordError(rerrors.New(rerrors.KindInvalidArgument, op, "snapshot has %d values for %d properties", len(snapshot), len(ts.Properties)))
	}
	var b *SourceBinding
	var err error
	callErr := node.call(op, func() {
		if _, ok := node.sources[name]; ok {
			err = rerrors.New(rerrors.KindNameInUse, op, "%s is already enabled", name)
			return
		}
		b = node.newBinding(name, ts)
		b.target = target
		for i := range snapshot {
			b.encoded[i] = append([]byte(nil), snapshot[i]...)
		}
		node.publish(b)
	})
	if callErr != nil {
		return nil, node.recordError(callErr)
	}
	if err != nil {
		return nil, node.recordError(err)
	}
	return b, nil
}

func (node *Node) newBinding(name string, ts *schema.TypeSchema) *SourceBinding {
	return &SourceBinding{
		node:      node,
		name:      name,
		schema:    ts,
		marshaled: schema.Marshal(ts),
		logger:    logger.NewLogger(fmt.Sprintf("Source@%s", name)),
		values:    make([]any, len(ts.Properties)),
		encoded:   make([][]byte, len(ts.Properties)),
		children:  make(map[int]*SourceBinding),
	}
}

func (node *Node) enableLocked(obj object.Object, name string, parent *SourceBinding) (*SourceBinding, error) {
	const op = "node.EnableRemoting"
	if _, ok := node.sources[name]; ok {
		return nil, rerrors.New(rerrors.KindNameInUse, op, "%s is already enabled", name)
	}
	ts := obj.Schema()
	if ts == nil {
		return nil, rerrors.New(rerrors.KindInvalidArgument, op, "%s has no schema", name)
	}
	values := obj.Properties()
	if len(values) != len(ts.Properties) {
		return nil, rerrors.New(rerrors.KindInvalidArgument, op, "%s returned %d values for %d properties", name, len(values), len(ts.Properties))
	}

	b := node.newBinding(name, ts)
	b.obj = obj
	b.parent = parent

	// Reserve the name so children cannot take it.
	node.sources[name] = b
	for i, p := range ts.Properties {
		v, err := b.prepareValue(i, values[i])
		if err == nil {
			b.values[i] = v
			b.encoded[i], err = ts.EncodeProperty(i, v)
		}
		if err != nil {
			for _, child := range b.children {
				node.disableLocked(child)
			}
			delete(node.sources, name)
			return nil, fmt.Errorf("property %s.%s: %w", name, p.Name, err)
		}
	}

	if bindable, ok := obj.(object.Bindable); ok {
		bindable.Bind(b)
	}
	node.publish(b)
	return b, nil
}

// prepareValue normalizes v for property i, enabling child objects as nested sources.
func (b *SourceBinding) prepareValue(i int, v any) (any, error) {
	p := b.schema.Properties[i]
	if p.Type.Kind == codec.KindObject {
		if childObj, ok := v.(object.Object); ok {
			child, err := b.node.enableLocked(childObj, b.childName(i), b)
			if err != nil {
				return nil, err
			}
			b.children[i] = child
			return codec.ObjectRef{Name: child.name, TypeName: child.schema.TypeName}, nil
		}
	}
	return codec.Normalize(v, p.Type, b.schema.Records())
}

func (b *SourceBinding) childName(i int) string {
	return b.name + "/" + b.schema.Properties[i].Name
}

// publish marks b enabled and advertises it everywhere.
func (node *Node) publish(b *SourceBinding) {
	node.sources[b.name] = b
	b.enabled = true
	for _, l := range node.links {
		b.advertise(l)
	}
	node.registerSource(b)
	metrics.SetSourcesEnabled(node.id, len(node.sources))
	node.logger.Infof("Enabled %s", b)
}

// advertise assigns b an id on l and sends its advertisement.
func (b *SourceBinding) advertise(l *link) {
	if !b.enabled {
		return
	}
	if oldID, ok := l.sourceIDs[b]; ok {
		delete(l.sourcesByID, oldID)
	}
	l.nextSourceID++
	id := l.nextSourceID
	l.sourceIDs[b] = id
	l.sourcesByID[id] = b

	sig := b.schema.Signature()
	msg := codec.Advertise{
		Name:      b.name,
		TypeName:  b.schema.TypeName,
		Signature: sig[:],
		Schema:    b.marshaled,
		Snapshot:  b.encoded,
	}
	l.send(codec.FrameObjectAdvertise, id, msg.Marshal())
}

// DisableRemoting withdraws the source published as name. Replicas observe Suspect.
func (node *Node) DisableRemoting(name string) error {
	const op = "node.DisableRemoting"
	var err error
	callErr := node.call(op, func() {
		b, ok := node.sources[name]
		if !ok {
			err = rerrors.New(rerrors.KindNotBound, op, "%s is not enabled", name)
			return
		}
		node.disableLocked(b)
	})
	if callErr != nil {
		return node.recordError(callErr)
	}
	return node.recordError(err)
}

// Disable withdraws b. It fails with NotBound if b was already disabled.
func (b *SourceBinding) Disable() error {
	const op = "SourceBinding.Disable"
	node := b.node
	var err error
	callErr := node.call(op, func() {
		if !b.enabled || node.sources[b.name] != b {
			err = rerrors.New(rerrors.KindNotBound, op, "%s is not enabled", b.name)
			return
		}
		node.disableLocked(b)
	})
	if callErr != nil {
		return node.recordError(callErr)
	}
	return node.recordError(err)
}

func (node *Node) disableLocked(b *SourceBinding) {
	if !b.enabled && node.sources[b.name] != b {
		return
	}
	for i, child := range b.children {
		delete(b.children, i)
		node.disableLocked(child)
	}
	if b.parent != nil {
		for i, c := range b.parent.children {
			if c == b {
				delete(b.parent.children, i)
			}
		}
	}

	for _, l := range node.links {
		id, ok := l.sourceIDs[b]
		if !ok {
			continue
		}
		l.send(codec.FrameObjectRemove, id, nil)
		delete(l.sourceIDs, b)
		delete(l.sourcesByID, id)
	}

	if node.sources[b.name] == b {
		delete(node.sources, b.name)
	}
	wasEnabled := b.enabled
	b.enabled = false
	b.unbindObject()
	if wasEnabled {
		node.unregisterSource(b)
	}
	metrics.SetSourcesEnabled(node.id, len(node.sources))
	node.logger.Infof("Disabled %s", b)
}

func (b *SourceBinding) unbindObject() {
	if bindable, ok := b.obj.(object.Bindable); ok {
		bindable.Bind(nil)
	}
}

// SetProperty changes property index and replicates the change. The value is
// validated immediately; the change itself is applied on the event loop.
// Setting a property to its current value sends nothing.
func (b *SourceBinding) SetProperty(index int, value any) error {
	const op = "SourceBinding.SetProperty"
	if b.target != nil {
		return rerrors.New(rerrors.KindInvalidArgument, op, "%s is a pass-through source", b.name)
	}
	if index < 0 || index >= len(b.schema.Properties) {
		return rerrors.New(rerrors.KindInvalidArgument, op, "%s has no property %d", b.name, index)
	}
	p := b.schema.Properties[index]
	if p.Modifier == schema.Constant {
		return rerrors.New(rerrors.KindConstantProperty, op, "%s.%s is constant", b.name, p.Name)
	}

	if p.Type.Kind == codec.KindObject {
		if childObj, ok := value.(object.Object); ok {
			if !b.node.post(func() { b.replaceChild(index, childObj) }) {
				return rerrors.New(rerrors.KindNotBound, op, "node is stopped")
			}
			return nil
		}
	}

	v, err := codec.Normalize(value, p.Type, b.schema.Records())
	if err != nil {
		return err
	}
	enc, err := b.schema.EncodeProperty(index, v)
	if err != nil {
		return err
	}
	if !b.node.post(func() { b.applyLocal(index, v, enc) }) {
		return rerrors.New(rerrors.KindNotBound, op, "node is stopped")
	}
	return nil
}

// Set is SetProperty by property name.
func (b *SourceBinding) Set(name string, value any) error {
	i, ok := b.schema.PropertyIndex(name)
	if !ok {
		return rerrors.New(rerrors.KindInvalidArgument, "SourceBinding.Set", "%s has no property %q", b.name, name)
	}
	return b.SetProperty(i, value)
}

// SetEncodedProperty changes a property of a pass-through source.
func (b *SourceBinding) SetEncodedProperty(index int, encoded []byte) error {
	const op = "SourceBinding.SetEncodedProperty"
	if index < 0 || index >= len(b.schema.Properties) {
		return rerrors.New(rerrors.KindInvalidArgument, op, "%s has no property %d", b.name, index)
	}
	enc := append([]byte(nil), encoded...)
	if !b.node.post(func() { b.applyLocal(index, nil, enc) }) {
		return rerrors.New(rerrors.KindNotBound, op, "node is stopped")
	}
	return nil
}

func (b *SourceBinding) replaceChild(index int, childObj object.Object) {
	if !b.enabled {
		return
	}
	if old, ok := b.children[index]; ok {
		if old.obj == childObj {
			return
		}
		b.node.disableLocked(old)
	}
	child, err := b.node.enableLocked(childObj, b.childName(index), b)
	if err != nil {
		b.logger.Errorf("Failed to enable child %s: %v", b.childName(index), err)
		return
	}
	b.children[index] = child
	ref := codec.ObjectRef{Name: child.name, TypeName: child.schema.TypeName}
	enc, _ := b.schema.EncodeProperty(index, ref)
	b.applyLocal(index, ref, enc)
}

// applyLocal stores a new value and sends it to every replica. v is nil for pass-through bindings.
func (b *SourceBinding) applyLocal(index int, v any, enc []byte) {
	if !b.enabled || bytes.Equal(b.encoded[index], enc) {
		return
	}
	if child, ok := b.children[index]; ok {
		if ref, _ := v.(codec.ObjectRef); ref.Name != child.name {
			delete(b.children, index)
			b.node.disableLocked(child)
		}
	}

	b.values[index] = v
	b.encoded[index] = enc
	if observer, ok := b.obj.(object.PropertyObserver); ok && v != nil {
		observer.PropertyChanged(index, v)
	}
	metrics.RecordPropertyUpdate(b.node.id, b.schema.TypeName)

	payload := codec.PropertyUpdate{Index: uint32(index), Value: enc}.Marshal()
	b.fanout(codec.FramePropertyChanged, payload)
}

// setLocal is SetProperty for code already running on the event loop.
func (b *SourceBinding) setLocal(index int, value any) error {
	v, err := codec.Normalize(value, b.schema.Properties[index].Type, b.schema.Records())
	if err != nil {
		return err
	}
	enc, err := b.schema.EncodeProperty(index, v)
	if err != nil {
		return err
	}
	b.applyLocal(index, v, enc)
	return nil
}

func (b *SourceBinding) fanout(kind codec.FrameKind, payload []byte) {
	for _, l := range b.node.links {
		if id, ok := l.sourceIDs[b]; ok {
			l.send(kind, id, payload)
		}
	}
}

// EmitSignal sends signal index with args to every replica.
func (b *SourceBinding) EmitSignal(index int, args ...any) error {
	const op = "SourceBinding.EmitSignal"
	if index < 0 || index >= len(b.schema.Signals) {
		return rerrors.New(rerrors.KindInvalidArgument, op, "%s has no signal %d", b.name, index)
	}
	enc, err := codec.EncodeArgs(args, b.schema.Signals[index].Params, b.schema.Records())
	if err != nil {
		return err
	}
	return b.EmitEncodedSignal(index, enc)
}

// Emit is EmitSignal by signal name.
func (b *SourceBinding) Emit(name string, args ...any) error {
	i, ok := b.schema.SignalIndex(name)
	if !ok {
		return rerrors.New(rerrors.KindInvalidArgument, "SourceBinding.Emit", "%s has no signal %q", b.name, name)
	}
	return b.EmitSignal(i, args...)
}

// EmitEncodedSignal sends already encoded signal arguments.
func (b *SourceBinding) EmitEncodedSignal(index int, encodedArgs []byte) error {
	payload := codec.Signal{Index: uint32(index), Args: encodedArgs}.Marshal()
	if !b.node.post(func() { b.emitLocal(payload) }) {
		return rerrors.New(rerrors.KindNotBound, "SourceBinding.EmitSignal", "node is stopped")
	}
	return nil
}

func (b *SourceBinding) emitLocal(payload []byte) {
	if b.enabled {
		b.fanout(codec.FrameSignalEmitted, payload)
	}
}

func (b *SourceBinding) handleWrite(l *link, msg codec.PropertyUpdate) error {
	idx := int(msg.Index)
	if idx >= len(b.schema.Properties) {
		return rerrors.New(rerrors.KindInvalidMessage, "node.writeProperty", "%s has no property %d", b.name, idx)
	}
	p := b.schema.Properties[idx]
	if !p.Modifier.Writable() {
		b.logger.Warnf("Ignoring write to %s property %s from %s", p.Modifier, p.Name, l.conn.PeerNodeID())
		return nil
	}
	if b.target != nil {
		b.target.WriteProperty(idx, msg.Value)
		return nil
	}
	if p.Type.Kind == codec.KindObject {
		b.logger.Warnf("Ignoring write to object property %s from %s", p.Name, l.conn.PeerNodeID())
		return nil
	}

	v, err := b.schema.DecodeProperty(idx, msg.Value)
	if err != nil {
		return err
	}
	enc := msg.Value
	if writer, ok := b.obj.(object.PropertyWriter); ok {
		nv, err := writer.WriteProperty(b.node.invokeContext(l), idx, v)
		if err != nil {
			b.logger.Warnf("Write to %s from %s rejected: %v", p.Name, l.conn.PeerNodeID(), err)
			return nil
		}
		if v, err = codec.Normalize(nv, p.Type, b.schema.Records()); err == nil {
			enc, err = b.schema.EncodeProperty(idx, v)
		}
		if err != nil {
			b.logger.Errorf("Write hook returned a bad value for %s: %v", p.Name, err)
			return nil
		}
	}
	b.applyLocal(idx, v, enc)
	return nil
}

func (b *SourceBinding) handleInvoke(l *link, id uint64, msg codec.Invoke) error {
	idx := int(msg.Method)
	if idx >= len(b.schema.Methods) {
		return rerrors.New(rerrors.KindInvalidMessage, "node.invoke", "%s has no method %d", b.name, idx)
	}
	m := b.schema.Methods[idx]
	start := time.Now()

	if b.target != nil {
		var reply func(codec.Reply)
		if msg.CallID != 0 {
			reply = func(r codec.Reply) {
				r.CallID = msg.CallID
				b.node.post(func() { b.sendReply(l, id, r, m.Name, start) })
			}
		}
		b.target.Invoke(idx, msg.Args, reply)
		return nil
	}

	args, err := codec.DecodeArgs(msg.Args, m.Params, b.schema.Records())
	if err != nil {
		return err
	}
	result, err := b.obj.Invoke(b.node.invokeContext(l), idx, args)
	if d, ok := result.(*object.Deferred); ok && err == nil {
		go func() {
			select {
			case <-d.Done():
				value, err := d.Result()
				b.node.post(func() { b.reply(l, id, msg, m, value, err, start) })
			case <-b.node.ctx.Done():
			}
		}()
		return nil
	}
	b.reply(l, id, msg, m, result, err, start)
	return nil
}

func (b *SourceBinding) reply(l *link, id uint64, msg codec.Invoke, m schema.Method, value any, err error, start time.Time) {
	r := codec.Reply{CallID: msg.CallID}
	if err == nil && !m.Return.IsVoid() {
		r.Value, err = codec.EncodeValue(value, m.Return, b.schema.Records())
	}
	if err != nil {
		kind := rerrors.KindOf(err)
		if kind == "" {
			kind = rerrors.KindRemoteError
		}
		r.ErrKind = string(kind)
		r.ErrMsg = err.Error()
	} else {
		r.OK = true
	}

	if m.Return.IsVoid() || msg.CallID == 0 {
		b.recordCall(m.Name, r.OK, start)
		return
	}
	b.sendReply(l, id, r, m.Name, start)
}

func (b *SourceBinding) sendReply(l *link, id uint64, r codec.Reply, method string, start time.Time) {
	b.recordCall(method, r.OK, start)
	if _, open := b.node.links[l.conn]; !open {
		return
	}
	l.send(codec.FrameMethodReply, id, r.Marshal())
}

func (b *SourceBinding) recordCall(method string, ok bool, start time.Time) {
	status := "success"
	if !ok {
		status = "error"
	}
	metrics.RecordMethodCall(b.node.id, b.schema.TypeName, method, status)
	metrics.RecordMethodCallDuration(b.node.id, b.schema.TypeName, method, status, time.Since(start).Seconds())
}

// Property returns the authoritative value of the named property. It waits
// for the event loop, so changes posted earlier are visible.
func (b *SourceBinding) Property(name string) any {
	i, ok := b.schema.PropertyIndex(name)
	if !ok {
		return nil
	}
	var v any
	b.node.call("SourceBinding.Property", func() { v = b.values[i] })
	return v
}

// Enabled reports whether the binding is still published.
func (b *SourceBinding) Enabled() bool {
	enabled := false
	b.node.call("SourceBinding.Enabled", func() { enabled = b.enabled })
	return enabled
}
