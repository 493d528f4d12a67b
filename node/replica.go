package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaonanln/goreplica/codec"
	"github.com/xiaonanln/goreplica/object"
	"github.com/xiaonanln/goreplica/schema"
	rerrors "github.com/xiaonanln/goreplica/util/errors"
	"github.com/xiaonanln/goreplica/util/logger"
	"github.com/xiaonanln/goreplica/util/metrics"
)

// State is the lifecycle of a Replica.
type State int32

const (
	// Default is the state before acquisition.
	Default State = iota
	// Uninitialized replicas wait for their source's first advertisement.
	Uninitialized
	// Valid replicas mirror their source.
	Valid
	// Suspect replicas were Valid and lost their source.
	Suspect
	// SignatureMismatch replicas found a source of an incompatible type.
	SignatureMismatch
)

func (s State) String() string {
	switch s {
	case Default:
		return "Default"
	case Uninitialized:
		return "Uninitialized"
	case Valid:
		return "Valid"
	case Suspect:
		return "Suspect"
	case SignatureMismatch:
		return "SignatureMismatch"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Replica is a local mirror of a remote source. Property values are cached;
// event callbacks run on the node's event loop and must not block.
type Replica struct {
	node     *Node
	name     string
	expected *schema.TypeSchema
	logger   *logger.Logger

	state     atomic.Int32
	ready     chan struct{}
	readyOnce sync.Once

	mu      sync.RWMutex
	schema  *schema.TypeSchema
	values  []any
	encoded [][]byte
	// sourceNode is the node that last made the replica Valid.
	sourceNode string

	// Owned by the event loop.
	link     *link
	remoteID uint64
	queue    []func()
	inflight map[*PendingCall]struct{}
	released bool
	hasData  bool

	listenersMu   sync.Mutex
	onState       []func(from, to State)
	onProperty    []func(index int, value any)
	onSignal      []func(index int, args []any)
	onRawProperty []func(index int, encoded []byte)
	onRawSignal   []func(index int, encodedArgs []byte)
}

func newReplica(node *Node, name string, expected *schema.TypeSchema) *Replica {
	r := &Replica{
		node:     node,
		name:     name,
		expected: expected,
		logger:   logger.NewLogger(fmt.Sprintf("Replica@%s", name)),
		ready:    make(chan struct{}),
		inflight: make(map[*PendingCall]struct{}),
	}
	if expected != nil {
		r.schema = expected
		r.values = make([]any, len(expected.Properties))
		r.encoded = make([][]byte, len(expected.Properties))
		for i, p := range expected.Properties {
			r.values[i] = schema.ZeroValue(p.Type, expected.Records())
			r.encoded[i], _ = expected.EncodeProperty(i, r.values[i])
		}
	}
	return r
}

// Acquire returns a replica of the source published as name, checked against
// expected. It starts Uninitialized and becomes Valid once a source with the
// same signature advertises itself.
func (node *Node) Acquire(name string, expected *schema.TypeSchema) *Replica {
	r := newReplica(node, name, expected)
	if expected != nil && node.started.Load() && !node.stopped.Load() {
		node.loadPersisted(r)
	}
	if err := node.call("node.Acquire", func() { node.acquireLocked(r) }); err != nil {
		node.recordError(err)
	}
	return r
}

// AcquireDynamic returns a replica that adopts whatever schema its source advertises.
func (node *Node) AcquireDynamic(name string) *Replica {
	return node.Acquire(name, nil)
}

func (node *Node) acquireLocked(r *Replica) {
	node.replicas[r.name] = append(node.replicas[r.name], r)
	r.setState(Uninitialized)
	node.attachReplica(r)
}

func (node *Node) removeReplica(r *Replica) {
	list := node.replicas[r.name]
	for i, x := range list {
		if x == r {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(node.replicas, r.name)
	} else {
		node.replicas[r.name] = list
	}
}

// loadPersisted fills r's cache from the persistence provider before it is
// registered, so stale values are readable right after Acquire.
func (node *Node) loadPersisted(r *Replica) {
	provider := node.cfg.Persistence
	if provider == nil || !r.expected.HasPersisted() {
		return
	}
	var loaded map[int]any
	err := <-node.pool.Submit(func(ctx context.Context) error {
		var err error
		loaded, err = object.LoadProperties(ctx, provider, r.expected)
		return err
	})
	if errors.Is(err, object.ErrPropertiesNotFound) {
		return
	}
	if err != nil {
		r.logger.Warnf("Failed to load persisted properties: %v", err)
		return
	}
	r.mu.Lock()
	for i, v := range loaded {
		r.values[i] = v
		r.encoded[i], _ = r.expected.EncodeProperty(i, v)
	}
	r.mu.Unlock()
	r.hasData = true
	r.logger.Debugf("Loaded %d persisted properties", len(loaded))
}

// Name returns the name of the mirrored source.
func (r *Replica) Name() string { return r.name }

// State returns the current state.
func (r *Replica) State() State { return State(r.state.Load()) }

// SourceNodeID returns the id of the node whose source last validated the
// replica, empty before the first advertisement.
func (r *Replica) SourceNodeID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sourceNode
}

// IsDynamic reports whether the replica adopts its schema from the source.
func (r *Replica) IsDynamic() bool { return r.expected == nil }

// Schema returns the schema in use, nil for a dynamic replica that has not seen its source.
func (r *Replica) Schema() *schema.TypeSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schema
}

func (r *Replica) typeName() string {
	if ts := r.Schema(); ts != nil {
		return ts.TypeName
	}
	return "unknown"
}

func (r *Replica) String() string {
	return fmt.Sprintf("Replica(%s:%s, %s)", r.name, r.typeName(), r.State())
}

// Property returns the cached value of the named property, nil if unknown.
func (r *Replica) Property(name string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.schema == nil {
		return nil
	}
	i, ok := r.schema.PropertyIndex(name)
	if !ok {
		return nil
	}
	return r.values[i]
}

// PropertyAt returns the cached value of property index.
func (r *Replica) PropertyAt(index int) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.values) {
		return nil
	}
	return r.values[index]
}

// Properties returns a copy of every cached value in index order.
func (r *Replica) Properties() []any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]any(nil), r.values...)
}

// EncodedProperties returns the cached values in wire form.
func (r *Replica) EncodedProperties() [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([][]byte(nil), r.encoded...)
}

// WaitForSource blocks the calling goroutine until the replica left
// Default and Uninitialized, or timeout elapsed.
func (r *Replica) WaitForSource(timeout time.Duration) bool {
	if s := r.State(); s != Default && s != Uninitialized {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.ready:
		return true
	case <-timer.C:
		return false
	}
}

// OnStateChanged registers fn for state transitions.
func (r *Replica) OnStateChanged(fn func(from, to State)) {
	r.listenersMu.Lock()
	r.onState = append(r.onState, fn)
	r.listenersMu.Unlock()
}

// OnPropertyChanged registers fn for cached values that actually changed.
func (r *Replica) OnPropertyChanged(fn func(index int, value any)) {
	r.listenersMu.Lock()
	r.onProperty = append(r.onProperty, fn)
	r.listenersMu.Unlock()
}

// OnSignal registers fn for signals emitted by the source.
func (r *Replica) OnSignal(fn func(index int, args []any)) {
	r.listenersMu.Lock()
	r.onSignal = append(r.onSignal, fn)
	r.listenersMu.Unlock()
}

// OnRawPropertyChanged is OnPropertyChanged with the value in wire form.
func (r *Replica) OnRawPropertyChanged(fn func(index int, encoded []byte)) {
	r.listenersMu.Lock()
	r.onRawProperty = append(r.onRawProperty, fn)
	r.listenersMu.Unlock()
}

// OnRawSignal is OnSignal with the arguments in wire form.
func (r *Replica) OnRawSignal(fn func(index int, encodedArgs []byte)) {
	r.listenersMu.Lock()
	r.onRawSignal = append(r.onRawSignal, fn)
	r.listenersMu.Unlock()
}

func (r *Replica) setState(s State) {
	old := State(r.state.Swap(int32(s)))
	if old == s {
		return
	}
	metrics.RecordReplicaState(r.node.id, s.String())
	r.logger.Debugf("%s -> %s", old, s)
	if s != Default && s != Uninitialized {
		r.readyOnce.Do(func() { close(r.ready) })
	}

	r.listenersMu.Lock()
	listeners := slices.Clone(r.onState)
	r.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(old, s)
	}
}

// offer is called on the event loop when ro is advertised on l.
func (r *Replica) offer(l *link, ro *remoteObject) {
	if r.released {
		return
	}
	if r.link != nil && r.link != l && r.State() == Valid {
		return
	}
	r.link, r.remoteID = l, ro.id

	if r.expected != nil && ro.signature != r.expected.Signature() {
		r.logger.Warnf("Source on %s has signature %s, expected %s", l.conn.PeerNodeID(), ro.signature, r.expected.Signature())
		r.setState(SignatureMismatch)
		return
	}

	peer := l.conn.PeerNodeID()
	r.mu.Lock()
	if r.sourceNode != "" && r.sourceNode != peer {
		r.logger.Warnf("Source moved from node %s to %s with a matching signature", r.sourceNode, peer)
	}
	r.sourceNode = peer
	if r.expected == nil && (r.schema == nil || r.schema.Signature() != ro.signature) {
		r.schema = ro.schema
		r.values = make([]any, len(ro.schema.Properties))
		r.encoded = make([][]byte, len(ro.schema.Properties))
	}
	r.mu.Unlock()

	// Last writer wins: the snapshot replaces whatever was cached.
	for i, enc := range ro.values {
		r.applyValue(i, enc)
	}
	r.hasData = true
	r.setState(Valid)
	r.flush()
}

// applyValue caches enc for property i and fires events if it differs.
func (r *Replica) applyValue(i int, enc []byte) {
	if r.State() == SignatureMismatch {
		return
	}
	r.mu.Lock()
	if i >= len(r.encoded) || bytes.Equal(r.encoded[i], enc) {
		r.mu.Unlock()
		return
	}
	v, err := r.schema.DecodeProperty(i, enc)
	if err != nil {
		r.mu.Unlock()
		r.logger.Errorf("Failed to decode property %d: %v", i, err)
		return
	}
	r.values[i] = v
	r.encoded[i] = enc
	r.mu.Unlock()

	r.listenersMu.Lock()
	listeners := slices.Clone(r.onProperty)
	raw := slices.Clone(r.onRawProperty)
	r.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(i, v)
	}
	for _, fn := range raw {
		fn(i, enc)
	}
}

func (r *Replica) deliverSignal(i int, args []any, encoded []byte) {
	if r.State() == SignatureMismatch {
		return
	}
	r.listenersMu.Lock()
	listeners := slices.Clone(r.onSignal)
	raw := slices.Clone(r.onRawSignal)
	r.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(i, args)
	}
	for _, fn := range raw {
		fn(i, encoded)
	}
}

// lost detaches r from its source. Calls already sent cannot be answered any more.
func (r *Replica) lost(reason error) {
	r.link, r.remoteID = nil, 0
	for pc := range r.inflight {
		if pc.sent {
			if pc.link != nil {
				delete(pc.link.calls, pc.callID)
			}
			pc.fail(CallFailed, reason)
		}
	}
	if r.State() == Valid {
		r.setState(Suspect)
	}
}

// failQueued fails every call r still tracks and drops queued writes.
func (r *Replica) failQueued(reason error) {
	r.queue = nil
	for pc := range r.inflight {
		if pc.link != nil {
			delete(pc.link.calls, pc.callID)
		}
		pc.fail(CallFailed, reason)
	}
}

func (r *Replica) connected() bool {
	return r.link != nil && r.State() == Valid
}

func (r *Replica) enqueue(op func()) {
	if r.connected() {
		op()
		return
	}
	r.queue = append(r.queue, op)
}

func (r *Replica) flush() {
	ops := r.queue
	r.queue = nil
	for i, op := range ops {
		if !r.connected() {
			r.queue = append(r.queue, ops[i:]...)
			return
		}
		op()
	}
}

// resolver maps the replica's schema to a member index and encoded payload.
type resolver func(ts *schema.TypeSchema) (int, []byte, error)

// Invoke calls the named method with the default call timeout.
func (r *Replica) Invoke(method string, args ...any) *PendingCall {
	return r.InvokeWithTimeout(0, method, args...)
}

// InvokeWithTimeout calls the named method. While the replica is not Valid the
// call is queued; if it was never sent when timeout elapses it fails with
// NoConnection, otherwise with Timeout. Void methods resolve once sent.
func (r *Replica) InvokeWithTimeout(timeout time.Duration, method string, args ...any) *PendingCall {
	return r.startCall(newPendingCall(r, method), timeout, func(ts *schema.TypeSchema) (int, []byte, error) {
		idx, ok := ts.MethodIndex(method)
		if !ok {
			return 0, nil, rerrors.New(rerrors.KindInvalidArgument, "Replica.Invoke", "%s has no method %q", ts.TypeName, method)
		}
		enc, err := codec.EncodeArgs(args, ts.Methods[idx].Params, ts.Records())
		return idx, enc, err
	})
}

// InvokeAt calls method index with the default call timeout.
func (r *Replica) InvokeAt(index int, args ...any) *PendingCall {
	return r.startCall(newPendingCall(r, fmt.Sprintf("method#%d", index)), 0, func(ts *schema.TypeSchema) (int, []byte, error) {
		if err := checkMethod(ts, index); err != nil {
			return 0, nil, err
		}
		enc, err := codec.EncodeArgs(args, ts.Methods[index].Params, ts.Records())
		return index, enc, err
	})
}

// InvokeRaw calls method index with already encoded arguments.
func (r *Replica) InvokeRaw(index int, encodedArgs []byte, timeout time.Duration) *PendingCall {
	return r.startCall(newPendingCall(r, fmt.Sprintf("method#%d", index)), timeout, func(ts *schema.TypeSchema) (int, []byte, error) {
		return index, encodedArgs, checkMethod(ts, index)
	})
}

func checkMethod(ts *schema.TypeSchema, index int) error {
	if index < 0 || index >= len(ts.Methods) {
		return rerrors.New(rerrors.KindInvalidArgument, "Replica.Invoke", "%s has no method %d", ts.TypeName, index)
	}
	return nil
}

func (r *Replica) startCall(pc *PendingCall, timeout time.Duration, resolve resolver) *PendingCall {
	if timeout <= 0 {
		timeout = r.node.cfg.CallTimeout
	}
	if r.expected != nil {
		idx, enc, err := resolve(r.expected)
		if err != nil {
			pc.fail(CallFailed, err)
			return pc
		}
		pc.method = r.expected.Methods[idx].Name
		resolve = func(*schema.TypeSchema) (int, []byte, error) { return idx, enc, nil }
	}
	if !r.node.post(func() { r.acceptCall(pc, timeout, resolve) }) {
		pc.fail(CallFailed, rerrors.New(rerrors.KindNoConnection, pc.method, "node is stopped"))
	}
	return pc
}

func (r *Replica) acceptCall(pc *PendingCall, timeout time.Duration, resolve resolver) {
	if pc.settled.Load() {
		return
	}
	if r.released {
		pc.fail(CallFailed, rerrors.New(rerrors.KindNoConnection, pc.method, "replica released"))
		return
	}
	pc.registered = true
	r.inflight[pc] = struct{}{}
	pc.timer = time.AfterFunc(timeout, func() {
		r.node.post(func() { pc.timedOut(timeout) })
	})
	r.enqueue(func() { r.sendCall(pc, resolve) })
}

func (r *Replica) sendCall(pc *PendingCall, resolve resolver) {
	if pc.settled.Load() {
		return
	}
	ts := r.Schema()
	idx, enc, err := resolve(ts)
	if err != nil {
		pc.fail(CallFailed, err)
		return
	}
	m := ts.Methods[idx]
	pc.returnType = m.Return

	var callID uint64
	if !m.Return.IsVoid() {
		callID = r.link.conn.NextCallID()
	}
	pc.callID = callID
	msg := codec.Invoke{Method: uint32(idx), CallID: callID, Args: enc}
	if err := r.link.send(codec.FrameInvokeMethod, r.remoteID, msg.Marshal()); err != nil {
		pc.fail(CallFailed, err)
		return
	}
	pc.sent = true
	if m.Return.IsVoid() {
		pc.settle(CallFinished, nil, nil, codec.Reply{OK: true})
		return
	}
	pc.link = r.link
	r.link.calls[callID] = pc
}

// SetProperty asks the source to change the named property. The cache is
// not updated until the source confirms the change.
func (r *Replica) SetProperty(name string, value any) error {
	return r.startWrite(func(ts *schema.TypeSchema) (int, []byte, error) {
		idx, ok := ts.PropertyIndex(name)
		if !ok {
			return 0, nil, rerrors.New(rerrors.KindInvalidArgument, "Replica.SetProperty", "%s has no property %q", ts.TypeName, name)
		}
		return encodeWrite(ts, idx, value)
	})
}

// SetPropertyAt is SetProperty by index.
func (r *Replica) SetPropertyAt(index int, value any) error {
	return r.startWrite(func(ts *schema.TypeSchema) (int, []byte, error) {
		return encodeWrite(ts, index, value)
	})
}

// WriteRaw sends an already encoded property write.
func (r *Replica) WriteRaw(index int, encoded []byte) error {
	return r.startWrite(func(ts *schema.TypeSchema) (int, []byte, error) {
		if index < 0 || index >= len(ts.Properties) {
			return 0, nil, rerrors.New(rerrors.KindInvalidArgument, "Replica.WriteRaw", "%s has no property %d", ts.TypeName, index)
		}
		return index, encoded, nil
	})
}

func encodeWrite(ts *schema.TypeSchema, index int, value any) (int, []byte, error) {
	const op = "Replica.SetProperty"
	if index < 0 || index >= len(ts.Properties) {
		return 0, nil, rerrors.New(rerrors.KindInvalidArgument, op, "%s has no property %d", ts.TypeName, index)
	}
	p := ts.Properties[index]
	if !p.Modifier.Writable() {
		return 0, nil, rerrors.New(rerrors.KindInvalidArgument, op, "%s.%s is %s", ts.TypeName, p.Name, p.Modifier)
	}
	v, err := codec.Normalize(value, p.Type, ts.Records())
	if err != nil {
		return 0, nil, err
	}
	enc, err := ts.EncodeProperty(index, v)
	return index, enc, err
}

func (r *Replica) startWrite(resolve resolver) error {
	if r.expected != nil {
		idx, enc, err := resolve(r.expected)
		if err != nil {
			return err
		}
		resolve = func(*schema.TypeSchema) (int, []byte, error) { return idx, enc, nil }
	}
	ok := r.node.post(func() {
		if r.released {
			return
		}
		r.enqueue(func() {
			idx, enc, err := resolve(r.Schema())
			if err != nil {
				r.logger.Warnf("Dropping property write: %v", err)
				return
			}
			msg := codec.PropertyUpdate{Index: uint32(idx), Value: enc}
			r.link.send(codec.FrameWriteProperty, r.remoteID, msg.Marshal())
		})
	})
	if !ok {
		return rerrors.New(rerrors.KindNoConnection, "Replica.SetProperty", "node is stopped")
	}
	return nil
}

// Release detaches the replica and saves its persisted properties. Calls still
// pending fail with NoConnection.
func (r *Replica) Release(ctx context.Context) error {
	var ts *schema.TypeSchema
	var values []any
	save := false
	err := r.node.call("Replica.Release", func() {
		if r.released {
			return
		}
		r.released = true
		r.node.removeReplica(r)
		r.failQueued(rerrors.New(rerrors.KindNoConnection, "Replica.Release", "replica released"))
		r.link, r.remoteID = nil, 0
		ts = r.Schema()
		values = r.Properties()
		save = r.node.cfg.Persistence != nil && ts != nil && ts.HasPersisted() && r.hasData
	})
	if err != nil || !save {
		return err
	}

	provider := r.node.cfg.Persistence
	result := r.node.pool.Submit(func(ctx context.Context) error {
		return object.SaveProperties(ctx, provider, ts, values)
	})
	select {
	case err := <-result:
		if err != nil {
			r.logger.Errorf("Failed to save persisted properties: %v", err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
