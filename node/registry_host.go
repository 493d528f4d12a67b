package node

import (
	"context"

	"github.com/xiaonanln/goreplica/codec"
	"github.com/xiaonanln/goreplica/registry"
	"github.com/xiaonanln/goreplica/schema"
	"github.com/xiaonanln/goreplica/util/callcontext"
	rerrors "github.com/xiaonanln/goreplica/util/errors"
	"github.com/xiaonanln/goreplica/util/logger"
	"github.com/xiaonanln/goreplica/util/metrics"
	"github.com/xiaonanln/goreplica/util/workerpool"
)

// registryHost publishes the Registry source. The store is the source of
// truth: addSource and removeSource only write to it, and the published
// sources property follows the store's events.
type registryHost struct {
	node    *Node
	store   registry.Store
	binding *SourceBinding
	logger  *logger.Logger
	cancel  context.CancelFunc

	// ops applies store writes one at a time, off the event loop.
	ops *workerpool.WorkerPool

	// Owned by the event loop.
	entries map[string]registry.Entry
	owners  map[string]*link
}

// HostRegistry publishes the Registry on this node, backed by store. Sources
// enabled on this node are registered directly; other nodes register over
// their connections (see SetRegistryURL).
func (node *Node) HostRegistry(store registry.Store) error {
	const op = "node.HostRegistry"
	if store == nil {
		return node.recordError(rerrors.New(rerrors.KindInvalidArgument, op, "store is required"))
	}
	var err error
	if callErr := node.call(op, func() { err = node.hostRegistryLocked(store) }); callErr != nil {
		return node.recordError(callErr)
	}
	return node.recordError(err)
}

func (node *Node) hostRegistryLocked(store registry.Store) error {
	if node.registryHost != nil || node.registryClient != nil {
		return rerrors.New(rerrors.KindInvalidArgument, "node.HostRegistry", "a registry is already configured")
	}
	h := &registryHost{
		node:    node,
		store:   store,
		logger:  logger.NewLogger("Registry"),
		entries: make(map[string]registry.Entry),
		owners:  make(map[string]*link),
	}
	b, err := node.enableLocked(&registryObject{host: h}, registry.Name, nil)
	if err != nil {
		return err
	}
	h.binding = b

	ctx, cancel := context.WithCancel(node.ctx)
	h.cancel = cancel
	h.ops = workerpool.New(ctx, 1)
	h.ops.Start()
	node.registryHost = h
	node.view.configured.Store(true)
	node.view.reset(h.entries)
	go h.watch(ctx)

	for _, src := range node.sources {
		node.registerSource(src)
	}
	h.logger.Infof("Hosting registry on node %s", node.id)
	return nil
}

// watch feeds store events into the event loop. The watch is opened before
// the listing so nothing written in between is missed; replayed puts are no-ops.
func (h *registryHost) watch(ctx context.Context) {
	events, err := h.store.Watch(ctx)
	if err != nil {
		h.logger.Errorf("Failed to watch registry store: %v", err)
		return
	}
	entries, err := h.store.List(ctx)
	if err != nil {
		h.logger.Errorf("Failed to list registry store: %v", err)
	}
	for _, e := range entries {
		ev := registry.Event{Type: registry.EventPut, Entry: e}
		h.node.post(func() { h.apply(ev) })
	}
	for ev := range events {
		if !h.node.post(func() { h.apply(ev) }) {
			return
		}
	}
}

// apply runs on the event loop.
func (h *registryHost) apply(ev registry.Event) {
	if h.node.registryHost != h {
		return
	}
	name := ev.Entry.Name
	old, had := h.entries[name]
	switch ev.Type {
	case registry.EventPut:
		if had && old == ev.Entry {
			return
		}
		// A duplicate name replaces the previous entry: removed, then added.
		if had {
			h.emit(registry.SignalRemoteObjectRemoved, old)
		}
		h.entries[name] = ev.Entry
		h.publish()
		h.emit(registry.SignalRemoteObjectAdded, ev.Entry)
		h.logger.Infof("Added %s", ev.Entry)
	case registry.EventDelete:
		if !had {
			return
		}
		delete(h.entries, name)
		delete(h.owners, name)
		h.publish()
		h.emit(registry.SignalRemoteObjectRemoved, old)
		h.logger.Infof("Removed %s", old)
	}
	h.node.discover(name)
}

func (h *registryHost) publish() {
	if err := h.binding.setLocal(registry.PropertySources, registry.SourcesValue(h.entries)); err != nil {
		h.logger.Errorf("Failed to publish sources: %v", err)
	}
	metrics.SetRegistryEntries(h.node.id, len(h.entries))
	h.node.view.reset(h.entries)
}

func (h *registryHost) emit(signal int, e registry.Entry) {
	ts := h.binding.schema
	enc, err := codec.EncodeArgs([]any{e.Record()}, ts.Signals[signal].Params, ts.Records())
	if err != nil {
		h.logger.Errorf("Failed to encode %s: %v", ts.Signals[signal].Name, err)
		return
	}
	h.binding.emitLocal(codec.Signal{Index: uint32(signal), Args: enc}.Marshal())
}

// put writes e to the store; owner is the link it was registered over, nil for local sources.
func (h *registryHost) put(owner *link, e registry.Entry) {
	if owner != nil {
		h.owners[e.Name] = owner
	} else {
		delete(h.owners, e.Name)
	}
	h.submit("put "+e.Name, func(ctx context.Context) error { return h.store.Put(ctx, e) })
}

func (h *registryHost) remove(name string) {
	delete(h.owners, name)
	h.submit("delete "+name, func(ctx context.Context) error { return h.store.Delete(ctx, name) })
}

func (h *registryHost) submit(what string, task workerpool.Task) {
	h.ops.Submit(func(ctx context.Context) error {
		if err := task(ctx); err != nil {
			h.logger.Errorf("Registry store %s failed: %v", what, err)
			return err
		}
		return nil
	})
}

// linkClosed removes the entries registered over l.
func (h *registryHost) linkClosed(l *link) {
	for name, owner := range h.owners {
		if owner == l {
			h.logger.Infof("Registrar of %s disconnected", name)
			h.remove(name)
		}
	}
}

// stop runs on the event loop during shutdown. Queued store writes still complete.
func (h *registryHost) stop() {
	h.ops.Stop()
	h.cancel()
}

// registryObject is the Object behind the Registry source.
type registryObject struct {
	host *registryHost
}

func (o *registryObject) Schema() *schema.TypeSchema { return registry.Schema }

func (o *registryObject) Properties() []any {
	return []any{registry.SourcesValue(nil)}
}

func (o *registryObject) Invoke(ctx context.Context, method int, args []any) (any, error) {
	const op = "Registry.Invoke"
	h := o.host
	if err := h.checkRegistrar(ctx); err != nil {
		return nil, err
	}
	switch method {
	case registry.MethodAddSource:
		e, err := registry.EntryFromRecord(args[0])
		if err != nil {
			return nil, err
		}
		if e.Name == "" || e.Name == registry.Name {
			return nil, rerrors.New(rerrors.KindInvalidArgument, op, "cannot register %q", e.Name)
		}
		h.put(linkFrom(ctx), e)
		return nil, nil
	case registry.MethodRemoveSource:
		name, _ := args[0].(string)
		if _, ok := h.entries[name]; !ok {
			return nil, nil
		}
		if caller := linkFrom(ctx); caller != nil && h.owners[name] != caller {
			metrics.RecordRegistryRejection(h.node.id, "owner")
			h.logger.Warnf("Rejected removal of %s from %s: registered by another peer", name, caller.conn.PeerNodeID())
			return nil, rerrors.New(rerrors.KindInvalidArgument, op, "%q was not registered by this peer", name)
		}
		h.remove(name)
		return nil, nil
	}
	return nil, rerrors.New(rerrors.KindInvalidArgument, op, "Registry has no method %d", method)
}

// checkRegistrar rejects registrations arriving over connections that left
// this host unless external registration is allowed.
func (h *registryHost) checkRegistrar(ctx context.Context) error {
	peer, ok := callcontext.PeerFrom(ctx)
	if !ok || peer.Local || h.node.caps&AllowExternalRegistration != 0 {
		return nil
	}
	metrics.RecordRegistryRejection(h.node.id, "external")
	h.logger.Warnf("Rejected registration from %s (%s): external registration is not allowed", peer.NodeID, peer.Address)
	return rerrors.New(rerrors.KindHostUrlInvalid, "Registry.addSource", "external registration from %s is not allowed", peer.Address)
}
