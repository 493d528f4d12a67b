package node

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaonanln/goreplica/registry"
	"github.com/xiaonanln/goreplica/transport"
	rerrors "github.com/xiaonanln/goreplica/util/errors"
)

// RegistryView is a node's picture of the registry, fed by the Registry
// replica (or directly by the hosted registry). Listeners run on the event
// loop and must not block.
type RegistryView struct {
	node       *Node
	configured atomic.Bool

	mu      sync.RWMutex
	entries map[string]registry.Entry
	ready   chan struct{}
	changed chan struct{}
	once    sync.Once

	listenersMu sync.Mutex
	onAdded     []func(registry.Entry)
	onRemoved   []func(registry.Entry)
}

func newRegistryView(node *Node) *RegistryView {
	return &RegistryView{
		node:    node,
		entries: make(map[string]registry.Entry),
		ready:   make(chan struct{}),
		changed: make(chan struct{}),
	}
}

// Registry returns the node's registry view.
func (node *Node) Registry() *RegistryView {
	return node.view
}

// Entries returns the known entries ordered by name.
func (v *RegistryView) Entries() []registry.Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return registry.Sorted(v.entries)
}

// Lookup returns the entry for name.
func (v *RegistryView) Lookup(name string) (registry.Entry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.entries[name]
	return e, ok
}

// OnRemoteObjectAdded registers fn for new entries.
func (v *RegistryView) OnRemoteObjectAdded(fn func(registry.Entry)) {
	v.listenersMu.Lock()
	v.onAdded = append(v.onAdded, fn)
	v.listenersMu.Unlock()
}

// OnRemoteObjectRemoved registers fn for removed entries. A replaced entry is
// reported as removed, then added.
func (v *RegistryView) OnRemoteObjectRemoved(fn func(registry.Entry)) {
	v.listenersMu.Lock()
	v.onRemoved = append(v.onRemoved, fn)
	v.listenersMu.Unlock()
}

// WaitForSource blocks until the registry's content is known or timeout elapses.
func (v *RegistryView) WaitForSource(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-v.ready:
		return true
	case <-timer.C:
		return false
	}
}

// WaitForEntry blocks until name is registered.
func (v *RegistryView) WaitForEntry(ctx context.Context, name string) (registry.Entry, error) {
	if !v.configured.Load() {
		return registry.Entry{}, rerrors.New(rerrors.KindRegistryNotAcquired, "RegistryView.WaitForEntry", "no registry configured")
	}
	for {
		v.mu.RLock()
		e, ok := v.entries[name]
		changed := v.changed
		v.mu.RUnlock()
		if ok {
			return e, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return registry.Entry{}, rerrors.Wrap(rerrors.KindTimeout, "RegistryView.WaitForEntry", ctx.Err())
		}
	}
}

// reset replaces the view with entries and reports the difference. It runs on the event loop.
func (v *RegistryView) reset(entries map[string]registry.Entry) {
	next := make(map[string]registry.Entry, len(entries))
	for name, e := range entries {
		next[name] = e
	}

	v.mu.Lock()
	prev := v.entries
	v.entries = next
	close(v.changed)
	v.changed = make(chan struct{})
	v.mu.Unlock()
	v.once.Do(func() { close(v.ready) })

	var removed, added []registry.Entry
	for name, old := range prev {
		if e, ok := next[name]; !ok || e != old {
			removed = append(removed, old)
		}
	}
	for name, e := range next {
		if old, ok := prev[name]; !ok || old != e {
			added = append(added, e)
		}
	}
	if len(removed) == 0 && len(added) == 0 {
		return
	}

	v.listenersMu.Lock()
	onRemoved := slices.Clone(v.onRemoved)
	onAdded := slices.Clone(v.onAdded)
	v.listenersMu.Unlock()
	for _, e := range registry.Sorted(toMap(removed)) {
		for _, fn := range onRemoved {
			fn(e)
		}
	}
	for _, e := range registry.Sorted(toMap(added)) {
		for _, fn := range onAdded {
			fn(e)
		}
	}
}

func toMap(entries []registry.Entry) map[string]registry.Entry {
	m := make(map[string]registry.Entry, len(entries))
	for _, e := range entries {
		m[e.Name] = e
	}
	return m
}

// registryClient is the node's link to a remote registry.
type registryClient struct {
	url     string
	replica *Replica
}

// SetRegistryURL connects to the node hosting the registry at rawURL.
// Enabled sources are registered whenever the Registry replica becomes
// Valid, and replicas waiting for a source make the node connect to the
// host the registry names for it.
func (node *Node) SetRegistryURL(rawURL string) error {
	const op = "node.SetRegistryURL"
	if _, _, err := transport.ParseURL(rawURL); err != nil {
		return node.recordError(err)
	}
	var err error
	if callErr := node.call(op, func() { err = node.setRegistryURLLocked(rawURL) }); callErr != nil {
		return node.recordError(callErr)
	}
	return node.recordError(err)
}

func (node *Node) setRegistryURLLocked(rawURL string) error {
	if node.registryHost != nil || node.registryClient != nil {
		return rerrors.New(rerrors.KindInvalidArgument, "node.SetRegistryURL", "a registry is already configured")
	}
	r := newReplica(node, registry.Name, registry.Schema)
	c := &registryClient{url: rawURL, replica: r}
	node.registryClient = c
	node.view.configured.Store(true)

	r.OnPropertyChanged(func(index int, value any) {
		if index == registry.PropertySources {
			node.sourcesChanged(value)
		}
	})
	r.OnStateChanged(func(_, to State) {
		if to != Valid {
			return
		}
		node.sourcesChanged(r.PropertyAt(registry.PropertySources))
		// The host forgets our entries when the connection drops.
		for _, b := range node.sources {
			node.registerSource(b)
		}
	})

	node.connectLocked(rawURL)
	node.acquireLocked(r)
	return nil
}

func (node *Node) sourcesChanged(value any) {
	entries, err := registry.EntriesFromSources(value)
	if err != nil {
		node.logger.Warnf("Ignoring registry update: %v", err)
		return
	}
	node.view.reset(entries)
	node.discoverAll()
}

// registerSource announces b to the registry. Only top-level sources of a
// node with a host URL are registered.
func (node *Node) registerSource(b *SourceBinding) {
	if b.name == registry.Name || b.parent != nil || node.hostURL == "" {
		return
	}
	e := registry.Entry{Name: b.name, TypeName: b.schema.TypeName, HostURL: node.hostURL}
	if h := node.registryHost; h != nil {
		h.put(nil, e)
		return
	}
	if c := node.registryClient; c != nil && c.replica.State() == Valid {
		c.replica.InvokeAt(registry.MethodAddSource, e.Record())
	}
}

func (node *Node) unregisterSource(b *SourceBinding) {
	if b.name == registry.Name || b.parent != nil || node.hostURL == "" {
		return
	}
	if h := node.registryHost; h != nil {
		if e, ok := h.entries[b.name]; ok && e.HostURL == node.hostURL {
			h.remove(b.name)
		}
		return
	}
	if c := node.registryClient; c != nil && c.replica.State() == Valid {
		c.replica.InvokeAt(registry.MethodRemoveSource, b.name)
	}
}

// discover connects to the host the registry names for name when a replica
// of it still waits for its source.
func (node *Node) discover(name string) {
	waiting := false
	for _, r := range node.replicas[name] {
		if s := r.State(); s == Uninitialized || s == Suspect {
			waiting = true
			break
		}
	}
	if !waiting {
		return
	}
	e, ok := node.view.Lookup(name)
	if !ok || e.HostURL == "" || e.HostURL == node.hostURL {
		return
	}
	node.connectLocked(e.HostURL)
}

func (node *Node) discoverAll() {
	for name := range node.replicas {
		node.discover(name)
	}
}
