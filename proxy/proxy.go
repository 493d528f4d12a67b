// Package proxy republishes the sources of one network on another.
//
// A Proxy runs two nodes. The inbound node is a registry client of network A;
// for every entry it learns it acquires a dynamic replica and, once that
// replica is Valid, the outbound node publishes a pass-through source with the
// same name and schema on network B. Frames are relayed in their wire
// encoding. With Reverse the same happens from B to A.
//
// Each proxy carries an origin tag. Names it introduced on a side are
// remembered together with the tag and never forwarded back, so a proxy never
// feeds its own republished sources into itself. The tag stays inside the
// process; nothing extra goes on the wire.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/xiaonanln/goreplica/codec"
	"github.com/xiaonanln/goreplica/node"
	"github.com/xiaonanln/goreplica/registry"
	"github.com/xiaonanln/goreplica/schema"
	rerrors "github.com/xiaonanln/goreplica/util/errors"
	"github.com/xiaonanln/goreplica/util/eventloop"
	"github.com/xiaonanln/goreplica/util/logger"
	"github.com/xiaonanln/goreplica/util/metrics"
	"github.com/xiaonanln/goreplica/util/pattern"
)

// Proxy bridges two networks.
type Proxy struct {
	cfg    Config
	tag    string
	filter pattern.Set
	logger *logger.Logger

	inbound  *side
	outbound *side

	// Jobs touching routes run here, never on a node's event loop, since
	// enabling and disabling sources waits for the target node.
	loop *eventloop.Loop

	forward *direction
	reverse *direction
}

// side is one network as seen by the proxy.
type side struct {
	label string
	node  *node.Node
	// introduced maps names this proxy published on the side to their origin
	// tag. withdrawn is set once the route is gone but the side's registry
	// may still list the name.
	introduced map[string]*origin
}

type origin struct {
	tag       string
	withdrawn bool
}

// direction republishes what from knows onto to.
type direction struct {
	label  string
	from   *side
	to     *side
	routes map[string]*route
}

// New creates a proxy. Nothing runs until Start.
func New(cfg Config) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	filter, err := pattern.ParseAll(cfg.Filter)
	if err != nil {
		return nil, err
	}
	tag := uuid.NewString()
	p := &Proxy{
		cfg:      cfg,
		tag:      tag,
		filter:   filter,
		logger:   logger.NewLogger(fmt.Sprintf("Proxy@%s", tag[:8])),
		inbound:  &side{label: "inbound", node: node.New(cfg.Inbound), introduced: make(map[string]*origin)},
		outbound: &side{label: "outbound", node: node.New(cfg.Outbound), introduced: make(map[string]*origin)},
		loop:     eventloop.New("proxy-" + tag),
	}
	p.forward = &direction{label: "forward", from: p.inbound, to: p.outbound, routes: make(map[string]*route)}
	if cfg.Reverse {
		p.reverse = &direction{label: "reverse", from: p.outbound, to: p.inbound, routes: make(map[string]*route)}
	}
	return p, nil
}

// Tag returns the proxy's origin tag.
func (p *Proxy) Tag() string { return p.tag }

// Inbound returns the node joined to network A.
func (p *Proxy) Inbound() *node.Node { return p.inbound.node }

// Outbound returns the node joined to network B.
func (p *Proxy) Outbound() *node.Node { return p.outbound.node }

// Start starts both nodes, joins both networks and begins republishing.
func (p *Proxy) Start(ctx context.Context) error {
	p.loop.Start()
	if err := p.inbound.node.Start(ctx); err != nil {
		return err
	}
	if err := p.outbound.node.Start(ctx); err != nil {
		return err
	}

	out := p.outbound.node
	if err := out.SetHostURL(p.cfg.OutboundHostURL, p.cfg.OutboundCapabilities...); err != nil {
		return fmt.Errorf("outbound host: %w", err)
	}
	switch {
	case p.cfg.OutboundRegistry != nil:
		if err := out.HostRegistry(p.cfg.OutboundRegistry); err != nil {
			return fmt.Errorf("outbound registry: %w", err)
		}
	case p.cfg.OutboundRegistryURL != "":
		if err := out.SetRegistryURL(p.cfg.OutboundRegistryURL); err != nil {
			return fmt.Errorf("outbound registry: %w", err)
		}
	}

	in := p.inbound.node
	if p.cfg.InboundHostURL != "" {
		if err := in.SetHostURL(p.cfg.InboundHostURL); err != nil {
			return fmt.Errorf("inbound host: %w", err)
		}
	}

	// Listeners go in before the inbound registry is joined so no entry is missed.
	p.watch(p.forward)
	if p.reverse != nil {
		p.watch(p.reverse)
	}
	if err := in.SetRegistryURL(p.cfg.InboundRegistryURL); err != nil {
		return fmt.Errorf("inbound registry: %w", err)
	}

	p.logger.Infof("Proxy started: %s -> %s (reverse=%v, filter=%v)",
		p.cfg.InboundRegistryURL, out.HostURL(), p.cfg.Reverse, p.cfg.Filter)
	return nil
}

// watch follows the registry view of d.from.
func (p *Proxy) watch(d *direction) {
	view := d.from.node.Registry()
	view.OnRemoteObjectRemoved(func(e registry.Entry) {
		p.loop.Post(func() { p.entryRemoved(d, e) })
	})
	view.OnRemoteObjectAdded(func(e registry.Entry) {
		p.loop.Post(func() { p.entryAdded(d, e) })
	})
	// Entries already known, e.g. when the side hosts its registry.
	p.loop.Post(func() {
		for _, e := range view.Entries() {
			p.entryAdded(d, e)
		}
	})
}

func (p *Proxy) entryAdded(d *direction, e registry.Entry) {
	if e.Name == registry.Name || !p.filter.Match(e.Name) {
		return
	}
	if o, ok := d.from.introduced[e.Name]; ok {
		p.logger.Debugf("Not forwarding %s back from %s (origin %s)", e.Name, d.from.label, o.tag)
		return
	}
	if _, ok := d.routes[e.Name]; ok {
		return
	}

	rt := newRoute(p, d, e.Name)
	d.routes[e.Name] = rt
	d.to.introduced[e.Name] = &origin{tag: p.tag}
	rt.start()
	p.logger.Infof("Forwarding %s %s -> %s", e, d.from.label, d.to.label)
	metrics.SetProxyRoutes(p.tag, d.label, len(d.routes))
}

func (p *Proxy) entryRemoved(d *direction, e registry.Entry) {
	if o, ok := d.from.introduced[e.Name]; ok && o.withdrawn {
		delete(d.from.introduced, e.Name)
	}
	rt, ok := d.routes[e.Name]
	if !ok {
		return
	}
	delete(d.routes, e.Name)
	rt.close()
	p.withdraw(d.to, e.Name)
	p.logger.Infof("Stopped forwarding %s %s -> %s", e.Name, d.from.label, d.to.label)
	metrics.SetProxyRoutes(p.tag, d.label, len(d.routes))
}

// withdraw forgets a name introduced on s. Without a registry on s nothing
// will ever report the name gone, so it is dropped at once.
func (p *Proxy) withdraw(s *side, name string) {
	o, ok := s.introduced[name]
	if !ok {
		return
	}
	if _, listed := s.node.Registry().Lookup(name); listed {
		o.withdrawn = true
		return
	}
	delete(s.introduced, name)
}

// Routes lists the names currently republished, per direction ("forward", "reverse").
func (p *Proxy) Routes() map[string][]string {
	out := make(map[string][]string)
	_ = p.loop.Call(context.Background(), func() {
		for _, d := range []*direction{p.forward, p.reverse} {
			if d == nil {
				continue
			}
			names := make([]string, 0, len(d.routes))
			for name, rt := range d.routes {
				if rt.binding != nil {
					names = append(names, name)
				}
			}
			sort.Strings(names)
			out[d.label] = names
		}
	})
	return out
}

// Origin reports the tag of the proxy that introduced name on the inbound
// ("inbound") or outbound ("outbound") side, if this proxy did.
func (p *Proxy) Origin(sideLabel, name string) (string, bool) {
	s := p.inbound
	if sideLabel == p.outbound.label {
		s = p.outbound
	}
	var tag string
	var ok bool
	_ = p.loop.Call(context.Background(), func() {
		if o, found := s.introduced[name]; found && !o.withdrawn {
			tag, ok = o.tag, true
		}
	})
	return tag, ok
}

// Stop withdraws every republished source and stops both nodes.
func (p *Proxy) Stop(ctx context.Context) error {
	err := p.loop.Call(ctx, func() {
		for _, d := range []*direction{p.forward, p.reverse} {
			if d == nil {
				continue
			}
			for name, rt := range d.routes {
				rt.close()
				delete(d.routes, name)
			}
			metrics.SetProxyRoutes(p.tag, d.label, 0)
		}
	})
	p.loop.Stop()
	if stopErr := p.outbound.node.Stop(ctx); stopErr != nil && err == nil {
		err = stopErr
	}
	if stopErr := p.inbound.node.Stop(ctx); stopErr != nil && err == nil {
		err = stopErr
	}
	p.logger.Infof("Proxy stopped")
	return err
}

// route mirrors one source of d.from as a pass-through source on d.to.
type route struct {
	proxy   *Proxy
	dir     *direction
	name    string
	replica *node.Replica

	// Owned by the proxy loop.
	binding *node.SourceBinding
	closed  bool
}

func newRoute(p *Proxy, d *direction, name string) *route {
	return &route{proxy: p, dir: d, name: name}
}

// start acquires the replica. Its callbacks run on the from node's loop and
// only post to the proxy loop, keeping the order in which the replica saw things.
func (rt *route) start() {
	p := rt.proxy
	r := rt.dir.from.node.AcquireDynamic(rt.name)
	rt.replica = r

	r.OnStateChanged(func(from, to node.State) {
		if to == node.Valid {
			ts, snapshot := r.Schema(), r.EncodedProperties()
			p.loop.Post(func() { rt.publish(ts, snapshot) })
		} else if from == node.Valid {
			p.loop.Post(rt.unpublish)
		}
	})
	r.OnRawPropertyChanged(func(index int, encoded []byte) {
		enc := append([]byte(nil), encoded...)
		p.loop.Post(func() {
			if rt.binding != nil {
				if err := rt.binding.SetEncodedProperty(index, enc); err != nil {
					p.logger.Warnf("Relaying property %d of %s failed: %v", index, rt.name, err)
				}
			}
		})
	})
	r.OnRawSignal(func(index int, encodedArgs []byte) {
		args := append([]byte(nil), encodedArgs...)
		p.loop.Post(func() {
			if rt.binding != nil {
				if err := rt.binding.EmitEncodedSignal(index, args); err != nil {
					p.logger.Warnf("Relaying signal %d of %s failed: %v", index, rt.name, err)
				}
			}
		})
	})

	if r.State() == node.Valid {
		ts, snapshot := r.Schema(), r.EncodedProperties()
		rt.publish(ts, snapshot)
	}
}

func (rt *route) publish(ts *schema.TypeSchema, snapshot [][]byte) {
	if rt.closed {
		return
	}
	rt.unpublish()
	b, err := rt.dir.to.node.EnablePassthrough(rt.name, ts, snapshot, &forwarder{route: rt})
	if err != nil {
		rt.proxy.logger.Warnf("Cannot republish %s on %s: %v", rt.name, rt.dir.to.label, err)
		return
	}
	rt.binding = b
}

func (rt *route) unpublish() {
	if rt.binding == nil {
		return
	}
	if err := rt.binding.Disable(); err != nil && !errors.Is(err, rerrors.ErrNotBound) {
		rt.proxy.logger.Warnf("Withdrawing %s failed: %v", rt.name, err)
	}
	rt.binding = nil
}

func (rt *route) close() {
	rt.closed = true
	rt.unpublish()
	if err := rt.replica.Release(context.Background()); err != nil {
		rt.proxy.logger.Warnf("Releasing replica %s failed: %v", rt.name, err)
	}
}

// forwarder hands what B's replicas do to the pass-through source back to A's source.
type forwarder struct {
	route *route
}

func (f *forwarder) WriteProperty(index int, encoded []byte) {
	if err := f.route.replica.WriteRaw(index, encoded); err != nil {
		f.route.proxy.logger.Warnf("Forwarding write of %s.%d failed: %v", f.route.name, index, err)
	}
}

func (f *forwarder) Invoke(method int, encodedArgs []byte, reply func(codec.Reply)) {
	pc := f.route.replica.InvokeRaw(method, encodedArgs, 0)
	if reply == nil {
		return
	}
	go func() {
		<-pc.Done()
		reply(pc.Reply())
	}()
}
