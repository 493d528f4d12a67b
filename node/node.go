// Package node implements the per-process replication runtime. A Node owns
// the connections to its peers, the sources it publishes and the replicas it
// acquired, and runs every state change on a single event loop.
package node

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xiaonanln/goreplica/connection"
	"github.com/xiaonanln/goreplica/transport"
	rerrors "github.com/xiaonanln/goreplica/util/errors"
	"github.com/xiaonanln/goreplica/util/eventloop"
	"github.com/xiaonanln/goreplica/util/logger"
	"github.com/xiaonanln/goreplica/util/metrics"
	"github.com/xiaonanln/goreplica/util/workerpool"
)

// Node is a replication endpoint.
//
// Methods that wait for the event loop (EnableRemoting, DisableRemoting,
// Acquire, AcquireDynamic, SetHostURL, ConnectToNode, DisconnectFromNode,
// SetRegistryURL, HostRegistry, the listings) must not be called from
// callbacks that run on the loop. Posting methods (SetProperty, EmitSignal,
// Invoke and friends) are safe anywhere.
type Node struct {
	cfg    Config
	id     string
	logger *logger.Logger
	loop   *eventloop.Loop
	pool   *workerpool.WorkerPool

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	stopped atomic.Bool

	lastErrMu sync.Mutex
	lastErr   error

	view *RegistryView

	// Owned by the event loop.
	listener       transport.Listener
	hostURL        string
	hostScheme     string
	caps           Capability
	links          map[*connection.Connection]*link
	peers          map[string]*peer
	sources        map[string]*SourceBinding
	replicas       map[string][]*Replica
	registryHost   *registryHost
	registryClient *registryClient
}

// New creates a Node. Nothing runs until Start.
func New(cfg Config) *Node {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	node := &Node{
		cfg:      cfg,
		id:       cfg.NodeID,
		logger:   logger.NewLogger(fmt.Sprintf("Node@%s", cfg.NodeID)),
		loop:     eventloop.New(cfg.NodeID),
		pool:     workerpool.New(ctx, cfg.PersistenceWorkers),
		ctx:      ctx,
		cancel:   cancel,
		links:    make(map[*connection.Connection]*link),
		peers:    make(map[string]*peer),
		sources:  make(map[string]*SourceBinding),
		replicas: make(map[string][]*Replica),
	}
	node.view = newRegistryView(node)
	return node
}

// NodeID returns the id announced in handshakes.
func (node *Node) NodeID() string {
	return node.id
}

func (node *Node) String() string {
	return fmt.Sprintf("Node(%s)", node.id)
}

// Start starts the event loop and the persistence workers.
func (node *Node) Start(ctx context.Context) error {
	if !node.started.CompareAndSwap(false, true) {
		return nil
	}
	node.loop.Start()
	node.pool.Start()
	node.logger.Infof("Node started")
	return nil
}

// IsStarted reports whether Start was called.
func (node *Node) IsStarted() bool {
	return node.started.Load()
}

// Stop closes every connection and listener, fails pending calls, flushes
// queued persistence saves and stops the event loop.
func (node *Node) Stop(ctx context.Context) error {
	if !node.started.Load() || !node.stopped.CompareAndSwap(false, true) {
		return nil
	}
	node.logger.Infof("Node stopping")

	if err := node.loop.Call(ctx, node.shutdownLocked); err != nil {
		node.logger.Warnf("Shutdown did not finish: %v", err)
	}
	node.cancel()
	node.loop.Stop()
	node.pool.Stop()
	node.logger.Infof("Node stopped")
	return nil
}

func (node *Node) shutdownLocked() {
	if node.listener != nil {
		node.listener.Close()
		node.listener = nil
	}
	for _, p := range node.peers {
		p.cancel()
	}
	node.peers = make(map[string]*peer)

	if node.registryHost != nil {
		node.registryHost.stop()
	}

	for c, l := range node.links {
		node.dropLink(l, rerrors.New(rerrors.KindNoConnection, "node.Stop", "node stopped"))
		c.Close()
	}

	for _, list := range node.replicas {
		for _, r := range list {
			r.failQueued(rerrors.New(rerrors.KindNoConnection, "node.Stop", "node stopped"))
		}
	}

	for _, b := range node.sources {
		b.unbindObject()
	}
	metrics.SetSourcesEnabled(node.id, 0)
}

// call runs fn on the event loop and waits for it.
func (node *Node) call(op string, fn func()) error {
	if !node.started.Load() || node.stopped.Load() {
		return rerrors.New(rerrors.KindInvalidArgument, op, "node %s is not running", node.id)
	}
	if err := node.loop.Call(node.ctx, fn); err != nil {
		return rerrors.Wrap(rerrors.KindNoConnection, op, err)
	}
	return nil
}

// post schedules fn on the event loop. It reports false once the node stopped.
func (node *Node) post(fn func()) bool {
	return node.loop.Post(fn)
}

// recordError remembers err as the last configuration error and returns it.
func (node *Node) recordError(err error) error {
	if err == nil {
		return nil
	}
	node.lastErrMu.Lock()
	node.lastErr = err
	node.lastErrMu.Unlock()
	node.logger.Warnf("%v", err)
	return err
}

// LastError returns the last error reported by a configuration call.
func (node *Node) LastError() error {
	node.lastErrMu.Lock()
	defer node.lastErrMu.Unlock()
	return node.lastErr
}

// SetHostURL listens on rawURL. A previous listener is closed. With port 0
// the effective URL is available from HostURL.
func (node *Node) SetHostURL(rawURL string, caps ...Capability) error {
	const op = "node.SetHostURL"
	var err error
	if callErr := node.call(op, func() { err = node.setHostURLLocked(rawURL, caps) }); callErr != nil {
		return node.recordError(callErr)
	}
	return node.recordError(err)
}

func (node *Node) setHostURLLocked(rawURL string, caps []Capability) error {
	u, _, err := transport.ParseURL(rawURL)
	if err != nil {
		return err
	}
	l, err := transport.Listen(rawURL, node.transportOptions())
	if err != nil {
		return err
	}
	if node.listener != nil {
		node.listener.Close()
	}

	node.listener = l
	node.hostURL = l.URL()
	node.hostScheme = u.Scheme
	node.caps = 0
	for _, c := range caps {
		node.caps |= c
	}
	node.logger.Infof("Hosting at %s (capabilities: %s)", node.hostURL, node.caps)
	go node.acceptLoop(l, u.Scheme)

	// Entries carry the host URL, so sources enabled before now register only now.
	for _, b := range node.sources {
		node.registerSource(b)
	}
	return nil
}

// HostURL returns the effective URL this node listens on, empty if none.
func (node *Node) HostURL() string {
	var hostURL string
	node.call("node.HostURL", func() { hostURL = node.hostURL })
	return hostURL
}

func (node *Node) acceptLoop(l transport.Listener, scheme string) {
	for {
		stream, err := l.Accept()
		if err != nil {
			if !transport.IsClosed(err) {
				node.logger.Warnf("Accept on %s failed: %v", l.URL(), err)
			}
			return
		}
		node.logger.Debugf("Accepted %s stream from %s", scheme, stream.RemoteAddr())
		node.newConnection(stream, "", scheme)
	}
}

func (node *Node) transportOptions() transport.Options {
	return transport.Options{TLS: node.cfg.TLS}
}

func (node *Node) newConnection(stream transport.Stream, dialedURL, scheme string) *connection.Connection {
	c := connection.New(stream, &connHandler{node: node, scheme: scheme}, connection.Config{
		NodeID:            node.id,
		AuthSecret:        node.cfg.AuthSecret,
		HeartbeatInterval: node.cfg.HeartbeatInterval,
		IdleTimeout:       node.cfg.IdleTimeout,
		HandshakeTimeout:  node.cfg.HandshakeTimeout,
		MaxFrameSize:      node.cfg.MaxFrameSize,
	}, dialedURL)
	c.Start()
	return c
}

// ConnectToNode maintains a connection to the node hosting rawURL, reconnecting
// with exponential backoff until DisconnectFromNode or Stop. Connecting to the
// same URL twice is a no-op.
func (node *Node) ConnectToNode(rawURL string) error {
	const op = "node.ConnectToNode"
	if _, _, err := transport.ParseURL(rawURL); err != nil {
		return node.recordError(err)
	}
	if err := node.call(op, func() { node.connectLocked(rawURL) }); err != nil {
		return node.recordError(err)
	}
	return nil
}

// DisconnectFromNode stops maintaining the connection to rawURL and closes it.
func (node *Node) DisconnectFromNode(rawURL string) error {
	const op = "node.DisconnectFromNode"
	var err error
	callErr := node.call(op, func() {
		p, ok := node.peers[rawURL]
		if !ok {
			err = rerrors.New(rerrors.KindNoConnection, op, "not connected to %s", rawURL)
			return
		}
		delete(node.peers, rawURL)
		p.cancel()
	})
	if callErr != nil {
		return node.recordError(callErr)
	}
	return node.recordError(err)
}

// NumConnections returns the number of open connections.
func (node *Node) NumConnections() int {
	n := 0
	node.call("node.NumConnections", func() { n = len(node.links) })
	return n
}

// ListSources returns the names of the enabled sources.
func (node *Node) ListSources() []string {
	var names []string
	node.call("node.ListSources", func() {
		for name := range node.sources {
			names = append(names, name)
		}
	})
	sort.Strings(names)
	return names
}

// ReplicaInfo describes one acquired replica.
type ReplicaInfo struct {
	Name  string
	State State
}

// ListReplicas returns every acquired replica ordered by name.
func (node *Node) ListReplicas() []ReplicaInfo {
	var infos []ReplicaInfo
	node.call("node.ListReplicas", func() {
		for name, list := range node.replicas {
			for _, r := range list {
				infos = append(infos, ReplicaInfo{Name: name, State: r.State()})
			}
		}
	})
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ListPeers returns the URLs this node keeps connections to.
func (node *Node) ListPeers() []string {
	var urls []string
	node.call("node.ListPeers", func() {
		for u := range node.peers {
			urls = append(urls, u)
		}
	})
	sort.Strings(urls)
	return urls
}

// schemeOf returns the scheme of rawURL, or rawURL itself when it does not parse.
func schemeOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return rawURL
	}
	return u.Scheme
}
