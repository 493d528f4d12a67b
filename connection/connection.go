// Package connection runs the replication protocol over one transport stream:
// the handshake, ordered frame delivery in both directions, and liveness
// detection through heartbeats.
//
// A Connection owns two goroutines. The reader decodes frames and hands them
// to the Handler; the writer drains an unbounded FIFO queue so Send never
// blocks the caller. Handler callbacks run on the reader goroutine and are
// expected to post the work somewhere else (the node's event loop).
package connection

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaonanln/goreplica/codec"
	"github.com/xiaonanln/goreplica/transport"
	rerrors "github.com/xiaonanln/goreplica/util/errors"
	"github.com/xiaonanln/goreplica/util/logger"
	"github.com/xiaonanln/goreplica/util/metrics"
)

// State is the lifecycle state of a connection.
type State int32

const (
	// Connecting until both handshakes were exchanged.
	Connecting State = iota
	// Open connections carry object frames.
	Open
	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Open:
		return "Open"
	case Closed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Handler receives connection events. Calls for one connection never overlap.
type Handler interface {
	// OnOpen runs once the peer's handshake was accepted.
	OnOpen(c *Connection)
	// OnFrame runs for every non-handshake, non-heartbeat frame while Open.
	OnFrame(c *Connection, f codec.Frame)
	// OnClosed runs exactly once, whatever the cause.
	OnClosed(c *Connection, err error)
}

// Config controls handshake and liveness behavior.
type Config struct {
	// NodeID is announced in our handshake.
	NodeID string
	// AuthSecret, when set, requires both sides to present an HS256 token signed with it.
	AuthSecret []byte
	// HeartbeatInterval is how long the connection may stay silent before a heartbeat is sent. Zero disables.
	HeartbeatInterval time.Duration
	// IdleTimeout closes the connection when nothing arrives for that long. Zero disables.
	IdleTimeout time.Duration
	// HandshakeTimeout bounds the time to receive the peer's handshake. Zero means 10s.
	HandshakeTimeout time.Duration
	// MaxFrameSize bounds inbound frames. Zero means codec.DefaultMaxFrameSize.
	MaxFrameSize int
}

// DefaultHandshakeTimeout applies when Config.HandshakeTimeout is zero.
const DefaultHandshakeTimeout = 10 * time.Second

// Connection is one replication session with a peer node.
type Connection struct {
	cfg      Config
	stream   transport.Stream
	handler  Handler
	outbound bool
	url      string
	logger   *logger.Logger

	state  atomic.Int32
	peerID atomic.Value // string

	mu     sync.Mutex
	queue  [][]byte
	signal chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	lastRecv   atomic.Int64
	lastSend   atomic.Int64
	nextCallID atomic.Uint64
}

// New wraps stream. url is the address we dialed, empty for accepted streams.
// Nothing happens until Start.
func New(stream transport.Stream, handler Handler, cfg Config, url string) *Connection {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = codec.DefaultMaxFrameSize
	}
	c := &Connection{
		cfg:      cfg,
		stream:   stream,
		handler:  handler,
		outbound: url != "",
		url:      url,
		logger:   logger.NewLogger(fmt.Sprintf("Conn@%s", stream.RemoteAddr())),
		signal:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	c.peerID.Store("")
	now := time.Now().UnixNano()
	c.lastRecv.Store(now)
	c.lastSend.Store(now)
	return c
}

// Start queues our handshake and launches the reader, writer and liveness goroutines.
func (c *Connection) Start() error {
	hs := codec.Handshake{Version: codec.ProtocolVersion, NodeID: c.cfg.NodeID}
	if len(c.cfg.AuthSecret) > 0 {
		token, err := IssueToken(c.cfg.AuthSecret, c.cfg.NodeID, time.Now())
		if err != nil {
			c.closeWith(rerrors.Wrap(rerrors.KindInvalidArgument, "connection.Start", err))
			return err
		}
		hs.Token = token
	}
	c.enqueue(codec.Frame{Kind: codec.FrameHandshake, Payload: hs.Marshal()})

	go c.writeLoop()
	go c.readLoop()
	go c.livenessLoop()
	return nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// PeerNodeID returns the node id from the peer's handshake, empty before Open.
func (c *Connection) PeerNodeID() string {
	return c.peerID.Load().(string)
}

// RemoteAddr describes the transport peer.
func (c *Connection) RemoteAddr() string {
	return c.stream.RemoteAddr()
}

// Local reports whether the transport stays on this host.
func (c *Connection) Local() bool {
	return c.stream.Local()
}

// Outbound reports whether we dialed this connection.
func (c *Connection) Outbound() bool {
	return c.outbound
}

// URL returns the dialed URL, empty for accepted connections.
func (c *Connection) URL() string {
	return c.url
}

// NextCallID allocates a call id. Ids start at 1; 0 means "no reply expected".
func (c *Connection) NextCallID() uint64 {
	return c.nextCallID.Add(1)
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Err returns the close reason once Done is closed.
func (c *Connection) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Send queues f for transmission and returns immediately.
// Frames are written in the order Send was called.
func (c *Connection) Send(f codec.Frame) error {
	if c.State() == Closed {
		return rerrors.New(rerrors.KindNoConnection, "connection.Send", "connection to %s is closed", c.RemoteAddr())
	}
	c.enqueue(f)
	return nil
}

func (c *Connection) enqueue(f codec.Frame) {
	buf := codec.AppendFrame(make([]byte, 0, f.Size()), f)
	c.mu.Lock()
	c.queue = append(c.queue, buf)
	c.mu.Unlock()
	metrics.RecordFrameSent(c.cfg.NodeID, f.Kind.String())

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Close closes the connection with a NoConnection reason.
func (c *Connection) Close() {
	c.closeWith(rerrors.New(rerrors.KindNoConnection, "connection.Close", "closed locally"))
}

// CloseWithError closes the connection with err as the reason.
func (c *Connection) CloseWithError(err error) {
	c.closeWith(err)
}

func (c *Connection) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closed))
		c.closeErr = err
		close(c.closed)
		c.stream.Close()
		if err != nil && rerrors.KindOf(err) != rerrors.KindNoConnection {
			c.logger.Warnf("Connection closed: %v", err)
		} else {
			c.logger.Debugf("Connection closed: %v", err)
		}
		if c.handler != nil {
			c.handler.OnClosed(c, err)
		}
	})
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.signal:
		}

		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, buf := range batch {
			if _, err := c.stream.Write(buf); err != nil {
				c.closeWith(rerrors.Wrap(rerrors.KindNoConnection, "connection.write", err))
				return
			}
			c.lastSend.Store(time.Now().UnixNano())
		}
	}
}

func (c *Connection) readLoop() {
	for {
		f, err := codec.ReadFrame(c.stream, c.cfg.MaxFrameSize)
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				err = rerrors.New(rerrors.KindNoConnection, "connection.read", "peer closed the stream")
			} else if rerrors.KindOf(err) == "" {
				err = rerrors.Wrap(rerrors.KindNoConnection, "connection.read", err)
			}
			c.closeWith(err)
			return
		}
		c.lastRecv.Store(time.Now().UnixNano())
		metrics.RecordFrameReceived(c.cfg.NodeID, f.Kind.String())

		if err := c.dispatch(f); err != nil {
			c.closeWith(err)
			return
		}
	}
}

func (c *Connection) dispatch(f codec.Frame) error {
	const op = "connection.dispatch"
	switch {
	case c.State() == Connecting:
		if f.Kind != codec.FrameHandshake {
			return rerrors.New(rerrors.KindInvalidMessage, op, "%s frame before handshake", f.Kind)
		}
		return c.acceptHandshake(f.Payload)

	case f.Kind == codec.FrameHandshake:
		return rerrors.New(rerrors.KindInvalidMessage, op, "duplicate handshake")

	case f.Kind == codec.FrameHeartbeat:
		return nil
	}

	if c.State() == Open && c.handler != nil {
		c.handler.OnFrame(c, f)
	}
	return nil
}

func (c *Connection) acceptHandshake(payload []byte) error {
	const op = "connection.handshake"
	hs, err := codec.UnmarshalHandshake(payload)
	if err != nil {
		return err
	}
	if hs.Version != codec.ProtocolVersion {
		return rerrors.New(rerrors.KindInvalidMessage, op, "protocol version %d, want %d", hs.Version, codec.ProtocolVersion)
	}
	if hs.NodeID == "" {
		return rerrors.New(rerrors.KindInvalidMessage, op, "peer sent empty node id")
	}
	if hs.NodeID == c.cfg.NodeID {
		return rerrors.New(rerrors.KindInvalidMessage, op, "connected to self")
	}
	if len(c.cfg.AuthSecret) > 0 {
		if err := VerifyToken(c.cfg.AuthSecret, hs.Token, hs.NodeID); err != nil {
			return rerrors.New(rerrors.KindInvalidMessage, op, "authentication failed for %s: %v", hs.NodeID, err)
		}
	}

	c.peerID.Store(hs.NodeID)
	if !c.state.CompareAndSwap(int32(Connecting), int32(Open)) {
		return nil
	}
	c.logger.SetPrefix(fmt.Sprintf("Conn@%s", hs.NodeID))
	c.logger.Debugf("Handshake accepted from %s (%s)", hs.NodeID, c.RemoteAddr())
	if c.handler != nil {
		c.handler.OnOpen(c)
	}
	return nil
}

// livenessLoop sends heartbeats and enforces the handshake and idle timeouts.
func (c *Connection) livenessLoop() {
	tick := c.tickInterval()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	handshakeDeadline := time.Now().Add(c.cfg.HandshakeTimeout)

	for {
		select {
		case <-c.closed:
			return
		case now := <-ticker.C:
			switch c.State() {
			case Connecting:
				if now.After(handshakeDeadline) {
					c.closeWith(rerrors.New(rerrors.KindTimeout, "connection.handshake", "no handshake within %v", c.cfg.HandshakeTimeout))
					return
				}
			case Open:
				if c.cfg.IdleTimeout > 0 && now.Sub(time.Unix(0, c.lastRecv.Load())) > c.cfg.IdleTimeout {
					c.closeWith(rerrors.New(rerrors.KindTimeout, "connection.idle", "nothing received for %v", c.cfg.IdleTimeout))
					return
				}
				if c.cfg.HeartbeatInterval > 0 && now.Sub(time.Unix(0, c.lastSend.Load())) >= c.cfg.HeartbeatInterval {
					c.Send(codec.Frame{Kind: codec.FrameHeartbeat})
				}
			}
		}
	}
}

func (c *Connection) tickInterval() time.Duration {
	tick := c.cfg.HandshakeTimeout / 4
	if c.cfg.HeartbeatInterval > 0 && c.cfg.HeartbeatInterval/2 < tick {
		tick = c.cfg.HeartbeatInterval / 2
	}
	if c.cfg.IdleTimeout > 0 && c.cfg.IdleTimeout/4 < tick {
		tick = c.cfg.IdleTimeout / 4
	}
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	return tick
}
