package transport

import (
	"context"
	"io"
	"net"
	"net/url"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func init() {
	Register("grpc", grpcFactory{})
}

const (
	grpcServiceName = "goreplica.transport.Stream"
	grpcMethodPipe  = "/" + grpcServiceName + "/Pipe"
)

// pipeServer is the handler type the service descriptor is registered with.
type pipeServer interface {
	pipe(stream grpc.ServerStream) error
}

var pipeServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*pipeServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Pipe",
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(pipeServer).pipe(stream)
			},
		},
	},
}

// msgStream is the part of grpc.ClientStream and grpc.ServerStream we use.
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// grpcStream carries the byte stream as a sequence of BytesValue messages.
type grpcStream struct {
	stream  msgStream
	remote  string
	local   bool
	pending []byte

	writeMu sync.Mutex

	closeOnce sync.Once
	onClose   func()
	done      chan struct{}
}

func (s *grpcStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		msg := &wrapperspb.BytesValue{}
		if err := s.stream.RecvMsg(msg); err != nil {
			if err == io.EOF || status.Code(err) == codes.Canceled {
				return 0, io.EOF
			}
			return 0, err
		}
		s.pending = msg.GetValue()
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *grpcStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return 0, net.ErrClosed
	default:
	}
	if err := s.stream.SendMsg(&wrapperspb.BytesValue{Value: p}); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *grpcStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

func (s *grpcStream) RemoteAddr() string { return s.remote }
func (s *grpcStream) Local() bool        { return s.local }

type grpcFactory struct{}

func (grpcFactory) Dial(ctx context.Context, u *url.URL, opts Options) (Stream, error) {
	if err := requireHost(u); err != nil {
		return nil, err
	}

	creds := insecure.NewCredentials()
	if opts.TLS != nil {
		creds = credentials.NewTLS(opts.TLS)
	}
	conn, err := grpc.NewClient(u.Host, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, err
	}

	// The stream outlives ctx, which only bounds establishment.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	cs, err := conn.NewStream(streamCtx, &pipeServiceDesc.Streams[0], grpcMethodPipe, grpc.WaitForReady(true))
	if err == nil {
		// NewStream returns before headers arrive; wait for them so a dead
		// server is reported by Dial rather than by the first Read.
		_, err = cs.Header()
	}
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		conn.Close()
		return nil, err
	}

	s := &grpcStream{
		stream: cs,
		remote: u.Host,
		local:  isLoopback(u.Host),
		done:   make(chan struct{}),
	}
	// Cancelling the stream context also unblocks a SendMsg stuck on flow control.
	s.onClose = func() {
		cancel()
		conn.Close()
	}
	return s, nil
}

type grpcListener struct {
	server   *grpc.Server
	listener net.Listener
	url      string
	conns    chan *grpcStream
	closed   chan struct{}
	once     sync.Once
}

func (grpcFactory) Listen(u *url.URL, opts Options) (Listener, error) {
	if err := requireHost(u); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}

	var serverOpts []grpc.ServerOption
	if opts.TLS != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(opts.TLS)))
	}

	l := &grpcListener{
		server:   grpc.NewServer(serverOpts...),
		listener: ln,
		url:      "grpc://" + resolvedHost(u.Host, ln.Addr()),
		conns:    make(chan *grpcStream),
		closed:   make(chan struct{}),
	}
	l.server.RegisterService(&pipeServiceDesc, l)
	go l.server.Serve(ln)
	return l, nil
}

// pipe runs for the lifetime of one inbound stream.
func (l *grpcListener) pipe(ss grpc.ServerStream) error {
	remote := "grpc-peer"
	if p, ok := peer.FromContext(ss.Context()); ok && p.Addr != nil {
		remote = p.Addr.String()
	}
	s := &grpcStream{
		stream: ss,
		remote: remote,
		local:  isLoopback(remote),
		done:   make(chan struct{}),
	}

	// Send headers so the dialing side's Header() returns.
	if err := ss.SendHeader(nil); err != nil {
		return err
	}

	select {
	case l.conns <- s:
	case <-l.closed:
		return status.Error(codes.Unavailable, "listener closed")
	case <-ss.Context().Done():
		return ss.Context().Err()
	}

	select {
	case <-s.done:
		return nil
	case <-ss.Context().Done():
		return nil
	case <-l.closed:
		return status.Error(codes.Unavailable, "listener closed")
	}
}

func (l *grpcListener) Accept() (Stream, error) {
	select {
	case s := <-l.conns:
		return s, nil
	case <-l.closed:
		return nil, errListenerClosed
	}
}

func (l *grpcListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.server.Stop()
	})
	return nil
}

func (l *grpcListener) URL() string { return l.url }
