package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

func init() {
	Register("ws", wsFactory{})
	Register("wss", wsFactory{secure: true})
}

type wsFactory struct {
	secure bool
}

// wsStream maps the byte stream onto binary websocket messages. Every Write
// becomes one message; Read drains messages back to back.
type wsStream struct {
	conn *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
	closed  bool
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for {
		if s.reader == nil {
			mt, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return 0, net.ErrClosed
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.writeMu.Lock()
	if !s.closed {
		s.closed = true
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *wsStream) RemoteAddr() string { return s.conn.RemoteAddr().String() }
func (s *wsStream) Local() bool        { return isLoopback(s.conn.RemoteAddr().String()) }

func (f wsFactory) Dial(ctx context.Context, u *url.URL, opts Options) (Stream, error) {
	if err := requireHost(u); err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.dialTimeout(),
		TLSClientConfig:  opts.TLS,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return newWSStream(conn), nil
}

type wsListener struct {
	server   *http.Server
	listener net.Listener
	url      string
	conns    chan Stream
	closed   chan struct{}
	once     sync.Once
}

func (f wsFactory) Listen(u *url.URL, opts Options) (Listener, error) {
	if err := requireHost(u); err != nil {
		return nil, err
	}
	if f.secure && opts.TLS == nil {
		return nil, errors.New("wss:// listener needs a TLS config")
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	scheme := "ws"
	if f.secure {
		scheme = "wss"
	}

	l := &wsListener{
		listener: ln,
		url:      scheme + "://" + resolvedHost(u.Host, ln.Addr()) + path,
		conns:    make(chan Stream),
		closed:   make(chan struct{}),
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case l.conns <- newWSStream(conn):
		case <-l.closed:
			conn.Close()
		}
	})
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if f.secure {
			l.server.Serve(newTLSListener(ln, opts))
		} else {
			l.server.Serve(ln)
		}
	}()
	return l, nil
}

func (l *wsListener) Accept() (Stream, error) {
	select {
	case s := <-l.conns:
		return s, nil
	case <-l.closed:
		return nil, errListenerClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.server.Close()
	})
	return err
}

func (l *wsListener) URL() string { return l.url }

// newTLSListener wraps ln for the wss:// listener.
func newTLSListener(ln net.Listener, opts Options) net.Listener {
	return tls.NewListener(ln, opts.TLS)
}
