package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

func init() {
	Register("tcp", tcpFactory{})
	Register("tls", tlsFactory{})
	Register("local", localFactory{})
}

// netStream adapts a net.Conn.
type netStream struct {
	net.Conn
	local bool
}

func (s *netStream) RemoteAddr() string { return s.Conn.RemoteAddr().String() }
func (s *netStream) Local() bool        { return s.local }

// netListener adapts a net.Listener.
type netListener struct {
	net.Listener
	url     string
	local   bool
	cleanup func()
}

func (l *netListener) Accept() (Stream, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, errListenerClosed
		}
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &netStream{Conn: c, local: l.local}, nil
}

func (l *netListener) Close() error {
	err := l.Listener.Close()
	if l.cleanup != nil {
		l.cleanup()
	}
	return err
}

func (l *netListener) URL() string { return l.url }

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type tcpFactory struct{}

func (tcpFactory) Dial(ctx context.Context, u *url.URL, opts Options) (Stream, error) {
	if err := requireHost(u); err != nil {
		return nil, err
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, err
	}
	return &netStream{Conn: c, local: isLoopback(c.RemoteAddr().String())}, nil
}

func (tcpFactory) Listen(u *url.URL, opts Options) (Listener, error) {
	if err := requireHost(u); err != nil {
		return nil, err
	}
	l, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}
	return &netListener{Listener: l, url: "tcp://" + resolvedHost(u.Host, l.Addr())}, nil
}

type tlsFactory struct{}

func (tlsFactory) Dial(ctx context.Context, u *url.URL, opts Options) (Stream, error) {
	if err := requireHost(u); err != nil {
		return nil, err
	}
	cfg := opts.TLS
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = u.Hostname()
	}
	d := tls.Dialer{Config: cfg}
	c, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, err
	}
	return &netStream{Conn: c}, nil
}

func (tlsFactory) Listen(u *url.URL, opts Options) (Listener, error) {
	if err := requireHost(u); err != nil {
		return nil, err
	}
	if opts.TLS == nil {
		return nil, errors.New("tls:// listener needs a TLS config")
	}
	l, err := tls.Listen("tcp", u.Host, opts.TLS)
	if err != nil {
		return nil, err
	}
	return &netListener{Listener: l, url: "tls://" + resolvedHost(u.Host, l.Addr())}, nil
}

// resolvedHost keeps the requested host name but fills in the bound port.
func resolvedHost(requested string, bound net.Addr) string {
	host, _, err := net.SplitHostPort(requested)
	if err != nil {
		return bound.String()
	}
	_, port, err := net.SplitHostPort(bound.String())
	if err != nil {
		return bound.String()
	}
	return net.JoinHostPort(host, port)
}

type localFactory struct{}

// SocketPath maps a local: name to its unix socket path.
func SocketPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	name = strings.NewReplacer("/", "_", "\\", "_").Replace(name)
	return filepath.Join(os.TempDir(), "goreplica-"+name+".sock")
}

func (localFactory) Dial(ctx context.Context, u *url.URL, opts Options) (Stream, error) {
	name, err := opaqueName(u)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", SocketPath(name))
	if err != nil {
		return nil, err
	}
	return &netStream{Conn: c, local: true}, nil
}

func (localFactory) Listen(u *url.URL, opts Options) (Listener, error) {
	name, err := opaqueName(u)
	if err != nil {
		return nil, err
	}
	path := SocketPath(name)
	// A socket file left behind by a crashed process blocks bind; remove it
	// only if nobody is accepting on it.
	if _, statErr := os.Stat(path); statErr == nil {
		if c, dialErr := net.Dial("unix", path); dialErr == nil {
			c.Close()
			return nil, errors.New("address already in use: " + path)
		}
		os.Remove(path)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	l.(*net.UnixListener).SetUnlinkOnClose(true)
	return &netListener{Listener: l, url: "local:" + name, local: true}, nil
}
