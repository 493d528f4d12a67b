// Package transport provides the duplex byte streams connections run over.
//
// A transport is selected by the scheme of a host URL. Built-in schemes:
//
//	local:<name>          unix domain socket in os.TempDir (or an absolute path)
//	tcp://host:port       plain TCP
//	tls://host:port       TCP with TLS (Options.TLS)
//	ws://host:port/path   websocket, one binary message per write
//	grpc://host:port      gRPC bidirectional stream
//	inproc:<name>         in-process pipe, no sockets
//
// Additional schemes are added with Register.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	rerrors "github.com/xiaonanln/goreplica/util/errors"
)

// Stream is an established, ordered, reliable byte stream.
type Stream interface {
	io.ReadWriteCloser
	// RemoteAddr describes the other end for logs.
	RemoteAddr() string
	// Local reports whether the stream never leaves this host.
	Local() bool
}

// Listener accepts inbound streams for a hosted URL.
type Listener interface {
	// Accept blocks until a peer connects or the listener is closed.
	Accept() (Stream, error)
	Close() error
	// URL is the effective address, with any port 0 resolved.
	URL() string
}

// Options tune dialing and listening.
type Options struct {
	// TLS is required for tls:// and enables TLS for grpc://.
	TLS *tls.Config
	// DialTimeout bounds Dial when the context has no deadline. Zero means 10s.
	DialTimeout time.Duration
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return 10 * time.Second
}

// Factory creates streams for one URL scheme.
type Factory interface {
	Dial(ctx context.Context, u *url.URL, opts Options) (Stream, error)
	Listen(u *url.URL, opts Options) (Listener, error)
}

var (
	registryMu sync.RWMutex
	factories  = map[string]Factory{}
)

// Register installs f for scheme, replacing any previous factory.
func Register(scheme string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[strings.ToLower(scheme)] = f
}

// Lookup returns the factory registered for scheme.
func Lookup(scheme string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := factories[strings.ToLower(scheme)]
	return f, ok
}

// Schemes lists the registered schemes in sorted order.
func Schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(factories))
	for s := range factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ParseURL parses and validates a host URL. Errors are KindHostUrlInvalid.
func ParseURL(raw string) (*url.URL, Factory, error) {
	const op = "transport.ParseURL"
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, rerrors.Wrap(rerrors.KindHostUrlInvalid, op, err)
	}
	if u.Scheme == "" {
		return nil, nil, rerrors.New(rerrors.KindHostUrlInvalid, op, "%q has no scheme", raw)
	}
	f, ok := Lookup(u.Scheme)
	if !ok {
		return nil, nil, rerrors.New(rerrors.KindHostUrlInvalid, op, "unsupported scheme %q", u.Scheme)
	}
	return u, f, nil
}

// Dial connects to rawURL. Failures to reach the peer are KindSocketAccessError.
func Dial(ctx context.Context, rawURL string, opts Options) (Stream, error) {
	u, f, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.dialTimeout())
		defer cancel()
	}
	s, err := f.Dial(ctx, u, opts)
	if err != nil {
		if rerrors.KindOf(err) == rerrors.KindHostUrlInvalid {
			return nil, err
		}
		return nil, rerrors.Wrap(rerrors.KindSocketAccessError, "transport.Dial "+rawURL, err)
	}
	return s, nil
}

// Listen starts accepting streams on rawURL. Failures are KindListenFailed.
func Listen(rawURL string, opts Options) (Listener, error) {
	u, f, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	l, err := f.Listen(u, opts)
	if err != nil {
		if rerrors.KindOf(err) == rerrors.KindHostUrlInvalid {
			return nil, err
		}
		return nil, rerrors.Wrap(rerrors.KindListenFailed, "transport.Listen "+rawURL, err)
	}
	return l, nil
}

// opaqueName returns the name part of scheme:name URLs.
func opaqueName(u *url.URL) (string, error) {
	name := u.Opaque
	if name == "" {
		name = u.Path
	}
	if name == "" {
		name = u.Host
	}
	if name == "" {
		return "", rerrors.New(rerrors.KindHostUrlInvalid, "transport", "%s URL needs a name", u.Scheme)
	}
	return name, nil
}

func requireHost(u *url.URL) error {
	if u.Host == "" {
		return rerrors.New(rerrors.KindHostUrlInvalid, "transport", "%s URL needs host:port", u.Scheme)
	}
	return nil
}

// errListenerClosed is returned by Accept after Close.
var errListenerClosed = fmt.Errorf("transport: listener closed")

// IsClosed reports whether err came from Accept on a closed listener.
func IsClosed(err error) bool {
	return err == errListenerClosed
}
