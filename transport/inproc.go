package transport

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
)

func init() {
	Register("inproc", inprocFactory{})
}

var (
	inprocMu        sync.Mutex
	inprocListeners = map[string]*inprocListener{}
)

type inprocFactory struct{}

type inprocStream struct {
	net.Conn
	remote string
}

func (s *inprocStream) RemoteAddr() string { return s.remote }
func (s *inprocStream) Local() bool        { return true }

type inprocListener struct {
	name    string
	conns   chan Stream
	closed  chan struct{}
	closeMu sync.Once
}

func (inprocFactory) Dial(ctx context.Context, u *url.URL, opts Options) (Stream, error) {
	name, err := opaqueName(u)
	if err != nil {
		return nil, err
	}

	inprocMu.Lock()
	l := inprocListeners[name]
	inprocMu.Unlock()
	if l == nil {
		return nil, errors.New("inproc: nothing listening on " + name)
	}

	client, server := net.Pipe()
	select {
	case l.conns <- &inprocStream{Conn: server, remote: "inproc-client"}:
		return &inprocStream{Conn: client, remote: "inproc:" + name}, nil
	case <-l.closed:
		client.Close()
		server.Close()
		return nil, errors.New("inproc: listener closed")
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

func (inprocFactory) Listen(u *url.URL, opts Options) (Listener, error) {
	name, err := opaqueName(u)
	if err != nil {
		return nil, err
	}

	inprocMu.Lock()
	defer inprocMu.Unlock()
	if _, exists := inprocListeners[name]; exists {
		return nil, errors.New("inproc: address already in use: " + name)
	}
	l := &inprocListener{
		name:   name,
		conns:  make(chan Stream),
		closed: make(chan struct{}),
	}
	inprocListeners[name] = l
	return l, nil
}

func (l *inprocListener) Accept() (Stream, error) {
	select {
	case s := <-l.conns:
		return s, nil
	case <-l.closed:
		return nil, errListenerClosed
	}
}

func (l *inprocListener) Close() error {
	l.closeMu.Do(func() {
		inprocMu.Lock()
		if inprocListeners[l.name] == l {
			delete(inprocListeners, l.name)
		}
		inprocMu.Unlock()
		close(l.closed)
	})
	return nil
}

func (l *inprocListener) URL() string { return "inproc:" + l.name }
