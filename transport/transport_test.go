package transport

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/xiaonanln/goreplica/util/errors"
	"github.com/xiaonanln/goreplica/util/testutil"
)

var localCounter atomic.Int64

func echoRoundTrip(t *testing.T, hostURL string) {
	t.Helper()

	l, err := Listen(hostURL, Options{})
	require.NoError(t, err)
	defer l.Close()

	go func() {
		s, err := l.Accept()
		if err != nil {
			return
		}
		defer s.Close()
		io.Copy(s, s)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Dial(ctx, l.URL(), Options{})
	require.NoError(t, err)
	defer s.Close()

	messages := []string{"hello", "", "world", strings.Repeat("x", 64*1024)}
	for _, msg := range messages {
		if msg == "" {
			continue
		}
		_, err := s.Write([]byte(msg))
		require.NoError(t, err)

		buf := make([]byte, len(msg))
		_, err = io.ReadFull(s, buf)
		require.NoError(t, err)
		assert.Equal(t, msg, string(buf))
	}
	assert.NotEmpty(t, s.RemoteAddr())
}

func TestTransports(t *testing.T) {
	tests := []struct {
		name string
		url  func(t *testing.T) string
	}{
		{"inproc", func(t *testing.T) string { return testutil.InprocURL(t) }},
		{"tcp", func(t *testing.T) string { return "tcp://127.0.0.1:0" }},
		{"local", func(t *testing.T) string {
			return fmt.Sprintf("local:transport-test-%d-%d", time.Now().UnixNano(), localCounter.Add(1))
		}},
		{"ws", func(t *testing.T) string { return "ws://127.0.0.1:0/replica" }},
		{"grpc", func(t *testing.T) string { return "grpc://127.0.0.1:0" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			echoRoundTrip(t, tt.url(t))
		})
	}
}

func TestListenerURLResolvesPort(t *testing.T) {
	l, err := Listen("tcp://127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer l.Close()

	u, err := url.Parse(l.URL())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", u.Hostname())
	assert.NotEqual(t, "0", u.Port())
}

func TestLocalStreamsAreLocal(t *testing.T) {
	url := testutil.InprocURL(t)
	l, err := Listen(url, Options{})
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan Stream, 1)
	go func() {
		s, err := l.Accept()
		if err == nil {
			accepted <- s
		}
	}()

	s, err := Dial(context.Background(), url, Options{})
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, s.Local())

	server := <-accepted
	defer server.Close()
	assert.True(t, server.Local())
}

func TestURLErrors(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"no scheme", "localhost:1234"},
		{"unknown scheme", "carrier-pigeon://coop"},
		{"tcp without host", "tcp://"},
		{"inproc without name", "inproc:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Listen(tt.url, Options{})
			require.Error(t, err)
			assert.ErrorIs(t, err, rerrors.ErrHostUrlInvalid)
		})
	}
}

func TestDialNothingListening(t *testing.T) {
	_, err := Dial(context.Background(), "inproc:nobody-home", Options{})
	require.ErrorIs(t, err, rerrors.ErrSocketAccessError)

	_, err = Dial(context.Background(), "tcp://"+testutil.GetFreeAddress(), Options{DialTimeout: time.Second})
	require.ErrorIs(t, err, rerrors.ErrSocketAccessError)
}

func TestListenTwice(t *testing.T) {
	url := testutil.InprocURL(t)
	l, err := Listen(url, Options{})
	require.NoError(t, err)
	defer l.Close()

	_, err = Listen(url, Options{})
	require.ErrorIs(t, err, rerrors.ErrListenFailed)
}

func TestAcceptAfterClose(t *testing.T) {
	for _, u := range []string{testutil.InprocURL(t), "tcp://127.0.0.1:0"} {
		l, err := Listen(u, Options{})
		require.NoError(t, err)
		require.NoError(t, l.Close())

		_, err = l.Accept()
		assert.True(t, IsClosed(err), "expected closed error for %s, got %v", u, err)
	}
}

type fakeFactory struct{}

func (fakeFactory) Dial(ctx context.Context, u *url.URL, opts Options) (Stream, error) {
	return nil, fmt.Errorf("fake dial %s", u.Opaque)
}

func (fakeFactory) Listen(u *url.URL, opts Options) (Listener, error) {
	return nil, fmt.Errorf("fake listen %s", u.Opaque)
}

func TestRegister(t *testing.T) {
	Register("ble", fakeFactory{})

	assert.Contains(t, Schemes(), "ble")
	_, ok := Lookup("BLE")
	assert.True(t, ok)

	_, err := Dial(context.Background(), "ble:device", Options{})
	require.ErrorIs(t, err, rerrors.ErrSocketAccessError)
	assert.Contains(t, err.Error(), "fake dial device")
}
