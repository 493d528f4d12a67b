package testutil

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

var (
	// recentPorts tracks recently allocated ports to prevent immediate reuse
	recentPorts   = make(map[int]struct{})
	recentOrder   []int
	recentPortsMu sync.Mutex

	inprocCounter atomic.Int64
)

const maxTrackedPorts = 1000

// GetFreePort returns an available TCP port on localhost by binding to port 0
// and immediately releasing it. Ports handed out recently are skipped so two
// rapid calls never return the same value.
// Panics if unable to allocate a port (should never happen in normal conditions).
func GetFreePort() int {
	const maxRetries = 100

	recentPortsMu.Lock()
	defer recentPortsMu.Unlock()

	for attempt := 0; attempt < maxRetries; attempt++ {
		listener, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			panic(fmt.Sprintf("failed to get free port: %v", err))
		}
		port := listener.Addr().(*net.TCPAddr).Port
		listener.Close()

		if _, seen := recentPorts[port]; seen {
			continue
		}

		recentPorts[port] = struct{}{}
		recentOrder = append(recentOrder, port)
		if len(recentOrder) > maxTrackedPorts {
			delete(recentPorts, recentOrder[0])
			recentOrder = recentOrder[1:]
		}
		return port
	}

	panic(fmt.Sprintf("failed to get unique free port after %d attempts", maxRetries))
}

// GetFreeAddress returns an available TCP address (localhost:port).
func GetFreeAddress() string {
	return fmt.Sprintf("localhost:%d", GetFreePort())
}

// TCPURL returns a tcp:// host URL on a free local port.
func TCPURL() string {
	return "tcp://" + GetFreeAddress()
}

// InprocURL returns an inproc: host URL that is unique within the process.
func InprocURL(t testing.TB) string {
	t.Helper()
	return fmt.Sprintf("inproc:%s-%d", sanitizeName(t.Name()), inprocCounter.Add(1))
}

func sanitizeName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
