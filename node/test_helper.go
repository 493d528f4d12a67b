package node

import (
	"context"
	"testing"
	"time"
)

// testStopTimeout bounds Stop in test cleanups.
const testStopTimeout = 5 * time.Second

// MustNewNode creates and starts a new node for testing. Reconnect backoff
// is shortened unless cfg sets it.
// The node is automatically stopped when the test completes via t.Cleanup.
func MustNewNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	if cfg.ReconnectInitial == 0 {
		cfg.ReconnectInitial = 20 * time.Millisecond
		cfg.ReconnectMax = 200 * time.Millisecond
	}
	n := New(cfg)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start node: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testStopTimeout)
		defer cancel()
		n.Stop(ctx)
	})
	return n
}
