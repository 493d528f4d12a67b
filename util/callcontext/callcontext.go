package callcontext

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey int

const (
	// peerKey is the context key for storing the calling peer
	peerKey contextKey = iota
)

// Peer describes the node on the other end of the connection an
// invocation or property write arrived on.
type Peer struct {
	// NodeID is the id the peer announced in its handshake
	NodeID string
	// Address is the transport-level remote address
	Address string
	// Local is true when the connection never left this host (inproc:, local:)
	Local bool
}

// WithPeer returns a new context with the calling peer stored
func WithPeer(ctx context.Context, peer Peer) context.Context {
	return context.WithValue(ctx, peerKey, peer)
}

// PeerFrom retrieves the calling peer from the context
func PeerFrom(ctx context.Context) (Peer, bool) {
	peer, ok := ctx.Value(peerKey).(Peer)
	return peer, ok
}

// NodeID returns the calling node id, or empty string for local calls
func NodeID(ctx context.Context) string {
	if peer, ok := PeerFrom(ctx); ok {
		return peer.NodeID
	}
	return ""
}

// FromRemote checks if the context carries a calling peer
func FromRemote(ctx context.Context) bool {
	_, ok := PeerFrom(ctx)
	return ok
}
