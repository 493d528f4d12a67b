package node

import (
	"crypto/tls"
	"strings"
	"time"

	"github.com/xiaonanln/goreplica/object"
	"github.com/xiaonanln/goreplica/util/uniqueid"
)

// Capability flags a hosted URL.
type Capability uint32

const (
	// AllowExternalRegistration lets peers on other hosts register sources
	// with a registry hosted by this node.
	AllowExternalRegistration Capability = 1 << iota
)

func (c Capability) String() string {
	var parts []string
	if c&AllowExternalRegistration != 0 {
		parts = append(parts, "AllowExternalRegistration")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Default values applied by New for zero Config fields.
const (
	DefaultCallTimeout       = 30 * time.Second
	DefaultReconnectInitial  = 100 * time.Millisecond
	DefaultReconnectMax      = 10 * time.Second
	DefaultPersistenceWorker = 2
)

// Config holds the runtime settings of a Node.
type Config struct {
	// NodeID identifies the node in handshakes. Empty means a fresh ULID.
	NodeID string

	// HeartbeatInterval and IdleTimeout apply to every connection. Zero disables.
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	HandshakeTimeout  time.Duration
	MaxFrameSize      int

	// AuthSecret, when set, is required from every peer.
	AuthSecret []byte
	// TLS is used for tls:// and grpc:// URLs, both listening and dialing.
	TLS *tls.Config

	// CallTimeout is the default for Replica.Invoke.
	CallTimeout time.Duration

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// Persistence stores persisted replica properties. Nil disables persistence.
	Persistence        object.PersistenceProvider
	PersistenceWorkers int
}

func (cfg Config) withDefaults() Config {
	if cfg.NodeID == "" {
		cfg.NodeID = uniqueid.UniqueId()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = DefaultReconnectInitial
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	if cfg.ReconnectMax < cfg.ReconnectInitial {
		cfg.ReconnectMax = cfg.ReconnectInitial
	}
	if cfg.PersistenceWorkers <= 0 {
		cfg.PersistenceWorkers = DefaultPersistenceWorker
	}
	return cfg
}
