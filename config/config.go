package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xiaonanln/goreplica/node"
	"github.com/xiaonanln/goreplica/transport"
	"github.com/xiaonanln/goreplica/util/logger"
	"github.com/xiaonanln/goreplica/util/pattern"
	"github.com/xiaonanln/goreplica/util/postgres"
)

// NodeConfig holds the settings of the node a process runs
type NodeConfig struct {
	ID                        string        `yaml:"id"`
	HostURL                   string        `yaml:"host_url"`
	AllowExternalRegistration bool          `yaml:"allow_external_registration"`
	RegistryURL               string        `yaml:"registry_url"`
	Connect                   []string      `yaml:"connect"` // Peers to keep connections to
	HeartbeatInterval         time.Duration `yaml:"heartbeat_interval"`
	IdleTimeout               time.Duration `yaml:"idle_timeout"`
	HandshakeTimeout          time.Duration `yaml:"handshake_timeout"`
	CallTimeout               time.Duration `yaml:"call_timeout"`
	MaxFrameSize              int           `yaml:"max_frame_size"`
	AuthSecret                string        `yaml:"auth_secret"` // Optional: shared secret peers must present
}

// EtcdConfig holds etcd-specific configuration
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// RegistryConfig configures the registry this process hosts, if any
type RegistryConfig struct {
	Host  bool       `yaml:"host"`
	Store string     `yaml:"store"` // memory or etcd
	Etcd  EtcdConfig `yaml:"etcd"`
}

// ProxyConfig holds the network-bridging settings of a proxy process
type ProxyConfig struct {
	InboundRegistryURL   string   `yaml:"inbound_registry_url"`
	InboundHostURL       string   `yaml:"inbound_host_url"`
	OutboundHostURL      string   `yaml:"outbound_host_url"`
	OutboundRegistryURL  string   `yaml:"outbound_registry_url"`
	HostOutboundRegistry bool     `yaml:"host_outbound_registry"`
	Filter               []string `yaml:"filter"` // Literal names or /regexp/ patterns
	Reverse              bool     `yaml:"reverse"`
}

// PostgresConfig holds PostgreSQL database connection configuration
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"` // Use "require" in production
	DSN      string `yaml:"dsn"`     // Optional: overrides the fields above

	MaxOpenConns int `yaml:"max_open_conns"`
}

// SQLiteConfig holds the database file used for persistence
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PersistenceConfig selects where persisted replica properties are kept
type PersistenceConfig struct {
	Provider string         `yaml:"provider"` // none, memory, sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Addr string `yaml:"addr"` // HTTP address serving /metrics, empty disables
}

// TLSConfig holds the certificates for tls:// and grpc:// URLs
type TLSConfig struct {
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// LoggingConfig sets the default log level
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the root configuration structure
type Config struct {
	Version     int               `yaml:"version"`
	Node        NodeConfig        `yaml:"node"`
	Registry    RegistryConfig    `yaml:"registry"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	TLS         TLSConfig         `yaml:"tls"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}

	for _, u := range []struct{ field, url string }{
		{"node.host_url", c.Node.HostURL},
		{"node.registry_url", c.Node.RegistryURL},
		{"proxy.inbound_registry_url", c.Proxy.InboundRegistryURL},
		{"proxy.inbound_host_url", c.Proxy.InboundHostURL},
		{"proxy.outbound_host_url", c.Proxy.OutboundHostURL},
		{"proxy.outbound_registry_url", c.Proxy.OutboundRegistryURL},
	} {
		if u.url == "" {
			continue
		}
		if _, _, err := transport.ParseURL(u.url); err != nil {
			return fmt.Errorf("%s: %w", u.field, err)
		}
	}
	for i, peer := range c.Node.Connect {
		if _, _, err := transport.ParseURL(peer); err != nil {
			return fmt.Errorf("node.connect[%d]: %w", i, err)
		}
	}
	if c.Node.HeartbeatInterval < 0 || c.Node.IdleTimeout < 0 || c.Node.CallTimeout < 0 || c.Node.HandshakeTimeout < 0 {
		return fmt.Errorf("node durations must not be negative")
	}
	if c.Node.IdleTimeout > 0 && c.Node.HeartbeatInterval > 0 && c.Node.IdleTimeout <= c.Node.HeartbeatInterval {
		return fmt.Errorf("node idle_timeout (%v) must exceed heartbeat_interval (%v)", c.Node.IdleTimeout, c.Node.HeartbeatInterval)
	}

	if c.Registry.Host {
		if c.Node.HostURL == "" {
			return fmt.Errorf("hosting a registry requires node.host_url")
		}
		if c.Node.RegistryURL != "" {
			return fmt.Errorf("a node cannot host a registry and use registry_url at the same time")
		}
		switch c.Registry.Store {
		case "", "memory":
		case "etcd":
			if len(c.Registry.Etcd.Endpoints) == 0 {
				return fmt.Errorf("at least one etcd endpoint is required")
			}
		default:
			return fmt.Errorf("unsupported registry store: %s (expected memory or etcd)", c.Registry.Store)
		}
	}

	if c.Proxy.HostOutboundRegistry && c.Proxy.OutboundRegistryURL != "" {
		return fmt.Errorf("proxy: host_outbound_registry and outbound_registry_url are exclusive")
	}
	if _, err := pattern.ParseAll(c.Proxy.Filter); err != nil {
		return fmt.Errorf("proxy filter: %w", err)
	}

	switch c.Persistence.Provider {
	case "", "none", "memory":
	case "sqlite":
		if c.Persistence.SQLite.Path == "" {
			return fmt.Errorf("persistence: sqlite path is required")
		}
	case "postgres":
		if err := c.PostgresConfig().Validate(); err != nil {
			return fmt.Errorf("persistence: postgres: %w", err)
		}
	default:
		return fmt.Errorf("unsupported persistence provider: %s", c.Persistence.Provider)
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls: cert_file and key_file must be set together")
	}
	if c.Logging.Level != "" {
		if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging: %w", err)
		}
	}

	return nil
}

// Capabilities returns the capabilities of the node's host URL.
func (c *Config) Capabilities() []node.Capability {
	if c.Node.AllowExternalRegistration {
		return []node.Capability{node.AllowExternalRegistration}
	}
	return nil
}

// PostgresConfig converts the persistence postgres section.
func (c *Config) PostgresConfig() *postgres.Config {
	p := c.Persistence.Postgres
	return &postgres.Config{
		Host:     p.Host,
		Port:     p.Port,
		User:     p.User,
		Password: p.Password,
		Database: p.Database,
		SSLMode:  p.SSLMode,
		DSN:      p.DSN,

		MaxOpenConns: p.MaxOpenConns,
	}
}

// NodeConfig builds the runtime node configuration. Persistence is left
// unset; the caller opens the provider and owns its lifetime.
func (c *Config) NodeConfig() (node.Config, error) {
	cfg := node.Config{
		NodeID:            c.Node.ID,
		HeartbeatInterval: c.Node.HeartbeatInterval,
		IdleTimeout:       c.Node.IdleTimeout,
		HandshakeTimeout:  c.Node.HandshakeTimeout,
		MaxFrameSize:      c.Node.MaxFrameSize,
		CallTimeout:       c.Node.CallTimeout,
	}
	if c.Node.AuthSecret != "" {
		cfg.AuthSecret = []byte(c.Node.AuthSecret)
	}
	tlsConfig, err := c.TLSConfig()
	if err != nil {
		return node.Config{}, err
	}
	cfg.TLS = tlsConfig
	return cfg, nil
}

// TLSConfig loads the configured certificates. It returns nil when no TLS
// setting is present.
func (c *Config) TLSConfig() (*tls.Config, error) {
	t := c.TLS
	if t.CertFile == "" && t.CAFile == "" && !t.InsecureSkipVerify {
		return nil, nil
	}
	cfg := &tls.Config{InsecureSkipVerify: t.InsecureSkipVerify}
	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CAFile)
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
	}
	return cfg, nil
}
