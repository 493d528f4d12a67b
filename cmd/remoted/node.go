package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xiaonanln/goreplica/config"
)

// NodeOptions holds flags for the node and registry commands.
type NodeOptions struct {
	ID                        string
	HostURL                   string
	RegistryURL               string
	Connect                   []string
	AllowExternalRegistration bool
	Persistence               string
	SQLitePath                string
	PostgresDSN               string

	// registry only
	Store         string
	EtcdEndpoints []string
	EtcdPrefix    string
}

// NewNodeCommand creates the node command.
func NewNodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NodeOptions{}

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a replication node",
		Long: `Run a node that serves sources and replicas to its peers.

The node listens on --host, joins the registry at --registry and keeps
connections to every --connect peer until it is interrupted.`,
		Example: `  remoted node --host tcp://0.0.0.0:9001 --registry tcp://10.0.0.1:9000
  remoted node --connect tcp://10.0.0.2:9001 --persistence sqlite --sqlite-path replicas.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig(opts.apply(cmd, false))
			if err != nil {
				return err
			}
			return runNode(cmd, cfg)
		},
	}
	opts.addNodeFlags(cmd)
	cmd.Flags().StringVar(&opts.RegistryURL, "registry", "", "URL of the registry to join")
	return cmd
}

// NewRegistryCommand creates the registry command.
func NewRegistryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NodeOptions{}

	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Run a node hosting the registry",
		Long: `Run a node that hosts the registry other nodes join.

Entries are kept in memory unless --store etcd is given, in which case they
are stored under --etcd-prefix and shared by every registry host using the
same etcd cluster.`,
		Example: `  remoted registry --host tcp://0.0.0.0:9000 --allow-external-registration
  remoted registry --host tcp://0.0.0.0:9000 --store etcd --etcd-endpoints localhost:2379`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig(opts.apply(cmd, true))
			if err != nil {
				return err
			}
			return runNode(cmd, cfg)
		},
	}
	opts.addNodeFlags(cmd)
	opts.addRegistryFlags(cmd)
	return cmd
}

func (opts *NodeOptions) addNodeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&opts.ID, "id", "", "node ID (generated when empty)")
	cmd.Flags().StringVar(&opts.HostURL, "host", "", "URL to listen on (tcp://, tls://, ws://, grpc://)")
	cmd.Flags().StringSliceVar(&opts.Connect, "connect", nil, "peer host URLs to connect to")
	cmd.Flags().BoolVar(&opts.AllowExternalRegistration, "allow-external-registration", false, "let peers register sources through this node")
	cmd.Flags().StringVar(&opts.Persistence, "persistence", "", "persistence provider (none|memory|sqlite|postgres)")
	cmd.Flags().StringVar(&opts.SQLitePath, "sqlite-path", "", "database file for --persistence sqlite")
	cmd.Flags().StringVar(&opts.PostgresDSN, "postgres-dsn", "", "connection string for --persistence postgres")
}

func (opts *NodeOptions) addRegistryFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&opts.Store, "store", "", "registry store (memory|etcd)")
	cmd.Flags().StringSliceVar(&opts.EtcdEndpoints, "etcd-endpoints", nil, "etcd endpoints for --store etcd")
	cmd.Flags().StringVar(&opts.EtcdPrefix, "etcd-prefix", "", "key prefix for --store etcd")
}

// apply returns a config override setting every flag the user changed.
func (opts *NodeOptions) apply(cmd *cobra.Command, hostRegistry bool) func(*config.Config) {
	return func(cfg *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("id") {
			cfg.Node.ID = opts.ID
		}
		if flags.Changed("host") {
			cfg.Node.HostURL = opts.HostURL
		}
		if flags.Changed("registry") {
			cfg.Node.RegistryURL = opts.RegistryURL
		}
		if flags.Changed("connect") {
			cfg.Node.Connect = opts.Connect
		}
		if flags.Changed("allow-external-registration") {
			cfg.Node.AllowExternalRegistration = opts.AllowExternalRegistration
		}
		if flags.Changed("persistence") {
			cfg.Persistence.Provider = opts.Persistence
		}
		if flags.Changed("sqlite-path") {
			cfg.Persistence.SQLite.Path = opts.SQLitePath
		}
		if flags.Changed("postgres-dsn") {
			cfg.Persistence.Postgres.DSN = opts.PostgresDSN
		}
		if !hostRegistry {
			return
		}
		cfg.Registry.Host = true
		if flags.Changed("store") {
			cfg.Registry.Store = strings.ToLower(opts.Store)
		}
		if flags.Changed("etcd-endpoints") {
			cfg.Registry.Etcd.Endpoints = opts.EtcdEndpoints
		}
		if flags.Changed("etcd-prefix") {
			cfg.Registry.Etcd.Prefix = opts.EtcdPrefix
		}
	}
}

// runNode starts the node described by cfg and blocks until the command's
// context is cancelled or the process is signalled.
func runNode(cmd *cobra.Command, cfg *config.Config) error {
	ctx, stopSignals := signalContext(cmd.Context())
	defer stopSignals()

	serveMetrics(ctx, cfg.Metrics.Addr)
	n, stop, err := startNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer stop()

	role := "node"
	if cfg.Registry.Host {
		role = "registry"
	}
	log.Infof("Running %s %s on %s", role, n.NodeID(), displayURL(n.HostURL()))
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s listening on %s\n", role, n.NodeID(), displayURL(n.HostURL()))

	<-ctx.Done()
	log.Infof("Shutting down %s %s", role, n.NodeID())
	return nil
}

func displayURL(u string) string {
	if u == "" {
		return "(no host URL)"
	}
	return u
}
