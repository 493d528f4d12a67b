package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaonanln/goreplica/config"
	"github.com/xiaonanln/goreplica/proxy"
	"github.com/xiaonanln/goreplica/registry"
)

// ProxyOptions holds flags for the proxy command.
type ProxyOptions struct {
	InboundRegistryURL   string
	InboundHostURL       string
	OutboundHostURL      string
	OutboundRegistryURL  string
	HostOutboundRegistry bool
	Filter               []string
	Reverse              bool
}

// NewProxyCommand creates the proxy command.
func NewProxyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProxyOptions{}

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Bridge sources between two networks",
		Long: `Republish the sources registered on one network on another.

Every source in the inbound registry matching --filter is acquired and served
again on --outbound-host. With --reverse, sources of the outbound network are
republished on --inbound-host as well.`,
		Example: `  remoted proxy --inbound-registry tcp://10.0.0.1:9000 --outbound-host ws://0.0.0.0:8080/r --host-outbound-registry
  remoted proxy --inbound-registry tcp://a:9000 --outbound-host tcp://0.0.0.0:9100 --outbound-registry tcp://b:9000 --filter '/Sensor.*/'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig(opts.apply(cmd))
			if err != nil {
				return err
			}
			return runProxy(cmd, cfg)
		},
	}

	opts.addFlags(cmd)
	return cmd
}

func (opts *ProxyOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&opts.InboundRegistryURL, "inbound-registry", "", "registry URL of the network whose sources are republished")
	cmd.Flags().StringVar(&opts.InboundHostURL, "inbound-host", "", "URL serving republished sources on the inbound network (--reverse)")
	cmd.Flags().StringVar(&opts.OutboundHostURL, "outbound-host", "", "URL serving republished sources on the outbound network")
	cmd.Flags().StringVar(&opts.OutboundRegistryURL, "outbound-registry", "", "registry URL of the outbound network")
	cmd.Flags().BoolVar(&opts.HostOutboundRegistry, "host-outbound-registry", false, "host the outbound network's registry on --outbound-host")
	cmd.Flags().StringSliceVar(&opts.Filter, "filter", nil, "source names or /regexp/ patterns to republish")
	cmd.Flags().BoolVar(&opts.Reverse, "reverse", false, "also republish outbound sources on the inbound network")
}

func (opts *ProxyOptions) apply(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("inbound-registry") {
			cfg.Proxy.InboundRegistryURL = opts.InboundRegistryURL
		}
		if flags.Changed("inbound-host") {
			cfg.Proxy.InboundHostURL = opts.InboundHostURL
		}
		if flags.Changed("outbound-host") {
			cfg.Proxy.OutboundHostURL = opts.OutboundHostURL
		}
		if flags.Changed("outbound-registry") {
			cfg.Proxy.OutboundRegistryURL = opts.OutboundRegistryURL
		}
		if flags.Changed("host-outbound-registry") {
			cfg.Proxy.HostOutboundRegistry = opts.HostOutboundRegistry
		}
		if flags.Changed("filter") {
			cfg.Proxy.Filter = opts.Filter
		}
		if flags.Changed("reverse") {
			cfg.Proxy.Reverse = opts.Reverse
		}
	}
}

// proxyConfig builds the proxy configuration. An outbound registry store is
// created when the proxy hosts the outbound registry.
func proxyConfig(cfg *config.Config) (proxy.Config, error) {
	nodeCfg, err := cfg.NodeConfig()
	if err != nil {
		return proxy.Config{}, err
	}
	inbound, outbound := nodeCfg, nodeCfg
	if nodeCfg.NodeID != "" {
		inbound.NodeID = nodeCfg.NodeID + "-in"
		outbound.NodeID = nodeCfg.NodeID + "-out"
	}

	pc := proxy.Config{
		InboundRegistryURL:   cfg.Proxy.InboundRegistryURL,
		InboundHostURL:       cfg.Proxy.InboundHostURL,
		Inbound:              inbound,
		OutboundHostURL:      cfg.Proxy.OutboundHostURL,
		OutboundCapabilities: cfg.Capabilities(),
		OutboundRegistryURL:  cfg.Proxy.OutboundRegistryURL,
		Outbound:             outbound,
		Filter:               cfg.Proxy.Filter,
		Reverse:              cfg.Proxy.Reverse,
	}
	if cfg.Proxy.HostOutboundRegistry {
		pc.OutboundRegistry = registry.NewMemoryStore()
	}
	return pc, pc.Validate()
}

func runProxy(cmd *cobra.Command, cfg *config.Config) error {
	pc, err := proxyConfig(cfg)
	if err != nil {
		return err
	}

	ctx, stopSignals := signalContext(cmd.Context())
	defer stopSignals()
	serveMetrics(ctx, cfg.Metrics.Addr)

	p, err := proxy.New(pc)
	if err != nil {
		return err
	}
	stop := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := p.Stop(stopCtx); err != nil {
			log.Warnf("Stopping proxy failed: %v", err)
		}
		if pc.OutboundRegistry != nil {
			pc.OutboundRegistry.Close()
		}
	}
	if err := p.Start(ctx); err != nil {
		stop()
		return err
	}
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "proxy %s: %s -> %s\n", p.Tag(), pc.InboundRegistryURL, p.Outbound().HostURL())
	<-ctx.Done()
	log.Infof("Shutting down proxy %s", p.Tag())
	return nil
}
