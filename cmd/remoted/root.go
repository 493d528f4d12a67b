package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaonanln/goreplica/config"
	"github.com/xiaonanln/goreplica/util/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile  string
	LogLevel    string
	MetricsAddr string
}

// NewRootCommand creates the root command of remoted.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "remoted",
		Short: "remoted - live object replication daemon",
		Long:  "Runs replication nodes, registry hosts and proxies that share live objects between processes.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.LogLevel == "" {
				return nil
			}
			level, err := logger.ParseLevel(opts.LogLevel)
			if err != nil {
				return err
			}
			logger.SetDefaultLevel(level)
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.MetricsAddr, "metrics", "", "HTTP address serving Prometheus /metrics (e.g. ':9090')")

	cmd.AddCommand(NewNodeCommand(opts))
	cmd.AddCommand(NewRegistryCommand(opts))
	cmd.AddCommand(NewProxyCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewPersistenceCommand(opts))

	return cmd
}

// loadConfig reads the config file when one was given, applies override and
// the global flags, and validates the result.
func (opts *RootOptions) loadConfig(override func(*config.Config)) (*config.Config, error) {
	cfg := &config.Config{Version: 1}
	if opts.ConfigFile != "" {
		loaded, err := config.LoadConfig(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if override != nil {
		override(cfg)
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Addr = opts.MetricsAddr
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Logging.Level != "" && opts.LogLevel == "" {
		level, _ := logger.ParseLevel(cfg.Logging.Level)
		logger.SetDefaultLevel(level)
	}
	return cfg, nil
}
