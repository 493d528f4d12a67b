package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaonanln/goreplica/node"
	"github.com/xiaonanln/goreplica/registry"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	RegistryURL string
	Timeout     time.Duration
	Format      string
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the sources registered in a registry",
		Example: `  remoted list --registry tcp://10.0.0.1:9000
  remoted list --registry ws://proxy:8080/r --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q (expected text or json)", opts.Format)
			}
			registryURL := opts.RegistryURL
			if registryURL == "" && rootOpts.ConfigFile != "" {
				cfg, err := rootOpts.loadConfig(nil)
				if err != nil {
					return err
				}
				registryURL = cfg.Node.RegistryURL
			}
			if registryURL == "" {
				return fmt.Errorf("--registry is required")
			}

			entries, err := listEntries(cmd.Context(), registryURL, opts.Timeout)
			if err != nil {
				return err
			}
			return writeEntries(cmd.OutOrStdout(), opts.Format, entries)
		},
	}

	cmd.Flags().StringVar(&opts.RegistryURL, "registry", "", "URL of the registry to query")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Second, "how long to wait for the registry")
	cmd.Flags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	return cmd
}

// listEntries joins the registry at registryURL with a throwaway node and
// returns its entries sorted by name.
func listEntries(ctx context.Context, registryURL string, timeout time.Duration) ([]registry.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	n := node.New(node.Config{})
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n.Stop(stopCtx)
	}()

	if err := n.SetRegistryURL(registryURL); err != nil {
		return nil, err
	}
	view := n.Registry()
	if !view.WaitForSource(timeout) {
		return nil, fmt.Errorf("registry at %s did not answer within %v", registryURL, timeout)
	}
	entries := view.Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func writeEntries(w io.Writer, format string, entries []registry.Entry) error {
	if format == "json" {
		if entries == nil {
			entries = []registry.Entry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "No sources registered")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tHOST URL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, e.TypeName, e.HostURL)
	}
	return tw.Flush()
}
