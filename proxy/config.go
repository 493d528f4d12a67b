package proxy

import (
	"github.com/xiaonanln/goreplica/node"
	"github.com/xiaonanln/goreplica/registry"
	rerrors "github.com/xiaonanln/goreplica/util/errors"
	"github.com/xiaonanln/goreplica/util/pattern"
)

// Config describes the two networks a proxy joins. The inbound side (A) is
// the network whose sources get republished; the outbound side (B) is where
// replicas of the republished sources are acquired.
type Config struct {
	// InboundRegistryURL is the registry of network A.
	InboundRegistryURL string
	// InboundHostURL is where republished sources of B are served on A.
	// Only needed with Reverse.
	InboundHostURL string
	Inbound        node.Config

	// OutboundHostURL is where republished sources of A are served on B.
	OutboundHostURL      string
	OutboundCapabilities []node.Capability
	// At most one of OutboundRegistryURL and OutboundRegistry may be set:
	// the proxy is either a client of B's registry or hosts it.
	OutboundRegistryURL string
	OutboundRegistry    registry.Store
	Outbound            node.Config

	// Filter lists the source names to republish, each a literal name or a
	// /regexp/. Empty republishes everything.
	Filter []string
	// Reverse also republishes the sources of B on A.
	Reverse bool
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	const op = "proxy.Config.Validate"
	if c.InboundRegistryURL == "" {
		return rerrors.New(rerrors.KindInvalidArgument, op, "inbound registry URL is required")
	}
	if c.OutboundHostURL == "" {
		return rerrors.New(rerrors.KindInvalidArgument, op, "outbound host URL is required")
	}
	if c.OutboundRegistryURL != "" && c.OutboundRegistry != nil {
		return rerrors.New(rerrors.KindInvalidArgument, op, "outbound registry URL and outbound registry store are exclusive")
	}
	if c.Reverse {
		if c.InboundHostURL == "" {
			return rerrors.New(rerrors.KindInvalidArgument, op, "reverse proxying requires an inbound host URL")
		}
		if c.OutboundRegistryURL == "" && c.OutboundRegistry == nil {
			return rerrors.New(rerrors.KindInvalidArgument, op, "reverse proxying requires an outbound registry")
		}
	}
	if _, err := pattern.ParseAll(c.Filter); err != nil {
		return rerrors.New(rerrors.KindInvalidArgument, op, "bad filter: %v", err)
	}
	return nil
}
