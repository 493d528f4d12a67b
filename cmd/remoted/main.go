// Command remoted runs replication nodes, registry hosts and proxies.
//
//	remoted registry --host tcp://0.0.0.0:9000 --allow-external-registration
//	remoted node --host tcp://0.0.0.0:9001 --registry tcp://10.0.0.1:9000
//	remoted proxy --inbound-registry tcp://10.0.0.1:9000 --outbound-host ws://0.0.0.0:8080/r --host-outbound-registry
//	remoted list --registry tcp://10.0.0.1:9000
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
