// Command counter publishes a Counter and drives it from replicas.
//
//	counter -mode source -host tcp://localhost:47000
//	counter -mode client -registry tcp://localhost:47000
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaonanln/goreplica/node"
	"github.com/xiaonanln/goreplica/registry"
	"github.com/xiaonanln/goreplica/util/logger"
)

var counterLogger = logger.NewLogger("CounterSample")

func main() {
	var (
		mode        = flag.String("mode", "source", "source or client")
		hostURL     = flag.String("host", "tcp://localhost:47000", "URL the source listens on")
		registryURL = flag.String("registry", "", "registry to join; the source hosts one when empty")
		name        = flag.String("name", "Counter", "source name")
		interval    = flag.Duration("interval", time.Second, "how often the client increments")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n := node.New(node.Config{})
	if err := n.Start(ctx); err != nil {
		counterLogger.Fatalf("Failed to start node: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		n.Stop(stopCtx)
	}()

	var err error
	switch *mode {
	case "source":
		err = runSource(n, *hostURL, *registryURL, *name)
	case "client":
		err = runClient(ctx, n, *registryURL, *name, *interval)
	default:
		counterLogger.Fatalf("Unknown mode %q", *mode)
	}
	if err != nil {
		counterLogger.Fatalf("%v", err)
	}
	<-ctx.Done()
}

// runSource publishes a Counter as name. Without a registry URL the node
// hosts the registry itself.
func runSource(n *node.Node, hostURL, registryURL, name string) (err error) {
	if registryURL == "" {
		if err = n.SetHostURL(hostURL, node.AllowExternalRegistration); err != nil {
			return err
		}
		err = n.HostRegistry(registry.NewMemoryStore())
	} else {
		if err = n.SetHostURL(hostURL); err != nil {
			return err
		}
		err = n.SetRegistryURL(registryURL)
	}
	if err != nil {
		return err
	}
	if _, err := n.EnableRemoting(NewCounter(), name); err != nil {
		return err
	}
	counterLogger.Infof("Counter %s published on %s", name, n.HostURL())
	return nil
}

// runClient acquires name and increments it every interval until ctx is done.
func runClient(ctx context.Context, n *node.Node, registryURL, name string, interval time.Duration) error {
	if registryURL == "" {
		registryURL = "tcp://localhost:47000"
	}
	if err := n.SetRegistryURL(registryURL); err != nil {
		return err
	}
	r := n.Acquire(name, CounterSchema)
	r.OnStateChanged(func(from, to node.State) {
		counterLogger.Infof("%s: %s -> %s", name, from, to)
	})
	r.OnPropertyChanged(func(index int, value any) {
		counterLogger.Infof("%s value = %v", name, value)
	})
	r.OnSignal(func(index int, args []any) {
		counterLogger.Infof("%s was reset from %v", name, args[0])
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if r.State() != node.Valid {
				continue
			}
			callCtx, cancel := context.WithTimeout(ctx, interval)
			value, err := r.Invoke("increment", 1).Wait(callCtx)
			cancel()
			if err != nil {
				counterLogger.Warnf("increment failed: %v", err)
				continue
			}
			counterLogger.Debugf("increment -> %v", value)
		}
	}()
	return nil
}
