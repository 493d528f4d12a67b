package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaonanln/goreplica/config"
	"github.com/xiaonanln/goreplica/node"
	"github.com/xiaonanln/goreplica/object"
	"github.com/xiaonanln/goreplica/registry"
	"github.com/xiaonanln/goreplica/registry/etcdstore"
	"github.com/xiaonanln/goreplica/util/logger"
	"github.com/xiaonanln/goreplica/util/postgres"
	"github.com/xiaonanln/goreplica/util/sqlite"
)

const shutdownTimeout = 10 * time.Second

var log = logger.NewLogger("remoted")

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// serveMetrics serves /metrics on addr until ctx is done. An empty addr does nothing.
func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Infof("Serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

// openPersistence opens the configured persistence provider. The returned
// close function is never nil.
func openPersistence(ctx context.Context, cfg *config.Config) (object.PersistenceProvider, func(), error) {
	switch cfg.Persistence.Provider {
	case "", "none":
		return nil, func() {}, nil
	case "memory":
		return object.NewMemoryPersistence(), func() {}, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.Persistence.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "postgres":
		db, err := postgres.NewDB(cfg.PostgresConfig())
		if err != nil {
			return nil, nil, err
		}
		if err := db.InitSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return postgres.NewPostgresPersistenceProvider(db), func() { db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported persistence provider: %s", cfg.Persistence.Provider)
}

// openStore creates the registry store a registry host keeps its entries in.
func openStore(ctx context.Context, cfg *config.Config) (registry.Store, error) {
	if cfg.Registry.Store != "etcd" {
		return registry.NewMemoryStore(), nil
	}
	s := etcdstore.New(cfg.Registry.Etcd.Endpoints, cfg.Registry.Etcd.Prefix)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// startNode creates and starts the node described by cfg: it listens, hosts
// or joins a registry and connects to the configured peers.
func startNode(ctx context.Context, cfg *config.Config) (*node.Node, func(), error) {
	nodeCfg, err := cfg.NodeConfig()
	if err != nil {
		return nil, nil, err
	}
	provider, closeProvider, err := openPersistence(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("persistence: %w", err)
	}
	nodeCfg.Persistence = provider

	n := node.New(nodeCfg)
	if err := n.Start(ctx); err != nil {
		closeProvider()
		return nil, nil, err
	}
	var store registry.Store
	stop := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.Stop(stopCtx); err != nil {
			log.Warnf("Stopping node failed: %v", err)
		}
		if store != nil {
			store.Close()
		}
		closeProvider()
	}

	fail := func(err error) (*node.Node, func(), error) {
		stop()
		return nil, nil, err
	}
	if cfg.Node.HostURL != "" {
		if err := n.SetHostURL(cfg.Node.HostURL, cfg.Capabilities()...); err != nil {
			return fail(err)
		}
	}
	if cfg.Registry.Host {
		s, err := openStore(ctx, cfg)
		if err != nil {
			return fail(fmt.Errorf("registry store: %w", err))
		}
		store = s
		if err := n.HostRegistry(store); err != nil {
			return fail(err)
		}
	} else if cfg.Node.RegistryURL != "" {
		if err := n.SetRegistryURL(cfg.Node.RegistryURL); err != nil {
			return fail(err)
		}
	}
	for _, peer := range cfg.Node.Connect {
		if err := n.ConnectToNode(peer); err != nil {
			return fail(err)
		}
	}
	return n, stop, nil
}
