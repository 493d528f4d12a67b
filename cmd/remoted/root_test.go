package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaonanln/goreplica/config"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "remoted", cmd.Use)

	for _, name := range []string{"node", "registry", "proxy", "list", "persistence"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, "command %q should exist", name)
		assert.Equal(t, name, sub.Name())
	}
	for _, flag := range []string{"config", "log-level", "metrics"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), "persistent flag %q should exist", flag)
	}
}

func TestNodeCommandFlags(t *testing.T) {
	cmd := NewNodeCommand(&RootOptions{})
	for _, flag := range []string{"id", "host", "registry", "connect", "allow-external-registration", "persistence", "sqlite-path", "postgres-dsn"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "flag %q should exist", flag)
	}
	assert.Nil(t, cmd.Flags().Lookup("store"), "node should not take registry store flags")
}

func TestRegistryCommandFlags(t *testing.T) {
	cmd := NewRegistryCommand(&RootOptions{})
	for _, flag := range []string{"host", "store", "etcd-endpoints", "etcd-prefix"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "flag %q should exist", flag)
	}
	assert.Nil(t, cmd.Flags().Lookup("registry"))
}

func TestNodeFlagsOverrideConfig(t *testing.T) {
	opts := &NodeOptions{}
	cmd := &cobra.Command{}
	opts.addNodeFlags(cmd)
	opts.addRegistryFlags(cmd)

	require.NoError(t, cmd.Flags().Parse([]string{
		"--host", "tcp://0.0.0.0:9000",
		"--connect", "tcp://a:1,tcp://b:2",
		"--store", "ETCD",
		"--etcd-endpoints", "localhost:2379",
	}))

	cfg := &config.Config{Version: 1}
	cfg.Node.ID = "from-file"
	opts.apply(cmd, true)(cfg)

	assert.Equal(t, "from-file", cfg.Node.ID, "unchanged flags keep the file value")
	assert.Equal(t, "tcp://0.0.0.0:9000", cfg.Node.HostURL)
	assert.Equal(t, []string{"tcp://a:1", "tcp://b:2"}, cfg.Node.Connect)
	assert.True(t, cfg.Registry.Host)
	assert.Equal(t, "etcd", cfg.Registry.Store)
	assert.Equal(t, []string{"localhost:2379"}, cfg.Registry.Etcd.Endpoints)
	assert.NoError(t, cfg.Validate())
}

func TestRegistryCommandRequiresHost(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"registry"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host_url")
}

func TestInvalidLogLevel(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--log-level", "loud", "list", "--registry", "inproc:nowhere"})

	assert.Error(t, cmd.Execute())
}

func TestProxyConfigFromFlags(t *testing.T) {
	opts := &ProxyOptions{}
	cmd := &cobra.Command{}
	opts.addFlags(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{
		"--inbound-registry", "inproc:a",
		"--outbound-host", "inproc:b",
		"--host-outbound-registry",
		"--filter", "/Sensor.*/",
	}))

	cfg := &config.Config{Version: 1}
	cfg.Node.ID = "bridge"
	cfg.Node.CallTimeout = 3 * time.Second
	opts.apply(cmd)(cfg)
	require.NoError(t, cfg.Validate())

	pc, err := proxyConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { pc.OutboundRegistry.Close() })

	assert.Equal(t, "inproc:a", pc.InboundRegistryURL)
	assert.Equal(t, "inproc:b", pc.OutboundHostURL)
	assert.NotNil(t, pc.OutboundRegistry)
	assert.Equal(t, []string{"/Sensor.*/"}, pc.Filter)
	assert.Equal(t, "bridge-in", pc.Inbound.NodeID)
	assert.Equal(t, "bridge-out", pc.Outbound.NodeID)
	assert.Equal(t, 3*time.Second, pc.Outbound.CallTimeout)
}

func TestProxyConfigRejectsReverseWithoutInboundHost(t *testing.T) {
	cfg := &config.Config{Version: 1}
	cfg.Proxy.InboundRegistryURL = "inproc:a"
	cfg.Proxy.OutboundHostURL = "inproc:b"
	cfg.Proxy.OutboundRegistryURL = "inproc:c"
	cfg.Proxy.Reverse = true

	_, err := proxyConfig(cfg)
	assert.Error(t, err)
}
