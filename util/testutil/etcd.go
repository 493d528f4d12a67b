package testutil

import (
	"os"
	"strings"
	"sync"
	"testing"
)

// EtcdTestMutex ensures only one etcd integration test runs at a time across all packages.
var EtcdTestMutex sync.Mutex

// EtcdEndpoints returns the endpoints listed in GOREPLICA_ETCD (comma separated)
// and holds EtcdTestMutex until the test ends. The test is skipped when the
// variable is unset.
func EtcdEndpoints(t *testing.T) []string {
	t.Helper()

	raw := os.Getenv("GOREPLICA_ETCD")
	if raw == "" {
		t.Skip("Skipping etcd test - GOREPLICA_ETCD not set")
	}

	EtcdTestMutex.Lock()
	t.Cleanup(EtcdTestMutex.Unlock)

	var endpoints []string
	for _, ep := range strings.Split(raw, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints
}

// PostgresDSN returns GOREPLICA_POSTGRES_DSN, skipping the test when unset.
func PostgresDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("GOREPLICA_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL test - GOREPLICA_POSTGRES_DSN not set")
	}
	return dsn
}
