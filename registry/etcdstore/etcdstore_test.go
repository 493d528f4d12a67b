package etcdstore

import (
	"context"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/xiaonanln/goreplica/registry"
	"github.com/xiaonanln/goreplica/util/testutil"
	"github.com/xiaonanln/goreplica/util/uniqueid"
)

// setupStore connects a store under a prefix unique to the test and deletes
// everything under it when the test ends.
func setupStore(t *testing.T) *Store {
	t.Helper()
	endpoints := testutil.EtcdEndpoints(t)
	prefix := "/goreplica-test/" + uniqueid.UniqueId()
	return connectStore(t, endpoints, prefix)
}

func connectStore(t *testing.T, endpoints []string, prefix string) *Store {
	t.Helper()
	s := New(endpoints, prefix)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Skipf("Skipping test: etcd not available: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.client.Delete(cleanupCtx, prefix, clientv3.WithPrefix())
		s.Close()
	})
	return s
}

func TestNewDefaultPrefix(t *testing.T) {
	s := New([]string{"localhost:2379"}, "")
	if got := s.EntriesPrefix(); got != "/goreplica/registry/" {
		t.Fatalf("Expected default entries prefix /goreplica/registry/, got %s", got)
	}
	s = New([]string{"localhost:2379"}, "/custom/")
	if got := s.EntriesPrefix(); got != "/custom/registry/" {
		t.Fatalf("Expected /custom/registry/, got %s", got)
	}
}

func TestOperationsRequireConnect(t *testing.T) {
	s := New([]string{"localhost:2379"}, "")
	ctx := context.Background()
	if err := s.Put(ctx, registry.Entry{Name: "A"}); err == nil {
		t.Error("Expected Put to fail before Connect")
	}
	if _, err := s.List(ctx); err == nil {
		t.Error("Expected List to fail before Connect")
	}
	if _, err := s.Watch(ctx); err == nil {
		t.Error("Expected Watch to fail before Connect")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close of unconnected store failed: %v", err)
	}
}

func TestPutListDelete(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	engine := registry.Entry{Name: "Engine", TypeName: "EngineType", HostURL: "tcp://127.0.0.1:9000"}
	wheel := registry.Entry{Name: "Wheel", TypeName: "WheelType", HostURL: "tcp://127.0.0.1:9001"}
	for _, e := range []registry.Entry{engine, wheel} {
		if err := s.Put(ctx, e); err != nil {
			t.Fatalf("Put(%s) failed: %v", e.Name, err)
		}
	}

	entries, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	got := make(map[string]registry.Entry)
	for _, e := range entries {
		got[e.Name] = e
	}
	if len(got) != 2 || got["Engine"] != engine || got["Wheel"] != wheel {
		t.Fatalf("Unexpected entries: %v", entries)
	}

	if err := s.Delete(ctx, "Engine"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	entries, err = s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0] != wheel {
		t.Fatalf("Expected only Wheel after delete, got %v", entries)
	}
}

func TestWatch(t *testing.T) {
	s := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	e := registry.Entry{Name: "Engine", TypeName: "EngineType", HostURL: "tcp://127.0.0.1:9000"}
	if err := s.Put(ctx, e); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Delete(ctx, e.Name); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	want := []registry.Event{
		{Type: registry.EventPut, Entry: e},
		{Type: registry.EventDelete, Entry: registry.Entry{Name: "Engine"}},
	}
	for i, w := range want {
		select {
		case got := <-events:
			if got != w {
				t.Fatalf("Event %d: expected %v %v, got %v %v", i, w.Type, w.Entry, got.Type, got.Entry)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Timeout waiting for event %d", i)
		}
	}

	cancel()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Watch channel not closed after cancel")
		}
	}
}

// Entries written by a store are bound to its lease and disappear when it closes.
func TestCloseRevokesEntries(t *testing.T) {
	reader := setupStore(t)
	writer := connectStore(t, reader.endpoints, reader.prefix)
	ctx := context.Background()

	if err := writer.Put(ctx, registry.Entry{Name: "Engine", TypeName: "EngineType", HostURL: "tcp://127.0.0.1:9000"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	entries, err := reader.List(ctx)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Expected one entry through the second store, got %v (err=%v)", entries, err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	testutil.WaitFor(t, 5*time.Second, "entries of closed store to expire", func() bool {
		entries, err := reader.List(ctx)
		return err == nil && len(entries) == 0
	})

	if err := writer.Put(ctx, registry.Entry{Name: "Late"}); err == nil {
		t.Error("Expected Put after Close to fail")
	}
}
