package registry

import (
	"context"
	"testing"
	"time"

	"github.com/xiaonanln/goreplica/codec"
)

func TestSchemaIndices(t *testing.T) {
	checks := []struct {
		name  string
		index int
		found func(string) (int, bool)
	}{
		{"sources", PropertySources, Schema.PropertyIndex},
		{"remoteObjectAdded", SignalRemoteObjectAdded, Schema.SignalIndex},
		{"remoteObjectRemoved", SignalRemoteObjectRemoved, Schema.SignalIndex},
		{"addSource", MethodAddSource, Schema.MethodIndex},
		{"removeSource", MethodRemoveSource, Schema.MethodIndex},
	}
	for _, c := range checks {
		got, ok := c.found(c.name)
		if !ok || got != c.index {
			t.Errorf("Expected %s at index %d, got %d (found=%v)", c.name, c.index, got, ok)
		}
	}
	if !Schema.Methods[MethodAddSource].Return.IsVoid() {
		t.Error("Expected addSource to be void")
	}
}

func TestEntryRecordRoundTrip(t *testing.T) {
	e := Entry{Name: "Engine", TypeName: "EngineType", HostURL: "tcp://127.0.0.1:9000"}

	b, err := codec.EncodeValue(e.Record(), codec.RecordOf(EntryRecord.Name), Schema.Records())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	v, err := codec.DecodeValue(b, codec.RecordOf(EntryRecord.Name), Schema.Records())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	got, err := EntryFromRecord(v)
	if err != nil {
		t.Fatalf("EntryFromRecord failed: %v", err)
	}
	if got != e {
		t.Errorf("Expected %v, got %v", e, got)
	}

	if _, err := EntryFromRecord("nope"); err == nil {
		t.Error("Expected error for non-record value")
	}
	if _, err := EntryFromRecord(codec.NewRecord(EntryRecord.Name, "a", 1, "b")); err == nil {
		t.Error("Expected error for malformed record")
	}
}

func TestSourcesValue(t *testing.T) {
	entries := map[string]Entry{
		"b": {Name: "b", TypeName: "T", HostURL: "local:x"},
		"a": {Name: "a", TypeName: "T", HostURL: "local:y"},
	}
	back, err := EntriesFromSources(SourcesValue(entries))
	if err != nil {
		t.Fatalf("EntriesFromSources failed: %v", err)
	}
	if len(back) != 2 || back["a"] != entries["a"] {
		t.Errorf("Unexpected entries: %v", back)
	}

	sorted := Sorted(back)
	if sorted[0].Name != "a" || sorted[1].Name != "b" {
		t.Errorf("Expected entries sorted by name, got %v", sorted)
	}
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("Watch channel closed unexpectedly")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for event")
		return Event{}
	}
}

func TestMemoryStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewMemoryStore()
	events, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	e1 := Entry{Name: "Engine", TypeName: "T", HostURL: "local:a"}
	e2 := Entry{Name: "Engine", TypeName: "T", HostURL: "local:b"}

	s.Put(ctx, e1)
	s.Put(ctx, e1) // unchanged, no event
	s.Put(ctx, e2)
	s.Delete(ctx, "Engine")
	s.Delete(ctx, "Engine") // already gone, no event

	want := []Event{{EventPut, e1}, {EventPut, e2}, {EventDelete, e2}}
	for i, w := range want {
		if got := nextEvent(t, events); got != w {
			t.Fatalf("Event %d: expected %v, got %v", i, w, got)
		}
	}

	list, _ := s.List(ctx)
	if len(list) != 0 {
		t.Errorf("Expected empty store, got %v", list)
	}

	s.Close()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("Expected no more events after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for watch to close")
	}
}

func TestMemoryStore_WatchCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryStore()
	events, _ := s.Watch(ctx)
	cancel()

	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected watch to end when ctx is cancelled")
	}
}
