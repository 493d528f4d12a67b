package object

import (
	"context"
	"errors"
	"testing"

	"github.com/xiaonanln/goreplica/codec"
	"github.com/xiaonanln/goreplica/schema"
)

var thermostatSchema = schema.NewBuilder("Thermostat").
	PersistedProperty("target", codec.Double, schema.ReadWrite).
	Property("current", codec.Double, schema.ReadOnly).
	PersistedProperty("schedule", codec.List(codec.Int), schema.ReadWrite).
	MustBuild()

// failingProvider returns errors from every call.
type failingProvider struct{ err error }

func (f failingProvider) SaveProperties(ctx context.Context, typeName string, signature schema.Signature, values map[string][]byte) error {
	return f.err
}

func (f failingProvider) LoadProperties(ctx context.Context, typeName string, signature schema.Signature) (map[string][]byte, error) {
	return nil, f.err
}

func TestSaveLoadProperties(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryPersistence()

	values := []any{21.5, 19.0, []any{int64(6), int64(22)}}
	if err := SaveProperties(ctx, provider, thermostatSchema, values); err != nil {
		t.Fatalf("SaveProperties failed: %v", err)
	}

	raw, err := provider.LoadProperties(ctx, "Thermostat", thermostatSchema.Signature())
	if err != nil {
		t.Fatalf("LoadProperties failed: %v", err)
	}
	if _, ok := raw["current"]; ok {
		t.Error("Non-persisted property must not be saved")
	}
	if len(raw) != 2 {
		t.Errorf("Expected 2 saved properties, got %d", len(raw))
	}

	loaded, err := LoadProperties(ctx, provider, thermostatSchema)
	if err != nil {
		t.Fatalf("LoadProperties failed: %v", err)
	}
	if loaded[0] != 21.5 {
		t.Errorf("Expected target=21.5, got %v", loaded[0])
	}
	schedule, ok := loaded[2].([]any)
	if !ok || len(schedule) != 2 || schedule[1] != int64(22) {
		t.Errorf("Expected schedule [6 22], got %v", loaded[2])
	}
	if _, ok := loaded[1]; ok {
		t.Error("Expected current to be absent")
	}
}

func TestLoadProperties_NotFound(t *testing.T) {
	_, err := LoadProperties(context.Background(), NewMemoryPersistence(), thermostatSchema)
	if !errors.Is(err, ErrPropertiesNotFound) {
		t.Fatalf("Expected ErrPropertiesNotFound, got %v", err)
	}
}

func TestLoadProperties_SignatureScoped(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryPersistence()
	if err := SaveProperties(ctx, provider, thermostatSchema, []any{1.0, 2.0, []any{}}); err != nil {
		t.Fatalf("SaveProperties failed: %v", err)
	}

	changed := schema.NewBuilder("Thermostat").
		PersistedProperty("target", codec.Double, schema.ReadWrite).
		MustBuild()
	if _, err := LoadProperties(ctx, provider, changed); !errors.Is(err, ErrPropertiesNotFound) {
		t.Fatalf("Expected a changed schema not to see old values, got %v", err)
	}
}

func TestSaveProperties_NoPersistedProperties(t *testing.T) {
	ts := schema.NewBuilder("Plain").Property("x", codec.Int, schema.ReadOnly).MustBuild()
	boom := errors.New("boom")
	if err := SaveProperties(context.Background(), failingProvider{boom}, ts, []any{int64(1)}); err != nil {
		t.Fatalf("Expected provider to be skipped, got %v", err)
	}
}

func TestSaveProperties_ProviderError(t *testing.T) {
	boom := errors.New("boom")
	err := SaveProperties(context.Background(), failingProvider{boom}, thermostatSchema, []any{1.0, 2.0, []any{}})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected provider error, got %v", err)
	}
}

func TestSaveProperties_EncodeError(t *testing.T) {
	err := SaveProperties(context.Background(), NewMemoryPersistence(), thermostatSchema, []any{"hot", 2.0, []any{}})
	if err == nil {
		t.Fatal("Expected encode error for wrong value type")
	}
}

func TestMemoryPersistence_CopiesValues(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryPersistence()
	sig := thermostatSchema.Signature()

	in := map[string][]byte{"target": {1, 2, 3}}
	provider.SaveProperties(ctx, "Thermostat", sig, in)
	in["target"][0] = 9

	out, _ := provider.LoadProperties(ctx, "Thermostat", sig)
	if out["target"][0] != 1 {
		t.Error("Saved values must not alias the caller's slices")
	}
}

func TestMarshalProperties(t *testing.T) {
	in := map[string][]byte{"a": {0, 1}, "b": {}}
	data, err := MarshalProperties(in)
	if err != nil {
		t.Fatalf("MarshalProperties failed: %v", err)
	}
	out, err := UnmarshalProperties(data)
	if err != nil {
		t.Fatalf("UnmarshalProperties failed: %v", err)
	}
	if len(out) != 2 || out["a"][1] != 1 {
		t.Errorf("Unexpected round trip result: %v", out)
	}
}
