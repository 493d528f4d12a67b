package object

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/xiaonanln/goreplica/schema"
)

// ErrPropertiesNotFound is returned by LoadProperties when nothing was saved
// for the type and signature.
var ErrPropertiesNotFound = errors.New("persisted properties not found")

// PersistenceProvider stores the persisted properties of replicas across restarts.
// Values are canonical encodings keyed by property name. Implementations can use
// different storage backends (memory, PostgreSQL, SQLite).
type PersistenceProvider interface {
	SaveProperties(ctx context.Context, typeName string, signature schema.Signature, values map[string][]byte) error
	LoadProperties(ctx context.Context, typeName string, signature schema.Signature) (map[string][]byte, error)
}

// SaveProperties encodes the persisted properties among values (index order)
// and saves them. Schemas without persisted properties are skipped.
func SaveProperties(ctx context.Context, provider PersistenceProvider, ts *schema.TypeSchema, values []any) error {
	if !ts.HasPersisted() {
		return nil
	}
	data := make(map[string][]byte)
	for i, p := range ts.Properties {
		if !p.Persisted || i >= len(values) {
			continue
		}
		b, err := ts.EncodeProperty(i, values[i])
		if err != nil {
			return fmt.Errorf("failed to encode property %s.%s: %w", ts.TypeName, p.Name, err)
		}
		data[p.Name] = b
	}
	return provider.SaveProperties(ctx, ts.TypeName, ts.Signature(), data)
}

// LoadProperties loads and decodes previously saved properties, keyed by
// property index. Names no longer in the schema are ignored.
func LoadProperties(ctx context.Context, provider PersistenceProvider, ts *schema.TypeSchema) (map[int]any, error) {
	data, err := provider.LoadProperties(ctx, ts.TypeName, ts.Signature())
	if err != nil {
		return nil, err
	}
	out := make(map[int]any, len(data))
	for name, b := range data {
		i, ok := ts.PropertyIndex(name)
		if !ok || !ts.Properties[i].Persisted {
			continue
		}
		v, err := ts.DecodeProperty(i, b)
		if err != nil {
			return nil, fmt.Errorf("failed to decode property %s.%s: %w", ts.TypeName, name, err)
		}
		out[i] = v
	}
	return out, nil
}

// MarshalProperties is a utility function to marshal saved properties to JSON
func MarshalProperties(values map[string][]byte) ([]byte, error) {
	return json.Marshal(values)
}

// UnmarshalProperties is a utility function to unmarshal saved properties from JSON
func UnmarshalProperties(data []byte) (map[string][]byte, error) {
	var values map[string][]byte
	err := json.Unmarshal(data, &values)
	return values, err
}

// MemoryPersistence keeps saved properties in memory. Useful for tests and
// for replicas that only need to survive their own release.
type MemoryPersistence struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{data: make(map[string]map[string][]byte)}
}

func memoryKey(typeName string, signature schema.Signature) string {
	return typeName + "/" + signature.String()
}

func (m *MemoryPersistence) SaveProperties(ctx context.Context, typeName string, signature schema.Signature, values map[string][]byte) error {
	cp := make(map[string][]byte, len(values))
	for k, v := range values {
		cp[k] = append([]byte(nil), v...)
	}
	m.mu.Lock()
	m.data[memoryKey(typeName, signature)] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryPersistence) LoadProperties(ctx context.Context, typeName string, signature schema.Signature) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	values, ok := m.data[memoryKey(typeName, signature)]
	if !ok {
		return nil, ErrPropertiesNotFound
	}
	cp := make(map[string][]byte, len(values))
	for k, v := range values {
		cp[k] = append([]byte(nil), v...)
	}
	return cp, nil
}
