package postgres

import (
	"context"

	"github.com/xiaonanln/goreplica/object"
	"github.com/xiaonanln/goreplica/schema"
)

var _ object.PersistenceProvider = (*PostgresPersistenceProvider)(nil)

// PostgresPersistenceProvider lets a node keep persisted replica properties
// in goreplica_properties. InitSchema must have run on the DB.
type PostgresPersistenceProvider struct {
	db *DB
}

func NewPostgresPersistenceProvider(db *DB) *PostgresPersistenceProvider {
	return &PostgresPersistenceProvider{db: db}
}

func (p *PostgresPersistenceProvider) SaveProperties(ctx context.Context, typeName string, signature schema.Signature, values map[string][]byte) error {
	return p.db.SaveProperties(ctx, typeName, signature, values)
}

func (p *PostgresPersistenceProvider) LoadProperties(ctx context.Context, typeName string, signature schema.Signature) (map[string][]byte, error) {
	return p.db.LoadProperties(ctx, typeName, signature)
}

// GetDB returns the DB behind the provider, for maintenance queries.
func (p *PostgresPersistenceProvider) GetDB() *DB {
	return p.db
}
