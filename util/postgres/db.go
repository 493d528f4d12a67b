package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// DB is the PostgreSQL store for persisted replica properties
type DB struct {
	conn   *sql.DB
	config *Config
}

// NewDB opens a connection pool. No connection is made until first use;
// call Ping to check the server is reachable.
func NewDB(config *Config) (*DB, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	conn, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(config.MaxOpenConns)
	conn.SetMaxIdleConns(config.MaxIdleConns)
	conn.SetConnMaxLifetime(config.ConnMaxLifetime)

	return &DB{
		conn:   conn,
		config: config,
	}, nil
}

// Close closes the pool. It is safe on a zero DB.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Connection returns the underlying pool, nil on a zero DB
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Ping checks the server is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// InitSchema creates the table holding persisted replica properties.
// Rows are keyed by type name and schema signature, so a changed schema
// never reads values saved under another shape.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS goreplica_properties (
		type_name VARCHAR(255) NOT NULL,
		signature CHAR(64) NOT NULL,
		data JSONB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (type_name, signature)
	);

	CREATE INDEX IF NOT EXISTS idx_goreplica_properties_updated_at ON goreplica_properties(updated_at);
	`

	_, err := db.conn.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
