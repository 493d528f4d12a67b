// Package sqlite persists replica properties in a local SQLite file, for nodes
// that want their replicas to start with the last known values without running
// a database server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaonanln/goreplica/object"
	"github.com/xiaonanln/goreplica/schema"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS properties (
	type_name TEXT NOT NULL,
	signature TEXT NOT NULL,
	data BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (type_name, signature)
);
`

var _ object.PersistenceProvider = (*Store)(nil)

// Store is an object.PersistenceProvider backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) SaveProperties(ctx context.Context, typeName string, signature schema.Signature, values map[string][]byte) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	data, err := object.MarshalProperties(values)
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO properties (type_name, signature, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (type_name, signature) DO UPDATE
		SET data = excluded.data, updated_at = excluded.updated_at`,
		typeName, signature.String(), data, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save properties of %s: %w", typeName, err)
	}
	return nil
}

func (s *Store) LoadProperties(ctx context.Context, typeName string, signature schema.Signature) (map[string][]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM properties WHERE type_name = ? AND signature = ?",
		typeName, signature.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, object.ErrPropertiesNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load properties of %s: %w", typeName, err)
	}
	values, err := object.UnmarshalProperties(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal properties of %s: %w", typeName, err)
	}
	return values, nil
}

// Delete removes everything saved for typeName and reports how many rows went.
func (s *Store) Delete(ctx context.Context, typeName string) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM properties WHERE type_name = ?", typeName)
	if err != nil {
		return 0, fmt.Errorf("failed to delete properties of %s: %w", typeName, err)
	}
	return result.RowsAffected()
}

// TypeNames lists the types that have saved properties.
func (s *Store) TypeNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT type_name FROM properties ORDER BY type_name")
	if err != nil {
		return nil, fmt.Errorf("failed to list types: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
