package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xiaonanln/goreplica/object"
	"github.com/xiaonanln/goreplica/schema"
)

// SavedProperties is one row of goreplica_properties.
type SavedProperties struct {
	TypeName  string
	Signature schema.Signature
	Values    map[string][]byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaveProperties stores values for typeName and signature, replacing what was saved before.
func (db *DB) SaveProperties(ctx context.Context, typeName string, signature schema.Signature, values map[string][]byte) error {
	if typeName == "" {
		return fmt.Errorf("type_name cannot be empty")
	}
	if signature.IsZero() {
		return fmt.Errorf("signature cannot be zero")
	}
	data, err := object.MarshalProperties(values)
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}

	query := `
		INSERT INTO goreplica_properties (type_name, signature, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (type_name, signature) DO UPDATE
		SET data = $3, updated_at = $4
	`

	_, err = db.conn.ExecContext(ctx, query, typeName, signature.String(), data, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save properties: %w", err)
	}
	return nil
}

// LoadProperties returns the values saved for typeName and signature,
// object.ErrPropertiesNotFound when there are none.
func (db *DB) LoadProperties(ctx context.Context, typeName string, signature schema.Signature) (map[string][]byte, error) {
	if typeName == "" {
		return nil, fmt.Errorf("type_name cannot be empty")
	}

	query := `
		SELECT data
		FROM goreplica_properties
		WHERE type_name = $1 AND signature = $2
	`

	var data []byte
	err := db.conn.QueryRowContext(ctx, query, typeName, signature.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, object.ErrPropertiesNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load properties: %w", err)
	}

	values, err := object.UnmarshalProperties(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal properties of %s: %w", typeName, err)
	}
	return values, nil
}

// DeleteProperties removes what was saved for typeName under every signature.
func (db *DB) DeleteProperties(ctx context.Context, typeName string) (int64, error) {
	if typeName == "" {
		return 0, fmt.Errorf("type_name cannot be empty")
	}

	result, err := db.conn.ExecContext(ctx, "DELETE FROM goreplica_properties WHERE type_name = $1", typeName)
	if err != nil {
		return 0, fmt.Errorf("failed to delete properties: %w", err)
	}
	return result.RowsAffected()
}

// ListProperties returns every row saved for typeName, newest first.
// Several rows exist when the type's schema changed over time.
func (db *DB) ListProperties(ctx context.Context, typeName string) ([]*SavedProperties, error) {
	if typeName == "" {
		return nil, fmt.Errorf("type_name cannot be empty")
	}

	query := `
		SELECT signature, data, created_at, updated_at
		FROM goreplica_properties
		WHERE type_name = $1
		ORDER BY updated_at DESC
	`

	rows, err := db.conn.QueryContext(ctx, query, typeName)
	if err != nil {
		return nil, fmt.Errorf("failed to list properties: %w", err)
	}
	defer rows.Close()

	var out []*SavedProperties
	for rows.Next() {
		var sig string
		var data []byte
		saved := &SavedProperties{TypeName: typeName}
		if err := rows.Scan(&sig, &data, &saved.CreatedAt, &saved.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if saved.Signature, err = schema.ParseSignature(sig); err != nil {
			return nil, fmt.Errorf("bad signature %q for %s: %w", sig, typeName, err)
		}
		if saved.Values, err = object.UnmarshalProperties(data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal properties of %s: %w", typeName, err)
		}
		out = append(out, saved)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// TypeNames lists the types that have saved properties.
func (db *DB) TypeNames(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT DISTINCT type_name FROM goreplica_properties ORDER BY type_name")
	if err != nil {
		return nil, fmt.Errorf("failed to list types: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return names, nil
}
