// Package sqlitestore is a reference statestore.Store backed by SQLite,
// adapted from the teacher's internal/store/sqlite.go. It exists for local
// development and tests; production deployments point the supervisor at a
// real shared state store per spec.md §1.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/sentinel/internal/statestore"

	_ "modernc.org/sqlite"
)

const createFieldsTable = `
CREATE TABLE IF NOT EXISTS state_fields (
	key   TEXT NOT NULL,
	field TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (key, field)
)`

var _ statestore.Store = (*Store)(nil)

// Store implements statestore.Store on top of a single SQLite table keyed
// by (key, field), giving the flat field-map shape the spec requires
// without modeling each task type as its own table, the way the teacher's
// SQLiteStore models a single "workloads" table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(createFieldsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state_fields table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close implements statestore.Store.
func (s *Store) Close() error { return s.db.Close() }

// Get implements statestore.Store.
func (s *Store) Get(ctx context.Context, key string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM state_fields WHERE key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var field string
		var value []byte
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		out[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fields: %w", err)
	}
	if len(out) == 0 {
		return nil, statestore.ErrNotFound
	}
	return out, nil
}

// SetFields implements statestore.Store with last-writer-wins upserts.
func (s *Store) SetFields(ctx context.Context, key string, fields map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for field, value := range fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state_fields (key, field, value) VALUES (?, ?, ?)
			 ON CONFLICT (key, field) DO UPDATE SET value = excluded.value`,
			key, field, value,
		); err != nil {
			return fmt.Errorf("set field %s: %w", field, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CompareAndSwap implements statestore.Store. The read-modify-write is
// wrapped in a single transaction under SQLite's default SERIALIZABLE
// isolation so concurrent claimants (separate processes sharing the same
// database file, as in a multi-host test harness) genuinely race on the
// row rather than only within one process's mutex.
func (s *Store) CompareAndSwap(ctx context.Context, key, field string, expected, newValue []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current []byte
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM state_fields WHERE key = ? AND field = ?`, key, field,
	).Scan(&current)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expected != nil {
			return statestore.ErrCASConflict
		}
	case err != nil:
		return fmt.Errorf("read current value: %w", err)
	default:
		if string(current) != string(expected) {
			return statestore.ErrCASConflict
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO state_fields (key, field, value) VALUES (?, ?, ?)
		 ON CONFLICT (key, field) DO UPDATE SET value = excluded.value`,
		key, field, newValue,
	); err != nil {
		return fmt.Errorf("write new value: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
