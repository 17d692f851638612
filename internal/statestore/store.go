// Package statestore defines the field-addressable, CAS-capable key-value
// capability the Claimant and Lifecycle Coordinator write task lifecycle
// records through. The store itself is an external collaborator; this
// package provides the interface plus two reference implementations
// (sqlitestore, redisstore) and a call-recording mock for tests.
package statestore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no record.
var ErrNotFound = errors.New("statestore: key not found")

// ErrCASConflict is returned when CompareAndSwap's expected value does not
// match the field's current value.
var ErrCASConflict = errors.New("statestore: compare-and-swap conflict")

// Store is the capability set {get, set_fields, compare_and_swap} from
// spec.md §9. Implementations must be safe for concurrent use by many
// independent owners.
type Store interface {
	// Get returns every field currently set on key. Returns ErrNotFound if
	// the key does not exist.
	Get(ctx context.Context, key string) (map[string][]byte, error)

	// SetFields writes fields onto key, last-writer-wins, creating the key
	// if absent. Used for every write except the state transition itself.
	SetFields(ctx context.Context, key string, fields map[string][]byte) error

	// CompareAndSwap atomically writes newValue to field only if its
	// current value equals expected (or the field is absent and expected
	// is nil). Returns ErrCASConflict on mismatch. This is the sole gate
	// for task claims: exactly one caller racing on the same key succeeds.
	CompareAndSwap(ctx context.Context, key, field string, expected, newValue []byte) error

	// Close releases resources held by the store connection.
	Close() error
}
