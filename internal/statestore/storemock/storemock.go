// Package storemock provides an in-memory, call-recording statestore.Store
// for tests, grounded on the same "mock that records calls" requirement as
// internal/bus/busmock.
package storemock

import (
	"context"
	"bytes"
	"sync"

	"github.com/seantiz/sentinel/internal/statestore"
)

// Call records one method invocation for assertions in tests.
type Call struct {
	Method string
	Key    string
	Field  string
}

// Store is an in-memory statestore.Store.
type Store struct {
	mu     sync.Mutex
	data   map[string]map[string][]byte
	calls  []Call

	// FailNextCAS, when non-nil, is returned verbatim by the next
	// CompareAndSwap call to simulate a transient store error; cleared after
	// one use.
	FailNextCAS error
}

// New creates an empty mock store.
func New() *Store {
	return &Store{data: make(map[string]map[string][]byte)}
}

// Calls returns a copy of every recorded call, in order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Seed pre-populates key with fields, for test setup.
func (s *Store) Seed(key string, fields map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string][]byte, len(fields))
	for k, v := range fields {
		cp[k] = append([]byte(nil), v...)
	}
	s.data[key] = cp
}

func (s *Store) Get(_ context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "Get", Key: key})
	rec, ok := s.data[key]
	if !ok {
		return nil, statestore.ErrNotFound
	}
	out := make(map[string][]byte, len(rec))
	for k, v := range rec {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *Store) SetFields(_ context.Context, key string, fields map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "SetFields", Key: key})
	rec, ok := s.data[key]
	if !ok {
		rec = make(map[string][]byte)
		s.data[key] = rec
	}
	for k, v := range fields {
		rec[k] = append([]byte(nil), v...)
	}
	return nil
}

func (s *Store) CompareAndSwap(_ context.Context, key, field string, expected, newValue []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "CompareAndSwap", Key: key, Field: field})

	if s.FailNextCAS != nil {
		err := s.FailNextCAS
		s.FailNextCAS = nil
		return err
	}

	rec, ok := s.data[key]
	if !ok {
		rec = make(map[string][]byte)
		s.data[key] = rec
	}
	current, has := rec[field]
	matches := (!has && expected == nil) || (has && bytes.Equal(current, expected))
	if !matches {
		return statestore.ErrCASConflict
	}
	rec[field] = append([]byte(nil), newValue...)
	return nil
}

func (s *Store) Close() error { return nil }
