// Package redisstore is a reference statestore.Store backed by Redis,
// using a hash per key (HSET/HGETALL) and a server-side Lua script for
// atomic compare-and-swap on a single field.
package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/sentinel/internal/statestore"
)

var _ statestore.Store = (*Store)(nil)

// Store implements statestore.Store on top of a Redis hash per key.
type Store struct {
	rdb *redis.Client
}

// Open connects to the Redis instance at addr.
func Open(addr string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return &Store{rdb: rdb}, nil
}

// Close implements statestore.Store.
func (s *Store) Close() error { return s.rdb.Close() }

// Get implements statestore.Store.
func (s *Store) Get(ctx context.Context, key string) (map[string][]byte, error) {
	res, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	if len(res) == 0 {
		return nil, statestore.ErrNotFound
	}
	out := make(map[string][]byte, len(res))
	for field, value := range res {
		out[field] = []byte(value)
	}
	return out, nil
}

// SetFields implements statestore.Store.
func (s *Store) SetFields(ctx context.Context, key string, fields map[string][]byte) error {
	args := make([]any, 0, len(fields)*2)
	for field, value := range fields {
		args = append(args, field, value)
	}
	if err := s.rdb.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// compareAndSwapScript implements the CAS atomically server-side: a Lua
// script is the idiomatic way to avoid the WATCH/MULTI round trip racing
// with another client between the read and the write.
var compareAndSwapScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], ARGV[1])
if current == false then
	current = nil
end
local expected = ARGV[2]
if expected == "" then
	expected = nil
end
if current ~= expected then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// casNilSentinel is sent in place of an empty ARGV slot, since Lua cannot
// distinguish an empty string argument from a missing one the way Go's nil
// []byte can represent "field absent".
const casNilSentinel = ""

// CompareAndSwap implements statestore.Store using a server-side Lua
// script so the read-compare-write is atomic without a client-side
// WATCH/MULTI/EXEC retry loop.
func (s *Store) CompareAndSwap(ctx context.Context, key, field string, expected, newValue []byte) error {
	expectedArg := casNilSentinel
	if expected != nil {
		expectedArg = string(expected)
	}

	res, err := compareAndSwapScript.Run(ctx, s.rdb, []string{key}, field, expectedArg, string(newValue)).Int()
	if err != nil {
		return fmt.Errorf("cas script %s/%s: %w", key, field, err)
	}
	if res == 0 {
		return statestore.ErrCASConflict
	}
	return nil
}
