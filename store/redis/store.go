// Package redis provides a Redis-backed Store implementation.
//
// Entities are stored as JSON values; secondary indexes are sorted sets
// scored by time, and due-delivery claiming runs through a Lua script so
// concurrent engines never double-deliver. Delivery records carry a TTL
// matching the retention period, so Redis expires history even if the
// scheduled purge never runs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	dispatchstore "github.com/substratehq/dispatch/store"
)

// compile-time interface check
var _ dispatchstore.Store = (*Store)(nil)

// DefaultRetention is the TTL applied to delivery records.
const DefaultRetention = 90 * 24 * time.Hour

// Store implements store.Store on Redis.
type Store struct {
	rdb       goredis.UniversalClient
	retention time.Duration
}

// Option configures the Redis store.
type Option func(*Store)

// WithRetention overrides the delivery record TTL.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// New creates a Redis store over an existing client.
func New(rdb goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:       rdb,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate is a no-op for Redis (no schema migrations needed).
func (s *Store) Migrate(_ context.Context) error {
	return nil
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// scoreFromTime converts a time.Time to a sorted set score (unix seconds as float64).
func scoreFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// isRedisNil checks if an error is a Redis nil (key not found).
func isRedisNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}

// getEntity retrieves and decodes a JSON entity.
func (s *Store) getEntity(ctx context.Context, key string, dest any) error {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// setEntity encodes and stores a JSON entity.
func (s *Store) setEntity(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("dispatch/redis: marshal entity: %w", err)
	}
	return s.rdb.Set(ctx, key, raw, ttl).Err()
}

// applyPagination applies offset and limit to a slice.
func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset > 0 && offset < len(items) {
		items = items[offset:]
	} else if offset >= len(items) && offset > 0 {
		return nil
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
