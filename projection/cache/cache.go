// Package cache provides a Redis-backed read-through cache in front of a
// projection.Store's AHDB accessor, using github.com/redis/go-redis/v9 for
// shared, low-latency state: Supervisor reads of the AHDB vector are
// expected to be frequent and latency-sensitive.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/choiros/director/eventlog"
	"github.com/choiros/director/projection"
)

const keyPrefix = "director:ahdb:"

// AHDB wraps a projection.AHDB accessor with a Redis read-through cache.
// It is invalidated (not updated) on every Apply call, so the next read
// always reflects the store rather than a stale cached copy.
type AHDB struct {
	inner projection.AHDB
	rdb   *redis.Client
	ttl   time.Duration
	key   string
}

// New wraps inner with a Redis cache. namespace scopes the cache key so
// multiple Director deployments can share one Redis instance.
func New(inner projection.AHDB, rdb *redis.Client, namespace string, ttl time.Duration) *AHDB {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &AHDB{inner: inner, rdb: rdb, ttl: ttl, key: keyPrefix + namespace}
}

// GetAHDB implements projection.AHDB: it serves from Redis when a fresh
// entry exists, otherwise falls through to inner and repopulates the cache.
func (c *AHDB) GetAHDB(ctx context.Context) (projection.AHDBState, error) {
	if raw, err := c.rdb.Get(ctx, c.key).Bytes(); err == nil {
		var state projection.AHDBState
		if jsonErr := json.Unmarshal(raw, &state); jsonErr == nil {
			return state, nil
		}
		// Corrupt cache entry: fall through to inner rather than fail the read.
	} else if err != redis.Nil {
		// Redis is unavailable: degrade to the uncached store instead of
		// failing reads outright, since the cache is an optimization, not
		// the source of truth.
		return c.inner.GetAHDB(ctx)
	}

	state, err := c.inner.GetAHDB(ctx)
	if err != nil {
		return projection.AHDBState{}, err
	}
	if raw, err := json.Marshal(state); err == nil {
		if err := c.rdb.Set(ctx, c.key, raw, c.ttl).Err(); err != nil {
			return state, fmt.Errorf("cache: set AHDB entry: %w", err)
		}
	}
	return state, nil
}

// Invalidate drops the cached AHDB entry. Call this after Apply so the next
// GetAHDB reads fresh state rather than waiting out the TTL.
func (c *AHDB) Invalidate(ctx context.Context) error {
	if err := c.rdb.Del(ctx, c.key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("cache: invalidate AHDB entry: %w", err)
	}
	return nil
}

// Store wraps a full projection.Store, adding AHDB caching while delegating
// every other accessor and the write path (Apply/MarkPoison) to inner
// unchanged, invalidating the cache on every write.
type Store struct {
	projection.Store
	ahdb *AHDB
}

// NewStore wraps inner with Redis-backed AHDB caching.
func NewStore(inner projection.Store, rdb *redis.Client, namespace string, ttl time.Duration) *Store {
	return &Store{Store: inner, ahdb: New(inner, rdb, namespace, ttl)}
}

// GetAHDB overrides the embedded Store's accessor with the cached path.
func (s *Store) GetAHDB(ctx context.Context) (projection.AHDBState, error) {
	return s.ahdb.GetAHDB(ctx)
}

// Apply delegates to inner and invalidates the AHDB cache entry, since every
// event advances AHDBState.LastEventSeq at minimum.
func (s *Store) Apply(ctx context.Context, e *eventlog.Event) error {
	if err := s.Store.Apply(ctx, e); err != nil {
		return err
	}
	return s.ahdb.Invalidate(ctx)
}

// MarkPoison delegates to inner and invalidates the AHDB cache entry, since
// skipping a poison event advances the cursor too.
func (s *Store) MarkPoison(ctx context.Context, e *eventlog.Event, cause error) error {
	if err := s.Store.MarkPoison(ctx, e, cause); err != nil {
		return err
	}
	return s.ahdb.Invalidate(ctx)
}
