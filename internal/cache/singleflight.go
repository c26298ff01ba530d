package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Filler computes a value to cache when GetOrCompute misses. It returns the
// encoded value and the TTL to store it with.
type Filler func() ([]byte, time.Duration, error)

// SingleflightCache wraps a Cache backend so that concurrent GetOrCompute
// calls for the same key coalesce into a single filler invocation
// (spec.md §4.5: "at most one in-flight fill per key"). Failed fillers are
// never written to the cache and are not remembered as a cached failure —
// each waiter of a failed call sees that call's error, but the next
// GetOrCompute for the same key starts a fresh filler.
type SingleflightCache struct {
	backend Cache
	group   singleflight.Group
}

// NewSingleflightCache wraps backend with single-flight fill coordination.
func NewSingleflightCache(backend Cache) *SingleflightCache {
	return &SingleflightCache{backend: backend}
}

// Get delegates to the backend.
func (c *SingleflightCache) Get(ctx context.Context, key string) ([]byte, bool) {
	return c.backend.Get(ctx, key)
}

// Set delegates to the backend.
func (c *SingleflightCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.backend.Set(ctx, key, value, ttl)
}

// Delete delegates to the backend.
func (c *SingleflightCache) Delete(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}

// GetOrCompute returns the cached value for key if present; otherwise it
// runs filler, with at most one concurrent filler per key across all
// callers. A successful filler's result is stored in the backend before
// being handed to every waiter.
func (c *SingleflightCache) GetOrCompute(ctx context.Context, key string, filler Filler) ([]byte, error) {
	if v, ok := c.backend.Get(ctx, key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		value, ttl, ferr := filler()
		if ferr != nil {
			return nil, ferr
		}
		if serr := c.backend.Set(ctx, key, value, ttl); serr != nil {
			// The computed value is still valid even if the store failed;
			// surface it to waiters rather than failing the whole fill.
			return value, nil
		}
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
