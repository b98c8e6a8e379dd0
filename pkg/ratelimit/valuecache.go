package ratelimit

import (
	"fmt"
	"time"

	"github.com/convergio/converge/pkg/bus"
)

// ValueCache is a thin TTL caching helper over the bus's key/value store.
// Workers use it to memoize expensive sub-results under a shared namespace.
type ValueCache struct {
	bus    bus.Bus
	prefix string
	ttl    time.Duration
}

// NewValueCache creates a helper writing keys under prefix with the given
// default time to live.
func NewValueCache(b bus.Bus, prefix string, ttl time.Duration) (*ValueCache, error) {
	if b == nil {
		return nil, fmt.Errorf("ratelimit: bus is required")
	}
	if prefix == "" {
		return nil, fmt.Errorf("ratelimit: cache prefix is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ratelimit: ttl must be positive, got %v", ttl)
	}
	return &ValueCache{bus: b, prefix: prefix, ttl: ttl}, nil
}

// Get reads a cached value. The second return is false on a miss.
func (c *ValueCache) Get(key string) ([]byte, bool, error) {
	value, err := c.bus.CacheGet(c.prefix + "." + key)
	if err == bus.ErrCacheMiss {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set stores value under key with the cache's default TTL.
func (c *ValueCache) Set(key string, value []byte) error {
	return c.bus.CacheSet(c.prefix+"."+key, value, c.ttl)
}

// Fetch returns the cached value for key, calling fill and caching its
// result on a miss. A fill error is returned without caching anything, so
// the next call retries.
func (c *ValueCache) Fetch(key string, fill func() ([]byte, error)) ([]byte, error) {
	value, ok, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	if ok {
		return value, nil
	}

	value, err = fill()
	if err != nil {
		return nil, err
	}
	if err := c.Set(key, value); err != nil {
		return nil, err
	}
	return value, nil
}
