// Package ratelimit provides fixed-window request counters and TTL value
// caching on top of the bus's key/value store. Workers share these
// primitives regardless of which bus implementation backs the process.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/convergio/converge/pkg/bus"
)

// KeyPrefix namespaces limiter counters inside the shared cache.
const KeyPrefix = "ratelimit"

// counter is the stored per-window state. The window deadline travels with
// the count so increments do not slide the window.
type counter struct {
	Count        int       `json:"count"`
	WindowExpiry time.Time `json:"windowExpiry"`
}

// Limiter is a fixed-window rate limiter. A window opens on the first
// request for an (owner, id) pair and expires with the cache entry, which
// implicitly resets the count.
type Limiter struct {
	bus    bus.Bus
	limit  int
	window time.Duration
}

// NewLimiter creates a limiter allowing limit requests per window.
func NewLimiter(b bus.Bus, limit int, window time.Duration) (*Limiter, error) {
	if b == nil {
		return nil, fmt.Errorf("ratelimit: bus is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("ratelimit: limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("ratelimit: window must be positive, got %v", window)
	}
	return &Limiter{bus: b, limit: limit, window: window}, nil
}

// Allow records one request for (owner, id) and reports whether it is
// within the window's budget. Cache failures are returned to the caller,
// who decides whether to fail open or closed.
func (l *Limiter) Allow(owner, id string) (bool, error) {
	key := fmt.Sprintf("%s.%s.%s", KeyPrefix, owner, id)

	raw, err := l.bus.CacheGet(key)
	if err == bus.ErrCacheMiss {
		c := counter{Count: 1, WindowExpiry: time.Now().Add(l.window)}
		if err := l.put(key, c, l.window); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	var c counter
	if err := json.Unmarshal(raw, &c); err != nil {
		return false, fmt.Errorf("ratelimit: decode counter %q: %w", key, err)
	}

	remaining := time.Until(c.WindowExpiry)
	if remaining <= 0 {
		// The entry outlived its window; start a fresh one.
		c = counter{Count: 1, WindowExpiry: time.Now().Add(l.window)}
		if err := l.put(key, c, l.window); err != nil {
			return false, err
		}
		return true, nil
	}

	if c.Count >= l.limit {
		return false, nil
	}

	c.Count++
	if err := l.put(key, c, remaining); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Limiter) put(key string, c counter, ttl time.Duration) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return l.bus.CacheSet(key, data, ttl)
}
