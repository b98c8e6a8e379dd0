// Package bus provides the named-channel publish/subscribe transport plus a
// key/value cache with per-key expiry that the orchestration core runs on.
//
// Two implementations exist: an in-process bus for single-binary deployments
// and tests, and a NATS-backed bus for running workers as separate processes.
// Both deliver at-most-once per subscriber and preserve order for a single
// channel/publisher pairing.
package bus

import (
	"context"
	"time"

	"github.com/convergio/converge/pkg/protocol"
)

// Handler is invoked once per envelope delivered to a subscription.
// Returned errors are logged by the delivery loop, never propagated.
type Handler func(ctx context.Context, env protocol.Envelope) error

// Bus is the shared transport every worker and the coordinator depend on.
type Bus interface {
	// Publish delivers env to every current subscriber of channel.
	// Transport failures are returned to the caller and never retried.
	Publish(channel string, env protocol.Envelope) error

	// Subscribe registers a handler for channel. Each subscription gets its
	// own serial delivery loop; a slow handler only delays that subscriber.
	Subscribe(channel string, h Handler) (Subscription, error)

	// CacheSet stores value under key with the given time to live.
	CacheSet(key string, value []byte, ttl time.Duration) error

	// CacheGet reads a cached value. After expiry it returns ErrCacheMiss,
	// never a stale value.
	CacheGet(key string) ([]byte, error)

	// Close tears the bus down. Pending deliveries are dropped.
	Close() error
}

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	// Channel returns the channel this subscription is bound to.
	Channel() string

	// Unsubscribe removes the handler. Safe to call more than once.
	Unsubscribe() error
}

// Error is a coded bus error.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// ErrCacheMiss is returned by CacheGet for absent or expired keys.
var ErrCacheMiss = &Error{Code: "CACHE_MISS", Message: "cache: key not found"}

// ErrClosed is returned for operations on a closed bus.
var ErrClosed = &Error{Code: "BUS_CLOSED", Message: "bus is closed"}

// ValidateChannel fail-fasts on unusable channel names.
func ValidateChannel(channel string) error {
	if channel == "" {
		return &Error{Code: "INVALID_CHANNEL", Message: "channel cannot be empty"}
	}
	if len(channel) > 255 {
		return &Error{Code: "INVALID_CHANNEL", Message: "channel too long (max 255 characters)"}
	}
	return nil
}

// ValidateCacheKey fail-fasts on unusable cache keys.
func ValidateCacheKey(key string) error {
	if key == "" {
		return &Error{Code: "INVALID_KEY", Message: "cache key cannot be empty"}
	}
	return nil
}
