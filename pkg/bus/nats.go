package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/convergio/converge/pkg/logging"
	obsprom "github.com/convergio/converge/pkg/observability/prometheus"
	"github.com/convergio/converge/pkg/protocol"
)

// NATSConfig configures the NATS-backed Bus.
type NATSConfig struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string

	// Prefix is prepended to all subjects. Default: "converge".
	Prefix string

	// Name is an optional NATS connection name.
	Name string

	// CacheBucket is the JetStream KeyValue bucket backing the cache.
	// Default: "converge-cache".
	CacheBucket string

	// Logger used by the delivery callbacks. Default: logging.NewDefaultLogger.
	Logger logging.Logger
}

// natsBus implements Bus over a NATS connection. Channels map to subjects
// as <prefix>.ch.<channel>; the key/value cache is a JetStream bucket with
// the expiry stamped into each record so reads past the deadline report a
// miss even before the bucket-level janitor catches up.
type natsBus struct {
	nc     *nats.Conn
	kv     nats.KeyValue
	prefix string
	logger logging.Logger
}

// NewNATSBus connects to NATS and prepares the cache bucket.
func NewNATSBus(ctx context.Context, cfg NATSConfig) (Bus, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx cannot be nil")
	}

	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "converge"
	}
	bucket := cfg.CacheBucket
	if bucket == "" {
		bucket = "converge-cache"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	kv, err := js.KeyValue(bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "converge TTL cache",
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create cache bucket %q: %w", bucket, err)
		}
	}

	return &natsBus{
		nc:     nc,
		kv:     kv,
		prefix: prefix,
		logger: logger,
	}, nil
}

func (b *natsBus) Publish(channel string, env protocol.Envelope) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.nc.Publish(b.subject(channel), data); err != nil {
		return err
	}
	obsprom.GetMetrics().BusPublishedTotal.WithLabelValues(channel).Inc()
	return nil
}

func (b *natsBus) Subscribe(channel string, h Handler) (Subscription, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, &Error{Code: "INVALID_HANDLER", Message: "handler cannot be nil"}
	}

	// NATS invokes the callback serially per subscription, which preserves
	// the per-channel delivery order the runtime relies on.
	sub, err := b.nc.Subscribe(b.subject(channel), func(m *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Errorf("bus: handler panic on %s (isolated): %v", channel, r)
			}
		}()

		env, err := protocol.Decode(m.Data)
		if err != nil {
			obsprom.GetMetrics().BusDroppedTotal.WithLabelValues(channel).Inc()
			b.logger.Warnf("bus: dropping undecodable envelope on %s: %v", channel, err)
			return
		}
		if err := h(context.Background(), env); err != nil {
			b.logger.Errorf("bus: handler error on %s (correlation=%s): %v",
				channel, env.CorrelationID, err)
		}
	})
	if err != nil {
		return nil, err
	}
	return &natsSubscription{channel: channel, sub: sub}, nil
}

// cacheRecord wraps a cached value with its expiry deadline. JetStream KV
// has no per-key TTL, so expiry is enforced on read.
type cacheRecord struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (b *natsBus) CacheSet(key string, value []byte, ttl time.Duration) error {
	if err := ValidateCacheKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return &Error{Code: "INVALID_TTL", Message: "ttl must be positive"}
	}

	data, err := json.Marshal(cacheRecord{
		Value:     value,
		ExpiresAt: time.Now().Add(ttl),
	})
	if err != nil {
		return err
	}
	_, err = b.kv.Put(sanitizeKey(key), data)
	return err
}

func (b *natsBus) CacheGet(key string) ([]byte, error) {
	if err := ValidateCacheKey(key); err != nil {
		return nil, err
	}

	entry, err := b.kv.Get(sanitizeKey(key))
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var rec cacheRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("decode cache record %q: %w", key, err)
	}
	if time.Now().After(rec.ExpiresAt) {
		// Best-effort cleanup; the next read would miss regardless.
		_ = b.kv.Delete(sanitizeKey(key))
		return nil, ErrCacheMiss
	}
	return rec.Value, nil
}

func (b *natsBus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

func (b *natsBus) subject(channel string) string {
	return b.prefix + ".ch." + channel
}

// sanitizeKey maps arbitrary cache keys onto the character set JetStream KV
// accepts.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_' || r == '/' || r == '=':
			return r
		default:
			return '_'
		}
	}, key)
}

type natsSubscription struct {
	channel string
	sub     *nats.Subscription
}

func (s *natsSubscription) Channel() string { return s.channel }

func (s *natsSubscription) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}
