package bus

import (
	"context"
	"sync"
	"time"

	"github.com/convergio/converge/pkg/logging"
	obsprom "github.com/convergio/converge/pkg/observability/prometheus"
	"github.com/convergio/converge/pkg/protocol"
)

const (
	defaultMailboxCapacity = 256
	cacheSweepInterval     = time.Minute
)

// memoryBus is the in-process Bus. Each subscription owns a bounded mailbox
// drained by a dedicated goroutine, so handlers for one subscription run
// serially in publish order while subscriptions never block each other.
type memoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	ctx    context.Context
	cancel context.CancelFunc
	logger logging.Logger
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryOption customizes the in-process bus.
type MemoryOption func(*memoryBus)

// WithLogger sets the logger used by the delivery loops.
func WithLogger(l logging.Logger) MemoryOption {
	return func(b *memoryBus) { b.logger = l }
}

// NewMemoryBus creates an in-process bus. ctx bounds the lifetime of all
// delivery loops and the cache janitor.
func NewMemoryBus(ctx context.Context, opts ...MemoryOption) Bus {
	ctx, cancel := context.WithCancel(ctx)
	b := &memoryBus{
		subs:   make(map[string][]*memorySubscription),
		cache:  make(map[string]cacheEntry),
		ctx:    ctx,
		cancel: cancel,
		logger: logging.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.cacheJanitor()
	return b
}

func (b *memoryBus) Publish(channel string, env protocol.Envelope) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	// Copy the subscriber list before releasing the lock: Unsubscribe
	// replaces it concurrently, so iterating the shared slice would race.
	subs := make([]*memorySubscription, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	b.mu.RUnlock()

	metrics := obsprom.GetMetrics()
	metrics.BusPublishedTotal.WithLabelValues(channel).Inc()

	for _, sub := range subs {
		if err := sub.mb.send(env); err != nil {
			// Full or closed mailbox: at-most-once means we drop, not block.
			metrics.BusDroppedTotal.WithLabelValues(channel).Inc()
			b.logger.Warnf("bus: dropping envelope on %s (correlation=%s): %v",
				channel, env.CorrelationID, err)
		}
	}
	return nil
}

func (b *memoryBus) Subscribe(channel string, h Handler) (Subscription, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, &Error{Code: "INVALID_HANDLER", Message: "handler cannot be nil"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		channel: channel,
		handler: h,
		mb:      newMailbox(defaultMailboxCapacity),
		bus:     b,
	}
	b.subs[channel] = append(b.subs[channel], sub)
	go sub.drain(b.ctx)
	return sub, nil
}

func (b *memoryBus) CacheSet(key string, value []byte, ttl time.Duration) error {
	if err := ValidateCacheKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return &Error{Code: "INVALID_TTL", Message: "ttl must be positive"}
	}

	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	b.cache[key] = cacheEntry{value: stored, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (b *memoryBus) CacheGet(key string) ([]byte, error) {
	if err := ValidateCacheKey(key); err != nil {
		return nil, err
	}

	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	entry, ok := b.cache[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if time.Now().After(entry.expiresAt) {
		delete(b.cache, key)
		return nil, ErrCacheMiss
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string][]*memorySubscription)
	b.mu.Unlock()

	b.cancel()
	for _, channelSubs := range subs {
		for _, sub := range channelSubs {
			sub.mb.close()
		}
	}
	return nil
}

// cacheJanitor periodically removes expired entries so an idle cache does
// not grow without bound. Reads already treat expired entries as misses.
func (b *memoryBus) cacheJanitor() {
	ticker := time.NewTicker(cacheSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case now := <-ticker.C:
			b.cacheMu.Lock()
			for key, entry := range b.cache {
				if now.After(entry.expiresAt) {
					delete(b.cache, key)
				}
			}
			b.cacheMu.Unlock()
		}
	}
}

type memorySubscription struct {
	channel string
	handler Handler
	mb      *mailbox
	bus     *memoryBus

	once sync.Once
}

func (s *memorySubscription) Channel() string { return s.channel }

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		// Build a fresh slice: publishers hold copies of the old one, so
		// compacting the shared backing array in place would race them.
		subs := s.bus.subs[s.channel]
		remaining := make([]*memorySubscription, 0, len(subs))
		for _, sub := range subs {
			if sub != s {
				remaining = append(remaining, sub)
			}
		}
		if len(remaining) == 0 {
			delete(s.bus.subs, s.channel)
		} else {
			s.bus.subs[s.channel] = remaining
		}
		s.bus.mu.Unlock()
		s.mb.close()
	})
	return nil
}

// drain is the subscription's delivery loop. Handler panics are isolated so
// one bad message cannot take the loop down.
func (s *memorySubscription) drain(ctx context.Context) {
	for {
		env, err := s.mb.receive(ctx)
		if err != nil {
			return
		}
		s.deliver(ctx, env)
	}
}

func (s *memorySubscription) deliver(ctx context.Context, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Errorf("bus: handler panic on %s (isolated): %v", s.channel, r)
		}
	}()
	if err := s.handler(ctx, env); err != nil {
		s.bus.logger.Errorf("bus: handler error on %s (correlation=%s): %v",
			s.channel, env.CorrelationID, err)
	}
}
