// Package bus implements the invalidation bus: a single well-known pub/sub
// channel carrying bare key identifiers. Every process subscribes once at
// startup; on receipt it evicts the key from its own L1 and wakes any
// follower waiting for that key's rebuild. Delivery is fire-and-forget — a
// subscriber that is down at publish time simply misses the eviction and
// converges through L2 TTL expiry instead.
package bus

import (
	"context"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"catalog-cache/internal/common/errors"
	"catalog-cache/internal/common/logging"
	"catalog-cache/internal/redis"
)

// Bus is the process-wide invalidation subscriber and publisher.
type Bus struct {
	client  *redis.Client
	channel string
	onEvict func(key string)
	logger  logging.Logger

	mu      sync.Mutex
	waiters map[string][]chan struct{}
	pubsub  *goredis.PubSub
}

// New creates a bus on the given channel. onEvict is invoked for every
// received key; the engine wires it to L1 eviction.
func New(client *redis.Client, channel string, onEvict func(key string), logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if onEvict == nil {
		onEvict = func(string) {}
	}
	return &Bus{
		client:  client,
		channel: channel,
		onEvict: onEvict,
		logger:  logger,
		waiters: make(map[string][]chan struct{}),
	}
}

// Run subscribes to the invalidation channel and starts the dispatch loop.
// The subscription is confirmed before Run returns, so a publish issued
// after a successful Run is observed. The loop exits when ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return errors.ConnectionError("failed to subscribe to invalidation channel", err).
			WithContext("channel", b.channel)
	}

	b.mu.Lock()
	b.pubsub = pubsub
	b.mu.Unlock()

	go b.dispatch(ctx, pubsub)
	return nil
}

func (b *Bus) dispatch(ctx context.Context, pubsub *goredis.PubSub) {
	defer pubsub.Close()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("invalidation bus stopped", logging.String("channel", b.channel))
			return
		case msg, ok := <-messages:
			if !ok {
				b.logger.Warn("invalidation subscription closed", logging.String("channel", b.channel))
				return
			}
			key := msg.Payload
			b.onEvict(key)
			b.notify(key)
		}
	}
}

// Publish announces that key's canonical value changed. Best-effort: the
// caller logs failures and moves on.
func (b *Bus) Publish(ctx context.Context, key string) error {
	return b.client.Publish(ctx, b.channel, key)
}

// Await blocks until key is announced on the bus, the timeout elapses, or
// ctx is cancelled. Followers call this after losing the lock race.
func (b *Bus) Await(ctx context.Context, key string, timeout time.Duration) error {
	ch := b.register(key)
	defer b.deregister(key, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return errors.TimeoutError("follower wait").WithContext("key", key)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) register(key string) chan struct{} {
	ch := make(chan struct{})
	b.mu.Lock()
	b.waiters[key] = append(b.waiters[key], ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) deregister(key string, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.waiters[key][:0]
	for _, w := range b.waiters[key] {
		if w != ch {
			remaining = append(remaining, w)
		}
	}
	if len(remaining) == 0 {
		delete(b.waiters, key)
	} else {
		b.waiters[key] = remaining
	}
}

func (b *Bus) notify(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.waiters[key] {
		close(ch)
	}
	delete(b.waiters, key)
}
